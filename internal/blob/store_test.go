package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/example/bootextract/internal/model"
)

func TestPutOpenDelete(t *testing.T) {
	ctx := context.Background()
	s := New(memblob.OpenBucket(nil))
	defer s.Close()

	key := ResultKey("job-1", "boot.img")
	if key != "results/job-1/boot.img" {
		t.Fatalf("unexpected key %q", key)
	}

	data := []byte("ANDROID!boot image payload")
	if err := s.Put(ctx, key, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("expected key to exist, got %v (%v)", ok, err)
	}

	r, size, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if size != int64(len(data)) || !bytes.Equal(got, data) {
		t.Errorf("got %d bytes %q, want %q", size, got, data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
	if _, _, err := s.Open(ctx, key); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected model.ErrNotFound after delete, got %v", err)
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := New(memblob.OpenBucket(nil))
	defer s.Close()

	keys := []string{
		ResultKey("a", "boot.img"),
		ResultKey("b", "boot.img"),
		"other/keep.bin",
	}
	for _, k := range keys {
		if err := s.Put(ctx, k, bytes.NewReader([]byte(k))); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	if err := s.DeletePrefix(ctx, "results/"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}

	for _, k := range keys[:2] {
		if ok, err := s.Exists(ctx, k); err != nil || ok {
			t.Errorf("expected %s to be deleted, got %v (%v)", k, ok, err)
		}
	}
	if ok, err := s.Exists(ctx, "other/keep.bin"); err != nil || !ok {
		t.Errorf("expected key outside prefix to survive, got %v (%v)", ok, err)
	}
}

func TestExistsReportsBucketErrors(t *testing.T) {
	s := New(memblob.OpenBucket(nil))
	s.Close()

	ok, err := s.Exists(context.Background(), "results/a/boot.img")
	if err == nil {
		t.Fatal("expected error from closed bucket")
	}
	if ok {
		t.Error("expected false on error")
	}
}
