package locate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/example/bootextract/internal/blob"
	"github.com/example/bootextract/internal/model"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindNested(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"fw/images/boot.img":   "boot",
		"fw/images/vendor.img": "vendor",
	})

	l := New(nil, nil)
	got, err := l.Find(context.Background(), root, "boot.img")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := filepath.Join(root, "fw", "images", "boot.img"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestFindDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"z/boot.img":        "z",
		"b/boot.img":        "b",
		"a/x/boot.img":      "ax",
		"a/y/boot.img":      "ay",
		"boot.img.bak/file": "not a match",
	})

	l := New(nil, nil)
	for i := 0; i < 5; i++ {
		got, err := l.Find(context.Background(), root, "boot.img")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if want := filepath.Join(root, "a", "x", "boot.img"); got != want {
			t.Fatalf("run %d: got %s, want %s", i, got, want)
		}
	}
}

func TestFindExactCaseSensitive(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"BOOT.IMG":      "upper",
		"boot.img.sha1": "hash",
		"xboot.img":     "prefix",
	})

	l := New(nil, nil)
	_, err := l.Find(context.Background(), root, "boot.img")
	if !errors.Is(err, model.ErrTarget) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("message should mention not found: %q", err.Error())
	}
}

func TestFindSkipsDirectoryNamedTarget(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"boot.img/readme.txt": "dir, not a file",
		"images/boot.img":     "real",
	})

	l := New(nil, nil)
	got, err := l.Find(context.Background(), root, "boot.img")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if want := filepath.Join(root, "images", "boot.img"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestPromoteCopies(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"sub/dir/boot.img": "ANDROID!payload"})

	store := blob.New(memblob.OpenBucket(nil))
	defer store.Close()
	l := New(store, nil)

	src, err := l.Find(ctx, root, "boot.img")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	key := blob.ResultKey("job", "boot.img")
	if err := l.Promote(ctx, src, key); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	r, _, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, []byte("ANDROID!payload")) {
		t.Errorf("unexpected result %q", got)
	}

	if _, err := os.Stat(src); err != nil {
		t.Errorf("source must stay in place: %v", err)
	}
}
