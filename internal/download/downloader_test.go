package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/example/bootextract/internal/model"
)

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestFetchReportsProgress(t *testing.T) {
	data := testData(64 * 1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		// Write in small pieces so the client sees several reads.
		for off := 0; off < len(data); off += 4096 {
			w.Write(data[off : off+4096])
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	d := New(Options{ChunkSize: 4096})
	dest := filepath.Join(t.TempDir(), "firmware.zip")

	var progress []int
	n, err := d.Fetch(context.Background(), server.URL+"/rom.zip", dest, func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("expected %d bytes, got %d", len(data), n)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded data mismatch")
	}

	if len(progress) < 2 {
		t.Fatalf("expected several progress updates, got %v", progress)
	}
	for i, p := range progress {
		if p < 0 || p > 100 {
			t.Errorf("progress out of range: %d", p)
		}
		if i > 0 && p < progress[i-1] {
			t.Errorf("progress decreased: %v", progress)
		}
		if p == 100 && i != len(progress)-1 {
			t.Errorf("100 reported before completion: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("expected final progress 100, got %v", progress)
	}
}

func TestFetchUnknownSizeReportsNoProgress(t *testing.T) {
	data := testData(32 * 1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the body is complete forces chunked encoding.
		w.Write(data[:1024])
		w.(http.Flusher).Flush()
		w.Write(data[1024:])
	}))
	defer server.Close()

	d := New(DefaultOptions())
	dest := filepath.Join(t.TempDir(), "firmware.tgz")

	called := false
	if _, err := d.Fetch(context.Background(), server.URL, dest, func(int) { called = true }); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if called {
		t.Error("progress must not be reported when size is unknown")
	}

	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, data) {
		t.Error("downloaded data mismatch")
	}
}

func TestFetchHTTPError(t *testing.T) {
	tests := []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError}

	for _, code := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		d := New(DefaultOptions())
		_, err := d.Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "f"), nil)
		server.Close()

		if !errors.Is(err, model.ErrDownload) {
			t.Errorf("status %d: expected download error, got %v", code, err)
		}
	}
}

func TestFetchConnectionReset(t *testing.T) {
	data := testData(128 * 1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data[:len(data)/2])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	d := New(Options{ChunkSize: 8192})
	dest := filepath.Join(t.TempDir(), "firmware.zip")

	var progress []int
	_, err := d.Fetch(context.Background(), server.URL, dest, func(p int) { progress = append(progress, p) })
	if !errors.Is(err, model.ErrDownload) {
		t.Fatalf("expected download error, got %v", err)
	}
	for _, p := range progress {
		if p == 100 {
			t.Error("100 must not be reported for a failed download")
		}
	}
	// The partial file stays behind for the workspace reset.
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected partial file to remain: %v", err)
	}
}

func TestFetchReadTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	d := New(Options{ReadTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := d.Fetch(context.Background(), server.URL, filepath.Join(t.TempDir(), "f"), nil)
	if !errors.Is(err, model.ErrDownload) {
		t.Fatalf("expected download error, got %v", err)
	}
	if !errors.Is(err, ErrReadTimeout) {
		t.Errorf("expected ErrReadTimeout in chain, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("read timeout did not abort promptly")
	}
}

func TestFetchContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := New(DefaultOptions())
	dest := filepath.Join(t.TempDir(), "f")

	done := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctx, server.URL, dest, func(int) {})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled in chain, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not stop after cancel")
	}
}
