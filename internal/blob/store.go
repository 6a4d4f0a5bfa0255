// Package blob stores located targets so they can be retrieved after a job
// finishes. Any gocloud.dev bucket URL works: file:// for a local directory,
// mem:// for tests, s3:// or gs:// when the service runs without local disk.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/example/bootextract/internal/model"
)

type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at bucketURL.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &Store{bucket: bkt}, nil
}

// New wraps an already opened bucket. The Store takes ownership of it.
func New(bkt *blob.Bucket) *Store {
	return &Store{bucket: bkt}
}

func (s *Store) Close() error { return s.bucket.Close() }

// ResultKey is the canonical key of a job's located target.
func ResultKey(jobID, target string) string {
	return path.Join("results", jobID, target)
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	w, err := s.bucket.NewWriter(ctx, clean(key), &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("open writer %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", key, err)
	}
	return nil
}

// Open returns a reader for key and its size. A missing key yields
// model.ErrNotFound.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := s.bucket.NewReader(ctx, clean(key), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, 0, model.ErrNotFound
		}
		return nil, 0, fmt.Errorf("open reader %s: %w", key, err)
	}
	return r, r.Size(), nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, clean(key))
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, clean(key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
}

func clean(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}
