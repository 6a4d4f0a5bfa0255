// Package archive unpacks downloaded firmware bundles.
//
// The extraction strategy is picked from a table keyed by model.ArchiveKind.
// The archive kind is decided when the job is created; nothing here sniffs
// file contents.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/bootextract/internal/model"
)

var ErrUnsafePath = errors.New("archive entry escapes destination")

type extractFunc func(ctx context.Context, archivePath, dest string) error

var extractors = map[model.ArchiveKind]extractFunc{
	model.GzipTar: extractTarGz,
	model.Zip:     extractZip,
}

// Extract unpacks the whole archive at archivePath into dest, preserving
// relative paths. Only regular files and directories are written; links
// and special files are skipped.
func Extract(ctx context.Context, archivePath string, kind model.ArchiveKind, dest string) error {
	fn, ok := extractors[kind]
	if !ok {
		return model.ExtractError("extract", fmt.Errorf("no extractor for archive kind %q", kind))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return model.IOError("create extract dir", err)
	}
	return fn(ctx, archivePath, dest)
}

func extractTarGz(ctx context.Context, archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return model.IOError("open archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return model.ExtractError("read gzip header", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return model.ExtractError("read tar entry", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return model.ExtractError("extract "+hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return model.IOError("create dir", err)
			}
		case tar.TypeReg:
			if err := writeFile(ctx, target, tr, fileMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		}
	}
}

func extractZip(ctx context.Context, archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return model.ExtractError("open zip", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return model.ExtractError("extract "+zf.Name, err)
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return model.IOError("create dir", err)
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return model.ExtractError("open "+zf.Name, err)
			}
			err = writeFile(ctx, target, rc, fileMode(mode))
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// writeFile copies r to path. Read failures are archive corruption, write
// failures are disk errors.
func writeFile(ctx context.Context, path string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.IOError("create dir", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return model.IOError("create file", err)
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: &sourceReader{r: r}})
	cerr := out.Close()

	var src *sourceError
	switch {
	case errors.As(err, &src):
		return model.ExtractError("extract "+filepath.Base(path), src.err)
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return model.IOError("write file", err)
	case cerr != nil:
		return model.IOError("close file", cerr)
	}
	return nil
}

// safeJoin resolves name under dest and rejects entries that would land
// outside of it.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

func fileMode(m fs.FileMode) fs.FileMode {
	return m.Perm() | 0o600
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type sourceError struct{ err error }

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// sourceReader tags read errors so they can be told apart from write
// errors after io.Copy.
type sourceReader struct{ r io.Reader }

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &sourceError{err: err}
	}
	return n, err
}
