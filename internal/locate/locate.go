// Package locate finds the target file in an extracted firmware tree and
// promotes it to the result store.
//
// The walk is depth-first and visits each directory's entries sorted by
// name (filepath.WalkDir order). When several files share the target name,
// the first one in that order wins, independent of how the filesystem lists
// directories. For example a/x/boot.img beats b/boot.img, and both beat
// z/boot.img.
package locate

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/example/bootextract/internal/blob"
	"github.com/example/bootextract/internal/model"
)

var errFound = errors.New("found")

type Locator struct {
	results *blob.Store
	logger  *slog.Logger
}

func New(results *blob.Store, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{results: results, logger: logger}
}

// Find returns the first regular file under root named exactly target.
func (l *Locator) Find(ctx context.Context, root, target string) (string, error) {
	var match string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() == target {
			match = p
			return errFound
		}
		return nil
	})
	switch {
	case errors.Is(err, errFound):
		l.logger.Debug("locate.find.ok", "path", match)
		return match, nil
	case err != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case err != nil:
		return "", model.IOError("search extracted tree", err)
	}
	return "", model.NotFoundError(target)
}

// Promote copies the file at path into the result store under key. The
// source is left in place.
func (l *Locator) Promote(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return model.IOError("open located file", err)
	}
	defer f.Close()

	if err := l.results.Put(ctx, key, f); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.IOError("store result", err)
	}

	if fi, err := f.Stat(); err == nil {
		l.logger.Info("locate.promote.ok", "key", key, "size", humanize.IBytes(uint64(fi.Size())))
	}
	return nil
}
