// Package workspace owns the on-disk staging area of extraction jobs.
//
// Every job gets its own directory under <root>/jobs named after the job ID:
//
//	<root>/jobs/<id>/firmware/      extracted archive tree
//	<root>/jobs/<id>/firmware.tgz   downloaded archive (or firmware.zip)
//
// Reset wipes all job directories so a new job never sees leftovers from a
// previous one, including partial downloads.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/example/bootextract/internal/model"
)

const (
	jobsDir     = "jobs"
	extractDir  = "firmware"
	archiveBase = "firmware"
)

// Workspace is the set of paths one job may touch.
type Workspace struct {
	Dir         string
	ArchivePath string
	ExtractDir  string
}

type Manager struct {
	root   string
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, logger: logger}
}

func (m *Manager) Root() string { return m.root }

// Reset removes every job directory under the root. Missing paths are not
// an error.
func (m *Manager) Reset() error {
	dir := filepath.Join(m.root, jobsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return model.IOError("reset workspace", err)
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return model.IOError("reset workspace", fmt.Errorf("remove %s: %w", p, err))
		}
		m.logger.Debug("workspace.reset.removed", "path", p)
	}
	return nil
}

// Prepare creates the directory for jobID and returns its layout.
func (m *Manager) Prepare(jobID string, kind model.ArchiveKind) (Workspace, error) {
	dir := filepath.Join(m.root, jobsDir, jobID)
	ws := Workspace{
		Dir:         dir,
		ArchivePath: filepath.Join(dir, archiveBase+kind.Ext()),
		ExtractDir:  filepath.Join(dir, extractDir),
	}
	if err := os.MkdirAll(ws.ExtractDir, 0o755); err != nil {
		return Workspace{}, model.IOError("prepare workspace", err)
	}
	return ws, nil
}
