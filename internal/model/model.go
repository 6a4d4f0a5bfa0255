package model

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"time"
)

type JobStatus string

const (
	JobIdle        JobStatus = "idle"
	JobCleaning    JobStatus = "cleaning"
	JobDownloading JobStatus = "downloading"
	JobExtracting  JobStatus = "extracting"
	JobSearching   JobStatus = "searching"
	JobDone        JobStatus = "done"
	JobFailed      JobStatus = "failed"
)

var statusOrder = map[JobStatus]int{
	JobIdle:        0,
	JobCleaning:    1,
	JobDownloading: 2,
	JobExtracting:  3,
	JobSearching:   4,
	JobDone:        5,
	JobFailed:      5,
}

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// CanAdvance reports whether moving from s to next keeps the state machine
// moving forward. Failed is reachable from every non-terminal status.
func (s JobStatus) CanAdvance(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobFailed {
		return true
	}
	return statusOrder[next] > statusOrder[s]
}

type ArchiveKind string

const (
	GzipTar ArchiveKind = "tgz"
	Zip     ArchiveKind = "zip"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedArchive = errors.New("unsupported archive type: expected .tgz, .tar.gz or .zip")
)

// ArchiveKindFromURL derives the archive kind from the path suffix of
// rawURL. Query string and fragment are ignored.
func ArchiveKindFromURL(rawURL string) (ArchiveKind, error) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := strings.ToLower(path.Base(p))
	switch {
	case strings.HasSuffix(name, ".tgz"), strings.HasSuffix(name, ".tar.gz"):
		return GzipTar, nil
	case strings.HasSuffix(name, ".zip"):
		return Zip, nil
	default:
		return "", ErrUnsupportedArchive
	}
}

// Ext is the file extension used for the downloaded archive.
func (k ArchiveKind) Ext() string {
	return "." + string(k)
}

// Job represents one extraction request.
//
// - Progress is nil while the download size is unknown.
// - ResultKey is the key of the located target in the result store, set only
//   once the job is done.
type Job struct {
	ID          string      `json:"id"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	SourceURL   string      `json:"sourceUrl"`
	ArchiveKind ArchiveKind `json:"archiveKind"`
	Status      JobStatus   `json:"status"`
	Progress    *int        `json:"progress,omitempty"`
	ResultKey   string      `json:"resultKey,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   ErrorKind   `json:"errorKind,omitempty"`
}

// Event is a single observation of a job delivered to a caller.
type Event struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Progress  *int      `json:"progress,omitempty"`
	Done      bool      `json:"done,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}
