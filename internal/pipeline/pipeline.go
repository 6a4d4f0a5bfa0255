// Package pipeline runs extraction jobs: reset the workspace, download the
// archive, unpack it, locate the target and publish it to the result store.
//
// Only one job runs at a time. A Start while a job is active is rejected
// with ErrBusy rather than queued. The latest job stays inspectable until the
// next one replaces it; no history is kept.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bootextract/internal/archive"
	"github.com/example/bootextract/internal/blob"
	"github.com/example/bootextract/internal/model"
	"github.com/example/bootextract/internal/workspace"
)

var (
	ErrBusy       = errors.New("another extraction is already running")
	ErrInvalidURL = errors.New("url must be an absolute http or https address")
	ErrNotReady   = errors.New("result not yet produced")
)

const resultsPrefix = "results/"

// Fetcher downloads url to dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, onProgress func(int)) (int64, error)
}

// Finder locates the target in an extracted tree and publishes it.
type Finder interface {
	Find(ctx context.Context, root, target string) (string, error)
	Promote(ctx context.Context, path, key string) error
}

// ExtractFunc unpacks an archive of the given kind into dest.
type ExtractFunc func(ctx context.Context, archivePath string, kind model.ArchiveKind, dest string) error

type Options struct {
	Workspace *workspace.Manager
	Fetcher   Fetcher
	Extract   ExtractFunc
	Finder    Finder
	Results   *blob.Store

	// Target is the file name searched for after extraction.
	// Default: boot.img
	Target string

	// EventBuffer is the capacity of each job's event channel.
	// Default: 16
	EventBuffer int

	Logger *slog.Logger
}

type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	active  bool
	current *model.Job
}

func New(opts Options) *Orchestrator {
	if opts.Extract == nil {
		opts.Extract = archive.Extract
	}
	if opts.Target == "" {
		opts.Target = "boot.img"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{opts: opts, logger: logger}
}

// Target is the file name jobs search for.
func (o *Orchestrator) Target() string { return o.opts.Target }

// Start validates rawURL, claims the single job slot and runs the job in
// the background. Events are delivered in order on the returned channel,
// which is closed after the terminal event. Cancelling ctx aborts the job.
func (o *Orchestrator) Start(ctx context.Context, rawURL string) (model.Job, <-chan model.Event, error) {
	r, err := o.start(ctx, rawURL, false)
	if err != nil {
		return model.Job{}, nil, err
	}
	return r.initial, r.events, nil
}

func (o *Orchestrator) start(ctx context.Context, rawURL string, openResult bool) (*runner, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	kind, err := model.ArchiveKindFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	now := time.Now().UTC()
	job := &model.Job{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		SourceURL:   rawURL,
		ArchiveKind: kind,
		Status:      model.JobIdle,
	}
	o.active = true
	o.current = job
	r := &runner{
		o:       o,
		ctx:     ctx,
		id:      job.ID,
		initial: *job,
		events:  make(chan model.Event, o.opts.EventBuffer),
		open:    openResult,
	}
	o.mu.Unlock()

	o.logger.Info("pipeline.job.start", "job_id", job.ID, "url", rawURL, "kind", kind)
	go o.run(r)
	return r, nil
}

// Run executes a job and waits for it to finish. On failure the returned
// error carries the stage's kind (see model.KindOf).
func (o *Orchestrator) Run(ctx context.Context, rawURL string) (model.Job, error) {
	r, err := o.start(ctx, rawURL, false)
	if err != nil {
		return model.Job{}, err
	}
	for range r.events {
	}
	return r.final, r.err
}

// RunAndOpen is Run followed by opening the job's result. The reader is
// opened before the slot is released, so a job started right afterwards
// cannot remove the result out from under the caller. The caller closes
// the reader.
func (o *Orchestrator) RunAndOpen(ctx context.Context, rawURL string) (model.Job, io.ReadCloser, int64, error) {
	r, err := o.start(ctx, rawURL, true)
	if err != nil {
		return model.Job{}, nil, 0, err
	}
	for range r.events {
	}
	if r.err != nil {
		return r.final, nil, 0, r.err
	}
	return r.final, r.result, r.size, nil
}

// Current returns a snapshot of the latest job.
func (o *Orchestrator) Current() (model.Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return model.Job{}, false
	}
	return *o.current, true
}

// Job returns the job with id if it is the latest one.
func (o *Orchestrator) Job(id string) (model.Job, error) {
	job, ok := o.Current()
	if !ok || job.ID != id {
		return model.Job{}, model.ErrNotFound
	}
	return job, nil
}

// OpenResult opens the located target of job id.
func (o *Orchestrator) OpenResult(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	job, err := o.Job(id)
	if err != nil {
		return nil, 0, err
	}
	if job.Status != model.JobDone {
		return nil, 0, ErrNotReady
	}
	return o.opts.Results.Open(ctx, job.ResultKey)
}

// run drives r to a terminal state. The slot is released before events is
// closed, so a caller that has drained the channel can start the next job.
func (o *Orchestrator) run(r *runner) {
	defer close(r.events)

	if err := r.execute(r.initial); err != nil {
		r.fail(err)
	}

	o.mu.Lock()
	final := *o.current
	o.mu.Unlock()

	if r.open && r.err == nil {
		rc, size, err := o.opts.Results.Open(r.ctx, final.ResultKey)
		if err != nil {
			r.err = model.IOError("open result", err)
		} else {
			r.result, r.size = rc, size
		}
	}

	o.mu.Lock()
	r.final = final
	o.active = false
	o.mu.Unlock()
}

// runner drives one job through its stages.
type runner struct {
	o       *Orchestrator
	ctx     context.Context
	id      string
	initial model.Job
	events  chan model.Event

	// open asks run to open the result before releasing the slot.
	open bool

	// Written before events is closed.
	final  model.Job
	err    error
	result io.ReadCloser
	size   int64
}

func (r *runner) execute(job model.Job) error {
	o := r.o

	r.advance(model.JobCleaning, nil)
	if err := o.opts.Workspace.Reset(); err != nil {
		return err
	}
	if err := o.opts.Results.DeletePrefix(r.ctx, resultsPrefix); err != nil {
		return model.IOError("remove previous result", err)
	}
	ws, err := o.opts.Workspace.Prepare(job.ID, job.ArchiveKind)
	if err != nil {
		return err
	}

	r.advance(model.JobDownloading, nil)
	n, err := o.opts.Fetcher.Fetch(r.ctx, job.SourceURL, ws.ArchivePath, r.progress)
	if err != nil {
		return err
	}
	o.logger.Debug("pipeline.download.ok", "job_id", job.ID, "bytes", n)

	r.advance(model.JobExtracting, nil)
	if err := o.opts.Extract(r.ctx, ws.ArchivePath, job.ArchiveKind, ws.ExtractDir); err != nil {
		return err
	}
	o.logger.Debug("pipeline.extract.ok", "job_id", job.ID)

	r.advance(model.JobSearching, nil)
	found, err := o.opts.Finder.Find(r.ctx, ws.ExtractDir, o.opts.Target)
	if err != nil {
		return err
	}
	key := blob.ResultKey(job.ID, o.opts.Target)
	if err := o.opts.Finder.Promote(r.ctx, found, key); err != nil {
		return err
	}

	r.advance(model.JobDone, func(j *model.Job) { j.ResultKey = key })
	o.logger.Info("pipeline.job.done", "job_id", job.ID, "result", key)
	return nil
}

// advance moves the job to status and publishes the transition.
func (r *runner) advance(status model.JobStatus, mutate func(*model.Job)) {
	ev, ok := r.update(func(j *model.Job) bool {
		if !j.Status.CanAdvance(status) {
			return false
		}
		j.Status = status
		if mutate != nil {
			mutate(j)
		}
		return true
	})
	if !ok {
		return
	}
	if status == model.JobDone {
		ev.Done = true
	}
	r.emit(ev)
}

func (r *runner) progress(pct int) {
	ev, ok := r.update(func(j *model.Job) bool {
		if j.Status != model.JobDownloading {
			return false
		}
		if j.Progress != nil && *j.Progress >= pct {
			return false
		}
		p := pct
		j.Progress = &p
		return true
	})
	if ok {
		r.emit(ev)
	}
}

func (r *runner) fail(err error) {
	kind := model.KindOf(err)
	msg := err.Error()
	if r.ctx.Err() != nil {
		kind = model.KindCanceled
		msg = "extraction canceled"
		err = model.NewError(model.KindCanceled, "", r.ctx.Err())
	}

	ev, ok := r.update(func(j *model.Job) bool {
		if !j.Status.CanAdvance(model.JobFailed) {
			return false
		}
		j.Status = model.JobFailed
		j.Error = msg
		j.ErrorKind = kind
		return true
	})
	r.err = err
	r.o.logger.Error("pipeline.job.failed", "job_id", r.id, "kind", kind, "err", err)
	if ok {
		r.emit(ev)
	}
}

// update applies fn to the job under the orchestrator lock and returns the
// event describing the new state.
func (r *runner) update(fn func(*model.Job) bool) (model.Event, bool) {
	r.o.mu.Lock()
	defer r.o.mu.Unlock()

	j := r.o.current
	if j == nil || j.ID != r.id || !fn(j) {
		return model.Event{}, false
	}
	j.UpdatedAt = time.Now().UTC()
	ev := model.Event{
		JobID:     j.ID,
		Status:    j.Status,
		Error:     j.Error,
		ErrorKind: j.ErrorKind,
	}
	if j.Progress != nil {
		p := *j.Progress
		ev.Progress = &p
	}
	return ev, true
}

// emit delivers ev unless the caller has gone away.
func (r *runner) emit(ev model.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		// The caller may still be draining; keep the terminal event if
		// there is room.
		if ev.Status.Terminal() {
			select {
			case r.events <- ev:
			default:
			}
		}
	}
}
