package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/bootextract/internal/model"
	"github.com/example/bootextract/internal/pipeline"
)

type Server struct {
	Pipeline *pipeline.Orchestrator
	Logger   *slog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract", s.handleExtract)
		r.Get("/extract/stream", s.handleExtractStream)
		r.Get("/result", s.handleGetLatestResult)
		r.Get("/jobs/current", s.handleGetCurrentJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/result", s.handleGetResult)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// handleExtract runs a job to completion and answers with the located file.
func (s Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	rawURL, err := sourceURL(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	job, rc, size, err := s.Pipeline.RunAndOpen(r.Context(), rawURL)
	if err != nil {
		if job.Error == "" {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, statusFor(err), map[string]any{"error": job.Error, "kind": job.ErrorKind})
		return
	}
	defer rc.Close()
	s.writeResult(w, job.ID, rc, size)
}

// handleExtractStream runs a job and relays its events as server-sent
// events. Closing the connection cancels the job.
func (s Server) handleExtractStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	rawURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if rawURL == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'url' parameter"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	job, events, err := s.Pipeline.Start(ctx, rawURL)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		msg, ok := streamMessage(ev)
		if !ok {
			continue
		}
		if err := writeEvent(w, msg); err != nil {
			s.logger().Debug("httpapi.stream.closed", "job_id", job.ID, "err", err)
			cancel()
			// Drain so the job can finish its cancellation.
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

// streamMessage maps a job event to the wire payload. Status transitions
// without progress carry nothing a stream client needs.
func streamMessage(ev model.Event) (map[string]any, bool) {
	switch {
	case ev.Status == model.JobDone:
		return map[string]any{"done": true, "jobId": ev.JobID}, true
	case ev.Status == model.JobFailed:
		return map[string]any{"error": ev.Error, "kind": ev.ErrorKind}, true
	case ev.Status == model.JobDownloading && ev.Progress != nil:
		return map[string]any{"progress": *ev.Progress}, true
	}
	return nil, false
}

func writeEvent(w io.Writer, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s Server) handleGetLatestResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.Pipeline.Current()
	if !ok || job.Status != model.JobDone {
		writeErr(w, http.StatusNotFound, fmt.Errorf("%s not yet produced", s.Pipeline.Target()))
		return
	}
	s.serveResult(w, r, job.ID)
}

func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	s.serveResult(w, r, chi.URLParam(r, "id"))
}

func (s Server) handleGetCurrentJob(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.Pipeline.Current()
	if !ok {
		writeErr(w, http.StatusNotFound, model.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Pipeline.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) serveResult(w http.ResponseWriter, r *http.Request, id string) {
	rc, size, err := s.Pipeline.OpenResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotReady) {
			err = fmt.Errorf("%s not yet produced", s.Pipeline.Target())
		}
		writeErr(w, statusFor(err), err)
		return
	}
	defer rc.Close()
	s.writeResult(w, id, rc, size)
}

func (s Server) writeResult(w http.ResponseWriter, id string, body io.Reader, size int64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.Pipeline.Target()))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, body); err != nil {
		s.logger().Warn("httpapi.result.copy_failed", "job_id", id, "err", err)
	}
}

// sourceURL reads the archive URL from a JSON body or a form field.
func sourceURL(r *http.Request) (string, error) {
	var raw string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		raw = body.URL
	} else {
		raw = r.FormValue("url")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("missing 'url'")
	}
	return raw, nil
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidURL), errors.Is(err, model.ErrUnsupportedArchive):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	}
	switch model.KindOf(err) {
	case model.KindDownload:
		return http.StatusBadGateway
	case model.KindExtract, model.KindNotFound:
		return http.StatusUnprocessableEntity
	case model.KindCanceled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
