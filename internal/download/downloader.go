// Package download streams remote firmware archives to local disk.
//
// Progress is reported as whole percentages when the server advertises a
// Content-Length. There are no retries: a failed transfer fails the job.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/example/bootextract/internal/model"
)

// ErrReadTimeout is returned when no bytes arrive for ReadTimeout.
var ErrReadTimeout = errors.New("download: read timed out")

// Options configures the downloader.
type Options struct {
	// ConnectTimeout bounds dialing, the TLS handshake and waiting for
	// response headers.
	// Default: 30s
	ConnectTimeout time.Duration

	// ReadTimeout is the longest the body may stall without delivering bytes.
	// Default: 30s
	ReadTimeout time.Duration

	// ChunkSize is the size of each read from the response body.
	// Default: 1MiB
	ChunkSize int

	// UserAgent is sent with every request when set.
	UserAgent string

	Logger *slog.Logger
}

// DefaultOptions returns options matching a plain 30 second network timeout.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    30 * time.Second,
		ChunkSize:      1 << 20,
	}
}

type Downloader struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Downloader {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ConnectTimeout,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // Content-Length must match bytes on disk
	}

	return &Downloader{
		client: &http.Client{Transport: transport},
		opts:   opts,
		logger: logger,
	}
}

// Fetch downloads url into dest and returns the number of bytes written.
// onProgress, if non-nil, receives non-decreasing percentages; 100 is only
// reported after dest has been fully written and closed. When the server
// does not advertise a size, onProgress is never called.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, onProgress func(int)) (int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, model.DownloadError("create request", err)
	}
	if d.opts.UserAgent != "" {
		req.Header.Set("User-Agent", d.opts.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, model.DownloadError("download firmware", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return 0, model.DownloadError("download firmware", err)
	}

	total := resp.ContentLength
	d.logger.Debug("download.start", "url", url, "size", sizeLabel(total))

	f, err := os.Create(dest)
	if err != nil {
		return 0, model.IOError("create archive file", err)
	}

	// The idle timer cancels the request when the body stalls.
	idle := time.AfterFunc(d.opts.ReadTimeout, func() { cancel(ErrReadTimeout) })
	defer idle.Stop()

	buf := make([]byte, d.opts.ChunkSize)
	var received int64
	last := -1

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(d.opts.ReadTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return received, model.IOError("write archive file", werr)
			}
			received += int64(n)

			if total > 0 && onProgress != nil {
				pct := int(received * 100 / total)
				if pct > 99 {
					pct = 99
				}
				if pct > last {
					last = pct
					onProgress(pct)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			if cause := context.Cause(ctx); cause != nil {
				rerr = cause
			}
			return received, model.DownloadError("read body", rerr)
		}
	}

	if err := f.Close(); err != nil {
		return received, model.IOError("close archive file", err)
	}
	if total > 0 && received != total {
		return received, model.DownloadError("read body",
			fmt.Errorf("short body: got %d of %d bytes", received, total))
	}
	if total > 0 && onProgress != nil {
		onProgress(100)
	}

	d.logger.Info("download.ok", "url", url, "bytes", humanize.IBytes(uint64(received)))
	return received, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

func sizeLabel(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}
