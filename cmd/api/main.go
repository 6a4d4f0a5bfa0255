package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/example/bootextract/internal/blob"
	"github.com/example/bootextract/internal/config"
	"github.com/example/bootextract/internal/download"
	"github.com/example/bootextract/internal/httpapi"
	"github.com/example/bootextract/internal/locate"
	"github.com/example/bootextract/internal/logging"
	"github.com/example/bootextract/internal/pipeline"
	"github.com/example/bootextract/internal/workspace"
)

func main() {
	loadDotEnv()

	cfgPath := os.Getenv("BOOTEXTRACT_CONFIG")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Env)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "results"), 0o755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := blob.Open(ctx, cfg.ResultBucket)
	if err != nil {
		log.Fatalf("open result bucket: %v", err)
	}
	defer results.Close()

	chunk, err := cfg.ChunkBytes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	orch := pipeline.New(pipeline.Options{
		Workspace: workspace.New(cfg.DataDir, logger),
		Fetcher: download.New(download.Options{
			ConnectTimeout: cfg.Download.ConnectTimeout,
			ReadTimeout:    cfg.Download.ReadTimeout,
			ChunkSize:      chunk,
			UserAgent:      cfg.Download.UserAgent,
			Logger:         logger,
		}),
		Finder:  locate.New(results, logger),
		Results: results,
		Target:  cfg.TargetName,
		Logger:  logger,
	})

	server := httpapi.Server{
		Pipeline: orch,
		Logger:   logger,
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Router(),
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("API listening", "addr", cfg.HTTP.Addr, "env", cfg.Env, "target", cfg.TargetName, "bucket", cfg.ResultBucket)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
