package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/reelpair/reelpair/internal/config"
	"github.com/reelpair/reelpair/internal/ffmpeg"
	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/kv"
	"github.com/reelpair/reelpair/internal/metrics"
	"github.com/reelpair/reelpair/internal/queue"
	"github.com/reelpair/reelpair/internal/render"
	"github.com/reelpair/reelpair/internal/webhook"
	"github.com/reelpair/reelpair/internal/workspace"
)

// lockFileName is the flock file used when lock = "file".
const lockFileName = "worker.lock"

// app is the wired object graph shared by serve and the jobs commands.
type app struct {
	kv       kv.Store
	store    *job.Store
	ws       *workspace.Workspace
	detector *ffmpeg.Detector
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	svc      *queue.Service
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openKV(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.New(cfg.WorkDir, cfg.MaxUploadBytes())
	if err != nil {
		store.Close()
		return nil, err
	}

	var notifier *webhook.Notifier
	if cfg.NotifyURL != "" {
		if notifier, err = webhook.New(cfg.NotifyURL, logger); err != nil {
			store.Close()
			return nil, fmt.Errorf("notify url: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	runner := ffmpeg.ExecRunner{}
	prober := ffmpeg.NewProber(runner, cfg.FFmpegPath)
	detector := ffmpeg.NewDetector(runner, cfg.FFmpegPath, logger)
	encoder := ffmpeg.NewEncoder(runner, cfg.FFmpegPath, ffmpeg.DefaultSettings())
	processor := render.NewProcessor(prober, detector, encoder, render.Options{
		FontFile:       cfg.FontFile,
		MaxClipSeconds: cfg.MaxClipDuration(),
		Metrics:        m,
		Logger:         logger,
	})

	jobs := job.NewStore(store, cfg.JobTTL(), logger)
	svc := queue.New(queue.Options{
		QueueSize:       cfg.QueueSize,
		MaxJobs:         cfg.MaxJobs,
		Retention:       cfg.Retention(),
		CleanupInterval: cfg.CleanupInterval(),
		PollInterval:    cfg.PollInterval(),
	}, queue.Deps{
		KV:        store,
		Store:     jobs,
		Lock:      newWorkerLock(cfg, store),
		Processor: processor,
		Prober:    prober,
		Workspace: ws,
		Metrics:   m,
		Notifier:  notifier,
		Logger:    logger,
	})

	return &app{
		kv:       store,
		store:    jobs,
		ws:       ws,
		detector: detector,
		registry: reg,
		metrics:  m,
		svc:      svc,
	}, nil
}

// Close flushes job records and closes the kv backend.
func (a *app) Close() {
	a.store.Close()
	if err := a.kv.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}

func openKV(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Store {
	case "memory":
		logger.Warn("memory store: jobs are not shared with other processes and are lost on exit")
		return kv.NewMemory(), nil
	case "redis":
		store, err := kv.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	default:
		store, err := kv.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	}
}

func newWorkerLock(cfg *config.Config, store kv.Store) queue.WorkerLock {
	if cfg.Lock == "file" {
		return queue.NewFileLock(filepath.Join(cfg.WorkDir, lockFileName))
	}
	return queue.NewKVLock(store, cfg.LockTTL())
}
