package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ahalverson/docmill/internal/audit"
	"github.com/ahalverson/docmill/internal/blob"
	"github.com/ahalverson/docmill/internal/cache"
	"github.com/ahalverson/docmill/internal/config"
	"github.com/ahalverson/docmill/internal/home"
	"github.com/ahalverson/docmill/internal/pdf"
	"github.com/ahalverson/docmill/internal/pipeline"
	"github.com/ahalverson/docmill/internal/queue"
	"github.com/ahalverson/docmill/internal/search"
	"github.com/ahalverson/docmill/internal/store"
	"github.com/ahalverson/docmill/internal/svcctx"
)

// setupServices wires the full docmill service stack for a command run.
// The returned cleanup func closes the store.
func setupServices() (*svcctx.Services, func(), error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, nil, err
	}

	cfgPath := cfgFile
	if cfgPath == "" && h.ConfigExists() {
		cfgPath = h.ConfigPath()
	}
	cfgMgr, err := config.NewManager(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgMgr.Get()

	logger := newLogger(cfg)

	st, err := store.Open(h.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	cleanup := func() { st.Close() }

	blobs, err := blob.NewFSStore(h.BlobsPath())
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	index, err := search.NewSQLIndexer(st.DB())
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	q, err := queue.New(st.DB(), queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval(),
		LockDuration: cfg.Queue.LockDuration(),
		Logger:       logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	emitter := audit.NewEmitter(logger, 0)
	mem := cache.NewMemory()
	extractor := pdf.New(logger, cfg.Thumbnails.DPI)

	pl, err := pipeline.New(pipeline.Deps{
		Store:     st,
		Blobs:     blobs,
		Cache:     mem,
		Index:     index,
		Queue:     q,
		Extractor: extractor,
		Texts:     extractor,
		Audit:     emitter,
		Logger:    logger,
		Config:    cfg,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &svcctx.Services{
		Store:     st,
		Blobs:     blobs,
		Cache:     mem,
		Index:     index,
		Queue:     q,
		Pipeline:  pl,
		Audit:     emitter,
		ConfigMgr: cfgMgr,
		Logger:    logger,
		Home:      h,
	}, cleanup, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
}
