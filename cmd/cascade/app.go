// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCascade/pkg/logging"
	"github.com/AleutianAI/AleutianCascade/services/cascade/archive"
	"github.com/AleutianAI/AleutianCascade/services/cascade/config"
	"github.com/AleutianAI/AleutianCascade/services/cascade/memstore"
	"github.com/AleutianAI/AleutianCascade/services/cascade/orchestrator"
	"github.com/AleutianAI/AleutianCascade/services/cascade/storage/badger"
	"github.com/AleutianAI/AleutianCascade/services/cascade/telemetry"
)

// app is the wired engine for one CLI invocation.
type app struct {
	config    config.Config
	logger    *logging.Logger
	store     *memstore.Store
	archive   *archive.Store
	engine    *orchestrator.Orchestrator
	telemetry *telemetry.Providers

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// buildApp loads configuration and wires the engine.
//
// Description:
//
//	Order matters: logging first so later failures are logged, telemetry
//	before the orchestrator so its instruments bind to the installed
//	providers. The classification file is watched for the lifetime of the
//	command.
//
// Inputs:
//
//	ctx - Command context. Cancelling it stops the classification watcher.
//	opts - Root flags.
//	logOut - Console log destination.
//
// Outputs:
//
//	*app - Call close when done.
//	error - Configuration or wiring failure.
func buildApp(ctx context.Context, opts *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.jsonLogs {
		cfg.Logging.JSON = true
	}

	a := &app{config: cfg}
	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.LogDir,
		Service: "cascade",
		JSON:    cfg.Logging.JSON,
		Output:  logOut,
	})
	slogger := a.logger.Slog()

	a.telemetry, err = telemetry.Init(ctx, telemetry.FromConfig(cfg.Telemetry))
	if err != nil {
		a.close()
		return nil, err
	}

	if opts.fixturePath != "" {
		a.store, err = memstore.LoadFile(opts.fixturePath)
		if err != nil {
			a.close()
			return nil, err
		}
	} else {
		a.store = memstore.New()
	}

	classification, err := config.NewClassificationStore(cfg.Impact.ClassificationFile,
		config.WithStoreLogger(slogger))
	if err != nil {
		a.close()
		return nil, err
	}

	deps := orchestrator.Dependencies{
		Lookup:         a.store,
		Backend:        a.store,
		Classification: classification,
		Logger:         slogger,
	}
	if cfg.Archive.Enabled() {
		a.archive, err = openArchive(cfg.Archive, slogger)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Archive = a.archive
	}

	a.engine, err = orchestrator.New(orchestrator.ConfigFrom(cfg), deps)
	if err != nil {
		a.close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		if err := classification.Watch(watchCtx); err != nil {
			slogger.Warn("classification watch stopped", slog.String("error", err.Error()))
		}
	}()

	slogger.Debug("cascade engine ready",
		slog.Int("entities", a.store.Len()),
		slog.Bool("archive", a.archive != nil),
	)
	return a, nil
}

func openArchive(cfg config.ArchiveConfig, logger *slog.Logger) (*archive.Store, error) {
	bcfg := badger.InMemoryConfig()
	if !cfg.InMemory {
		bcfg = badger.DefaultConfig(cfg.Dir)
	}
	bcfg.Logger = logger
	return archive.Open(bcfg, cfg.Retention, logger)
}

// close releases everything buildApp acquired. Safe on a partial app.
func (a *app) close() {
	if a.stopWatch != nil {
		a.stopWatch()
		<-a.watchDone
	}
	if a.engine != nil {
		a.engine.Close()
	}

	var errs []error
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		cancel()
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
