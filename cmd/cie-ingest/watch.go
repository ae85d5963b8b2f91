// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/bootstrap"
	"github.com/kraklabs/cie-ingest/internal/contract"
	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/internal/ui"
	"github.com/kraklabs/cie-ingest/pkg/ingest/changequeue"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
)

// snapshotInterval is how often watch persists its graph/state snapshots
// while running, bounding how much work a crash can lose.
const snapshotInterval = 2 * time.Minute

// runWatch runs cie-ingest as a long-lived daemon: an initial full scan
// to catch anything that changed while it wasn't running, then an
// fsnotify-driven loop that ingests each debounced batch of events as it
// arrives.
func runWatch(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cie-ingest watch\n\nRuns until interrupted (Ctrl-C).\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)
	root, err := projectRoot()
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot determine project root", err.Error(), "", err), globals.JSON)
	}
	cfg, err := loadProjectConfig(root)
	if err != nil {
		errors.FatalError(errors.NewConfigError("cannot load project config", err.Error(), "run 'cie-ingest init'", err), globals.JSON)
	}

	dir := dataDir(root, cfg.ProjectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		errors.FatalError(errors.NewInternalError("cannot create data directory", err.Error(), "", err), globals.JSON)
	}

	flk, err := lock.NewFileLock(dir)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot create lock file", err.Error(), "", err), globals.JSON)
	}
	acquired, err := flk.TryAcquire()
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot acquire project lock", err.Error(), "", err), globals.JSON)
	}
	if !acquired {
		errors.FatalError(errors.NewLockTimeoutError(
			"another cie-ingest process holds this project",
			"ingest.lock is held by another process",
			"stop the other 'cie-ingest index' or 'cie-ingest watch' process and retry",
			nil,
		), globals.JSON)
	}
	defer func() { _ = flk.Release() }()

	store, state, err := openStores(dir)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot open project snapshots", err.Error(), "", err), globals.JSON)
	}

	if _, err := bootstrap.InitSchema(context.Background(), store, cfg, logger); err != nil {
		errors.FatalError(errors.NewInternalError("cannot declare project schema", err.Error(), "", err), globals.JSON)
	}

	provider, err := buildEmbeddingProvider(cfg, logger)
	if err != nil {
		errors.FatalError(errors.NewEmbedError("cannot construct embedding provider", err.Error(), "check the provider's required environment variables", err), globals.JSON)
	}

	orch := buildOrchestrator(root, cfg, store, state, provider, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Catch up on anything that changed while no daemon was watching.
	crawler := &changequeue.Crawler{ExcludeGlobs: defaultExcludeGlobs, MaxFileSize: int64(contract.SoftLimitBytes())}
	prevCrawl, _ := loadCrawlState(crawlStatePath(dir))
	events, nextCrawl, err := crawler.Scan(root, prevCrawl)
	if err != nil {
		errors.FatalError(errors.NewInternalError("initial scan failed", err.Error(), "", err), globals.JSON)
	}
	if len(events) > 0 {
		ui.Info(fmt.Sprintf("Catching up on %d changed file(s)", len(events)))
		if _, err := orch.ProcessBatch(ctx, cfg.ProjectID, changequeue.Batch{ProjectID: cfg.ProjectID, Events: events}); err != nil {
			logger.Error("catchup_batch.error", "err", err)
		}
		_ = saveCrawlState(crawlStatePath(dir), nextCrawl)
	}

	batchOpts := []changequeue.Option{}
	if cfg.Ingestion.BatchIntervalMs > 0 {
		batchOpts = append(batchOpts, changequeue.WithBatchInterval(time.Duration(cfg.Ingestion.BatchIntervalMs)*time.Millisecond))
	}
	if cfg.Ingestion.MaxBatchSize > 0 {
		batchOpts = append(batchOpts, changequeue.WithMaxBatchSize(cfg.Ingestion.MaxBatchSize))
	}

	var queue *changequeue.Queue
	queue = changequeue.New(cfg.ProjectID, func(batch changequeue.Batch) {
		result, err := orch.ProcessBatch(ctx, cfg.ProjectID, batch)
		if err != nil {
			logger.Error("batch.error", "err", err, "events", len(batch.Events))
			if result == nil {
				// The project lock was not acquired and nothing was
				// processed: hand the events back to the queue so the
				// next window picks them up.
				for _, ev := range batch.Events {
					queue.Submit(ev)
				}
			}
		} else {
			logger.Info("batch.processed", "files_parsed", result.FilesParsed, "errors", result.Errors)
		}
		queue.Done()
	}, batchOpts...)

	source, err := changequeue.NewSource(queue, logger)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot create filesystem watcher", err.Error(), "", err), globals.JSON)
	}
	if err := source.Watch(root); err != nil {
		errors.FatalError(errors.NewInternalError("cannot watch project root", err.Error(), "", err), globals.JSON)
	}

	go source.Run()
	ui.Success(fmt.Sprintf("Watching %s (project %s)", root, cfg.ProjectID))

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = source.Close()
			queue.Stop()
			saveStores(store, state, dir, logger)
			ui.Info("Stopped")
			return
		case <-ticker.C:
			saveStores(store, state, dir, logger)
			logger.Debug("snapshot.periodic_save")
		}
	}
}

