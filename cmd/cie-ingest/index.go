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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/bootstrap"
	"github.com/kraklabs/cie-ingest/internal/config"
	"github.com/kraklabs/cie-ingest/internal/contract"
	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/internal/output"
	"github.com/kraklabs/cie-ingest/internal/ui"
	"github.com/kraklabs/cie-ingest/pkg/embedproviders"
	"github.com/kraklabs/cie-ingest/pkg/graphstore"
	"github.com/kraklabs/cie-ingest/pkg/ingest/changequeue"
	"github.com/kraklabs/cie-ingest/pkg/ingest/dispatch"
	"github.com/kraklabs/cie-ingest/pkg/ingest/embed"
	"github.com/kraklabs/cie-ingest/pkg/ingest/goparser"
	"github.com/kraklabs/cie-ingest/pkg/ingest/linker"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
	"github.com/kraklabs/cie-ingest/pkg/ingest/orchestrator"
	"github.com/kraklabs/cie-ingest/pkg/ingest/resolve"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// localAliases is the alias table module-resolution understands out of
// the box: a "@/" prefix mapping to the project root, the convention the
// reference TypeScript/JS projects in this pack use.
var localAliases = linker.AliasTable{"@/": ""}

var localExtensions = []string{".go", ".ts", ".tsx", ".js", ".jsx"}

// runIndex walks the repository once, diffing against the previous
// crawl's content hashes, and feeds every changed file through the
// orchestrator in a single batch.
func runIndex(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	full := fs.Bool("full", false, "Ignore prior crawl state and ingest every file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cie-ingest index [--full]\n\nOptions:\n")
		fs.PrintDefaults()
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

	progressCfg := NewProgressConfig(globals)
	spinner := NewScanSpinner(progressCfg, "scanning")

	crawler := &changequeue.Crawler{ExcludeGlobs: defaultExcludeGlobs, MaxFileSize: int64(contract.SoftLimitBytes())}
	prevCrawl := map[string]changequeue.FileState{}
	if !*full {
		if loaded, err := loadCrawlState(crawlStatePath(dir)); err == nil {
			prevCrawl = loaded
		}
	}

	events, nextCrawl, err := crawler.Scan(root, prevCrawl)
	if spinner != nil {
		_ = spinner.Finish()
	}
	if err != nil {
		errors.FatalError(errors.NewInternalError("repository scan failed", err.Error(), "", err), globals.JSON)
	}

	if len(events) == 0 {
		ui.Info("No changes to ingest")
		saveStores(store, state, dir, logger)
		return
	}

	batch := changequeue.Batch{ProjectID: cfg.ProjectID, Events: events}
	bar := NewFileProgressBar(progressCfg, int64(len(events)), "ingesting")

	ctx := context.Background()
	result, err := orch.ProcessBatch(ctx, cfg.ProjectID, batch)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		errors.FatalError(errors.NewParseError("batch processing failed", err.Error(), "", err), globals.JSON)
	}

	if err := saveCrawlState(crawlStatePath(dir), nextCrawl); err != nil {
		logger.Warn("crawl_state.save.error", "err", err)
	}
	saveStores(store, state, dir, logger)

	printBatchResult(result, globals)
	if result.Errors > 0 {
		os.Exit(errors.ExitIngestPartial)
	}
}

// buildOrchestrator assembles an Orchestrator the way both 'index' and
// 'watch' need it wired: a two-parser registry (Go via tree-sitter,
// Markdown via the section-block parser), a resolver rooted at the
// project, and an embed coordinator sharing the same statestore.
func buildOrchestrator(root string, cfg *config.ProjectConfig, store *graphstore.MemoryStore, state *statestore.InMemoryStore, provider embedproviders.Provider, logger *slog.Logger) *orchestrator.Orchestrator {
	registry := dispatch.NewRegistry()
	registry.Register(goparser.New())
	registry.Register(dispatch.NewMarkdownParser())

	lk := linker.New(
		resolve.FS{Root: root},
		resolve.ScopeLookup{State: state, Project: cfg.ProjectID},
		localAliases,
		localExtensions,
	)

	projectLock := lock.New()
	embedder := embed.New(state, projectLock, provider, cfg.Embedding.Provider, cfg.Embedding.Model, logger)

	timeout := time.Duration(cfg.Ingestion.BatchIntervalMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return orchestrator.New(orchestrator.Config{
		Store:        store,
		State:        state,
		Registry:     registry,
		Linker:       lk,
		Embedder:     embedder,
		ProjectLock:  projectLock,
		Files:        resolve.FS{Root: root},
		ProjectRoot:  root,
		ProviderName: cfg.Embedding.Provider,
		ModelName:    cfg.Embedding.Model,
		LockTimeout:  timeout,
		Logger:       logger,
	})
}

func openStores(dir string) (*graphstore.MemoryStore, *statestore.InMemoryStore, error) {
	store := graphstore.NewMemoryStore()
	if err := store.LoadSnapshot(graphSnapshotPath(dir)); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("load graph snapshot: %w", err)
	}

	state := statestore.NewInMemoryStore()
	if err := state.LoadSnapshot(stateSnapshotPath(dir)); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("load state snapshot: %w", err)
	}

	return store, state, nil
}

func saveStores(store *graphstore.MemoryStore, state *statestore.InMemoryStore, dir string, logger *slog.Logger) {
	if err := store.SaveSnapshot(graphSnapshotPath(dir)); err != nil {
		logger.Warn("graph_snapshot.save.error", "err", err)
	}
	if err := state.SaveSnapshot(stateSnapshotPath(dir)); err != nil {
		logger.Warn("state_snapshot.save.error", "err", err)
	}
}

func loadCrawlState(path string) (map[string]changequeue.FileState, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path built from project data dir
	if err != nil {
		return nil, err
	}
	out := map[string]changequeue.FileState{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func saveCrawlState(path string, st map[string]changequeue.FileState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644) //nolint:gosec // G306: snapshot is not secret
}

func printBatchResult(result *orchestrator.BatchResult, globals GlobalFlags) {
	if globals.JSON {
		_ = output.JSON(result)
		return
	}

	fmt.Println()
	ui.Header("Ingestion complete")
	fmt.Printf("Files parsed:         %d\n", result.FilesParsed)
	fmt.Printf("Files deleted:        %d\n", result.FilesDeleted)
	fmt.Printf("Nodes upserted:       %d\n", result.NodesUpserted)
	fmt.Printf("Edges linked:         %d\n", result.EdgesLinked)
	fmt.Printf("Embeddings generated: %d\n", result.EmbeddingsGenerated)
	if result.Errors > 0 {
		ui.Warning(fmt.Sprintf("Errors: %d (see 'cie-ingest status' and 'cie-ingest retry')", result.Errors))
	}
	fmt.Printf("Duration:             %dms\n", result.DurationMs)
}

var defaultExcludeGlobs = []string{
	".git/**", ".cie-ingest/**", "node_modules/**", "vendor/**",
	"dist/**", "build/**", "*.min.js", "*.lock",
}
