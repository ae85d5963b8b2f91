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

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/internal/output"
	"github.com/kraklabs/cie-ingest/internal/ui"
	"github.com/kraklabs/cie-ingest/pkg/ingest/embed"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
)

// maxRetryAttempts bounds how many times a file parked in the error
// state is retried before it's left for a human to look at.
const maxRetryAttempts = 5

// runRetry re-attempts embedding for every file currently parked in the
// error state with fewer than maxRetryAttempts prior tries.
func runRetry(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cie-ingest retry [--json]\n\nOptions:\n")
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

	_, state, err := openStores(dir)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot open project snapshots", err.Error(), "", err), globals.JSON)
	}

	provider, err := buildEmbeddingProvider(cfg, logger)
	if err != nil {
		errors.FatalError(errors.NewEmbedError("cannot construct embedding provider", err.Error(), "check the provider's required environment variables", err), globals.JSON)
	}

	projectLock := lock.New()
	coordinator := embed.New(state, projectLock, provider, cfg.Embedding.Provider, cfg.Embedding.Model, logger)

	result, err := coordinator.RetryFailed(context.Background(), cfg.ProjectID, maxRetryAttempts, embed.Options{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
	})
	if err != nil {
		errors.FatalError(errors.NewEmbedError("retry failed", err.Error(), "", err), globals.JSON)
	}

	if err := state.SaveSnapshot(stateSnapshotPath(dir)); err != nil {
		logger.Warn("state_snapshot.save.error", "err", err)
	}

	if globals.JSON {
		_ = output.JSON(result)
		return
	}

	ui.Header("Retry complete")
	fmt.Printf("Files processed:      %d\n", result.FilesProcessed)
	fmt.Printf("Embeddings generated: %d\n", result.EmbeddingsGenerated)
	if result.Errors > 0 {
		ui.Warning(fmt.Sprintf("Errors: %d", result.Errors))
		os.Exit(errors.ExitIngestPartial)
	}
}
