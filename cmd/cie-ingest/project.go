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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kraklabs/cie-ingest/internal/config"
)

// projectRoot returns the current working directory, the repository
// cie-ingest always operates against.
func projectRoot() (string, error) {
	return os.Getwd()
}

// dataDir returns where a project's graph/state snapshots and lock file
// live: <root>/.cie-ingest/data/<project_id>.
func dataDir(root, projectID string) string {
	return filepath.Join(root, ".cie-ingest", "data", projectID)
}

func graphSnapshotPath(dir string) string { return filepath.Join(dir, "graph.json") }
func stateSnapshotPath(dir string) string { return filepath.Join(dir, "state.json") }
func crawlStatePath(dir string) string    { return filepath.Join(dir, "crawl.json") }

// loadProjectConfig loads root's project.yaml, producing a consistent
// "run cie-ingest init first" hint when it is missing.
func loadProjectConfig(root string) (*config.ProjectConfig, error) {
	if !config.Exists(root) {
		return nil, fmt.Errorf("no project config at %s (run 'cie-ingest init' first)", config.Path(root))
	}
	return config.Load(root)
}

// newLogger builds the process-wide slog.Logger, its verbosity driven by
// GlobalFlags.Verbose the same way the teacher's --debug flag raised
// runIndex's log level.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose == 1:
		level = slog.LevelInfo
	}
	if globals.Quiet {
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
