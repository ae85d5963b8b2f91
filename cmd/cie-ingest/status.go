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
	"os"
	"sort"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/internal/output"
	"github.com/kraklabs/cie-ingest/internal/ui"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// StatusResult is the JSON shape of 'cie-ingest status', mirroring the
// project/connected/counts/error envelope the general CLI's status
// command uses, narrowed to per-state file counts instead of CozoDB
// table counts.
type StatusResult struct {
	ProjectID  string           `json:"project_id"`
	DataDir    string           `json:"data_dir"`
	Indexed    bool             `json:"indexed"`
	Counts     map[string]int   `json:"counts,omitempty"`
	Progress   statestore.Progress `json:"progress"`
	Retryable  int              `json:"retryable_files"`
	Error      string           `json:"error,omitempty"`
}

func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cie-ingest status [--json]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	root, err := projectRoot()
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot determine project root", err.Error(), "", err), globals.JSON)
	}
	cfg, err := loadProjectConfig(root)
	if err != nil {
		errors.FatalError(errors.NewConfigError("cannot load project config", err.Error(), "run 'cie-ingest init'", err), globals.JSON)
	}

	dir := dataDir(root, cfg.ProjectID)
	result := &StatusResult{ProjectID: cfg.ProjectID, DataDir: dir}

	if _, err := os.Stat(stateSnapshotPath(dir)); os.IsNotExist(err) {
		result.Indexed = false
		result.Error = "project not indexed yet; run 'cie-ingest index'"
		printStatus(result, globals)
		return
	}

	_, state, err := openStores(dir)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot open project snapshots", err.Error(), "", err), globals.JSON)
	}

	stats, err := state.Stats(cfg.ProjectID)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot read state stats", err.Error(), "", err), globals.JSON)
	}
	progress, err := state.Progress(cfg.ProjectID)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot read progress", err.Error(), "", err), globals.JSON)
	}
	retryable, err := state.RetryableFiles(cfg.ProjectID, maxRetryAttempts)
	if err != nil {
		errors.FatalError(errors.NewInternalError("cannot read retryable files", err.Error(), "", err), globals.JSON)
	}

	result.Indexed = true
	result.Counts = statsToMap(stats)
	result.Progress = progress
	result.Retryable = len(retryable)

	printStatus(result, globals)
}

func statsToMap(stats statestore.Stats) map[string]int {
	out := make(map[string]int, len(stats))
	for state, count := range stats {
		out[string(state)] = count
	}
	return out
}

func printStatus(result *StatusResult, globals GlobalFlags) {
	if globals.JSON {
		_ = output.JSON(result)
		return
	}

	ui.Header(fmt.Sprintf("Project: %s", result.ProjectID))
	fmt.Printf("Data dir: %s\n", result.DataDir)
	if !result.Indexed {
		fmt.Println(result.Error)
		return
	}

	fmt.Println()
	ui.SubHeader("Files by state")
	allStates := []graph.State{
		graph.StateMentioned, graph.StateDiscovered, graph.StateParsing, graph.StateParsed,
		graph.StateRelations, graph.StateLinked, graph.StateEmbedding, graph.StateEmbedded, graph.StateError,
	}
	var states []string
	for _, s := range allStates {
		if result.Counts[string(s)] > 0 {
			states = append(states, string(s))
		}
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Printf("  %-10s %s\n", s, ui.CountText(result.Counts[s]))
	}

	fmt.Println()
	fmt.Printf("Embedding progress: %d/%d (%.1f%%)\n", result.Progress.Processed, result.Progress.Total, result.Progress.Percent)
	if result.Retryable > 0 {
		ui.Warning(fmt.Sprintf("%d file(s) in error state can be retried with 'cie-ingest retry'", result.Retryable))
	}
}
