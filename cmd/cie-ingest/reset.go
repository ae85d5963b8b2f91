// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/errors"
)

// runReset deletes a project's graph/state snapshots and lock file,
// forcing the next 'index' to start from an empty graph.
func runReset(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie-ingest reset --yes

Deletes all indexed data for the current project, forcing the next
'cie-ingest index' to run as a full scan.

WARNING: This operation is destructive and cannot be undone!

Options:
`)
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

	if !*confirm {
		errors.FatalError(errors.NewInputError(
			"reset requires confirmation",
			"this deletes all indexed data for the project",
			"pass --yes to confirm",
		), globals.JSON)
	}

	dir := dataDir(root, cfg.ProjectID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		fmt.Printf("No local data found for project %s\n", cfg.ProjectID)
		return
	}

	fmt.Printf("Resetting project %s (deleting %s)...\n", cfg.ProjectID, dir)
	if err := os.RemoveAll(dir); err != nil {
		errors.FatalError(errors.NewInternalError("failed to delete project data", err.Error(), "", err), globals.JSON)
	}

	fmt.Println("Done. Run 'cie-ingest index' to rebuild.")
}
