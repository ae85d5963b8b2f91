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
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/config"
	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/internal/ui"
)

// runInit creates .cie-ingest/project.yaml for the repository in the
// current directory.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing configuration")
	projectID := fs.String("project-id", "", "Project identifier (default: directory name)")
	provider := fs.String("embedding-provider", "", "Embedding provider (mock, ollama, nomic, openai, llamacpp)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cie-ingest init [options]

Creates .cie-ingest/project.yaml in the current directory.

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

	if config.Exists(root) && !*force {
		errors.FatalError(errors.NewConfigError(
			"project already initialized",
			fmt.Sprintf("%s already exists", config.Path(root)),
			"pass --force to overwrite",
			nil,
		), globals.JSON)
	}

	pid := *projectID
	if pid == "" {
		pid = filepath.Base(root)
	}
	cfg := config.DefaultConfig(pid)
	if *provider != "" {
		cfg.Embedding.Provider = *provider
	}

	if err := config.Save(root, cfg); err != nil {
		errors.FatalError(errors.NewConfigError("cannot write project config", err.Error(), "", err), globals.JSON)
	}

	ui.Success(fmt.Sprintf("Created %s", config.Path(root)))
	addToGitignore(root)

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit .cie-ingest/project.yaml if needed")
	fmt.Println("  2. Run 'cie-ingest index' to ingest the repository")
	fmt.Println("  3. Run 'cie-ingest status' to verify ingestion")
}

// addToGitignore adds .cie-ingest/ to the project's .gitignore, mirroring
// the teacher CLI's best-effort, silently-skip-on-error convention.
func addToGitignore(root string) {
	path := filepath.Join(root, ".gitignore")
	content, err := os.ReadFile(path) //nolint:gosec // G304: path built from repo root
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == ".cie-ingest/" || line == ".cie-ingest" || line == "/.cie-ingest/" || line == "/.cie-ingest" {
			return
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // G304: path built from repo root
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	if len(content) > 0 && content[len(content)-1] != '\n' {
		_, _ = f.WriteString("\n")
	}
	_, _ = f.WriteString("\n# cie-ingest\n.cie-ingest/\n")
}
