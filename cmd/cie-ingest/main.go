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

// Package main implements cie-ingest, the batch runner and change-queue
// daemon for the Code Intelligence Engine's ingestion core.
//
// Usage:
//
//	cie-ingest init                 Create .cie-ingest/project.yaml
//	cie-ingest index [--full]       Walk the repo and ingest every change
//	cie-ingest watch                Run as a long-lived fsnotify daemon
//	cie-ingest status [--json]      Show per-state file counts
//	cie-ingest retry                Retry files parked in an error state
//	cie-ingest reset --yes          Delete local project data
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cie-ingest/internal/ui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the flags every subcommand inherits, parsed once by
// main before the subcommand's own flag set sees the remaining args.
type GlobalFlags struct {
	JSON    bool
	Quiet   bool
	NoColor bool
	Verbose int
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		jsonOutput  = flag.Bool("json", false, "Output as JSON where supported")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress progress output")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
		verbose     = flag.CountP("verbose", "v", "Increase log verbosity (repeatable)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `cie-ingest - Code Intelligence Engine ingestion runner

Usage:
  cie-ingest <command> [options]

Commands:
  init      Create .cie-ingest/project.yaml configuration
  index     Walk the repository and ingest every changed file
  watch     Run as a long-lived daemon, ingesting on filesystem events
  status    Show per-state file counts for the project
  retry     Retry files currently parked in an error state
  reset     Delete local project data (destructive!)

Global Options:
  --json        Output as JSON where the command supports it
  -q, --quiet   Suppress progress output
  --no-color    Disable colored output
  -v            Increase log verbosity (repeatable)
  --version     Show version and exit

Data Storage:
  Graph and state snapshots are stored under .cie-ingest/data/ in the
  project root.

`)
	}

	flag.Parse()

	globals := GlobalFlags{JSON: *jsonOutput, Quiet: *quiet, NoColor: *noColor, Verbose: *verbose}
	ui.InitColors(globals.NoColor)

	if *showVersion {
		fmt.Printf("cie-ingest version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "index":
		runIndex(cmdArgs, globals)
	case "watch":
		runWatch(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "retry":
		runRetry(cmdArgs, globals)
	case "reset":
		runReset(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
