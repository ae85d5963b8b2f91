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

// Package resolve supplies the two disk/graph-facing adapters a running
// orchestrator needs but has no opinion on how to build: a
// project-root-relative filesystem reader satisfying both
// orchestrator.FileReader and linker.FileResolver, and a ScopeLookup
// backed by whatever statestore.Store the project is already using. The
// fixtures in orchestrator's and linker's own tests stand in for both
// with hand-written fakes; this package is the real versions a CLI
// wires in their place.
package resolve

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// FS reads project files by project-relative path, rooted at Root. It
// satisfies orchestrator.FileReader and linker.FileResolver with the
// same pair of methods, since both interfaces describe the same
// underlying need: read bytes, or check existence, for a path relative
// to the project root.
type FS struct {
	Root string
}

// Exists implements linker.FileResolver.
func (f FS) Exists(path string) bool {
	_, err := os.Stat(filepath.Join(f.Root, path))
	return err == nil
}

// ReadFile implements both linker.FileResolver and orchestrator.FileReader.
func (f FS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.Root, path))
}

// ScopeLookup answers linker.ScopeLookup questions from a project's
// statestore.Store: which node owns a file, and which scope a given
// line falls inside. It has no graph-traversal machinery of its own —
// NodesForPath already scopes every query to one file, so the lookups
// here are a handful of linear scans over that short list.
type ScopeLookup struct {
	State   statestore.Store
	Project string
}

// FileUUID returns the UUID of the File node for path, if one has been
// ingested.
func (s ScopeLookup) FileUUID(file string) (string, bool) {
	nodes, err := s.State.NodesForPath(s.Project, file)
	if err != nil {
		return "", false
	}
	for _, n := range nodes {
		if n.Kind == graph.EntityFile {
			return n.UUID, true
		}
	}
	return "", false
}

// NodeUUIDForPath returns the UUID a resolved project path currently
// maps to: the File node if one exists, otherwise whatever single
// top-level node was ingested for that path (a MarkdownDocument, a
// Spreadsheet, and so on each model one node per file with no separate
// File wrapper).
func (s ScopeLookup) NodeUUIDForPath(path string) (string, bool) {
	nodes, err := s.State.NodesForPath(s.Project, path)
	if err != nil || len(nodes) == 0 {
		return "", false
	}
	if uuid, ok := s.FileUUID(path); ok {
		return uuid, true
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes[0].UUID, true
}

// EnclosingScope returns the UUID of the Scope node in file whose
// StartLine is the closest one at or before line. Coordinates only
// record a start line, not a range, so "closest preceding scope" is the
// best an O(1)-metadata lookup can do: a line that follows a nested
// scope's end but still lies inside its parent resolves to the nested
// scope. The order in which nodes were emitted does not matter.
func (s ScopeLookup) EnclosingScope(file string, line int) (string, bool) {
	nodes, err := s.State.NodesForPath(s.Project, file)
	if err != nil {
		return "", false
	}

	best := ""
	bestLine := -1
	for _, n := range nodes {
		if n.Kind != graph.EntityScope {
			continue
		}
		if n.Coord.StartLine <= line && n.Coord.StartLine > bestLine {
			best = n.UUID
			bestLine = n.Coord.StartLine
		}
	}
	return best, best != ""
}
