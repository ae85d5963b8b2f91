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

// Package testing provides shared setup and seeding helpers for tests
// against the in-memory graph/state backends, so each package under
// pkg/ingest doesn't re-derive its own fixture boilerplate.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/kraklabs/cie-ingest/pkg/graphstore"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// Backend bundles the two in-memory stores a project needs: graph
// content (nodes/edges as upserted rows) and per-file lifecycle state.
// Production wiring (cmd/cie-ingest) constructs the same pair from
// snapshot files; tests construct them empty.
type Backend struct {
	Graph *graphstore.MemoryStore
	State *statestore.InMemoryStore
}

// SetupTestBackend creates an empty in-memory graph/state backend pair
// for a test. Both stores live only in process memory; there is nothing
// to clean up, but the function takes *testing.T for parity with
// SetupTestBackend helpers elsewhere in the corpus and so call sites can
// still t.Helper() through it.
func SetupTestBackend(t *testing.T) *Backend {
	t.Helper()
	return &Backend{
		Graph: graphstore.NewMemoryStore(),
		State: statestore.NewInMemoryStore(),
	}
}

// InsertTestFile seeds a File node directly into the state and graph stores,
// bypassing the parser/orchestrator pipeline. Useful for tests that
// exercise linking, embedding or status reporting in isolation from
// parsing.
func InsertTestFile(t *testing.T, b *Backend, projectID, uuid, path, contentHash string) {
	t.Helper()

	node := graph.Node{
		UUID:            uuid,
		ProjectID:       projectID,
		Kind:            graph.EntityFile,
		Coord:           graph.Coordinate{Kind: graph.EntityFile, Path: path},
		State:           graph.StateDiscovered,
		StateChangedAt:  time.Unix(0, 0).UTC(),
		ContentHash:     contentHash,
		Properties:      map[string]any{"path": path},
	}
	if err := b.State.Upsert(projectID, node); err != nil {
		t.Fatalf("seed state node: %v", err)
	}
	if err := b.Graph.Upsert(context.Background(), string(graph.EntityFile), uuid, map[string]any{
		"path": path, "content_hash": contentHash,
	}); err != nil {
		t.Fatalf("seed graph node: %v", err)
	}
}

// InsertTestScope seeds a Scope node (function/method/class) owned by
// path into the state and graph stores. No DEFINED_IN edge to a File
// node is written.
func InsertTestScope(t *testing.T, b *Backend, projectID, uuid, path, signature string, startLine int) {
	t.Helper()

	node := graph.Node{
		UUID:           uuid,
		ProjectID:      projectID,
		Kind:           graph.EntityScope,
		Coord:          graph.Coordinate{Kind: graph.EntityScope, Path: path, Signature: signature, StartLine: startLine},
		State:          graph.StateParsed,
		StateChangedAt: time.Unix(0, 0).UTC(),
		Properties:     map[string]any{"path": path, "signature": signature, "start_line": startLine},
	}
	if err := b.State.Upsert(projectID, node); err != nil {
		t.Fatalf("seed state node: %v", err)
	}
	if err := b.Graph.Upsert(context.Background(), string(graph.EntityScope), uuid, map[string]any{
		"path": path, "signature": signature, "start_line": startLine,
	}); err != nil {
		t.Fatalf("seed graph node: %v", err)
	}
}

// QueryFileCount is a thin assertion helper returning how many File
// nodes currently exist in the graph store.
func QueryFileCount(t *testing.T, b *Backend) int {
	t.Helper()
	return b.Graph.Count(string(graph.EntityFile))
}

// QueryScopeCount is a thin assertion helper returning how many Scope
// nodes currently exist in the graph store.
func QueryScopeCount(t *testing.T, b *Backend) int {
	t.Helper()
	return b.Graph.Count(string(graph.EntityScope))
}
