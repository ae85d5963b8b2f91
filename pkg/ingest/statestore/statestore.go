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

// Package statestore persists per-file state, error kind, retry count
// and content/embedding hashes. Its one implementation, InMemoryStore
// (grounded on a prior CheckpointManager), keeps a full graph.Node record
// per UUID, separate from pkg/graphstore, and can be saved to and loaded
// from a JSON snapshot for the CLI's single-process/offline mode.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/cie-ingest/pkg/ingest/fsm"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
)

// TransitionRequest describes a batch state change for one or more UUIDs.
type TransitionRequest struct {
	UUIDs        []string
	NewState     graph.State
	ErrorType    graph.ErrorKind
	ErrorMessage string
	ContentHash  string
}

// Stats maps state to the count of files currently in it.
type Stats map[graph.State]int

// Progress summarizes embedding completion for a project.
type Progress struct {
	Processed int
	Total     int
	Percent   float64
}

// Store is the file-state persistence contract the change queue and orchestrator require.
type Store interface {
	// Transition applies req to every listed UUID. On NewState == error
	// it increments retry_count for each file; on NewState == discovered
	// it resets retry_count to zero. Any (from, to) pair not allowed by
	// fsm.IsAllowed causes that one UUID to be skipped and reported in
	// the returned error without aborting the rest of the batch.
	Transition(projectID string, req TransitionRequest) error

	// FilesInState returns UUIDs whose current state is one of states,
	// ordered by state_changed_at ascending.
	FilesInState(projectID string, states ...graph.State) ([]string, error)

	// RetryableFiles returns UUIDs with state == error and
	// retry_count < maxRetries, ordered by (retry_count asc,
	// state_changed_at asc).
	RetryableFiles(projectID string, maxRetries int) ([]string, error)

	// ResetStuck returns any file whose state is in
	// {parsing, relations, embedding} and whose state_changed_at is
	// older than threshold back to discovered, returning the affected
	// UUIDs.
	ResetStuck(projectID string, threshold time.Duration) ([]string, error)

	// Stats returns per-state counts for the project.
	Stats(projectID string) (Stats, error)

	// Progress returns embedding completion for the project.
	Progress(projectID string) (Progress, error)

	// DirtyNodes returns UUIDs with EmbeddingsDirty set, regardless of
	// their current state — the embedding coordinator folds these into
	// its batch alongside files in StateLinked.
	DirtyNodes(projectID string) ([]string, error)

	// Upsert records or updates a node's full state-relevant fields.
	// Used by the orchestrator after parse/link/embed to seed entries
	// FilesInState etc. can later query.
	Upsert(projectID string, node graph.Node) error

	// Get returns the current record for uuid, if present.
	Get(projectID, uuid string) (graph.Node, bool)

	// NodesForPath returns every node whose coordinate path equals path,
	// the orchestrator's source for the Metadata Preserver's pre-reparse
	// capture and for locating a deleted file's owned nodes.
	NodesForPath(projectID, path string) ([]graph.Node, error)

	// DeleteNodesForPath removes every node whose coordinate path equals
	// path, returning their UUIDs. Used for the cascade-delete step when
	// a file disappears from the project.
	DeleteNodesForPath(projectID, path string) ([]string, error)
}

// record is the per-UUID state kept in the in-memory store.
type record struct {
	node graph.Node
}

// InMemoryStore is a process-local Store, grounded on a prior in-memory
// checkpoint/hash-tracking idiom generalized from a single FileHashes map
// into a full per-UUID state record. Safe for concurrent use.
type InMemoryStore struct {
	mu       sync.RWMutex
	projects map[string]map[string]*record // projectID -> uuid -> record
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{projects: make(map[string]map[string]*record)}
}

func (s *InMemoryStore) project(projectID string) map[string]*record {
	p, ok := s.projects[projectID]
	if !ok {
		p = make(map[string]*record)
		s.projects[projectID] = p
	}
	return p
}

// Upsert implements Store.
func (s *InMemoryStore) Upsert(projectID string, node graph.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.project(projectID)
	p[node.UUID] = &record{node: node}
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(projectID, uuid string) (graph.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return graph.Node{}, false
	}
	r, ok := p[uuid]
	if !ok {
		return graph.Node{}, false
	}
	return r.node, true
}

// Transition implements Store.
func (s *InMemoryStore) Transition(projectID string, req TransitionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	now := time.Now()

	var skipped []string
	for _, id := range req.UUIDs {
		r, ok := p[id]
		if !ok {
			continue
		}
		if !fsm.IsAllowed(r.node.State, req.NewState) {
			skipped = append(skipped, id)
			continue
		}

		r.node.State = req.NewState
		r.node.StateChangedAt = now

		switch req.NewState {
		case graph.StateError:
			r.node.ErrorType = req.ErrorType
			r.node.ErrorMessage = req.ErrorMessage
			r.node.ErrorAt = now
			r.node.RetryCount++
		case graph.StateDiscovered:
			r.node.RetryCount = 0
			r.node.ErrorType = ""
			r.node.ErrorMessage = ""
		case graph.StateParsed:
			r.node.ParsedAt = now
		case graph.StateLinked:
			r.node.LinkedAt = now
		case graph.StateEmbedded:
			r.node.EmbeddedAt = now
		}

		if req.ContentHash != "" {
			if r.node.ContentHash != req.ContentHash {
				r.node.PreviousContentHash = r.node.ContentHash
				r.node.ContentVersion++
			}
			r.node.ContentHash = req.ContentHash
		}
	}

	if len(skipped) > 0 {
		return &skippedTransitionsError{uuids: skipped, newState: req.NewState}
	}
	return nil
}

// skippedTransitionsError reports that one or more UUIDs in a batch
// Transition call were left unchanged because the requested state
// change was not legal for their current state. The rest of the batch
// still applies — this is the "surfaced to the caller, not fatal" policy
// for per-file problems.
type skippedTransitionsError struct {
	uuids    []string
	newState graph.State
}

func (e *skippedTransitionsError) Error() string {
	return fmt.Sprintf("invalid transition to %s for %d file(s): %s", e.newState, len(e.uuids), strings.Join(e.uuids, ", "))
}

// FilesInState implements Store.
func (s *InMemoryStore) FilesInState(projectID string, states ...graph.State) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[graph.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	type entry struct {
		uuid string
		at   time.Time
	}
	var matches []entry
	for _, r := range s.project(projectID) {
		if want[r.node.State] {
			matches = append(matches, entry{r.node.UUID, r.node.StateChangedAt})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].at.Before(matches[j].at) })

	out := make([]string, len(matches))
	for i, e := range matches {
		out[i] = e.uuid
	}
	return out, nil
}

// NodesForPath implements Store.
func (s *InMemoryStore) NodesForPath(projectID, path string) ([]graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []graph.Node
	for _, r := range s.project(projectID) {
		if r.node.Coord.Path == path {
			out = append(out, r.node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// DeleteNodesForPath implements Store.
func (s *InMemoryStore) DeleteNodesForPath(projectID, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.project(projectID)
	var deleted []string
	for uuid, r := range p {
		if r.node.Coord.Path == path {
			deleted = append(deleted, uuid)
			delete(p, uuid)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

// RetryableFiles implements Store.
func (s *InMemoryStore) RetryableFiles(projectID string, maxRetries int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []graph.Node
	for _, r := range s.project(projectID) {
		if r.node.State == graph.StateError && r.node.RetryCount < maxRetries {
			matches = append(matches, r.node)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].RetryCount != matches[j].RetryCount {
			return matches[i].RetryCount < matches[j].RetryCount
		}
		return matches[i].StateChangedAt.Before(matches[j].StateChangedAt)
	})

	out := make([]string, len(matches))
	for i, n := range matches {
		out[i] = n.UUID
	}
	return out, nil
}

// ResetStuck implements Store.
func (s *InMemoryStore) ResetStuck(projectID string, threshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stuckStates := map[graph.State]bool{
		graph.StateParsing:   true,
		graph.StateRelations: true,
		graph.StateEmbedding: true,
	}

	cutoff := time.Now().Add(-threshold)
	var reset []string
	for _, r := range s.project(projectID) {
		if stuckStates[r.node.State] && r.node.StateChangedAt.Before(cutoff) {
			r.node.State = graph.StateDiscovered
			r.node.StateChangedAt = time.Now()
			reset = append(reset, r.node.UUID)
		}
	}
	return reset, nil
}

// Stats implements Store.
func (s *InMemoryStore) Stats(projectID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{}
	for _, r := range s.project(projectID) {
		stats[r.node.State]++
	}
	return stats, nil
}

// DirtyNodes implements Store.
func (s *InMemoryStore) DirtyNodes(projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, r := range s.project(projectID) {
		if r.node.EmbeddingsDirty {
			out = append(out, r.node.UUID)
		}
	}
	return out, nil
}

// Progress implements Store.
func (s *InMemoryStore) Progress(projectID string) (Progress, error) {
	stats, err := s.Stats(projectID)
	if err != nil {
		return Progress{}, err
	}

	total := 0
	for _, c := range stats {
		total += c
	}
	embedded := stats[graph.StateEmbedded]

	var pct float64
	if total > 0 {
		pct = float64(embedded) / float64(total) * 100
	}
	return Progress{Processed: embedded, Total: total, Percent: pct}, nil
}

// snapshot is the on-disk shape of an InMemoryStore: every project's
// records, flattened to a slice so field order in the JSON file is
// stable across saves.
type snapshot struct {
	Projects map[string][]graph.Node `json:"projects"`
}

// SaveSnapshot writes every project's current records to path as JSON,
// via a temp-file-then-rename so a crash mid-write never leaves a
// truncated snapshot behind. This is the CLI's substitute for a real
// CozoDB binding: a single-process, single-machine way for state to
// survive between separate command invocations.
func (s *InMemoryStore) SaveSnapshot(path string) error {
	s.mu.RLock()
	snap := snapshot{Projects: make(map[string][]graph.Node, len(s.projects))}
	for projectID, records := range s.projects {
		nodes := make([]graph.Node, 0, len(records))
		for _, r := range records {
			nodes = append(nodes, r.node)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
		snap.Projects[projectID] = nodes
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state snapshot dir: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write state snapshot temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the store's contents with what was last saved to
// path. A missing file is not an error: a project being indexed for the
// first time has no prior snapshot to load.
func (s *InMemoryStore) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse state snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = make(map[string]map[string]*record, len(snap.Projects))
	for projectID, nodes := range snap.Projects {
		p := make(map[string]*record, len(nodes))
		for _, n := range nodes {
			node := n
			p[node.UUID] = &record{node: node}
		}
		s.projects[projectID] = p
	}
	return nil
}
