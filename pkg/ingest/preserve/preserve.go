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

// Package preserve captures live node identity and embeddings before a
// destructive re-parse, then decides which embeddings a re-parse may
// reuse. Earlier revisions of this ingestion pipeline always re-embedded
// from scratch, so this package generalizes the checkpoint/hash-tracking
// idiom of pkg/ingestion's CheckpointManager (a flat FileHashes map)
// into a structured snapshot-then-diff preserver.
package preserve

import "github.com/kraklabs/cie-ingest/pkg/ingest/graph"

// LiveNode is the subset of a graph.Node's fields Capture needs: identity,
// source coordinates, content hash, and any embeddings currently attached.
type LiveNode struct {
	UUID  string
	Label string
	Coord graph.Coordinate

	ContentHash string

	// EmbeddingHashes/Embeddings mirror graph.Node's fields for each
	// configured embedding field ("name", "content", "description").
	EmbeddingHashes map[string]string
	Embeddings      map[string][]float32

	EmbeddingProvider string
	EmbeddingModel    string
}

// logicalKey identifies a node independent of its UUID, for the reuse
// map's two keyings: (file, name) and (file, name, start_line).
type logicalKey struct {
	file      string
	name      string
	startLine int
	withLine  bool
}

// Snapshot is the artifact produced by Capture: a UUID reuse map plus
// enough captured data per UUID to decide, after re-parse, whether each
// embedding field may be restored.
type Snapshot struct {
	byUUID map[string]LiveNode
	// reuse maps a logical key to the candidate UUID(s) sharing it, in
	// capture order.
	reuse map[logicalKey][]string
}

// Capture snapshots the live nodes belonging to one file before it is
// re-parsed.
func Capture(liveNodes []LiveNode) *Snapshot {
	snap := &Snapshot{
		byUUID: make(map[string]LiveNode, len(liveNodes)),
		reuse:  make(map[logicalKey][]string),
	}
	for _, n := range liveNodes {
		snap.byUUID[n.UUID] = n

		name := n.Coord.Signature
		fileKey := logicalKey{file: n.Coord.Path, name: name}
		snap.reuse[fileKey] = append(snap.reuse[fileKey], n.UUID)

		lineKey := logicalKey{file: n.Coord.Path, name: name, startLine: n.Coord.StartLine, withLine: true}
		snap.reuse[lineKey] = append(snap.reuse[lineKey], n.UUID)
	}
	return snap
}

// ReuseMap maps a logical (file, name[, start_line]) identity to the
// candidate UUIDs captured for it before re-parse. The parser consults
// this and must prefer a candidate whose coordinates match what it is
// about to emit.
type ReuseMap struct {
	byFileName     map[[2]string][]string
	byFileNameLine map[[2]string]map[int][]string
}

// ReusePlan builds the UUID reuse map the parser is handed for its next
// pass. The map is keyed purely by what Capture recorded; the parser
// looks candidates up by the coordinates it is about to emit.
func (s *Snapshot) ReusePlan() *ReuseMap {
	rm := &ReuseMap{
		byFileName:     make(map[[2]string][]string),
		byFileNameLine: make(map[[2]string]map[int][]string),
	}
	for k, uuids := range s.reuse {
		if k.withLine {
			key := [2]string{k.file, k.name}
			if rm.byFileNameLine[key] == nil {
				rm.byFileNameLine[key] = make(map[int][]string)
			}
			rm.byFileNameLine[key][k.startLine] = uuids
		} else {
			rm.byFileName[[2]string{k.file, k.name}] = uuids
		}
	}
	return rm
}

// Candidates returns UUIDs previously seen for (file, name, start_line),
// falling back to (file, name) when no exact line match exists.
func (rm *ReuseMap) Candidates(file, name string, startLine int) []string {
	key := [2]string{file, name}
	if byLine, ok := rm.byFileNameLine[key]; ok {
		if uuids, ok := byLine[startLine]; ok {
			return uuids
		}
	}
	return rm.byFileName[key]
}

// RestoreDecision is the verdict for one embedding field of one UUID.
type RestoreDecision struct {
	Field   string
	Restore bool
	Vector  []float32
	Hash    string
}

// RestorePlan decides, for every embedding field captured for uuid,
// whether it may be restored onto the newly re-parsed node. All three
// conditions must all hold for a field to restore:
//   - the re-emitted node keeps the same UUID (implied: uuid is found),
//   - newFieldContentHash(field) equals the captured embedding_X_hash,
//   - the currently configured (provider, model) equals the captured one.
func (s *Snapshot) RestorePlan(uuid string, newFieldContentHash map[string]string, provider, model string) []RestoreDecision {
	live, ok := s.byUUID[uuid]
	if !ok {
		return nil
	}

	var decisions []RestoreDecision
	for field, capturedHash := range live.EmbeddingHashes {
		d := RestoreDecision{Field: field}
		newHash, haveNew := newFieldContentHash[field]

		providerMatches := live.EmbeddingProvider == provider && live.EmbeddingModel == model
		hashMatches := haveNew && newHash == capturedHash

		if providerMatches && hashMatches {
			d.Restore = true
			d.Vector = live.Embeddings[field]
			d.Hash = capturedHash
		}
		decisions = append(decisions, d)
	}
	return decisions
}
