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

// Package dispatch routes an input file to the parser registered for its
// file extension; MIME types are not consulted. It adapts a prior Go-only
// CodeParser interface (pkg/ingestion/parser_interface.go), widened with
// the UUID-strategy/content-hash/chunking metadata a heterogeneous mix of
// source files, markdown, and documents needs but a single-language
// parser interface never carried.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/preserve"
)

// UUIDStrategy is how a node type's coordinate tuple is built.
type UUIDStrategy string

const (
	StrategySignature UUIDStrategy = "signature"
	StrategyPosition  UUIDStrategy = "position"
	StrategyPath      UUIDStrategy = "path"
	StrategyContent   UUIDStrategy = "content"
)

// ChunkStrategy names how oversized content is split before embedding.
type ChunkStrategy string

const (
	ChunkParagraph ChunkStrategy = "paragraph"
	ChunkSentence  ChunkStrategy = "sentence"
	ChunkCode      ChunkStrategy = "code"
	ChunkFixed     ChunkStrategy = "fixed"
)

// ChunkConfig describes how a node type's content is chunked once it
// exceeds the embedding provider's size limit.
type ChunkConfig struct {
	Enabled  bool
	MaxSize  int
	Overlap  int
	Strategy ChunkStrategy
}

// NodeTypeSpec is what a parser plugin declares per node type it emits:
// identity and chunking metadata. It carries no field extractors; the
// text embedded for each field comes from embed.FieldExtractor.
type NodeTypeSpec struct {
	Label             string
	UUIDStrategy      UUIDStrategy
	ContentHashField  string
	Chunking          ChunkConfig
}

// ParseInput is the envelope handed to a ParserPlugin.
type ParseInput struct {
	Path    string
	Source  []byte
	Project string
	// ReusePlan is the UUID reuse map produced by the Metadata Preserver
	// (pkg/ingest/preserve); the plugin should prefer a reused UUID
	// whose coordinates match what it is about to emit.
	ReusePlan *preserve.ReuseMap
}

// ParserPlugin is the contract every parser implementation satisfies
// across languages and document formats. Directly generalizes a Go-specific parser interface.
type ParserPlugin interface {
	Name() string
	SchemaVersion() string
	SupportedExtensions() []string
	NodeTypes() []NodeTypeSpec

	Parse(ctx context.Context, input ParseInput) (*graph.ParseOutput, error)
}

// Registry maps file extensions to the ParserPlugin that handles them,
// grounded on a prior parser's mode-selection logic for
// local_pipeline.go (treesitter / simplified / auto).
type Registry struct {
	mu        sync.RWMutex
	byExt     map[string]ParserPlugin
	fallback  ParserPlugin // used when no extension match exists, if set
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]ParserPlugin)}
}

// Register associates plugin with every extension it declares. Later
// registrations for the same extension replace earlier ones.
func (r *Registry) Register(plugin ParserPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range plugin.SupportedExtensions() {
		r.byExt[normalizeExt(ext)] = plugin
	}
}

// SetFallback registers a plugin used when no extension matches, such as
// a prose-mention scanner run over otherwise-unparsed text files.
func (r *Registry) SetFallback(plugin ParserPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = plugin
}

// Lookup returns the plugin registered for path's extension.
func (r *Registry) Lookup(path string) (ParserPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext := normalizeExt(filepath.Ext(path))
	if p, ok := r.byExt[ext]; ok {
		return p, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Dispatch selects the registered parser for input.Path and runs it,
// converting a missing-plugin condition into an error rather than a
// panic, since a project may legitimately contain file kinds no
// registered plugin declares.
func (r *Registry) Dispatch(ctx context.Context, input ParseInput) (*graph.ParseOutput, error) {
	plugin, ok := r.Lookup(input.Path)
	if !ok {
		return nil, fmt.Errorf("no parser registered for %s", input.Path)
	}
	return plugin.Parse(ctx, input)
}
