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

// Package graph holds the plain data types shared by every ingestion
// component: nodes, edges, coordinate tuples and the per-file state
// machine's state enum. Nothing in this package performs I/O or holds
// mutable global state — it is the flat, acyclic in-memory shape that
// the rest of pkg/ingest reads and writes.
package graph

import "time"

// EntityKind identifies the label a Node carries in the graph store.
type EntityKind string

const (
	EntityFile             EntityKind = "File"
	EntityDirectory        EntityKind = "Directory"
	EntityScope            EntityKind = "Scope"
	EntityMarkdownDoc       EntityKind = "MarkdownDocument"
	EntityMarkdownSection  EntityKind = "MarkdownSection"
	EntityCodeBlock        EntityKind = "CodeBlock"
	EntitySpreadsheet       EntityKind = "Spreadsheet"
	EntityPDF               EntityKind = "PDFDocument"
	EntityWordDoc           EntityKind = "WordDocument"
	EntityWebPage           EntityKind = "WebPage"
	EntityLibrary           EntityKind = "Library"
	EntityPendingImport     EntityKind = "PendingImport"
)

// RelationKind identifies the label an Edge carries in the graph store.
type RelationKind string

const (
	RelContains       RelationKind = "CONTAINS"
	RelDefinedIn      RelationKind = "DEFINED_IN"
	RelHasParent      RelationKind = "HAS_PARENT"
	RelConsumes       RelationKind = "CONSUMES"
	RelConsumedBy     RelationKind = "CONSUMED_BY"
	RelInheritsFrom   RelationKind = "INHERITS_FROM"
	RelPendingImport  RelationKind = "PENDING_IMPORT"
	RelImportsLibrary RelationKind = "IMPORTS_LIBRARY"
	RelInDocument     RelationKind = "IN_DOCUMENT"
	RelHasEmbedChunk  RelationKind = "HAS_EMBEDDING_CHUNK"
	RelMentionsFile   RelationKind = "MENTIONS_FILE"
	RelCanonicalIs    RelationKind = "CANONICAL_IS"
	RelHasTag         RelationKind = "HAS_TAG"
	RelContainsEntity RelationKind = "CONTAINS_ENTITY"
)

// State is a node's position in the per-file lifecycle.
type State string

const (
	StateMentioned  State = "mentioned"
	StateDiscovered State = "discovered"
	StateParsing    State = "parsing"
	StateParsed     State = "parsed"
	StateRelations  State = "relations"
	StateLinked     State = "linked"
	StateEmbedding  State = "embedding"
	StateEmbedded   State = "embedded"
	StateError      State = "error"
)

// ErrorKind is the value of a node's error_type property when State == StateError.
type ErrorKind string

const (
	ErrorParse     ErrorKind = "parse"
	ErrorRelations ErrorKind = "relations"
	ErrorEmbed     ErrorKind = "embed"
)

// Coordinate is the minimal identifying input to identity.DeriveUUID for one
// node kind. Fields not used by a given Kind are left zero;
// identity.DeriveUUID substitutes stable sentinels for them.
type Coordinate struct {
	Kind      EntityKind
	Path      string // absolute_path, or url for EntityWebPage
	Signature string // scope coordinate: function/method/class signature
	StartLine int     // scope / section / code block coordinate
	FromUUID  string  // pending import coordinate
	ImportPath string // pending import coordinate
	PackageName string // library coordinate
}

// HasSignature reports whether the coordinate carries a real signature,
// distinguishing it from the sentinel substituted by identity.DeriveUUID.
func (c Coordinate) HasSignature() bool { return c.Signature != "" }

// Node is a derived entity together with the system-property set every
// content node carries, disjoint from parser-local,
// user-facing fields which live in Properties.
type Node struct {
	UUID      string
	ProjectID string
	Kind      EntityKind
	Coord     Coordinate

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time

	State          State
	StateChangedAt time.Time
	ParsedAt       time.Time
	LinkedAt       time.Time
	EmbeddedAt     time.Time

	ParserName        string
	SchemaVersion     string
	EmbeddingProvider string
	EmbeddingModel    string

	ContentHash         string
	PreviousContentHash string
	ContentVersion      int

	ErrorType    ErrorKind
	ErrorMessage string
	ErrorAt      time.Time
	RetryCount   int

	// EmbeddingHashes maps an embedding field name ("name", "content",
	// "description") to the content hash of the text last fed to the
	// embedder for that field.
	EmbeddingHashes map[string]string
	// Embeddings maps the same field names to the stored vector.
	Embeddings map[string][]float32

	// EmbeddingsDirty flags a node whose embeddable fields changed without
	// a full re-parse (e.g. a restored scope whose containing file moved);
	// it is consumed only as an input to the embedding coordinator.
	EmbeddingsDirty bool

	// Properties holds parser-local, user-facing fields (name, content,
	// description, display_path, goto_location, and any node-type-specific
	// extras). Disjoint from the system properties above.
	Properties map[string]any
}

// Edge is a typed directed relationship between two node UUIDs.
type Edge struct {
	From       string
	To         string
	Kind       RelationKind
	Symbols    []string
	Line       int
	ResolvedAt time.Time
	ImportPath string
}

// ParseOutput is what a parser plugin returns for one file: two flat
// sequences, never a graph with in-memory cycles.
type ParseOutput struct {
	Nodes     []Node
	Edges     []Edge
	Warnings  []string
	Metadata  map[string]any
}
