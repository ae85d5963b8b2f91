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

// Package identity derives stable UUIDs and content hashes for ingested
// entities. A coordinate tuple always hashes to the same
// UUID, on every platform and across process restarts — this is the
// mechanism the metadata preserver relies on to keep embeddings attached
// across re-ingestion.
package identity

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
)

// identityNamespace is the fixed UUIDv5 namespace every coordinate tuple is
// hashed under. It has no meaning beyond giving NewSHA1 a stable salt; any
// two processes using this package derive identical UUIDs for identical
// tuples regardless of wall-clock time or machine.
var identityNamespace = uuid.MustParse("6f6e9b6c-7e3b-4c9a-9d9a-9b2b9a7a2f10")

// noSignatureSentinel replaces an empty Coordinate.Signature before
// hashing. Coordinate has no separate "missing" state, so an empty
// signature always hashes as this sentinel, and a coordinate carrying
// the sentinel text itself derives the same UUID; the NUL bytes keep it
// from matching any real signature text.
const noSignatureSentinel = "\x00no-signature\x00"

// DeriveUUID hashes a coordinate tuple into a canonical UUID string.
// Identical tuples always produce identical output, regardless of
// process or platform, since NewSHA1 is a pure function of its inputs.
func DeriveUUID(coord graph.Coordinate) string {
	tuple := coordinateTuple(coord)
	return uuid.NewSHA1(identityNamespace, []byte(tuple)).String()
}

// coordinateTuple renders a Coordinate into the ordered, delimited byte
// string that gets hashed. Field order is fixed per Kind and matches the
// tuples enumerated for each entity kind.
func coordinateTuple(c graph.Coordinate) string {
	sig := c.Signature
	if sig == "" {
		sig = noSignatureSentinel
	}

	switch c.Kind {
	case graph.EntityFile:
		return join("file", normalizePath(c.Path))
	case graph.EntityDirectory:
		return join("dir", normalizePath(c.Path))
	case graph.EntityScope:
		return join("scope", normalizePath(c.Path), sig, strconv.Itoa(c.StartLine))
	case graph.EntityMarkdownDoc:
		return join("markdown", normalizePath(c.Path))
	case graph.EntityMarkdownSection:
		return join("section", normalizePath(c.Path), strconv.Itoa(c.StartLine))
	case graph.EntityCodeBlock:
		return join("codeblock", normalizePath(c.Path), strconv.Itoa(c.StartLine))
	case graph.EntitySpreadsheet:
		return join("spreadsheet", normalizePath(c.Path))
	case graph.EntityPDF:
		return join("pdf", normalizePath(c.Path))
	case graph.EntityWordDoc:
		return join("worddoc", normalizePath(c.Path))
	case graph.EntityWebPage:
		return join("webpage", c.Path)
	case graph.EntityLibrary:
		return join("lib", c.PackageName)
	case graph.EntityPendingImport:
		return join("pending", c.FromUUID, c.ImportPath)
	default:
		// Unknown kinds still derive a deterministic (if unintended) UUID
		// rather than panicking — a parser registering a new node type
		// without updating this switch is a bug to be caught in review,
		// not a runtime crash.
		return join(string(c.Kind), normalizePath(c.Path), sig, strconv.Itoa(c.StartLine))
	}
}

func join(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// normalizePath strips a
// leading "./", cleans the path, forces forward slashes, and drops a
// leading "/" so the same logical path hashes identically regardless of
// how the caller spelled it.
func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "./")
	path = filepath.Clean(path)
	path = filepath.ToSlash(path)
	path = strings.TrimPrefix(path, "/")
	return path
}

// ContentHash computes the 256-bit digest over the byte range a parser
// designates as the "hashable content" for one node.
func ContentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ContentHashHex is ContentHash formatted as a lowercase hex string, the
// form node.ContentHash / EmbeddingHashes entries are stored in.
func ContentHashHex(data []byte) string {
	h := ContentHash(data)
	return fmt.Sprintf("%x", h)
}

// SchemaHash computes the 96-bit short hash used as schema_version: the
// label concatenated with the sorted set of required property names,
// truncated SHA-256.
func SchemaHash(label string, requiredProperties []string) [12]byte {
	sorted := append([]string(nil), requiredProperties...)
	sort.Strings(sorted)
	input := label + "\x1f" + strings.Join(sorted, "\x1f")
	full := sha256.Sum256([]byte(input))
	var out [12]byte
	copy(out[:], full[:12])
	return out
}

// SchemaHashHex is SchemaHash formatted as a lowercase hex string.
func SchemaHashHex(label string, requiredProperties []string) string {
	h := SchemaHash(label, requiredProperties)
	return fmt.Sprintf("%x", h)
}
