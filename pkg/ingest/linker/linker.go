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

// Package linker resolves parser-emitted references into graph edges
// classification of external vs. local references, path
// resolution (alias table, relative path, candidate extensions,
// directory-index probing), a depth-capped barrel re-export chase, edge
// materialization against an enclosing scope, and pending-import parking
// for targets not yet present in the graph. It generalizes a prior Go-only
// CallResolver (pkg/ingestion/resolver.go): that type's package index,
// global function registry, and file-imports index become, respectively,
// this package's path resolution cache, node lookup, and reference list —
// widened from "Go function calls only" to every reference kind
// names (import, re-export, dynamic import, prose mention).
package linker

import (
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/kraklabs/cie-ingest/pkg/ingest/dispatch"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/identity"
)

// ReferenceKind is the shape of one reference a parser extracted.
type ReferenceKind string

const (
	RefImport         ReferenceKind = "import"
	RefReexportStar   ReferenceKind = "reexport_star"
	RefReexportNamed  ReferenceKind = "reexport_named"
	RefDynamicImport  ReferenceKind = "dynamic_import"
	RefProseMention   ReferenceKind = "prose_mention"
)

// Reference is one parser-emitted reference awaiting resolution.
type Reference struct {
	Kind     ReferenceKind
	Symbols  []string
	RawPath  string
	Line     int
	FromFile string // the file this reference was extracted from
}

// AliasTable maps a path-alias prefix (e.g. "@/") to the project-relative
// directory it expands to, loaded from the source ecosystem's toolchain
// config (tsconfig paths, go.mod replace, etc. — parsing that config is
// the caller's responsibility; the linker only consumes the resulting map).
type AliasTable map[string]string

// FileResolver is the filesystem the linker probes to verify a candidate
// resolution actually exists, and to re-read barrel files during the
// re-export chase. An interface so tests run against an in-memory fake
// rather than a real filesystem.
type FileResolver interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
}

// ScopeLookup answers identity questions the linker needs from whatever
// already-ingested graph state exists: which scope encloses a line range,
// and which node UUID (if any) a resolved project path currently maps to.
type ScopeLookup interface {
	EnclosingScope(file string, line int) (uuid string, ok bool)
	FileUUID(file string) (uuid string, ok bool)
	NodeUUIDForPath(path string) (uuid string, ok bool)
}

const maxReexportDepth = 10

// parallelThreshold mirrors a resolver's heuristic in
// resolver.go verbatim: below this many references, sequential resolution
// avoids goroutine overhead; at or above it, work is split across workers.
const parallelThreshold = 1000

// Linker resolves a batch of references against a fixed alias table and
// candidate-extension order.
type Linker struct {
	fs         FileResolver
	scopes     ScopeLookup
	aliases    AliasTable
	extensions []string // e.g. []string{".ts", ".tsx", ".js"}, tried in order
	scanner    *dispatch.RegexReexportScanner
}

// New constructs a Linker. extensions is the ecosystem's module-resolution
// order, tried both for the bare path and for "<dir>/index<ext>".
func New(fs FileResolver, scopes ScopeLookup, aliases AliasTable, extensions []string) *Linker {
	return &Linker{
		fs:         fs,
		scopes:     scopes,
		aliases:    aliases,
		extensions: extensions,
		scanner:    dispatch.NewRegexReexportScanner(),
	}
}

// LinkResult is what Link produces for one batch.
type LinkResult struct {
	Edges        []graph.Edge // materialized CONSUMES and IMPORTS_LIBRARY edges
	PendingEdges []graph.Edge // PENDING_IMPORT edges parked for later resolve_pending
	Warnings     []string
}

// Link resolves refs for one batch. projectRoot is passed to the
// external/local classification, which does not use it: a reference is
// classified by its raw path's prefix and the alias table alone. No
// common prefix of the batch's file paths is computed.
func (l *Linker) Link(projectRoot string, refs []Reference) LinkResult {
	if len(refs) < parallelThreshold {
		return l.linkSequential(projectRoot, refs)
	}
	return l.linkParallel(projectRoot, refs)
}

func (l *Linker) linkSequential(projectRoot string, refs []Reference) LinkResult {
	var res LinkResult
	seen := make(map[string]bool)
	for _, ref := range refs {
		l.linkOne(projectRoot, ref, &res, seen)
	}
	return res
}

func (l *Linker) linkParallel(projectRoot string, refs []Reference) LinkResult {
	numWorkers := runtime.NumCPU()
	if numWorkers > 8 {
		numWorkers = 8
	}

	jobs := make(chan Reference, len(refs))
	type partial struct {
		res LinkResult
	}
	results := make(chan partial, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local LinkResult
			localSeen := make(map[string]bool)
			for ref := range jobs {
				l.linkOne(projectRoot, ref, &local, localSeen)
			}
			results <- partial{res: local}
		}()
	}

	for _, ref := range refs {
		jobs <- ref
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var merged LinkResult
	seen := make(map[string]bool)
	for p := range results {
		for _, e := range p.res.Edges {
			key := e.From + "->" + e.To + "->" + string(e.Kind)
			if !seen[key] {
				seen[key] = true
				merged.Edges = append(merged.Edges, e)
			}
		}
		merged.PendingEdges = append(merged.PendingEdges, p.res.PendingEdges...)
		merged.Warnings = append(merged.Warnings, p.res.Warnings...)
	}
	return merged
}

func (l *Linker) linkOne(projectRoot string, ref Reference, res *LinkResult, seen map[string]bool) {
	sourceUUID := l.sourceUUID(ref)
	if sourceUUID == "" {
		res.Warnings = append(res.Warnings, "no source node for reference in "+ref.FromFile)
		return
	}

	if l.isExternal(ref.RawPath, projectRoot) {
		libUUID := identity.DeriveUUID(graph.Coordinate{Kind: graph.EntityLibrary, PackageName: externalPackageName(ref.RawPath)})
		l.addEdge(res, seen, graph.Edge{
			Kind: graph.RelImportsLibrary, From: sourceUUID, To: libUUID,
			Symbols: ref.Symbols, Line: ref.Line, ImportPath: ref.RawPath,
		})
		return
	}

	resolvedPath, ok := l.resolveLocal(ref)
	if ok {
		resolvedPath, ok = l.chaseReexports(resolvedPath, ref.Symbols, 0, map[string]bool{})
	}

	if !ok {
		// The target doesn't exist on disk yet, so no extension has been
		// chosen; park the alias-expanded, directory-joined candidate
		// (not the raw "./b") so a later resolve_pending pass can probe
		// it against the filesystem once the file appears.
		placeholder := identity.DeriveUUID(graph.Coordinate{Kind: graph.EntityPendingImport, FromUUID: sourceUUID, ImportPath: ref.RawPath})
		res.PendingEdges = append(res.PendingEdges, graph.Edge{
			Kind: graph.RelPendingImport, From: sourceUUID, To: placeholder,
			Symbols: ref.Symbols, Line: ref.Line, ImportPath: l.candidatePath(ref),
		})
		return
	}

	targetUUID, exists := l.scopes.NodeUUIDForPath(resolvedPath)
	if !exists {
		placeholder := identity.DeriveUUID(graph.Coordinate{Kind: graph.EntityPendingImport, FromUUID: sourceUUID, ImportPath: resolvedPath})
		res.PendingEdges = append(res.PendingEdges, graph.Edge{
			Kind: graph.RelPendingImport, From: sourceUUID, To: placeholder,
			Symbols: ref.Symbols, Line: ref.Line, ImportPath: resolvedPath,
		})
		return
	}

	l.addEdge(res, seen, graph.Edge{
		Kind: graph.RelConsumes, From: sourceUUID, To: targetUUID,
		Symbols: ref.Symbols, Line: ref.Line, ImportPath: resolvedPath,
	})
}

func (l *Linker) addEdge(res *LinkResult, seen map[string]bool, e graph.Edge) {
	key := e.From + "->" + e.To + "->" + string(e.Kind)
	if seen[key] {
		// Invariant: each (source, target, CONSUMES) triple is unique;
		// merge symbols instead of dropping the duplicate's information.
		for i := range res.Edges {
			if res.Edges[i].From == e.From && res.Edges[i].To == e.To && res.Edges[i].Kind == e.Kind {
				res.Edges[i].Symbols = dedupSymbols(append(res.Edges[i].Symbols, e.Symbols...))
				return
			}
		}
		return
	}
	seen[key] = true
	e.Symbols = dedupSymbols(e.Symbols)
	res.Edges = append(res.Edges, e)
}

func dedupSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, s := range symbols {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (l *Linker) sourceUUID(ref Reference) string {
	if uuid, ok := l.scopes.EnclosingScope(ref.FromFile, ref.Line); ok {
		return uuid
	}
	if uuid, ok := l.scopes.FileUUID(ref.FromFile); ok {
		return uuid
	}
	return ""
}

// isExternal classifies a raw reference path: not
// rooted in the project (no ".", "/" prefix) and not matching a known
// alias prefix.
func (l *Linker) isExternal(rawPath, projectRoot string) bool {
	if strings.HasPrefix(rawPath, ".") || strings.HasPrefix(rawPath, "/") {
		return false
	}
	for alias := range l.aliases {
		if strings.HasPrefix(rawPath, alias) {
			return false
		}
	}
	_ = projectRoot
	return true
}

func externalPackageName(rawPath string) string {
	// Scoped packages ("@org/name/sub") keep their first two segments;
	// everything else keeps just the first.
	parts := strings.Split(rawPath, "/")
	if strings.HasPrefix(rawPath, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// candidatePath applies alias expansion and relative-path joining to a
// reference's raw path without touching the filesystem — the
// existence-independent half of resolveLocal, exposed so a parked
// pending edge can carry a path resolve_pending can probe later once
// the target file exists.
func (l *Linker) candidatePath(ref Reference) string {
	raw := ref.RawPath
	for alias, target := range l.aliases {
		if strings.HasPrefix(raw, alias) {
			raw = target + strings.TrimPrefix(raw, alias)
			break
		}
	}
	if strings.HasPrefix(raw, ".") {
		return path.Clean(path.Join(path.Dir(ref.FromFile), raw))
	}
	return path.Clean(raw)
}

// resolveLocal resolves a local reference's raw path to a project-relative
// path verified to exist on disk.
func (l *Linker) resolveLocal(ref Reference) (string, bool) {
	return l.probe(l.candidatePath(ref))
}

// probe tries candidate as-is, then with each configured extension, then
// as a directory index file with each extension — the order named in
// relative to the importing file.
func (l *Linker) probe(candidate string) (string, bool) {
	if l.fs.Exists(candidate) {
		return candidate, true
	}
	for _, ext := range l.extensions {
		if withExt := candidate + ext; l.fs.Exists(withExt) {
			return withExt, true
		}
	}
	for _, ext := range l.extensions {
		indexPath := path.Join(candidate, "index"+ext)
		if l.fs.Exists(indexPath) {
			return indexPath, true
		}
	}
	return "", false
}

// chaseReexports follows barrel re-exports until it finds a file that does
// not itself re-export the requested symbol set, capping recursion at
// maxReexportDepth and refusing to revisit a path.
func (l *Linker) chaseReexports(resolvedPath string, symbols []string, depth int, visited map[string]bool) (string, bool) {
	if depth >= maxReexportDepth || visited[resolvedPath] {
		return resolvedPath, true
	}
	visited[resolvedPath] = true

	content, err := l.fs.ReadFile(resolvedPath)
	if err != nil {
		return resolvedPath, true
	}

	reexports := l.scanner.Scan(string(content))
	if len(reexports) == 0 {
		return resolvedPath, true
	}

	for _, re := range reexports {
		candidate := path.Clean(path.Join(path.Dir(resolvedPath), re.Target))
		next, ok := l.probe(candidate)
		if !ok {
			continue
		}
		if barrelDefinesAny(string(content), symbols) {
			// The barrel itself still defines something locally in
			// addition to re-exporting; stop here rather than assume
			// every requested symbol came through the re-export.
			return resolvedPath, true
		}
		return l.chaseReexports(next, symbols, depth+1, visited)
	}

	return resolvedPath, true
}

// barrelDefinesAny is a conservative heuristic: if the barrel's own source
// contains a non-re-export "export" of one of the requested symbols, the
// chase stops rather than risk following a re-export for a name the
// barrel actually defines itself.
func barrelDefinesAny(content string, symbols []string) bool {
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if strings.Contains(content, "export function "+sym) ||
			strings.Contains(content, "export class "+sym) ||
			strings.Contains(content, "export const "+sym) {
			return true
		}
	}
	return false
}

// ResolvePending re-evaluates parked PENDING_IMPORT edges against current
// filesystem and graph state. edge.ImportPath is the alias-expanded
// candidate parked at link time, still missing its extension if the
// edge was parked before the target file existed, so each edge is
// re-probed (the same candidate-as-is / +extension / directory-index
// order linkOne uses) rather than matched verbatim: a file that has
// since appeared resolves to its real path here for the first time.
// Returns a materialized CONSUMES edge (ResolvedAt expected to be
// stamped by the caller) and the original pending edge to delete, for
// every pending edge whose target now exists.
func (l *Linker) ResolvePending(pending []graph.Edge) (materialize []graph.Edge, resolved []graph.Edge) {
	for _, edge := range pending {
		resolvedPath, ok := l.probe(edge.ImportPath)
		if !ok {
			continue
		}
		resolvedPath, ok = l.chaseReexports(resolvedPath, edge.Symbols, 0, map[string]bool{})
		if !ok {
			continue
		}
		targetUUID, ok := l.scopes.NodeUUIDForPath(resolvedPath)
		if !ok {
			continue
		}
		materialize = append(materialize, graph.Edge{
			Kind: graph.RelConsumes, From: edge.From, To: targetUUID,
			Symbols: edge.Symbols, Line: edge.Line, ImportPath: resolvedPath,
		})
		resolved = append(resolved, edge)
	}
	return materialize, resolved
}
