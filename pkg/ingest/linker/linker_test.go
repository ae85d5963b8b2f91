// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package linker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
)

type fakeFS struct {
	files map[string]string
}

func (f *fakeFS) Exists(path string) bool {
	_, ok := f.files[path]
	return ok
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return []byte(content), nil
}

type fakeScopes struct {
	scopeByFileLine map[string]string // "file:line" -> uuid
	fileUUIDs       map[string]string
	nodeByPath      map[string]string
}

func (s *fakeScopes) EnclosingScope(file string, line int) (string, bool) {
	u, ok := s.scopeByFileLine[fmt.Sprintf("%s:%d", file, line)]
	return u, ok
}

func (s *fakeScopes) FileUUID(file string) (string, bool) {
	u, ok := s.fileUUIDs[file]
	return u, ok
}

func (s *fakeScopes) NodeUUIDForPath(path string) (string, bool) {
	u, ok := s.nodeByPath[path]
	return u, ok
}

func TestLink_ExternalReferenceProducesImportsLibraryEdge(t *testing.T) {
	fs := &fakeFS{files: map[string]string{}}
	scopes := &fakeScopes{fileUUIDs: map[string]string{"a.go": "file-a"}}
	l := New(fs, scopes, nil, []string{".go"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "github.com/foo/bar", FromFile: "a.go", Line: 3}})

	require.Len(t, res.Edges, 1)
	assert.Equal(t, graph.RelImportsLibrary, res.Edges[0].Kind)
	assert.Equal(t, "file-a", res.Edges[0].From)
}

func TestLink_LocalReferenceResolvesToExistingNode(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"b.go": "package b"}}
	scopes := &fakeScopes{
		fileUUIDs: map[string]string{"a.go": "file-a"},
		nodeByPath: map[string]string{"b.go": "node-b"},
	}
	l := New(fs, scopes, nil, []string{".go"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "./b.go", FromFile: "a.go", Line: 1}})

	require.Len(t, res.Edges, 1)
	assert.Equal(t, graph.RelConsumes, res.Edges[0].Kind)
	assert.Equal(t, "node-b", res.Edges[0].To)
}

func TestLink_UnresolvableLocalReferenceParksAsPending(t *testing.T) {
	fs := &fakeFS{files: map[string]string{}}
	scopes := &fakeScopes{fileUUIDs: map[string]string{"a.go": "file-a"}}
	l := New(fs, scopes, nil, []string{".go"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "./missing", FromFile: "a.go", Line: 1}})

	assert.Empty(t, res.Edges)
	require.Len(t, res.PendingEdges, 1)
	assert.Equal(t, graph.RelPendingImport, res.PendingEdges[0].Kind)
}

func TestLink_ResolvedButUningestedTargetParksAsPending(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"b.go": "package b"}}
	scopes := &fakeScopes{fileUUIDs: map[string]string{"a.go": "file-a"}}
	l := New(fs, scopes, nil, []string{".go"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "./b.go", FromFile: "a.go", Line: 1}})

	assert.Empty(t, res.Edges)
	require.Len(t, res.PendingEdges, 1)
	assert.Equal(t, "b.go", res.PendingEdges[0].ImportPath)
}

func TestLink_AliasResolvesBeforeFilesystemProbe(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"src/utils/helpers.go": "package utils"}}
	scopes := &fakeScopes{
		fileUUIDs:  map[string]string{"src/app/a.go": "file-a"},
		nodeByPath: map[string]string{"src/utils/helpers.go": "node-helpers"},
	}
	l := New(fs, scopes, AliasTable{"@utils/": "src/utils/"}, []string{".go"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "@utils/helpers.go", FromFile: "src/app/a.go", Line: 2}})

	require.Len(t, res.Edges, 1)
	assert.Equal(t, "node-helpers", res.Edges[0].To)
}

func TestLink_ReexportChaseFollowsStarReexport(t *testing.T) {
	fs := &fakeFS{files: map[string]string{
		"index.ts": "export * from './impl'\n",
		"impl.ts":  "export function Foo() {}\n",
	}}
	scopes := &fakeScopes{
		fileUUIDs:  map[string]string{"a.ts": "file-a"},
		nodeByPath: map[string]string{"impl.ts": "node-impl"},
	}
	l := New(fs, scopes, nil, []string{".ts"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "./index", Symbols: []string{"Foo"}, FromFile: "a.ts", Line: 1}})

	require.Len(t, res.Edges, 1)
	assert.Equal(t, "node-impl", res.Edges[0].To)
}

func TestLink_ReexportChaseStopsWhenBarrelDefinesSymbolItself(t *testing.T) {
	fs := &fakeFS{files: map[string]string{
		"index.ts": "export function Foo() {}\nexport * from './other'\n",
	}}
	scopes := &fakeScopes{
		fileUUIDs:  map[string]string{"a.ts": "file-a"},
		nodeByPath: map[string]string{"index.ts": "node-index"},
	}
	l := New(fs, scopes, nil, []string{".ts"})

	res := l.Link("", []Reference{{Kind: RefImport, RawPath: "./index", Symbols: []string{"Foo"}, FromFile: "a.ts", Line: 1}})

	require.Len(t, res.Edges, 1)
	assert.Equal(t, "node-index", res.Edges[0].To)
}

func TestLink_DuplicateReferencesMergeSymbolsOnOneEdge(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"b.go": "package b"}}
	scopes := &fakeScopes{
		fileUUIDs: map[string]string{"a.go": "file-a"},
		nodeByPath: map[string]string{"b.go": "node-b"},
	}
	l := New(fs, scopes, nil, []string{".go"})

	res := l.Link("", []Reference{
		{Kind: RefImport, RawPath: "./b.go", Symbols: []string{"X"}, FromFile: "a.go", Line: 1},
		{Kind: RefImport, RawPath: "./b.go", Symbols: []string{"Y"}, FromFile: "a.go", Line: 2},
	})

	require.Len(t, res.Edges, 1)
	assert.ElementsMatch(t, []string{"X", "Y"}, res.Edges[0].Symbols)
}

func TestResolvePending_MaterializesWhenTargetNowExists(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"b.go": "package b"}}
	scopes := &fakeScopes{nodeByPath: map[string]string{"b.go": "node-b"}}
	l := New(fs, scopes, nil, []string{".go"})

	pending := []graph.Edge{{Kind: graph.RelPendingImport, From: "file-a", ImportPath: "b", Symbols: []string{"X"}}}
	materialize, resolved := l.ResolvePending(pending)

	require.Len(t, materialize, 1)
	assert.Equal(t, graph.RelConsumes, materialize[0].Kind)
	assert.Equal(t, "node-b", materialize[0].To)
	assert.Equal(t, "b.go", materialize[0].ImportPath)
	require.Len(t, resolved, 1)
}

func TestResolvePending_TargetStillMissingFromFilesystem(t *testing.T) {
	scopes := &fakeScopes{nodeByPath: map[string]string{"b.go": "node-b"}}
	l := New(&fakeFS{files: map[string]string{}}, scopes, nil, []string{".go"})

	pending := []graph.Edge{{Kind: graph.RelPendingImport, From: "file-a", ImportPath: "b", Symbols: []string{"X"}}}
	materialize, resolved := l.ResolvePending(pending)

	assert.Empty(t, materialize)
	assert.Empty(t, resolved)
}

func TestResolvePending_LeavesUnresolvedPendingAlone(t *testing.T) {
	scopes := &fakeScopes{nodeByPath: map[string]string{}}
	l := New(&fakeFS{files: map[string]string{}}, scopes, nil, []string{".go"})

	pending := []graph.Edge{{Kind: graph.RelPendingImport, From: "file-a", ImportPath: "missing.go"}}
	materialize, resolved := l.ResolvePending(pending)

	assert.Empty(t, materialize)
	assert.Empty(t, resolved)
}

func TestLink_ParallelPathProducesSameEdgesAsSequential(t *testing.T) {
	fs := &fakeFS{files: map[string]string{"b.go": "package b"}}
	scopes := &fakeScopes{
		fileUUIDs: map[string]string{"a.go": "file-a"},
		nodeByPath: map[string]string{"b.go": "node-b"},
	}
	l := New(fs, scopes, nil, []string{".go"})

	var refs []Reference
	for i := 0; i < parallelThreshold+5; i++ {
		refs = append(refs, Reference{Kind: RefImport, RawPath: "./b.go", FromFile: "a.go", Line: 1})
	}

	res := l.Link("", refs)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "node-b", res.Edges[0].To)
}
