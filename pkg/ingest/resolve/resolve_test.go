// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

func TestFS_ExistsAndReadFile_AreRootRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))

	fs := FS{Root: dir}
	assert.True(t, fs.Exists("a.go"))
	assert.False(t, fs.Exists("missing.go"))

	data, err := fs.ReadFile("a.go")
	require.NoError(t, err)
	assert.Equal(t, "package a", string(data))
}

func TestScopeLookup_FileUUIDAndNodeUUIDForPath(t *testing.T) {
	state := statestore.NewInMemoryStore()
	require.NoError(t, state.Upsert("p1", graph.Node{
		UUID: "file-1", Kind: graph.EntityFile, Coord: graph.Coordinate{Path: "a.go"},
	}))
	require.NoError(t, state.Upsert("p1", graph.Node{
		UUID: "scope-1", Kind: graph.EntityScope, Coord: graph.Coordinate{Path: "a.go", StartLine: 3},
	}))

	lookup := ScopeLookup{State: state, Project: "p1"}

	uuid, ok := lookup.FileUUID("a.go")
	require.True(t, ok)
	assert.Equal(t, "file-1", uuid)

	uuid, ok = lookup.NodeUUIDForPath("a.go")
	require.True(t, ok)
	assert.Equal(t, "file-1", uuid)

	_, ok = lookup.FileUUID("missing.go")
	assert.False(t, ok)
}

func TestScopeLookup_NodeUUIDForPath_FallsBackWithoutFileNode(t *testing.T) {
	state := statestore.NewInMemoryStore()
	require.NoError(t, state.Upsert("p1", graph.Node{
		UUID: "doc-1", Kind: graph.EntityMarkdownDoc, Coord: graph.Coordinate{Path: "README.md"},
	}))

	lookup := ScopeLookup{State: state, Project: "p1"}
	uuid, ok := lookup.NodeUUIDForPath("README.md")
	require.True(t, ok)
	assert.Equal(t, "doc-1", uuid)
}

func TestScopeLookup_EnclosingScope_PicksClosestPrecedingStart(t *testing.T) {
	state := statestore.NewInMemoryStore()
	require.NoError(t, state.Upsert("p1", graph.Node{
		UUID: "scope-early", Kind: graph.EntityScope, Coord: graph.Coordinate{Path: "a.go", StartLine: 1},
	}))
	require.NoError(t, state.Upsert("p1", graph.Node{
		UUID: "scope-late", Kind: graph.EntityScope, Coord: graph.Coordinate{Path: "a.go", StartLine: 10},
	}))

	lookup := ScopeLookup{State: state, Project: "p1"}

	uuid, ok := lookup.EnclosingScope("a.go", 12)
	require.True(t, ok)
	assert.Equal(t, "scope-late", uuid)

	uuid, ok = lookup.EnclosingScope("a.go", 5)
	require.True(t, ok)
	assert.Equal(t, "scope-early", uuid)

	_, ok = lookup.EnclosingScope("a.go", 0)
	assert.False(t, ok)
}
