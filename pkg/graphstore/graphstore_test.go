// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graphstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_CreatesThenMergesProperties(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "Scope", "u1", map[string]any{"name": "Foo", "path": "a.go"}))
	require.NoError(t, s.Upsert(ctx, "Scope", "u1", map[string]any{"name": "Bar"}))

	props, ok := s.Get("Scope", "u1")
	require.True(t, ok)
	assert.Equal(t, "Bar", props["name"])
	assert.Equal(t, "a.go", props["path"])
}

func TestUpsertBatch_AppliesEveryRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.UpsertBatch(ctx, "Scope", []Row{
		{Key: "u1", Props: map[string]any{"path": "a.go"}},
		{Key: "u2", Props: map[string]any{"path": "b.go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count("Scope"))
}

func TestDeleteCascade_RemovesEveryNodeForPathAcrossLabels(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "File", "f1", map[string]any{"path": "a.go"}))
	require.NoError(t, s.Upsert(ctx, "Scope", "s1", map[string]any{"path": "a.go"}))
	require.NoError(t, s.Upsert(ctx, "Scope", "s2", map[string]any{"path": "b.go"}))

	deleted, err := s.DeleteCascade(ctx, "a.go")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "s1"}, deleted)
	assert.Equal(t, 1, s.Count("Scope"))
	assert.Equal(t, 0, s.Count("File"))
}

func TestEnsureConstraintAndVectorIndex_AreIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.EnsureConstraint(ctx, "Scope", "uuid"))
	require.NoError(t, s.EnsureConstraint(ctx, "Scope", "uuid"))
	require.NoError(t, s.EnsureVectorIndex(ctx, "Scope", "content", 768))
	require.NoError(t, s.EnsureVectorIndex(ctx, "Scope", "content", 768))
}

func TestUpsert_AfterCloseErrors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Close())

	err := s.Upsert(ctx, "Scope", "u1", map[string]any{})
	assert.Error(t, err)
}

func TestQueryAndExecute_UnsupportedByReferenceStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Query(ctx, "?[x] := x = 1")
	assert.Error(t, err)
	assert.Error(t, s.Execute(ctx, "?[x] <- [[1]]"))
}

func TestSaveLoadSnapshot_RoundTripsLabelsConstraintsAndIndexes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "Scope", "u1", map[string]any{"name": "Foo", "path": "a.go"}))
	require.NoError(t, s.Upsert(ctx, "File", "f1", map[string]any{"path": "a.go"}))
	require.NoError(t, s.EnsureConstraint(ctx, "Scope", "uuid"))
	require.NoError(t, s.EnsureVectorIndex(ctx, "Scope", "content", 768))

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, s.SaveSnapshot(path))

	reloaded := NewMemoryStore()
	require.NoError(t, reloaded.LoadSnapshot(path))

	props, ok := reloaded.Get("Scope", "u1")
	require.True(t, ok)
	assert.Equal(t, "Foo", props["name"])
	assert.Equal(t, 1, reloaded.Count("File"))
}

func TestLoadSnapshot_MissingFileIsNotAnError(t *testing.T) {
	s := NewMemoryStore()
	err := s.LoadSnapshot(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.NoError(t, err)
	assert.Equal(t, 0, s.Count("Scope"))
}
