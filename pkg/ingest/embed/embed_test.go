// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embed

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

type stubProvider struct {
	calls     int
	failUntil int
	fail      bool
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.calls++
	if p.fail || p.calls <= p.failUntil {
		return nil, fmt.Errorf("connection refused")
	}
	return []float32{float32(len(text)), 0.5}, nil
}

func seed(t *testing.T, s *statestore.InMemoryStore, project, uuid string, state graph.State, props map[string]any) {
	t.Helper()
	require.NoError(t, s.Upsert(project, graph.Node{
		UUID: uuid, ProjectID: project, Kind: graph.EntityScope, State: state, Properties: props,
	}))
}

func TestEmbedFiles_EmbedsConfiguredFieldsAndTransitionsToEmbedded(t *testing.T) {
	store := statestore.NewInMemoryStore()
	seed(t, store, "p1", "u1", graph.StateLinked, map[string]any{"name": "Foo", "content": "func Foo() {}"})

	provider := &stubProvider{}
	c := New(store, lock.New(), provider, "mock", "v1", nil)

	res, err := c.EmbedFiles(context.Background(), "p1", []string{"u1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesProcessed)
	assert.Equal(t, 2, res.EmbeddingsGenerated)
	assert.Equal(t, 0, res.Errors)

	n, ok := store.Get("p1", "u1")
	require.True(t, ok)
	assert.Equal(t, graph.StateEmbedded, n.State)
	assert.Len(t, n.Embeddings, 2)
	assert.Equal(t, "mock", n.EmbeddingProvider)
}

func TestEmbedFiles_SkipsFieldWithMatchingRestoredVector(t *testing.T) {
	store := statestore.NewInMemoryStore()
	require.NoError(t, store.Upsert("p1", graph.Node{
		UUID: "u1", ProjectID: "p1", Kind: graph.EntityScope, State: graph.StateLinked,
		Properties:        map[string]any{"name": "Foo"},
		Embeddings:        map[string][]float32{"name": {1, 2, 3}},
		EmbeddingProvider: "mock",
		EmbeddingModel:    "v1",
	}))

	provider := &stubProvider{}
	c := New(store, lock.New(), provider, "mock", "v1", nil)

	res, err := c.EmbedFiles(context.Background(), "p1", []string{"u1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, provider.calls)
	assert.Equal(t, 0, res.EmbeddingsGenerated)

	n, _ := store.Get("p1", "u1")
	assert.Equal(t, []float32{1, 2, 3}, n.Embeddings["name"])
	assert.Equal(t, graph.StateEmbedded, n.State)
}

func TestEmbedFiles_DirtyFlagDoesNotForceReembedOfMatchingVector(t *testing.T) {
	store := statestore.NewInMemoryStore()
	require.NoError(t, store.Upsert("p1", graph.Node{
		UUID: "u1", ProjectID: "p1", Kind: graph.EntityScope, State: graph.StateLinked,
		Properties:        map[string]any{"name": "Foo"},
		Embeddings:        map[string][]float32{"name": {1, 2, 3}},
		EmbeddingProvider: "mock",
		EmbeddingModel:    "v1",
		EmbeddingsDirty:   true,
	}))

	provider := &stubProvider{}
	c := New(store, lock.New(), provider, "mock", "v1", nil)

	_, err := c.EmbedFiles(context.Background(), "p1", []string{"u1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, provider.calls)

	n, _ := store.Get("p1", "u1")
	assert.False(t, n.EmbeddingsDirty)
}

func TestEmbedFiles_FieldFailureTransitionsToErrorEmbed(t *testing.T) {
	store := statestore.NewInMemoryStore()
	seed(t, store, "p1", "u1", graph.StateLinked, map[string]any{"name": "Foo"})

	provider := &stubProvider{fail: true}
	c := New(store, lock.New(), provider, "mock", "v1", nil)
	c.SetRetryConfig(RetryConfig{MaxRetries: 1})

	res, err := c.EmbedFiles(context.Background(), "p1", []string{"u1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	n, _ := store.Get("p1", "u1")
	assert.Equal(t, graph.StateError, n.State)
	assert.Equal(t, graph.ErrorEmbed, n.ErrorType)
}

func TestEmbedFiles_RetriesTransientErrorThenSucceeds(t *testing.T) {
	store := statestore.NewInMemoryStore()
	seed(t, store, "p1", "u1", graph.StateLinked, map[string]any{"name": "Foo"})

	provider := &stubProvider{failUntil: 1}
	c := New(store, lock.New(), provider, "mock", "v1", nil)
	c.SetRetryConfig(RetryConfig{MaxRetries: 3, InitialBackoff: 1, MaxBackoff: 1, Multiplier: 1.0})

	res, err := c.EmbedFiles(context.Background(), "p1", []string{"u1"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EmbeddingsGenerated)
	assert.Equal(t, 0, res.Errors)
}

func TestEmbedFiles_EmptyUUIDsIsANoop(t *testing.T) {
	store := statestore.NewInMemoryStore()
	c := New(store, lock.New(), &stubProvider{}, "mock", "v1", nil)

	res, err := c.EmbedFiles(context.Background(), "p1", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.FilesProcessed)
}

func TestEmbedProject_GathersLinkedAndDirtyNodes(t *testing.T) {
	store := statestore.NewInMemoryStore()
	seed(t, store, "p1", "linked", graph.StateLinked, map[string]any{"name": "A"})
	require.NoError(t, store.Upsert("p1", graph.Node{
		UUID: "dirty", ProjectID: "p1", Kind: graph.EntityScope, State: graph.StateEmbedded,
		Properties: map[string]any{"name": "B"}, EmbeddingsDirty: true,
	}))

	c := New(store, lock.New(), &stubProvider{}, "mock", "v1", nil)
	res, err := c.EmbedProject(context.Background(), "p1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesProcessed)
}

func TestNeedsEmbedding_ReportsCountsAcrossLinkedAndDirty(t *testing.T) {
	store := statestore.NewInMemoryStore()
	seed(t, store, "p1", "linked", graph.StateLinked, nil)
	require.NoError(t, store.Upsert("p1", graph.Node{UUID: "dirty", ProjectID: "p1", State: graph.StateEmbedded, EmbeddingsDirty: true}))
	seed(t, store, "p1", "done", graph.StateEmbedded, nil)

	c := New(store, lock.New(), &stubProvider{}, "mock", "v1", nil)
	n, err := c.NeedsEmbedding("p1")
	require.NoError(t, err)
	assert.True(t, n.Needed)
	assert.Equal(t, 1, n.LinkedCount)
	assert.Equal(t, 1, n.DirtyCount)
	assert.Equal(t, 3, n.FileCount)
}

func TestRetryFailed_ResetsErrorFilesThenEmbeds(t *testing.T) {
	store := statestore.NewInMemoryStore()
	require.NoError(t, store.Upsert("p1", graph.Node{
		UUID: "u1", ProjectID: "p1", Kind: graph.EntityScope, State: graph.StateError,
		ErrorType: graph.ErrorEmbed, RetryCount: 1, Properties: map[string]any{"name": "Foo"},
	}))

	c := New(store, lock.New(), &stubProvider{}, "mock", "v1", nil)
	res, err := c.RetryFailed(context.Background(), "p1", 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesProcessed)

	n, _ := store.Get("p1", "u1")
	assert.Equal(t, graph.StateEmbedded, n.State)
}

func TestRetryFailed_NothingRetryableIsANoop(t *testing.T) {
	store := statestore.NewInMemoryStore()
	c := New(store, lock.New(), &stubProvider{}, "mock", "v1", nil)

	res, err := c.RetryFailed(context.Background(), "p1", 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.FilesProcessed)
}

func TestProjectProgress_ComputesPercentAcrossStates(t *testing.T) {
	store := statestore.NewInMemoryStore()
	seed(t, store, "p1", "a", graph.StateEmbedded, nil)
	seed(t, store, "p1", "b", graph.StateEmbedded, nil)
	seed(t, store, "p1", "c", graph.StateLinked, nil)
	seed(t, store, "p1", "d", graph.StateError, nil)

	c := New(store, lock.New(), &stubProvider{}, "mock", "v1", nil)
	p, err := c.ProjectProgress("p1")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 2, p.Embedded)
	assert.Equal(t, 1, p.Linked)
	assert.Equal(t, 1, p.Error)
	assert.InDelta(t, 50.0, p.Percent, 0.1)
}

func TestPropertyFieldExtractor_IgnoresMissingAndNonStringFields(t *testing.T) {
	e := DefaultFieldExtractor()
	fields := e.Fields(graph.Node{Properties: map[string]any{"name": "Foo", "content": 42, "description": ""}})
	assert.Equal(t, map[string]string{"name": "Foo"}, fields)
}
