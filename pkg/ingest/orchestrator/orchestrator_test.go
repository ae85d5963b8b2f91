// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/pkg/embedproviders"
	"github.com/kraklabs/cie-ingest/pkg/graphstore"
	"github.com/kraklabs/cie-ingest/pkg/ingest/changequeue"
	"github.com/kraklabs/cie-ingest/pkg/ingest/dispatch"
	"github.com/kraklabs/cie-ingest/pkg/ingest/embed"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/linker"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
	"github.com/kraklabs/cie-ingest/pkg/ingest/resolve"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// fakeFiles is an in-memory FileReader fixture.
type fakeFiles struct {
	content map[string][]byte
}

func (f *fakeFiles) ReadFile(path string) ([]byte, error) {
	src, ok := f.content[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return src, nil
}

// fakeResolver satisfies linker.FileResolver minimally; no reference in
// these tests crosses files, so Exists/ReadFile are never consulted.
type fakeResolver struct{}

func (fakeResolver) Exists(string) bool             { return false }
func (fakeResolver) ReadFile(string) ([]byte, error) { return nil, fmt.Errorf("not found") }

// fakeScopes satisfies linker.ScopeLookup with no resolvable targets,
// since these tests exercise the parse/upsert/embed path rather than
// cross-file linking.
type fakeScopes struct{}

func (fakeScopes) EnclosingScope(string, int) (string, bool) { return "", false }
func (fakeScopes) FileUUID(string) (string, bool)            { return "", false }
func (fakeScopes) NodeUUIDForPath(string) (string, bool)      { return "", false }

// singleFileParser emits one Scope node per file, named after the path,
// with "content" set to the file's bytes.
type singleFileParser struct{}

func (singleFileParser) Name() string                      { return "single-file-test-parser" }
func (singleFileParser) SchemaVersion() string              { return "v1" }
func (singleFileParser) SupportedExtensions() []string      { return []string{"go"} }
func (singleFileParser) NodeTypes() []dispatch.NodeTypeSpec { return nil }

func (singleFileParser) Parse(_ context.Context, input dispatch.ParseInput) (*graph.ParseOutput, error) {
	uuid := "uuid-" + input.Path
	return &graph.ParseOutput{
		Nodes: []graph.Node{
			{
				UUID: uuid,
				Kind: graph.EntityScope,
				Coord: graph.Coordinate{
					Kind: graph.EntityScope, Path: input.Path, Signature: input.Path,
				},
				Properties: map[string]any{"name": input.Path, "content": string(input.Source)},
			},
		},
	}, nil
}

func newTestOrchestrator(t *testing.T, files map[string][]byte) (*Orchestrator, *graphstore.MemoryStore, *statestore.InMemoryStore) {
	t.Helper()

	store := graphstore.NewMemoryStore()
	state := statestore.NewInMemoryStore()
	registry := dispatch.NewRegistry()
	registry.Register(singleFileParser{})

	lk := linker.New(fakeResolver{}, fakeScopes{}, nil, []string{".go"})
	projectLock := lock.New()
	embedder := embed.New(state, projectLock, embedproviders.NewMock(8), "mock", "mock-v1", nil)

	orch := New(Config{
		Store: store, State: state, Registry: registry, Linker: lk, Embedder: embedder,
		ProjectLock: projectLock, Files: &fakeFiles{content: files},
		ProjectRoot: "", ProviderName: "mock", ModelName: "mock-v1",
	})
	return orch, store, state
}

func TestProcessBatch_ParsesLinksAndEmbedsNewFile(t *testing.T) {
	orch, store, state := newTestOrchestrator(t, map[string][]byte{"a.go": []byte("package a")})

	batch := changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "a.go", ChangeType: changequeue.Created, ProjectID: "p1"},
	}}

	result, err := orch.ProcessBatch(context.Background(), "p1", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesParsed)
	assert.Equal(t, 1, result.NodesUpserted)
	assert.Equal(t, 0, result.Errors)
	assert.Positive(t, result.EmbeddingsGenerated)

	props, ok := store.Get("Scope", "uuid-a.go")
	require.True(t, ok)
	assert.Equal(t, "a.go", props["path"])

	node, ok := state.Get("p1", "uuid-a.go")
	require.True(t, ok)
	assert.Equal(t, graph.StateEmbedded, node.State)
	assert.NotEmpty(t, node.Embeddings["content"])
}

func TestProcessBatch_DeletedEventCascadeDeletes(t *testing.T) {
	orch, store, state := newTestOrchestrator(t, map[string][]byte{"a.go": []byte("package a")})
	ctx := context.Background()

	_, err := orch.ProcessBatch(ctx, "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "a.go", ChangeType: changequeue.Created, ProjectID: "p1"},
	}})
	require.NoError(t, err)

	result, err := orch.ProcessBatch(ctx, "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "a.go", ChangeType: changequeue.Deleted, ProjectID: "p1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesDeleted)

	_, ok := store.Get("Scope", "uuid-a.go")
	assert.False(t, ok)
	_, ok = state.Get("p1", "uuid-a.go")
	assert.False(t, ok)
}

func TestProcessBatch_ReparseRestoresMatchingEmbeddingAndSkipsReembed(t *testing.T) {
	orch, _, state := newTestOrchestrator(t, map[string][]byte{"a.go": []byte("package a")})
	ctx := context.Background()

	_, err := orch.ProcessBatch(ctx, "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "a.go", ChangeType: changequeue.Created, ProjectID: "p1"},
	}})
	require.NoError(t, err)

	before, ok := state.Get("p1", "uuid-a.go")
	require.True(t, ok)
	beforeVector := before.Embeddings["content"]
	require.NotEmpty(t, beforeVector)

	result, err := orch.ProcessBatch(ctx, "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "a.go", ChangeType: changequeue.Updated, ProjectID: "p1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.EmbeddingsGenerated, "unchanged content should restore rather than re-embed")

	after, ok := state.Get("p1", "uuid-a.go")
	require.True(t, ok)
	assert.Equal(t, beforeVector, after.Embeddings["content"])
	assert.False(t, after.EmbeddingsDirty)
}

// dualFS is a single in-memory fixture that serves both the
// orchestrator's FileReader and the linker's FileResolver off the same
// backing map, so a file "appearing" is visible to both sides exactly
// as it would be with a shared resolve.FS rooted at a real directory.
type dualFS struct {
	content map[string][]byte
}

func (f *dualFS) ReadFile(path string) ([]byte, error) {
	src, ok := f.content[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return src, nil
}

func (f *dualFS) Exists(path string) bool {
	_, ok := f.content[path]
	return ok
}

// importingParser emits a local import reference from "a.go" to "./b"
// for the linker to resolve, and a plain Scope node for anything else.
type importingParser struct{}

func (importingParser) Name() string                      { return "importing-test-parser" }
func (importingParser) SchemaVersion() string              { return "v1" }
func (importingParser) SupportedExtensions() []string      { return []string{"go"} }
func (importingParser) NodeTypes() []dispatch.NodeTypeSpec { return nil }

func (importingParser) Parse(_ context.Context, input dispatch.ParseInput) (*graph.ParseOutput, error) {
	uuid := "uuid-" + input.Path
	out := &graph.ParseOutput{
		Nodes: []graph.Node{
			{
				UUID: uuid,
				Kind: graph.EntityScope,
				Coord: graph.Coordinate{
					Kind: graph.EntityScope, Path: input.Path, Signature: input.Path,
				},
				Properties: map[string]any{"name": input.Path, "content": string(input.Source)},
			},
		},
	}
	if input.Path == "a.go" {
		out.Metadata = map[string]any{
			"references": []linker.Reference{
				{Kind: linker.RefImport, RawPath: "./b", Symbols: []string{"B"}, FromFile: "a.go", Line: 1},
			},
		}
	}
	return out, nil
}

// TestProcessBatch_ResolvesPendingImportOnceTargetAppears exercises
// resolve_pending end to end: a.go references "./b" before b.go exists,
// parking a PENDING_IMPORT; once a later batch ingests b.go, the
// orchestrator's post-batch scan must materialize the CONSUMES edge and
// drop the placeholder without anything re-calling ResolvePending by
// hand.
func TestProcessBatch_ResolvesPendingImportOnceTargetAppears(t *testing.T) {
	fs := &dualFS{content: map[string][]byte{"a.go": []byte("package a")}}
	store := graphstore.NewMemoryStore()
	state := statestore.NewInMemoryStore()
	registry := dispatch.NewRegistry()
	registry.Register(importingParser{})

	lk := linker.New(fs, resolve.ScopeLookup{State: state, Project: "p1"}, nil, []string{".go"})
	projectLock := lock.New()
	embedder := embed.New(state, projectLock, embedproviders.NewMock(8), "mock", "mock-v1", nil)

	orch := New(Config{
		Store: store, State: state, Registry: registry, Linker: lk, Embedder: embedder,
		ProjectLock: projectLock, Files: fs,
		ProjectRoot: "", ProviderName: "mock", ModelName: "mock-v1",
	})

	ctx := context.Background()
	_, err := orch.ProcessBatch(ctx, "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "a.go", ChangeType: changequeue.Created, ProjectID: "p1"},
	}})
	require.NoError(t, err)

	pending, err := store.RowsByProp(ctx, "Edge", "kind", string(graph.RelPendingImport))
	require.NoError(t, err)
	require.Len(t, pending, 1, "b.go does not exist yet; the import must park")

	fs.content["b.go"] = []byte("package b")
	_, err = orch.ProcessBatch(ctx, "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "b.go", ChangeType: changequeue.Created, ProjectID: "p1"},
	}})
	require.NoError(t, err)

	pending, err = store.RowsByProp(ctx, "Edge", "kind", string(graph.RelPendingImport))
	require.NoError(t, err)
	assert.Empty(t, pending, "resolved import must drop its placeholder")

	consumes, err := store.RowsByProp(ctx, "Edge", "kind", string(graph.RelConsumes))
	require.NoError(t, err)
	require.Len(t, consumes, 1)
	assert.Equal(t, "uuid-a.go", consumes[0].Props["from"])
	assert.Equal(t, "uuid-b.go", consumes[0].Props["to"])
}

func TestProcessBatch_UnreadableFileMarksFailureWithoutAbortingBatch(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, map[string][]byte{"a.go": []byte("package a")})

	result, err := orch.ProcessBatch(context.Background(), "p1", changequeue.Batch{ProjectID: "p1", Events: []changequeue.Event{
		{Path: "missing.go", ChangeType: changequeue.Created, ProjectID: "p1"},
		{Path: "a.go", ChangeType: changequeue.Created, ProjectID: "p1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesParsed)
	assert.Equal(t, 1, result.Errors)
}

func TestPool_BoundsConcurrentRuns(t *testing.T) {
	pool := NewPool(1)
	started := make(chan struct{})
	release := make(chan struct{})
	secondEntered := make(chan struct{})

	go func() {
		_ = pool.Run(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	go func() {
		_ = pool.Run(context.Background(), func() error {
			close(secondEntered)
			return nil
		})
	}()

	select {
	case <-secondEntered:
		t.Fatal("second Run should not proceed while the pool is full")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-secondEntered
}
