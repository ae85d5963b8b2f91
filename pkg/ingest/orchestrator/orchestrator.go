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

// Package orchestrator drives one project's change batches through
// capture, parse, upsert, link, embedding-restore and embed, under the
// project's mutual-exclusion lock. It generalizes a prior LocalPipeline's
// five-step run (load, parse, resolve, embed, write) into an
// eight-step per-batch algorithm that also handles deletion and
// incremental re-parse, since a one-shot full-repo pipeline never had to
// reconcile a file against what it previously emitted.
//
// A caller wires one Orchestrator per project and feeds it batches from
// a changequeue.Queue:
//
//	queue := changequeue.New(projectID, func(batch changequeue.Batch) {
//	    defer queue.Done()
//	    pool.Run(ctx, func() error {
//	        _, err := orch.ProcessBatch(ctx, projectID, batch)
//	        return err
//	    })
//	})
//
// Pool bounds how many projects' batches run concurrently across the
// whole process; Lock (held for the duration of ProcessBatch) bounds a
// single project to one in-flight batch at a time.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/pkg/graphstore"
	"github.com/kraklabs/cie-ingest/pkg/ingest/changequeue"
	"github.com/kraklabs/cie-ingest/pkg/ingest/dispatch"
	"github.com/kraklabs/cie-ingest/pkg/ingest/embed"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/linker"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
	"github.com/kraklabs/cie-ingest/pkg/ingest/preserve"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// FileReader reads a project file's current bytes for parsing. An
// interface so tests drive the orchestrator against an in-memory fixture
// rather than a real filesystem.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// EventKind names one lifecycle event a batch run emits.
type EventKind string

const (
	EventStart    EventKind = "ingestion:start"
	EventComplete EventKind = "ingestion:complete"
	EventError    EventKind = "ingestion:error"
)

// Event is what Observer receives at each lifecycle point of a batch run.
type Event struct {
	Kind        EventKind
	ProjectID   string
	Batch       changequeue.Batch
	Result      *BatchResult
	Err         error
	FailedPaths []string
}

// Observer receives lifecycle events. Called synchronously on the
// orchestrator's own goroutine; a slow observer delays batch completion.
type Observer func(Event)

// BatchResult aggregates what one ProcessBatch call did, the
// batch-completion payload spec'd for ingestion:complete.
type BatchResult struct {
	FilesParsed         int
	FilesDeleted        int
	NodesUpserted       int
	EdgesLinked         int
	EmbeddingsGenerated int
	Errors              int
	DurationMs          int64
}

// Orchestrator is the Ingestion Orchestrator for one project.
type Orchestrator struct {
	store     graphstore.Store
	state     statestore.Store
	registry  *dispatch.Registry
	linker    *linker.Linker
	embedder  *embed.Coordinator
	prjLock   *lock.Lock
	files     FileReader
	observer  Observer
	extractor embed.FieldExtractor

	projectRoot  string
	holderID     string
	lockTimeout  time.Duration
	providerName string
	modelName    string

	logger *slog.Logger
}

// Config bundles an Orchestrator's dependencies and fixed settings.
type Config struct {
	Store        graphstore.Store
	State        statestore.Store
	Registry     *dispatch.Registry
	Linker       *linker.Linker
	Embedder     *embed.Coordinator
	ProjectLock  *lock.Lock
	Files        FileReader
	Observer     Observer
	ProjectRoot  string
	ProviderName string
	ModelName    string
	LockTimeout  time.Duration
	Logger       *slog.Logger
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	observer := cfg.Observer
	if observer == nil {
		observer = func(Event) {}
	}
	return &Orchestrator{
		store:        cfg.Store,
		state:        cfg.State,
		registry:     cfg.Registry,
		linker:       cfg.Linker,
		embedder:     cfg.Embedder,
		prjLock:      cfg.ProjectLock,
		files:        cfg.Files,
		observer:     observer,
		extractor:    embed.DefaultFieldExtractor(),
		projectRoot:  cfg.ProjectRoot,
		holderID:     "orchestrator",
		lockTimeout:  timeout,
		providerName: cfg.ProviderName,
		modelName:    cfg.ModelName,
		logger:       logger,
	}
}

// SetFieldExtractor overrides the default Properties-based field
// extractor used to hash fields for the embedding-restore decision.
func (o *Orchestrator) SetFieldExtractor(e embed.FieldExtractor) { o.extractor = e }

// ProcessBatch runs the eight-step per-batch algorithm for one change
// batch belonging to project: acquire the lock, emit ingestion:start,
// capture+parse or cascade-delete each file, upsert and transition to
// parsed, link and transition to linked, restore preserved embeddings,
// embed the batch, release the lock and emit ingestion:complete or
// ingestion:error.
func (o *Orchestrator) ProcessBatch(ctx context.Context, project string, batch changequeue.Batch) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}

	tok, err := o.prjLock.Acquire(ctx, o.holderID, "ingest_batch:"+project, o.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer o.prjLock.Release(tok)

	o.observer(Event{Kind: EventStart, ProjectID: project, Batch: batch})

	var (
		parsedUUIDs    []string
		allRefs        []linker.Reference
		snapshots      = make(map[string]*preserve.Snapshot) // path -> pre-reparse snapshot
		newFieldHashes = make(map[string]map[string]string)  // uuid -> field -> hash
		failedPaths    []string
	)

	for _, ev := range batch.Events {
		select {
		case <-ctx.Done():
			result.DurationMs = time.Since(start).Milliseconds()
			return result, ctx.Err()
		default:
		}

		if ev.ChangeType == changequeue.Deleted {
			n, err := o.deleteFile(ctx, project, ev.Path)
			if err != nil {
				o.logger.Error("orchestrator.delete_failed", "path", ev.Path, "error", err)
				failedPaths = append(failedPaths, ev.Path)
				continue
			}
			result.FilesDeleted += n
			continue
		}

		existing, err := o.state.NodesForPath(project, ev.Path)
		if err != nil {
			o.logger.Error("orchestrator.lookup_existing_failed", "path", ev.Path, "error", err)
			failedPaths = append(failedPaths, ev.Path)
			continue
		}
		snap := preserve.Capture(liveNodesFromGraph(existing))
		snapshots[ev.Path] = snap

		src, err := o.files.ReadFile(ev.Path)
		if err != nil {
			o.markParseError(project, existing, err)
			failedPaths = append(failedPaths, ev.Path)
			continue
		}

		out, err := o.registry.Dispatch(ctx, dispatch.ParseInput{
			Path: ev.Path, Source: src, Project: project, ReusePlan: snap.ReusePlan(),
		})
		if err != nil {
			o.markParseError(project, existing, err)
			failedPaths = append(failedPaths, ev.Path)
			continue
		}

		now := time.Now()
		for _, node := range out.Nodes {
			node.ProjectID = project
			node.State = graph.StateParsed
			node.StateChangedAt = now
			node.ParsedAt = now

			if err := o.store.Upsert(ctx, string(node.Kind), node.UUID, nodeProps(node)); err != nil {
				o.logger.Error("orchestrator.graph_upsert_failed", "uuid", node.UUID, "error", err)
				continue
			}
			if err := o.state.Upsert(project, node); err != nil {
				o.logger.Error("orchestrator.state_upsert_failed", "uuid", node.UUID, "error", err)
				continue
			}

			parsedUUIDs = append(parsedUUIDs, node.UUID)
			result.NodesUpserted++
			newFieldHashes[node.UUID] = hashFields(o.extractor, node)
		}

		if err := o.upsertEdges(ctx, out.Edges); err != nil {
			o.logger.Warn("orchestrator.edge_upsert_failed", "path", ev.Path, "error", err)
		}
		for _, w := range out.Warnings {
			o.logger.Warn("orchestrator.parse_warning", "path", ev.Path, "warning", w)
		}

		allRefs = append(allRefs, referencesFromMetadata(out.Metadata)...)
		result.FilesParsed++
	}

	if len(parsedUUIDs) > 0 {
		linkRes := o.linker.Link(o.projectRoot, allRefs)
		if err := o.upsertEdges(ctx, linkRes.Edges); err != nil {
			o.logger.Warn("orchestrator.link_edge_upsert_failed", "error", err)
		}
		if err := o.upsertEdges(ctx, linkRes.PendingEdges); err != nil {
			o.logger.Warn("orchestrator.pending_edge_upsert_failed", "error", err)
		}
		for _, w := range linkRes.Warnings {
			o.logger.Warn("orchestrator.link_warning", "warning", w)
		}
		result.EdgesLinked = len(linkRes.Edges)

		if err := o.state.Transition(project, statestore.TransitionRequest{UUIDs: parsedUUIDs, NewState: graph.StateLinked}); err != nil {
			o.logger.Warn("orchestrator.transition_to_linked_partial", "error", err)
		}

		o.restoreEmbeddings(project, parsedUUIDs, snapshots, newFieldHashes)

		embedResult, err := o.embedder.EmbedFiles(ctx, project, parsedUUIDs, embed.Options{
			AlreadyHeld: true, HolderID: o.holderID, Provider: o.providerName, Model: o.modelName,
		})
		if err != nil {
			result.DurationMs = time.Since(start).Milliseconds()
			o.observer(Event{Kind: EventError, ProjectID: project, Batch: batch, Result: result, Err: err, FailedPaths: failedPaths})
			return result, err
		}
		result.EmbeddingsGenerated = embedResult.EmbeddingsGenerated
		result.Errors += embedResult.Errors
	}

	o.resolvePendingImports(ctx)

	result.Errors += len(failedPaths)
	result.DurationMs = time.Since(start).Milliseconds()

	if len(failedPaths) > 0 {
		batchErr := errors.NewParseError(
			"one or more files failed during ingestion",
			fmt.Sprintf("%d file(s) could not be read or parsed", len(failedPaths)),
			"inspect the affected files; they remain queued in an error state for retry",
			nil,
		)
		o.observer(Event{Kind: EventError, ProjectID: project, Batch: batch, Result: result, Err: batchErr, FailedPaths: failedPaths})
	} else {
		o.observer(Event{Kind: EventComplete, ProjectID: project, Batch: batch, Result: result})
	}

	return result, nil
}

// deleteFile removes every node owned by path from both the graph store
// and the state store, returning how many were removed.
func (o *Orchestrator) deleteFile(ctx context.Context, project, path string) (int, error) {
	deleted, err := o.store.DeleteCascade(ctx, path)
	if err != nil {
		return 0, err
	}
	if _, err := o.state.DeleteNodesForPath(project, path); err != nil {
		return len(deleted), err
	}
	return len(deleted), nil
}

// markParseError transitions every already-known node for a file to
// error(parse). A brand-new file with no prior nodes has nothing to
// transition; the failure is only reflected in the batch result.
func (o *Orchestrator) markParseError(project string, existing []graph.Node, cause error) {
	if len(existing) == 0 {
		return
	}
	uuids := make([]string, len(existing))
	for i, n := range existing {
		uuids[i] = n.UUID
	}
	perr := errors.NewParseError(
		"failed to read or parse file",
		cause.Error(),
		"fix the file's contents and it will be retried on the next batch",
		cause,
	)
	if err := o.state.Transition(project, statestore.TransitionRequest{
		UUIDs: uuids, NewState: graph.StateError, ErrorType: graph.ErrorParse, ErrorMessage: perr.Error(),
	}); err != nil {
		o.logger.Warn("orchestrator.transition_to_error_partial", "error", err)
	}
}

// restoreEmbeddings applies the Metadata Preserver's restore plan to
// every node parsed this batch: a field whose hash and provider/model
// still match keeps its vector; every other field is left absent so the
// embedding coordinator's per-field skip check in collectJobs re-embeds
// it. The parse step's state.Upsert (above) replaces the whole node
// record, so EmbeddingProvider/EmbeddingModel must be stamped back onto
// it here — this batch always runs under the orchestrator's active
// provider/model, whether or not any field was actually restored.
func (o *Orchestrator) restoreEmbeddings(project string, uuids []string, snapshots map[string]*preserve.Snapshot, newFieldHashes map[string]map[string]string) {
	for _, uuid := range uuids {
		node, ok := o.state.Get(project, uuid)
		if !ok {
			continue
		}
		snap, ok := snapshots[node.Coord.Path]
		if !ok {
			continue
		}

		decisions := snap.RestorePlan(uuid, newFieldHashes[uuid], o.providerName, o.modelName)
		if len(decisions) == 0 {
			continue
		}

		if node.Embeddings == nil {
			node.Embeddings = make(map[string][]float32)
		}
		if node.EmbeddingHashes == nil {
			node.EmbeddingHashes = make(map[string]string)
		}

		anyDirty := false
		for _, d := range decisions {
			if d.Restore {
				node.Embeddings[d.Field] = d.Vector
				node.EmbeddingHashes[d.Field] = d.Hash
				continue
			}
			anyDirty = true
		}
		node.EmbeddingProvider = o.providerName
		node.EmbeddingModel = o.modelName
		node.EmbeddingsDirty = anyDirty

		if err := o.state.Upsert(project, node); err != nil {
			o.logger.Warn("orchestrator.restore_upsert_failed", "uuid", uuid, "error", err)
		}
	}
}

// resolvePendingImports scans every PENDING_IMPORT edge parked by a
// prior or current batch and asks the linker to re-resolve it against
// current filesystem and graph state: a target that has since appeared
// is materialized into a CONSUMES edge, stamped resolved_at, and its
// placeholder is deleted. A pending edge whose target still doesn't
// exist is left parked for the next batch.
func (o *Orchestrator) resolvePendingImports(ctx context.Context) {
	rows, err := o.store.RowsByProp(ctx, "Edge", "kind", string(graph.RelPendingImport))
	if err != nil {
		o.logger.Warn("orchestrator.pending_scan_failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	pending := make([]graph.Edge, 0, len(rows))
	for _, row := range rows {
		pending = append(pending, edgeFromProps(row.Props))
	}

	materialize, resolved := o.linker.ResolvePending(pending)
	if len(materialize) == 0 {
		return
	}

	now := time.Now()
	for i := range materialize {
		materialize[i].ResolvedAt = now
	}
	if err := o.upsertEdges(ctx, materialize); err != nil {
		o.logger.Warn("orchestrator.resolve_pending_materialize_failed", "error", err)
		return
	}

	for _, edge := range resolved {
		if err := o.store.DeleteRow(ctx, "Edge", edgeKey(edge)); err != nil {
			o.logger.Warn("orchestrator.resolve_pending_delete_failed", "error", err)
		}
	}
}

// edgeFromProps reconstructs a graph.Edge from the flattened property
// bag upsertEdges stores it under. Tolerant of the shapes both a live
// MemoryStore (native Go types) and a snapshot reloaded from JSON
// (float64, []any) produce for the same props map.
func edgeFromProps(props map[string]any) graph.Edge {
	e := graph.Edge{Kind: graph.RelPendingImport}
	if v, ok := props["from"].(string); ok {
		e.From = v
	}
	if v, ok := props["to"].(string); ok {
		e.To = v
	}
	if v, ok := props["import_path"].(string); ok {
		e.ImportPath = v
	}
	switch v := props["line"].(type) {
	case int:
		e.Line = v
	case float64:
		e.Line = int(v)
	}
	switch v := props["symbols"].(type) {
	case []string:
		e.Symbols = v
	case []any:
		symbols := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				symbols = append(symbols, str)
			}
		}
		e.Symbols = symbols
	}
	return e
}

// upsertEdges records each edge under a synthetic "Edge" label, keyed by
// (from, to, kind) so repeated upserts of the same edge collapse rather
// than accumulate. The reference graph store has no native edge
// storage of its own; this is the same shape a Datalog-backed Store
// would project a relation into.
func (o *Orchestrator) upsertEdges(ctx context.Context, edges []graph.Edge) error {
	for _, e := range edges {
		key := edgeKey(e)
		props := map[string]any{
			"from": e.From, "to": e.To, "kind": string(e.Kind),
			"symbols": e.Symbols, "line": e.Line, "import_path": e.ImportPath,
		}
		if err := o.store.Upsert(ctx, "Edge", key, props); err != nil {
			return err
		}
	}
	return nil
}

func edgeKey(e graph.Edge) string {
	return e.From + "->" + e.To + "->" + string(e.Kind)
}

// nodeProps flattens a node's coordinate and identity fields alongside
// its free-form Properties for storage under the graph store's
// (label, key) -> props shape.
func nodeProps(node graph.Node) map[string]any {
	props := map[string]any{
		"path":           node.Coord.Path,
		"schema_version": node.SchemaVersion,
		"parser":         node.ParserName,
		"content_hash":   node.ContentHash,
	}
	for k, v := range node.Properties {
		props[k] = v
	}
	return props
}

// liveNodesFromGraph adapts statestore records into the Metadata
// Preserver's capture input.
func liveNodesFromGraph(nodes []graph.Node) []preserve.LiveNode {
	out := make([]preserve.LiveNode, len(nodes))
	for i, n := range nodes {
		out[i] = preserve.LiveNode{
			UUID:              n.UUID,
			Label:             string(n.Kind),
			Coord:             n.Coord,
			ContentHash:       n.ContentHash,
			EmbeddingHashes:   n.EmbeddingHashes,
			Embeddings:        n.Embeddings,
			EmbeddingProvider: n.EmbeddingProvider,
			EmbeddingModel:    n.EmbeddingModel,
		}
	}
	return out
}

// hashFields computes the Metadata Preserver's comparison hash for
// every field a freshly-parsed node would embed.
func hashFields(extractor embed.FieldExtractor, node graph.Node) map[string]string {
	fields := extractor.Fields(node)
	hashes := make(map[string]string, len(fields))
	for field, text := range fields {
		hashes[field] = embed.FieldHash(text)
	}
	return hashes
}

// referencesFromMetadata pulls the reference list a parser plugin
// attaches to ParseOutput.Metadata under "references", for plugins that
// emit references the linker resolves rather than resolving them
// inline into ParseOutput.Edges.
func referencesFromMetadata(md map[string]any) []linker.Reference {
	refs, _ := md["references"].([]linker.Reference)
	return refs
}

// Pool bounds how many projects' batches may run concurrently across
// the whole process, the global cross-project concurrency cap
// alongside each project's own single-in-flight-batch lock.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool allowing up to maxConcurrentProjects batches to
// run at once; maxConcurrentProjects <= 0 defaults to 4.
func NewPool(maxConcurrentProjects int) *Pool {
	if maxConcurrentProjects <= 0 {
		maxConcurrentProjects = 4
	}
	return &Pool{sem: semaphore.NewWeighted(int64(maxConcurrentProjects))}
}

// Run blocks until a slot is free (or ctx is done), then calls fn.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
