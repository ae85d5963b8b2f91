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

// Package embed drives nodes from linked through embedding to embedded,
// calling an embedding provider in bounded-concurrency batches. A field
// already carrying a vector from pkg/ingest/preserve's restore plan (same
// provider, same model, same content hash) is skipped rather than
// re-embedded. It generalizes a prior EmbeddingGenerator (worker-pool
// concurrency, classified retry with jittered backoff) from a single
// fixed field ("code_text") per function/type entity to an arbitrary set
// of named fields per node, since a heterogeneous node set (code scopes,
// markdown sections, documents) does not share one text shape.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/pkg/embedproviders"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/lock"
	"github.com/kraklabs/cie-ingest/pkg/ingest/statestore"
)

// maxFieldChars truncates any embeddable field's text before it reaches
// the provider, mirroring the prior generator's 2000-char conservative
// limit for code text (embedding models tokenize code poorly).
const maxFieldChars = 2000

// defaultConcurrentBatches and defaultBatchSize implement "default 5
// concurrent batches, batch-of-100 texts per call": each batch is up to
// 100 (node, field) jobs, and up to 5 batches run concurrently.
const (
	defaultConcurrentBatches = 5
	defaultBatchSize         = 100
)

// RetryConfig controls the classified-retry-with-jittered-backoff loop
// around each provider call.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.Multiplier <= 1.0 {
		c.Multiplier = 2.0
	}
	return c
}

// FieldExtractor returns the text to embed for each configured field of
// a node, keyed by field name ("name", "content", "description", ...).
// A node kind that carries none of these fields returns an empty map.
type FieldExtractor interface {
	Fields(node graph.Node) map[string]string
}

// PropertyFieldExtractor pulls embeddable text directly out of a node's
// Properties map, one entry per configured field name.
type PropertyFieldExtractor struct {
	FieldNames []string
}

// DefaultFieldExtractor embeds "name", "content" and "description" when
// present and non-empty, the three fields spec'd for per-field hashing.
func DefaultFieldExtractor() *PropertyFieldExtractor {
	return &PropertyFieldExtractor{FieldNames: []string{"name", "content", "description"}}
}

func (e *PropertyFieldExtractor) Fields(node graph.Node) map[string]string {
	out := make(map[string]string)
	for _, field := range e.FieldNames {
		raw, ok := node.Properties[field]
		if !ok {
			continue
		}
		text, ok := raw.(string)
		if !ok || text == "" {
			continue
		}
		out[field] = text
	}
	return out
}

// Options configures a single embed_project/embed_files/retry_failed
// call.
type Options struct {
	HolderID          string // lock holder identity; reentrant if caller already holds the lock
	AlreadyHeld       bool   // true if the caller already holds the project lock
	Provider          string // embedding provider name; defaults to the coordinator's configured name
	Model             string
	ConcurrentBatches int
	BatchSize         int
}

// Result is the shared response shape for embed_project, embed_files and
// retry_failed.
type Result struct {
	FilesProcessed      int
	EmbeddingsGenerated int
	Errors              int
	Skipped             int
	ByType              map[graph.EntityKind]int
	DurationMs          int64
}

// NeedsEmbedding answers "is there anything to do", without doing it.
type NeedsEmbedding struct {
	Needed      bool
	FileCount   int
	LinkedCount int
	DirtyCount  int
}

// Progress reports embedding completion for a project.
type Progress struct {
	Total     int
	Embedded  int
	Linked    int
	Embedding int
	Error     int
	Percent   float64
}

// Coordinator is the Embedding Coordinator: Store for state, Lock for
// mutual exclusion with query traffic, Provider for vector generation,
// FieldExtractor for pulling embeddable text out of a node.
type Coordinator struct {
	store       statestore.Store
	projectLock *lock.Lock
	provider    embedproviders.Provider
	extractor   FieldExtractor
	retry       RetryConfig
	logger      *slog.Logger

	providerName string
	modelName    string
}

// New constructs a Coordinator. providerName/modelName are recorded onto
// every embedded node so a later re-parse can tell whether a captured
// vector's provenance still matches the active configuration.
func New(store statestore.Store, projectLock *lock.Lock, provider embedproviders.Provider, providerName, modelName string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:        store,
		projectLock:  projectLock,
		provider:     provider,
		extractor:    DefaultFieldExtractor(),
		retry:        RetryConfig{}.withDefaults(),
		logger:       logger,
		providerName: providerName,
		modelName:    modelName,
	}
}

// SetFieldExtractor overrides the default Properties-based extractor.
func (c *Coordinator) SetFieldExtractor(e FieldExtractor) { c.extractor = e }

// SetRetryConfig overrides the default retry policy.
func (c *Coordinator) SetRetryConfig(cfg RetryConfig) { c.retry = cfg.withDefaults() }

// EmbedProject embeds every file in StateLinked plus any node flagged
// EmbeddingsDirty, for project.
func (c *Coordinator) EmbedProject(ctx context.Context, project string, opts Options) (*Result, error) {
	linked, err := c.store.FilesInState(project, graph.StateLinked)
	if err != nil {
		return nil, err
	}
	dirty, err := c.store.DirtyNodes(project)
	if err != nil {
		return nil, err
	}
	uuids := mergeUnique(linked, dirty)
	return c.EmbedFiles(ctx, project, uuids, opts)
}

// EmbedFiles embeds the given UUIDs for project, transitioning them
// linked → embedding → embedded (or error(embed) on a failed field).
func (c *Coordinator) EmbedFiles(ctx context.Context, project string, uuids []string, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{ByType: make(map[graph.EntityKind]int)}
	if len(uuids) == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	if !opts.AlreadyHeld {
		tok, err := c.projectLock.Acquire(ctx, holderID(opts), "embed_files", 30*time.Second)
		if err != nil {
			return nil, err
		}
		defer c.projectLock.Release(tok)
	}

	if err := c.store.Transition(project, statestore.TransitionRequest{UUIDs: uuids, NewState: graph.StateEmbedding}); err != nil {
		c.logger.Warn("embed.transition_to_embedding_partial", "project", project, "error", err)
	}

	providerName := opts.Provider
	if providerName == "" {
		providerName = c.providerName
	}
	modelName := opts.Model
	if modelName == "" {
		modelName = c.modelName
	}

	concurrency := opts.ConcurrentBatches
	if concurrency <= 0 {
		concurrency = defaultConcurrentBatches
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	jobs := c.collectJobs(project, uuids, providerName, modelName, result)
	batches := chunkJobs(jobs, batchSize)

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, batch := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(batch []*embedJob) {
			defer sem.Release(1)
			defer wg.Done()
			c.runBatch(ctx, batch, result, &mu)
		}(batch)
	}
	wg.Wait()

	c.finalizeNodes(project, jobs, providerName, modelName, result)

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// embedJob is one field of one node awaiting a vector.
type embedJob struct {
	node     graph.Node
	field    string
	text     string
	restored bool
	vector   []float32
	failed   bool
}

// collectJobs reads each node, decides per field whether the Metadata
// Preserver already restored a valid vector, and otherwise queues the
// field's (possibly truncated) text for the provider.
func (c *Coordinator) collectJobs(project string, uuids []string, providerName, modelName string, result *Result) map[string][]*embedJob {
	byNode := make(map[string][]*embedJob, len(uuids))
	for _, id := range uuids {
		node, ok := c.store.Get(project, id)
		if !ok {
			result.Skipped++
			continue
		}
		result.ByType[node.Kind]++

		fields := c.extractor.Fields(node)
		var jobs []*embedJob
		for field, text := range fields {
			// Preservation is decided per field, not per node: the
			// orchestrator's restoreEmbeddings only populates
			// node.Embeddings[field] for a field whose content hash and
			// provider/model matched what preserve.Snapshot captured, so
			// a field's presence here is sufficient on its own. A node's
			// EmbeddingsDirty flag is node-level (used by DirtyNodes to
			// pick up the node for a pass at all) and must not veto an
			// individual field that was already confirmed unchanged.
			if existing, ok := node.Embeddings[field]; ok && len(existing) > 0 &&
				node.EmbeddingProvider == providerName && node.EmbeddingModel == modelName {
				jobs = append(jobs, &embedJob{node: node, field: field, restored: true, vector: existing})
				continue
			}

			truncated := text
			if len(truncated) > maxFieldChars {
				truncated = truncated[:maxFieldChars]
			}
			jobs = append(jobs, &embedJob{node: node, field: field, text: truncated})
		}
		byNode[id] = jobs
	}
	return byNode
}

// chunkJobs flattens every non-restored job across all nodes into
// batches of up to batchSize, preserving each job's pointer identity so
// runBatch's writes are visible back through byNode in finalizeNodes.
func chunkJobs(byNode map[string][]*embedJob, batchSize int) [][]*embedJob {
	var flat []*embedJob
	for _, jobs := range byNode {
		for _, j := range jobs {
			if j.restored {
				continue
			}
			flat = append(flat, j)
		}
	}

	var batches [][]*embedJob
	for i := 0; i < len(flat); i += batchSize {
		end := i + batchSize
		if end > len(flat) {
			end = len(flat)
		}
		batches = append(batches, flat[i:end])
	}
	return batches
}

// runBatch embeds every job in one batch, retrying transient provider
// errors with jittered exponential backoff, and records the outcome
// directly on each job so finalizeNodes can read it back.
func (c *Coordinator) runBatch(ctx context.Context, batch []*embedJob, result *Result, mu *sync.Mutex) {
	for _, job := range batch {
		vector, err := c.embedWithRetry(ctx, job.node.UUID, job.field, job.text)

		mu.Lock()
		if err != nil {
			result.Errors++
			c.logger.Error("embed.field_failed", "uuid", job.node.UUID, "field", job.field, "error", err)
		} else {
			result.EmbeddingsGenerated++
		}
		mu.Unlock()

		job.vector = vector
		job.failed = err != nil
	}
}

// embedWithRetry embeds one field's text, retrying retryable provider
// errors with full-jitter exponential backoff up to c.retry.MaxRetries.
func (c *Coordinator) embedWithRetry(ctx context.Context, uuid, field, text string) ([]float32, error) {
	var vector []float32
	var err error

	for attempt := 0; attempt < c.retry.MaxRetries; attempt++ {
		vector, err = c.provider.Embed(ctx, text)
		if err == nil {
			return vector, nil
		}
		if !isRetryable(err) || attempt == c.retry.MaxRetries-1 {
			break
		}
		sleep := backoffWithJitter(c.retry.InitialBackoff, attempt, c.retry.Multiplier, c.retry.MaxBackoff)
		c.logger.Warn("embed.retry", "uuid", uuid, "field", field, "attempt", attempt+1, "sleep_ms", sleep.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, err
}

// finalizeNodes re-reads each node's latest state, merges in every field
// vector produced this pass, and transitions the file to embedded or
// error(embed) depending on whether any of its fields failed.
func (c *Coordinator) finalizeNodes(project string, byNode map[string][]*embedJob, providerName, modelName string, result *Result) {
	var embedded, failed []string
	for uuid, jobs := range byNode {
		node, ok := c.store.Get(project, uuid)
		if !ok {
			continue
		}
		if node.Embeddings == nil {
			node.Embeddings = make(map[string][]float32)
		}
		if node.EmbeddingHashes == nil {
			node.EmbeddingHashes = make(map[string]string)
		}

		anyFailed := false
		for _, j := range jobs {
			if j.restored {
				node.Embeddings[j.field] = j.vector
				continue
			}
			if j.failed {
				anyFailed = true
				continue
			}
			node.Embeddings[j.field] = j.vector
			node.EmbeddingHashes[j.field] = contentHashOf(j.text)
		}
		node.EmbeddingProvider = providerName
		node.EmbeddingModel = modelName
		node.EmbeddingsDirty = false

		if err := c.store.Upsert(project, node); err != nil {
			c.logger.Error("embed.upsert_failed", "uuid", uuid, "error", err)
		}

		if anyFailed {
			failed = append(failed, uuid)
		} else {
			embedded = append(embedded, uuid)
		}
	}

	if len(embedded) > 0 {
		if err := c.store.Transition(project, statestore.TransitionRequest{UUIDs: embedded, NewState: graph.StateEmbedded}); err != nil {
			c.logger.Warn("embed.transition_to_embedded_partial", "project", project, "error", err)
		}
		result.FilesProcessed += len(embedded)
	}
	if len(failed) > 0 {
		embedErr := errors.NewEmbedError(
			"embedding failed for one or more fields",
			fmt.Sprintf("%d file(s) had at least one field that exhausted its retries", len(failed)),
			"inspect the provider's error log and retry with retry_failed once the underlying issue is resolved",
			nil,
		)
		if err := c.store.Transition(project, statestore.TransitionRequest{
			UUIDs: failed, NewState: graph.StateError, ErrorType: graph.ErrorEmbed, ErrorMessage: embedErr.Error(),
		}); err != nil {
			c.logger.Warn("embed.transition_to_error_partial", "project", project, "error", err)
		}
		result.FilesProcessed += len(failed)
	}
}

// RetryFailed moves every error-state file with retry_count < maxRetries
// directly back to linked, whatever its error type, then re-embeds them.
// A file that failed in parsing or relations is not re-parsed here.
func (c *Coordinator) RetryFailed(ctx context.Context, project string, maxRetries int, opts Options) (*Result, error) {
	retryable, err := c.store.RetryableFiles(project, maxRetries)
	if err != nil {
		return nil, err
	}
	if len(retryable) == 0 {
		return &Result{ByType: make(map[graph.EntityKind]int)}, nil
	}

	if err := c.store.Transition(project, statestore.TransitionRequest{UUIDs: retryable, NewState: graph.StateLinked}); err != nil {
		return nil, err
	}

	return c.EmbedFiles(ctx, project, retryable, opts)
}

// NeedsEmbedding reports whether project has any work for the embedding
// coordinator, without performing it.
func (c *Coordinator) NeedsEmbedding(project string) (*NeedsEmbedding, error) {
	linked, err := c.store.FilesInState(project, graph.StateLinked)
	if err != nil {
		return nil, err
	}
	dirty, err := c.store.DirtyNodes(project)
	if err != nil {
		return nil, err
	}
	stats, err := c.store.Stats(project)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range stats {
		total += n
	}

	merged := mergeUnique(linked, dirty)
	return &NeedsEmbedding{
		Needed:      len(merged) > 0,
		FileCount:   total,
		LinkedCount: len(linked),
		DirtyCount:  len(dirty),
	}, nil
}

// ProjectProgress reports embedding completion for project across all
// lifecycle states, not just the embedded/total ratio statestore.Progress
// exposes.
func (c *Coordinator) ProjectProgress(project string) (*Progress, error) {
	stats, err := c.store.Stats(project)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	embedded := stats[graph.StateEmbedded]

	var pct float64
	if total > 0 {
		pct = float64(embedded) / float64(total) * 100
	}

	return &Progress{
		Total:     total,
		Embedded:  embedded,
		Linked:    stats[graph.StateLinked],
		Embedding: stats[graph.StateEmbedding],
		Error:     stats[graph.StateError],
		Percent:   pct,
	}, nil
}

func holderID(opts Options) string {
	if opts.HolderID != "" {
		return opts.HolderID
	}
	return "embed-coordinator"
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// contentHashOf hashes the exact text handed to the provider, so a later
// re-parse can tell whether this field's source bytes changed.
func contentHashOf(text string) string {
	return FieldHash(text)
}

// FieldHash hashes one embeddable field's text using the same algorithm
// the coordinator stamps onto EmbeddingHashes after a successful embed.
// Exported so the orchestrator can compute a freshly-parsed field's hash
// in the same terms before asking the Metadata Preserver whether it
// still matches what was captured before re-parse.
func FieldHash(text string) string {
	return fmt.Sprintf("%x", fnv64a(text))
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// isRetryable classifies provider errors the same way a prior embedding
// generator did: network/timeout conditions and HTTP 429/5xx are
// retryable; anything else (4xx, auth, malformed request) is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "temporarily unavailable", "connection refused", "connection reset", "deadline exceeded", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{" 429", " 500", " 502", " 503", " 504"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// backoffWithJitter returns exponential backoff with full jitter:
// Uniform(0, min(cap, base*mult^attempt)).
func backoffWithJitter(base time.Duration, attempt int, mult float64, cap_ time.Duration) time.Duration {
	exp := float64(base)
	for i := 0; i < attempt; i++ {
		exp *= mult
	}
	d := time.Duration(exp)
	if d > cap_ {
		d = cap_
	}
	if d <= 0 {
		return base
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
