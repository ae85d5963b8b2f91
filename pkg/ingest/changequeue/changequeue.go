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

// Package changequeue debounces and batches file-change events into
// per-project batches. It generalizes a prior pull-based
// DeltaDetector/GitDelta collapse semantics ("same path submitted
// twice collapses to one entry, later change wins, deleted absorbs")
// into a push-based debounced batcher, in the idiom of this codebase's
// goroutine/channel worker pools.
package changequeue

import (
	"sync"
	"time"
)

// ChangeType is the kind of filesystem event observed for a path.
type ChangeType int

const (
	Created ChangeType = iota
	Updated
	Deleted
)

// Event is one incoming file-change notification.
type Event struct {
	Path       string
	ChangeType ChangeType
	ProjectID  string
}

// Batch is the flushed contents of one debounce window.
type Batch struct {
	ProjectID string
	Events    []Event
}

const (
	DefaultBatchInterval = time.Second
	DefaultMaxBatchSize  = 100
)

// Queue is a per-project debounced batcher. The zero value is not
// usable; construct with New.
type Queue struct {
	projectID    string
	batchInterval time.Duration
	maxBatchSize  int
	onBatch       func(Batch)

	mu      sync.Mutex
	pending map[string]Event // path -> latest event, collapsed
	order   []string          // insertion order of paths in pending, for stable batch ordering
	timer   *time.Timer

	queuedPending map[string]Event
	queuedOrder   []string
	inFlight      bool
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithBatchInterval overrides the default 1s debounce window.
func WithBatchInterval(d time.Duration) Option { return func(q *Queue) { q.batchInterval = d } }

// WithMaxBatchSize overrides the default 100-event flush threshold.
func WithMaxBatchSize(n int) Option { return func(q *Queue) { q.maxBatchSize = n } }

// New creates a Queue for one project. onBatch is invoked (on its own
// goroutine) whenever a window closes or the pending set hits
// max_batch_size; the caller must call Done when finished processing a
// batch so the queued batch, if any, can be promoted.
func New(projectID string, onBatch func(Batch), opts ...Option) *Queue {
	q := &Queue{
		projectID:     projectID,
		batchInterval: DefaultBatchInterval,
		maxBatchSize:  DefaultMaxBatchSize,
		onBatch:       onBatch,
		pending:       make(map[string]Event),
		queuedPending: make(map[string]Event),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues one event. Collapses with any prior event for the
// same path still in the current window: a later change_type wins,
// except that Deleted always absorbs whatever came before it.
func (q *Queue) Submit(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight {
		q.collapse(q.queuedPending, &q.queuedOrder, ev)
		return
	}

	q.collapse(q.pending, &q.order, ev)

	if len(q.pending) >= q.maxBatchSize {
		q.flushLocked()
		return
	}

	if q.timer == nil {
		q.timer = time.AfterFunc(q.batchInterval, q.onTimerFire)
	}
}

func (q *Queue) collapse(set map[string]Event, order *[]string, ev Event) {
	if _, exists := set[ev.Path]; !exists {
		*order = append(*order, ev.Path)
	}
	set[ev.Path] = ev
}

func (q *Queue) onTimerFire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

// flushLocked must be called with q.mu held. It snapshots the pending
// set into a Batch, marks in-flight, and invokes onBatch asynchronously
// so Submit never blocks on the orchestrator's processing.
func (q *Queue) flushLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.pending) == 0 {
		return
	}

	events := make([]Event, 0, len(q.pending))
	for _, path := range q.order {
		events = append(events, q.pending[path])
	}
	batch := Batch{ProjectID: q.projectID, Events: events}

	q.pending = make(map[string]Event)
	q.order = nil
	q.inFlight = true

	go q.onBatch(batch)
}

// Done signals that the orchestrator has finished processing the most
// recently emitted batch. If events accumulated in the queued set while
// that batch was in flight, they are promoted to pending and a new
// window starts immediately (or flushes immediately if already at
// max_batch_size).
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight = false
	if len(q.queuedPending) == 0 {
		return
	}

	q.pending = q.queuedPending
	q.order = q.queuedOrder
	q.queuedPending = make(map[string]Event)
	q.queuedOrder = nil

	if len(q.pending) >= q.maxBatchSize {
		q.flushLocked()
		return
	}
	q.timer = time.AfterFunc(q.batchInterval, q.onTimerFire)
}

// Stop cancels any pending debounce timer without flushing.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
