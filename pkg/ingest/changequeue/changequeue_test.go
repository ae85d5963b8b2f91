// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package changequeue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_CollapsesRepeatedPath(t *testing.T) {
	var mu sync.Mutex
	var batches []Batch
	q := New("p1", func(b Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	}, WithBatchInterval(20*time.Millisecond))

	q.Submit(Event{Path: "a.go", ChangeType: Created})
	q.Submit(Event{Path: "a.go", ChangeType: Updated})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches[0].Events, 1)
	assert.Equal(t, Updated, batches[0].Events[0].ChangeType, "later change_type must win")
}

func TestSubmit_DeleteAbsorbsPriorChange(t *testing.T) {
	var mu sync.Mutex
	var batches []Batch
	q := New("p1", func(b Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	}, WithBatchInterval(20*time.Millisecond))

	q.Submit(Event{Path: "a.go", ChangeType: Updated})
	q.Submit(Event{Path: "a.go", ChangeType: Deleted})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Deleted, batches[0].Events[0].ChangeType)
}

func TestSubmit_FlushesImmediatelyAtMaxBatchSize(t *testing.T) {
	var mu sync.Mutex
	flushed := make(chan Batch, 1)
	q := New("p1", func(b Batch) {
		mu.Lock()
		defer mu.Unlock()
		flushed <- b
	}, WithBatchInterval(time.Hour), WithMaxBatchSize(2))

	q.Submit(Event{Path: "a.go", ChangeType: Created})
	q.Submit(Event{Path: "b.go", ChangeType: Created})

	select {
	case b := <-flushed:
		assert.Len(t, b.Events, 2)
	case <-time.After(time.Second):
		t.Fatal("expected immediate flush at max batch size")
	}
}

func TestDone_PromotesQueuedBatchAfterInFlightCompletes(t *testing.T) {
	var mu sync.Mutex
	var batches []Batch
	var q *Queue
	q = New("p1", func(b Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
		// Simulate the orchestrator still processing: new events must
		// land in the queued set, not the in-flight batch.
	}, WithBatchInterval(5*time.Millisecond))

	q.Submit(Event{Path: "a.go", ChangeType: Created})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 2*time.Millisecond)

	q.Submit(Event{Path: "b.go", ChangeType: Created})
	q.Done()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 2
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "b.go", batches[1].Events[0].Path)
}
