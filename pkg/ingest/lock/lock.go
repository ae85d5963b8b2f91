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

// Package lock implements the per-project mutual-exclusion lock:
// exclusive, reentrant only via an identical holder_id, with a
// distinct error for timed-out acquisition rather than silent failure.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kraklabs/cie-ingest/internal/errors"
)

// Token is returned by Acquire and must be passed to Release.
type Token struct {
	holderID  string
	projectID string
}

// Status reports the lock's current occupancy.
type Status struct {
	IsLocked       bool
	OperationCount int
	Description    string
}

// Lock is a single named mutual-exclusion lock for one project. The zero
// value is not usable; construct with New.
//
// Reentrancy is scoped to identical holder_id: a second Acquire call from
// the same holder while it already holds the lock succeeds immediately
// and increments OperationCount; any other holder blocks or times out.
type Lock struct {
	mu sync.Mutex
	// cond is signalled whenever the lock is released, so waiters (both
	// Acquire and WaitForUnlock) can recheck locked.
	cond *sync.Cond

	locked         bool
	holderID       string
	operationCount int
	description    string
}

// New creates an unlocked Lock.
func New() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until the lock is free or held by holderID, or until
// timeout elapses, whichever comes first. A zero timeout means "try
// once, do not wait".
func (l *Lock) Acquire(ctx context.Context, holderID, description string, timeout time.Duration) (*Token, error) {
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	for l.locked && l.holderID != holderID {
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return nil, timeoutError(holderID)
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		waited := waitWithTimeout(l.cond, remaining)
		if !waited {
			return nil, timeoutError(holderID)
		}
	}

	l.locked = true
	l.holderID = holderID
	l.description = description
	l.operationCount++

	return &Token{holderID: holderID, projectID: description}, nil
}

// waitWithTimeout calls cond.Wait but gives up after d, returning false
// on timeout. cond.L must already be held by the caller.
func waitWithTimeout(cond *sync.Cond, d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
		close(done)
	})
	defer timer.Stop()

	cond.Wait()
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func timeoutError(holderID string) error {
	return errors.NewLockTimeoutError(
		"acquire exceeded timeout",
		fmt.Sprintf("holder %q could not acquire the project lock before its deadline", holderID),
		"retry later, or investigate whether the current lock holder is stuck",
		nil,
	)
}

// Release releases the lock. It is a no-op if tok is nil or the lock is
// already free.
func (l *Lock) Release(tok *Token) {
	if tok == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.locked || l.holderID != tok.holderID {
		return
	}
	l.locked = false
	l.holderID = ""
	l.description = ""
	l.cond.Broadcast()
}

// WaitForUnlock blocks until the lock is free or timeout elapses,
// returning whether it observed an unlocked state within the deadline.
func (l *Lock) WaitForUnlock(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	for l.locked {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if !waitWithTimeout(l.cond, remaining) {
			return !l.locked
		}
	}
	return true
}

// IsLocked reports whether the lock is currently held.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Status reports the current occupancy of the lock.
func (l *Lock) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		IsLocked:       l.locked,
		OperationCount: l.operationCount,
		Description:    l.description,
	}
}
