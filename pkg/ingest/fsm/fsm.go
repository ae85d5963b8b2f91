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

// Package fsm validates per-file state transitions. It is
// pure logic: persistence of the resulting state belongs to
// pkg/ingest/statestore.
package fsm

import (
	"fmt"

	"github.com/kraklabs/cie-ingest/internal/errors"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
)

// transitions enumerates every (from, to) pair the lifecycle allows,
// including the error retries (error -> parsing, error -> linked) but
// excluding the change-detected reset to discovered, which IsAllowed
// handles separately through resettableToDiscovered.
var transitions = map[graph.State]map[graph.State]bool{
	graph.StateMentioned:  {graph.StateDiscovered: true},
	graph.StateDiscovered: {graph.StateParsing: true},
	graph.StateParsing:    {graph.StateParsed: true, graph.StateError: true},
	graph.StateParsed:     {graph.StateRelations: true, graph.StateLinked: true},
	graph.StateRelations:  {graph.StateLinked: true, graph.StateError: true},
	graph.StateLinked:     {graph.StateEmbedding: true, graph.StateEmbedded: true},
	graph.StateEmbedding:  {graph.StateEmbedded: true, graph.StateError: true},
	graph.StateEmbedded:   {},
	graph.StateError:      {graph.StateParsing: true, graph.StateLinked: true},
}

// resettableToDiscovered is the set of states from which a detected file
// change may force a reset to "discovered", per the blanket rule in
// a detected file change.
var resettableToDiscovered = map[graph.State]bool{
	graph.StateParsed:    true,
	graph.StateRelations: true,
	graph.StateLinked:    true,
	graph.StateEmbedding: true,
	graph.StateEmbedded:  true,
	graph.StateError:     true,
}

// IsAllowed reports whether a transition from one state to another is
// legal: either the table above lists it (including error(*) retrying
// to parsing for a full re-parse, or directly to linked for an
// embed-only retry that skips re-parsing), or it is the change-detected
// reset, which forces any state listed in resettableToDiscovered back
// to discovered.
func IsAllowed(from, to graph.State) bool {
	if to == graph.StateDiscovered && resettableToDiscovered[from] {
		return true
	}
	if next, ok := transitions[from]; ok {
		return next[to]
	}
	return false
}

// Validate returns an *errors.UserError with kind InvalidTransition if
// the requested transition is not allowed, and nil otherwise.
func Validate(from, to graph.State) error {
	if IsAllowed(from, to) {
		return nil
	}
	return errors.NewInvalidTransitionError(
		fmt.Sprintf("invalid state transition: %s -> %s", from, to),
		"the requested transition is not present in the per-file state machine",
		"only transition via one of the allowed lifecycle paths, or reset the file to discovered",
	)
}
