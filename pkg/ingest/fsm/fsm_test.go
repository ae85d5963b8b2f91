// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
)

func TestIsAllowed_HappyPath(t *testing.T) {
	cases := []struct {
		from, to graph.State
	}{
		{graph.StateMentioned, graph.StateDiscovered},
		{graph.StateDiscovered, graph.StateParsing},
		{graph.StateParsing, graph.StateParsed},
		{graph.StateParsing, graph.StateError},
		{graph.StateParsed, graph.StateRelations},
		{graph.StateParsed, graph.StateLinked},
		{graph.StateRelations, graph.StateLinked},
		{graph.StateRelations, graph.StateError},
		{graph.StateLinked, graph.StateEmbedding},
		{graph.StateLinked, graph.StateEmbedded},
		{graph.StateEmbedding, graph.StateEmbedded},
		{graph.StateEmbedding, graph.StateError},
		{graph.StateError, graph.StateParsing},
		{graph.StateError, graph.StateLinked},
	}

	for _, c := range cases {
		assert.True(t, IsAllowed(c.from, c.to), "%s -> %s should be allowed", c.from, c.to)
	}
}

func TestIsAllowed_ChangeDetectedResetsToDiscovered(t *testing.T) {
	for _, from := range []graph.State{
		graph.StateParsed, graph.StateRelations, graph.StateLinked,
		graph.StateEmbedding, graph.StateEmbedded, graph.StateError,
	} {
		assert.True(t, IsAllowed(from, graph.StateDiscovered), "%s -> discovered should be allowed", from)
	}
}

func TestIsAllowed_RejectsArbitraryJumps(t *testing.T) {
	cases := []struct {
		from, to graph.State
	}{
		{graph.StateDiscovered, graph.StateEmbedded},
		{graph.StateMentioned, graph.StateParsing},
		{graph.StateEmbedded, graph.StateEmbedding},
		{graph.StateParsed, graph.StateEmbedding},
		{graph.StateDiscovered, graph.StateLinked},
	}

	for _, c := range cases {
		assert.False(t, IsAllowed(c.from, c.to), "%s -> %s should be rejected", c.from, c.to)
	}
}

func TestValidate_ReturnsInvalidTransitionError(t *testing.T) {
	err := Validate(graph.StateDiscovered, graph.StateEmbedded)
	assert.Error(t, err)
}

func TestValidate_NilOnLegalTransition(t *testing.T) {
	err := Validate(graph.StateLinked, graph.StateEmbedding)
	assert.NoError(t, err)
}
