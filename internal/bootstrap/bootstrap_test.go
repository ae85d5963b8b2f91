// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/internal/config"
	"github.com/kraklabs/cie-ingest/pkg/graphstore"
)

func TestInitSchema_DeclaresConstraintsAndVectorIndexes(t *testing.T) {
	store := graphstore.NewMemoryStore()
	cfg := config.DefaultConfig("proj")

	info, err := InitSchema(context.Background(), store, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, len(cfg.Entities), info.Constraints)
	assert.Equal(t, len(cfg.VectorIndexes), info.VectorIndexes)
}

func TestInitSchema_RejectsEmptyProjectID(t *testing.T) {
	store := graphstore.NewMemoryStore()
	cfg := config.DefaultConfig("")

	_, err := InitSchema(context.Background(), store, cfg, nil)
	require.Error(t, err)
}

func TestInitSchema_IsIdempotent(t *testing.T) {
	store := graphstore.NewMemoryStore()
	cfg := config.DefaultConfig("proj")

	_, err := InitSchema(context.Background(), store, cfg, nil)
	require.NoError(t, err)
	_, err = InitSchema(context.Background(), store, cfg, nil)
	require.NoError(t, err)
}
