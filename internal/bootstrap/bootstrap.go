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

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kraklabs/cie-ingest/internal/config"
	"github.com/kraklabs/cie-ingest/pkg/graphstore"
)

// ProjectInfo summarizes what InitSchema declared against a store, for
// logging.
type ProjectInfo struct {
	ProjectID   string
	Constraints int
	VectorIndexes int
}

// InitSchema declares every uniqueness constraint and vector index a
// project's config calls for against store. Idempotent: EnsureConstraint
// and EnsureVectorIndex are themselves idempotent, so re-running this
// against an already-initialized store is a no-op.
//
// A fresh entity is keyed by its derived UUID already (graphstore.Store's
// Upsert key), so the constraint declared here is the secondary one the
// config's searchable_fields imply: a node's "path" property, the
// property DeleteCascade groups nodes by.
func InitSchema(ctx context.Context, store graphstore.Store, cfg *config.ProjectConfig, logger *slog.Logger) (*ProjectInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}

	info := &ProjectInfo{ProjectID: cfg.ProjectID}

	for _, entity := range cfg.Entities {
		if err := store.EnsureConstraint(ctx, entity.Label, "path"); err != nil {
			return nil, fmt.Errorf("ensure constraint for %s: %w", entity.Label, err)
		}
		info.Constraints++
	}

	for _, vi := range cfg.VectorIndexes {
		if err := store.EnsureVectorIndex(ctx, vi.Label, vi.Field, vi.Dims); err != nil {
			return nil, fmt.Errorf("ensure vector index for %s.%s: %w", vi.Label, vi.Field, err)
		}
		info.VectorIndexes++
	}

	logger.Info("bootstrap.schema.ready",
		"project_id", cfg.ProjectID,
		"constraints", info.Constraints,
		"vector_indexes", info.VectorIndexes,
	)

	return info, nil
}
