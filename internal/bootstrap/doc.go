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

// Package bootstrap declares a project's graph-store schema — the
// uniqueness constraints and vector indexes a project.yaml config calls
// for — against a graphstore.Store.
//
// # Usage
//
//	info, err := bootstrap.InitSchema(ctx, store, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("declared %d constraints, %d vector indexes\n", info.Constraints, info.VectorIndexes)
//
// # Idempotency
//
// InitSchema is idempotent: it calls EnsureConstraint/EnsureVectorIndex,
// both themselves idempotent on the underlying store, so running it
// against an already-initialized project is a no-op.
package bootstrap
