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

// Package testing provides test helpers for ingest integration tests.
//
// # Quick Start
//
// Use SetupTestBackend to create an isolated in-memory graph/state
// backend pair:
//
//	func TestMyFeature(t *testing.T) {
//	    b := testing.SetupTestBackend(t)
//
//	    testing.InsertTestFile(t, b, "proj", "file-uuid", "main.go", "hash1")
//
//	    require.Equal(t, 1, testing.QueryFileCount(t, b))
//	}
//
// # Seeding Test Data
//
//   - InsertTestFile: seed a File node into both stores
//   - InsertTestScope: seed a Scope node (function/method/class) into both stores
//
// # Querying Test Data
//
//   - QueryFileCount, QueryScopeCount: node counts by label
package testing
