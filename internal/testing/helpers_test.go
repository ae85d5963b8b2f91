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

package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTestBackend(t *testing.T) {
	b := SetupTestBackend(t)
	require.NotNil(t, b)
	assert.Equal(t, 0, QueryFileCount(t, b))
	assert.Equal(t, 0, QueryScopeCount(t, b))
}

func TestInsertTestFile(t *testing.T) {
	b := SetupTestBackend(t)

	InsertTestFile(t, b, "proj", "file_123", "auth.go", "abc123")

	assert.Equal(t, 1, QueryFileCount(t, b))
	props, ok := b.Graph.Get("File", "file_123")
	require.True(t, ok)
	assert.Equal(t, "auth.go", props["path"])

	node, ok := b.State.Get("proj", "file_123")
	require.True(t, ok)
	assert.Equal(t, "abc123", node.ContentHash)
}

func TestInsertTestScope(t *testing.T) {
	b := SetupTestBackend(t)

	InsertTestScope(t, b, "proj", "scope_123", "user.go", "func HandleAuth()", 10)

	assert.Equal(t, 1, QueryScopeCount(t, b))
	props, ok := b.Graph.Get("Scope", "scope_123")
	require.True(t, ok)
	assert.Equal(t, "func HandleAuth()", props["signature"])
}

func TestMultipleInserts(t *testing.T) {
	b := SetupTestBackend(t)

	InsertTestFile(t, b, "proj", "file1", "main.go", "h1")
	InsertTestFile(t, b, "proj", "file2", "util.go", "h2")
	InsertTestScope(t, b, "proj", "scope1", "main.go", "func main()", 1)

	assert.Equal(t, 2, QueryFileCount(t, b))
	assert.Equal(t, 1, QueryScopeCount(t, b))
}

func TestBackendIsolation(t *testing.T) {
	b1 := SetupTestBackend(t)
	InsertTestFile(t, b1, "proj", "file1", "a.go", "h1")

	b2 := SetupTestBackend(t)
	assert.Equal(t, 0, QueryFileCount(t, b2), "second backend should be isolated from first")
	assert.Equal(t, 1, QueryFileCount(t, b1), "first backend should still hold its own data")
}
