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

// Package contract provides validation constants and utilities shared
// across the core: the per-file soft size limit a crawl/watch source
// enforces before handing a file to a parser, and the project_id shape
// project.yaml is expected to satisfy.
//
// # File Size Limits
//
//	limit := contract.SoftLimitBytes()
//
// Controlled via CIE_SOFT_LIMIT_BYTES; defaults to DefaultSoftLimitBytes
// (2 MiB) when unset or invalid.
//
// # Project ID Validation
//
//	if res := contract.ValidateProjectID(cfg.ProjectID); !res.OK {
//	    return fmt.Errorf("invalid project config: %s", res.Message)
//	}
package contract
