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

package dispatch

import (
	"regexp"
	"strings"
)

// reexportPatterns recognize the handful of re-export forms the Reference
// Linker's barrel chase needs to follow. Built in the same
// regex-over-lines style as parser_protobuf.go, since no
// tree-sitter grammar in the pack exposes a re-export node type
// uniformly across languages.
var reexportPatterns = []*regexp.Regexp{
	// export * from './foo'
	regexp.MustCompile(`export\s+\*\s+from\s+['"]([^'"]+)['"]`),
	// export { a, b as c } from './foo'
	regexp.MustCompile(`export\s+\{[^}]*\}\s+from\s+['"]([^'"]+)['"]`),
	// export * as ns from './foo'
	regexp.MustCompile(`export\s+\*\s+as\s+\w+\s+from\s+['"]([^'"]+)['"]`),
	// from .foo import * (Python barrel re-export convention)
	regexp.MustCompile(`^from\s+(\.[\w.]*)\s+import\s+\*`),
}

// Reexport is one re-export statement found in a source file: the literal
// import specifier it forwards to, and the line it appeared on.
type Reexport struct {
	Target string
	Line   int
}

// RegexReexportScanner finds re-export statements in a source file so the
// linker can chase a symbol through barrel files instead of stopping at
// the first file that doesn't define it. New: no parser in the corpus
// tracked re-exports, since a single codebase's calls resolve within a
// single file's defines/calls edges.
type RegexReexportScanner struct{}

// NewRegexReexportScanner constructs a RegexReexportScanner.
func NewRegexReexportScanner() *RegexReexportScanner { return &RegexReexportScanner{} }

// Scan returns every re-export statement found in content, in source order.
func (s *RegexReexportScanner) Scan(content string) []Reexport {
	var found []Reexport
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, pat := range reexportPatterns {
			if m := pat.FindStringSubmatch(trimmed); m != nil {
				found = append(found, Reexport{Target: m[1], Line: i + 1})
				break
			}
		}
	}
	return found
}
