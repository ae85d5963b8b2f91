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
	"context"
	"regexp"
	"strings"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/identity"
)

// headingPattern matches an ATX heading ("# Title", "## Sub", ...). Markdown
// has no dedicated grammar elsewhere in this codebase, so this follows the same
// regex/line-scan style (parser_protobuf.go's brace-tracking) rather than
// pulling in a CommonMark library for a feature the corpus never needed.
var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// fenceOpenPattern matches a fenced code block opener, capturing its
// language tag. A bare "```" with no language still matches group 1 empty.
var fenceOpenPattern = regexp.MustCompile("^```([a-zA-Z0-9_+-]*)\\s*$")

// MarkdownParser turns a Markdown document into a MarkdownDoc node, one
// MarkdownSection node per heading (nested via HAS_PARENT), and one
// CodeBlock node per fenced block (attached to its enclosing section via
// CONTAINS).
type MarkdownParser struct{}

// NewMarkdownParser constructs a MarkdownParser.
func NewMarkdownParser() *MarkdownParser { return &MarkdownParser{} }

func (p *MarkdownParser) Name() string          { return "markdown" }
func (p *MarkdownParser) SchemaVersion() string { return "1" }

func (p *MarkdownParser) SupportedExtensions() []string {
	return []string{"md", "markdown", "mdx"}
}

func (p *MarkdownParser) NodeTypes() []NodeTypeSpec {
	return []NodeTypeSpec{
		{Label: string(graph.EntityMarkdownDoc), UUIDStrategy: StrategyPath, ContentHashField: "content"},
		{Label: string(graph.EntityMarkdownSection), UUIDStrategy: StrategyPosition, ContentHashField: "content"},
		{
			Label:            string(graph.EntityCodeBlock),
			UUIDStrategy:     StrategyPosition,
			ContentHashField: "content",
			Chunking:         ChunkConfig{Enabled: true, MaxSize: 2000, Overlap: 200, Strategy: ChunkCode},
		},
	}
}

// openSection tracks one heading while its body is scanned, carrying the
// heading level and the UUID already derived for it (DeriveUUID needs only
// the coordinate, so it is computed the moment the heading is seen).
type openSection struct {
	uuid  string
	level int
}

// Parse walks the document line by line, matching a fenced-block scanner
// against the heading scanner in the order a line-oriented protobuf parser
// tracks brace depth: one state machine, one pass, no backtracking.
func (p *MarkdownParser) Parse(_ context.Context, input ParseInput) (*graph.ParseOutput, error) {
	lines := strings.Split(string(input.Source), "\n")
	out := &graph.ParseOutput{}

	docCoord := graph.Coordinate{Kind: graph.EntityMarkdownDoc, Path: input.Path}
	docUUID := identity.DeriveUUID(docCoord)
	out.Nodes = append(out.Nodes, graph.Node{
		Kind:  graph.EntityMarkdownDoc,
		UUID:  docUUID,
		Coord: docCoord,
		Properties: map[string]any{
			"content": string(input.Source),
		},
	})

	var stack []openSection

	inFence := false
	fenceLang := ""
	fenceStart := 0
	var fenceLines []string

	enclosingUUID := func() string {
		if len(stack) == 0 {
			return docUUID
		}
		return stack[len(stack)-1].uuid
	}

	flushFence := func(endLine int) {
		content := strings.Join(fenceLines, "\n")
		coord := graph.Coordinate{Kind: graph.EntityCodeBlock, Path: input.Path, StartLine: fenceStart}
		blockUUID := identity.DeriveUUID(coord)
		out.Nodes = append(out.Nodes, graph.Node{
			Kind:  graph.EntityCodeBlock,
			UUID:  blockUUID,
			Coord: coord,
			Properties: map[string]any{
				"language":   fenceLang,
				"content":    content,
				"start_line": fenceStart,
				"end_line":   endLine,
			},
		})
		out.Edges = append(out.Edges, graph.Edge{Kind: graph.RelContains, From: enclosingUUID(), To: blockUUID, Line: fenceStart})
		fenceLines = nil
	}

	for i, raw := range lines {
		lineNum := i + 1
		line := strings.TrimRight(raw, "\r")

		if inFence {
			if strings.TrimSpace(line) == "```" {
				inFence = false
				flushFence(lineNum)
				continue
			}
			fenceLines = append(fenceLines, line)
			continue
		}

		if m := fenceOpenPattern.FindStringSubmatch(line); m != nil {
			inFence = true
			fenceLang = m[1]
			fenceStart = lineNum
			fenceLines = nil
			continue
		}

		if m := headingPattern.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			title := strings.TrimSpace(m[2])

			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			parentUUID := enclosingUUID()

			coord := graph.Coordinate{Kind: graph.EntityMarkdownSection, Path: input.Path, StartLine: lineNum}
			sectionUUID := identity.DeriveUUID(coord)
			out.Nodes = append(out.Nodes, graph.Node{
				Kind:  graph.EntityMarkdownSection,
				UUID:  sectionUUID,
				Coord: coord,
				Properties: map[string]any{
					"title": title,
					"level": level,
				},
			})
			out.Edges = append(out.Edges, graph.Edge{Kind: graph.RelHasParent, From: sectionUUID, To: parentUUID, Line: lineNum})

			stack = append(stack, openSection{uuid: sectionUUID, level: level})
			continue
		}
	}

	if inFence {
		out.Warnings = append(out.Warnings, "unterminated fenced code block")
		flushFence(len(lines))
	}

	return out, nil
}

var _ ParserPlugin = (*MarkdownParser)(nil)
