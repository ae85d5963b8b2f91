// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
)

func TestMarkdownParser_ExtractsHeadingsAndCodeBlocks(t *testing.T) {
	src := "# Title\n\nIntro text.\n\n## Sub\n\n```go\nfunc main() {}\n```\n"
	p := NewMarkdownParser()
	out, err := p.Parse(context.Background(), ParseInput{Path: "doc.md", Source: []byte(src)})
	require.NoError(t, err)

	var docs, sections, blocks int
	for _, n := range out.Nodes {
		switch n.Kind {
		case graph.EntityMarkdownDoc:
			docs++
		case graph.EntityMarkdownSection:
			sections++
		case graph.EntityCodeBlock:
			blocks++
			assert.Equal(t, "go", n.Properties["language"])
		}
	}
	assert.Equal(t, 1, docs)
	assert.Equal(t, 2, sections)
	assert.Equal(t, 1, blocks)
}

func TestMarkdownParser_NestsSectionsByHeadingLevel(t *testing.T) {
	src := "# A\n## B\n### C\n## D\n"
	p := NewMarkdownParser()
	out, err := p.Parse(context.Background(), ParseInput{Path: "doc.md", Source: []byte(src)})
	require.NoError(t, err)

	parents := make(map[string]string)
	titles := make(map[string]string)
	for _, n := range out.Nodes {
		if n.Kind == graph.EntityMarkdownSection {
			titles[n.UUID] = n.Properties["title"].(string)
		}
	}
	for _, e := range out.Edges {
		if e.Kind == graph.RelHasParent {
			parents[e.From] = e.To
		}
	}

	var uuidA, uuidB, uuidC, uuidD string
	for u, title := range titles {
		switch title {
		case "A":
			uuidA = u
		case "B":
			uuidB = u
		case "C":
			uuidC = u
		case "D":
			uuidD = u
		}
	}

	assert.Equal(t, uuidA, parents[uuidB], "B nests under A")
	assert.Equal(t, uuidB, parents[uuidC], "C nests under B")
	assert.Equal(t, uuidA, parents[uuidD], "D pops back to A's level")
}

func TestMarkdownParser_UnterminatedFenceStillFlushedWithWarning(t *testing.T) {
	src := "# A\n```go\nfunc f() {}\n"
	p := NewMarkdownParser()
	out, err := p.Parse(context.Background(), ParseInput{Path: "doc.md", Source: []byte(src)})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Warnings)

	var found bool
	for _, n := range out.Nodes {
		if n.Kind == graph.EntityCodeBlock {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMarkdownParser_IdenticalContentIsDeterministic(t *testing.T) {
	src := "# A\n\ntext\n"
	p := NewMarkdownParser()
	out1, _ := p.Parse(context.Background(), ParseInput{Path: "doc.md", Source: []byte(src)})
	out2, _ := p.Parse(context.Background(), ParseInput{Path: "doc.md", Source: []byte(src)})
	require.Len(t, out1.Nodes, len(out2.Nodes))
	for i := range out1.Nodes {
		assert.Equal(t, out1.Nodes[i].UUID, out2.Nodes[i].UUID)
	}
}
