// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package goparser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie-ingest/pkg/ingest/dispatch"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/linker"
)

const sampleSource = `package sample

import (
	"fmt"
	"strings"
)

type Greeter struct {
	Name string
}

func (g *Greeter) Greet() string {
	return format(g.Name)
}

func format(name string) string {
	return fmt.Sprintf("hello %s", strings.ToUpper(name))
}

func Run() {
	g := &Greeter{Name: "world"}
	fmt.Println(g.Greet())
}
`

func TestParser_ExtractsFunctionsMethodsAndTypes(t *testing.T) {
	p := New()
	out, err := p.Parse(context.Background(), dispatch.ParseInput{Path: "sample.go", Source: []byte(sampleSource)})
	require.NoError(t, err)

	var names []string
	for _, n := range out.Nodes {
		require.Equal(t, graph.EntityScope, n.Kind)
		names = append(names, n.Properties["name"].(string))
	}
	assert.ElementsMatch(t, []string{"Greeter", "Greeter.Greet", "format", "Run"}, names)
}

func TestParser_WiresSameFileCallsAsConsumesEdges(t *testing.T) {
	p := New()
	out, err := p.Parse(context.Background(), dispatch.ParseInput{Path: "sample.go", Source: []byte(sampleSource)})
	require.NoError(t, err)

	uuidByName := make(map[string]string)
	for _, n := range out.Nodes {
		uuidByName[n.Properties["name"].(string)] = n.UUID
	}

	var callers, callees []string
	for _, e := range out.Edges {
		require.Equal(t, graph.RelConsumes, e.Kind)
		callers = append(callers, e.From)
		callees = append(callees, e.To)
	}

	assert.Contains(t, callers, uuidByName["Greeter.Greet"])
	assert.Contains(t, callees, uuidByName["format"])
	assert.Contains(t, callers, uuidByName["Run"])
	assert.Contains(t, callees, uuidByName["Greeter.Greet"])
}

func TestParser_EmitsImportReferences(t *testing.T) {
	p := New()
	out, err := p.Parse(context.Background(), dispatch.ParseInput{Path: "sample.go", Source: []byte(sampleSource)})
	require.NoError(t, err)

	refs, ok := out.Metadata["references"].([]linker.Reference)
	require.True(t, ok)

	var paths []string
	for _, r := range refs {
		assert.Equal(t, linker.RefImport, r.Kind)
		assert.Equal(t, "sample.go", r.FromFile)
		paths = append(paths, r.RawPath)
	}
	assert.ElementsMatch(t, []string{"fmt", "strings"}, paths)
}

func TestParser_DeterministicUUIDsAcrossRuns(t *testing.T) {
	p := New()
	out1, err := p.Parse(context.Background(), dispatch.ParseInput{Path: "sample.go", Source: []byte(sampleSource)})
	require.NoError(t, err)
	out2, err := p.Parse(context.Background(), dispatch.ParseInput{Path: "sample.go", Source: []byte(sampleSource)})
	require.NoError(t, err)

	require.Equal(t, len(out1.Nodes), len(out2.Nodes))
	for i := range out1.Nodes {
		assert.Equal(t, out1.Nodes[i].UUID, out2.Nodes[i].UUID)
	}
}

func TestParser_SupportedExtensionsAndNodeTypes(t *testing.T) {
	p := New()
	assert.Equal(t, []string{"go"}, p.SupportedExtensions())
	assert.Equal(t, "go-treesitter", p.Name())
	require.Len(t, p.NodeTypes(), 1)
	assert.Equal(t, dispatch.StrategySignature, p.NodeTypes()[0].UUIDStrategy)
}

var _ dispatch.ParserPlugin = (*Parser)(nil)
