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

// Package goparser implements a dispatch.ParserPlugin for Go source
// files using tree-sitter. It lives outside pkg/ingest/dispatch because
// it needs linker.Reference to describe the import statements it finds,
// and pkg/ingest/linker already imports pkg/ingest/dispatch (for its
// regex re-export scanner) — putting this plugin in the dispatch
// package itself would close that into an import cycle.
package goparser

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/kraklabs/cie-ingest/pkg/ingest/dispatch"
	"github.com/kraklabs/cie-ingest/pkg/ingest/graph"
	"github.com/kraklabs/cie-ingest/pkg/ingest/identity"
	"github.com/kraklabs/cie-ingest/pkg/ingest/linker"
)

const maxContentLen = 4000

// Parser turns one Go source file into one Scope node per function,
// method and type declaration, wiring same-file calls as CONSUMES edges
// directly (no cross-file resolution needed for those) and handing
// import declarations to the reference linker as RefImport entries.
//
// Adapted from a prior Go-specific tree-sitter walker's
// function/type/call/import extraction onto this module's
// Node/Edge/ParseOutput shape: a function or method becomes a Scope
// node keyed by its signature, a type declaration becomes a Scope node
// keyed by "type <name>", and same-file calls become RelConsumes edges
// rather than a separate call-edge type. Cross-package calls are left
// unresolved: the linker's Reference only carries import-style
// references, not bare call names, so tracking unresolved calls the way
// that prior walker did would need a linker capability this core
// doesn't have.
type Parser struct {
	parser *sitter.Parser
}

// New constructs a Parser with the Go tree-sitter grammar loaded.
func New() *Parser {
	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	return &Parser{parser: p}
}

func (p *Parser) Name() string                 { return "go-treesitter" }
func (p *Parser) SchemaVersion() string         { return "1" }
func (p *Parser) SupportedExtensions() []string { return []string{"go"} }

func (p *Parser) NodeTypes() []dispatch.NodeTypeSpec {
	return []dispatch.NodeTypeSpec{
		{Label: string(graph.EntityScope), UUIDStrategy: dispatch.StrategySignature, ContentHashField: "content"},
	}
}

// scope pairs an emitted Scope node with its AST node, so a second pass
// can walk its body for call expressions after every scope in the file
// is known (a call to a function declared later in the file must still
// resolve).
type scope struct {
	uuid string
	name string
	node *sitter.Node
}

// Parse implements dispatch.ParserPlugin.
func (p *Parser) Parse(ctx context.Context, input dispatch.ParseInput) (*graph.ParseOutput, error) {
	tree, err := p.parser.ParseCtx(ctx, nil, input.Source)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	content := input.Source
	out := &graph.ParseOutput{}

	var scopes []scope
	byName := make(map[string]string) // simple name -> uuid, last declaration wins

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		switch n.Type() {
		case "function_declaration":
			if sc := p.emitFunction(n, content, input.Path, out); sc != nil {
				scopes = append(scopes, *sc)
				byName[sc.name] = sc.uuid
			}
		case "method_declaration":
			if sc := p.emitMethod(n, content, input.Path, out); sc != nil {
				scopes = append(scopes, *sc)
				byName[simpleMethodName(sc.name)] = sc.uuid
			}
		case "type_declaration":
			p.emitTypeDeclaration(n, content, input.Path, out)
			return // type_spec children are not otherwise interesting to recurse into
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)

	p.emitCallEdges(scopes, byName, content, out)

	if refs := p.extractImportReferences(root, content, input.Path); len(refs) > 0 {
		out.Metadata = map[string]any{"references": refs}
	}

	if root.HasError() {
		out.Warnings = append(out.Warnings, "source has syntax errors; tree-sitter parsed it on a best-effort basis")
	}

	return out, nil
}

func (p *Parser) emitFunction(node *sitter.Node, content []byte, path string, out *graph.ParseOutput) *scope {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := string(content[nameNode.StartByte():nameNode.EndByte()])
	signature := "func " + name + fieldText(node, "parameters", content) + resultSuffix(node, content)
	return p.emitScope(node, content, path, out, name, signature, "function")
}

func (p *Parser) emitMethod(node *sitter.Node, content []byte, path string, out *graph.ParseOutput) *scope {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	methodName := string(content[nameNode.StartByte():nameNode.EndByte()])

	receiverNode := node.ChildByFieldName("receiver")
	receiverType := extractReceiverType(receiverNode, content)
	fullName := methodName
	if receiverType != "" {
		fullName = receiverType + "." + methodName
	}

	signature := "func " + fieldText(node, "receiver", content) + " " + methodName +
		fieldText(node, "parameters", content) + resultSuffix(node, content)
	return p.emitScope(node, content, path, out, fullName, signature, "method")
}

func (p *Parser) emitScope(node *sitter.Node, content []byte, path string, out *graph.ParseOutput, name, signature, kind string) *scope {
	coord := graph.Coordinate{
		Kind:      graph.EntityScope,
		Path:      path,
		Signature: signature,
		StartLine: int(node.StartPoint().Row) + 1,
	}
	uuid := identity.DeriveUUID(coord)
	codeText := truncateContent(string(content[node.StartByte():node.EndByte()]))

	out.Nodes = append(out.Nodes, graph.Node{
		Kind:  graph.EntityScope,
		UUID:  uuid,
		Coord: coord,
		Properties: map[string]any{
			"name":       name,
			"content":    codeText,
			"kind":       kind,
			"start_line": coord.StartLine,
			"end_line":   int(node.EndPoint().Row) + 1,
		},
	})
	return &scope{uuid: uuid, name: name, node: node}
}

func (p *Parser) emitTypeDeclaration(node *sitter.Node, content []byte, path string, out *graph.ParseOutput) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "type_spec":
			p.emitTypeSpec(child, content, path, out)
		case "type_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				if spec := child.Child(j); spec.Type() == "type_spec" {
					p.emitTypeSpec(spec, content, path, out)
				}
			}
		}
	}
}

func (p *Parser) emitTypeSpec(node *sitter.Node, content []byte, path string, out *graph.ParseOutput) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := string(content[nameNode.StartByte():nameNode.EndByte()])

	kind := "type_alias"
	if typeNode := node.ChildByFieldName("type"); typeNode != nil {
		switch typeNode.Type() {
		case "struct_type":
			kind = "struct"
		case "interface_type":
			kind = "interface"
		}
	}

	coord := graph.Coordinate{
		Kind:      graph.EntityScope,
		Path:      path,
		Signature: "type " + name,
		StartLine: int(node.StartPoint().Row) + 1,
	}
	uuid := identity.DeriveUUID(coord)
	codeText := truncateContent(string(content[node.StartByte():node.EndByte()]))

	out.Nodes = append(out.Nodes, graph.Node{
		Kind:  graph.EntityScope,
		UUID:  uuid,
		Coord: coord,
		Properties: map[string]any{
			"name":       name,
			"content":    codeText,
			"kind":       kind,
			"start_line": coord.StartLine,
			"end_line":   int(node.EndPoint().Row) + 1,
		},
	})
}

// emitCallEdges walks every emitted scope's body for call expressions and
// wires a RelConsumes edge for every callee resolvable by simple name
// within the same file, deduplicating repeated calls to the same callee.
func (p *Parser) emitCallEdges(scopes []scope, byName map[string]string, content []byte, out *graph.ParseOutput) {
	seen := make(map[string]bool)
	for _, sc := range scopes {
		body := functionBody(sc.node)
		if body == nil {
			continue
		}
		walkCallExpressions(body, content, func(callee string) {
			calleeUUID, ok := byName[callee]
			if !ok || calleeUUID == sc.uuid {
				return
			}
			key := sc.uuid + "->" + calleeUUID
			if seen[key] {
				return
			}
			seen[key] = true
			out.Edges = append(out.Edges, graph.Edge{From: sc.uuid, To: calleeUUID, Kind: graph.RelConsumes})
		})
	}
}

func (p *Parser) extractImportReferences(root *sitter.Node, content []byte, path string) []linker.Reference {
	var refs []linker.Reference
	for i := 0; i < int(root.ChildCount()); i++ {
		decl := root.Child(i)
		if decl.Type() != "import_declaration" {
			continue
		}
		for j := 0; j < int(decl.ChildCount()); j++ {
			child := decl.Child(j)
			switch child.Type() {
			case "import_spec":
				if ref := importSpecReference(child, content, path); ref != nil {
					refs = append(refs, *ref)
				}
			case "import_spec_list":
				for k := 0; k < int(child.ChildCount()); k++ {
					if spec := child.Child(k); spec.Type() == "import_spec" {
						if ref := importSpecReference(spec, content, path); ref != nil {
							refs = append(refs, *ref)
						}
					}
				}
			}
		}
	}
	return refs
}

func importSpecReference(node *sitter.Node, content []byte, path string) *linker.Reference {
	pathNode := node.ChildByFieldName("path")
	if pathNode == nil {
		return nil
	}
	importPath := strings.Trim(string(content[pathNode.StartByte():pathNode.EndByte()]), `"`)
	return &linker.Reference{
		Kind:     linker.RefImport,
		RawPath:  importPath,
		Line:     int(node.StartPoint().Row) + 1,
		FromFile: path,
	}
}

// functionBody returns a function/method declaration's block node.
func functionBody(node *sitter.Node) *sitter.Node {
	if body := node.ChildByFieldName("body"); body != nil {
		return body
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child.Type() == "block" {
			return child
		}
	}
	return nil
}

// walkCallExpressions invokes onCall with the simple callee name of every
// call_expression found under node.
func walkCallExpressions(node *sitter.Node, content []byte, onCall func(callee string)) {
	if node == nil {
		return
	}
	if node.Type() == "call_expression" {
		if fn := node.ChildByFieldName("function"); fn != nil {
			if name := calleeSimpleName(fn, content); name != "" {
				onCall(name)
			}
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		walkCallExpressions(node.Child(i), content, onCall)
	}
}

// calleeSimpleName extracts the bare identifier a call expression's
// function operand resolves to: "foo" from foo(), "Method" from
// obj.Method() (which only matches a same-file receiver method stored
// under its bare method name in byName).
func calleeSimpleName(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	switch node.Type() {
	case "identifier":
		return string(content[node.StartByte():node.EndByte()])
	case "selector_expression":
		if field := node.ChildByFieldName("field"); field != nil {
			return string(content[field.StartByte():field.EndByte()])
		}
	case "index_expression":
		if operand := node.ChildByFieldName("operand"); operand != nil {
			return calleeSimpleName(operand, content)
		}
	}
	return ""
}

// extractReceiverType returns the base type name of a method's receiver,
// stripping pointer and generic-parameter decoration: *Server -> Server,
// Server[T] -> Server.
func extractReceiverType(receiverNode *sitter.Node, content []byte) string {
	if receiverNode == nil {
		return ""
	}
	for i := 0; i < int(receiverNode.ChildCount()); i++ {
		child := receiverNode.Child(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		typeNode := child.ChildByFieldName("type")
		if typeNode == nil {
			continue
		}
		return baseTypeName(typeNode, content)
	}
	return ""
}

func baseTypeName(typeNode *sitter.Node, content []byte) string {
	if typeNode == nil {
		return ""
	}
	switch typeNode.Type() {
	case "pointer_type":
		for i := 0; i < int(typeNode.ChildCount()); i++ {
			if child := typeNode.Child(i); child.Type() != "*" {
				return baseTypeName(child, content)
			}
		}
	case "generic_type":
		if nameNode := typeNode.ChildByFieldName("type"); nameNode != nil {
			return string(content[nameNode.StartByte():nameNode.EndByte()])
		}
	case "type_identifier":
		return string(content[typeNode.StartByte():typeNode.EndByte()])
	}
	name := string(content[typeNode.StartByte():typeNode.EndByte()])
	name = strings.TrimPrefix(name, "*")
	if idx := strings.Index(name, "["); idx > 0 {
		name = name[:idx]
	}
	return name
}

// simpleMethodName strips a "Receiver.Method" full name down to "Method",
// matching how a same-file call site names a method it invokes on a
// local receiver.
func simpleMethodName(fullName string) string {
	if idx := strings.LastIndex(fullName, "."); idx >= 0 {
		return fullName[idx+1:]
	}
	return fullName
}

func fieldText(node *sitter.Node, field string, content []byte) string {
	n := node.ChildByFieldName(field)
	if n == nil {
		return ""
	}
	return string(content[n.StartByte():n.EndByte()])
}

func resultSuffix(node *sitter.Node, content []byte) string {
	if text := fieldText(node, "result", content); text != "" {
		return " " + text
	}
	return ""
}

func truncateContent(text string) string {
	if len(text) <= maxContentLen {
		return text
	}
	return text[:maxContentLen] + "...[truncated]"
}

var _ dispatch.ParserPlugin = (*Parser)(nil)
