// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// dotNode adapts a CFG node to gonum's graph and DOT interfaces.
type dotNode struct {
	id   int64
	node Node
}

func (n dotNode) ID() int64 { return n.id }

func (n dotNode) DOTID() string {
	switch v := n.node.(type) {
	case *BasicBlock:
		return fmt.Sprintf("bb_%d", v.StartPC)
	case *CatchNode:
		if v.Index < 0 {
			return fmt.Sprintf("catch_any_%d", v.Handler.HandlerPC)
		}
		return fmt.Sprintf("catch_%d", v.Index)
	case *ExitNode:
		if v.Normal {
			return "exit_normal"
		}
		return "exit_abnormal"
	}
	return strconv.FormatInt(n.id, 10)
}

func (n dotNode) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{{Key: "label", Value: strconv.Quote(n.node.String())}}
	switch v := n.node.(type) {
	case *BasicBlock:
		attrs = append(attrs, encoding.Attribute{Key: "shape", Value: "box"})
		if v.IsStartOfSubroutine {
			attrs = append(attrs, encoding.Attribute{Key: "style", Value: "bold"})
		}
	case *CatchNode:
		attrs = append(attrs, encoding.Attribute{Key: "shape", Value: "oval"})
	case *ExitNode:
		attrs = append(attrs, encoding.Attribute{Key: "shape", Value: "doublecircle"})
	}
	if slices.Contains(n.node.Successors(), n.node) {
		// gonum simple graphs cannot hold self edges.
		attrs = append(attrs, encoding.Attribute{Key: "xlabel", Value: strconv.Quote("self-loop")})
	}
	return attrs
}

// dotEdge marks edges into catch nodes as exceptional.
type dotEdge struct {
	from, to dotNode
}

func (e dotEdge) From() graph.Node         { return e.from }
func (e dotEdge) To() graph.Node           { return e.to }
func (e dotEdge) ReversedEdge() graph.Edge { return dotEdge{from: e.to, to: e.from} }

func (e dotEdge) Attributes() []encoding.Attribute {
	if e.to.node.Kind() == KindCatch {
		return []encoding.Attribute{{Key: "style", Value: "dashed"}}
	}
	return nil
}

// Graph returns the CFG as a gonum directed graph. Node ids follow
// AllNodes order. Self edges are dropped.
func (c *CFG) Graph() graph.Directed {
	g := simple.NewDirectedGraph()
	ids := make(map[Node]dotNode)
	for i, n := range c.AllNodes() {
		dn := dotNode{id: int64(i), node: n}
		ids[n] = dn
		g.AddNode(dn)
	}
	for _, n := range c.AllNodes() {
		for _, s := range n.Successors() {
			if s == n {
				continue
			}
			g.SetEdge(dotEdge{from: ids[n], to: ids[s]})
		}
	}
	return g
}

// WriteDOT renders the CFG in Graphviz DOT syntax. Debug output only.
func (c *CFG) WriteDOT(w io.Writer, name string) error {
	data, err := dot.Marshal(c.Graph(), name, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dot: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write dot: %w", err)
	}
	return nil
}
