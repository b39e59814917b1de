package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// TopologicalOrder returns the live nodes ordered such that every node comes after its producers.
//
// Creation order is not enough: a rewrite may create a node consumed by nodes created before it.
// The order is deterministic: producers are visited in input order, roots in creation order.
func (g *Graph) TopologicalOrder() []*Node {
	order := make([]*Node, 0, len(g.nodes))
	visited := sets.Make[NodeID](len(g.nodes))
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited.Has(n.id) {
			return
		}
		visited.Insert(n.id)
		for _, input := range n.inputs {
			visit(input.node)
		}
		order = append(order, n)
	}
	for _, node := range g.nodes {
		if !node.dead {
			visit(node)
		}
	}
	return order
}

// String returns a multi-line listing of the live nodes in topological order.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q:\n", g.name)
	for _, node := range g.TopologicalOrder() {
		_, _ = fmt.Fprintf(&sb, "\t%s: %s", node, formatShapes(node.outputs))
		if len(node.inputs) > 0 {
			sb.WriteString(" <- ")
			for ii, input := range node.inputs {
				if ii > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(input.node.String())
				if len(input.node.outputs) > 1 {
					_, _ = fmt.Fprintf(&sb, "[%d]", input.index)
				}
			}
		}
		sb.WriteString("\n")
	}
	for ii, result := range g.results {
		_, _ = fmt.Fprintf(&sb, "\tresult #%d: %s\n", ii, result)
	}
	return sb.String()
}

func formatShapes(shapes []Shape) string {
	if len(shapes) == 1 {
		return shapes[0].String()
	}
	parts := make([]string, len(shapes))
	for ii, shape := range shapes {
		parts[ii] = shape.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Graphviz returns the live graph in the DOT language.
func (g *Graph) Graphviz() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "digraph %q {\n", g.name)
	for _, node := range g.TopologicalOrder() {
		_, _ = fmt.Fprintf(&sb, "\tn%d [label=%q];\n", node.id, fmt.Sprintf("%s\n%s\n%s", node.opType, node.name, formatShapes(node.outputs)))
		for _, input := range node.inputs {
			_, _ = fmt.Fprintf(&sb, "\tn%d -> n%d;\n", input.node.id, node.id)
		}
	}
	for ii, result := range g.results {
		_, _ = fmt.Fprintf(&sb, "\tresult%d [shape=box, label=\"result #%d\"];\n", ii, ii)
		_, _ = fmt.Fprintf(&sb, "\tn%d -> result%d;\n", result.node.id, ii)
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Fingerprint returns a digest of the structure of the live graph: op types, edges, shapes,
// constant values and results. Names and provenance are not included.
//
// Two graphs built the same way have the same fingerprint, and any rewrite changes it.
func (g *Graph) Fingerprint() string {
	hasher := sha256.New()
	order := g.TopologicalOrder()
	position := make(map[NodeID]int, len(order))
	for pos, node := range order {
		position[node.id] = pos
		_, _ = fmt.Fprintf(hasher, "%d:%s:%s", pos, node.opType, formatShapes(node.outputs))
		for _, input := range node.inputs {
			_, _ = fmt.Fprintf(hasher, ":%d.%d", position[input.node.id], input.index)
		}
		switch data := node.data.(type) {
		case *constantData:
			_ = data.value.ConstBytes(func(raw []byte) {
				_, _ = hasher.Write(raw)
			})
		case *parameterData:
			_, _ = fmt.Fprintf(hasher, ":%s", data.name)
		case *linearData:
			_, _ = fmt.Fprintf(hasher, ":%s", data.outputDType)
		case *compressedLinearData:
			_, _ = fmt.Fprintf(hasher, ":%s:%v", data.outputDType, data.hasZeroPoint)
		}
		_, _ = hasher.Write([]byte{'\n'})
	}
	for _, result := range g.results {
		_, _ = fmt.Fprintf(hasher, "result:%d.%d\n", position[result.node.id], result.index)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
