// Package pattern implements declarative subgraph patterns and the structural matcher that finds
// them in an ir.Graph.
//
// Patterns are built by composition of three kinds of nodes:
//
//   - Any: a wildcard, matches any output.
//   - Op: matches a node of a given ir.OpType whose inputs match the given sub-patterns, and
//     optionally a Predicate over the matched output.
//   - Or: matches the first of its alternatives (in declaration order) that matches.
//
// Pattern nodes are compared by identity: the same pattern node can be used as input to several
// others, in which case all its occurrences must match the same graph output. Patterns are
// immutable once built and can be shared by any number of matches.
package pattern

import (
	"fmt"
	"strings"

	"github.com/gomlx/graphrewrite/ir"
)

// Node is a pattern node. The implementations are *AnyNode, *OpNode and *OrNode.
type Node interface {
	fmt.Stringer

	// Name is the debug name of the pattern node, or an empty string.
	Name() string

	// match the pattern against the candidate output, recording bindings in ctx.
	match(ctx *Context, candidate ir.Output) bool
}

// AnyNode is a wildcard pattern node, see Any.
type AnyNode struct {
	name      string
	predicate Predicate
}

// Any returns a wildcard pattern: it matches any output, without looking at its inputs.
func Any() *AnyNode {
	return &AnyNode{}
}

// Named returns a copy of the wildcard with the given debug name.
func (p *AnyNode) Named(name string) *AnyNode {
	clone := *p
	clone.name = name
	return &clone
}

// With returns a copy of the wildcard that only matches outputs for which predicate is true.
func (p *AnyNode) With(predicate Predicate) *AnyNode {
	clone := *p
	clone.predicate = predicate
	return &clone
}

// Name implements Node.
func (p *AnyNode) Name() string { return p.name }

// String implements fmt.Stringer.
func (p *AnyNode) String() string {
	if p.name != "" {
		return "Any(" + p.name + ")"
	}
	return "Any()"
}

// OpNode is a typed pattern node, see Op.
type OpNode struct {
	name      string
	opType    ir.OpType
	inputs    []Node
	predicate Predicate
}

// Op returns a pattern matching nodes of the given type.
//
// If inputs are given, there must be one per input of the node, and each must match
// the corresponding (positional) input. With no inputs, the inputs of the node are not inspected.
func Op(opType ir.OpType, inputs ...Node) *OpNode {
	return &OpNode{opType: opType, inputs: inputs}
}

// OpWith is a shortcut to Op(opType, inputs...).With(predicate).
func OpWith(opType ir.OpType, predicate Predicate, inputs ...Node) *OpNode {
	return Op(opType, inputs...).With(predicate)
}

// Named returns a copy of the pattern with the given debug name.
func (p *OpNode) Named(name string) *OpNode {
	clone := *p
	clone.name = name
	return &clone
}

// With returns a copy of the pattern that only matches outputs for which predicate is true.
// The predicate is evaluated before the inputs are matched.
func (p *OpNode) With(predicate Predicate) *OpNode {
	clone := *p
	clone.predicate = predicate
	return &clone
}

// OpType matched by the pattern.
func (p *OpNode) OpType() ir.OpType { return p.opType }

// Name implements Node.
func (p *OpNode) Name() string { return p.name }

// String implements fmt.Stringer.
func (p *OpNode) String() string {
	var sb strings.Builder
	sb.WriteString(p.opType.String())
	if p.name != "" {
		_, _ = fmt.Fprintf(&sb, "[%s]", p.name)
	}
	sb.WriteString("(")
	for ii, input := range p.inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		if input.Name() != "" {
			sb.WriteString(input.Name())
		} else {
			sb.WriteString(input.String())
		}
	}
	sb.WriteString(")")
	return sb.String()
}

// OrNode is an alternation pattern node, see Or.
type OrNode struct {
	name         string
	alternatives []Node
}

// Or returns a pattern that matches if any of the alternatives match. They are tried in order,
// and the first that matches wins: only its bindings are kept.
func Or(alternatives ...Node) *OrNode {
	return &OrNode{alternatives: alternatives}
}

// Named returns a copy of the pattern with the given debug name.
func (p *OrNode) Named(name string) *OrNode {
	clone := *p
	clone.name = name
	return &clone
}

// Name implements Node.
func (p *OrNode) Name() string { return p.name }

// String implements fmt.Stringer.
func (p *OrNode) String() string {
	parts := make([]string, len(p.alternatives))
	for ii, alternative := range p.alternatives {
		if alternative.Name() != "" {
			parts[ii] = alternative.Name()
		} else {
			parts[ii] = alternative.String()
		}
	}
	prefix := "Or"
	if p.name != "" {
		prefix = fmt.Sprintf("Or[%s]", p.name)
	}
	return prefix + "(" + strings.Join(parts, " | ") + ")"
}
