package pattern

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrewrite/ir"
)

// Context holds the result of a successful match: the graph output bound to each pattern node
// that took part in the match.
//
// Pattern nodes in alternatives that didn't match (or were never tried) have no binding.
type Context struct {
	bindings map[Node]ir.Output
	order    []Node
}

func newContext() *Context {
	return &Context{bindings: make(map[Node]ir.Output)}
}

func (ctx *Context) bind(p Node, out ir.Output) {
	ctx.bindings[p] = out
	ctx.order = append(ctx.order, p)
}

// mark returns the current position in the bindings, to be used by rollback.
func (ctx *Context) mark() int {
	return len(ctx.order)
}

// rollback removes the bindings created after mark.
func (ctx *Context) rollback(mark int) {
	for _, p := range ctx.order[mark:] {
		delete(ctx.bindings, p)
	}
	ctx.order = ctx.order[:mark]
}

// Len returns the number of bound pattern nodes.
func (ctx *Context) Len() int {
	return len(ctx.order)
}

// Has returns whether the pattern node p took part in the match.
func (ctx *Context) Has(p Node) bool {
	_, found := ctx.bindings[p]
	return found
}

// Value returns the output bound to the pattern node p, if any.
func (ctx *Context) Value(p Node) (ir.Output, bool) {
	out, found := ctx.bindings[p]
	return out, found
}

// Node returns the node producing the output bound to p, or nil if p has no binding.
func (ctx *Context) Node(p Node) *ir.Node {
	out, found := ctx.bindings[p]
	if !found {
		return nil
	}
	return out.Node()
}

// MustValue returns the output bound to p. It panics if p has no binding.
func (ctx *Context) MustValue(p Node) ir.Output {
	out, found := ctx.bindings[p]
	if !found {
		exceptions.Panicf("pattern.Context.MustValue(%s): pattern node has no binding in match %s", p, ctx)
	}
	return out
}

// MustNode returns the node producing the output bound to p. It panics if p has no binding.
func (ctx *Context) MustNode(p Node) *ir.Node {
	return ctx.MustValue(p).Node()
}

// MatchedNodes returns the distinct graph nodes bound to typed (Op) pattern nodes, in binding order.
// Wildcards are not included: their nodes are inputs of the matched subgraph, not part of it.
func (ctx *Context) MatchedNodes() []*ir.Node {
	var nodes []*ir.Node
	seen := make(map[*ir.Node]bool, len(ctx.order))
	for _, p := range ctx.order {
		if _, isOp := p.(*OpNode); !isOp {
			continue
		}
		node := ctx.bindings[p].Node()
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// String implements fmt.Stringer. It lists the bindings in binding order.
func (ctx *Context) String() string {
	parts := make([]string, len(ctx.order))
	for ii, p := range ctx.order {
		label := p.Name()
		if label == "" {
			label = p.String()
		}
		parts[ii] = fmt.Sprintf("%s=%s", label, ctx.bindings[p].Node())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
