package pattern

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrewrite/ir"
)

// Match the pattern rooted at root against the candidate output.
//
// It returns the bindings of the pattern nodes that took part in the match, or false if it didn't match.
// Matching never modifies the graph.
func Match(root Node, candidate ir.Output) (*Context, bool) {
	if !candidate.IsValid() {
		exceptions.Panicf("pattern.Match(%s): invalid candidate output", root)
	}
	ctx := newContext()
	if !ctx.matchNode(root, candidate) {
		return nil, false
	}
	return ctx, true
}

// matchNode matches p against candidate, reusing the binding if p was already matched.
func (ctx *Context) matchNode(p Node, candidate ir.Output) bool {
	if bound, found := ctx.bindings[p]; found {
		// Shared sub-pattern: all occurrences must resolve to the same output.
		return bound == candidate
	}
	return p.match(ctx, candidate)
}

func (p *AnyNode) match(ctx *Context, candidate ir.Output) bool {
	if p.predicate != nil && !p.predicate(candidate) {
		return false
	}
	ctx.bind(p, candidate)
	return true
}

func (p *OpNode) match(ctx *Context, candidate ir.Output) bool {
	node := candidate.Node()
	if node.OpType() != p.opType {
		return false
	}
	if p.predicate != nil && !p.predicate(candidate) {
		return false
	}
	if len(p.inputs) > 0 {
		if len(p.inputs) != node.NumInputs() {
			return false
		}
		for ii, input := range p.inputs {
			if !ctx.matchNode(input, node.Input(ii)) {
				return false
			}
		}
	}
	ctx.bind(p, candidate)
	return true
}

func (p *OrNode) match(ctx *Context, candidate ir.Output) bool {
	for _, alternative := range p.alternatives {
		mark := ctx.mark()
		if ctx.matchNode(alternative, candidate) {
			ctx.bind(p, candidate)
			return true
		}
		ctx.rollback(mark)
	}
	return false
}

// Matcher is a named pattern, tried against every output of candidate anchor nodes.
type Matcher struct {
	Name string
	Root Node
}

// NewMatcher returns a matcher for the pattern rooted at root.
func NewMatcher(name string, root Node) *Matcher {
	return &Matcher{Name: name, Root: root}
}

// Match tries the pattern against each output of the anchor node, in order, and returns the first match.
func (m *Matcher) Match(anchor *ir.Node) (*Context, bool) {
	if anchor.IsDead() {
		return nil, false
	}
	for ii := range anchor.NumOutputs() {
		if ctx, ok := Match(m.Root, anchor.Output(ii)); ok {
			return ctx, true
		}
	}
	return nil, false
}
