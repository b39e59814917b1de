// Package transforms implements graph rewrites on ir graphs: passes built from a pattern.Matcher and a
// callback, and the driver that runs them over a graph.
package transforms

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/gomlx/graphrewrite/pattern"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback is called with the match of a MatcherPass on an anchor node.
// It returns whether it rewrote the graph: it may decline a match, as long as it leaves the graph untouched.
//
// Callbacks signal broken invariants by panicking (see exceptions.Panicf).
type Callback func(ctx *pattern.Context) bool

// MatcherPass is a rewrite: a pattern to look for and the callback to run on each match.
type MatcherPass struct {
	Matcher  *pattern.Matcher
	Callback Callback
}

// NewMatcherPass creates a MatcherPass.
func NewMatcherPass(matcher *pattern.Matcher, callback Callback) *MatcherPass {
	return &MatcherPass{Matcher: matcher, Callback: callback}
}

// Name of the pass, the name of its matcher.
func (p *MatcherPass) Name() string {
	return p.Matcher.Name
}

// Apply the pass on the anchor node: it matches the pattern and, if it matched, runs the callback.
func (p *MatcherPass) Apply(anchor *ir.Node) (matched, rewritten bool) {
	ctx, ok := p.Matcher.Match(anchor)
	if !ok {
		return false, false
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: matched %s: %s", p.Name(), anchor, ctx)
	}
	return true, p.Callback(ctx)
}

// PassStats counts the activity of one pass during a Run.
type PassStats struct {
	Attempts, Matches, Rewrites int
}

// Stats of a Run, per pass name.
type Stats map[string]PassStats

// Rewrites returns the total number of rewrites across all passes.
func (s Stats) Rewrites() int {
	var total int
	for _, passStats := range s {
		total += passStats.Rewrites
	}
	return total
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	var parts []string
	for _, name := range slices.Sorted(maps.Keys(s)) {
		passStats := s[name]
		parts = append(parts, fmt.Sprintf("%s: %d attempts, %d matches, %d rewrites",
			name, passStats.Attempts, passStats.Matches, passStats.Rewrites))
	}
	return strings.Join(parts, "; ")
}

// Run the passes over the graph.
//
// The nodes are visited once, in topological order as of the start of the run, and each pass is
// tried on each node still alive. Nodes created by rewrites are not visited. At the end nodes left
// without use are pruned.
//
// If a pass panics (a broken invariant), the run stops and the error is returned annotated with the
// pass and node. The nodes the failing pass created are rolled back, so the graph is left as it was
// after the last completed rewrite.
func Run(g *ir.Graph, passes ...*MatcherPass) (Stats, error) {
	stats := make(Stats, len(passes))
	for _, node := range g.TopologicalOrder() {
		for _, pass := range passes {
			if node.IsDead() {
				break
			}
			var matched, rewritten bool
			checkpoint := g.NumCreated()
			err := exceptions.TryCatch[error](func() { matched, rewritten = pass.Apply(node) })
			if err != nil {
				err = errors.WithMessagef(err, "pass %q failed on node %s of graph %q", pass.Name(), node, g.Name())
				if rollbackErr := exceptions.TryCatch[error](func() { g.Rollback(checkpoint) }); rollbackErr != nil {
					err = errors.WithMessagef(err, "graph left partially rewritten (%v)", rollbackErr)
				}
				return stats, err
			}
			passStats := stats[pass.Name()]
			passStats.Attempts++
			if matched {
				passStats.Matches++
			}
			if rewritten {
				passStats.Rewrites++
			}
			stats[pass.Name()] = passStats
		}
	}
	pruned := g.Prune()
	klog.V(1).Infof("graph %q: %s; %d nodes pruned", g.Name(), stats, pruned)
	return stats, nil
}
