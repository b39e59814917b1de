package ir

import (
	"github.com/gomlx/exceptions"
)

// Replace rewires, in one step, every consumer of every output of old to the corresponding output
// of replacement, including graph results that pointed to old.
//
// old is then removed from the graph (marked dead), and so are the producers that are left without
// consumers, recursively. Parameters and graph results are never removed.
// Node handles stay valid: dead nodes remain in the arena, and can still be inspected.
func Replace(old, replacement *Node) {
	g := old.graph
	if replacement.graph != g {
		exceptions.Panicf("ir.Replace(%s, %s): nodes belong to different graphs", old, replacement)
	}
	if old == replacement {
		exceptions.Panicf("ir.Replace(%s): node cannot replace itself", old)
	}
	if old.dead || replacement.dead {
		exceptions.Panicf("ir.Replace(%s, %s): node was already removed from the graph", old, replacement)
	}
	if len(old.outputs) != len(replacement.outputs) {
		exceptions.Panicf("ir.Replace(%s, %s): number of outputs differ (%d != %d)",
			old, replacement, len(old.outputs), len(replacement.outputs))
	}
	for ii := range old.outputs {
		if old.outputs[ii].DType != replacement.outputs[ii].DType {
			exceptions.Panicf("ir.Replace(%s, %s): output #%d dtype differs (%s != %s)",
				old, replacement, ii, old.outputs[ii].DType, replacement.outputs[ii].DType)
		}
		if !old.outputs[ii].Compatible(replacement.outputs[ii]) {
			exceptions.Panicf("ir.Replace(%s, %s): output #%d shape %s is not compatible with %s",
				old, replacement, ii, replacement.outputs[ii], old.outputs[ii])
		}
	}

	for ii := range old.outputs {
		var kept []Input
		for _, consumer := range old.consumers[ii] {
			if consumer.node == replacement {
				// The replacement itself may consume the old node's output.
				kept = append(kept, consumer)
				continue
			}
			consumer.node.inputs[consumer.index] = Output{node: replacement, index: ii}
			replacement.consumers[ii] = append(replacement.consumers[ii], consumer)
		}
		old.consumers[ii] = kept
	}
	for ii, result := range g.results {
		if result.node == old {
			g.results[ii] = Output{node: replacement, index: result.index}
		}
	}
	if !old.hasConsumers() {
		g.release(old)
	}
}

// CopyProvenance adds the provenance tags of all sources to target (set union).
func CopyProvenance(sources []*Node, target *Node) {
	for _, source := range sources {
		for tag := range source.provenance {
			target.provenance.Insert(tag)
		}
	}
}

// AddProvenance adds the given tags to the node provenance.
func (n *Node) AddProvenance(tags ...string) {
	for _, tag := range tags {
		n.provenance.Insert(tag)
	}
}

// NumCreated returns the number of nodes ever created in the graph, including the removed ones.
// It's the checkpoint given to Rollback.
func (g *Graph) NumCreated() int { return len(g.nodes) }

// Rollback removes the nodes created after the checkpoint numCreated (see NumCreated), undoing the
// construction of nodes that were never wired into the older part of the graph. Node handles stay valid.
//
// It panics if one of those nodes is a graph result or is consumed by an older node: undoing a Replace
// is not supported.
func (g *Graph) Rollback(numCreated int) {
	if numCreated < 0 || numCreated > len(g.nodes) {
		exceptions.Panicf("ir.Graph(%q).Rollback(%d): invalid checkpoint, graph has %d nodes", g.name, numCreated, len(g.nodes))
	}
	for _, result := range g.results {
		if int(result.node.id) >= numCreated {
			exceptions.Panicf("ir.Graph(%q).Rollback(%d): %s is a graph result", g.name, numCreated, result.node)
		}
	}
	for _, n := range g.nodes[numCreated:] {
		for _, consumers := range n.consumers {
			for _, consumer := range consumers {
				if int(consumer.node.id) < numCreated {
					exceptions.Panicf("ir.Graph(%q).Rollback(%d): %s is consumed by %s, created before the checkpoint",
						g.name, numCreated, n, consumer.node)
				}
			}
		}
	}
	for ii := len(g.nodes) - 1; ii >= numCreated; ii-- {
		n := g.nodes[ii]
		if n.dead {
			continue
		}
		g.disconnect(n)
		n.dead = true
		if n.opType == OpParameter {
			delete(g.params, n.ParameterName())
		}
	}
}

// Prune removes the nodes that don't feed any graph result or other node (except Parameters),
// recursively. It returns the number of nodes removed.
func (g *Graph) Prune() int {
	var count int
	for ii := len(g.nodes) - 1; ii >= 0; ii-- {
		node := g.nodes[ii]
		if node.dead || !g.isReleasable(node) {
			continue
		}
		count += g.release(node)
	}
	return count
}

func (n *Node) hasConsumers() bool {
	for _, consumers := range n.consumers {
		if len(consumers) > 0 {
			return true
		}
	}
	return false
}

func (g *Graph) isReleasable(n *Node) bool {
	if n.opType == OpParameter || n.hasConsumers() {
		return false
	}
	for _, result := range g.results {
		if result.node == n {
			return false
		}
	}
	return true
}

// release marks n as dead, disconnects it from its producers and releases those
// left unused. It returns the number of nodes released.
func (g *Graph) release(n *Node) int {
	count := 1
	n.dead = true
	g.disconnect(n)
	for _, input := range n.inputs {
		producer := input.node
		if !producer.dead && g.isReleasable(producer) {
			count += g.release(producer)
		}
	}
	return count
}

// disconnect removes n from the consumers of its producers.
func (g *Graph) disconnect(n *Node) {
	for idx, input := range n.inputs {
		producer := input.node
		consumers := producer.consumers[input.index]
		for ii, consumer := range consumers {
			if consumer.node == n && consumer.index == idx {
				producer.consumers[input.index] = append(consumers[:ii:ii], consumers[ii+1:]...)
				break
			}
		}
	}
}
