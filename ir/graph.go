// Package ir implements the computation graph that rewrite passes operate on.
//
// A Graph is an arena of nodes addressed by stable NodeID handles: slots are never reused, so
// handles and *Node pointers obtained before a rewrite stay valid after it. Edges are Output values
// (a node and one of its output indices), and every output keeps the list of inputs consuming it.
//
// Node construction (see ops.go) runs shape inference and panics (with exceptions.Panicf) on
// malformed operands, as GoMLX graph building functions do.
package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// NodeID is the stable handle of a node in its Graph's arena.
type NodeID int

// Graph holds the nodes of a computation and its results.
type Graph struct {
	name    string
	nodes   []*Node
	results []Output
	params  map[string]*Node
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{name: name, params: make(map[string]*Node)}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Node returns the node for the given handle, dead or alive. It panics for invalid handles.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("ir.Graph(%q).Node(%d): invalid node id, graph has %d nodes", g.name, id, len(g.nodes))
	}
	return g.nodes[id]
}

// Nodes returns the live nodes, in creation order.
func (g *Graph) Nodes() []*Node {
	live := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if !node.dead {
			live = append(live, node)
		}
	}
	return live
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int {
	var count int
	for _, node := range g.nodes {
		if !node.dead {
			count++
		}
	}
	return count
}

// Parameter returns the parameter node with the given name, or nil.
func (g *Graph) Parameter(name string) *Node {
	return g.params[name]
}

// Parameters returns the parameter nodes in creation order.
func (g *Graph) Parameters() []*Node {
	var params []*Node
	for _, node := range g.nodes {
		if node.opType == OpParameter && !node.dead {
			params = append(params, node)
		}
	}
	return params
}

// AddResult marks the output as a result of the graph. Results keep their producers alive.
func (g *Graph) AddResult(out Output) {
	g.checkOwned("AddResult", out)
	g.results = append(g.results, out)
}

// Results returns the outputs marked as results of the graph.
func (g *Graph) Results() []Output {
	return slices.Clone(g.results)
}

func (g *Graph) checkOwned(method string, outputs ...Output) {
	for ii, out := range outputs {
		if out.node == nil {
			exceptions.Panicf("ir.Graph(%q).%s: operand #%d is an invalid (zero) Output", g.name, method, ii)
		}
		if out.node.graph != g {
			exceptions.Panicf("ir.Graph(%q).%s: operand #%d (%s) belongs to graph %q", g.name, method, ii, out, out.node.graph.name)
		}
		if out.node.dead {
			exceptions.Panicf("ir.Graph(%q).%s: operand #%d (%s) was removed from the graph", g.name, method, ii, out)
		}
	}
}

// Node is one operation in the Graph.
type Node struct {
	graph  *Graph
	id     NodeID
	opType OpType
	name   string

	inputs    []Output
	outputs   []Shape
	consumers [][]Input

	provenance sets.Set[string]

	// data holds the op specific payload, see the accessors As*.
	data any

	dead bool
}

// newNode adds a node to the arena. Inputs must already belong to g.
// It's used by the ops constructors after shape inference.
func (g *Graph) newNode(opType OpType, data any, inputs []Output, outputs ...Shape) *Node {
	g.checkOwned(opType.String(), inputs...)
	n := &Node{
		graph:      g,
		id:         NodeID(len(g.nodes)),
		opType:     opType,
		inputs:     slices.Clone(inputs),
		outputs:    outputs,
		consumers:  make([][]Input, len(outputs)),
		provenance: sets.Make[string](),
		data:       data,
	}
	n.name = fmt.Sprintf("%s_%d", opType, n.id)
	n.provenance.Insert(n.name)
	g.nodes = append(g.nodes, n)
	for idx, input := range n.inputs {
		producer := input.node
		producer.consumers[input.index] = append(producer.consumers[input.index], Input{node: n, index: idx})
	}
	return n
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// ID returns the node handle.
func (n *Node) ID() NodeID { return n.id }

// OpType returns the node type tag.
func (n *Node) OpType() OpType { return n.opType }

// Name returns the display name of the node.
func (n *Node) Name() string { return n.name }

// SetName changes the display name of the node.
func (n *Node) SetName(name string) { n.name = name }

// IsDead returns whether the node was removed from the graph by a replacement or pruning.
func (n *Node) IsDead() bool { return n.dead }

// NumInputs returns the number of input edges.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the output feeding the i-th input.
func (n *Node) Input(i int) Output {
	if i < 0 || i >= len(n.inputs) {
		exceptions.Panicf("ir.Node(%s).Input(%d): node has %d inputs", n, i, len(n.inputs))
	}
	return n.inputs[i]
}

// Inputs returns the outputs feeding the node inputs, by position.
func (n *Node) Inputs() []Output {
	return slices.Clone(n.inputs)
}

// InputNode returns the node producing the i-th input.
func (n *Node) InputNode(i int) *Node {
	return n.Input(i).node
}

// NumOutputs returns the number of outputs.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the i-th output of the node.
func (n *Node) Output(i int) Output {
	if i < 0 || i >= len(n.outputs) {
		exceptions.Panicf("ir.Node(%s).Output(%d): node has %d outputs", n, i, len(n.outputs))
	}
	return Output{node: n, index: i}
}

// Out is a shortcut to Output(0), for the usual single output nodes.
func (n *Node) Out() Output {
	return n.Output(0)
}

// Shape of the first output.
func (n *Node) Shape() Shape {
	return n.outputs[0]
}

// DType of the first output.
func (n *Node) DType() dtypes.DType {
	return n.outputs[0].DType
}

// Provenance returns the node provenance tags (names of the original nodes it was derived from).
func (n *Node) Provenance() []string {
	tags := make([]string, 0, len(n.provenance))
	for tag := range n.provenance {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d(%s)", n.opType, n.id, n.name)
}

// Output is an edge source: one output of a node.
//
// The zero value is invalid. Outputs are comparable and can be used as map keys.
type Output struct {
	node  *Node
	index int
}

// Node producing the output.
func (o Output) Node() *Node { return o.node }

// Index of the output in its producer.
func (o Output) Index() int { return o.index }

// IsValid returns false for the zero Output.
func (o Output) IsValid() bool { return o.node != nil }

// Shape of the output.
func (o Output) Shape() Shape { return o.node.outputs[o.index] }

// DType of the output.
func (o Output) DType() dtypes.DType { return o.node.outputs[o.index].DType }

// Consumers returns the inputs fed by this output.
func (o Output) Consumers() []Input {
	return slices.Clone(o.node.consumers[o.index])
}

// NumConsumers returns the number of downstream inputs fed by this output.
func (o Output) NumConsumers() int {
	return len(o.node.consumers[o.index])
}

// String implements fmt.Stringer.
func (o Output) String() string {
	if o.node == nil {
		return "<invalid output>"
	}
	if len(o.node.outputs) == 1 {
		return fmt.Sprintf("%s:%s", o.node, o.Shape())
	}
	return fmt.Sprintf("%s[%d]:%s", o.node, o.index, o.Shape())
}

// Input is an edge destination: one input slot of a consumer node.
type Input struct {
	node  *Node
	index int
}

// Node consuming the input.
func (i Input) Node() *Node { return i.node }

// Index of the input slot in the consumer.
func (i Input) Index() int { return i.index }

// Source returns the output currently feeding this input.
func (i Input) Source() Output { return i.node.inputs[i.index] }
