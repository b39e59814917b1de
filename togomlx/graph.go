// Package togomlx lowers ir graphs to GoMLX graphs, so they can be executed by any GoMLX backend.
//
// It's used to check that rewrites preserve the semantics of a graph: the graph is evaluated before
// and after the rewrite on the same inputs.
package togomlx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/pkg/errors"
)

// CallGraph builds the computation of src in the GoMLX graph g.
//
// inputs maps each parameter name of src to the node to use for it: all parameters must be given.
// If outputs is empty, the results of src are built. It returns one node per output.
//
// As in GoMLX graph building functions, it panics (throws exceptions) in case of errors.
func CallGraph(g *Graph, src *ir.Graph, inputs map[string]*Node, outputs ...ir.Output) []*Node {
	if len(outputs) == 0 {
		outputs = src.Results()
	}
	converted := make(map[ir.NodeID]*Node)
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	for _, param := range src.Parameters() {
		name := param.ParameterName()
		input := inputs[name]
		if input == nil {
			missingInputs.Insert(name)
			continue
		}
		converted[param.ID()] = input
	}
	for givenName := range inputs {
		if src.Parameter(givenName) == nil {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("togomlx.CallGraph(%q) called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			src.Name(), missingInputs, unknownInputs)
	}

	results := make([]*Node, len(outputs))
	for ii, out := range outputs {
		if out.Node().Graph() != src {
			exceptions.Panicf("togomlx.CallGraph(%q): output #%d %s belongs to another graph", src.Name(), ii, out)
		}
		if out.Node().IsDead() {
			exceptions.Panicf("togomlx.CallGraph(%q): output #%d %s was removed from the graph", src.Name(), ii, out)
		}
		recursiveCallGraph(g, out.Node(), converted)
		results[ii] = converted[out.Node().ID()]
	}
	return results
}

// recursiveCallGraph converts node after converting its inputs.
// The converted map is used both as input and as output to store the converted nodes.
func recursiveCallGraph(g *Graph, node *ir.Node, converted map[ir.NodeID]*Node) {
	if _, found := converted[node.ID()]; found {
		return
	}
	for _, input := range node.Inputs() {
		recursiveCallGraph(g, input.Node(), converted)
	}
	converted[node.ID()] = convertNode(g, node, converted)
}

// convertNode converts one node, whose inputs were already converted.
func convertNode(g *Graph, node *ir.Node, converted map[ir.NodeID]*Node) *Node {
	inputs := make([]*Node, node.NumInputs())
	for ii, input := range node.Inputs() {
		inputs[ii] = converted[input.Node().ID()]
	}
	switch node.OpType() {
	case ir.OpConstant:
		return ConstTensor(g, node.ConstantValue())
	case ir.OpConvert:
		return ConvertDType(inputs[0], node.DType())
	case ir.OpSubtract:
		operands := broadcastToCommonShape(inputs)
		return Sub(operands[0], operands[1])
	case ir.OpMultiply:
		operands := broadcastToCommonShape(inputs)
		return Mul(operands[0], operands[1])
	case ir.OpCosh:
		return cosh(inputs[0])
	case ir.OpReshape:
		return Reshape(inputs[0], reshapeDims(inputs[0].Shape(), node.InputNode(1).ConstantInts())...)
	case ir.OpTranspose:
		return TransposeAllAxes(inputs[0], node.TransposePermutation()...)
	case ir.OpLinear:
		linear, _ := node.AsLinear()
		return convertLinear(inputs[0], inputs[1], linear.OutputDType)
	case ir.OpCompressedLinear:
		op, _ := node.AsCompressedLinear()
		var zeroPoint *Node
		if op.ZeroPoint.IsValid() {
			zeroPoint = inputs[3]
		}
		weights := dequantizeGrouped(inputs[1], inputs[2], zeroPoint, inputs[0].DType())
		return convertLinear(inputs[0], weights, op.OutputDType)
	case ir.OpParameter:
		exceptions.Panicf("togomlx: parameter %s was not given", node)
	}
	exceptions.Panicf("togomlx: unsupported op %s for node %s", node.OpType(), node)
	panic(nil) // for lint benefit.
}

// Evaluate src on the backend with the given parameter values, and returns the values of its results.
func Evaluate(backend backends.Backend, src *ir.Graph, feeds map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	feedShapes := make(map[string]shapes.Shape, len(feeds))
	for name, t := range feeds {
		feedShapes[name] = t.Shape()
	}
	if err := src.ValidateFeeds(feedShapes); err != nil {
		return nil, errors.WithMessagef(err, "togomlx.Evaluate(%q)", src.Name())
	}
	if len(src.Results()) == 0 {
		return nil, errors.Errorf("togomlx.Evaluate(%q): graph has no results", src.Name())
	}

	names := src.ParameterNames()
	args := make([]any, len(names))
	for ii, name := range names {
		args[ii] = feeds[name]
	}
	buildFn := func(g *Graph, params []*Node) []*Node {
		inputs := make(map[string]*Node, len(names))
		for ii, name := range names {
			inputs[name] = params[ii]
		}
		return CallGraph(g, src, inputs)
	}

	var exec *Exec
	var err error
	if len(names) > 0 {
		exec, err = NewExec(backend, func(params []*Node) []*Node {
			return buildFn(params[0].Graph(), params)
		})
	} else {
		exec, err = NewExec(backend, func(g *Graph) []*Node {
			return buildFn(g, nil)
		})
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "togomlx.Evaluate(%q)", src.Name())
	}
	defer exec.Finalize()
	var results []*tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() { results, execErr = exec.Exec(args...) })
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "togomlx.Evaluate(%q)", src.Name())
	}
	return results, nil
}
