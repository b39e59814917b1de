package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// sliceMap executes the given function sequentially for every element on in and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// importer holds the state of one GraphDef.Import call.
type importer struct {
	def *GraphDef
	g   *ir.Graph

	nodeOutputToNode map[string]*NodeDef
	initializers     map[string]*TensorDef

	// converted maps value names to the ir outputs already created for them.
	converted map[string]ir.Output
	// visiting holds the names of the values being converted, to detect cycles.
	visiting sets.Set[string]
}

// Import builds the ir graph of the definition: graph inputs become Parameters, initializers become
// Constants and the graph outputs become the graph results.
//
// Only the nodes the outputs depend on are imported. Node names become the names (and provenance tags)
// of the ir nodes they are converted to.
func (def *GraphDef) Import() (g *ir.Graph, err error) {
	err = exceptions.TryCatch[error](func() { g = def.mustImport() })
	if err != nil {
		return nil, errors.WithMessagef(err, "onnx: failed to import graph %q", def.Name)
	}
	return g, nil
}

func (def *GraphDef) mustImport() *ir.Graph {
	imp := &importer{
		def:              def,
		g:                ir.NewGraph(def.Name),
		nodeOutputToNode: make(map[string]*NodeDef),
		initializers:     make(map[string]*TensorDef),
		converted:        make(map[string]ir.Output),
		visiting:         sets.Make[string](),
	}
	if len(def.Outputs) == 0 {
		exceptions.Panicf("graph has no outputs")
	}

	definedNames := sets.Make[string]()
	define := func(name, what string) {
		if name == "" {
			exceptions.Panicf("%s with an empty name", what)
		}
		if definedNames.Has(name) {
			exceptions.Panicf("%s %q defined more than once", what, name)
		}
		definedNames.Insert(name)
	}
	for _, vi := range def.Inputs {
		define(vi.Name, "input")
		shape, err := vi.Shape()
		if err != nil {
			panic(err)
		}
		imp.converted[vi.Name] = ir.Parameter(imp.g, vi.Name, shape)
	}
	for ii := range def.Initializers {
		initializer := &def.Initializers[ii]
		define(initializer.Name, "initializer")
		imp.initializers[initializer.Name] = initializer
	}
	for ii := range def.Nodes {
		node := &def.Nodes[ii]
		for _, outputName := range node.Outputs {
			define(outputName, "output of "+node.String())
			imp.nodeOutputToNode[outputName] = node
		}
	}

	// Convert all nodes recursively, which will implicitly yield a topological order.
	for _, outputName := range def.Outputs {
		imp.recursiveImport(outputName)
		imp.g.AddResult(imp.converted[outputName])
	}
	klog.V(1).Infof("onnx: imported graph %q with %d nodes", def.Name, imp.g.NumNodes())
	return imp.g
}

// recursiveImport converts the value named valueName, after converting the values it depends on.
func (imp *importer) recursiveImport(valueName string) {
	if _, found := imp.converted[valueName]; found {
		return
	}
	if initializer, found := imp.initializers[valueName]; found {
		value, err := initializer.Tensor()
		if err != nil {
			panic(err)
		}
		out := ir.Constant(imp.g, value)
		out.Node().SetName(valueName)
		out.Node().AddProvenance(valueName)
		imp.converted[valueName] = out
		return
	}

	node, found := imp.nodeOutputToNode[valueName]
	if !found {
		exceptions.Panicf("value %q is not a graph input, an initializer or the output of any node", valueName)
	}
	if imp.visiting.Has(valueName) {
		exceptions.Panicf("cycle in the graph: %s depends on its own output %q", node, valueName)
	}
	imp.visiting.Insert(valueName)
	for _, inputName := range node.Inputs {
		if inputName == "" {
			// Optional input, not used.
			continue
		}
		imp.recursiveImport(inputName)
	}
	delete(imp.visiting, valueName)
	imp.convertNode(node)
}

// convertNode converts one node, whose inputs were already converted.
func (imp *importer) convertNode(node *NodeDef) {
	if len(node.Outputs) != 1 {
		exceptions.Panicf("%s must have exactly one output", node)
	}
	inputs := sliceMap(node.Inputs, func(name string) ir.Output { return imp.converted[name] })
	var result ir.Output
	switch node.OpType {
	case "Cast":
		checkNumInputs(node, inputs, 1)
		result = ir.Convert(inputs[0], mustGetDTypeAttr(node, "to"))
	case "Sub":
		checkNumInputs(node, inputs, 2)
		result = ir.Subtract(inputs[0], inputs[1])
	case "Mul":
		checkNumInputs(node, inputs, 2)
		result = ir.Multiply(inputs[0], inputs[1])
	case "Cosh":
		checkNumInputs(node, inputs, 1)
		result = ir.Cosh(inputs[0])
	case "Reshape":
		checkNumInputs(node, inputs, 2)
		if getIntAttrOr(node, "allowzero", 0) != 0 {
			exceptions.Panicf("%s: attribute allowzero=1 is not supported", node)
		}
		result = ir.Reshape(inputs[0], inputs[1])
	case "Transpose":
		checkNumInputs(node, inputs, 1)
		result = imp.convertTranspose(node, inputs[0])
	case "Gemm":
		result = imp.convertGemm(node, inputs)
	case "MatMul":
		checkNumInputs(node, inputs, 2)
		result = imp.convertMatMul(node, inputs[0], inputs[1])
	case "Constant":
		checkNumInputs(node, inputs, 0)
		result = imp.convertConstant(node)
	default:
		exceptions.Panicf("unsupported op type %q in %s", node.OpType, node)
	}

	name := node.Name
	if name == "" {
		name = node.Outputs[0]
	}
	result.Node().SetName(name)
	result.Node().AddProvenance(name)
	imp.converted[node.Outputs[0]] = result
}

func checkNumInputs(node *NodeDef, inputs []ir.Output, want int) {
	if len(inputs) != want {
		exceptions.Panicf("%s takes %d inputs, %d given", node, want, len(inputs))
	}
	for ii, input := range inputs {
		if !input.IsValid() {
			exceptions.Panicf("%s: input #%d is required", node, ii)
		}
	}
}

// convertTranspose converts a Transpose: the default permutation reverses the axes.
func (imp *importer) convertTranspose(node *NodeDef, x ir.Output) ir.Output {
	rank := x.Shape().Rank()
	var defaultPerm []int
	if rank >= 0 {
		defaultPerm = make([]int, rank)
		for axis := range defaultPerm {
			defaultPerm[axis] = rank - 1 - axis
		}
	}
	perm := getIntsAttrOr(node, "perm", defaultPerm)
	if perm == nil {
		exceptions.Panicf("%s: attribute perm is required for operands of unknown rank", node)
	}
	return ir.Transpose(x, ir.ConstInts(imp.g, perm...))
}

// convertGemm converts a Gemm with no bias, alpha=1 and beta=1 to a Linear.
//
// Linear takes weights shaped [N, K], which is what Gemm takes with transB=1. Otherwise the weights are
// transposed first.
func (imp *importer) convertGemm(node *NodeDef, inputs []ir.Output) ir.Output {
	if len(inputs) == 3 {
		exceptions.Panicf("%s: bias (input C) is not supported", node)
	}
	checkNumInputs(node, inputs, 2)
	if getIntAttrOr(node, "transA", 0) != 0 {
		exceptions.Panicf("%s: transA=1 is not supported", node)
	}
	if getFloatAttrOr(node, "alpha", 1.0) != 1.0 || getFloatAttrOr(node, "beta", 1.0) != 1.0 {
		exceptions.Panicf("%s: only alpha=1 and beta=1 are supported", node)
	}
	if inputs[0].Shape().Rank() != 2 || inputs[1].Shape().Rank() != 2 {
		exceptions.Panicf("%s: Gemm operands must be 2D, got %s and %s", node, inputs[0].Shape(), inputs[1].Shape())
	}
	weights := inputs[1]
	if getIntAttrOr(node, "transB", 0) == 0 {
		weights = ir.Transpose(weights, ir.ConstInts(imp.g, 1, 0))
		weights.Node().AddProvenance(node.Name)
	}
	return ir.Linear(inputs[0], weights, dtypes.InvalidDType)
}

// convertMatMul converts a MatMul(x, w), with w shaped [K, N] or batched [B, K, N], to
// Linear(x, Transpose(w)).
func (imp *importer) convertMatMul(node *NodeDef, x, w ir.Output) ir.Output {
	var perm []int
	switch w.Shape().Rank() {
	case 2:
		perm = []int{1, 0}
	case 3:
		perm = []int{0, 2, 1}
	default:
		exceptions.Panicf("%s: MatMul weights must be 2D or 3D, got %s", node, w.Shape())
	}
	weights := ir.Transpose(w, ir.ConstInts(imp.g, perm...))
	weights.Node().AddProvenance(node.Name)
	return ir.Linear(x, weights, dtypes.InvalidDType)
}

// convertConstant converts a Constant node, whose tensor is given by the attribute "value".
func (imp *importer) convertConstant(node *NodeDef) ir.Output {
	attr := getNodeAttr(node, "value", true)
	var def TensorDef
	if err := attr.Decode(&def); err != nil {
		exceptions.Panicf("%s: invalid attribute \"value\": %v", node, err)
	}
	if def.Name == "" {
		def.Name = node.Outputs[0]
	}
	value, err := def.Tensor()
	if err != nil {
		panic(errors.WithMessagef(err, "in %s", node))
	}
	return ir.Constant(imp.g, value)
}

// getNodeAttr returns the attribute, or nil if it's not set and not required.
// It panics if a required attribute is missing.
func getNodeAttr(node *NodeDef, name string, required bool) *yaml.Node {
	attr, found := node.Attributes[name]
	if !found {
		if required {
			exceptions.Panicf("%s is missing required attribute %q", node, name)
		}
		return nil
	}
	return &attr
}

// decodeAttrOr decodes the attribute if present or returns the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func decodeAttrOr[T any](node *NodeDef, attrName string, defaultValue T) T {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	var value T
	if err := attr.Decode(&value); err != nil {
		exceptions.Panicf("invalid attribute %q in %s: %v", attrName, node, err)
	}
	return value
}

// getIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
func getIntAttrOr(node *NodeDef, attrName string, defaultValue int) int {
	return decodeAttrOr(node, attrName, defaultValue)
}

// getIntsAttrOr gets an integer list attribute for node if present or return the given defaultValues.
func getIntsAttrOr(node *NodeDef, attrName string, defaultValues []int) []int {
	return decodeAttrOr(node, attrName, defaultValues)
}

// getFloatAttrOr gets a float attribute for node if present or return the given defaultValue.
func getFloatAttrOr(node *NodeDef, attrName string, defaultValue float64) float64 {
	return decodeAttrOr(node, attrName, defaultValue)
}

// mustGetDTypeAttr gets a data type attribute, given by name. It panics if it's missing or unknown.
func mustGetDTypeAttr(node *NodeDef, attrName string) dtypes.DType {
	attr := getNodeAttr(node, attrName, true)
	var name string
	if err := attr.Decode(&name); err != nil {
		exceptions.Panicf("invalid attribute %q in %s: %v", attrName, node, err)
	}
	dtype, err := dtypeForName(name)
	if err != nil {
		exceptions.Panicf("unsupported data type %q for attribute %q in %s", name, attrName, node)
	}
	return dtype
}
