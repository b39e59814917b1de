package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// This file implements the node constructors, with their shape inference.

// Node data types for ops with attributes.

type parameterData struct {
	name string
}

type linearData struct {
	outputDType dtypes.DType
}

type compressedLinearData struct {
	outputDType  dtypes.DType
	hasZeroPoint bool
}

// Parameter creates a graph input with the given name and shape.
// Names must be unique within the graph.
func Parameter(g *Graph, name string, shape Shape) Output {
	if _, found := g.params[name]; found {
		exceptions.Panicf("ir.Parameter(%q): graph %q already has a parameter with this name", name, g.name)
	}
	n := g.newNode(OpParameter, &parameterData{name: name}, nil, shape.Clone())
	n.name = name
	n.provenance = sets.MakeWith(name)
	g.params[name] = n
	return n.Out()
}

// ParameterName returns the name under which the parameter is fed. It panics if n is not a Parameter.
func (n *Node) ParameterName() string {
	data, ok := n.data.(*parameterData)
	if !ok {
		exceptions.Panicf("ir.Node.ParameterName(): node %s is not a Parameter", n)
	}
	return data.name
}

// Convert changes the element type of x.
func Convert(x Output, dtype dtypes.DType) Output {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("ir.Convert(%s): invalid target dtype", x)
	}
	shape := x.Shape().Clone()
	shape.DType = dtype
	return x.node.graph.newNode(OpConvert, nil, []Output{x}, shape).Out()
}

// Subtract returns lhs - rhs, with numpy style broadcasting.
func Subtract(lhs, rhs Output) Output {
	shape := broadcastShapes("Subtract", lhs.Shape(), rhs.Shape())
	return lhs.node.graph.newNode(OpSubtract, nil, []Output{lhs, rhs}, shape).Out()
}

// Multiply returns lhs * rhs, with numpy style broadcasting.
func Multiply(lhs, rhs Output) Output {
	shape := broadcastShapes("Multiply", lhs.Shape(), rhs.Shape())
	return lhs.node.graph.newNode(OpMultiply, nil, []Output{lhs, rhs}, shape).Out()
}

// Cosh returns the element-wise hyperbolic cosine of x.
func Cosh(x Output) Output {
	if !x.DType().IsFloat() {
		exceptions.Panicf("ir.Cosh(%s): operand must be a float", x)
	}
	return x.node.graph.newNode(OpCosh, nil, []Output{x}, x.Shape().Clone()).Out()
}

// broadcastShapes implements numpy broadcasting of two shapes: dimensions are aligned to the right,
// and each pair must be equal or one of them 1.
func broadcastShapes(opName string, lhs, rhs Shape) Shape {
	if lhs.DType != rhs.DType {
		exceptions.Panicf("ir.%s: operands have different dtypes %s and %s", opName, lhs, rhs)
	}
	if !lhs.RankKnown() || !rhs.RankKnown() {
		return UnknownRank(lhs.DType)
	}
	rank := max(lhs.Rank(), rhs.Rank())
	dims := make([]int, rank)
	for ii := range rank {
		lhsDim, rhsDim := 1, 1
		if axis := lhs.Rank() - rank + ii; axis >= 0 {
			lhsDim = lhs.Dimensions[axis]
		}
		if axis := rhs.Rank() - rank + ii; axis >= 0 {
			rhsDim = rhs.Dimensions[axis]
		}
		switch {
		case lhsDim == rhsDim:
			dims[ii] = lhsDim
		case lhsDim == 1:
			dims[ii] = rhsDim
		case rhsDim == 1:
			dims[ii] = lhsDim
		case lhsDim == DimUnknown:
			dims[ii] = rhsDim
		case rhsDim == DimUnknown:
			dims[ii] = lhsDim
		default:
			exceptions.Panicf("ir.%s: shapes %s and %s cannot be broadcast", opName, lhs, rhs)
		}
	}
	return MakeShape(lhs.DType, dims...)
}

// Reshape x to the dimensions given by the integer constant target.
//
// As in ONNX, one target dimension may be -1 (inferred from the remaining ones) and a 0 copies
// the corresponding dimension of x.
func Reshape(x, target Output) Output {
	targetDims := target.node.ConstantInts()
	if target.Shape().Rank() != 1 {
		exceptions.Panicf("ir.Reshape(%s, %s): target must be a 1D constant", x, target)
	}
	xShape := x.Shape()
	dims := make([]int, len(targetDims))
	inferredAxis := -1
	knownSize := 1
	for axis, dim := range targetDims {
		switch {
		case dim == -1:
			if inferredAxis >= 0 {
				exceptions.Panicf("ir.Reshape(%s, %v): only one dimension can be inferred", x, targetDims)
			}
			inferredAxis = axis
			continue
		case dim == 0:
			if !xShape.RankKnown() || axis >= xShape.Rank() {
				exceptions.Panicf("ir.Reshape(%s, %v): cannot copy dimension of axis %d", x, targetDims, axis)
			}
			dim = xShape.Dimensions[axis]
		case dim < 0:
			exceptions.Panicf("ir.Reshape(%s, %v): invalid dimension %d", x, targetDims, dim)
		}
		dims[axis] = dim
		if dim == DimUnknown || knownSize == DimUnknown {
			knownSize = DimUnknown
		} else {
			knownSize *= dim
		}
	}
	if inferredAxis >= 0 {
		size := xShape.Size()
		switch {
		case size < 0 || knownSize == DimUnknown:
			dims[inferredAxis] = DimUnknown
		case knownSize == 0 || size%knownSize != 0:
			exceptions.Panicf("ir.Reshape(%s, %v): cannot infer dimension", x, targetDims)
		default:
			dims[inferredAxis] = size / knownSize
		}
	} else if size := xShape.Size(); size >= 0 && knownSize >= 0 && size != knownSize {
		exceptions.Panicf("ir.Reshape(%s, %v): sizes don't match", x, targetDims)
	}
	return x.node.graph.newNode(OpReshape, nil, []Output{x, target}, MakeShape(xShape.DType, dims...)).Out()
}

// Transpose permutes the axes of x according to the integer constant perm:
// output axis i is x's axis perm[i].
func Transpose(x, perm Output) Output {
	permutation := perm.node.ConstantInts()
	if !isPermutation(permutation) {
		exceptions.Panicf("ir.Transpose(%s, %v): invalid permutation", x, permutation)
	}
	xShape := x.Shape()
	if !xShape.RankKnown() {
		dims := slices.Repeat([]int{DimUnknown}, len(permutation))
		return x.node.graph.newNode(OpTranspose, nil, []Output{x, perm}, MakeShape(xShape.DType, dims...)).Out()
	}
	if len(permutation) != xShape.Rank() {
		exceptions.Panicf("ir.Transpose(%s, %v): permutation length must match the operand rank", x, permutation)
	}
	shape := xShape.Clone()
	shape.Names = nil
	for axis, from := range permutation {
		shape.Dimensions[axis] = xShape.Dimensions[from]
	}
	return x.node.graph.newNode(OpTranspose, nil, []Output{x, perm}, shape).Out()
}

func isPermutation(perm []int) bool {
	seen := make([]bool, len(perm))
	for _, axis := range perm {
		if axis < 0 || axis >= len(perm) || seen[axis] {
			return false
		}
		seen[axis] = true
	}
	return true
}

// TransposePermutation returns the permutation of a Transpose node. It panics if n is not a Transpose.
func (n *Node) TransposePermutation() []int {
	if n.opType != OpTranspose {
		exceptions.Panicf("ir.Node.TransposePermutation(): node %s is not a Transpose", n)
	}
	return n.inputs[1].node.ConstantInts()
}

// Linear returns activations × weightsᵗ: weights are shaped [N, K] or, batched, [B, N, K], and the output
// is shaped activations.Dimensions[:-1] + [N].
//
// If outputDType is dtypes.InvalidDType the dtype of the activations is used.
func Linear(activations, weights Output, outputDType dtypes.DType) Output {
	xShape, wShape := activations.Shape(), weights.Shape()
	if outputDType == dtypes.InvalidDType {
		outputDType = xShape.DType
	}
	if !wShape.RankKnown() || (wShape.Rank() != 2 && wShape.Rank() != 3) {
		exceptions.Panicf("ir.Linear(%s, %s): weights must have rank 2 or 3", activations, weights)
	}
	if wShape.Rank() == 3 && xShape.RankKnown() {
		if xShape.Rank() != 3 {
			exceptions.Panicf("ir.Linear(%s, %s): batched weights require rank 3 activations", activations, weights)
		}
		if !dimsCompatible(xShape.Dim(0), wShape.Dim(0)) {
			exceptions.Panicf("ir.Linear(%s, %s): batch dimensions don't match", activations, weights)
		}
	}
	if xShape.RankKnown() && !dimsCompatible(xShape.Dim(-1), wShape.Dim(-1)) {
		exceptions.Panicf("ir.Linear(%s, %s): contracting dimensions don't match", activations, weights)
	}
	shape := linearOutputShape("Linear", xShape, wShape, outputDType)
	data := &linearData{outputDType: outputDType}
	return activations.node.graph.newNode(OpLinear, data, []Output{activations, weights}, shape).Out()
}

// CompressedLinear is the fused form of Linear over quantized weights: the weights [N, K] hold
// narrow integers, dequantized as (weights - zeroPoint) * scale before the product.
//
// scale (and zeroPoint, if given) are shaped [N, G] (or with dimensions 1 where broadcast): G groups
// split the K axis in equal parts, and column k uses group k / (K / G).
//
// zeroPoint is optional: pass the zero Output to omit it.
// If outputDType is dtypes.InvalidDType the dtype of the activations is used.
func CompressedLinear(activations, weights, scale, zeroPoint Output, outputDType dtypes.DType) Output {
	xShape, wShape := activations.Shape(), weights.Shape()
	if outputDType == dtypes.InvalidDType {
		outputDType = xShape.DType
	}
	if wShape.Rank() != 2 {
		exceptions.Panicf("ir.CompressedLinear(%s, %s): weights must have rank 2", activations, weights)
	}
	if xShape.RankKnown() && !dimsCompatible(xShape.Dim(-1), wShape.Dim(-1)) {
		exceptions.Panicf("ir.CompressedLinear(%s, %s): contracting dimensions don't match", activations, weights)
	}
	checkQuantizationGroups("scale", scale, wShape)
	inputs := []Output{activations, weights, scale}
	if zeroPoint.IsValid() {
		checkQuantizationGroups("zero-point", zeroPoint, wShape)
		inputs = append(inputs, zeroPoint)
	}
	shape := linearOutputShape("CompressedLinear", xShape, wShape, outputDType)
	data := &compressedLinearData{outputDType: outputDType, hasZeroPoint: zeroPoint.IsValid()}
	return activations.node.graph.newNode(OpCompressedLinear, data, inputs, shape).Out()
}

// checkQuantizationGroups checks that a scale or zero-point is shaped [N or 1, G], with G dividing K of the
// weights shaped [N, K].
func checkQuantizationGroups(what string, x Output, wShape Shape) {
	shape := x.Shape()
	if !shape.RankKnown() || shape.Rank() != 2 {
		exceptions.Panicf("ir.CompressedLinear: %s %s must have rank 2", what, x)
	}
	rows, groups := shape.Dim(0), shape.Dim(1)
	if rows != 1 && !dimsCompatible(rows, wShape.Dim(0)) {
		exceptions.Panicf("ir.CompressedLinear: %s %s doesn't match the %d rows of the weights", what, x, wShape.Dim(0))
	}
	if groups == 0 || (groups != DimUnknown && wShape.Dim(1) != DimUnknown && wShape.Dim(1)%groups != 0) {
		exceptions.Panicf("ir.CompressedLinear: %s %s groups don't split the %d columns of the weights",
			what, x, wShape.Dim(1))
	}
}

func linearOutputShape(opName string, xShape, wShape Shape, outputDType dtypes.DType) Shape {
	if !xShape.RankKnown() {
		return UnknownRank(outputDType)
	}
	if xShape.Rank() < 1 {
		exceptions.Panicf("ir.%s: activations %s must have rank >= 1", opName, xShape)
	}
	dims := slices.Clone(xShape.Dimensions[:xShape.Rank()-1])
	dims = append(dims, wShape.Dim(-2))
	return MakeShape(outputDType, dims...)
}

func dimsCompatible(a, b int) bool {
	return a == b || a == DimUnknown || b == DimUnknown
}

// LinearOp is the typed view of a Linear node.
type LinearOp struct {
	Node                 *Node
	Activations, Weights Output
	OutputDType          dtypes.DType
}

// AsLinear returns the typed view of a Linear node, or false if n is of another kind.
func (n *Node) AsLinear() (LinearOp, bool) {
	data, ok := n.data.(*linearData)
	if !ok || n.opType != OpLinear {
		return LinearOp{}, false
	}
	return LinearOp{Node: n, Activations: n.inputs[0], Weights: n.inputs[1], OutputDType: data.outputDType}, true
}

// CompressedLinearOp is the typed view of a CompressedLinear node.
// ZeroPoint is the zero Output if the node has no zero-point operand.
type CompressedLinearOp struct {
	Node                                    *Node
	Activations, Weights, Scale, ZeroPoint Output
	OutputDType                             dtypes.DType
}

// AsCompressedLinear returns the typed view of a CompressedLinear node, or false if n is of another kind.
func (n *Node) AsCompressedLinear() (CompressedLinearOp, bool) {
	data, ok := n.data.(*compressedLinearData)
	if !ok || n.opType != OpCompressedLinear {
		return CompressedLinearOp{}, false
	}
	op := CompressedLinearOp{
		Node:        n,
		Activations: n.inputs[0],
		Weights:     n.inputs[1],
		Scale:       n.inputs[2],
		OutputDType: data.outputDType,
	}
	if data.hasZeroPoint {
		op.ZeroPoint = n.inputs[3]
	}
	return op, true
}
