package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// sliceMap executes the given function sequentially for every element on in and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// implicitExpansion prepends axes of dimension 1 to the operands with lower rank,
// so they all have the same rank. Scalars are left as is.
func implicitExpansion(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// broadcastToCommonShape implements numpy (multidirectional) broadcasting: operands are expanded to
// the same rank and then broadcast to the largest dimension of each axis.
func broadcastToCommonShape(operands []*Node) []*Node {
	operands = implicitExpansion(operands)
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	maxDims := make([]int, maxRank)
	for axis := range maxRank {
		allDims := sliceMap(operands, func(n *Node) int {
			if n.IsScalar() {
				return 1
			}
			return n.Shape().Dim(axis)
		})
		maxDims[axis] = slices.Max(allDims)
	}
	result := make([]*Node, len(operands))
	for ii, operand := range operands {
		if !operand.IsScalar() && !slices.Equal(operand.Shape().Dimensions, maxDims) {
			result[ii] = BroadcastToDims(operand, maxDims...)
		} else {
			result[ii] = operand
		}
	}
	return result
}

// reshapeDims resolves the target dimensions of a Reshape: 0 copies the input dimension and
// -1 is inferred from the others.
func reshapeDims(input shapes.Shape, target []int) []int {
	dims := slices.Clone(target)
	inferredAxis := -1
	knownSize := 1
	for axis, dim := range dims {
		switch dim {
		case 0:
			dims[axis] = input.Dim(axis)
		case -1:
			inferredAxis = axis
			continue
		}
		knownSize *= dims[axis]
	}
	if inferredAxis >= 0 {
		if knownSize == 0 {
			exceptions.Panicf("Reshape(%s, %v): cannot infer dimension", input, target)
		}
		dims[inferredAxis] = input.Size() / knownSize
	}
	return dims
}

// cosh returns (e^x + e^-x) / 2.
func cosh(x *Node) *Node {
	return MulScalar(Add(Exp(x), Exp(Neg(x))), 0.5)
}

// convertLinear returns x × wᵗ, with w shaped [N, K] or batched [B, N, K].
// The leading axes of x are preserved, and the result is converted to outputDType.
func convertLinear(x, w *Node, outputDType dtypes.DType) *Node {
	if w.DType() != x.DType() {
		w = ConvertDType(w, x.DType())
	}
	var output *Node
	if w.Rank() == 3 {
		output = Einsum("bmk,bnk->bmn", x, w)
	} else {
		xDims := x.Shape().Dimensions
		contractingDim := xDims[len(xDims)-1]
		leadingDims := slices.Clone(xDims[:len(xDims)-1])
		flat := Reshape(x, x.Shape().Size()/contractingDim, contractingDim)
		output = Einsum("mk,nk->mn", flat, w)
		output = Reshape(output, append(leadingDims, w.Shape().Dim(0))...)
	}
	if output.DType() != outputDType {
		output = ConvertDType(output, outputDType)
	}
	return output
}

// dequantizeGrouped returns (weights - zeroPoint) * scale, converted to dtype.
//
// weights are shaped [N, K]. scale and the optional zeroPoint are shaped [N or 1, G], where G groups
// split K: column k uses group k / (K / G). The arithmetic is done in the scale's dtype.
func dequantizeGrouped(weights, scale, zeroPoint *Node, dtype dtypes.DType) *Node {
	if weights.Rank() != 2 {
		exceptions.Panicf("CompressedLinear: weights must be 2D, got %s", weights.Shape())
	}
	rows, cols := weights.Shape().Dim(0), weights.Shape().Dim(1)
	x := ConvertDType(weights, scale.DType())
	if zeroPoint != nil {
		x = Sub(x, expandGroups(ConvertDType(zeroPoint, scale.DType()), rows, cols))
	}
	x = Mul(x, expandGroups(scale, rows, cols))
	if x.DType() != dtype {
		x = ConvertDType(x, dtype)
	}
	return x
}

// expandGroups broadcasts a per-group [rows or 1, G] tensor to the [rows, cols] weights it applies to.
func expandGroups(x *Node, rows, cols int) *Node {
	if x.Rank() != 2 {
		exceptions.Panicf("CompressedLinear: scale and zero-point must be 2D, got %s", x.Shape())
	}
	xRows, groups := x.Shape().Dim(0), x.Shape().Dim(1)
	if (xRows != 1 && xRows != rows) || cols%groups != 0 {
		exceptions.Panicf("CompressedLinear: scale or zero-point shaped %s don't match weights shaped [%d %d]",
			x.Shape(), rows, cols)
	}
	x = Reshape(x, xRows, groups, 1)
	x = BroadcastToDims(x, rows, groups, cols/groups)
	return Reshape(x, rows, cols)
}
