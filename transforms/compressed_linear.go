package transforms

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/gomlx/graphrewrite/pattern"
	"k8s.io/klog/v2"
)

// ConvertLinearToCompressedLinearName is the name of the pass created by NewConvertLinearToCompressedLinear.
const ConvertLinearToCompressedLinearName = "ConvertLinearToCompressedLinear"

// SkipFn is consulted with each Linear node about to be fused. If it returns true, the node is left as is.
type SkipFn func(linear *ir.Node) bool

// compressedLinearRule holds the pattern nodes whose bindings the rewrite needs.
type compressedLinearRule struct {
	skip SkipFn

	weights, convert       *pattern.OpNode
	zeroPoint, subtract    *pattern.OpNode
	scale                  *pattern.OpNode
	permutation, transpose *pattern.OpNode
	linear                 *pattern.OpNode
}

// NewConvertLinearToCompressedLinear returns the pass that fuses Linear layers over dequantized weights
// into CompressedLinear nodes. It matches:
//
//	weights (Uint8 or Int8 constant) -> Convert -> [Subtract zero-point] -> Multiply scale
//	  -> [Reshape 3D to 2D] -> [Transpose] -> Linear
//
// where the zero-point and scale are constants consumed only there. The fused node takes the
// compressed weights, the scale and the zero-point (if present) directly, reshaped to 2D and transposed
// as the original weights were.
//
// skip may be nil, in which case all matches are fused.
func NewConvertLinearToCompressedLinear(skip SkipFn) *MatcherPass {
	r := &compressedLinearRule{skip: skip}
	r.weights = pattern.OpWith(ir.OpConstant, pattern.CompressedWeights()).Named("weights")
	r.convert = pattern.Op(ir.OpConvert, r.weights).Named("convert")

	r.zeroPoint = pattern.OpWith(ir.OpConstant, pattern.ConsumersCount(1)).Named("zero_point")
	r.subtract = pattern.Op(ir.OpSubtract, r.convert, r.zeroPoint).Named("subtract")

	r.scale = pattern.OpWith(ir.OpConstant, pattern.ConsumersCount(1)).Named("scale")
	mulWithZeroPoint := pattern.Op(ir.OpMultiply, r.subtract, r.scale).Named("mul_with_zero_point")
	mulNoZeroPoint := pattern.Op(ir.OpMultiply, r.convert, r.scale).Named("mul_no_zero_point")
	mul := pattern.Or(mulWithZeroPoint, mulNoZeroPoint).Named("mul")

	reshape := pattern.OpWith(ir.OpReshape, pattern.Reshape3DTo2D(), mul, pattern.Op(ir.OpConstant)).Named("reshape")

	r.permutation = pattern.Op(ir.OpConstant).Named("permutation")
	r.transpose = pattern.Op(ir.OpTranspose, pattern.Or(reshape, mul), r.permutation).Named("transpose")

	weightsInput := pattern.Or(reshape, r.transpose, mul).Named("weights_input")
	r.linear = pattern.Op(ir.OpLinear, pattern.Any().Named("activations"), weightsInput).Named("linear")

	return NewMatcherPass(pattern.NewMatcher(ConvertLinearToCompressedLinearName, r.linear), r.rewrite)
}

func (r *compressedLinearRule) rewrite(ctx *pattern.Context) bool {
	for _, p := range []pattern.Node{r.linear, r.scale, r.weights, r.convert} {
		if !ctx.Has(p) {
			exceptions.Panicf("%s: match %s has no binding for %s", ConvertLinearToCompressedLinearName, ctx, p)
		}
	}
	linear, ok := ctx.MustNode(r.linear).AsLinear()
	if !ok {
		return false
	}
	if r.skip != nil && r.skip(linear.Node) {
		klog.V(2).Infof("%s: %s skipped", ConvertLinearToCompressedLinearName, linear.Node)
		return false
	}

	hasTranspose := ctx.Has(r.transpose)
	hasZeroPoint := ctx.Has(r.subtract)
	grouped := IsGroupedScale(ctx.MustValue(r.scale).Shape().Dimensions)
	reshapeTo2D := func(c ir.Output) ir.Output {
		if !c.Node().IsConstant() {
			exceptions.Panicf("%s: expected a constant, got %s", ConvertLinearToCompressedLinearName, c)
		}
		dims := c.Shape().Dimensions
		if len(dims) == 2 {
			return c
		}
		return ir.ReshapedConstant(c, MergeAxesTo2D(dims, hasTranspose, grouped)...)
	}

	weights := reshapeTo2D(ctx.MustValue(r.weights))
	scale := reshapeTo2D(ctx.MustValue(r.scale))
	var zeroPoint ir.Output
	if hasZeroPoint {
		zeroPoint = reshapeTo2D(ctx.MustValue(r.zeroPoint))
	}

	if hasTranspose {
		// The same permutation is applied to scale and zero-point, derived from the weights' rank only.
		permutation := ctx.MustValue(r.permutation)
		if permutation.Shape().Size() != weights.Shape().Rank() {
			permutation = ir.ConstInts(weights.Node().Graph(), SwapLastTwoAxes(weights.Shape().Rank())...)
		}
		weights = ir.Transpose(weights, permutation)
		scale = ir.Transpose(scale, permutation)
		if hasZeroPoint {
			zeroPoint = ir.Transpose(zeroPoint, permutation)
		}
	}

	fused := ir.CompressedLinear(linear.Activations, weights, scale, zeroPoint, linear.OutputDType).Node()
	fused.SetName(linear.Node.Name())
	ir.CopyProvenance(ctx.MatchedNodes(), fused)
	ir.Replace(linear.Node, fused)
	klog.V(1).Infof("%s: %s fused into %s (grouped=%v, transpose=%v, zero-point=%v)",
		ConvertLinearToCompressedLinearName, linear.Node, fused, grouped, hasTranspose, hasZeroPoint)
	return true
}

// IsGroupedScale returns whether a scale shaped with dims quantizes per group: that is, if more than
// one of its dimensions is larger than 1.
func IsGroupedScale(dims []int) bool {
	var count int
	for _, dim := range dims {
		if dim > 1 {
			count++
		}
	}
	return count > 1
}

// MergeAxesTo2D returns the 2D dimensions a 3D constant shaped dims is reshaped to for a CompressedLinear.
//
// If there is a transpose, or the quantization is not grouped, the first two axes are merged.
// Otherwise (grouped without transpose) the last two are merged. 2D dimensions are returned unchanged,
// and any other rank panics.
func MergeAxesTo2D(dims []int, hasTranspose, grouped bool) []int {
	switch len(dims) {
	case 2:
		return slices.Clone(dims)
	case 3:
		if hasTranspose || !grouped {
			return []int{dims[0] * dims[1], dims[2]}
		}
		return []int{dims[0], dims[1] * dims[2]}
	default:
		exceptions.Panicf("%s: constant of dimensions %v can't be reshaped to 2D", ConvertLinearToCompressedLinearName, dims)
		panic(nil) // for lint benefit.
	}
}

// SwapLastTwoAxes returns the identity permutation of the given rank, with the last two axes swapped.
func SwapLastTwoAxes(rank int) []int {
	if rank < 2 {
		exceptions.Panicf("SwapLastTwoAxes(%d): rank must be at least 2", rank)
	}
	permutation := make([]int, rank)
	for axis := range permutation {
		permutation[axis] = axis
	}
	permutation[rank-1], permutation[rank-2] = permutation[rank-2], permutation[rank-1]
	return permutation
}
