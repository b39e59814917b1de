package pattern

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dequantized builds convert(weights) [- zeroPoint] * scale.
func dequantized(g *ir.Graph, withZeroPoint bool) (weights, converted, zeroPoint, scale, mul ir.Output) {
	weights = ir.Const(g, []int8{1, -2, 3, -4, 5, -6}, 2, 3)
	converted = ir.Convert(weights, dtypes.Float32)
	scale = ir.Const(g, []float32{0.5, 0.25}, 2, 1)
	input := converted
	if withZeroPoint {
		zeroPoint = ir.Const(g, []float32{1}, 1, 1)
		input = ir.Subtract(converted, zeroPoint)
	}
	mul = ir.Multiply(input, scale)
	return
}

func TestMatchOp(t *testing.T) {
	g := ir.NewGraph("op")
	weights, converted, _, _, mul := dequantized(g, false)

	weightsP := OpWith(ir.OpConstant, CompressedWeights()).Named("weights")
	convertP := Op(ir.OpConvert, weightsP).Named("convert")
	scaleP := Any().Named("scale")
	mulP := Op(ir.OpMultiply, convertP, scaleP)

	ctx, ok := Match(mulP, mul)
	require.True(t, ok)
	require.Equal(t, 4, ctx.Len())
	require.Equal(t, weights, ctx.MustValue(weightsP))
	require.Same(t, converted.Node(), ctx.MustNode(convertP))
	require.Same(t, mul.Node(), ctx.Node(mulP))

	// Type mismatch at the root or below it.
	_, ok = Match(mulP, converted)
	require.False(t, ok)
	_, ok = Match(Op(ir.OpMultiply, Op(ir.OpSubtract), scaleP), mul)
	require.False(t, ok)

	// Wrong number of inputs.
	_, ok = Match(Op(ir.OpMultiply, convertP), mul)
	require.False(t, ok)

	// Op with no inputs doesn't look at them.
	_, ok = Match(Op(ir.OpMultiply), mul)
	require.True(t, ok)
}

func TestMatchOrOrdering(t *testing.T) {
	convertP := Op(ir.OpConvert, Any())
	subtractP := Op(ir.OpSubtract, convertP, Op(ir.OpConstant)).Named("subtract")
	mulWithSub := Op(ir.OpMultiply, subtractP, Op(ir.OpConstant)).Named("with_sub")
	mulNoSub := Op(ir.OpMultiply, convertP, Op(ir.OpConstant)).Named("no_sub")
	mulP := Or(mulWithSub, mulNoSub)

	t.Run("WithZeroPoint", func(t *testing.T) {
		g := ir.NewGraph("with_zp")
		_, converted, _, _, mul := dequantized(g, true)
		ctx, ok := Match(mulP, mul)
		require.True(t, ok)
		require.True(t, ctx.Has(mulWithSub))
		require.False(t, ctx.Has(mulNoSub))
		require.True(t, ctx.Has(subtractP))
		require.Equal(t, converted, ctx.MustValue(convertP))
	})

	t.Run("WithoutZeroPoint", func(t *testing.T) {
		g := ir.NewGraph("no_zp")
		_, converted, _, _, mul := dequantized(g, false)
		ctx, ok := Match(mulP, mul)
		require.True(t, ok)
		require.False(t, ctx.Has(mulWithSub))
		require.False(t, ctx.Has(subtractP))
		require.True(t, ctx.Has(mulNoSub))
		require.Equal(t, converted, ctx.MustValue(convertP))
	})

	t.Run("FirstAlternativeWins", func(t *testing.T) {
		g := ir.NewGraph("first")
		_, _, _, _, mul := dequantized(g, false)
		first := Op(ir.OpMultiply).Named("first")
		second := Op(ir.OpMultiply).Named("second")
		ctx, ok := Match(Or(first, second), mul)
		require.True(t, ok)
		require.True(t, ctx.Has(first))
		require.False(t, ctx.Has(second))

		_, ok = Match(Or(Op(ir.OpSubtract), Op(ir.OpLinear)), mul)
		require.False(t, ok)
	})
}

func TestMatchRollback(t *testing.T) {
	g := ir.NewGraph("rollback")
	_, _, _, _, mul := dequantized(g, false)

	// The first alternative binds convert and its wildcard before failing on the second input.
	inputP := Any().Named("input")
	convertP := Op(ir.OpConvert, inputP)
	failing := Op(ir.OpMultiply, convertP, OpWith(ir.OpConstant, ConsumersCount(5)))
	fallback := Op(ir.OpMultiply, Any(), Any())
	ctx, ok := Match(Or(failing, fallback), mul)
	require.True(t, ok)
	require.False(t, ctx.Has(convertP))
	require.False(t, ctx.Has(inputP))
	require.False(t, ctx.Has(failing))
	require.True(t, ctx.Has(fallback))
	require.Equal(t, 4, ctx.Len()) // fallback, its two wildcards and the Or.
}

func TestMatchSharedPattern(t *testing.T) {
	g := ir.NewGraph("shared")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, 3))
	cosh := ir.Cosh(x)
	square := ir.Multiply(cosh, cosh)
	distinct := ir.Multiply(ir.Cosh(x), ir.Cosh(x))

	sharedP := Op(ir.OpCosh, Any())
	pattern := Op(ir.OpMultiply, sharedP, sharedP)
	ctx, ok := Match(pattern, square)
	require.True(t, ok)
	require.Equal(t, cosh, ctx.MustValue(sharedP))

	_, ok = Match(pattern, distinct)
	require.False(t, ok)

	// Without sharing, any two Cosh match.
	_, ok = Match(Op(ir.OpMultiply, Op(ir.OpCosh, Any()), Op(ir.OpCosh, Any())), distinct)
	require.True(t, ok)
}

func TestMatchDeterminism(t *testing.T) {
	g := ir.NewGraph("determinism")
	_, _, _, _, mul := dequantized(g, true)
	convertP := Op(ir.OpConvert, Any())
	pattern := Or(
		Op(ir.OpMultiply, Op(ir.OpSubtract, convertP, Any()), Any()),
		Op(ir.OpMultiply, convertP, Any()))

	first, ok := Match(pattern, mul)
	require.True(t, ok)
	second, ok := Match(pattern, mul)
	require.True(t, ok)
	require.Equal(t, first.String(), second.String())
	require.Equal(t, first.Len(), second.Len())
	require.Equal(t, first.MatchedNodes(), second.MatchedNodes())
}

func TestMatchedNodes(t *testing.T) {
	g := ir.NewGraph("matched")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, 3))
	cosh := ir.Cosh(x)
	square := ir.Multiply(cosh, cosh)

	sharedP := Op(ir.OpCosh, Any())
	ctx, ok := Match(Op(ir.OpMultiply, sharedP, sharedP), square)
	require.True(t, ok)
	require.Equal(t, []*ir.Node{cosh.Node(), square.Node()}, ctx.MatchedNodes())
	require.Nil(t, ctx.Node(Any()))
	_, found := ctx.Value(Any())
	require.False(t, found)
	require.Panics(t, func() { _ = ctx.MustValue(Any()) })
}

func TestMatcher(t *testing.T) {
	g := ir.NewGraph("matcher")
	_, _, _, _, mul := dequantized(g, false)
	m := NewMatcher("multiply", Op(ir.OpMultiply))
	ctx, ok := m.Match(mul.Node())
	require.True(t, ok)
	require.Equal(t, 1, ctx.Len())

	_, ok = m.Match(mul.Node().InputNode(0))
	require.False(t, ok)

	g.AddResult(ir.Cosh(mul))
	ir.Replace(mul.Node(), ir.Multiply(mul.Node().Input(0), mul.Node().Input(1)).Node())
	require.True(t, mul.Node().IsDead())
	_, ok = m.Match(mul.Node())
	require.False(t, ok)
}

func TestPredicates(t *testing.T) {
	g := ir.NewGraph("predicates")
	weights := ir.Const(g, make([]uint8, 6), 2, 3)
	assert.False(t, CompressedWeights()(weights), "no consumers")
	ir.Convert(weights, dtypes.Float32)
	assert.True(t, CompressedWeights()(weights))
	ir.Convert(weights, dtypes.Float16)
	assert.False(t, CompressedWeights()(weights), "two consumers")
	floats := ir.Const(g, make([]float32, 6), 2, 3)
	ir.Cosh(floats)
	assert.False(t, CompressedWeights()(floats), "not an integer type")
	assert.True(t, ElementTypeIn(dtypes.Float16, dtypes.Float32)(floats))
	assert.True(t, ConsumersCount(1)(floats))
	assert.False(t, ConsumersCount(2)(floats))
	assert.True(t, All()(floats))
	assert.False(t, All(RankEquals(2), RankEquals(3))(floats))

	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, 2, 3, 4))
	assert.True(t, Reshape3DTo2D()(ir.Reshape(x, ir.ConstInts(g, 6, 4))))
	assert.False(t, Reshape3DTo2D()(ir.Reshape(x, ir.ConstInts(g, 24))))
	assert.False(t, Reshape3DTo2D()(x), "no inputs")

	// Unknown ranks are never an error, only a failed match.
	unknown := ir.Parameter(g, "unknown", ir.UnknownRank(dtypes.Float32))
	reshaped := ir.Reshape(unknown, ir.ConstInts(g, 2, -1))
	require.True(t, reshaped.Shape().RankKnown())
	assert.False(t, Reshape3DTo2D()(reshaped))
	assert.False(t, RankEquals(3)(unknown))
	_, ok := Match(OpWith(ir.OpReshape, Reshape3DTo2D(), Any(), Any()), reshaped)
	assert.False(t, ok)
}

func TestPatternStrings(t *testing.T) {
	weightsP := Op(ir.OpConstant).Named("weights")
	convertP := Op(ir.OpConvert, weightsP)
	assert.Equal(t, "Convert(weights)", convertP.String())
	assert.Equal(t, "Or(Convert(weights) | Any())", Or(convertP, Any()).String())
	assert.Equal(t, "Or[w](weights)", Or(weightsP).Named("w").String())
	assert.Equal(t, "Any(x)", Any().Named("x").String())
	assert.Equal(t, "Constant[weights]()", weightsP.String())
}
