package togomlx

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/graphrewrite/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) backends.Backend {
	t.Helper()
	return must.M1(simplego.New(""))
}

func requireInDelta(t *testing.T, want []float32, got *tensors.Tensor, delta float64) {
	t.Helper()
	gotFlat := tensors.MustCopyFlatData[float32](got)
	require.Len(t, gotFlat, len(want))
	for ii := range want {
		require.InDeltaf(t, want[ii], gotFlat[ii], delta, "element #%d: want %v, got %v", ii, want, gotFlat)
	}
}

func TestEvaluateElementwise(t *testing.T) {
	backend := newBackend(t)
	g := ir.NewGraph("elementwise")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, ir.DimUnknown, 3))
	scale := ir.Const(g, []float32{2, 3, 4}, 3)
	shift := ir.Const(g, []float32{1}, 1, 1)
	g.AddResult(ir.Cosh(x))
	g.AddResult(ir.Subtract(ir.Multiply(x, scale), shift))

	xValues := []float32{0, 0.5, -1, 1.5, -2, 0.25}
	results, err := Evaluate(backend, g, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(xValues, 2, 3),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	wantCosh := make([]float32, len(xValues))
	wantAffine := make([]float32, len(xValues))
	for ii, v := range xValues {
		wantCosh[ii] = math32.Cosh(v)
		wantAffine[ii] = v*[]float32{2, 3, 4}[ii%3] - 1
	}
	requireInDelta(t, wantCosh, results[0], 1e-5)
	requireInDelta(t, wantAffine, results[1], 1e-5)
	require.Equal(t, []int{2, 3}, results[1].Shape().Dimensions)
}

func TestEvaluateShapes(t *testing.T) {
	backend := newBackend(t)
	g := ir.NewGraph("shapes")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, 2, 3, 2))
	reshaped := ir.Reshape(x, ir.ConstInts(g, 0, -1))
	g.AddResult(ir.Transpose(reshaped, ir.ConstInts(g, 1, 0)))

	flat := make([]float32, 12)
	for ii := range flat {
		flat[ii] = float32(ii)
	}
	results, err := Evaluate(backend, g, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(flat, 2, 3, 2),
	})
	require.NoError(t, err)
	require.Equal(t, []int{6, 2}, results[0].Shape().Dimensions)
	requireInDelta(t, []float32{0, 6, 1, 7, 2, 8, 3, 9, 4, 10, 5, 11}, results[0], 0)
}

func TestEvaluateLinear(t *testing.T) {
	backend := newBackend(t)
	g := ir.NewGraph("linear")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, ir.DimUnknown, 2, 3))
	w := ir.Const(g, []float32{
		1, 0, 0,
		0, 1, 1,
	}, 2, 3)
	g.AddResult(ir.Linear(x, w, dtypes.Float32))

	results, err := Evaluate(backend, g, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions([]float32{
			1, 2, 3,
			4, 5, 6,
		}, 1, 2, 3),
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2}, results[0].Shape().Dimensions)
	requireInDelta(t, []float32{1, 5, 4, 11}, results[0], 1e-6)
}

func TestEvaluateCompressedLinear(t *testing.T) {
	backend := newBackend(t)
	const rows, cols, groups = 3, 4, 2
	weights := []uint8{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}
	scale := []float32{
		0.5, 1,
		2, 0.25,
		1, 1,
	}
	zeroPoint := float32(2)
	xValues := []float32{1, -1, 0.5, 2}

	g := ir.NewGraph("compressed")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, 1, cols))
	g.AddResult(ir.CompressedLinear(x,
		ir.Const(g, weights, rows, cols),
		ir.Const(g, scale, rows, groups),
		ir.Const(g, []float32{zeroPoint}, 1, 1),
		dtypes.Float32))

	want := make([]float32, rows)
	for n := range rows {
		for k := range cols {
			group := k / (cols / groups)
			dequantized := (float32(weights[n*cols+k]) - zeroPoint) * scale[n*groups+group]
			want[n] += xValues[k] * dequantized
		}
	}

	results, err := Evaluate(backend, g, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(xValues, 1, cols),
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, rows}, results[0].Shape().Dimensions)
	requireInDelta(t, want, results[0], 1e-5)
}

func TestEvaluateErrors(t *testing.T) {
	backend := newBackend(t)
	g := ir.NewGraph("errors")
	x := ir.Parameter(g, "x", ir.MakeShape(dtypes.Float32, 2))

	// No results.
	_, err := Evaluate(backend, g, map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1, 2})})
	require.Error(t, err)

	g.AddResult(ir.Cosh(x))
	_, err = Evaluate(backend, g, map[string]*tensors.Tensor{})
	require.Error(t, err)
	_, err = Evaluate(backend, g, map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1, 2, 3})})
	require.Error(t, err)
	_, err = Evaluate(backend, g, map[string]*tensors.Tensor{"x": tensors.FromValue([]float32{1, 2})})
	require.NoError(t, err)
}
