package ir

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestReplace(t *testing.T) {
	g := NewGraph("replace")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 2, 3))
	a := Cosh(x)
	b := Multiply(a, a)
	g.AddResult(b)

	c := Convert(x, dtypes.Float32)
	Replace(a.Node(), c.Node())
	require.True(t, a.Node().IsDead())
	require.Equal(t, 0, a.NumConsumers())
	require.Equal(t, []Output{c, c}, b.Node().Inputs())
	require.Equal(t, 2, c.NumConsumers())

	// x only feeds c now: the edge from the removed Cosh is gone.
	require.Equal(t, 1, x.NumConsumers())
	require.Same(t, c.Node(), x.Consumers()[0].Node())
	require.Equal(t, 3, g.NumNodes())

	// Handles of removed nodes stay valid.
	require.Same(t, a.Node(), g.Node(a.Node().ID()))

	// Removed nodes can't be used anymore.
	require.Panics(t, func() { _ = Cosh(a) })
	require.Panics(t, func() { Replace(a.Node(), c.Node()) })
	require.Panics(t, func() { Replace(c.Node(), c.Node()) })
	require.Panics(t, func() { Replace(b.Node(), Convert(x, dtypes.Float16).Node()) })

	// The replacement must produce a compatible shape.
	other := Parameter(g, "other", MakeShape(dtypes.Float32, 3, 2))
	require.Panics(t, func() { Replace(b.Node(), Cosh(other).Node()) })
	require.False(t, b.Node().IsDead())
}

func TestShapeCompatible(t *testing.T) {
	s := MakeShape(dtypes.Float32, 2, 3)
	require.True(t, s.Compatible(MakeShape(dtypes.Float32, 2, 3)))
	require.True(t, s.Compatible(MakeShape(dtypes.Float32, DimUnknown, 3)))
	require.True(t, s.Compatible(UnknownRank(dtypes.Float32)))
	require.False(t, s.Compatible(MakeShape(dtypes.Float32, 3, 2)))
	require.False(t, s.Compatible(MakeShape(dtypes.Float32, 6)))
	require.False(t, s.Compatible(MakeShape(dtypes.Int32, 2, 3)))
}

func TestRollback(t *testing.T) {
	g := NewGraph("rollback")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 2, 4))
	w := Const(g, make([]float32, 12), 3, 4)
	y := Linear(x, w, dtypes.Float32)
	g.AddResult(y)
	fingerprint, numNodes := g.Fingerprint(), g.NumNodes()

	checkpoint := g.NumCreated()
	require.Equal(t, 3, checkpoint)
	reshaped := ReshapedConstant(w, 4, 3)
	transposed := Transpose(reshaped, ConstInts(g, 1, 0))
	p := Parameter(g, "extra", MakeShape(dtypes.Float32, 3))
	_ = Multiply(Cosh(transposed), transposed)
	_ = Cosh(x)
	require.Equal(t, numNodes+7, g.NumNodes())

	g.Rollback(checkpoint)
	require.Equal(t, numNodes, g.NumNodes())
	require.Equal(t, fingerprint, g.Fingerprint())
	require.True(t, reshaped.Node().IsDead())
	require.True(t, p.Node().IsDead())
	require.Nil(t, g.Parameter("extra"))
	require.Equal(t, 1, x.NumConsumers())
	require.Equal(t, 1, w.NumConsumers())
	require.Equal(t, checkpoint+7, g.NumCreated(), "handles are never reused")

	// Nodes wired into the older part of the graph can't be rolled back.
	checkpoint = g.NumCreated()
	Replace(y.Node(), Cosh(y).Node())
	require.Panics(t, func() { g.Rollback(checkpoint) })
	require.Panics(t, func() { g.Rollback(g.NumCreated() + 1) })
}

func TestReplaceReleasesProducers(t *testing.T) {
	g := NewGraph("release")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 5, 4))
	w := Const(g, make([]int8, 12), 3, 4)
	converted := Convert(w, dtypes.Float32)
	linear := Linear(x, converted, dtypes.Float32)
	g.AddResult(linear)
	require.Equal(t, 4, g.NumNodes())

	replacement := Linear(x, Const(g, make([]float32, 12), 3, 4), dtypes.Float32)
	Replace(linear.Node(), replacement.Node())
	for _, n := range []*Node{linear.Node(), converted.Node(), w.Node()} {
		require.Truef(t, n.IsDead(), "%s should have been removed", n)
	}
	require.False(t, x.Node().IsDead())
	require.Equal(t, []Output{replacement}, g.Results())
	require.Equal(t, 3, g.NumNodes())
}

func TestReplaceKeepsSharedProducers(t *testing.T) {
	g := NewGraph("shared")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 4))
	shared := Cosh(x)
	a := Cosh(shared)
	b := Multiply(shared, x)
	g.AddResult(a)
	g.AddResult(b)

	Replace(a.Node(), Convert(x, dtypes.Float32).Node())
	require.True(t, a.Node().IsDead())
	require.False(t, shared.Node().IsDead())
	require.Equal(t, 1, shared.NumConsumers())
}

func TestPrune(t *testing.T) {
	g := NewGraph("prune")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 4))
	unusedParam := Parameter(g, "unused", MakeShape(dtypes.Float32, 4))
	g.AddResult(Cosh(x))
	orphan := Multiply(Cosh(x), Const(g, []float32{2}, 1))
	require.Equal(t, 3, g.Prune())
	require.True(t, orphan.Node().IsDead())
	require.False(t, unusedParam.Node().IsDead())
	require.Equal(t, 3, g.NumNodes())
	require.Equal(t, 0, g.Prune())
}

func TestCopyProvenance(t *testing.T) {
	g := NewGraph("provenance")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 4))
	a := Cosh(x)
	a.Node().SetName("a")
	b := Cosh(a)
	CopyProvenance([]*Node{x.Node(), a.Node()}, b.Node())
	require.Equal(t, "Cosh_2", b.Node().Name())
	require.Equal(t, []string{"Cosh_1", "Cosh_2", "x"}, b.Node().Provenance())

	b.Node().AddProvenance("layer0/act", "x")
	require.Equal(t, []string{"Cosh_1", "Cosh_2", "layer0/act", "x"}, b.Node().Provenance())
}

func TestTopologicalOrder(t *testing.T) {
	g := NewGraph("topological")
	x := Parameter(g, "x", MakeShape(dtypes.Float32, 4))
	a := Cosh(x)
	b := Cosh(a)
	g.AddResult(b)

	// c is created after its consumer b.
	c := Convert(x, dtypes.Float32)
	Replace(a.Node(), c.Node())
	order := g.TopologicalOrder()
	require.Len(t, order, 3)
	position := make(map[NodeID]int)
	for pos, node := range order {
		position[node.ID()] = pos
	}
	require.Less(t, position[x.Node().ID()], position[c.Node().ID()])
	require.Less(t, position[c.Node().ID()], position[b.Node().ID()])
	require.NotContains(t, position, a.Node().ID())
}

func TestInspection(t *testing.T) {
	build := func() (*Graph, Output) {
		g := NewGraph("inspect")
		x := Parameter(g, "x", MakeShape(dtypes.Float32, DimUnknown, 4))
		w := Const(g, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4)
		y := Linear(x, w, dtypes.Float32)
		g.AddResult(y)
		return g, y
	}
	g0, _ := build()
	g1, y1 := build()
	require.Equal(t, g0.Fingerprint(), g1.Fingerprint())

	// Constant values are part of the fingerprint.
	g2 := NewGraph("inspect")
	x2 := Parameter(g2, "x", MakeShape(dtypes.Float32, DimUnknown, 4))
	g2.AddResult(Linear(x2, Const(g2, []float32{1, 2, 3, 4, 5, 6, 7, 0}, 2, 4), dtypes.Float32))
	require.NotEqual(t, g0.Fingerprint(), g2.Fingerprint())

	// Names are not.
	y1.Node().SetName("renamed")
	require.Equal(t, g0.Fingerprint(), g1.Fingerprint())

	Replace(y1.Node(), Cosh(y1).Node())
	require.NotEqual(t, g0.Fingerprint(), g1.Fingerprint())

	listing := g0.String()
	require.Contains(t, listing, "Linear#2(Linear_2)")
	require.Contains(t, listing, "<- Parameter#0(x), Constant#1(Constant_1)")
	require.Contains(t, listing, "result #0")

	dot := g0.Graphviz()
	require.True(t, strings.HasPrefix(dot, "digraph \"inspect\" {"))
	require.Contains(t, dot, "n0 -> n2;")
	require.Contains(t, dot, "n2 -> result0;")
}
