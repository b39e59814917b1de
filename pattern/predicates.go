package pattern

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/graphrewrite/ir"
)

// Predicate is a condition on the output being matched by a pattern node.
//
// Predicates must be pure, and must return false (never panic) when the information they need,
// like a rank, is not statically known.
type Predicate func(out ir.Output) bool

// All returns a predicate that is true if all the given predicates are true.
func All(predicates ...Predicate) Predicate {
	return func(out ir.Output) bool {
		for _, predicate := range predicates {
			if !predicate(out) {
				return false
			}
		}
		return true
	}
}

// ElementTypeIn returns a predicate that checks the output element type is one of allowed.
func ElementTypeIn(allowed ...dtypes.DType) Predicate {
	return func(out ir.Output) bool {
		return slices.Contains(allowed, out.DType())
	}
}

// ConsumersCount returns a predicate that checks the output feeds exactly count inputs.
func ConsumersCount(count int) Predicate {
	return func(out ir.Output) bool {
		return out.NumConsumers() == count
	}
}

// RankEquals returns a predicate that checks the output rank is known and equal to rank.
func RankEquals(rank int) Predicate {
	return func(out ir.Output) bool {
		shape := out.Shape()
		return shape.RankKnown() && shape.Rank() == rank
	}
}

// RankReducing returns a predicate that checks the node producing the output takes a first input
// of rank from and produces an output of rank to. Both ranks must be known.
func RankReducing(from, to int) Predicate {
	return func(out ir.Output) bool {
		node := out.Node()
		if node.NumInputs() == 0 {
			return false
		}
		inShape, outShape := node.Input(0).Shape(), out.Shape()
		return inShape.RankKnown() && outShape.RankKnown() && inShape.Rank() == from && outShape.Rank() == to
	}
}

// Reshape3DTo2D is the predicate of reshapes going from rank 3 to rank 2.
func Reshape3DTo2D() Predicate {
	return RankReducing(3, 2)
}

// CompressedWeights is the predicate of narrow integer (Uint8 or Int8) outputs with a single consumer:
// the storage of quantized weights.
func CompressedWeights() Predicate {
	return All(ElementTypeIn(dtypes.Uint8, dtypes.Int8), ConsumersCount(1))
}
