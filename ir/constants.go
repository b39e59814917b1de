package ir

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

type constantData struct {
	value *tensors.Tensor
}

// Constant creates a node holding the tensor value. The tensor is owned by the graph afterwards
// and must not be modified.
func Constant(g *Graph, value *tensors.Tensor) Output {
	if value == nil {
		exceptions.Panicf("ir.Constant(): nil tensor")
	}
	return g.newNode(OpConstant, &constantData{value: value}, nil, FromStatic(value.Shape())).Out()
}

// Const creates a constant from flat values in row-major order and the given dimensions.
// With no dimensions flat must hold exactly one value, and a scalar is created.
func Const[T dtypes.Supported](g *Graph, flat []T, dimensions ...int) Output {
	return Constant(g, tensors.FromFlatDataAndDimensions(flat, dimensions...))
}

// ConstInts creates a 1D Int64 constant, the usual operand of Reshape and Transpose.
func ConstInts(g *Graph, values ...int) Output {
	flat := make([]int64, len(values))
	for ii, v := range values {
		flat[ii] = int64(v)
	}
	return Const(g, flat, len(flat))
}

// ConstantValue returns the tensor of a Constant node. It panics if n is not a Constant.
func (n *Node) ConstantValue() *tensors.Tensor {
	data, ok := n.data.(*constantData)
	if !ok {
		exceptions.Panicf("ir.Node.ConstantValue(): node %s is not a Constant", n)
	}
	return data.value
}

// IsConstant returns whether n is a Constant node.
func (n *Node) IsConstant() bool {
	return n.opType == OpConstant
}

// ConstantInts returns the values of an integer Constant node converted to int.
// It panics if n is not a Constant or holds non-integer values.
func (n *Node) ConstantInts() []int {
	value := n.ConstantValue()
	if !value.DType().IsInt() {
		exceptions.Panicf("ir.Node.ConstantInts(): constant %s is not of an integer dtype", n)
	}
	return tensorToInts(value)
}

func tensorToInts(t *tensors.Tensor) []int {
	res := make([]int, t.Size())
	intType := reflect.TypeOf(int(0))
	t.MustConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			res[ii] = valueOf.Index(ii).Convert(intType).Interface().(int)
		}
	})
	return res
}

// ReshapedConstant creates a new Constant with the data of the constant c laid out in the given dimensions.
// The number of elements must be preserved. The original constant is left untouched.
func ReshapedConstant(c Output, dimensions ...int) Output {
	original := c.node.ConstantValue()
	shape := shapes.Make(original.DType(), dimensions...)
	if shape.Size() != original.Size() {
		exceptions.Panicf("ir.ReshapedConstant(%s, %v): size %d doesn't match", c, dimensions, shape.Size())
	}
	reshaped, err := copyToShape(original, shape)
	if err != nil {
		panic(errors.WithMessagef(err, "ir.ReshapedConstant(%s, %v)", c, dimensions))
	}
	return Constant(c.node.graph, reshaped)
}

// copyToShape copies the raw bytes of the tensor into a new tensor of the given shape.
func copyToShape(t *tensors.Tensor, shape shapes.Shape) (*tensors.Tensor, error) {
	result := tensors.FromShape(shape)
	var copyErr error
	err := t.ConstBytes(func(src []byte) {
		copyErr = result.MutableBytes(func(dst []byte) {
			copy(dst, src)
		})
	})
	if err != nil {
		return nil, err
	}
	if copyErr != nil {
		return nil, copyErr
	}
	return result, nil
}
