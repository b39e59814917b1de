package onnx

import (
	"math"

	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TensorDef is a constant tensor: the initializers of a graph or the value of a Constant node.
//
// Values are given in row-major order. Integer dtypes require integer values.
type TensorDef struct {
	Name   string    `yaml:"name"`
	DType  string    `yaml:"dtype"`
	Dims   []int     `yaml:"dims"`
	Values []float64 `yaml:"values"`
}

// Tensor converts the definition to a tensor of the requested dtype.
func (def *TensorDef) Tensor() (*tensors.Tensor, error) {
	dtype, err := dtypeForName(def.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing tensor %q", def.Name)
	}
	size := 1
	for _, dim := range def.Dims {
		if dim < 0 {
			return nil, errors.Errorf("tensor %q has invalid dimensions %v", def.Name, def.Dims)
		}
		size *= dim
	}
	if len(def.Values) != size {
		return nil, errors.Errorf("tensor %q shaped %v has size %d, but %d values were provided",
			def.Name, def.Dims, size, len(def.Values))
	}
	if dtype.IsInt() {
		for ii, v := range def.Values {
			if v != math.Trunc(v) {
				return nil, errors.Errorf("tensor %q of dtype %s has non-integer value %g at position %d",
					def.Name, dtype, v, ii)
			}
		}
	}

	switch dtype {
	case dtypes.Float32:
		return tensorFromValues[float32](def.Values, def.Dims), nil
	case dtypes.Float64:
		return tensorFromValues[float64](def.Values, def.Dims), nil
	case dtypes.Float16:
		flat := sliceMap(def.Values, func(v float64) float16.Float16 { return float16.FromFloat32(float32(v)) })
		return tensors.FromFlatDataAndDimensions(flat, def.Dims...), nil
	case dtypes.Int8:
		return tensorFromValues[int8](def.Values, def.Dims), nil
	case dtypes.Int16:
		return tensorFromValues[int16](def.Values, def.Dims), nil
	case dtypes.Int32:
		return tensorFromValues[int32](def.Values, def.Dims), nil
	case dtypes.Int64:
		return tensorFromValues[int64](def.Values, def.Dims), nil
	case dtypes.Uint8:
		return tensorFromValues[uint8](def.Values, def.Dims), nil
	case dtypes.Uint16:
		return tensorFromValues[uint16](def.Values, def.Dims), nil
	case dtypes.Uint32:
		return tensorFromValues[uint32](def.Values, def.Dims), nil
	case dtypes.Uint64:
		return tensorFromValues[uint64](def.Values, def.Dims), nil
	case dtypes.Bool:
		flat := sliceMap(def.Values, func(v float64) bool { return v != 0 })
		return tensors.FromFlatDataAndDimensions(flat, def.Dims...), nil
	default:
		return nil, errors.Errorf("tensor %q: dtype %s not supported", def.Name, dtype)
	}
}

func tensorFromValues[T float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64](
	values []float64, dims []int) *tensors.Tensor {
	flat := sliceMap(values, func(v float64) T { return T(v) })
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}
