package onnx

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// onnxDTypeNames are the ONNX names of the data types not already known to dtypes.MapOfNames.
var onnxDTypeNames = map[string]dtypes.DType{
	"float":  dtypes.Float32,
	"double": dtypes.Float64,
	"bool":   dtypes.Bool,
}

// dtypeForName converts a data type name to a GoMLX dtype. It accepts the ONNX names
// ("float", "int8", ...) and the GoMLX ones ("Float32", "F32", ...).
func dtypeForName(name string) (dtypes.DType, error) {
	if dtype, found := onnxDTypeNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	if dtype, found := dtypes.MapOfNames[name]; found && dtype != dtypes.InvalidDType {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported/unknown data type %q", name)
}
