package ir

import "fmt"

// OpType enumerates the node catalog of the graph.
//
// It is a closed set: passes switch over it and per-op payloads are only reachable through
// the checked accessors in Node (e.g. Node.AsLinear).
type OpType int

const (
	OpInvalid OpType = iota
	OpParameter
	OpConstant
	OpConvert
	OpSubtract
	OpMultiply
	OpReshape
	OpTranspose
	OpLinear
	OpCompressedLinear
	OpCosh
)

var opTypeNames = [...]string{
	OpInvalid:          "Invalid",
	OpParameter:        "Parameter",
	OpConstant:         "Constant",
	OpConvert:          "Convert",
	OpSubtract:         "Subtract",
	OpMultiply:         "Multiply",
	OpReshape:          "Reshape",
	OpTranspose:        "Transpose",
	OpLinear:           "Linear",
	OpCompressedLinear: "CompressedLinear",
	OpCosh:             "Cosh",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// OpTypeFromString returns the OpType with the given name, or OpInvalid if it is unknown.
func OpTypeFromString(name string) OpType {
	for op, opName := range opTypeNames {
		if opName == name {
			return OpType(op)
		}
	}
	return OpInvalid
}
