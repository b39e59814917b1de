// Package onnx imports graphs declared with the ONNX graph structure, written in YAML, into ir graphs.
//
// A GraphDef lists the graph inputs, its initializers (constant tensors), its nodes and its outputs,
// using ONNX op types and attributes. Only the ops with an ir counterpart are supported:
// Cast, Sub, Mul, Reshape, Transpose, Cosh, Gemm (without bias), MatMul and Constant.
//
// Example:
//
//	name: dequantized_linear
//	inputs:
//	  - {name: x, dtype: float32, dims: [batch, 6]}
//	initializers:
//	  - {name: w, dtype: int8, dims: [4, 6], values: [...]}
//	  - {name: scale, dtype: float32, dims: [4, 1], values: [0.5, 0.25, 1, 2]}
//	nodes:
//	  - {name: cast, op_type: Cast, inputs: [w], outputs: [w_float], attributes: {to: float32}}
//	  - {name: dequantize, op_type: Mul, inputs: [w_float, scale], outputs: [w_dequantized]}
//	  - {name: fc, op_type: Gemm, inputs: [x, w_dequantized], outputs: [y], attributes: {transB: 1}}
//	outputs: [y]
package onnx

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/graphrewrite/ir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// GraphDef is the definition of a graph, following the structure of the ONNX GraphProto.
type GraphDef struct {
	Name         string      `yaml:"name"`
	Inputs       []ValueInfo `yaml:"inputs"`
	Initializers []TensorDef `yaml:"initializers"`
	Nodes        []NodeDef   `yaml:"nodes"`
	Outputs      []string    `yaml:"outputs"`
}

// NodeDef is one op of the graph. Inputs and outputs refer to values by name: graph inputs,
// initializers or outputs of other nodes.
//
// Attributes are decoded according to the op: see the op's ONNX documentation.
type NodeDef struct {
	Name       string               `yaml:"name"`
	OpType     string               `yaml:"op_type"`
	Inputs     []string             `yaml:"inputs"`
	Outputs    []string             `yaml:"outputs"`
	Attributes map[string]yaml.Node `yaml:"attributes"`
}

// ValueInfo describes a graph input.
type ValueInfo struct {
	Name  string `yaml:"name"`
	DType string `yaml:"dtype"`
	Dims  []Dim  `yaml:"dims"`
}

// Dim is one dimension of a ValueInfo: either a fixed Value, or an unknown dimension, possibly
// named by Param. Unknown dimensions with the same name must match when the graph is fed.
//
// In YAML it's written as an integer, a name, or "?" for an unnamed unknown dimension.
type Dim struct {
	Value int
	Param string
}

// UnknownDimension is the YAML value of an unknown dimension with no name.
const UnknownDimension = "?"

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Dim) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: dimension must be an integer or a name", value.Line)
	}
	if dim, err := strconv.Atoi(value.Value); err == nil {
		if dim < 0 {
			return errors.Errorf("line %d: invalid dimension %d", value.Line, dim)
		}
		*d = Dim{Value: dim}
		return nil
	}
	*d = Dim{Value: ir.DimUnknown}
	if value.Value != UnknownDimension {
		d.Param = value.Value
	}
	return nil
}

// String implements fmt.Stringer.
func (d Dim) String() string {
	if d.Value != ir.DimUnknown {
		return strconv.Itoa(d.Value)
	}
	if d.Param == "" {
		return UnknownDimension
	}
	return d.Param
}

// Shape converts the ValueInfo to an ir.Shape, with the names of the unknown dimensions.
func (vi *ValueInfo) Shape() (ir.Shape, error) {
	dtype, err := dtypeForName(vi.DType)
	if err != nil {
		return ir.Shape{}, errors.WithMessagef(err, "input %q", vi.Name)
	}
	dims := sliceMap(vi.Dims, func(d Dim) int { return d.Value })
	names := sliceMap(vi.Dims, func(d Dim) string { return d.Param })
	return ir.MakeShape(dtype, dims...).WithNames(names...), nil
}

// ParseGraphDef parses the YAML definition of a graph. Unknown fields are reported as errors.
func ParseGraphDef(contents []byte) (*GraphDef, error) {
	def := &GraphDef{}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(def); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph definition")
	}
	return def, nil
}

// ReadGraphDefFile reads and parses the YAML definition of a graph from a file.
func ReadGraphDefFile(filePath string) (*GraphDef, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph definition from %q", filePath)
	}
	def, err := ParseGraphDef(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	return def, nil
}

// String implements fmt.Stringer, and pretty-prints the graph definition.
func (def *GraphDef) String() string {
	var sb strings.Builder
	w := func(format string, args ...any) { sb.WriteString(fmt.Sprintf(format, args...)) }
	w("GraphDef %q:\n", def.Name)
	w("\tInputs (%d):\n", len(def.Inputs))
	for _, vi := range def.Inputs {
		w("\t\t%q: (%s) %v\n", vi.Name, vi.DType, vi.Dims)
	}
	w("\tInitializers (%d):\n", len(def.Initializers))
	for _, t := range def.Initializers {
		w("\t\t%q: (%s) %v\n", t.Name, t.DType, t.Dims)
	}
	w("\tNodes (%d):\n", len(def.Nodes))
	for _, node := range def.Nodes {
		w("\t\t%s\n", node.String())
	}
	w("\tOutputs: %q\n", def.Outputs)
	return sb.String()
}

// String implements fmt.Stringer.
func (node *NodeDef) String() string {
	return fmt.Sprintf("%s[%q]: %q -> %q", node.OpType, node.Name, node.Inputs, node.Outputs)
}
