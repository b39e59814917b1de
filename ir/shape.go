package ir

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// DimUnknown is the value of a dimension whose extent is not statically known.
const DimUnknown = -1

// Shape is the type of a node output: its element type and dimensions.
//
// Similar to GoMLX shapes.Shape, but some of the dimensions may be DimUnknown, and the rank itself may
// be unknown (see UnknownRank).
//
// Dimensions may also be named, in which case unknown dimensions with the same name must match
// when the graph is fed (see Graph.ValidateFeeds).
type Shape struct {
	dtypes.DType
	Dimensions []int
	Names      []string

	unknownRank bool
}

// MakeShape returns a Shape with the given dtype and dimensions. Use DimUnknown for dimensions
// that are not statically known.
func MakeShape(dtype dtypes.DType, dimensions ...int) Shape {
	for axis, dim := range dimensions {
		if dim < 0 && dim != DimUnknown {
			exceptions.Panicf("ir.MakeShape(%s, %v): invalid dimension %d for axis %d", dtype, dimensions, dim, axis)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// UnknownRank returns a Shape with the given dtype for which not even the rank is known.
func UnknownRank(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, unknownRank: true}
}

// FromStatic converts a GoMLX static shape.
func FromStatic(shape shapes.Shape) Shape {
	return MakeShape(shape.DType, shape.Dimensions...)
}

// WithNames returns a copy of the shape with the dimension names set.
// Only unknown dimensions' names are used during validation.
func (s Shape) WithNames(names ...string) Shape {
	if s.unknownRank || len(names) != len(s.Dimensions) {
		exceptions.Panicf("ir.Shape.WithNames(%q): shape %s has a different rank", names, s)
	}
	s.Dimensions = slices.Clone(s.Dimensions)
	s.Names = slices.Clone(names)
	return s
}

// RankKnown returns whether the rank of the shape is statically known.
func (s Shape) RankKnown() bool {
	return !s.unknownRank
}

// Rank returns the shape's rank, or -1 if the rank is unknown.
func (s Shape) Rank() int {
	if s.unknownRank {
		return -1
	}
	return len(s.Dimensions)
}

// IsStatic returns whether the rank and all dimensions are known.
func (s Shape) IsStatic() bool {
	if s.unknownRank {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim == DimUnknown {
			return false
		}
	}
	return true
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics if the rank is unknown or the axis is out of range.
func (s Shape) Dim(axis int) int {
	if s.unknownRank {
		exceptions.Panicf("ir.Shape.Dim(%d): shape %s has unknown rank", axis, s)
	}
	adjusted := axis
	if adjusted < 0 {
		adjusted += len(s.Dimensions)
	}
	if adjusted < 0 || adjusted >= len(s.Dimensions) {
		exceptions.Panicf("ir.Shape.Dim(%d): axis out of range for shape %s", axis, s)
	}
	return s.Dimensions[adjusted]
}

// Size returns the number of elements, or -1 if the shape is not static.
func (s Shape) Size() int {
	if !s.IsStatic() {
		return -1
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Static converts to a GoMLX static shape. It panics if the shape is not static.
func (s Shape) Static() shapes.Shape {
	if !s.IsStatic() {
		exceptions.Panicf("ir.Shape.Static(): shape %s is not static", s)
	}
	return shapes.Make(s.DType, s.Dimensions...)
}

// Equal compares dtypes, rank knowledge and dimensions. Names are ignored.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && s.unknownRank == other.unknownRank &&
		slices.Equal(s.Dimensions, other.Dimensions)
}

// Compatible returns whether the two shapes can describe the same values: same dtype and, if both ranks
// are known, same rank with each pair of dimensions equal or unknown in either shape.
func (s Shape) Compatible(other Shape) bool {
	if s.DType != other.DType {
		return false
	}
	if s.unknownRank || other.unknownRank {
		return true
	}
	if len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for axis, dim := range s.Dimensions {
		if !dimsCompatible(dim, other.Dimensions[axis]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	s.Dimensions = slices.Clone(s.Dimensions)
	s.Names = slices.Clone(s.Names)
	return s
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if s.unknownRank {
		return fmt.Sprintf("(%s)[...]", s.DType)
	}
	if len(s.Dimensions) == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for axis, dim := range s.Dimensions {
		switch {
		case dim != DimUnknown:
			parts[axis] = strconv.Itoa(dim)
		case len(s.Names) > axis && s.Names[axis] != "":
			parts[axis] = s.Names[axis]
		default:
			parts[axis] = "?"
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
