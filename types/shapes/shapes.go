// Package shapes defines Shape, the description of a tensor's dtype and dimensions.
//
// Shape is used both by the host tensor containers (see types/tensor) and by the
// compile/launch machinery when describing executable entry and return values.
// The element type (DType) enumeration comes from github.com/gomlx/gopjrt/dtypes.
//
// A Shape can also represent a tuple of shapes: executables return their results
// as one tuple shape with one element per return value. Tuple shapes are not
// valid as entry arguments to an executable.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a tensor or of an executable entry/return value.
//
// Use Make to create one. The zero value is invalid (Ok returns false).
type Shape struct {
	DType       dtypes.DType
	Dimensions  []int
	TupleShapes []Shape // Set only if this is a tuple shape.
}

// Make returns a Shape with the given dtype and dimensions.
//
// Dimensions must be non-negative. A dimension of zero yields a valid,
// zero-sized shape. See MakeTuple for tuple shapes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a rank-0 shape for the Go type T.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// MakeTuple returns a tuple shape with the given element shapes.
func MakeTuple(elements []Shape) Shape {
	return Shape{DType: dtypes.InvalidDType, TupleShapes: slices.Clone(elements)}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType || len(s.TupleShapes) > 0 }

// IsTuple returns whether the shape represents a tuple.
func (s Shape) IsTuple() bool { return s.DType == dtypes.InvalidDType && len(s.TupleShapes) > 0 }

// TupleSize returns the number of elements if this is a tuple shape, 0 otherwise.
func (s Shape) TupleSize() int { return len(s.TupleShapes) }

// Rank returns the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape holds a single value.
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Rank() == 0 }

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the number of elements of DType this shape holds, the product
// of all dimensions.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store a tensor of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions (recursively for tuples).
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	if s.IsTuple() || s2.IsTuple() {
		if s.TupleSize() != s2.TupleSize() {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	if s.TupleSize() > 0 {
		s2.TupleShapes = make([]Shape, 0, len(s.TupleShapes))
		for _, element := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, element.Clone())
		}
	}
	return
}

// String implements fmt.Stringer, pretty-printing the shape.
//
// The output is canonical: two shapes print the same string if, and only if,
// they are Equal. The launch signature relies on this.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, s.TupleSize())
		for _, element := range s.TupleShapes {
			parts = append(parts, element.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
