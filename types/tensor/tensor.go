// Package tensor defines Host, the host-resident buffer container exchanged
// with the launch engine.
//
// A Host tensor pairs a name and a shape with flat byte storage. The storage
// may be absent ("body-disabled"): the tensor then declares a positive byte
// size but carries no data, and serves only as a placeholder entry for
// executables that never read nor write it.
package tensor

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/cymqqqq/oneflow/types/shapes"
)

// Host is a named, host-resident tensor buffer.
//
// The zero value is not usable; create them with NewHost, FromFlat or
// BodyDisabled.
type Host struct {
	name  string
	shape shapes.Shape
	data  []byte // nil for body-disabled tensors.
}

// NewHost returns a Host tensor with freshly allocated (zero-initialized)
// storage for the given shape.
func NewHost(name string, shape shapes.Shape) *Host {
	if !shape.Ok() || shape.IsTuple() {
		exceptions.Panicf("tensor.NewHost(%q): shape %s is not a valid flat buffer shape", name, shape)
	}
	return &Host{
		name:  name,
		shape: shape.Clone(),
		data:  make([]byte, shape.Memory()),
	}
}

// BodyDisabled returns a placeholder Host tensor: it declares the byte size of
// the given shape but holds no data. Executables are handed a never-dereferenced
// substitute pointer for these entries.
func BodyDisabled(name string, shape shapes.Shape) *Host {
	if !shape.Ok() || shape.IsTuple() {
		exceptions.Panicf("tensor.BodyDisabled(%q): shape %s is not a valid flat buffer shape", name, shape)
	}
	return &Host{name: name, shape: shape.Clone()}
}

// FromFlat returns a Host tensor with the given dimensions, with storage
// initialized from the flat values. len(values) must match the shape size.
func FromFlat[T dtypes.Supported](name string, values []T, dimensions ...int) *Host {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(values) != shape.Size() {
		exceptions.Panicf("tensor.FromFlat(%q): %d values given for shape %s (%d values needed)",
			name, len(values), shape, shape.Size())
	}
	t := NewHost(name, shape)
	if len(values) > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(values[0])))
		copy(t.data, src)
	}
	return t
}

// Flat returns the tensor storage reinterpreted as a flat slice of T.
// The slice aliases the tensor storage: writes through it are visible to
// anyone holding the tensor. It panics for body-disabled tensors or if T does
// not match the tensor dtype.
func Flat[T dtypes.Supported](t *Host) []T {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != t.shape.DType {
		exceptions.Panicf("tensor.Flat[%s](%q): tensor dtype is %s", dtype, t.name, t.shape.DType)
	}
	if t.IsBodyDisabled() {
		exceptions.Panicf("tensor.Flat(%q): tensor is body-disabled, it has no storage", t.name)
	}
	if t.shape.Size() == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), t.shape.Size())
}

// Name of the tensor.
func (t *Host) Name() string { return t.name }

// Shape of the tensor.
func (t *Host) Shape() shapes.Shape { return t.shape }

// ByteSize declared for the tensor storage. For body-disabled tensors this is
// the size the storage would have.
func (t *Host) ByteSize() uintptr { return t.shape.Memory() }

// IsBodyDisabled returns whether this tensor is a data-less placeholder.
func (t *Host) IsBodyDisabled() bool { return t.data == nil }

// Bytes returns the raw storage. It is nil for body-disabled tensors.
func (t *Host) Bytes() []byte { return t.data }

// DataPtr returns the address of the tensor storage, or nil for body-disabled
// or zero-sized tensors. The launch engine uses it to build device buffer
// descriptors and to verify buffer-reuse postconditions by pointer identity.
func (t *Host) DataPtr() unsafe.Pointer {
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&t.data[0])
}

// String implements fmt.Stringer.
func (t *Host) String() string {
	if t.IsBodyDisabled() {
		return fmt.Sprintf("%s: %s (body-disabled)", t.name, t.shape)
	}
	return fmt.Sprintf("%s: %s", t.name, t.shape)
}
