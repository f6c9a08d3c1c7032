package backends

import (
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/cymqqqq/oneflow/types/shapes"
)

// DeviceMemory is an untyped view of a device memory region: an opaque base
// address and a size in bytes. It does not own the memory it points to.
type DeviceMemory struct {
	ptr  unsafe.Pointer
	size uintptr
}

// MakeDeviceMemory returns a DeviceMemory view over [ptr, ptr+size).
func MakeDeviceMemory(ptr unsafe.Pointer, size uintptr) DeviceMemory {
	return DeviceMemory{ptr: ptr, size: size}
}

// Opaque returns the base address of the region.
func (m DeviceMemory) Opaque() unsafe.Pointer { return m.ptr }

// SizeBytes returns the size of the region.
func (m DeviceMemory) SizeBytes() uintptr { return m.size }

// IsNull returns whether the region has no base address.
func (m DeviceMemory) IsNull() bool { return m.ptr == nil }

// Bytes returns the region as a byte slice. It returns nil for null regions.
func (m DeviceMemory) Bytes() []byte {
	if m.IsNull() {
		return nil
	}
	return unsafe.Slice((*byte)(m.ptr), m.size)
}

// String implements fmt.Stringer.
func (m DeviceMemory) String() string {
	if m.IsNull() {
		return "DeviceMemory<null>"
	}
	return fmt.Sprintf("DeviceMemory<%p, %s>", m.ptr, humanize.IBytes(uint64(m.size)))
}

// ShapedBuffer pairs a device memory region with the host and on-device shapes
// it is interpreted as. It is how the launch engine hands entry arguments to
// executables.
//
// Only flat (non-tuple) buffers are valid entry arguments.
type ShapedBuffer struct {
	OnHostShape   shapes.Shape
	OnDeviceShape shapes.Shape
	DeviceOrdinal int

	memory DeviceMemory
}

// NewShapedBuffer returns a ShapedBuffer with no memory set yet.
func NewShapedBuffer(onHostShape, onDeviceShape shapes.Shape, deviceOrdinal int) *ShapedBuffer {
	return &ShapedBuffer{
		OnHostShape:   onHostShape,
		OnDeviceShape: onDeviceShape,
		DeviceOrdinal: deviceOrdinal,
	}
}

// SetBuffer sets the memory region backing this buffer.
func (b *ShapedBuffer) SetBuffer(memory DeviceMemory) { b.memory = memory }

// Buffer returns the memory region backing this buffer.
func (b *ShapedBuffer) Buffer() DeviceMemory { return b.memory }

// String implements fmt.Stringer.
func (b *ShapedBuffer) String() string {
	return fmt.Sprintf("ShapedBuffer{shape=%s, device=%d, memory=%s}", b.OnDeviceShape, b.DeviceOrdinal, b.memory)
}

// ExecutionResult is what running an executable produces: a tuple shape with
// one element per return value and the corresponding result memory regions.
//
// A null region at some index means the executable produced that output
// elsewhere (for example it wrote through an aliased input buffer).
type ExecutionResult struct {
	// Shape of the overall result. Always a tuple for well-formed results.
	Shape shapes.Shape

	// Buffers holds one region per tuple element.
	Buffers []DeviceMemory
}

// Buffer returns the memory region of the result tuple element at index.
func (r *ExecutionResult) Buffer(index int) DeviceMemory {
	return r.Buffers[index]
}
