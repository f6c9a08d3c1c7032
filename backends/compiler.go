package backends

import (
	"github.com/cymqqqq/oneflow/internal/workerspool"
	"github.com/cymqqqq/oneflow/types/shapes"
)

// Subgraph is the opaque description of a launch unit: a fused group of
// operations compiled and executed as one executable. How operations are fused
// into it belongs to the surrounding graph layer; backends downcast it to
// their own representation.
type Subgraph interface {
	// Name identifies the subgraph. It is part of the compilation cache key,
	// so it must be stable across invocations of the same launch unit.
	Name() string
}

// Alias declares that one output of a compiled executable is exactly one of
// its inputs: the executable writes that output through the input's buffer
// instead of allocating a new one.
type Alias struct {
	// OutputIndex is the slot of the aliased output in the return list.
	OutputIndex int

	// ParamNumber is the slot of the aliased input in the entry list.
	ParamNumber int

	// ParamIndex is the nested path within the input. Empty for flat buffers,
	// which is the only form of entry the launch engine produces.
	ParamIndex []int
}

// CompileRequest qualifies a subgraph for compilation on a concrete device
// with concrete entry/return specifications.
type CompileRequest struct {
	Subgraph      Subgraph
	DeviceClass   DeviceClass
	DeviceOrdinal int

	// Entry and return value specifications, by position. ReturnShapes and
	// ReturnNames include the aliased outputs appended after the declared ones.
	EntryShapes  []shapes.Shape
	EntryNames   []string
	ReturnShapes []shapes.Shape
	ReturnNames  []string

	// Aliases lists the output↔input buffer identities the executable must
	// honor. See Alias.
	Aliases []Alias
}

// Compiler turns a CompileRequest into a device executable. It is an opaque
// service from the launch engine's point of view: compilation failures are
// fatal for the invocation that triggered them.
type Compiler interface {
	Compile(req *CompileRequest) (Executable, error)
}

// RunOptions carries the per-invocation device resources an executable runs
// with.
type RunOptions struct {
	Stream    Stream
	Allocator Allocator

	// IntraOpPool bounds the host parallelism the executable may use.
	IntraOpPool *workerspool.Pool

	// RngSeed seeds whatever randomness the backend requires.
	RngSeed int64
}

// Executable is a compiled program ready to execute.
type Executable interface {
	// Name of the subgraph this executable was compiled from.
	Name() string

	// InputShapes returns the on-device entry shapes, in entry order.
	InputShapes() []shapes.Shape

	// OutputShape returns the result shape: a tuple with one element per
	// return value.
	OutputShape() shapes.Shape

	// ResultAllocationIndices returns the allocator index the executable
	// writes each return value through, one per return slot.
	ResultAllocationIndices() []int64

	// RunAsync launches the executable against the given arguments without
	// waiting for completion. Completion is observed through the stream in the
	// run options.
	RunAsync(arguments []*ShapedBuffer, opts *RunOptions) (*ExecutionResult, error)

	// Finalize immediately frees resources associated with the executable.
	Finalize()
}
