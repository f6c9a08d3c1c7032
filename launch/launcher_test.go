package launch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/shapes"
	"github.com/cymqqqq/oneflow/types/tensor"
)

func TestRunCompileOncePerSignature(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	launcher := NewLauncher(client, testSubgraph{"add1"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1, 2, 3, 4}, 4)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 4))
	require.NoError(t, launcher.Run([]*tensor.Host{x}, []*tensor.Host{y}))
	assert.Equal(t, int32(1), client.compiler.compiles.Load())

	// Identical shape, different values: cache hit, no second compilation.
	x2 := tensor.FromFlat("x", []float32{5, 6, 7, 8}, 4)
	require.NoError(t, launcher.Run([]*tensor.Host{x2}, []*tensor.Host{y}))
	assert.Equal(t, int32(1), client.compiler.compiles.Load())

	// New shape: new signature, second compilation.
	x3 := tensor.FromFlat("x", make([]float32, 8), 8)
	y3 := tensor.NewHost("y", shapes.Make(dtypes.Float32, 8))
	require.NoError(t, launcher.Run([]*tensor.Host{x3}, []*tensor.Host{y3}))
	assert.Equal(t, int32(2), client.compiler.compiles.Load())
	assert.Equal(t, 2, launcher.Cache().Len())
}

func TestRunBlockingPolicy(t *testing.T) {
	x := tensor.FromFlat("x", []float32{1}, 1)
	newOut := func() *tensor.Host { return tensor.NewHost("y", shapes.Make(dtypes.Float32, 1)) }

	// Host devices block on the stream before returning.
	hostClient := newTestClient(backends.DeviceClassHost)
	launcher := NewLauncher(hostClient, testSubgraph{"f"}, nil, 0)
	require.NoError(t, launcher.Run([]*tensor.Host{x}, []*tensor.Host{newOut()}))
	assert.Equal(t, int32(1), hostClient.lastStream.waits.Load())

	// Accelerator devices return without waiting.
	accelClient := newTestClient(backends.DeviceClassAccelerator)
	launcher = NewLauncher(accelClient, testSubgraph{"f"}, nil, 0)
	require.NoError(t, launcher.Run([]*tensor.Host{x}, []*tensor.Host{newOut()}))
	assert.Equal(t, int32(0), accelClient.lastStream.waits.Load())

	// Unless the caller forces blocking.
	accelClient = newTestClient(backends.DeviceClassAccelerator)
	launcher = NewLauncher(accelClient, testSubgraph{"f"}, nil, 0, WithBlockUntilDone(true))
	require.NoError(t, launcher.Run([]*tensor.Host{x}, []*tensor.Host{newOut()}))
	assert.Equal(t, int32(1), accelClient.lastStream.waits.Load())
}

func TestRunMutableArgCompileRequest(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	attr := &Attributes{MutableArgs: map[string]string{"acc": "acc_out"}}
	launcher := NewLauncher(client, testSubgraph{"accumulate"}, attr, 0)

	a := tensor.FromFlat("a", []float32{1, 2}, 2)
	acc := tensor.FromFlat("acc", []float32{10, 20}, 2)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 2))
	require.NoError(t, launcher.Run([]*tensor.Host{a, acc}, []*tensor.Host{y}))

	req := client.compiler.lastRequest
	require.NotNil(t, req)
	assert.Equal(t, []string{"a", "acc"}, req.EntryNames)
	assert.Equal(t, []string{"y", "acc_out"}, req.ReturnNames)
	require.Len(t, req.Aliases, 1)
	assert.Equal(t, backends.Alias{OutputIndex: 1, ParamNumber: 1}, req.Aliases[0])
	assert.Equal(t, backends.DeviceClassHost, req.DeviceClass)

	// The aliased return slot was assigned the entry's own buffer.
	assert.Equal(t, acc.DataPtr(), client.lastAllocator.assigned[1].Opaque())
}

func TestRunMissingRequiredOutput(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)
	x := tensor.FromFlat("x", []float32{1}, 1)
	err := launcher.Run([]*tensor.Host{x}, nil)
	require.Error(t, err)
	assert.Equal(t, KindMissingRequiredOutput, KindOf(err))
	assert.Equal(t, int32(0), client.compiler.compiles.Load())
}

func TestRunCompilationFailure(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	cause := errors.New("unsupported op")
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		return nil, cause
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1}, 1)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 1))
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindCompilationFailure, KindOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestRunBackendPanicBecomesError(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		exceptions.Panicf("backend blew up compiling %q", req.Subgraph.Name())
		return nil, nil
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1}, 1)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 1))
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindExecutionFailure, KindOf(err))
	assert.Contains(t, err.Error(), "blew up")
}

func TestRunEntryCountMismatch(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		// Executable recorded with one extra input shape.
		inputShapes := append([]shapes.Shape{shapes.Make(dtypes.Float32, 1)}, req.EntryShapes...)
		return newTestExecutable(req.Subgraph.Name(), inputShapes, req.ReturnShapes), nil
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1}, 1)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 1))
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindShapeMismatch, KindOf(err))
}

func TestRunAllocationIndexCountMismatch(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		executable := newTestExecutable(req.Subgraph.Name(), req.EntryShapes, req.ReturnShapes)
		executable.allocationIndices = executable.allocationIndices[:0]
		return executable, nil
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1}, 1)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 1))
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindShapeMismatch, KindOf(err))
}

func TestRunTupleInputRejected(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	client.hostToDeviceShape = func(shape shapes.Shape) shapes.Shape {
		return shapes.MakeTuple([]shapes.Shape{shape})
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1}, 1)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 1))
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindUnsupportedInputShape, KindOf(err))
}

func TestRunResultBufferIdentity(t *testing.T) {
	x := tensor.FromFlat("x", []float32{1, 2}, 2)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 2))

	// A result buffer that is not the pre-allocated output buffer is an
	// internal-consistency violation.
	client := newTestClient(backends.DeviceClassHost)
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		executable := newTestExecutable(req.Subgraph.Name(), req.EntryShapes, req.ReturnShapes)
		executable.runFn = func(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error) {
			rogue := tensor.NewHost("rogue", shapes.Make(dtypes.Float32, 2))
			return &backends.ExecutionResult{
				Shape:   executable.OutputShape(),
				Buffers: []backends.DeviceMemory{backends.MakeDeviceMemory(rogue.DataPtr(), rogue.ByteSize())},
			}, nil
		}
		return executable, nil
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindResultShapeViolation, KindOf(err))

	// Null result buffers are fine: the output went through an alias.
	client = newTestClient(backends.DeviceClassHost)
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		executable := newTestExecutable(req.Subgraph.Name(), req.EntryShapes, req.ReturnShapes)
		executable.runFn = func(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error) {
			return &backends.ExecutionResult{
				Shape:   executable.OutputShape(),
				Buffers: []backends.DeviceMemory{{}},
			}, nil
		}
		return executable, nil
	}
	launcher = NewLauncher(client, testSubgraph{"f"}, nil, 0)
	require.NoError(t, launcher.Run([]*tensor.Host{x}, []*tensor.Host{y}))
}

func TestRunResultNotATuple(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		executable := newTestExecutable(req.Subgraph.Name(), req.EntryShapes, req.ReturnShapes)
		executable.runFn = func(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error) {
			return &backends.ExecutionResult{Shape: req.ReturnShapes[0]}, nil
		}
		return executable, nil
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1}, 1)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 1))
	err := launcher.Run([]*tensor.Host{x}, []*tensor.Host{y})
	require.Error(t, err)
	assert.Equal(t, KindResultShapeViolation, KindOf(err))
}

func TestRunBodyDisabledPlaceholder(t *testing.T) {
	client := newTestClient(backends.DeviceClassHost)
	y := tensor.NewHost("y", shapes.Make(dtypes.Float32, 4))

	var placeholderPtr, firstReturnPtr any
	client.compiler.compileFn = func(req *backends.CompileRequest) (backends.Executable, error) {
		executable := newTestExecutable(req.Subgraph.Name(), req.EntryShapes, req.ReturnShapes)
		executable.runFn = func(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error) {
			// Snapshot the pointer handed in for the body-disabled entry. The
			// binding only exists to satisfy the non-null invariant; it is
			// never dereferenced.
			placeholderPtr = arguments[1].Buffer().Opaque()
			allocator := opts.Allocator.(*testAllocator)
			result := &backends.ExecutionResult{Shape: executable.OutputShape()}
			for _, index := range executable.ResultAllocationIndices() {
				result.Buffers = append(result.Buffers, allocator.assigned[index])
			}
			return result, nil
		}
		return executable, nil
	}
	launcher := NewLauncher(client, testSubgraph{"f"}, nil, 0)

	x := tensor.FromFlat("x", []float32{1, 2, 3, 4}, 4)
	disabled := tensor.BodyDisabled("mask", shapes.Make(dtypes.Float32, 4))
	require.NoError(t, launcher.Run([]*tensor.Host{x, disabled}, []*tensor.Host{y}))
	firstReturnPtr = y.DataPtr()
	require.NotNil(t, placeholderPtr)
	assert.Equal(t, firstReturnPtr, placeholderPtr)
}
