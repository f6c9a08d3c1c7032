package launch

// Test doubles for the backends contracts: a client whose streams record
// whether the host blocked on them, an allocator that remembers output
// assignments, and an executable that writes through the allocator like a
// well-behaved backend would.

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/shapes"
)

type testSubgraph struct{ name string }

func (s testSubgraph) Name() string { return s.name }

type testStream struct {
	waits atomic.Int32
}

func (s *testStream) BlockHostUntilDone() error {
	s.waits.Add(1)
	return nil
}

type testAllocator struct {
	mu       sync.Mutex
	assigned map[int64]backends.DeviceMemory
}

func newTestAllocator() *testAllocator {
	return &testAllocator{assigned: make(map[int64]backends.DeviceMemory)}
}

func (a *testAllocator) AssignOutput(allocationIndex int64, memory backends.DeviceMemory) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assigned[allocationIndex] = memory
	return nil
}

type testExecutable struct {
	name              string
	inputShapes       []shapes.Shape
	outputShape       shapes.Shape
	allocationIndices []int64
	finalized         atomic.Bool
	runs              atomic.Int32

	// runFn overrides the default behavior of echoing the allocator's
	// assigned buffers back as the result.
	runFn func(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error)
}

func newTestExecutable(name string, inputShapes, returnShapes []shapes.Shape) *testExecutable {
	indices := make([]int64, len(returnShapes))
	for ii := range indices {
		indices[ii] = int64(ii)
	}
	return &testExecutable{
		name:              name,
		inputShapes:       inputShapes,
		outputShape:       shapes.MakeTuple(returnShapes),
		allocationIndices: indices,
	}
}

func (e *testExecutable) Name() string                     { return e.name }
func (e *testExecutable) InputShapes() []shapes.Shape      { return e.inputShapes }
func (e *testExecutable) OutputShape() shapes.Shape        { return e.outputShape }
func (e *testExecutable) ResultAllocationIndices() []int64 { return e.allocationIndices }
func (e *testExecutable) Finalize()                        { e.finalized.Store(true) }

func (e *testExecutable) RunAsync(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error) {
	e.runs.Add(1)
	if e.runFn != nil {
		return e.runFn(arguments, opts)
	}
	// Default: results land exactly in the buffers the launcher assigned.
	allocator := opts.Allocator.(*testAllocator)
	result := &backends.ExecutionResult{Shape: e.outputShape}
	for _, index := range e.allocationIndices {
		result.Buffers = append(result.Buffers, allocator.assigned[index])
	}
	return result, nil
}

type testCompiler struct {
	compiles atomic.Int32

	// compileFn overrides the default of building a testExecutable straight
	// from the request.
	compileFn func(req *backends.CompileRequest) (backends.Executable, error)

	mu           sync.Mutex
	lastRequest  *backends.CompileRequest
	lastCompiled *testExecutable
}

func (c *testCompiler) Compile(req *backends.CompileRequest) (backends.Executable, error) {
	c.compiles.Add(1)
	c.mu.Lock()
	c.lastRequest = req
	c.mu.Unlock()
	if c.compileFn != nil {
		return c.compileFn(req)
	}
	executable := newTestExecutable(req.Subgraph.Name(), req.EntryShapes, req.ReturnShapes)
	c.mu.Lock()
	c.lastCompiled = executable
	c.mu.Unlock()
	return executable, nil
}

type testClient struct {
	name        string
	numDevices  int
	deviceClass backends.DeviceClass
	compiler    *testCompiler

	// hostToDeviceShape overrides the identity translation.
	hostToDeviceShape func(shape shapes.Shape) shapes.Shape

	mu            sync.Mutex
	lastStream    *testStream
	lastAllocator *testAllocator
}

func newTestClient(deviceClass backends.DeviceClass) *testClient {
	return &testClient{
		name:        "test",
		numDevices:  2,
		deviceClass: deviceClass,
		compiler:    &testCompiler{},
	}
}

func (c *testClient) Name() string    { return c.name }
func (c *testClient) NumDevices() int { return c.numDevices }

func (c *testClient) DeviceClass(deviceOrdinal int) backends.DeviceClass { return c.deviceClass }

func (c *testClient) Stream(deviceOrdinal int) (backends.Stream, error) {
	if deviceOrdinal >= c.numDevices {
		return nil, errors.Errorf("no device %d", deviceOrdinal)
	}
	stream := &testStream{}
	c.mu.Lock()
	c.lastStream = stream
	c.mu.Unlock()
	return stream, nil
}

func (c *testClient) Allocator(deviceOrdinal int) (backends.Allocator, error) {
	allocator := newTestAllocator()
	c.mu.Lock()
	c.lastAllocator = allocator
	c.mu.Unlock()
	return allocator, nil
}

func (c *testClient) Compiler() backends.Compiler { return c.compiler }

func (c *testClient) HostToDeviceShape(shape shapes.Shape) shapes.Shape {
	if c.hostToDeviceShape != nil {
		return c.hostToDeviceShape(shape)
	}
	return shape
}

func (c *testClient) Finalize() {}
