package goexec

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/shapes"
)

// compiledSlot is the execution plan for one return value.
type compiledSlot struct {
	name  string
	shape shapes.Shape

	// op computes the slot. Elided slots (mutable entries flowing unchanged to
	// an aliased return) have no op: their buffer is the entry's buffer, so
	// there is nothing to compute.
	op     Op
	elided bool
}

// Executable is a compiled goexec program for one concrete set of entry and
// return shapes.
type Executable struct {
	name        string
	inputNames  []string
	inputShapes []shapes.Shape
	outputShape shapes.Shape
	indices     []int64
	slots       []compiledSlot
}

var _ backends.Executable = (*Executable)(nil)

// Compile implements backends.Compiler. The subgraph must be a *Program.
//
// Compilation validates the program against the concrete shapes: every
// operand of every expression must have the same (non-tuple) shape as the
// return slot it feeds, entry references must name entry arguments, and
// float-only operations must be applied to float dtypes. Return names with no
// bound expression must be aliased outputs; they compile to nothing since
// their buffer is the aliased entry's buffer.
func (c *Client) Compile(req *backends.CompileRequest) (backends.Executable, error) {
	program, ok := req.Subgraph.(*Program)
	if !ok {
		return nil, errors.Errorf("goexec can only compile goexec programs, got subgraph of type %T", req.Subgraph)
	}
	if req.DeviceOrdinal != 0 {
		return nil, errors.Errorf("goexec has a single device, cannot compile %q for device #%d", program.Name(), req.DeviceOrdinal)
	}

	entryShapes := make(map[string]shapes.Shape, len(req.EntryNames))
	for i, name := range req.EntryNames {
		if _, found := entryShapes[name]; found {
			return nil, errors.Errorf("program %q has two entry arguments named %q", program.Name(), name)
		}
		entryShapes[name] = req.EntryShapes[i]
	}
	aliasedOutputs := make(map[int]bool, len(req.Aliases))
	for _, alias := range req.Aliases {
		aliasedOutputs[alias.OutputIndex] = true
	}

	exec := &Executable{
		name:        program.Name(),
		inputNames:  req.EntryNames,
		inputShapes: req.EntryShapes,
		outputShape: shapes.MakeTuple(req.ReturnShapes),
		indices:     make([]int64, len(req.ReturnShapes)),
		slots:       make([]compiledSlot, len(req.ReturnShapes)),
	}
	for i := range exec.indices {
		exec.indices[i] = int64(i)
	}
	for i, name := range req.ReturnNames {
		slot := compiledSlot{name: name, shape: req.ReturnShapes[i]}
		op, bound := program.returns[name]
		if !bound {
			if !aliasedOutputs[i] {
				known := maps.Keys(program.returns)
				slices.Sort(known)
				return nil, errors.Errorf("program %q binds no expression to return value %q (bound: %v)",
					program.Name(), name, known)
			}
			slot.elided = true
		} else {
			if err := checkOp(op, slot.shape, entryShapes); err != nil {
				return nil, errors.WithMessagef(err, "compiling return value %q of program %q", name, program.Name())
			}
			slot.op = op
		}
		exec.slots[i] = slot
	}
	klog.V(2).Infof("goexec: compiled %q with %d entries, %d return values",
		program.Name(), len(req.EntryShapes), len(req.ReturnShapes))
	return exec, nil
}

// checkOp validates op against the shape of the slot it feeds.
func checkOp(op Op, want shapes.Shape, entryShapes map[string]shapes.Shape) error {
	if want.IsTuple() {
		return errors.Errorf("return values must be flat arrays, got %s", want)
	}
	if !scalarSupported(want.DType) {
		return errors.Errorf("goexec does not execute over dtype %s", want.DType)
	}
	return checkOpShape(op, want, entryShapes)
}

func checkOpShape(op Op, want shapes.Shape, entryShapes map[string]shapes.Shape) error {
	switch op.kind {
	case opEntry:
		got, found := entryShapes[op.entry]
		if !found {
			return errors.Errorf("%s references unknown entry argument %q", op, op.entry)
		}
		if !got.Equal(want) {
			return errors.Errorf("%s has shape %s, want %s", op, got, want)
		}
		return nil
	case opInvalid:
		return errors.Errorf("invalid (zero) op, use the op constructors")
	}
	if op.kind.floatOnly() && !want.DType.IsFloat() {
		return errors.Errorf("%s is only defined for float dtypes, got %s", op.kind, want.DType)
	}
	for _, arg := range op.args {
		if err := checkOpShape(arg, want, entryShapes); err != nil {
			return err
		}
	}
	return nil
}

// Name implements backends.Executable.
func (e *Executable) Name() string { return e.name }

// InputShapes implements backends.Executable.
func (e *Executable) InputShapes() []shapes.Shape { return e.inputShapes }

// OutputShape implements backends.Executable.
func (e *Executable) OutputShape() shapes.Shape { return e.outputShape }

// ResultAllocationIndices implements backends.Executable: goexec writes return
// value i through allocator index i.
func (e *Executable) ResultAllocationIndices() []int64 { return e.indices }

// Finalize implements backends.Executable. Compiled programs hold only plain
// Go memory.
func (e *Executable) Finalize() {}

// RunAsync implements backends.Executable.
//
// Argument validation happens synchronously; the computation itself runs in
// the background and completes when the stream's BlockHostUntilDone returns.
// The stream and allocator must be the ones created by this backend's Client.
func (e *Executable) RunAsync(arguments []*backends.ShapedBuffer, opts *backends.RunOptions) (*backends.ExecutionResult, error) {
	stream, ok := opts.Stream.(*Stream)
	if !ok {
		return nil, errors.Errorf("executable %q needs a goexec stream, got %T", e.name, opts.Stream)
	}
	allocator, ok := opts.Allocator.(*Allocator)
	if !ok {
		return nil, errors.Errorf("executable %q needs a goexec allocator, got %T", e.name, opts.Allocator)
	}
	if len(arguments) != len(e.inputShapes) {
		return nil, errors.Errorf("executable %q takes %d arguments, got %d", e.name, len(e.inputShapes), len(arguments))
	}
	env := make(map[string]backends.DeviceMemory, len(arguments))
	for i, arg := range arguments {
		if !arg.OnDeviceShape.Equal(e.inputShapes[i]) {
			return nil, errors.Errorf("executable %q argument #%d (%s) has shape %s, want %s",
				e.name, i, e.inputNames[i], arg.OnDeviceShape, e.inputShapes[i])
		}
		if arg.Buffer().IsNull() {
			return nil, errors.Errorf("executable %q argument #%d (%s) has a null buffer", e.name, i, e.inputNames[i])
		}
		env[e.inputNames[i]] = arg.Buffer()
	}
	result := &backends.ExecutionResult{
		Shape:   e.outputShape,
		Buffers: make([]backends.DeviceMemory, len(e.slots)),
	}
	for i := range e.slots {
		memory, assigned := allocator.output(e.indices[i])
		if !assigned {
			return nil, errors.Errorf("executable %q has no output buffer assigned for return value #%d (%s)",
				e.name, i, e.slots[i].name)
		}
		if memory.SizeBytes() < e.slots[i].shape.Memory() {
			return nil, errors.Errorf("executable %q return value #%d (%s) needs %d bytes, output buffer has %d",
				e.name, i, e.slots[i].name, e.slots[i].shape.Memory(), memory.SizeBytes())
		}
		result.Buffers[i] = memory
	}

	pool := opts.IntraOpPool
	stream.launch(func() error {
		run := func(i int) error {
			slot := &e.slots[i]
			if slot.elided {
				return nil
			}
			if err := executeSlot(slot, result.Buffers[i], env); err != nil {
				return errors.WithMessagef(err, "executing return value %q of %q", slot.name, e.name)
			}
			return nil
		}
		errs := make([]error, len(e.slots))
		if pool == nil {
			for i := range e.slots {
				errs[i] = run(i)
			}
		} else {
			pool.Saturate(len(e.slots), func(i int) { errs[i] = run(i) })
		}
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	})
	return result, nil
}

// Stream orders goexec launches and lets the host wait for their completion.
// One is created per launch context.
type Stream struct {
	wg sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ backends.Stream = (*Stream)(nil)

// launch runs fn in the background, recording its error for
// BlockHostUntilDone. The first error sticks.
func (s *Stream) launch(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}()
}

// BlockHostUntilDone implements backends.Stream: it waits for every launch
// enqueued so far and returns the first error any of them hit.
func (s *Stream) BlockHostUntilDone() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Allocator implements backends.Allocator over host memory regions assigned
// by the launch engine.
type Allocator struct {
	mu       sync.Mutex
	assigned map[int64]backends.DeviceMemory
}

var _ backends.Allocator = (*Allocator)(nil)

// AssignOutput implements backends.Allocator.
func (a *Allocator) AssignOutput(allocationIndex int64, memory backends.DeviceMemory) error {
	if memory.IsNull() {
		return errors.Errorf("cannot assign a null buffer to output allocation #%d", allocationIndex)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assigned[allocationIndex] = memory
	return nil
}

func (a *Allocator) output(allocationIndex int64) (backends.DeviceMemory, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	memory, found := a.assigned[allocationIndex]
	return memory, found
}
