// Package launch implements the just-in-time compile-cache and
// executable-launch engine of the dataflow runtime.
//
// A Launcher owns one launch unit (a fused subgraph). On every Run it
// computes the Signature of the invocation (subgraph identity, device
// ordinal, entry shapes), fetches or compiles the executable for it, resolves
// which entry buffers double as output buffers (mutable arguments), marshals
// the host tensors into device buffer descriptors, invokes the executable,
// and verifies that results landed in the caller's pre-allocated output
// tensors. Host-class devices block until the stream drains; accelerators
// launch asynchronously.
//
// The compiler, executable, stream and allocator are opaque collaborators,
// see package backends.
package launch

import (
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/tensor"
	"github.com/cymqqqq/oneflow/types/xslices"
)

// Launcher compiles, caches and executes one launch unit.
//
// It is safe for concurrent use: the compilation cache serializes concurrent
// misses per signature, and every Run builds its own Context (stream,
// allocator, worker pool).
type Launcher struct {
	client   backends.Client
	subgraph backends.Subgraph
	attr     *Attributes

	deviceOrdinal      int
	cacheCapacity      int
	intraOpParallelism int
	rngSeed            int64
	blockOverride      *bool

	cacheOnce sync.Once
	cache     *Cache
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithCacheCapacity bounds the number of compiled artifacts kept for this
// launch unit. See DefaultCacheCapacity.
func WithCacheCapacity(capacity int) Option {
	return func(l *Launcher) { l.cacheCapacity = capacity }
}

// WithBlockUntilDone overrides the device-class blocking policy: true forces
// every Run to wait for stream completion, false forces asynchronous returns
// even on host-class devices.
func WithBlockUntilDone(block bool) Option {
	return func(l *Launcher) { l.blockOverride = &block }
}

// WithRngSeed fixes the random seed handed to the backend in the run options.
// The default is drawn once per Launcher, so repeated runs of one launch unit
// see the same seed.
func WithRngSeed(seed int64) Option {
	return func(l *Launcher) { l.rngSeed = seed }
}

// WithIntraOpParallelism bounds the host worker pool handed to the
// executable. The default is one worker per CPU.
func WithIntraOpParallelism(parallelism int) Option {
	return func(l *Launcher) { l.intraOpParallelism = parallelism }
}

// NewLauncher returns a Launcher for the given subgraph on the given device
// ordinal of the backend client. attr declares the subgraph's mutable
// arguments and may be nil if there are none.
func NewLauncher(client backends.Client, subgraph backends.Subgraph, attr *Attributes, deviceOrdinal int, options ...Option) *Launcher {
	l := &Launcher{
		client:        client,
		subgraph:      subgraph,
		attr:          attr,
		deviceOrdinal: deviceOrdinal,
		rngSeed:       rand.Int64(),
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// Cache returns the launch unit's compilation cache, creating it on first
// use. The cache lives as long as the Launcher.
func (l *Launcher) Cache() *Cache {
	l.cacheOnce.Do(func() {
		l.cache = NewCache(l.cacheCapacity)
	})
	return l.cache
}

// Finalize drops the compilation cache, finalizing the cached executables.
// The Launcher must not Run afterwards.
func (l *Launcher) Finalize() {
	if l.cache != nil {
		l.cache.Finalize()
	}
}

// Run executes the launch unit with the given entry tensors, writing results
// into the caller-supplied return tensors.
//
// On a cache miss for the invocation's signature the subgraph is compiled
// first. Entries declared mutable in the Launcher's Attributes are updated in
// place and must not also appear in returns. On host-class devices Run
// returns after the stream drained; on accelerator-class devices it returns
// as soon as the executable is launched (see WithBlockUntilDone).
func (l *Launcher) Run(entries, returns []*tensor.Host) error {
	// Backends may throw instead of returning errors; funnel those into the
	// error return.
	var runErr error
	thrown := exceptions.TryCatch[error](func() {
		runErr = l.run(entries, returns)
	})
	if thrown != nil {
		return wrapf(KindExecutionFailure, thrown, "backend threw while running subgraph %q", l.subgraph.Name())
	}
	return runErr
}

func (l *Launcher) run(entries, returns []*tensor.Host) error {
	allReturns, allReturnNames, aliases := l.mergeAliasedReturns(entries, returns)
	if len(allReturns) == 0 {
		return errorf(KindMissingRequiredOutput, "subgraph %q: need one real output at least", l.subgraph.Name())
	}

	ctx, err := NewContext(l.client, l.subgraph.Name(), l.deviceOrdinal, l.intraOpParallelism)
	if err != nil {
		return err
	}

	result, err := l.buildExecutable(ctx, entries, allReturns, allReturnNames, aliases)
	if err != nil {
		return err
	}
	// Hold the artifact until the invocation is over: eviction must not
	// finalize an executable between compile and launch.
	defer result.Release()

	allocationIndices := result.Executable.ResultAllocationIndices()
	if err := ctx.PopulateResultBuffers(allReturns, allocationIndices); err != nil {
		return err
	}

	// Launch synchronously for host devices, asynchronously for accelerators.
	blockHostUntilDone := ctx.DeviceClass() == backends.DeviceClassHost
	if l.blockOverride != nil {
		blockHostUntilDone = *l.blockOverride
	}
	return l.launchExecutable(ctx, result, entries, allReturns, blockHostUntilDone)
}

// mergeAliasedReturns appends the mutable entries to the declared returns,
// producing the full return list the executable is compiled against.
func (l *Launcher) mergeAliasedReturns(entries, returns []*tensor.Host) (
	allReturns []*tensor.Host, allReturnNames []string, aliases []backends.Alias) {
	extraReturns, extraNames, aliases := ResolveAliases(l.attr, entries, len(returns))
	allReturns = append(xslices.Copy(returns), extraReturns...)
	allReturnNames = append(xslices.Map(returns, (*tensor.Host).Name), extraNames...)
	return
}

// buildExecutable fetches the compiled artifact for the invocation's
// signature, compiling and recording it on a miss. The value returned is the
// cache's canonical copy for the signature; the caller owns one reference to
// it and must Release it when the invocation is done.
func (l *Launcher) buildExecutable(ctx *Context, entries, allReturns []*tensor.Host,
	allReturnNames []string, aliases []backends.Alias) (*CompilationResult, error) {
	sig := NewSignature(l.subgraph.Name(), ctx.DeviceOrdinal(), entries)
	return l.Cache().GetOrCompile(sig, func() (*CompilationResult, error) {
		req := &backends.CompileRequest{
			Subgraph:      l.subgraph,
			DeviceClass:   ctx.DeviceClass(),
			DeviceOrdinal: ctx.DeviceOrdinal(),
			EntryShapes:   xslices.Map(entries, (*tensor.Host).Shape),
			EntryNames:    xslices.Map(entries, (*tensor.Host).Name),
			ReturnShapes:  xslices.Map(allReturns, (*tensor.Host).Shape),
			ReturnNames:   allReturnNames,
			Aliases:       aliases,
		}
		executable, err := l.client.Compiler().Compile(req)
		if err != nil {
			return nil, wrapf(KindCompilationFailure, err, "building executable for %s", sig)
		}
		if executable == nil {
			return nil, errorf(KindCompilationFailure, "backend %q returned no executable for %s", l.client.Name(), sig)
		}
		return &CompilationResult{
			Executable:  executable,
			InputShapes: executable.InputShapes(),
			OutputShape: executable.OutputShape(),
		}, nil
	})
}

// launchExecutable translates the entry tensors into device buffer
// descriptors, invokes the executable, and verifies the results landed in the
// caller's return buffers.
func (l *Launcher) launchExecutable(ctx *Context, result *CompilationResult,
	entries, allReturns []*tensor.Host, blockHostUntilDone bool) error {
	if len(entries) != len(result.InputShapes) {
		return errorf(KindShapeMismatch, "subgraph %q: %d entry tensors for %d executable inputs",
			l.subgraph.Name(), len(entries), len(result.InputShapes))
	}

	arguments := make([]*backends.ShapedBuffer, len(entries))
	for ii, entry := range entries {
		hostShape := entry.Shape()
		onDeviceShape := ctx.Client().HostToDeviceShape(hostShape)
		if onDeviceShape.IsTuple() {
			return errorf(KindUnsupportedInputShape, "subgraph %q: entry %d (%q) has tuple shape %s, only flat buffers are accepted as entry arguments",
				l.subgraph.Name(), ii, entries[ii].Name(), onDeviceShape)
		}
		dataPtr := entry.DataPtr()
		dataSize := entry.ByteSize()
		// A body-disabled entry has no storage. The execution backend still
		// requires a non-null pointer, so hand it the first return buffer:
		// the binding is never read nor written through.
		if dataSize > 0 && dataPtr == nil {
			dataPtr = allReturns[0].DataPtr()
		}
		buffer := backends.NewShapedBuffer(hostShape, onDeviceShape, ctx.DeviceOrdinal())
		buffer.SetBuffer(backends.MakeDeviceMemory(dataPtr, dataSize))
		arguments[ii] = buffer
	}

	opts := &backends.RunOptions{
		Stream:      ctx.Stream(),
		Allocator:   ctx.Allocator(),
		IntraOpPool: ctx.HostPool(),
		RngSeed:     l.rngSeed,
	}
	klog.V(2).Infof("launch %s: running %q with %d arguments, %d returns, block=%v",
		ctx.ID(), l.subgraph.Name(), len(arguments), len(allReturns), blockHostUntilDone)
	runResult, err := result.Executable.RunAsync(arguments, opts)
	if err != nil {
		return wrapf(KindExecutionFailure, err, "running subgraph %q", l.subgraph.Name())
	}
	if runResult == nil {
		return errorf(KindResultShapeViolation, "subgraph %q: backend returned no execution result", l.subgraph.Name())
	}
	if blockHostUntilDone {
		if err := ctx.Stream().BlockHostUntilDone(); err != nil {
			return wrapf(KindExecutionFailure, err, "waiting for stream of subgraph %q", l.subgraph.Name())
		}
	}

	if !runResult.Shape.IsTuple() || runResult.Shape.TupleSize() != len(allReturns) || len(runResult.Buffers) != len(allReturns) {
		return errorf(KindResultShapeViolation, "subgraph %q: result shape %s is not a tuple with one element per return tensor (%d returns)",
			l.subgraph.Name(), runResult.Shape, len(allReturns))
	}
	// Non-null result buffers must be the pre-allocated output buffers: this
	// is how in-place writing through the allocator is verified.
	for slot, ret := range allReturns {
		buffer := runResult.Buffer(slot)
		if buffer.IsNull() {
			continue
		}
		if buffer.Opaque() != ret.DataPtr() {
			return errorf(KindResultShapeViolation, "subgraph %q: return slot %d (%q) was written to %p instead of the pre-allocated buffer %p",
				l.subgraph.Name(), slot, ret.Name(), buffer.Opaque(), ret.DataPtr())
		}
	}
	return nil
}
