package launch

import (
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/internal/workerspool"
	"github.com/cymqqqq/oneflow/types/tensor"
)

// Context bundles the device resources of exactly one invocation: device
// ordinal, compute stream, allocator, host worker pool, and the compile
// backend client handle.
//
// Contexts are created fresh per invocation and own no state past the call.
// The stream and allocator are not shared across concurrent invocations
// unless the caller deliberately shares one Context.
type Context struct {
	id            uuid.UUID
	subgraphName  string
	deviceOrdinal int
	deviceClass   backends.DeviceClass
	stream        backends.Stream
	allocator     backends.Allocator
	hostPool      *workerspool.Pool
	client        backends.Client
}

// NewContext builds the resource bundle for one invocation of the named
// subgraph on the given device ordinal. intraOpParallelism bounds the host
// worker pool handed to the executable (<= 0 means one worker per CPU).
func NewContext(client backends.Client, subgraphName string, deviceOrdinal int, intraOpParallelism int) (*Context, error) {
	if deviceOrdinal < 0 || deviceOrdinal >= client.NumDevices() {
		return nil, errorf(KindInvalidState, "device ordinal %d out of range for backend %q with %d devices (subgraph %q)",
			deviceOrdinal, client.Name(), client.NumDevices(), subgraphName)
	}
	stream, err := client.Stream(deviceOrdinal)
	if err != nil {
		return nil, wrapf(KindInvalidState, err, "creating stream on device %d for subgraph %q", deviceOrdinal, subgraphName)
	}
	allocator, err := client.Allocator(deviceOrdinal)
	if err != nil {
		return nil, wrapf(KindInvalidState, err, "creating allocator on device %d for subgraph %q", deviceOrdinal, subgraphName)
	}
	ctx := &Context{
		id:            uuid.New(),
		subgraphName:  subgraphName,
		deviceOrdinal: deviceOrdinal,
		deviceClass:   client.DeviceClass(deviceOrdinal),
		stream:        stream,
		allocator:     allocator,
		hostPool:      workerspool.New(intraOpParallelism),
		client:        client,
	}
	klog.V(2).Infof("launch %s: context for subgraph %q on device %d (%s)",
		ctx.id, subgraphName, deviceOrdinal, ctx.deviceClass)
	return ctx, nil
}

// ID tags the invocation in log lines.
func (ctx *Context) ID() uuid.UUID { return ctx.id }

// DeviceOrdinal of this invocation.
func (ctx *Context) DeviceOrdinal() int { return ctx.deviceOrdinal }

// DeviceClass of the device this invocation runs on.
func (ctx *Context) DeviceClass() backends.DeviceClass { return ctx.deviceClass }

// Stream of this invocation.
func (ctx *Context) Stream() backends.Stream { return ctx.stream }

// Allocator of this invocation.
func (ctx *Context) Allocator() backends.Allocator { return ctx.allocator }

// HostPool bounds the executable's intra-op host parallelism.
func (ctx *Context) HostPool() *workerspool.Pool { return ctx.hostPool }

// Client returns the compile backend client handle.
func (ctx *Context) Client() backends.Client { return ctx.client }

// PopulateResultBuffers registers the caller's pre-allocated return tensors
// with the allocator, keyed by the executable's allocation index for each
// return slot, so the executable writes results directly into them instead of
// into temporary buffers.
//
// allocationIndices must have exactly one entry per return tensor.
func (ctx *Context) PopulateResultBuffers(returns []*tensor.Host, allocationIndices []int64) error {
	if len(returns) != len(allocationIndices) {
		return errorf(KindShapeMismatch, "subgraph %q: %d allocation indices for %d return tensors",
			ctx.subgraphName, len(allocationIndices), len(returns))
	}
	for slot, ret := range returns {
		memory := backends.MakeDeviceMemory(ret.DataPtr(), ret.ByteSize())
		if err := ctx.allocator.AssignOutput(allocationIndices[slot], memory); err != nil {
			return wrapf(KindInvalidState, err, "subgraph %q: assigning return slot %d (%q) to allocation index %d",
				ctx.subgraphName, slot, ret.Name(), allocationIndices[slot])
		}
	}
	return nil
}
