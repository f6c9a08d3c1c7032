// Package backends defines the contracts the launch engine consumes from the
// surrounding runtime: the compile-backend client, the compiler itself, the
// compiled executable, and the per-device stream and allocator handles.
//
// The launch engine (package launch) orchestrates signature computation,
// compilation caching, alias resolution and execution strictly through these
// interfaces; it never sees a concrete backend. A pure-Go reference backend
// lives in backends/goexec.
//
// To simplify error handling at this boundary, backends are allowed to throw
// (panic) with a stack trace in case of errors, see package
// github.com/gomlx/exceptions. The launch engine converts those to errors on
// its public surface.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/cymqqqq/oneflow/types/shapes"
)

// DeviceClass separates host CPUs from accelerator devices.
//
// The launch engine selects its blocking policy from it: host-class devices
// block until the stream drained, accelerator-class devices launch
// asynchronously so pipelines can overlap.
type DeviceClass int

const (
	// DeviceClassHost identifies CPU devices. Launches block by default.
	DeviceClassHost DeviceClass = iota

	// DeviceClassAccelerator identifies GPU/TPU-like devices. Launches return
	// without waiting on the stream.
	DeviceClassAccelerator
)

// String implements fmt.Stringer.
func (c DeviceClass) String() string {
	switch c {
	case DeviceClassHost:
		return "host"
	case DeviceClassAccelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// Client is the compile-backend client handle the surrounding runtime provides
// for a class of devices.
type Client interface {
	// Name returns the short name of the backend, e.g. "goexec".
	Name() string

	// NumDevices returns the number of devices addressable through this client.
	NumDevices() int

	// DeviceClass reports whether the given device ordinal is a host or an
	// accelerator device.
	DeviceClass(deviceOrdinal int) DeviceClass

	// Stream returns a fresh compute stream for the given device ordinal.
	Stream(deviceOrdinal int) (Stream, error)

	// Allocator returns a fresh device memory allocator for the given device
	// ordinal. The launch engine pre-registers caller-owned output buffers in
	// it so executables write results in place.
	Allocator(deviceOrdinal int) (Allocator, error)

	// Compiler returns the subgraph compiler of this backend.
	Compiler() Compiler

	// HostToDeviceShape translates a host buffer shape to the on-device shape
	// the executable expects for it.
	HostToDeviceShape(shape shapes.Shape) shapes.Shape

	// Finalize releases all associated resources immediately, and makes the
	// client invalid.
	Finalize()
}

// Stream is one device compute stream. Work submitted to a stream executes in
// submission order; different streams are unordered relative to each other.
type Stream interface {
	// BlockHostUntilDone blocks the calling goroutine until all work submitted
	// to the stream so far has completed.
	BlockHostUntilDone() error
}

// Allocator hands device memory to executables. The launch engine registers
// the caller's pre-allocated output buffers in it, keyed by the executable's
// result allocation indices, so outputs are written in place instead of into
// fresh allocations.
type Allocator interface {
	// AssignOutput registers caller-owned memory under the given allocation
	// index. The executable writes the corresponding result directly into it.
	AssignOutput(allocationIndex int64, memory DeviceMemory) error
}

// Constructor takes a config string (optionally empty) and returns a Client.
type Constructor func(config string) Client

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration used by New if the environment
// variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// ONEFLOW_BACKEND is the environment variable with the default backend
// configuration. The format is "<backend_name>:<backend_configuration>",
// where "<backend_configuration>" is backend specific.
const ONEFLOW_BACKEND = "ONEFLOW_BACKEND"

// New returns a new Client for the default backend:
//
// 1. The environment ONEFLOW_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Client {
	if config, found := os.LookupEnv(ONEFLOW_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig returns a new Client for the backend selected by the
// configuration string, formatted as "<backend_name>:<backend_configuration>".
func NewWithConfig(config string) Client {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the reference one with import _ "github.com/cymqqqq/oneflow/backends/goexec"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if config != "" {
		backendName = config
		if idx := strings.Index(config, ":"); idx != -1 {
			backendName = config[:idx]
			backendConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
