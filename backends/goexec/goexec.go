// Package goexec implements a pure Go backend for the launch engine.
//
// It executes element-wise programs directly over host memory, with no
// external runtime. It exists as the reference backend: it has one host-class
// device, identity host-to-device shapes, and it honors the aliasing and
// result-buffer contracts of backends.Executable exactly, which makes it the
// backend of choice for tests and for platforms without an accelerator
// runtime.
//
// To use it, import it like:
//
//	import _ "github.com/cymqqqq/oneflow/backends/goexec"
//
// And then create a client with backends.New().
package goexec

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/cymqqqq/oneflow/backends"
	"github.com/cymqqqq/oneflow/types/shapes"
)

// BackendName to use with backends.NewWithConfig.
const BackendName = "goexec"

// New returns a goexec client. The config string is accepted for interface
// compatibility and must be empty: goexec has nothing to configure.
func New(config string) backends.Client {
	if config != "" {
		klog.Warningf("goexec backend takes no configuration, ignoring %q", config)
	}
	return &Client{}
}

func init() {
	backends.Register(BackendName, New)
}

// Client is the goexec backend client. It exposes a single host-class device
// (ordinal 0).
type Client struct{}

// Compile-time check.
var _ backends.Client = (*Client)(nil)

// Name implements backends.Client.
func (c *Client) Name() string { return BackendName }

// NumDevices implements backends.Client. goexec always has exactly one device.
func (c *Client) NumDevices() int { return 1 }

// DeviceClass implements backends.Client: every goexec device is host memory,
// so launches on it block until done.
func (c *Client) DeviceClass(deviceOrdinal int) backends.DeviceClass {
	return backends.DeviceClassHost
}

// Stream implements backends.Client.
func (c *Client) Stream(deviceOrdinal int) (backends.Stream, error) {
	if deviceOrdinal != 0 {
		return nil, errors.Errorf("goexec has a single device, cannot create stream for device #%d", deviceOrdinal)
	}
	return &Stream{}, nil
}

// Allocator implements backends.Client.
func (c *Client) Allocator(deviceOrdinal int) (backends.Allocator, error) {
	if deviceOrdinal != 0 {
		return nil, errors.Errorf("goexec has a single device, cannot create allocator for device #%d", deviceOrdinal)
	}
	return &Allocator{assigned: make(map[int64]backends.DeviceMemory)}, nil
}

// Compiler implements backends.Client.
func (c *Client) Compiler() backends.Compiler { return c }

// HostToDeviceShape implements backends.Client. goexec executes directly over
// host buffers, so the on-device shape is the host shape.
func (c *Client) HostToDeviceShape(shape shapes.Shape) shapes.Shape { return shape }

// Finalize implements backends.Client. goexec holds no resources.
func (c *Client) Finalize() {}
