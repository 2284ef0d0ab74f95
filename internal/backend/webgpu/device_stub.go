//go:build !windows

// Package webgpu implements the compute device on WebGPU.
//
// The go-webgpu bindings are only wired up on Windows; elsewhere the
// device is reported as unavailable.
package webgpu

import (
	"fmt"
	"runtime"

	"github.com/born-ml/vecadd/internal/compute"
)

// Device is unavailable on this platform.
type Device struct {
	compute.Device
}

// New always fails with compute.ErrDeviceUnavailable on this platform.
func New() (*Device, error) {
	return nil, fmt.Errorf("%w: webgpu: not supported on %s", compute.ErrDeviceUnavailable, runtime.GOOS)
}

// IsAvailable reports false on this platform.
func IsAvailable() bool {
	return false
}
