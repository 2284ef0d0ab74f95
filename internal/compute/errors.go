package compute

import (
	"errors"

	"github.com/born-ml/vecadd/internal/kernel"
)

var (
	// ErrDeviceUnavailable is returned when no compute-capable device is found.
	ErrDeviceUnavailable = errors.New("compute: device unavailable")

	// ErrKernelNotFound is returned when a module lacks the requested entry point.
	ErrKernelNotFound = kernel.ErrKernelNotFound

	// ErrPipelineCreationFailed is returned when the backend cannot build a
	// pipeline state for a kernel.
	ErrPipelineCreationFailed = errors.New("compute: pipeline creation failed")

	// ErrAllocationFailed is returned when the backend cannot allocate a buffer.
	ErrAllocationFailed = errors.New("compute: allocation failed")

	// ErrCommandCreationFailed is returned when a command buffer or encoder
	// cannot be opened, or rejects a command.
	ErrCommandCreationFailed = errors.New("compute: command creation failed")

	// ErrDispatchTimeout is returned when the device does not signal
	// completion within the caller's bound.
	ErrDispatchTimeout = errors.New("compute: dispatch timeout")

	// ErrNotCommitted is returned by Wait on a command buffer that was never committed.
	ErrNotCommitted = errors.New("compute: command buffer not committed")
)
