// Package compute defines the device abstraction used to dispatch compute
// kernels: devices, pipeline states, shared buffers, and one-shot command
// buffers with compute encoders.
//
// Backends (see internal/backend/cpu and internal/backend/webgpu) implement
// these interfaces. Callers never depend on a concrete backend.
package compute

import (
	"context"

	"github.com/born-ml/vecadd/internal/kernel"
)

// Float32Size is the byte size of one buffer element.
const Float32Size = 4

// MaxBufferSlots is the number of argument slots an encoder accepts.
const MaxBufferSlots = 8

// Size describes a 3-D extent used for dispatch grids and thread groups.
type Size struct {
	Width  int
	Height int
	Depth  int
}

// Size1D returns a one-dimensional extent of n.
func Size1D(n int) Size {
	return Size{Width: n, Height: 1, Depth: 1}
}

// Total returns the number of threads covered by s.
func (s Size) Total() int {
	return s.Width * s.Height * s.Depth
}

// Valid reports whether every dimension is at least one.
func (s Size) Valid() bool {
	return s.Width >= 1 && s.Height >= 1 && s.Depth >= 1
}

// Device is a handle to one compute-capable accelerator.
type Device interface {
	// Name returns a human-readable device name.
	Name() string

	// NewPipeline compiles fn into a pipeline state bound to its entry point.
	NewPipeline(fn kernel.Function) (Pipeline, error)

	// NewBuffer allocates a buffer of length bytes that is readable and
	// writable from host code and visible to kernels.
	NewBuffer(length int) (Buffer, error)

	// NewCommandBuffer opens a new command-recording context.
	NewCommandBuffer() (CommandBuffer, error)

	// Release frees the device. The device must not be used afterwards.
	Release()
}

// Pipeline is a compiled, ready-to-dispatch kernel entry point.
type Pipeline interface {
	EntryPoint() string

	// MaxThreadsPerGroup is the upper bound on threads per thread group
	// for this pipeline. Always at least one.
	MaxThreadsPerGroup() int
}

// Buffer is a fixed-length float32 region shared by host and device.
type Buffer interface {
	// Len returns the length in bytes.
	Len() int

	// Floats returns the host view of the buffer contents.
	Floats() []float32

	Release()
}

// CommandBuffer is a one-shot unit of device work.
type CommandBuffer interface {
	// ComputeEncoder opens a compute-encoding pass on the command buffer.
	ComputeEncoder() (ComputeEncoder, error)

	// Commit submits the recorded work for execution. All encoders must be
	// ended first.
	Commit() error

	// Wait blocks until the device signals completion or ctx is done.
	Wait(ctx context.Context) error
}

// ComputeEncoder records compute commands into a command buffer.
type ComputeEncoder interface {
	SetPipeline(p Pipeline) error
	SetBuffer(buf Buffer, offset, index int) error
	DispatchThreads(grid, group Size) error
	EndEncoding() error
}

// Elements returns the number of float32 elements buf holds.
func Elements(buf Buffer) int {
	return buf.Len() / Float32Size
}
