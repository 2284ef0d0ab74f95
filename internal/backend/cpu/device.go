// Package cpu implements an emulated compute device on the host CPU.
//
// Buffers live in ordinary Go memory, so host and kernel share them without
// copies (unified memory). Dispatches run each thread group as one unit of
// work on a bounded set of goroutines.
package cpu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/kernel"
	"github.com/born-ml/vecadd/internal/parallel"
)

// DefaultMaxThreadsPerGroup is the thread-group limit reported by pipelines
// unless overridden with WithMaxThreadsPerGroup.
const DefaultMaxThreadsPerGroup = 1024

// Option configures a Device.
type Option func(*Device)

// WithMaxThreadsPerGroup sets the per-pipeline thread-group limit.
func WithMaxThreadsPerGroup(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.maxThreads = n
		}
	}
}

// WithMemoryLimit caps the total bytes of live buffers. Zero means unlimited.
func WithMemoryLimit(bytes uint64) Option {
	return func(d *Device) {
		d.memoryLimit = bytes
	}
}

// WithWorkers sets the number of goroutines that execute thread groups.
func WithWorkers(n int) Option {
	return func(d *Device) {
		d.parallel = d.parallel.WithWorkers(n)
	}
}

// Device is an emulated compute device.
type Device struct {
	maxThreads  int
	memoryLimit uint64
	parallel    parallel.Config
	released    atomic.Bool

	// Memory tracking
	memoryStats struct {
		totalAllocatedBytes uint64
		peakMemoryBytes     uint64
		activeBuffers       int64
		mu                  sync.RWMutex
	}
}

var _ compute.Device = (*Device)(nil)

// New creates a new emulated device.
func New(opts ...Option) *Device {
	cfg := parallel.DefaultConfig()
	// Each chunk is one thread group, so any group count is worth spreading.
	cfg.MinChunkSize = 1

	d := &Device{
		maxThreads: DefaultMaxThreadsPerGroup,
		parallel:   cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the device name.
func (d *Device) Name() string {
	workers := d.parallel.NumWorkers
	if !d.parallel.Enabled {
		workers = 1
	}
	return fmt.Sprintf("CPU (emulated, %s/%s, %d workers)", runtime.GOOS, runtime.GOARCH, workers)
}

// NewPipeline builds a pipeline state from the host form of fn.
func (d *Device) NewPipeline(fn kernel.Function) (compute.Pipeline, error) {
	if d.released.Load() {
		return nil, fmt.Errorf("%w: cpu: device released", compute.ErrPipelineCreationFailed)
	}
	if fn.Host == nil {
		return nil, fmt.Errorf("%w: cpu: %q has no host implementation", compute.ErrPipelineCreationFailed, fn.Name)
	}
	return &pipeline{fn: fn, maxThreads: d.maxThreads}, nil
}

// NewBuffer allocates a zeroed shared buffer of length bytes.
func (d *Device) NewBuffer(length int) (compute.Buffer, error) {
	if d.released.Load() {
		return nil, fmt.Errorf("%w: cpu: device released", compute.ErrAllocationFailed)
	}
	if length <= 0 || length%compute.Float32Size != 0 {
		return nil, fmt.Errorf("%w: cpu: invalid buffer length %d", compute.ErrAllocationFailed, length)
	}
	//nolint:gosec // G115: length checked positive above
	if err := d.trackBufferAllocation(uint64(length)); err != nil {
		return nil, err
	}
	return &buffer{
		device: d,
		data:   make([]float32, length/compute.Float32Size),
	}, nil
}

// NewCommandBuffer opens a new command buffer.
func (d *Device) NewCommandBuffer() (compute.CommandBuffer, error) {
	if d.released.Load() {
		return nil, fmt.Errorf("%w: cpu: device released", compute.ErrCommandCreationFailed)
	}
	return &commandBuffer{
		device: d,
		done:   make(chan struct{}),
	}, nil
}

// Release marks the device released. Later calls that create resources fail.
func (d *Device) Release() {
	d.released.Store(true)
}

// MemoryStats represents device memory usage statistics.
type MemoryStats struct {
	// Bytes held by live buffers
	AllocatedBytes uint64
	// Peak memory usage in bytes
	PeakMemoryBytes uint64
	// Number of currently active buffers
	ActiveBuffers int64
}

// MemoryStats returns current memory usage statistics.
func (d *Device) MemoryStats() MemoryStats {
	d.memoryStats.mu.RLock()
	defer d.memoryStats.mu.RUnlock()

	return MemoryStats{
		AllocatedBytes:  d.memoryStats.totalAllocatedBytes,
		PeakMemoryBytes: d.memoryStats.peakMemoryBytes,
		ActiveBuffers:   d.memoryStats.activeBuffers,
	}
}

// trackBufferAllocation records a buffer allocation, failing if it would
// exceed the memory limit.
func (d *Device) trackBufferAllocation(size uint64) error {
	d.memoryStats.mu.Lock()
	defer d.memoryStats.mu.Unlock()

	if d.memoryLimit > 0 && d.memoryStats.totalAllocatedBytes+size > d.memoryLimit {
		return fmt.Errorf("%w: cpu: %d bytes requested, %d of %d in use",
			compute.ErrAllocationFailed, size, d.memoryStats.totalAllocatedBytes, d.memoryLimit)
	}

	d.memoryStats.totalAllocatedBytes += size
	d.memoryStats.activeBuffers++

	if d.memoryStats.totalAllocatedBytes > d.memoryStats.peakMemoryBytes {
		d.memoryStats.peakMemoryBytes = d.memoryStats.totalAllocatedBytes
	}
	return nil
}

// trackBufferRelease records a buffer release in memory statistics.
func (d *Device) trackBufferRelease(size uint64) {
	d.memoryStats.mu.Lock()
	defer d.memoryStats.mu.Unlock()

	if d.memoryStats.totalAllocatedBytes >= size {
		d.memoryStats.totalAllocatedBytes -= size
	}
	d.memoryStats.activeBuffers--
}

type pipeline struct {
	fn         kernel.Function
	maxThreads int
}

func (p *pipeline) EntryPoint() string { return p.fn.Name }
func (p *pipeline) MaxThreadsPerGroup() int { return p.maxThreads }

type buffer struct {
	device   *Device
	data     []float32
	released atomic.Bool
}

func (b *buffer) Len() int { return len(b.data) * compute.Float32Size }
func (b *buffer) Floats() []float32 { return b.data }

// Release returns the buffer's bytes to the device. Safe to call twice.
func (b *buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	//nolint:gosec // G115: Len() is non-negative
	b.device.trackBufferRelease(uint64(b.Len()))
}
