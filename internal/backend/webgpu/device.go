//go:build windows

// Package webgpu implements the compute device on WebGPU.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
//
// WebGPU storage buffers cannot be mapped for writing while a kernel uses
// them, so each buffer keeps a host copy. Commit uploads the bound buffers
// before the compute pass and Wait copies kernel outputs back.
package webgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/kernel"
	"github.com/go-webgpu/webgpu/wgpu"
)

// Device is a compute device backed by a WebGPU adapter.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     *wgpu.AdapterInfoGo // nil if the adapter did not report info

	// Shader cache keyed by WGSL source
	shaders map[string]*wgpu.ShaderModule
	mu      sync.Mutex

	released bool
}

var _ compute.Device = (*Device)(nil)

// New requests a high-performance adapter and opens a device on it.
// Returns an error wrapping compute.ErrDeviceUnavailable if WebGPU is not
// available or initialization fails.
func New() (d *Device, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("%w: webgpu: native library not available: %v", compute.ErrDeviceUnavailable, r)
		}
	}()

	instance, instanceErr := wgpu.CreateInstance(nil)
	if instanceErr != nil {
		return nil, fmt.Errorf("%w: webgpu: failed to create instance: %w", compute.ErrDeviceUnavailable, instanceErr)
	}
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: webgpu: failed to request adapter: %w", compute.ErrDeviceUnavailable, adapterErr)
	}

	// Adapter info is optional; Name falls back when it is missing.
	info, infoErr := adapter.GetInfo()
	if infoErr != nil {
		info = nil
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: webgpu: failed to request device: %w", compute.ErrDeviceUnavailable, deviceErr)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: webgpu: failed to get queue", compute.ErrDeviceUnavailable)
	}

	return &Device{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		info:     info,
		shaders:  make(map[string]*wgpu.ShaderModule),
	}, nil
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()

	return true
}

// Name returns the adapter name reported by the driver.
func (d *Device) Name() string {
	return adapterName(d.info)
}

func adapterName(info *wgpu.AdapterInfoGo) string {
	if info == nil {
		return "WebGPU (unknown adapter)"
	}
	name := info.Description
	if name == "" {
		name = info.Device
	}
	if name == "" {
		name = "unknown adapter"
	}
	if info.Vendor != "" {
		return fmt.Sprintf("WebGPU (%s %s)", name, info.Vendor)
	}
	return fmt.Sprintf("WebGPU (%s)", name)
}

// NewPipeline compiles the WGSL source of fn and builds a compute pipeline
// for its entry point.
func (d *Device) NewPipeline(fn kernel.Function) (p compute.Pipeline, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("%w: webgpu: %s: %v", compute.ErrPipelineCreationFailed, fn.Name, r)
		}
	}()

	if fn.Source == "" {
		return nil, fmt.Errorf("%w: webgpu: %q has no WGSL source", compute.ErrPipelineCreationFailed, fn.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, fmt.Errorf("%w: webgpu: device released", compute.ErrPipelineCreationFailed)
	}

	shader, ok := d.shaders[fn.Source]
	if !ok {
		shader = d.device.CreateShaderModuleWGSL(fn.Source)
		if shader == nil {
			return nil, fmt.Errorf("%w: webgpu: shader compilation failed for %q", compute.ErrPipelineCreationFailed, fn.Name)
		}
		d.shaders[fn.Source] = shader
	}

	// Create compute pipeline with auto layout (nil layout)
	pl := d.device.CreateComputePipelineSimple(nil, shader, fn.Name)
	if pl == nil {
		return nil, fmt.Errorf("%w: webgpu: no compute pipeline for %q", compute.ErrPipelineCreationFailed, fn.Name)
	}

	workgroup := fn.WorkgroupSize
	if workgroup <= 0 {
		workgroup = kernel.WorkgroupSize
	}
	return &pipeline{fn: fn, pipeline: pl, workgroup: workgroup}, nil
}

// NewBuffer allocates a storage buffer of length bytes and its host copy.
func (d *Device) NewBuffer(length int) (b compute.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = nil
			err = fmt.Errorf("%w: webgpu: %v", compute.ErrAllocationFailed, r)
		}
	}()

	if length <= 0 || length%compute.Float32Size != 0 {
		return nil, fmt.Errorf("%w: webgpu: invalid buffer length %d", compute.ErrAllocationFailed, length)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, fmt.Errorf("%w: webgpu: device released", compute.ErrAllocationFailed)
	}

	//nolint:gosec // G115: length checked positive above
	size := uint64(length)
	gpu := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	if gpu == nil {
		return nil, fmt.Errorf("%w: webgpu: device refused %d-byte buffer", compute.ErrAllocationFailed, length)
	}

	return &buffer{
		host: make([]float32, length/compute.Float32Size),
		gpu:  gpu,
		size: size,
	}, nil
}

// NewCommandBuffer opens a new command buffer.
func (d *Device) NewCommandBuffer() (compute.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, fmt.Errorf("%w: webgpu: device released", compute.ErrCommandCreationFailed)
	}
	return &commandBuffer{
		device: d,
		done:   make(chan struct{}),
	}, nil
}

// Release releases all WebGPU resources.
// Must be called when the device is no longer needed.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return
	}
	d.released = true

	for _, s := range d.shaders {
		s.Release()
	}
	d.shaders = nil

	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

type pipeline struct {
	fn        kernel.Function
	pipeline  *wgpu.ComputePipeline
	workgroup int
}

func (p *pipeline) EntryPoint() string { return p.fn.Name }

// MaxThreadsPerGroup is the workgroup size fixed by the WGSL entry point.
func (p *pipeline) MaxThreadsPerGroup() int { return p.workgroup }

type buffer struct {
	host []float32
	gpu  *wgpu.Buffer
	size uint64
	once sync.Once
}

func (b *buffer) Len() int { return len(b.host) * compute.Float32Size }
func (b *buffer) Floats() []float32 { return b.host }

func (b *buffer) Release() {
	b.once.Do(func() {
		b.gpu.Release()
	})
}

// bytes views the host copy as raw bytes.
func (b *buffer) bytes() []byte {
	if len(b.host) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view of float32 storage
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.host[0])), b.size)
}
