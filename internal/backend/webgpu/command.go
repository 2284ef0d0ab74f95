//go:build windows

package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/born-ml/vecadd/internal/compute"
	"github.com/go-webgpu/webgpu/wgpu"
)

// maxWorkgroupsPerDimension is the WebGPU default limit on workgroups per
// dispatch dimension.
const maxWorkgroupsPerDimension = 65535

// minStorageOffsetAlignment is the WebGPU default minStorageBufferOffsetAlignment.
const minStorageOffsetAlignment = 256

// commandBuffer records on the shared compute.Recording and encodes all
// dispatches into one WebGPU command encoder at commit.
type commandBuffer struct {
	compute.Recording

	device *Device
	done   chan struct{}
	err    error
}

// Commit uploads bound buffers, encodes one compute pass per dispatch and
// submits the work. Kernel outputs are read back on a background goroutine.
func (cb *commandBuffer) Commit() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: webgpu: %v", compute.ErrCommandCreationFailed, r)
		}
	}()

	dispatches, err := cb.Seal()
	if err != nil {
		return err
	}

	d := cb.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return fmt.Errorf("%w: webgpu: device released", compute.ErrCommandCreationFailed)
	}

	var transient []interface{ Release() }
	defer func() {
		for _, r := range transient {
			r.Release()
		}
	}()

	encoder := d.device.CreateCommandEncoder(nil)
	if encoder == nil {
		return fmt.Errorf("%w: webgpu: failed to create command encoder", compute.ErrCommandCreationFailed)
	}

	uploaded := make(map[*buffer]bool)
	var outputs []*buffer
	for i, dispatch := range dispatches {
		p, ok := dispatch.Pipeline.(*pipeline)
		if !ok {
			return fmt.Errorf("%w: webgpu: dispatch %d: pipeline %T does not belong to a webgpu device",
				compute.ErrCommandCreationFailed, i, dispatch.Pipeline)
		}

		bound, err := bindings(p, dispatch)
		if err != nil {
			return fmt.Errorf("webgpu: dispatch %d: %w", i, err)
		}

		entries := make([]wgpu.BindGroupEntry, 0, len(bound)+1)
		for slot, bb := range bound {
			if !uploaded[bb.buf] {
				staging := d.createBuffer(bb.buf.bytes(), wgpu.BufferUsageCopySrc)
				transient = append(transient, staging)
				encoder.CopyBufferToBuffer(staging, 0, bb.buf.gpu, 0, bb.buf.size)
				uploaded[bb.buf] = true
			}
			//nolint:gosec // G115: slot and offset are validated non-negative by the encoder
			entries = append(entries, wgpu.BufferBindingEntry(uint32(slot), bb.buf.gpu, uint64(bb.offset), bb.buf.size-uint64(bb.offset)))
		}

		threads := dispatch.Grid.Total()
		params := make([]byte, 16) // 16-byte aligned
		//nolint:gosec // G115: grid size bounded by buffer length
		binary.LittleEndian.PutUint32(params[0:4], uint32(threads))
		bufferParams := d.createUniformBuffer(params)
		transient = append(transient, bufferParams)
		//nolint:gosec // G115: binding count is small
		entries = append(entries, wgpu.BufferBindingEntry(uint32(len(bound)), bufferParams, 0, 16))

		bindGroupLayout := p.pipeline.GetBindGroupLayout(0)
		bindGroup := d.device.CreateBindGroupSimple(bindGroupLayout, entries)
		transient = append(transient, bindGroup)

		computePass := encoder.BeginComputePass(nil)
		computePass.SetPipeline(p.pipeline)
		computePass.SetBindGroup(0, bindGroup, nil)
		x, y := workgroups(threads, p.workgroup)
		computePass.DispatchWorkgroups(x, y, 1)
		computePass.End()

		outputs = append(outputs, outputBuffers(p, bound)...)
	}

	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)

	go cb.readback(outputs)
	return nil
}

// Wait blocks until outputs have been copied back to host memory or ctx is done.
func (cb *commandBuffer) Wait(ctx context.Context) error {
	if !cb.Committed() {
		return compute.ErrNotCommitted
	}
	select {
	case <-cb.done:
		return cb.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readback copies every output buffer to its host copy. Mapping the staging
// buffer blocks until the submitted work completes.
func (cb *commandBuffer) readback(outputs []*buffer) {
	defer close(cb.done)
	defer func() {
		if r := recover(); r != nil {
			cb.err = fmt.Errorf("webgpu: readback: %v", r)
		}
	}()

	seen := make(map[*buffer]bool)
	for _, out := range outputs {
		if seen[out] {
			continue
		}
		seen[out] = true

		data, err := cb.device.readBuffer(out.gpu, out.size)
		if err != nil {
			cb.err = err
			return
		}
		copy(out.bytes(), data)
	}
}

type boundBuffer struct {
	buf    *buffer
	offset int
}

// bindings resolves the storage slots a pipeline needs.
func bindings(p *pipeline, dispatch compute.Dispatch) ([]boundBuffer, error) {
	bound := make([]boundBuffer, p.fn.Bindings)
	for slot := range bound {
		if slot >= len(dispatch.Bindings) || dispatch.Bindings[slot].Buffer == nil {
			return nil, fmt.Errorf("%w: %s: no buffer bound at slot %d",
				compute.ErrCommandCreationFailed, p.fn.Name, slot)
		}
		b, ok := dispatch.Bindings[slot].Buffer.(*buffer)
		if !ok {
			return nil, fmt.Errorf("%w: %s: buffer at slot %d does not belong to a webgpu device",
				compute.ErrCommandCreationFailed, p.fn.Name, slot)
		}
		offset := dispatch.Bindings[slot].Offset
		if offset%minStorageOffsetAlignment != 0 {
			return nil, fmt.Errorf("%w: %s: offset %d at slot %d is not a multiple of %d",
				compute.ErrCommandCreationFailed, p.fn.Name, offset, slot, minStorageOffsetAlignment)
		}
		bound[slot] = boundBuffer{buf: b, offset: offset}
	}
	return bound, nil
}

// outputBuffers returns the buffers the pipeline writes.
func outputBuffers(p *pipeline, bound []boundBuffer) []*buffer {
	if len(p.fn.Outputs) == 0 {
		out := make([]*buffer, 0, len(bound))
		for _, bb := range bound {
			out = append(out, bb.buf)
		}
		return out
	}
	out := make([]*buffer, 0, len(p.fn.Outputs))
	for _, slot := range p.fn.Outputs {
		if slot >= 0 && slot < len(bound) {
			out = append(out, bound[slot].buf)
		}
	}
	return out
}

// workgroups returns the 2-D workgroup count covering threads. Rows hold at
// most maxWorkgroupsPerDimension workgroups.
func workgroups(threads, size int) (x, y uint32) {
	groups := (threads + size - 1) / size
	cols := min(groups, maxWorkgroupsPerDimension)
	rows := (groups + cols - 1) / cols
	//nolint:gosec // G115: both values bounded by maxWorkgroupsPerDimension
	return uint32(cols), uint32(rows)
}

// createBuffer creates a GPU buffer and uploads initial data.
func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))

	// Create buffer with MappedAtCreation for initial data upload
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})

	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buffer.Unmap()

	return buffer
}

// createUniformBuffer creates a uniform buffer with proper alignment.
// Uniform buffers require 16-byte alignment for struct fields.
func (d *Device) createUniformBuffer(data []byte) *wgpu.Buffer {
	size := uint64(len(data))
	alignedSize := (size + 15) &^ 15 // Round up to 16-byte boundary

	padded := make([]byte, alignedSize)
	copy(padded, data)
	return d.createBuffer(padded, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (d *Device) readBuffer(srcBuffer *wgpu.Buffer, size uint64) ([]byte, error) {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil, fmt.Errorf("webgpu: device released during readback")
	}
	stagingBuffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(srcBuffer, 0, stagingBuffer, 0, size)
	cmdBuffer := encoder.Finish(nil)
	d.queue.Submit(cmdBuffer)
	device := d.device
	d.mu.Unlock()
	defer stagingBuffer.Release()

	// Map staging buffer for reading
	if err := stagingBuffer.MapAsync(device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}

	mappedPtr := stagingBuffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)

	stagingBuffer.Unmap()

	return result, nil
}
