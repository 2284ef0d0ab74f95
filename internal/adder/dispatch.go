package adder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/vecadd/internal/compute"
)

var (
	// ErrNotPrepared is returned when dispatching before the buffers are allocated.
	ErrNotPrepared = errors.New("adder: buffers not prepared")
	// ErrDispatchInFlight is returned while a dispatch abandoned by a timeout
	// or cancellation may still be writing the session's buffers.
	ErrDispatchInFlight = errors.New("adder: dispatch still in flight")
)

// Completion describes a finished dispatch.
type Completion struct {
	Grid    compute.Size
	Group   compute.Size
	Elapsed time.Duration
}

// ThreadGroupSize returns the 1-D thread-group width for elementCount threads
// on a pipeline allowing maxThreadsPerGroup. The result is always within
// [1, elementCount] for elementCount >= 1.
func ThreadGroupSize(maxThreadsPerGroup, elementCount int) int {
	return max(1, min(maxThreadsPerGroup, elementCount))
}

// Dispatch runs the pipeline once over elementCount elements with A, B and
// Result bound to argument slots 0, 1 and 2, and blocks until the device
// signals completion.
//
// When timeout is positive the wait is bounded and expiry returns
// compute.ErrDispatchTimeout. Failing to open or fill the command buffer
// returns compute.ErrCommandCreationFailed.
func Dispatch(ctx context.Context, device compute.Device, p compute.Pipeline, bufs Buffers, elementCount int, timeout time.Duration) (Completion, error) {
	start := time.Now()
	cb, grid, group, err := submit(device, p, bufs, elementCount)
	if err != nil {
		return Completion{}, err
	}
	if err := await(ctx, cb, timeout, start); err != nil {
		return Completion{}, err
	}
	return Completion{Grid: grid, Group: group, Elapsed: time.Since(start)}, nil
}

// submit checks the preconditions, encodes the add dispatch and commits it.
// The returned command buffer is running on the device.
func submit(device compute.Device, p compute.Pipeline, bufs Buffers, elementCount int) (cb compute.CommandBuffer, grid, group compute.Size, err error) {
	if elementCount < 1 {
		return nil, grid, group, fmt.Errorf("adder: element count %d: must be at least 1", elementCount)
	}
	if !bufs.Ready() {
		return nil, grid, group, ErrNotPrepared
	}
	need := elementCount * compute.Float32Size
	for i, buf := range bufs.list() {
		if buf.Len() < need {
			return nil, grid, group, fmt.Errorf("adder: buffer at slot %d holds %d bytes, need %d", i, buf.Len(), need)
		}
	}

	cb, err = device.NewCommandBuffer()
	if err != nil {
		return nil, grid, group, commandErr("open command buffer", err)
	}
	enc, err := cb.ComputeEncoder()
	if err != nil {
		return nil, grid, group, commandErr("open compute encoder", err)
	}

	grid = compute.Size1D(elementCount)
	group = compute.Size1D(ThreadGroupSize(p.MaxThreadsPerGroup(), elementCount))

	if err := encodeAdd(enc, p, bufs, grid, group); err != nil {
		return nil, grid, group, commandErr("encode", err)
	}
	if err := cb.Commit(); err != nil {
		return nil, grid, group, commandErr("commit", err)
	}
	return cb, grid, group, nil
}

// await blocks until cb completes. A positive timeout bounds the wait and
// maps its expiry to compute.ErrDispatchTimeout.
func await(ctx context.Context, cb compute.CommandBuffer, timeout time.Duration, start time.Time) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := cb.Wait(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("adder: %w after %s", compute.ErrDispatchTimeout, time.Since(start).Round(time.Millisecond))
		}
		return fmt.Errorf("adder: wait: %w", err)
	}
	return nil
}

// encodeAdd records the add dispatch and closes the encoder.
func encodeAdd(enc compute.ComputeEncoder, p compute.Pipeline, bufs Buffers, grid, group compute.Size) error {
	if err := enc.SetPipeline(p); err != nil {
		return err
	}
	for slot, buf := range bufs.list() {
		if err := enc.SetBuffer(buf, 0, slot); err != nil {
			return err
		}
	}
	if err := enc.DispatchThreads(grid, group); err != nil {
		return err
	}
	return enc.EndEncoding()
}

func commandErr(step string, err error) error {
	if errors.Is(err, compute.ErrCommandCreationFailed) {
		return fmt.Errorf("adder: %s: %w", step, err)
	}
	return fmt.Errorf("adder: %s: %w: %w", step, compute.ErrCommandCreationFailed, err)
}
