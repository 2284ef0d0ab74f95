package compute

import (
	"fmt"
	"sync"
)

// Binding is a buffer bound to an encoder argument slot.
type Binding struct {
	Buffer Buffer
	Offset int
}

// Dispatch is one recorded dispatch with the state captured when it was issued.
type Dispatch struct {
	Pipeline Pipeline
	Bindings []Binding // indexed by argument slot
	Grid     Size
	Group    Size
}

// Encoder is a backend-independent ComputeEncoder. Backends hand it out from
// their command buffers and replay its dispatches on commit.
type Encoder struct {
	pipeline   Pipeline
	bindings   []Binding
	dispatches []Dispatch
	ended      bool
}

var _ ComputeEncoder = (*Encoder)(nil)

func (e *Encoder) checkOpen() error {
	if e.ended {
		return fmt.Errorf("%w: encoder already ended", ErrCommandCreationFailed)
	}
	return nil
}

// SetPipeline binds the pipeline used by subsequent dispatches.
func (e *Encoder) SetPipeline(p Pipeline) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrCommandCreationFailed)
	}
	e.pipeline = p
	return nil
}

// SetBuffer binds buf at the given byte offset to argument slot index. The
// offset must be float32-aligned and leave at least one element bound.
func (e *Encoder) SetBuffer(buf Buffer, offset, index int) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if buf == nil {
		return fmt.Errorf("%w: nil buffer at slot %d", ErrCommandCreationFailed, index)
	}
	if index < 0 || index >= MaxBufferSlots {
		return fmt.Errorf("%w: slot %d out of range [0, %d)", ErrCommandCreationFailed, index, MaxBufferSlots)
	}
	if offset < 0 || offset >= buf.Len() || offset%Float32Size != 0 {
		return fmt.Errorf("%w: invalid offset %d for %d-byte buffer", ErrCommandCreationFailed, offset, buf.Len())
	}
	if index >= len(e.bindings) {
		grown := make([]Binding, index+1)
		copy(grown, e.bindings)
		e.bindings = grown
	}
	e.bindings[index] = Binding{Buffer: buf, Offset: offset}
	return nil
}

// DispatchThreads records a dispatch of grid threads in groups of group threads.
// The grid need not be a multiple of the group size.
func (e *Encoder) DispatchThreads(grid, group Size) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.pipeline == nil {
		return fmt.Errorf("%w: dispatch without pipeline", ErrCommandCreationFailed)
	}
	if !grid.Valid() || !group.Valid() {
		return fmt.Errorf("%w: invalid dispatch grid %v group %v", ErrCommandCreationFailed, grid, group)
	}
	if group.Total() > e.pipeline.MaxThreadsPerGroup() {
		return fmt.Errorf("%w: group of %d threads exceeds pipeline limit %d",
			ErrCommandCreationFailed, group.Total(), e.pipeline.MaxThreadsPerGroup())
	}

	bindings := make([]Binding, len(e.bindings))
	copy(bindings, e.bindings)
	e.dispatches = append(e.dispatches, Dispatch{
		Pipeline: e.pipeline,
		Bindings: bindings,
		Grid:     grid,
		Group:    group,
	})
	return nil
}

// EndEncoding closes the encoder. No further commands may be recorded.
func (e *Encoder) EndEncoding() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.ended = true
	return nil
}

// Recording tracks the encoders of one command buffer. Backends embed it.
type Recording struct {
	mu        sync.Mutex
	encoders  []*Encoder
	committed bool
}

// ComputeEncoder opens a new encoder. Only one encoder may be open at a time.
func (r *Recording) ComputeEncoder() (ComputeEncoder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return nil, fmt.Errorf("%w: command buffer already committed", ErrCommandCreationFailed)
	}
	if n := len(r.encoders); n > 0 && !r.encoders[n-1].ended {
		return nil, fmt.Errorf("%w: previous encoder still open", ErrCommandCreationFailed)
	}
	enc := &Encoder{}
	r.encoders = append(r.encoders, enc)
	return enc, nil
}

// Seal marks the recording committed and returns its dispatches in order.
func (r *Recording) Seal() ([]Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return nil, fmt.Errorf("%w: command buffer already committed", ErrCommandCreationFailed)
	}
	var dispatches []Dispatch
	for _, enc := range r.encoders {
		if !enc.ended {
			return nil, fmt.Errorf("%w: encoder not ended before commit", ErrCommandCreationFailed)
		}
		dispatches = append(dispatches, enc.dispatches...)
	}
	r.committed = true
	return dispatches, nil
}

// Committed reports whether Seal has succeeded.
func (r *Recording) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}
