package cpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/parallel"
)

// commandBuffer executes its dispatches on a background goroutine after
// Commit and closes done when the last one finishes.
type commandBuffer struct {
	compute.Recording

	device *Device
	done   chan struct{}
	err    error
}

// launch is a validated dispatch ready to run.
type launch struct {
	pipeline *pipeline
	views    [][]float32
	threads  int
	group    int
}

// Commit validates the recorded dispatches and starts executing them.
func (cb *commandBuffer) Commit() error {
	dispatches, err := cb.Seal()
	if err != nil {
		return err
	}

	launches := make([]launch, 0, len(dispatches))
	for i, d := range dispatches {
		l, err := prepare(d)
		if err != nil {
			return fmt.Errorf("cpu: dispatch %d: %w", i, err)
		}
		launches = append(launches, l)
	}

	go func() {
		defer close(cb.done)
		for _, l := range launches {
			if err := run(l, cb.device.parallel); err != nil {
				cb.err = err
				return
			}
		}
	}()
	return nil
}

// Wait blocks until all committed work has finished or ctx is done.
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

// prepare resolves the bindings of d into host slices.
func prepare(d compute.Dispatch) (launch, error) {
	p, ok := d.Pipeline.(*pipeline)
	if !ok {
		return launch{}, fmt.Errorf("%w: pipeline %T does not belong to a cpu device",
			compute.ErrCommandCreationFailed, d.Pipeline)
	}

	views := make([][]float32, p.fn.Bindings)
	for slot := range views {
		if slot >= len(d.Bindings) || d.Bindings[slot].Buffer == nil {
			return launch{}, fmt.Errorf("%w: %s: no buffer bound at slot %d",
				compute.ErrCommandCreationFailed, p.fn.Name, slot)
		}
		b := d.Bindings[slot]
		views[slot] = b.Buffer.Floats()[b.Offset/compute.Float32Size:]
	}

	return launch{
		pipeline: p,
		views:    views,
		threads:  d.Grid.Total(),
		group:    d.Group.Total(),
	}, nil
}

// run executes every thread of l, one thread group per work item.
// Thread ids are linear positions in the grid.
func run(l launch, cfg parallel.Config) (err error) {
	var once sync.Once
	host := l.pipeline.fn.Host

	parallel.Chunks(l.threads, l.group, func(start, end int) {
		defer func() {
			if r := recover(); r != nil {
				once.Do(func() {
					err = fmt.Errorf("cpu: kernel %s panicked in group starting at %d: %v",
						l.pipeline.fn.Name, start, r)
				})
			}
		}()
		for gid := start; gid < end; gid++ {
			host(l.views, gid)
		}
	}, cfg)

	return err
}
