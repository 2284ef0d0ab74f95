package adder

import (
	"errors"
	"fmt"

	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/kernel"
)

// BuildPipeline resolves entryPoint in module and builds a pipeline state
// for it on device.
//
// A missing entry point fails with compute.ErrKernelNotFound; any backend
// failure is reported as compute.ErrPipelineCreationFailed.
func BuildPipeline(device compute.Device, module *kernel.Module, entryPoint string) (compute.Pipeline, error) {
	fn, err := module.Lookup(entryPoint)
	if err != nil {
		return nil, fmt.Errorf("adder: %w", err)
	}

	p, err := device.NewPipeline(fn)
	if err != nil {
		if errors.Is(err, compute.ErrPipelineCreationFailed) {
			return nil, fmt.Errorf("adder: %w", err)
		}
		return nil, fmt.Errorf("adder: %w: %w", compute.ErrPipelineCreationFailed, err)
	}
	if p.MaxThreadsPerGroup() < 1 {
		return nil, fmt.Errorf("adder: %w: %s reports %d threads per group",
			compute.ErrPipelineCreationFailed, entryPoint, p.MaxThreadsPerGroup())
	}
	return p, nil
}
