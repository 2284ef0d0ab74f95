// Package backend selects the compute device for a run.
package backend

import (
	"fmt"

	"github.com/born-ml/vecadd/internal/backend/cpu"
	"github.com/born-ml/vecadd/internal/backend/webgpu"
	"github.com/born-ml/vecadd/internal/compute"
)

// Kind names a device backend.
type Kind string

const (
	// Auto prefers WebGPU and falls back to the emulated CPU device.
	Auto Kind = "auto"
	// CPU is the emulated unified-memory device.
	CPU Kind = "cpu"
	// WebGPU is the go-webgpu device adapter.
	WebGPU Kind = "webgpu"
)

// Kinds lists the accepted backend names.
func Kinds() []Kind {
	return []Kind{Auto, CPU, WebGPU}
}

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("backend: unknown backend %q (want one of %v)", s, Kinds())
}

// Options tune device creation. Fields that do not apply to the selected
// backend are ignored.
type Options struct {
	// Workers is the number of goroutines the cpu device runs thread groups on.
	Workers int
	// MemoryLimit caps live cpu buffer bytes. Zero means unlimited.
	MemoryLimit uint64
	// MaxThreadsPerGroup overrides the cpu pipeline thread-group limit.
	MaxThreadsPerGroup int
}

// Open returns a device of the requested kind. Errors wrap
// compute.ErrDeviceUnavailable.
func Open(kind Kind, opts Options) (compute.Device, error) {
	switch kind {
	case CPU:
		return openCPU(opts), nil
	case WebGPU:
		d, err := webgpu.New()
		if err != nil {
			return nil, err
		}
		return d, nil
	case Auto, "":
		if webgpu.IsAvailable() {
			if d, err := webgpu.New(); err == nil {
				return d, nil
			}
		}
		return openCPU(opts), nil
	default:
		return nil, fmt.Errorf("%w: backend: unknown backend %q", compute.ErrDeviceUnavailable, kind)
	}
}

func openCPU(opts Options) *cpu.Device {
	return cpu.New(
		cpu.WithWorkers(opts.Workers),
		cpu.WithMemoryLimit(opts.MemoryLimit),
		cpu.WithMaxThreadsPerGroup(opts.MaxThreadsPerGroup),
	)
}

// Info describes one backend for listing.
type Info struct {
	Kind      Kind
	Available bool
	Device    string
}

// List reports which backends can be opened on this system.
func List() []Info {
	infos := []Info{{Kind: CPU, Available: true, Device: openCPU(Options{}).Name()}}

	gpu := Info{Kind: WebGPU}
	if webgpu.IsAvailable() {
		if d, err := webgpu.New(); err == nil {
			gpu.Available = true
			gpu.Device = d.Name()
			d.Release()
		}
	}
	return append(infos, gpu)
}
