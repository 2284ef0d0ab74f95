// Package kernel holds compute kernel modules and resolves entry points by name.
//
// A Function carries both forms of a kernel: WGSL source compiled by GPU
// backends and a host implementation run by the emulated device.
package kernel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrKernelNotFound is returned when a module has no entry point with the requested name.
var ErrKernelNotFound = errors.New("kernel: entry point not found")

// HostFunc executes one kernel thread. buffers holds the bound buffers in
// argument-slot order, each starting at its binding offset; gid is the
// thread's position in the 1-D dispatch grid.
type HostFunc func(buffers [][]float32, gid int)

// Function is one resolved kernel entry point.
type Function struct {
	// Name is the entry point name.
	Name string
	// Source is the WGSL module that defines Name.
	Source string
	// Bindings is the number of storage buffer slots the kernel reads or writes.
	Bindings int
	// Outputs lists the slots the kernel writes. Empty means all slots.
	Outputs []int
	// WorkgroupSize is the thread count the WGSL entry point declares.
	WorkgroupSize int
	// Host is the host-side implementation of the kernel.
	Host HostFunc
}

// Module is a compiled kernel library.
type Module struct {
	name      string
	source    string
	functions map[string]Function
}

// NewModule creates an empty module with the given WGSL source.
func NewModule(name, source string) *Module {
	return &Module{
		name:      name,
		source:    source,
		functions: make(map[string]Function),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Register adds a host-only entry point to the module and returns the module
// for chaining.
func (m *Module) Register(name string, bindings int, host HostFunc) *Module {
	return m.Add(Function{Name: name, Bindings: bindings, Host: host})
}

// Add adds fn to the module. fn.Source is replaced by the module source.
func (m *Module) Add(fn Function) *Module {
	fn.Source = m.source
	m.functions[fn.Name] = fn
	return m
}

// Lookup returns the entry point called name.
func (m *Module) Lookup(name string) (Function, error) {
	if m == nil {
		return Function{}, fmt.Errorf("%w: %q (no module)", ErrKernelNotFound, name)
	}
	fn, ok := m.functions[name]
	if !ok {
		return Function{}, fmt.Errorf("%w: %q in module %q (entry points: %s)",
			ErrKernelNotFound, name, m.name, strings.Join(m.Names(), ", "))
	}
	return fn, nil
}

// Names returns the entry point names in sorted order.
func (m *Module) Names() []string {
	names := make([]string, 0, len(m.functions))
	for name := range m.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
