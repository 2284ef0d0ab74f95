// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package adder adds two float32 arrays with a compute kernel and verifies
// the result on the host.
//
// Example:
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/born-ml/vecadd/adder"
//	)
//
//	func main() {
//	    device, err := adder.OpenDevice(adder.BackendAuto)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer device.Release()
//
//	    report, err := adder.Run(context.Background(), device, adder.DefaultConfig())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Printf("verified %d elements", report.Count)
//	}
package adder

import (
	"context"

	"github.com/born-ml/vecadd/internal/adder"
	"github.com/born-ml/vecadd/internal/backend"
	"github.com/born-ml/vecadd/internal/compute"
)

// Config configures a run. See DefaultConfig.
type Config = adder.Config

// Report is the outcome of verifying one dispatch.
type Report = adder.Report

// Mismatch is one result element that differs from the expected sum.
type Mismatch = adder.Mismatch

// Device is a handle to a compute device.
type Device = compute.Device

// Backend names a device backend.
type Backend = backend.Kind

// Backend names accepted by OpenDevice.
const (
	BackendAuto   = backend.Auto
	BackendCPU    = backend.CPU
	BackendWebGPU = backend.WebGPU
)

// Errors reported by runs. Match them with errors.Is.
var (
	ErrDeviceUnavailable      = compute.ErrDeviceUnavailable
	ErrKernelNotFound         = compute.ErrKernelNotFound
	ErrPipelineCreationFailed = compute.ErrPipelineCreationFailed
	ErrAllocationFailed       = compute.ErrAllocationFailed
	ErrCommandCreationFailed  = compute.ErrCommandCreationFailed
	ErrDispatchTimeout        = compute.ErrDispatchTimeout
	ErrVerificationMismatch   = adder.ErrVerificationMismatch
)

// DefaultConfig returns the configuration of the reference run (2^24 elements).
func DefaultConfig() Config {
	return adder.DefaultConfig()
}

// OpenDevice opens a device of the given backend with default options.
func OpenDevice(kind Backend) (Device, error) {
	return backend.Open(kind, backend.Options{})
}

// Run builds the add pipeline on device, fills two operand buffers with
// random values, dispatches the kernel, and verifies every element.
func Run(ctx context.Context, device Device, cfg Config) (Report, error) {
	pool := compute.NewBufferPool(device)
	defer pool.Clear()
	return adder.Run(ctx, device, pool, nil, cfg)
}
