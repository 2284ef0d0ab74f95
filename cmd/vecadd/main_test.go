package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/vecadd/internal/adder"
	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "vecadd "+version+"\n", out)
}

func TestRunCPU(t *testing.T) {
	out, err := execute(t, "run", "--backend", "cpu", "--count", "4096", "--seed", "5", "--repeat", "2", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "Compute results as expected\n", out)
}

func TestRunAllocationFailure(t *testing.T) {
	_, err := execute(t, "run", "--backend", "cpu", "--count", "1024", "--memory-limit", "4096", "--log-level", "error")
	require.ErrorIs(t, err, compute.ErrAllocationFailed)
}

func TestRunInvalidFlags(t *testing.T) {
	_, err := execute(t, "run", "--count", "0")
	require.Error(t, err)

	_, err = execute(t, "run", "--backend", "metal")
	require.Error(t, err)
}

func TestRunConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vecadd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: cpu\nelement_count: 0\nlog_level: error\n"), 0o600))

	// The file alone is invalid.
	_, err := execute(t, "run", "--config", path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("backend: cpu\nelement_count: 128\nlog_level: error\n"), 0o600))
	out, err := execute(t, "run", "--config", path, "--count", "256")
	require.NoError(t, err)
	assert.Contains(t, out, "Compute results as expected")
}

func TestOverlay(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Set("count", "99"))

	file := config.Default()
	file.Backend = "cpu"
	flags := config.Default()
	flags.ElementCount = 99

	got := overlay(file, flags, cmd)
	assert.Equal(t, 99, got.ElementCount)
	assert.Equal(t, "cpu", got.Backend)
}

func TestDevices(t *testing.T) {
	out, err := execute(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "cpu")
	assert.Contains(t, out, "webgpu")
	assert.Contains(t, out, "kernels  builtin: add_arrays")
}

func TestPrintFailureMismatches(t *testing.T) {
	report := adder.Report{Count: 100}
	for i := range 13 {
		report.Mismatches = append(report.Mismatches, adder.Mismatch{Index: i * 3, A: 1, B: 2, Expected: 3, Actual: -1})
	}
	err := fmt.Errorf("run 1 of 1: %w", report.Err())

	var buf bytes.Buffer
	printFailure(&buf, err)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, maxPrintedMismatches+2)
	assert.Equal(t, "Compute ERROR: index=0 result=-1 vs 3=1+2", lines[0])
	assert.Equal(t, "Compute ERROR: index=27 result=-1 vs 3=1+2", lines[maxPrintedMismatches-1])
	assert.Equal(t, "... 3 more", lines[maxPrintedMismatches])
	assert.True(t, strings.HasPrefix(lines[maxPrintedMismatches+1], "Error: run 1 of 1: adder: 13 of 100 results differ"))
}

func TestPrintFailurePlainError(t *testing.T) {
	var buf bytes.Buffer
	printFailure(&buf, errors.New("backend: unknown backend"))
	assert.Equal(t, "Error: backend: unknown backend\n", buf.String())
}
