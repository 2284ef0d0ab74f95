package adder

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/born-ml/vecadd/internal/backend/cpu"
	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/kernel"
	"github.com/born-ml/vecadd/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, device compute.Device, cfg Config) (*Session, *compute.BufferPool) {
	t.Helper()
	pool := compute.NewBufferPool(device)
	s, err := New(device, pool, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, pool
}

func TestScenarioFourElements(t *testing.T) {
	s, _ := newSession(t, cpu.New(), Config{ElementCount: 4})
	require.NoError(t, s.SetData([]float32{1, 2, 3, 4}, []float32{10, 20, 30, 40}))

	r, err := s.SendComputeCommand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, s.Buffers().Result.Floats())
	assert.True(t, r.OK())
	assert.Equal(t, 4, r.Count)
}

func TestScenarioSingleElement(t *testing.T) {
	s, _ := newSession(t, cpu.New(), Config{ElementCount: 1})
	require.NoError(t, s.SetData([]float32{0}, []float32{0}))

	c, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compute.Size1D(1), c.Grid)
	assert.Equal(t, compute.Size1D(1), c.Group)
	assert.Equal(t, []float32{0}, s.Buffers().Result.Floats())

	r, err := s.Verify()
	require.NoError(t, err)
	assert.True(t, r.OK())
}

func TestScenarioCorruptedResult(t *testing.T) {
	s, _ := newSession(t, cpu.New(), Config{ElementCount: 4})
	require.NoError(t, s.SetData([]float32{1, 2, 3, 4}, []float32{10, 20, 30, 40}))
	_, err := s.Dispatch(context.Background())
	require.NoError(t, err)

	s.Buffers().Result.Floats()[2] = 999

	r, err := s.Verify()
	require.NoError(t, err)
	require.Len(t, r.Mismatches, 1)
	assert.Equal(t, Mismatch{Index: 2, A: 3, B: 30, Expected: 33, Actual: 999}, r.Mismatches[0])

	err = r.Err()
	require.ErrorIs(t, err, ErrVerificationMismatch)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, err.Error(), "index=2 result=999 vs 33=3+30")
}

func TestScenarioUnevenGrid(t *testing.T) {
	device := cpu.New(cpu.WithMaxThreadsPerGroup(2))
	s, _ := newSession(t, device, Config{ElementCount: 5})
	require.NoError(t, s.SetData([]float32{1, 2, 3, 4, 5}, []float32{5, 4, 3, 2, 1}))

	c, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, c.Grid.Width)
	assert.Equal(t, 2, c.Group.Width)
	assert.Equal(t, []float32{6, 6, 6, 6, 6}, s.Buffers().Result.Floats())
}

func TestScenarioMissingEntryPoint(t *testing.T) {
	device := cpu.New()
	pool := compute.NewBufferPool(device)
	module := kernel.NewModule("empty", "")

	_, err := New(device, pool, module, Config{ElementCount: 4})
	require.ErrorIs(t, err, compute.ErrKernelNotFound)

	assert.Equal(t, uint64(0), pool.Stats().Allocated)
	assert.Equal(t, int64(0), device.MemoryStats().ActiveBuffers)
}

func TestBuildPipelineBackendFailure(t *testing.T) {
	module := kernel.NewModule("gpu_only", "").Add(kernel.Function{Name: kernel.AddArrays, Bindings: 3})
	_, err := BuildPipeline(cpu.New(), module, kernel.AddArrays)
	require.ErrorIs(t, err, compute.ErrPipelineCreationFailed)
}

func TestRunRandomData(t *testing.T) {
	device := cpu.New()
	pool := compute.NewBufferPool(device)

	r, err := Run(context.Background(), device, pool, nil, Config{ElementCount: 1 << 16, Seed: 7})
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Equal(t, 1<<16, r.Count)

	// Buffers went back to the pool.
	assert.Equal(t, 3, pool.Stats().PooledCount)
}

func TestRepeatedSessionsReuseBuffers(t *testing.T) {
	device := cpu.New()
	pool := compute.NewBufferPool(device)
	cfg := Config{ElementCount: 1024, Seed: 1}

	for range 3 {
		_, err := Run(context.Background(), device, pool, nil, cfg)
		require.NoError(t, err)
	}

	stats := pool.Stats()
	assert.Equal(t, uint64(3), stats.Allocated)
	assert.Equal(t, uint64(6), stats.Hits)
	assert.Equal(t, int64(3), device.MemoryStats().ActiveBuffers)
}

func TestPrepareDataDeterministic(t *testing.T) {
	cfg := Config{ElementCount: 256, Seed: 42}
	s1, _ := newSession(t, cpu.New(), cfg)
	s2, _ := newSession(t, cpu.New(), cfg)
	require.NoError(t, s1.PrepareData())
	require.NoError(t, s2.PrepareData())

	assert.Equal(t, uint64(42), s1.Seed())
	assert.Equal(t, s1.Buffers().A.Floats(), s2.Buffers().A.Floats())
	assert.Equal(t, s1.Buffers().B.Floats(), s2.Buffers().B.Floats())
	assert.NotEqual(t, s1.Buffers().A.Floats(), s1.Buffers().B.Floats())
}

func TestPopulateRandomFinite(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	buf := make([]float32, 1<<16+1)
	sentinel := float32(-1)
	buf[len(buf)-1] = sentinel

	PopulateRandom(buf, len(buf)-1, rng)

	for i, v := range buf[:len(buf)-1] {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) || v < 0 {
			t.Fatalf("buf[%d] = %g", i, v)
		}
	}
	// Exactly count elements are written.
	assert.Equal(t, sentinel, buf[len(buf)-1])
}

func TestThreadGroupSize(t *testing.T) {
	tests := []struct {
		max, count, want int
	}{
		{1024, 1 << 24, 1024},
		{1024, 4, 4},
		{2, 5, 2},
		{1, 1, 1},
		{256, 1, 1},
	}
	for _, tt := range tests {
		got := ThreadGroupSize(tt.max, tt.count)
		assert.Equal(t, tt.want, got, "max=%d count=%d", tt.max, tt.count)
	}

	for count := 1; count <= 64; count++ {
		for maxThreads := 1; maxThreads <= 64; maxThreads++ {
			got := ThreadGroupSize(maxThreads, count)
			if got < 1 || got > count || got > maxThreads {
				t.Fatalf("ThreadGroupSize(%d, %d) = %d", maxThreads, count, got)
			}
		}
	}
}

func TestVerifyIdempotent(t *testing.T) {
	n := 3*verifyChunk + 17
	a, b, result := make([]float32, n), make([]float32, n), make([]float32, n)
	for i := range n {
		a[i] = float32(i)
		b[i] = 1
		result[i] = a[i] + b[i]
	}
	bad := []int{0, verifyChunk - 1, verifyChunk, 2*verifyChunk + 5, n - 1}
	for _, i := range bad {
		result[i] = -1
	}

	cfg := parallel.Config{Enabled: true, NumWorkers: 4, MinChunkSize: 1}
	r1 := Verify(a, b, result, n, cfg)
	r2 := Verify(a, b, result, n, cfg)
	assert.Equal(t, r1, r2)

	require.Len(t, r1.Mismatches, len(bad))
	for k, i := range bad {
		assert.Equal(t, i, r1.Mismatches[k].Index)
	}

	seq := Verify(a, b, result, n, parallel.Config{})
	assert.Equal(t, r1, seq)
}

func TestVerifyEmpty(t *testing.T) {
	r := Verify(nil, nil, nil, 0, parallel.DefaultConfig())
	assert.True(t, r.OK())
	assert.NoError(t, r.Err())
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	module := kernel.NewModule("stall", "").Register(kernel.AddArrays, 3, func(_ [][]float32, _ int) {
		<-release
	})

	device := cpu.New()
	s, err := New(device, compute.NewBufferPool(device), module, Config{ElementCount: 4, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.PrepareData())

	_, err = s.Dispatch(context.Background())
	require.ErrorIs(t, err, compute.ErrDispatchTimeout)
}

func TestDispatchCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	module := kernel.NewModule("stall", "").Register(kernel.AddArrays, 3, func(_ [][]float32, _ int) {
		<-release
	})

	device := cpu.New()
	s, err := New(device, compute.NewBufferPool(device), module, Config{ElementCount: 4})
	require.NoError(t, err)
	require.NoError(t, s.PrepareData())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Dispatch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, compute.ErrDispatchTimeout)
}

func TestTimedOutRunKeepsBuffersOutOfPool(t *testing.T) {
	release := make(chan struct{})
	var stale sync.WaitGroup
	stale.Add(4)
	module := kernel.NewModule("stall", "").Register(kernel.AddArrays, 3, func(bufs [][]float32, gid int) {
		<-release
		bufs[2][gid] = -1
		stale.Done()
	})

	device := cpu.New()
	pool := compute.NewBufferPool(device)

	_, err := Run(context.Background(), device, pool, module, Config{ElementCount: 4, Seed: 3, Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, compute.ErrDispatchTimeout)
	assert.Equal(t, 0, pool.Stats().PooledCount)
	assert.Equal(t, int64(0), device.MemoryStats().ActiveBuffers)

	s, err := New(device, pool, nil, Config{ElementCount: 4, Seed: 3})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.PrepareData())
	_, err = s.Dispatch(context.Background())
	require.NoError(t, err)

	// Let the abandoned kernel write its result buffer.
	close(release)
	stale.Wait()

	r, err := s.Verify()
	require.NoError(t, err)
	assert.True(t, r.OK(), "mismatches: %v", r.Mismatches)
}

func TestDispatchAfterTimeoutWaitsForEarlierWork(t *testing.T) {
	release := make(chan struct{})
	module := kernel.NewModule("stall", "").Register(kernel.AddArrays, 3, func(bufs [][]float32, gid int) {
		<-release
		bufs[2][gid] = bufs[0][gid] + bufs[1][gid]
	})

	device := cpu.New()
	pool := compute.NewBufferPool(device)
	s, err := New(device, pool, module, Config{ElementCount: 4, Seed: 9, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.PrepareData())

	ctx := context.Background()
	_, err = s.Dispatch(ctx)
	require.ErrorIs(t, err, compute.ErrDispatchTimeout)

	_, err = s.Verify()
	require.ErrorIs(t, err, ErrDispatchInFlight)
	require.ErrorIs(t, s.PrepareData(), ErrDispatchInFlight)

	// The earlier dispatch is still stalled.
	_, err = s.Dispatch(ctx)
	require.ErrorIs(t, err, ErrDispatchInFlight)
	require.ErrorIs(t, err, compute.ErrDispatchTimeout)

	close(release)
	_, err = s.Dispatch(ctx)
	require.NoError(t, err)

	r, err := s.Verify()
	require.NoError(t, err)
	assert.True(t, r.OK())

	s.Close()
	assert.Equal(t, 3, pool.Stats().PooledCount)
}

func TestDispatchCommandCreationFailed(t *testing.T) {
	device := cpu.New()
	s, _ := newSession(t, device, Config{ElementCount: 4})
	require.NoError(t, s.PrepareData())

	device.Release()
	_, err := s.Dispatch(context.Background())
	require.ErrorIs(t, err, compute.ErrCommandCreationFailed)
}

func TestDispatchNotPrepared(t *testing.T) {
	s, _ := newSession(t, cpu.New(), Config{ElementCount: 4})

	_, err := s.Dispatch(context.Background())
	require.ErrorIs(t, err, ErrNotPrepared)
	_, err = s.Verify()
	require.ErrorIs(t, err, ErrNotPrepared)
}

func TestDispatchShortBuffer(t *testing.T) {
	device := cpu.New()
	pool := compute.NewBufferPool(device)
	bufs, err := AllocateBuffers(pool, 2)
	require.NoError(t, err)
	p, err := BuildPipeline(device, kernel.Builtin(), kernel.AddArrays)
	require.NoError(t, err)

	_, err = Dispatch(context.Background(), device, p, bufs, 4, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 16")
}

func TestAllocationFailed(t *testing.T) {
	n := 1024
	device := cpu.New(cpu.WithMemoryLimit(uint64(2 * n * compute.Float32Size)))
	s, pool := newSession(t, device, Config{ElementCount: n})

	err := s.PrepareData()
	require.ErrorIs(t, err, compute.ErrAllocationFailed)
	assert.False(t, s.Buffers().Ready())

	// The two buffers that did allocate went back to the pool.
	assert.Equal(t, 2, pool.Stats().PooledCount)
}

func TestAllocateBuffersEqualLength(t *testing.T) {
	pool := compute.NewBufferPool(cpu.New())
	bufs, err := AllocateBuffers(pool, 33)
	require.NoError(t, err)
	defer ReleaseBuffers(pool, bufs)

	for _, buf := range bufs.list() {
		assert.Equal(t, 33*compute.Float32Size, buf.Len())
	}

	_, err = AllocateBuffers(pool, 0)
	require.ErrorIs(t, err, compute.ErrAllocationFailed)
}

func TestSetDataLength(t *testing.T) {
	s, _ := newSession(t, cpu.New(), Config{ElementCount: 4})
	require.Error(t, s.SetData([]float32{1}, []float32{1, 2, 3, 4}))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Equal(t, 16777216, DefaultConfig().ElementCount)

	bad := []Config{
		{ElementCount: 0},
		{ElementCount: 4, Timeout: -time.Second},
		{ElementCount: 4, Workers: -1},
	}
	for _, cfg := range bad {
		assert.Error(t, cfg.Validate(), "%+v", cfg)
	}
}

func TestSumProperty(t *testing.T) {
	// Arbitrary finite operands, including negatives and extremes, add exactly.
	values := []float32{0, -0, 1, -1, 0.1, 1e-38, -1e-38, 3.4e38, -3.4e38, 12345.678, float32(math.Pi)}
	n := len(values) * len(values)
	a, b := make([]float32, 0, n), make([]float32, 0, n)
	for _, x := range values {
		for _, y := range values {
			a = append(a, x)
			b = append(b, y)
		}
	}

	s, _ := newSession(t, cpu.New(cpu.WithMaxThreadsPerGroup(7)), Config{ElementCount: n})
	require.NoError(t, s.SetData(a, b))
	r, err := s.SendComputeCommand(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, r.Count)
}
