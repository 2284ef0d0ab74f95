// Package adder dispatches the element-wise add kernel on a compute device
// and verifies the result on the host.
//
// A Session follows one fixed sequence: build the pipeline, allocate and
// populate the buffers, dispatch, wait, verify. Every step is synchronous.
package adder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/kernel"
	"github.com/born-ml/vecadd/internal/parallel"
	"github.com/sirupsen/logrus"
)

// DefaultElementCount is the default number of float32 elements per buffer (2^24).
const DefaultElementCount = 1 << 24

// Config configures a Session.
type Config struct {
	// ElementCount is the number of float32 elements per buffer.
	ElementCount int
	// Timeout bounds the wait for the device. Zero waits forever.
	Timeout time.Duration
	// Seed seeds operand generation. Zero picks a random seed.
	Seed uint64
	// Workers is the number of goroutines used for verification. Zero uses
	// one per CPU.
	Workers int
	// Logger receives phase logs. Nil discards them.
	Logger logrus.FieldLogger
}

// DefaultConfig returns the configuration of the reference run.
func DefaultConfig() Config {
	return Config{ElementCount: DefaultElementCount}
}

// Validate checks c for values no session can run with.
func (c Config) Validate() error {
	if c.ElementCount < 1 {
		return fmt.Errorf("adder: element count must be at least 1, got %d", c.ElementCount)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("adder: timeout must not be negative, got %s", c.Timeout)
	}
	if c.Workers < 0 {
		return fmt.Errorf("adder: workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// Session owns the pipeline and buffers of one add run.
type Session struct {
	device   compute.Device
	pool     *compute.BufferPool
	cfg      Config
	log      logrus.FieldLogger
	pipeline compute.Pipeline
	buffers  Buffers
	seed     uint64

	// pending is a dispatch whose wait was abandoned. The device may still
	// write the buffers until it completes.
	pending compute.CommandBuffer
}

// New builds the add_arrays pipeline from module on device. A nil module
// selects kernel.Builtin. No buffers are allocated until PrepareData.
func New(device compute.Device, pool *compute.BufferPool, module *kernel.Module, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if module == nil {
		module = kernel.Builtin()
	}
	log := cfg.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	p, err := BuildPipeline(device, module, kernel.AddArrays)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"device":                device.Name(),
		"entry":                 p.EntryPoint(),
		"max_threads_per_group": p.MaxThreadsPerGroup(),
	}).Debug("pipeline built")

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &Session{
		device:   device,
		pool:     pool,
		cfg:      cfg,
		log:      log,
		pipeline: p,
		seed:     seed,
	}, nil
}

// Pipeline returns the session's pipeline state.
func (s *Session) Pipeline() compute.Pipeline {
	return s.pipeline
}

// Buffers returns the session's buffers. They are nil before PrepareData.
func (s *Session) Buffers() Buffers {
	return s.buffers
}

// Seed returns the seed used for operand generation.
func (s *Session) Seed() uint64 {
	return s.seed
}

// allocate acquires the buffers once.
func (s *Session) allocate() error {
	if s.buffers.Ready() {
		return nil
	}
	bufs, err := AllocateBuffers(s.pool, s.cfg.ElementCount)
	if err != nil {
		return err
	}
	s.buffers = bufs
	s.log.WithFields(logrus.Fields{
		"elements":   s.cfg.ElementCount,
		"bytes_each": s.buffers.A.Len(),
		"pool":       s.pool.Stats(),
	}).Debug("buffers allocated")
	return nil
}

// PrepareData allocates the buffers and fills A and B with random values.
func (s *Session) PrepareData() error {
	if s.pending != nil {
		return ErrDispatchInFlight
	}
	if err := s.allocate(); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(s.seed, s.seed^0x9e3779b97f4a7c15))
	PopulateRandom(s.buffers.A.Floats(), s.cfg.ElementCount, rng)
	PopulateRandom(s.buffers.B.Floats(), s.cfg.ElementCount, rng)
	s.log.WithField("seed", s.seed).Debug("operands populated")
	return nil
}

// SetData allocates the buffers and copies explicit operand values into A
// and B. Both slices must hold exactly ElementCount values.
func (s *Session) SetData(a, b []float32) error {
	if len(a) != s.cfg.ElementCount || len(b) != s.cfg.ElementCount {
		return fmt.Errorf("adder: operands of length %d and %d, want %d", len(a), len(b), s.cfg.ElementCount)
	}
	if s.pending != nil {
		return ErrDispatchInFlight
	}
	if err := s.allocate(); err != nil {
		return err
	}
	copy(s.buffers.A.Floats(), a)
	copy(s.buffers.B.Floats(), b)
	return nil
}

// Dispatch runs the kernel once and blocks until the device completes.
//
// When the wait times out or ctx is cancelled the dispatch keeps running on
// the device. The session then refuses to touch its buffers until a later
// Dispatch has waited the earlier one out, and Close drops the buffers
// instead of pooling them.
func (s *Session) Dispatch(ctx context.Context) (Completion, error) {
	if err := s.settle(ctx); err != nil {
		return Completion{}, err
	}

	start := time.Now()
	cb, grid, group, err := submit(s.device, s.pipeline, s.buffers, s.cfg.ElementCount)
	if err != nil {
		return Completion{}, err
	}
	if err := await(ctx, cb, s.cfg.Timeout, start); err != nil {
		if abandoned(ctx, err) {
			s.pending = cb
			s.log.WithError(err).Warn("dispatch abandoned while running")
		}
		return Completion{}, err
	}

	c := Completion{Grid: grid, Group: group, Elapsed: time.Since(start)}
	s.log.WithFields(logrus.Fields{
		"grid":         c.Grid.Width,
		"thread_group": c.Group.Width,
		"elapsed":      c.Elapsed,
	}).Info("dispatch completed")
	return c, nil
}

// settle waits for an abandoned dispatch, bounded like a fresh one.
func (s *Session) settle(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	if err := await(ctx, s.pending, s.cfg.Timeout, time.Now()); err != nil && abandoned(ctx, err) {
		return fmt.Errorf("%w: %w", ErrDispatchInFlight, err)
	}
	s.pending = nil
	return nil
}

// abandoned reports whether err left the device work running.
func abandoned(ctx context.Context, err error) bool {
	return errors.Is(err, compute.ErrDispatchTimeout) || ctx.Err() != nil
}

// Verify checks the result buffer against the host-computed sums.
func (s *Session) Verify() (Report, error) {
	if !s.buffers.Ready() {
		return Report{}, ErrNotPrepared
	}
	if s.pending != nil {
		return Report{}, ErrDispatchInFlight
	}
	cfg := parallel.DefaultConfig().WithWorkers(s.cfg.Workers)
	r := Verify(s.buffers.A.Floats(), s.buffers.B.Floats(), s.buffers.Result.Floats(), s.cfg.ElementCount, cfg)
	if r.OK() {
		s.log.WithField("elements", r.Count).Info("verification passed")
	} else {
		s.log.WithFields(logrus.Fields{
			"elements":   r.Count,
			"mismatches": len(r.Mismatches),
			"first":      r.Mismatches[0].String(),
		}).Error("verification failed")
	}
	return r, nil
}

// SendComputeCommand dispatches the kernel, waits for it, and verifies the
// result. A report with mismatches is returned together with its error.
func (s *Session) SendComputeCommand(ctx context.Context) (Report, error) {
	if _, err := s.Dispatch(ctx); err != nil {
		return Report{}, err
	}
	r, err := s.Verify()
	if err != nil {
		return r, err
	}
	return r, r.Err()
}

// Close returns the buffers to the pool. Buffers a still-running dispatch may
// write are released to the device instead. The session must not be used
// afterwards.
func (s *Session) Close() {
	if s.pending != nil {
		DropBuffers(s.buffers)
		s.log.Warn("buffers dropped, dispatch still in flight")
	} else {
		ReleaseBuffers(s.pool, s.buffers)
	}
	s.buffers = Buffers{}
	s.pending = nil
}

// Run builds a session, populates it, dispatches, and verifies.
func Run(ctx context.Context, device compute.Device, pool *compute.BufferPool, module *kernel.Module, cfg Config) (Report, error) {
	s, err := New(device, pool, module, cfg)
	if err != nil {
		return Report{}, err
	}
	defer s.Close()

	if err := s.PrepareData(); err != nil {
		return Report{}, err
	}
	return s.SendComputeCommand(ctx)
}
