package adder

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/vecadd/internal/compute"
)

// RandMax bounds the random draws used to populate operands.
const RandMax = 1<<31 - 1

// Buffers are the three equally sized buffers of one dispatch.
type Buffers struct {
	A      compute.Buffer
	B      compute.Buffer
	Result compute.Buffer
}

// Ready reports whether all three buffers are allocated.
func (b Buffers) Ready() bool {
	return b.A != nil && b.B != nil && b.Result != nil
}

// list returns the buffers in argument-slot order.
func (b Buffers) list() []compute.Buffer {
	return []compute.Buffer{b.A, b.B, b.Result}
}

// AllocateBuffers acquires the A, B and Result buffers for count elements
// from pool. Either all three buffers are returned or none are held.
func AllocateBuffers(pool *compute.BufferPool, count int) (Buffers, error) {
	if count < 1 {
		return Buffers{}, fmt.Errorf("adder: %w: element count %d", compute.ErrAllocationFailed, count)
	}
	length := count * compute.Float32Size

	var acquired []compute.Buffer
	for _, name := range []string{"A", "B", "Result"} {
		buf, err := pool.Acquire(length)
		if err != nil {
			for _, b := range acquired {
				pool.Release(b)
			}
			return Buffers{}, fmt.Errorf("adder: buffer %s (%d bytes): %w", name, length, err)
		}
		acquired = append(acquired, buf)
	}

	return Buffers{A: acquired[0], B: acquired[1], Result: acquired[2]}, nil
}

// ReleaseBuffers returns every allocated buffer in b to pool.
func ReleaseBuffers(pool *compute.BufferPool, b Buffers) {
	for _, buf := range b.list() {
		if buf != nil {
			pool.Release(buf)
		}
	}
}

// DropBuffers releases every allocated buffer in b to its device without
// pooling it. Used for buffers the device may still write.
func DropBuffers(b Buffers) {
	for _, buf := range b.list() {
		if buf != nil {
			buf.Release()
		}
	}
}

// PopulateRandom fills the first count elements of buf with the ratio of two
// random draws: a numerator in [0, RandMax] over a denominator in
// [1, RandMax]. Every value is finite and non-negative.
func PopulateRandom(buf []float32, count int, rng *rand.Rand) {
	for i := range buf[:count] {
		num := rng.Int64N(RandMax + 1)
		den := 1 + rng.Int64N(RandMax)
		buf[i] = float32(num) / float32(den)
	}
}
