package compute

import (
	"fmt"
	"sync"
)

// BufferSize represents different buffer size categories for pooling.
type BufferSize int

const (
	// SmallBuffer for buffers < 4KB.
	SmallBuffer BufferSize = iota
	// MediumBuffer for buffers 4KB-1MB.
	MediumBuffer
	// LargeBuffer for buffers > 1MB.
	LargeBuffer
)

const (
	// Size thresholds for buffer categories.
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 16          // Max buffers per category
)

// PoolStats is a snapshot of buffer pool counters.
type PoolStats struct {
	Allocated   uint64
	Released    uint64
	Hits        uint64
	Misses      uint64
	PooledCount int
}

// BufferPool reuses device buffers of identical length to reduce allocation
// overhead across sessions that share a device.
type BufferPool struct {
	device Device

	small  []Buffer
	medium []Buffer
	large  []Buffer

	mu sync.Mutex

	// Statistics
	totalAllocated uint64
	totalReleased  uint64
	poolHits       uint64
	poolMisses     uint64
}

// NewBufferPool creates a new buffer pool for the given device.
func NewBufferPool(device Device) *BufferPool {
	return &BufferPool{
		device: device,
		small:  make([]Buffer, 0, maxPoolSize),
		medium: make([]Buffer, 0, maxPoolSize),
		large:  make([]Buffer, 0, maxPoolSize),
	}
}

// Acquire returns a zeroed buffer of exactly length bytes, reusing a pooled
// buffer when one is available. Failures wrap ErrAllocationFailed.
func (p *BufferPool) Acquire(length int) (Buffer, error) {
	if length <= 0 || length%Float32Size != 0 {
		return nil, fmt.Errorf("%w: invalid length %d", ErrAllocationFailed, length)
	}

	p.mu.Lock()
	category := p.categorize(length)
	for i, buf := range p.getPool(category) {
		if buf.Len() == length {
			p.removeFromPool(category, i)
			p.poolHits++
			p.mu.Unlock()
			clear(buf.Floats())
			return buf, nil
		}
	}
	p.poolMisses++
	p.mu.Unlock()

	buf, err := p.device.NewBuffer(length)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.totalAllocated++
	p.mu.Unlock()
	return buf, nil
}

// Release returns a buffer to the pool for reuse.
// If the pool is full, the buffer is immediately released.
func (p *BufferPool) Release(buf Buffer) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalReleased++

	category := p.categorize(buf.Len())
	if len(p.getPool(category)) >= maxPoolSize {
		buf.Release()
		return
	}
	p.addToPool(category, buf)
}

// Clear releases all pooled buffers.
// Should be called before the device is released.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pool := range [][]Buffer{p.small, p.medium, p.large} {
		for _, buf := range pool {
			buf.Release()
		}
	}
	p.small = p.small[:0]
	p.medium = p.medium[:0]
	p.large = p.large[:0]
}

// Stats returns statistics about buffer pool usage.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Allocated:   p.totalAllocated,
		Released:    p.totalReleased,
		Hits:        p.poolHits,
		Misses:      p.poolMisses,
		PooledCount: len(p.small) + len(p.medium) + len(p.large),
	}
}

// categorize determines the size category for a buffer.
func (p *BufferPool) categorize(size int) BufferSize {
	if size < smallThreshold {
		return SmallBuffer
	}
	if size < mediumThreshold {
		return MediumBuffer
	}
	return LargeBuffer
}

// getPool returns the pool slice for a given category.
func (p *BufferPool) getPool(category BufferSize) []Buffer {
	switch category {
	case SmallBuffer:
		return p.small
	case MediumBuffer:
		return p.medium
	case LargeBuffer:
		return p.large
	default:
		return nil
	}
}

// addToPool adds a buffer to the appropriate pool category.
func (p *BufferPool) addToPool(category BufferSize, buf Buffer) {
	switch category {
	case SmallBuffer:
		p.small = append(p.small, buf)
	case MediumBuffer:
		p.medium = append(p.medium, buf)
	case LargeBuffer:
		p.large = append(p.large, buf)
	}
}

// removeFromPool removes a buffer at index i from the appropriate pool.
func (p *BufferPool) removeFromPool(category BufferSize, i int) {
	switch category {
	case SmallBuffer:
		p.small = append(p.small[:i], p.small[i+1:]...)
	case MediumBuffer:
		p.medium = append(p.medium[:i], p.medium[i+1:]...)
	case LargeBuffer:
		p.large = append(p.large[:i], p.large[i+1:]...)
	}
}
