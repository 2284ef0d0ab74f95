// Package parallel provides parallel loop helpers for host-side kernels and verification.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096,
	}
}

// WithWorkers returns cfg limited to n workers. n <= 0 keeps the CPU count.
func (cfg Config) WithWorkers(n int) Config {
	if n <= 0 {
		return cfg
	}
	cfg.NumWorkers = n
	cfg.Enabled = n > 1
	return cfg
}

// Chunks splits [0, n) into consecutive ranges of at most size items and
// calls f(start, end) once per range. At most cfg.NumWorkers ranges run at
// the same time. Ranges are handed out in order but may finish in any order.
func Chunks(n, size int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	size = max(size, 1)
	count := (n + size - 1) / size

	workers := min(cfg.NumWorkers, count)
	if !cfg.Enabled || workers <= 1 || n < cfg.MinChunkSize {
		// Sequential fallback.
		for start := 0; start < n; start += size {
			f(start, min(start+size, n))
		}
		return
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c := int(next.Add(1) - 1)
				if c >= count {
					return
				}
				start := c * size
				f(start, min(start+size, n))
			}
		}()
	}
	wg.Wait()
}
