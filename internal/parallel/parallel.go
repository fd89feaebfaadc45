// Package parallel provides the CPU fan-out used by the tensor kernels.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096,
	}
}

var (
	mu      sync.RWMutex
	current = DefaultConfig()
)

// Current returns the process-wide configuration.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetWorkers overrides the worker count. n <= 1 disables fan-out.
func SetWorkers(n int) {
	mu.Lock()
	defer mu.Unlock()
	current.NumWorkers = n
	current.Enabled = n > 1
}

// Range executes f(start, end) over contiguous chunks covering [0, n).
// Falls back to a single call if parallelism is disabled or n is too small.
// weight scales the chunk threshold for loops with expensive bodies.
func Range(n, weight int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	if weight < 1 {
		weight = 1
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n*weight < cfg.MinChunkSize*2 {
		f(0, n)
		return
	}

	minItems := max(cfg.MinChunkSize/weight, 1)
	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, minItems)

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}

// For executes f(i) for i in [0, n) using Range.
func For(n, weight int, f func(i int), cfg Config) {
	Range(n, weight, func(s, e int) {
		for i := s; i < e; i++ {
			f(i)
		}
	}, cfg)
}
