// Package workerspool implements the bounded pool of host workers handed to
// executables through the launch run options, for their intra-op parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits how many tasks run in parallel on the host.
//
// It is a soft limit on parallel work, not a pool of pre-started goroutines:
// tasks are started in fresh goroutines once a slot is available.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a Pool that runs at most maxParallelism tasks in parallel.
// If maxParallelism <= 0, it defaults to runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the limit of tasks running in parallel.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// WaitToStart blocks until a worker slot is available and then runs task in
// its own goroutine. It returns as soon as the task is started.
func (p *Pool) WaitToStart(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.lockedStart(task)
}

// StartIfAvailable runs the task in a separate goroutine if there is a worker
// slot left, and reports whether it did. The caller synchronizes completion.
func (p *Pool) StartIfAvailable(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.numRunning >= p.maxParallelism {
		return false
	}
	p.lockedStart(task)
	return true
}

// Saturate splits work among workers: fn is invoked with indices [0, n) using
// at most MaxParallelism parallel tasks, and Saturate returns once every
// invocation finished.
func (p *Pool) Saturate(n int, fn func(index int)) {
	if n <= 0 {
		return
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for index := range n {
		p.WaitToStart(func() {
			defer wg.Done()
			fn(index)
		})
	}
	wg.Wait()
}

// lockedStart must be called with p.mu acquired.
func (p *Pool) lockedStart(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
