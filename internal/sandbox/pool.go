package sandbox

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many sandboxed commands run at once across all runs
type Pool struct {
	sem     *semaphore.Weighted
	maxJobs int

	mu             sync.Mutex
	inUse          int
	onSlotsChanged func(available int)
}

// NewPool creates a pool with the given capacity
func NewPool(maxJobs int) *Pool {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(maxJobs)),
		maxJobs: maxJobs,
	}
}

// SetOnSlotsChanged sets a callback to be invoked when slot availability changes
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// Acquire blocks until a slot is free or ctx is done
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.adjust(1)
	return nil
}

// TryAcquire claims a slot without blocking. Returns true if successful.
func (p *Pool) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.adjust(1)
	return true
}

// Release returns a slot to the pool
func (p *Pool) Release() {
	p.adjust(-1)
	p.sem.Release(1)
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxJobs - p.inUse
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}

func (p *Pool) adjust(delta int) {
	p.mu.Lock()
	p.inUse += delta
	callback := p.onSlotsChanged
	available := p.maxJobs - p.inUse
	p.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(available)
	}
}

// Limited wraps a Runner so every Execute holds a pool slot
type Limited struct {
	Runner Runner
	Pool   *Pool
}

// Execute implements Runner
func (l *Limited) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := l.Pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer l.Pool.Release()
	return l.Runner.Execute(ctx, req)
}
