package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// ErrNotFound is returned for unknown run ids
var ErrNotFound = errors.New("run not found")

// ErrDuplicateRun is returned when a run id is registered twice
var ErrDuplicateRun = errors.New("run already registered")

// entry is owned by one run goroutine. Readers only ever see clones.
type entry struct {
	mu     sync.RWMutex
	run    *domain.RunSession
	cancel context.CancelFunc
	done   chan struct{}
}

// update applies fn under the entry's write lock and returns a snapshot of the result
func (e *entry) update(fn func(r *domain.RunSession)) domain.RunSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.run)
	return e.run.Clone()
}

// appendOutput adds to the live output excerpt without taking a snapshot
func (e *entry) appendOutput(s string, limit int) {
	e.mu.Lock()
	e.run.Output = appendTail(e.run.Output, s, limit)
	e.mu.Unlock()
}

func (e *entry) snapshot() domain.RunSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.Clone()
}

// Registry holds every run known to this process
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*entry)}
}

func (r *Registry) add(run *domain.RunSession, cancel context.CancelFunc) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return nil, ErrDuplicateRun
	}
	e := &entry{run: run, cancel: cancel, done: make(chan struct{})}
	r.runs[run.ID] = e
	return e, nil
}

// addFinished registers a terminal run loaded from storage
func (r *Registry) addFinished(run *domain.RunSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return
	}
	e := &entry{run: run, done: make(chan struct{})}
	close(e.done)
	r.runs[run.ID] = e
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	return e, ok
}

// Snapshot returns a deep copy of the run with the given id
func (r *Registry) Snapshot(id string) (domain.RunSession, bool) {
	e, ok := r.get(id)
	if !ok {
		return domain.RunSession{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all runs, newest first
func (r *Registry) List() []domain.RunSession {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	runs := make([]domain.RunSession, 0, len(entries))
	for _, e := range entries {
		runs = append(runs, e.snapshot())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs
}

// Len returns the number of registered runs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Active returns the number of runs not yet terminal
func (r *Registry) Active() int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.RLock()
		if !e.run.Terminal() {
			n++
		}
		e.mu.RUnlock()
	}
	return n
}

func (r *Registry) cancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.runs {
		if e.cancel != nil {
			e.cancel()
		}
	}
}
