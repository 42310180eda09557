// Package schedule starts healing runs on cron schedules from the config file.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Validate checks a scheduled run entry
func Validate(e config.ScheduledRun) error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("schedule %s: cron expression is required", e.Name)
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", e.Name, err)
	}
	if e.RepoURL == "" {
		return fmt.Errorf("schedule %s: repo_url is required", e.Name)
	}
	return nil
}

// RunFunc starts a run for an entry and returns once it is finished
type RunFunc func(ctx context.Context, e config.ScheduledRun) error

// Scheduler fires scheduled runs. An entry never overlaps with itself.
type Scheduler struct {
	entries   map[string]config.ScheduledRun
	schedules map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
	started   time.Time
}

// New validates entries and creates a scheduler. now anchors the first firing of every entry.
func New(entries []config.ScheduledRun, now time.Time, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		entries:   make(map[string]config.ScheduledRun),
		schedules: make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		logger:    logger.With("component", "schedule"),
		started:   now,
	}
	for _, e := range entries {
		if err := Validate(e); err != nil {
			return nil, err
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("schedule %s: duplicate name", e.Name)
		}
		sched, _ := ParseCron(e.Cron)
		s.entries[e.Name] = e
		s.schedules[e.Name] = sched
	}
	return s, nil
}

// Names returns the entry names, sorted
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun returns when the entry fires next after now, or the zero time for unknown entries
func (s *Scheduler) NextRun(name string, now time.Time) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(now)
}

// ShouldRun reports whether the entry is due at now and not already running
func (s *Scheduler) ShouldRun(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[name]
	if !ok || s.running[name] {
		return false
	}
	last := s.lastRun[name]
	if last.IsZero() {
		last = s.started
	}
	return !now.Before(sched.Next(last))
}

func (s *Scheduler) markRunning(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
	s.lastRun[name] = now
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
}

// Tick starts every entry due at now and returns the names it started
func (s *Scheduler) Tick(ctx context.Context, now time.Time, run RunFunc) []string {
	var fired []string
	for _, name := range s.Names() {
		if !s.ShouldRun(name, now) {
			continue
		}
		s.mu.RLock()
		e := s.entries[name]
		s.mu.RUnlock()

		s.markRunning(name, now)
		fired = append(fired, name)
		s.logger.Info("scheduled run due", "schedule", name, "repo", e.RepoURL)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.markComplete(e.Name)
			if err := run(ctx, e); err != nil {
				s.logger.Warn("scheduled run failed", "schedule", e.Name, "error", err)
			}
		}()
	}
	return fired
}

// Start checks the schedule every interval until ctx ends, then waits for started runs
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, run RunFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case now := <-ticker.C:
			s.Tick(ctx, now, run)
		}
	}
}

// Wait blocks until every run started by Tick has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
