// Package observer records run metrics for Prometheus and the stats endpoint.
package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer monitors healing runs and collects metrics
type Observer struct {
	stuckThreshold time.Duration
	registry       *prometheus.Registry

	runsStarted     prometheus.Counter
	runsFinished    *prometheus.CounterVec
	runsActive      prometheus.Gauge
	runDuration     prometheus.Histogram
	iterations      *prometheus.CounterVec
	failures        *prometheus.CounterVec
	fixes           *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec
	sandboxFree     prometheus.Gauge
	ciPolls         *prometheus.CounterVec

	completions []completion
	mu          sync.RWMutex
}

type completion struct {
	RunID       string
	Status      domain.RunStatus
	Healed      bool
	Duration    time.Duration
	Score       int
	Fixed       int
	FixFailed   int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"total_completed"`
	TotalFailed    int           `json:"total_failed"`
	TotalHealed    int           `json:"total_healed"`
	FixesApplied   int           `json:"fixes_applied"`
	FixesFailed    int           `json:"fixes_failed"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	AvgScore       float64       `json:"avg_score"`
}

// New creates an Observer with its own metrics registry
func New(stuckThreshold time.Duration) *Observer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Observer{
		stuckThreshold: stuckThreshold,
		registry:       reg,
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "heal_runs_started_total",
			Help: "Healing runs started",
		}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heal_runs_finished_total",
			Help: "Healing runs that reached a terminal status",
		}, []string{"status", "error_kind"}),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "heal_runs_active",
			Help: "Runs not yet terminal",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "heal_run_duration_seconds",
			Help:    "Wall time from start to terminal status",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heal_iterations_total",
			Help: "Completed iterations by outcome",
		}, []string{"outcome"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heal_failures_diagnosed_total",
			Help: "Failure records extracted by diagnosis",
		}, []string{"category"}),
		fixes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heal_fixes_total",
			Help: "Per-file fix outcomes",
		}, []string{"status", "category"}),
		sandboxDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heal_sandbox_execution_seconds",
			Help:    "Sandboxed test command duration",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"runner", "timed_out"}),
		sandboxFree: f.NewGauge(prometheus.GaugeOpts{
			Name: "heal_sandbox_free_slots",
			Help: "Sandbox admission slots currently free",
		}),
		ciPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heal_ci_polls_total",
			Help: "CI provider polls by reported state",
		}, []string{"state"}),
	}
}

// Registry exposes the metrics for a /metrics handler
func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// IsStuck returns true if a run has been running longer than the threshold
func (o *Observer) IsStuck(run *domain.RunSession) bool {
	if run.Status != domain.RunRunning || run.StartedAt.IsZero() {
		return false
	}
	return time.Since(run.StartedAt) > o.stuckThreshold
}

func (o *Observer) RunStarted() {
	o.runsStarted.Inc()
	o.runsActive.Inc()
}

func (o *Observer) IterationRecorded(outcome domain.IterationOutcome) {
	o.iterations.WithLabelValues(string(outcome)).Inc()
}

func (o *Observer) FailuresDiagnosed(records []domain.FailureRecord) {
	for _, r := range records {
		o.failures.WithLabelValues(string(r.Category)).Inc()
	}
}

func (o *Observer) FixRecorded(rec domain.FixRecord) {
	o.fixes.WithLabelValues(string(rec.Status), string(rec.Category)).Inc()
}

func (o *Observer) SandboxExecuted(runner domain.TestRunner, d time.Duration, timedOut bool) {
	label := "false"
	if timedOut {
		label = "true"
	}
	o.sandboxDuration.WithLabelValues(string(runner), label).Observe(d.Seconds())
}

// SetFreeSlots tracks sandbox admission capacity
func (o *Observer) SetFreeSlots(n int) {
	o.sandboxFree.Set(float64(n))
}

func (o *Observer) CIPolled(p domain.CIPoll) {
	o.ciPolls.WithLabelValues(p.State).Inc()
}

// RunFinished records a terminal run
func (o *Observer) RunFinished(run *domain.RunSession) {
	end := time.Now()
	if run.EndedAt != nil {
		end = *run.EndedAt
	}
	d := end.Sub(run.StartedAt)

	o.runsActive.Dec()
	o.runsFinished.WithLabelValues(string(run.Status), string(run.ErrorKind)).Inc()
	o.runDuration.Observe(d.Seconds())

	c := completion{
		RunID:       run.ID,
		Status:      run.Status,
		Duration:    d,
		CompletedAt: end,
	}
	if n := len(run.Iterations); run.Status == domain.RunCompleted && n > 0 && run.Iterations[n-1].Outcome == domain.OutcomePass {
		c.Healed = true
	}
	if run.Score != nil {
		c.Score = run.Score.Total
	}
	for _, f := range run.Fixes {
		if f.Status == domain.FixFixed {
			c.Fixed++
		} else {
			c.FixFailed++
		}
	}

	o.mu.Lock()
	o.completions = append(o.completions, c)
	o.mu.Unlock()
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration
	var totalScore int

	for _, c := range o.completions {
		if c.Status == domain.RunCompleted {
			metrics.TotalCompleted++
		} else {
			metrics.TotalFailed++
		}
		if c.Healed {
			metrics.TotalHealed++
		}
		metrics.FixesApplied += c.Fixed
		metrics.FixesFailed += c.FixFailed
		totalDuration += c.Duration
		totalScore += c.Score
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
		metrics.AvgScore = float64(totalScore) / float64(n)
	}

	return metrics
}

// GetRecentCompletions returns run ids finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
