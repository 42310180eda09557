// Package orchestrator drives healing runs from clone to a terminal status and
// keeps a live, concurrently readable snapshot of every run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/events"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/fix"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/notify"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/observer"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/runstore"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/verify"
)

// MaxOutputBytes bounds the terminal-output excerpt kept on a session
const MaxOutputBytes = 64 << 10

// ResultsFile is written into kept checkouts when a run ends
const ResultsFile = "results.json"

// ErrShuttingDown is returned by StartRun once Shutdown has begun
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Fixer produces a patched file for the failures diagnosed in it
type Fixer interface {
	GenerateFix(ctx context.Context, req fix.Request) (*fix.Result, error)
}

// Options configures an Orchestrator. Runner and Fixer are required.
type Options struct {
	WorkDir         string
	RetryBudget     int
	CloneDepth      int
	KeepCheckouts   bool
	AllowLocalRepos bool
	SandboxTimeout  time.Duration
	ParallelTargets int
	Scoring         domain.ScoringPolicy
	Identity        gitops.Identity
	// Token returns the credential used for cloning and pushing
	Token func() string

	Runner   sandbox.Runner
	Fixer    Fixer
	Verifier *verify.Verifier
	Bus      events.Bus
	Observer *observer.Observer
	Notifier notify.Notifier
	// Store persists runs when set
	Store  *runstore.Store
	Logger *slog.Logger
}

// Orchestrator starts runs and answers questions about them
type Orchestrator struct {
	opts     Options
	registry *Registry
	validate *validator.Validate
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// mu orders run registration against Shutdown: once closing is set no
	// run is added to wg and nothing new is queued for saving
	mu      sync.Mutex
	closing bool

	// saves are full snapshots, so they go through one ordered queue
	saveQueue chan domain.RunSession
	saveDone  chan struct{}
	closeOnce sync.Once
}

// New creates an Orchestrator, filling optional collaborators with defaults
func New(opts Options) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, errors.New("orchestrator: sandbox runner is required")
	}
	if opts.Fixer == nil {
		return nil, errors.New("orchestrator: fixer is required")
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "heal-orch")
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = domain.DefaultRetryBudget
	}
	if opts.SandboxTimeout <= 0 {
		opts.SandboxTimeout = 300 * time.Second
	}
	if opts.ParallelTargets <= 0 {
		opts.ParallelTargets = 4
	}
	if opts.Scoring.Base == 0 && opts.Scoring.TimeThreshold == 0 {
		opts.Scoring = domain.DefaultScoringPolicy()
	}
	if opts.Verifier == nil {
		opts.Verifier = &verify.Verifier{Force: true}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewMemory()
	}
	if opts.Observer == nil {
		opts.Observer = observer.New(30 * time.Minute)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:       opts,
		registry:   NewRegistry(),
		validate:   newValidator(opts.AllowLocalRepos),
		logger:     opts.Logger.With("component", "orchestrator"),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	if opts.Store != nil {
		o.saveQueue = make(chan domain.RunSession, 100)
		o.saveDone = make(chan struct{})
		go o.saveWriter()
	}
	return o, nil
}

// Registry exposes the run registry for read-only consumers
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Bus returns the bus progress events are published on
func (o *Orchestrator) Bus() events.Bus {
	return o.opts.Bus
}

// Observer returns the metrics observer
func (o *Orchestrator) Observer() *observer.Observer {
	return o.opts.Observer
}

// StartRun validates req, registers a pending session and starts healing it
// in the background. It returns as soon as the run is registered.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (RunHandle, error) {
	if err := o.validateRequest(req); err != nil {
		return RunHandle{}, err
	}

	run := &domain.RunSession{
		ID:          uuid.NewString(),
		RepoURL:     req.RepoURL,
		TeamName:    req.TeamName,
		LeaderName:  req.LeaderName,
		Branch:      domain.BranchName(req.TeamName, req.LeaderName),
		Status:      domain.RunPending,
		Phase:       domain.PhaseQueued,
		Message:     "queued",
		StartedAt:   time.Now().UTC(),
		RetryBudget: o.opts.RetryBudget,
		Iterations:  []domain.IterationRecord{},
		Files:       []domain.FileEntry{},
		Fixes:       []domain.FixRecord{},
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return RunHandle{}, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	e, err := o.registry.add(run, cancel)
	if err != nil {
		o.mu.Unlock()
		cancel()
		return RunHandle{}, err
	}
	snap := e.snapshot()
	o.save(snap)
	o.wg.Add(1)
	o.mu.Unlock()

	o.opts.Observer.RunStarted()
	o.publish(ctx, events.KindCreated, &snap)
	o.logger.Info("run started", "run_id", run.ID, "repo", run.RepoURL, "branch", run.Branch)

	go func() {
		defer o.wg.Done()
		defer cancel()
		o.heal(runCtx, e)
	}()

	return RunHandle{ID: run.ID, Branch: run.Branch}, nil
}

// Get returns a snapshot of a run, consulting the store for runs this
// process does not hold.
func (o *Orchestrator) Get(ctx context.Context, id string) (domain.RunSession, error) {
	if snap, ok := o.registry.Snapshot(id); ok {
		return snap, nil
	}
	if o.opts.Store != nil {
		run, err := o.opts.Store.GetRun(ctx, id)
		if errors.Is(err, runstore.ErrNotFound) {
			return domain.RunSession{}, ErrNotFound
		}
		if err != nil {
			return domain.RunSession{}, err
		}
		return *run, nil
	}
	return domain.RunSession{}, ErrNotFound
}

// List returns snapshots of every registered run, newest first
func (o *Orchestrator) List() []domain.RunSession {
	return o.registry.List()
}

// Cancel stops a running run. Cancelling a terminal run is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	e, ok := o.registry.get(id)
	if !ok {
		return ErrNotFound
	}
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// Done returns a channel closed when the run reaches a terminal status
func (o *Orchestrator) Done(id string) (<-chan struct{}, error) {
	e, ok := o.registry.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.done, nil
}

// Wait blocks until the run is terminal or ctx ends, and returns its final snapshot
func (o *Orchestrator) Wait(ctx context.Context, id string) (domain.RunSession, error) {
	done, err := o.Done(id)
	if err != nil {
		return domain.RunSession{}, err
	}
	select {
	case <-done:
		return o.Get(ctx, id)
	case <-ctx.Done():
		return domain.RunSession{}, ctx.Err()
	}
}

// Restore marks runs left unfinished by a previous process as failed and
// loads recent runs from the store into the registry.
func (o *Orchestrator) Restore(ctx context.Context, limit int) (int, error) {
	if o.opts.Store == nil {
		return 0, nil
	}
	n, err := o.opts.Store.MarkInterrupted(ctx, time.Now(), o.opts.Scoring)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted runs: %w", err)
	}
	if n > 0 {
		o.logger.Warn("runs interrupted by restart", "count", n)
	}
	runs, err := o.opts.Store.ListRuns(ctx, runstore.ListOptions{Limit: limit})
	if err != nil {
		return n, fmt.Errorf("loading runs: %w", err)
	}
	for _, run := range runs {
		o.registry.addFinished(run)
	}
	return n, nil
}

// Shutdown cancels every run, waits for them to finish and flushes the store queue
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	o.baseCancel()
	o.registry.cancelAll()

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.closeOnce.Do(func() {
		if o.saveQueue != nil {
			close(o.saveQueue)
			<-o.saveDone
		}
	})
	return nil
}

func (o *Orchestrator) saveWriter() {
	for snap := range o.saveQueue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.opts.Store.SaveRun(ctx, &snap); err != nil {
			o.logger.Warn("failed to persist run", "run_id", snap.ID, "error", err)
		}
		cancel()
	}
	close(o.saveDone)
}

func (o *Orchestrator) save(snap domain.RunSession) {
	if o.saveQueue == nil {
		return
	}
	o.saveQueue <- snap
}

func (o *Orchestrator) publish(ctx context.Context, kind events.Kind, snap *domain.RunSession) {
	if err := o.opts.Bus.Publish(context.WithoutCancel(ctx), events.New(kind, snap)); err != nil {
		o.logger.Debug("event not published", "run_id", snap.ID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) token() string {
	if o.opts.Token == nil {
		return ""
	}
	return o.opts.Token()
}

// heal owns e for the lifetime of the run
func (o *Orchestrator) heal(ctx context.Context, e *entry) {
	defer close(e.done)

	snap := e.snapshot()
	j := &job{
		o:      o,
		e:      e,
		id:     snap.ID,
		repo:   snap.RepoURL,
		branch: snap.Branch,
		dir:    filepath.Join(o.opts.WorkDir, snap.ID+"_"+gitops.RepoName(snap.RepoURL)),
		logger: o.opts.Logger.With("component", "orchestrator", "run_id", snap.ID),
	}

	err := j.run(ctx)
	if err != nil && ctx.Err() != nil && domain.KindOf(err) != domain.ErrCancelled {
		err = domain.NewRunError(domain.ErrCancelled, fmt.Errorf("run cancelled: %w", err))
	}
	j.finish(ctx, err)
}

// writeResults stores the final session and its summary next to the checkout
func writeResults(dir string, run domain.RunSession) error {
	out := struct {
		domain.RunSession
		Summary domain.RunSummary `json:"summary"`
	}{run, domain.Summarize(&run, time.Now())}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ResultsFile), data, 0644)
}
