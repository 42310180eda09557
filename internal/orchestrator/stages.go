package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/diagnosis"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/discovery"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/events"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/fix"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/notify"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/verify"
	"golang.org/x/sync/errgroup"
)

// maxProjectFiles bounds the file list handed to the fix prompt
const maxProjectFiles = 200

// job is the state of one run that only its goroutine touches
type job struct {
	o      *Orchestrator
	e      *entry
	id     string
	repo   string
	branch string
	dir    string
	logger *slog.Logger

	checkout *gitops.Repo
	passed   bool
	pushed   int
}

// targetRun is the outcome of one test target in the execution stage
type targetRun struct {
	target domain.TestTarget
	result *sandbox.Result
}

func (j *job) update(fn func(r *domain.RunSession)) domain.RunSession {
	return j.e.update(fn)
}

func (j *job) phase(ctx context.Context, p domain.Phase, msg string) {
	snap := j.update(func(r *domain.RunSession) {
		if r.Status == domain.RunPending && r.Status.CanTransition(domain.RunRunning) {
			r.Status = domain.RunRunning
		}
		r.Phase = p
		r.Message = msg
	})
	j.logger.Debug("phase", "phase", p, "message", msg)
	j.o.publish(ctx, events.KindPhase, &snap)
}

func (j *job) appendIteration(ctx context.Context, rec domain.IterationRecord) {
	rec.Timestamp = time.Now().UTC()
	snap := j.update(func(r *domain.RunSession) {
		r.Iterations = append(r.Iterations, rec)
		r.Message = fmt.Sprintf("iteration %d: %s", rec.Index, rec.Message)
	})
	j.o.opts.Observer.IterationRecorded(rec.Outcome)
	j.logger.Info("iteration recorded", "iteration", rec.Index, "outcome", rec.Outcome, "failures", rec.FailuresCount, "fixes", rec.FixesApplied)
	j.o.publish(ctx, events.KindIteration, &snap)
	j.o.save(snap)
}

func (j *job) recordFixes(ctx context.Context, recs []domain.FixRecord, patches []domain.PatchRecord) {
	if len(recs) == 0 {
		return
	}
	snap := j.update(func(r *domain.RunSession) {
		r.Fixes = append(r.Fixes, recs...)
		r.Patches = append(r.Patches, patches...)
	})
	for _, rec := range recs {
		j.o.opts.Observer.FixRecorded(rec)
	}
	j.o.publish(ctx, events.KindFix, &snap)
}

// run executes the healing loop. A nil error means the run completed.
func (j *job) run(ctx context.Context) error {
	j.phase(ctx, domain.PhaseCloning, "cloning repository")
	checkout, err := gitops.Clone(ctx, j.repo, j.dir, gitops.CloneOptions{
		Token:    j.o.token(),
		Depth:    j.o.opts.CloneDepth,
		Identity: j.o.opts.Identity,
	})
	if err != nil {
		return domain.NewRunError(domain.ErrClone, err)
	}
	j.checkout = checkout

	files, err := gitops.Snapshot(j.dir)
	if err != nil {
		j.logger.Warn("snapshot incomplete", "error", err)
	}
	j.update(func(r *domain.RunSession) { r.Files = files })

	j.phase(ctx, domain.PhaseDiscovery, "discovering tests")
	targets, err := discovery.Discover(j.dir)
	if err != nil {
		return domain.NewRunError(domain.ErrSandbox, err)
	}
	if len(targets) == 0 {
		j.logger.Info("no tests discovered")
		return nil
	}

	budget := j.o.opts.RetryBudget
	for i := 1; i <= budget; i++ {
		if err := ctx.Err(); err != nil {
			return domain.NewRunError(domain.ErrCancelled, err)
		}

		if i > 1 {
			j.phase(ctx, domain.PhaseDiscovery, fmt.Sprintf("iteration %d: discovering tests", i))
			if targets, err = discovery.Discover(j.dir); err != nil {
				return domain.NewRunError(domain.ErrSandbox, err)
			}
		}

		j.phase(ctx, domain.PhaseExecution, fmt.Sprintf("iteration %d: running %d test target(s)", i, len(targets)))
		runs, err := j.execute(ctx, targets)
		if err != nil {
			return err
		}
		if allPassed(runs) {
			j.passed = true
			j.appendIteration(ctx, domain.IterationRecord{Index: i, Outcome: domain.OutcomePass, Message: "all tests pass"})
			break
		}

		j.phase(ctx, domain.PhaseDiagnosis, fmt.Sprintf("iteration %d: diagnosing failures", i))
		failures := j.diagnose(runs)
		j.o.opts.Observer.FailuresDiagnosed(failures)
		if len(failures) == 0 {
			j.appendIteration(ctx, domain.IterationRecord{Index: i, Outcome: domain.OutcomeFail, Message: "tests failed but no failure could be attributed to a file"})
			return domain.Errorf(domain.ErrDiagnosisAmbiguous, "iteration %d: tests failed without a recognisable failure", i)
		}

		j.phase(ctx, domain.PhaseFixing, fmt.Sprintf("iteration %d: fixing %d failure(s)", i, len(failures)))
		results, rejected := j.fix(ctx, i, failures)
		if err := ctx.Err(); err != nil {
			return domain.NewRunError(domain.ErrCancelled, err)
		}
		j.recordFixes(ctx, rejected, nil)

		if len(results) == 0 {
			j.appendIteration(ctx, domain.IterationRecord{
				Index:         i,
				Outcome:       domain.OutcomeFail,
				Message:       fmt.Sprintf("%d failure(s), no fix produced", len(failures)),
				FailuresCount: len(failures),
			})
			continue
		}

		j.phase(ctx, domain.PhaseVerification, fmt.Sprintf("iteration %d: pushing %d fix(es) to %s", i, len(results), j.branch))
		outcome, err := j.o.opts.Verifier.Apply(ctx, j.checkout, j.branch, verify.Batch{
			Iteration: i,
			Failures:  len(failures),
			Fixes:     results,
		})
		if err != nil {
			j.recordFixes(ctx, fixRecords(i, results, "", err), nil)
			return err
		}

		j.pushed++
		j.update(func(r *domain.RunSession) { r.Commits++ })
		j.recordFixes(ctx, fixRecords(i, results, outcome.CommitHash, nil), patchRecords(i, results))
		j.appendIteration(ctx, domain.IterationRecord{
			Index:         i,
			Outcome:       domain.OutcomeFail,
			Message:       fmt.Sprintf("%d failure(s), %d fix(es) pushed", len(failures), len(results)),
			FailuresCount: len(failures),
			FixesApplied:  len(results),
		})
	}

	if !j.passed {
		return domain.Errorf(domain.ErrRetryBudgetExhausted,
			"retry budget exhausted: tests still failing after %d iteration(s)", budget)
	}

	return j.pollCI(ctx)
}

// execute runs every target through the sandbox, at most ParallelTargets at
// a time. Output is streamed into the live excerpt as it arrives.
func (j *job) execute(ctx context.Context, targets []domain.TestTarget) ([]targetRun, error) {
	runs := make([]targetRun, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.o.opts.ParallelTargets)

	for i, t := range targets {
		g.Go(func() error {
			j.e.appendOutput("$ "+t.Command+"\n", MaxOutputBytes)
			var streamed atomic.Bool
			res, err := j.o.opts.Runner.Execute(gctx, sandbox.Request{
				Dir:     j.dir,
				Command: t.Command,
				Runner:  t.Runner,
				Timeout: j.o.opts.SandboxTimeout,
				OnOutput: func(_, line string) {
					streamed.Store(true)
					j.e.appendOutput(line, MaxOutputBytes)
				},
			})
			if err != nil {
				if ctx.Err() != nil {
					return domain.NewRunError(domain.ErrCancelled, ctx.Err())
				}
				return domain.NewRunError(domain.ErrSandbox, fmt.Errorf("%s: %w", t.Command, err))
			}
			switch {
			case !streamed.Load():
				j.e.appendOutput(withNewline(res.Output()), MaxOutputBytes)
			case res.TimedOut:
				j.e.appendOutput(withNewline(lastLine(res.Stderr)), MaxOutputBytes)
			}
			j.o.opts.Observer.SandboxExecuted(t.Runner, res.Duration, res.TimedOut)
			runs[i] = targetRun{target: t, result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func allPassed(runs []targetRun) bool {
	for _, r := range runs {
		if r.result.ExitCode != 0 {
			return false
		}
	}
	return true
}

// diagnose merges the failures of every failing target, keeping first-seen order
func (j *job) diagnose(runs []targetRun) []domain.FailureRecord {
	var out []domain.FailureRecord
	seen := make(map[string]bool)
	for _, r := range runs {
		if r.result.ExitCode == 0 {
			continue
		}
		fallback := ""
		if len(r.target.Files) > 0 {
			fallback = r.target.Files[0]
		}
		for _, f := range diagnosis.Diagnose(r.result.Output(), diagnosis.Options{Root: j.dir, FallbackFile: fallback}) {
			key := f.File + "\x00" + strconv.Itoa(f.Line) + "\x00" + f.Excerpt
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	return out
}

// fix asks the fixer once per distinct file. Files that could not be fixed
// come back as failed records.
func (j *job) fix(ctx context.Context, iteration int, failures []domain.FailureRecord) ([]*fix.Result, []domain.FixRecord) {
	var order []string
	byFile := make(map[string][]domain.FailureRecord)
	for _, f := range failures {
		if _, ok := byFile[f.File]; !ok {
			order = append(order, f.File)
		}
		byFile[f.File] = append(byFile[f.File], f)
	}

	project := j.projectFiles()
	var results []*fix.Result
	var rejected []domain.FixRecord
	for _, path := range order {
		if ctx.Err() != nil {
			break
		}
		group := byFile[path]
		content, err := j.readFile(path)
		if err == nil {
			var res *fix.Result
			res, err = j.o.opts.Fixer.GenerateFix(ctx, fix.Request{
				Path:         path,
				Content:      content,
				Failures:     group,
				ProjectFiles: project,
			})
			if err == nil {
				results = append(results, res)
				continue
			}
		}
		j.logger.Info("no fix for file", "file", path, "error", err)
		rejected = append(rejected, domain.FixRecord{
			File:          path,
			Category:      group[0].Category,
			Line:          group[0].Line,
			CommitMessage: fix.FallbackCommitMessage(group[0]),
			Status:        domain.FixFailed,
			Iteration:     iteration,
			Error:         err.Error(),
		})
	}
	return results, rejected
}

func (j *job) readFile(rel string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("%s: %w", rel, verify.ErrPathEscape)
	}
	data, err := os.ReadFile(filepath.Join(j.dir, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: file not found in checkout", rel)
		}
		return "", err
	}
	return string(data), nil
}

func (j *job) projectFiles() []string {
	snap := j.e.snapshot()
	out := make([]string, 0, min(len(snap.Files), maxProjectFiles))
	for _, f := range snap.Files {
		if len(out) == maxProjectFiles {
			break
		}
		out = append(out, f.Path)
	}
	return out
}

func fixRecords(iteration int, results []*fix.Result, hash string, err error) []domain.FixRecord {
	recs := make([]domain.FixRecord, 0, len(results))
	for _, r := range results {
		rec := domain.FixRecord{
			File:          r.Path,
			Category:      r.Category,
			Line:          r.Line,
			CommitMessage: r.CommitMessage,
			Iteration:     iteration,
		}
		if hash != "" && err == nil {
			rec.Status = domain.FixFixed
			rec.CommitHash = hash
		} else {
			rec.Status = domain.FixFailed
			if err != nil {
				rec.Error = err.Error()
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

func patchRecords(iteration int, results []*fix.Result) []domain.PatchRecord {
	out := make([]domain.PatchRecord, 0, len(results))
	for _, r := range results {
		out = append(out, domain.PatchRecord{Iteration: iteration, File: r.Path, Original: r.Original, Modified: r.Content})
	}
	return out
}

// pollCI follows CI on the fix branch when something was pushed
func (j *job) pollCI(ctx context.Context) error {
	if j.pushed == 0 {
		j.update(func(r *domain.RunSession) {
			r.CI = &domain.CIResult{Status: domain.CISkipped, Polls: []domain.CIPoll{}}
		})
		return nil
	}

	j.phase(ctx, domain.PhaseCIPoll, "waiting for CI on "+j.branch)
	j.update(func(r *domain.RunSession) {
		r.CI = &domain.CIResult{Status: domain.CIRunning, Ref: j.branch, Polls: []domain.CIPoll{}}
	})
	res, err := j.o.opts.Verifier.PollCI(ctx, j.repo, j.branch, func(p domain.CIPoll) {
		j.o.opts.Observer.CIPolled(p)
		snap := j.update(func(r *domain.RunSession) {
			if r.CI != nil {
				r.CI.Polls = append(r.CI.Polls, p)
			}
		})
		j.o.publish(ctx, events.KindCI, &snap)
	})
	if err != nil {
		return domain.NewRunError(domain.ErrCancelled, err)
	}
	if res.Polls == nil {
		res.Polls = []domain.CIPoll{}
	}
	j.update(func(r *domain.RunSession) { r.CI = &res })
	if res.TimedOut {
		j.logger.Warn("CI did not finish in time", "polls", len(res.Polls))
	}
	return nil
}

// finish sets the terminal status, scores the run and releases its checkout
func (j *job) finish(ctx context.Context, err error) {
	now := time.Now().UTC()
	snap := j.update(func(r *domain.RunSession) {
		score := domain.ComputeScore(now.Sub(r.StartedAt), r.Commits, j.passed && len(r.Iterations) > 0, j.o.opts.Scoring)
		r.Score = &score
		r.EndedAt = &now
		if err == nil {
			r.Status = domain.RunCompleted
			r.Phase = domain.PhaseDone
			r.Message = completionMessage(r)
			return
		}
		r.Status = domain.RunFailed
		r.Phase = domain.PhaseFailed
		r.Error = err.Error()
		r.ErrorKind = domain.KindOf(err)
		if r.ErrorKind == "" {
			r.ErrorKind = domain.ErrSandbox
		}
		r.Message = r.Error
	})

	if err != nil {
		j.logger.Warn("run failed", "error_kind", snap.ErrorKind, "error", err, "iterations", len(snap.Iterations))
	} else {
		j.logger.Info("run completed", "iterations", len(snap.Iterations), "commits", snap.Commits, "score", snap.Score.Total)
	}

	j.o.opts.Observer.RunFinished(&snap)
	j.o.publish(ctx, events.KindFinished, &snap)
	j.o.save(snap)
	if nerr := j.o.opts.Notifier.Send(notify.ForRun(&snap)); nerr != nil {
		j.logger.Debug("notification failed", "error", nerr)
	}

	if j.o.opts.KeepCheckouts {
		if _, statErr := os.Stat(j.dir); statErr == nil {
			if werr := writeResults(j.dir, snap); werr != nil {
				j.logger.Warn("failed to write results", "error", werr)
			}
		}
		return
	}
	if rerr := os.RemoveAll(j.dir); rerr != nil {
		j.logger.Warn("failed to remove checkout", "dir", j.dir, "error", rerr)
	}
}

func completionMessage(r *domain.RunSession) string {
	n := len(r.Iterations)
	switch {
	case n == 0:
		return "no tests discovered, nothing to heal"
	case r.Commits == 0:
		return "all tests pass"
	}
	msg := fmt.Sprintf("all tests pass after %d iteration(s), %d commit(s) pushed to %s", n, r.Commits, r.Branch)
	if r.CI != nil && r.CI.Status != domain.CISkipped {
		msg += "; CI " + string(r.CI.Status)
		if r.CI.TimedOut {
			msg += " (timed out)"
		}
	}
	return msg
}

// appendTail appends add to cur and keeps at most max bytes, cut at a line start when possible
func appendTail(cur, add string, limit int) string {
	s := cur + add
	if len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
