package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(id string, started time.Time) *domain.RunSession {
	end := started.Add(90 * time.Second)
	return &domain.RunSession{
		ID:          id,
		RepoURL:     "https://github.com/acme/widgets",
		TeamName:    "Rift Riders",
		LeaderName:  "Jane Doe",
		Branch:      "RIFT_RIDERS_JANE_DOE_AI_Fix",
		Status:      domain.RunCompleted,
		Phase:       domain.PhaseDone,
		Message:     "all tests pass",
		StartedAt:   started,
		EndedAt:     &end,
		RetryBudget: 5,
		Iterations: []domain.IterationRecord{
			{Index: 1, Outcome: domain.OutcomeFail, Message: "1 failure(s), 1 fixed", FailuresCount: 1, FixesApplied: 1, Timestamp: started.Add(time.Minute)},
			{Index: 2, Outcome: domain.OutcomePass, Message: "all tests pass", Timestamp: end},
		},
		Files: []domain.FileEntry{{Path: "calc.py", Content: "x = 1\n", Size: 6, Digest: "abc"}},
		Fixes: []domain.FixRecord{
			{File: "calc.py", Category: domain.CategoryLogic, Line: 2, CommitMessage: "Fix add", Status: domain.FixFixed, CommitHash: "deadbeef", Iteration: 1},
		},
		Patches: []domain.PatchRecord{{Iteration: 1, File: "calc.py", Original: "a - b", Modified: "a + b"}},
		Commits: 1,
		CI:      &domain.CIResult{Status: domain.CIPassed, Ref: "RIFT_RIDERS_JANE_DOE_AI_Fix", Polls: []domain.CIPoll{{At: end, State: "success"}}},
		Score:   &domain.ScoreBreakdown{Base: 100, TimeBonus: 10, Total: 110, Notes: []string{"+10 speed bonus"}},
	}
}

func TestStore_SaveAndGetRun(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	run := sampleRun("r1", time.Now().UTC().Truncate(time.Second))

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != run.Branch {
		t.Errorf("Branch = %q, want %q", got.Branch, run.Branch)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if len(got.Iterations) != 2 || got.Iterations[1].Outcome != domain.OutcomePass {
		t.Errorf("Iterations = %+v", got.Iterations)
	}
	if len(got.Fixes) != 1 || got.Fixes[0].CommitHash != "deadbeef" {
		t.Errorf("Fixes = %+v", got.Fixes)
	}
	if len(got.Patches) != 1 || got.Patches[0].Modified != "a + b" {
		t.Errorf("Patches = %+v", got.Patches)
	}
	if got.CI == nil || got.CI.Status != domain.CIPassed || len(got.CI.Polls) != 1 {
		t.Errorf("CI = %+v", got.CI)
	}
	if got.Score == nil || got.Score.Total != 110 {
		t.Errorf("Score = %+v", got.Score)
	}
	if len(got.Files) != 1 || got.Files[0].Path != "calc.py" {
		t.Errorf("Files = %+v", got.Files)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(*run.EndedAt) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, run.EndedAt)
	}
}

func TestStore_SaveRunReplacesChildren(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	run := sampleRun("r1", time.Now().UTC())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	run.Iterations = run.Iterations[:1]
	run.Fixes = nil
	run.Status = domain.RunFailed
	run.ErrorKind = domain.ErrRetryBudgetExhausted
	run.CI = nil
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Iterations) != 1 {
		t.Errorf("Iterations count = %d, want 1", len(got.Iterations))
	}
	if len(got.Fixes) != 0 {
		t.Errorf("Fixes count = %d, want 0", len(got.Fixes))
	}
	if got.ErrorKind != domain.ErrRetryBudgetExhausted {
		t.Errorf("ErrorKind = %q", got.ErrorKind)
	}
	if got.CI != nil {
		t.Errorf("CI = %+v, want nil", got.CI)
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	store := newStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"old", "mid", "new"} {
		run := sampleRun(id, base.Add(time.Duration(i)*time.Minute))
		if id == "mid" {
			run.Status = domain.RunFailed
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListRuns(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("All runs count = %d, want 3", len(all))
	}
	if all[0].ID != "new" {
		t.Errorf("first run = %q, want newest first", all[0].ID)
	}
	if len(all[0].Iterations) != 2 {
		t.Errorf("listed run has %d iterations, want 2", len(all[0].Iterations))
	}

	failed, err := store.ListRuns(ctx, ListOptions{Status: domain.RunFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "mid" {
		t.Errorf("failed runs = %v", failed)
	}

	limited, err := store.ListRuns(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("Limited count = %d, want 2", len(limited))
	}
}

func TestStore_MarkInterrupted(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	running := sampleRun("running", now)
	running.Status = domain.RunRunning
	running.EndedAt = nil
	running.Score = nil
	running.Commits = 23
	pending := sampleRun("pending", now)
	pending.Status = domain.RunPending
	pending.EndedAt = nil
	pending.Score = nil
	pending.Commits = 0
	done := sampleRun("done", now)

	for _, r := range []*domain.RunSession{running, pending, done} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.MarkInterrupted(ctx, now.Add(time.Hour), domain.DefaultScoringPolicy())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("MarkInterrupted() = %d, want 2", n)
	}

	got, _ := store.GetRun(ctx, "running")
	if got.Status != domain.RunFailed || got.Error != InterruptedMessage || got.EndedAt == nil {
		t.Errorf("interrupted run = status %q error %q ended %v", got.Status, got.Error, got.EndedAt)
	}

	scores := []struct {
		id   string
		want domain.ScoreBreakdown
	}{
		{"running", domain.ScoreBreakdown{Base: 100, CommitPenalty: 6, Total: 94}},
		{"pending", domain.ScoreBreakdown{Base: 100, Total: 100}},
	}
	for _, tt := range scores {
		got, err := store.GetRun(ctx, tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Score == nil {
			t.Errorf("%s: Score = nil, want a breakdown once terminal", tt.id)
			continue
		}
		if got.Score.Base != tt.want.Base || got.Score.TimeBonus != 0 ||
			got.Score.CommitPenalty != tt.want.CommitPenalty || got.Score.Total != tt.want.Total {
			t.Errorf("%s: Score = %+v, want %+v", tt.id, *got.Score, tt.want)
		}
	}

	got, _ = store.GetRun(ctx, "done")
	if got.Status != domain.RunCompleted {
		t.Errorf("completed run status = %q, should be untouched", got.Status)
	}
}

func TestStore_DeleteRun(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.SaveRun(ctx, sampleRun("r1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRun(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRun() twice error = %v, want ErrNotFound", err)
	}
}
