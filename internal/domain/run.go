package domain

import (
	"slices"
	"time"
)

// DefaultRetryBudget is the number of iterations a run gets before giving up
const DefaultRetryBudget = 5

// RunSession is the complete state of one healing run
type RunSession struct {
	ID          string            `json:"run_id"`
	RepoURL     string            `json:"repo_url"`
	TeamName    string            `json:"team_name"`
	LeaderName  string            `json:"leader_name"`
	Branch      string            `json:"branch_name"`
	Status      RunStatus         `json:"status"`
	Phase       Phase             `json:"phase"`
	Message     string            `json:"message"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	RetryBudget int               `json:"retry_budget"`
	Iterations  []IterationRecord `json:"iterations"`
	Files       []FileEntry       `json:"files"`
	Fixes       []FixRecord       `json:"fixes"`
	Patches     []PatchRecord     `json:"-"`
	Commits     int               `json:"total_commits"`
	CI          *CIResult         `json:"ci,omitempty"`
	Score       *ScoreBreakdown   `json:"score,omitempty"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
}

// IterationRecord is appended once an iteration has fully resolved
type IterationRecord struct {
	Index         int              `json:"iteration"`
	Outcome       IterationOutcome `json:"outcome"`
	Message       string           `json:"message"`
	FailuresCount int              `json:"failures_count"`
	FixesApplied  int              `json:"fixes_applied"`
	Timestamp     time.Time        `json:"timestamp"`
}

// FailureRecord is one diagnosed failure
type FailureRecord struct {
	File     string      `json:"file"`
	Line     int         `json:"line"`
	Category BugCategory `json:"category"`
	Excerpt  string      `json:"excerpt"`
}

// FixRecord is the outcome of fixing one file in one iteration
type FixRecord struct {
	File          string      `json:"file"`
	Category      BugCategory `json:"bug_type"`
	Line          int         `json:"line_number"`
	CommitMessage string      `json:"commit_message"`
	Status        FixStatus   `json:"status"`
	CommitHash    string      `json:"commit_hash,omitempty"`
	Iteration     int         `json:"iteration"`
	Error         string      `json:"error,omitempty"`
}

// PatchRecord keeps the pre-fix and post-fix content of a file
type PatchRecord struct {
	Iteration int    `json:"iteration"`
	File      string `json:"file"`
	Original  string `json:"original"`
	Modified  string `json:"modified"`
}

// FileEntry is a snapshot of one text file from the checkout
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
	Digest  string `json:"digest"`
}

// CIPoll is one observation of the CI provider
type CIPoll struct {
	At time.Time `json:"at"`
	// State is the provider's answer: pending, success, failure or error
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// CIResult is the outcome of polling CI after a passing iteration
type CIResult struct {
	Status   CIStatus `json:"status"`
	Ref      string   `json:"ref,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`
	Polls    []CIPoll `json:"polls"`
}

// TestTarget is one runnable test command found by discovery
type TestTarget struct {
	Runner  TestRunner `json:"runner"`
	Files   []string   `json:"files"`
	Command string     `json:"command"`
}

// Terminal reports whether the session has reached completed or failed
func (r *RunSession) Terminal() bool {
	return r.Status.Terminal()
}

// Clone returns a deep copy safe to hand to concurrent readers
func (r *RunSession) Clone() RunSession {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	c.Iterations = slices.Clone(r.Iterations)
	c.Files = slices.Clone(r.Files)
	c.Fixes = slices.Clone(r.Fixes)
	c.Patches = slices.Clone(r.Patches)
	if r.CI != nil {
		ci := *r.CI
		ci.Polls = slices.Clone(r.CI.Polls)
		c.CI = &ci
	}
	if r.Score != nil {
		s := *r.Score
		s.Notes = slices.Clone(r.Score.Notes)
		c.Score = &s
	}
	return c
}
