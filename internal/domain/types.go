package domain

// RunStatus represents the lifecycle state of a healing run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) rank() int {
	switch s {
	case RunPending:
		return 0
	case RunRunning:
		return 1
	case RunCompleted, RunFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transitions are allowed
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
// pending -> running -> completed|failed; pending may fail directly.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Phase is the fine-grained progress marker shown to pollers
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhaseCloning      Phase = "cloning"
	PhaseDiscovery    Phase = "discovery"
	PhaseExecution    Phase = "execution"
	PhaseDiagnosis    Phase = "diagnosis"
	PhaseFixing       Phase = "fixing"
	PhaseVerification Phase = "verification"
	PhaseCIPoll       Phase = "ci_poll"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

// IterationOutcome is the result of one discover-execute-diagnose-fix-verify cycle
type IterationOutcome string

const (
	OutcomePass IterationOutcome = "PASS"
	OutcomeFail IterationOutcome = "FAIL"
)

// BugCategory classifies an extracted failure
type BugCategory string

const (
	CategorySyntax      BugCategory = "SYNTAX"
	CategoryLogic       BugCategory = "LOGIC"
	CategoryTypeError   BugCategory = "TYPE_ERROR"
	CategoryImport      BugCategory = "IMPORT"
	CategoryLinting     BugCategory = "LINTING"
	CategoryIndentation BugCategory = "INDENTATION"
)

// FixStatus is the per-file outcome of the fix stage
type FixStatus string

const (
	FixFixed  FixStatus = "fixed"
	FixFailed FixStatus = "failed"
)

// CIStatus is the normalized state of a CI provider
type CIStatus string

const (
	CIRunning CIStatus = "RUNNING"
	CIPassed  CIStatus = "PASSED"
	CIFailed  CIStatus = "FAILED"
	// CISkipped is recorded when there was no pushed commit or no provider to ask.
	CISkipped CIStatus = "SKIPPED"
)

// TestRunner identifies the tool a discovered test target runs under
type TestRunner string

const (
	RunnerPytest TestRunner = "pytest"
	RunnerJest   TestRunner = "jest"
	RunnerBun    TestRunner = "bun"
	RunnerGoTest TestRunner = "gotest"
)
