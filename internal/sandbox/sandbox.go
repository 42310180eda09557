// Package sandbox runs test commands against a checkout without network
// access, either in a container or in a restricted subprocess.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// TimeoutExitCode is reported when a command is killed for exceeding its timeout
const TimeoutExitCode = 124

// MaxStreamBytes caps how much of each output stream is kept
const MaxStreamBytes = 4 << 20

// ErrNoIsolation is returned when no isolation mechanism is available and
// unisolated execution was not allowed
var ErrNoIsolation = errors.New("no sandbox isolation available")

// ErrRunnerMissing is returned when the test tool itself could not be started
// in the sandbox, e.g. pytest is not installed in the image.
var ErrRunnerMissing = errors.New("test runner not available in sandbox")

// CommandNotFoundExitCode is what sh exits with when the command does not exist
const CommandNotFoundExitCode = 127

// runnerMissingMarkers are output lines that mean the tool never ran any test
var runnerMissingMarkers = []string{
	"No module named pytest",
	"jest: not found",
	"bun: not found",
	"go: not found",
	"could not determine executable to run",
	"npm ERR! code ENOTCACHED",
	"npm error code ENOTCACHED",
	"module lookup disabled by GOPROXY=off",
}

// checkRunner turns a result whose test tool was missing into ErrRunnerMissing,
// so it is not mistaken for a test failure.
func checkRunner(res *Result) error {
	if res.ExitCode == 0 || res.TimedOut {
		return nil
	}
	out := res.Output()
	for _, marker := range runnerMissingMarkers {
		if strings.Contains(out, marker) {
			return fmt.Errorf("%w: %s", ErrRunnerMissing, marker)
		}
	}
	if res.ExitCode == CommandNotFoundExitCode {
		return fmt.Errorf("%w: %s", ErrRunnerMissing, lastLine(out))
	}
	return nil
}

// OutputCallback is called for each line of output
type OutputCallback func(stream, line string)

// Request describes one command to run
type Request struct {
	// Dir is the checkout to run in
	Dir      string
	Command  string
	Runner   domain.TestRunner
	Timeout  time.Duration
	OnOutput OutputCallback
}

// Result is the outcome of a command that was started
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Duration  time.Duration
	Isolation string
}

// Output returns stdout followed by stderr
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" || strings.HasSuffix(r.Stdout, "\n") {
		return r.Stdout + r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes a command against a checkout. A non-nil error means the
// command could not be run at all; test failures are reported via ExitCode.
type Runner interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// execSpec is what the shared process runner needs
type execSpec struct {
	name      string
	args      []string
	dir       string
	env       []string
	timeout   time.Duration
	onOutput  OutputCallback
	onTimeout func()
	isolation string
}

// run starts a process in its own process group, streams its output and
// kills the whole group when the timeout elapses.
func run(ctx context.Context, spec execSpec) (*Result, error) {
	if spec.timeout <= 0 {
		return nil, fmt.Errorf("sandbox timeout must be positive")
	}
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.name, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	stdout := &lineWriter{stream: "stdout", callback: spec.onOutput}
	stderr := &lineWriter{stream: "stderr", callback: spec.onOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.name, err)
	}
	err := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Isolation: spec.isolation,
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		if spec.onTimeout != nil {
			spec.onTimeout()
		}
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("sandbox: command timed out after %s\n", spec.timeout)
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}
	return res, nil
}

// lineWriter collects a stream and reports complete lines to a callback
type lineWriter struct {
	stream   string
	callback OutputCallback

	mu      sync.Mutex
	buf     strings.Builder
	partial []byte
	dropped bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if remaining := MaxStreamBytes - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
			w.dropped = true
		} else {
			w.buf.Write(p)
		}
	} else {
		w.dropped = true
	}

	if w.callback != nil {
		w.partial = append(w.partial, p...)
		for {
			i := bytes.IndexByte(w.partial, '\n')
			if i < 0 {
				break
			}
			w.callback(w.stream, string(w.partial[:i+1]))
			w.partial = w.partial[i+1:]
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.callback != nil && len(w.partial) > 0 {
		w.callback(w.stream, string(w.partial)+"\n")
		w.partial = nil
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped {
		return w.buf.String() + "\n[output truncated]\n"
	}
	return w.buf.String()
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
