// Package gitops wraps the git command line for clone, commit and push.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrProtectedBranch is returned when a push would target the default branch
var ErrProtectedBranch = errors.New("refusing to push to the default branch")

// ErrNothingToCommit is returned when none of the given paths changed
var ErrNothingToCommit = errors.New("nothing to commit")

// CommandError describes a failed git invocation
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// runner executes git with a fixed set of leading config arguments.
// secret values in those arguments are redacted from errors.
type runner struct {
	config  []string
	secrets []string
}

func (r runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	base := []string{
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
		"-c", "advice.detachedHead=false",
	}
	base = append(base, r.config...)
	full := append(base, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=echo",
		"LC_ALL=C",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return stdout.String(), &CommandError{
			Args:   r.redactAll(args),
			Stdout: r.redact(stdout.String()),
			Stderr: r.redact(stderr.String()),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

func (r runner) redact(s string) string {
	for _, secret := range r.secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}

func (r runner) redactAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.redact(a)
	}
	return out
}
