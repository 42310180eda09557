// Package ci polls a CI provider for the status of a pushed branch.
package ci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// State is the aggregated CI state of a ref
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

// Status is one answer from a provider
type Status struct {
	State  State
	Detail string
}

// Provider reports the CI status of a ref in a repository
type Provider interface {
	Status(ctx context.Context, repoURL, ref string) (Status, error)
}

// ProviderError is a failed provider call. Permanent errors stop polling.
type ProviderError struct {
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ci provider: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ci provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should stop polling
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}

// PollOptions bound a poll loop
type PollOptions struct {
	Interval time.Duration
	MaxWait  time.Duration
	// OnPoll observes every recorded poll
	OnPoll func(domain.CIPoll)
	Logger *slog.Logger
}

// Poll asks p about ref every Interval until it succeeds, fails, or MaxWait
// passes. A timeout yields FAILED with TimedOut set. The returned error is
// non-nil only when ctx is done.
func Poll(ctx context.Context, p Provider, repoURL, ref string, opts PollOptions) (domain.CIResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ci", "ref", ref)

	result := domain.CIResult{Status: domain.CIRunning, Ref: ref}
	deadline := time.Now().Add(opts.MaxWait)

	record := func(state, detail string) {
		poll := domain.CIPoll{At: time.Now().UTC(), State: state, Detail: detail}
		result.Polls = append(result.Polls, poll)
		if opts.OnPoll != nil {
			opts.OnPoll(poll)
		}
	}

	for {
		st, err := p.Status(ctx, repoURL, ref)
		switch {
		case ctx.Err() != nil:
			return result, ctx.Err()
		case err != nil && IsPermanent(err):
			record("error", err.Error())
			logger.Warn("ci provider refused", "error", err)
			result.Status = domain.CIFailed
			return result, nil
		case err != nil:
			record("error", err.Error())
			logger.Debug("ci poll failed, will retry", "error", err)
		case st.State == StateSuccess:
			record(string(st.State), st.Detail)
			result.Status = domain.CIPassed
			return result, nil
		case st.State == StateFailure:
			record(string(st.State), st.Detail)
			result.Status = domain.CIFailed
			return result, nil
		default:
			record(string(StatePending), st.Detail)
		}

		wait := opts.Interval
		if remaining := time.Until(deadline); remaining <= 0 {
			result.Status = domain.CIFailed
			result.TimedOut = true
			logger.Info("ci poll timed out", "max_wait", opts.MaxWait, "polls", len(result.Polls))
			return result, nil
		} else if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}
