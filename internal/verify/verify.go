// Package verify writes accepted fixes into the checkout, commits them, pushes
// the fix branch and follows CI on it.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/ci"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/fix"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/gitops"
)

// ErrPathEscape is returned for fix paths outside the checkout
var ErrPathEscape = errors.New("path escapes the checkout")

// Batch is the set of fixes produced in one iteration
type Batch struct {
	Iteration int
	// Failures is the number of failure records the fixes address
	Failures int
	Fixes    []*fix.Result
}

// Outcome of a successful Apply
type Outcome struct {
	CommitHash string
	Pushed     bool
	Files      []string
}

// Verifier applies fix batches and polls CI
type Verifier struct {
	// Force pushes with --force; the fix branch is owned by the orchestrator
	Force        bool
	CI           ci.Provider
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *slog.Logger
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.Default().With("component", "verify")
	}
	return v.Logger.With("component", "verify")
}

// CommitMessage builds the commit message for a batch
func CommitMessage(b Batch) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[AI-AGENT] Fix %d failure(s) – iteration %d\n", b.Failures, b.Iteration)
	if len(b.Fixes) > 0 {
		sb.WriteString("\n")
	}
	for _, f := range b.Fixes {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Path, f.CommitMessage)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Apply writes every fix in b, commits only those files and pushes HEAD to
// branch. Any failure is a VerificationPushFailure; the branch is checked
// against the default branch before anything is written.
func (v *Verifier) Apply(ctx context.Context, repo *gitops.Repo, branch string, b Batch) (Outcome, error) {
	if len(b.Fixes) == 0 {
		return Outcome{}, domain.NewRunError(domain.ErrVerificationPush, gitops.ErrNothingToCommit)
	}
	if err := repo.CheckoutBranch(ctx, branch); err != nil {
		return Outcome{}, domain.NewRunError(domain.ErrVerificationPush, fmt.Errorf("checking out %s: %w", branch, err))
	}

	paths := make([]string, 0, len(b.Fixes))
	for _, f := range b.Fixes {
		if err := WriteFile(repo.Dir, f.Path, f.Content); err != nil {
			return Outcome{}, domain.NewRunError(domain.ErrVerificationPush, err)
		}
		paths = append(paths, f.Path)
	}

	hash, err := repo.Commit(ctx, CommitMessage(b), paths)
	if err != nil {
		return Outcome{}, domain.NewRunError(domain.ErrVerificationPush, fmt.Errorf("committing fixes: %w", err))
	}

	if err := repo.Push(ctx, branch, v.Force); err != nil {
		v.logger().Warn("push failed", "branch", branch, "commit", hash, "error", err)
		return Outcome{CommitHash: hash, Files: paths}, domain.NewRunError(domain.ErrVerificationPush, fmt.Errorf("pushing %s: %w", branch, err))
	}

	v.logger().Info("fixes pushed", "branch", branch, "commit", hash, "files", len(paths), "iteration", b.Iteration)
	return Outcome{CommitHash: hash, Pushed: true, Files: paths}, nil
}

// PollCI follows CI on ref. Without a provider the result is SKIPPED.
func (v *Verifier) PollCI(ctx context.Context, repoURL, ref string, onPoll func(domain.CIPoll)) (domain.CIResult, error) {
	if v.CI == nil {
		return domain.CIResult{Status: domain.CISkipped, Ref: ref}, nil
	}
	return ci.Poll(ctx, v.CI, repoURL, ref, ci.PollOptions{
		Interval: v.PollInterval,
		MaxWait:  v.MaxWait,
		OnPoll:   onPoll,
		Logger:   v.Logger,
	})
}

// WriteFile writes content to rel inside root, keeping the file mode when it exists
func WriteFile(root, rel, content string) error {
	full, err := resolve(root, rel)
	if err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), mode); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

func resolve(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(filepath.ToSlash(rel), "/") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	first := strings.SplitN(filepath.ToSlash(back), "/", 2)[0]
	if first == ".git" {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	if info, err := os.Lstat(full); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %q is a symlink", ErrPathEscape, rel)
	}
	// a symlinked parent directory must still resolve inside the checkout
	if dir, err := filepath.EvalSymlinks(filepath.Dir(full)); err == nil {
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return "", fmt.Errorf("resolving checkout: %w", err)
		}
		if r, err := filepath.Rel(realRoot, dir); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
		}
	}
	return full, nil
}
