// Package notify tells the operator when a healing run ends.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/config"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	Branch  string // Optional fix branch
	// Link points at the pushed fix branch when the repository host is browsable
	Link   string
	Fields []Field
	At     time.Time
}

// Field is one labelled fact about a run
type Field struct {
	Title string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// New builds the notifiers enabled in cfg
func New(cfg config.NotificationsConfig) Notifier {
	var ns []Notifier
	if cfg.Desktop {
		ns = append(ns, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		ns = append(ns, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(ns) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(ns...)
}

// ForRun describes a finished run
func ForRun(run *domain.RunSession) Notification {
	n := Notification{RunID: run.ID, Branch: run.Branch}
	score := 0
	if run.Score != nil {
		score = run.Score.Total
	}
	switch {
	case run.Status == domain.RunCompleted && len(run.Iterations) == 0:
		n.Type = NotifyInfo
		n.Title = "Nothing to heal"
		n.Message = fmt.Sprintf("%s has no discoverable tests", run.RepoURL)
	case run.Status == domain.RunCompleted && run.CI != nil && run.CI.Status == domain.CIFailed:
		n.Type = NotifyWarning
		n.Title = "Healed, CI not green"
		n.Message = fmt.Sprintf("%s passes locally after %d iteration(s) but CI reported %s (score %d)", run.Branch, len(run.Iterations), run.CI.Status, score)
	case run.Status == domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Run healed"
		n.Message = fmt.Sprintf("%s passes after %d iteration(s), %d commit(s), score %d", run.Branch, len(run.Iterations), run.Commits, score)
	default:
		n.Type = NotifyError
		n.Title = "Run failed"
		n.Message = fmt.Sprintf("%s: %s", run.RepoURL, run.Error)
		if run.ErrorKind != "" {
			n.Message = fmt.Sprintf("%s [%s]: %s", run.RepoURL, run.ErrorKind, run.Error)
		}
	}
	n.Fields = runFields(run, score)
	if run.Commits > 0 {
		n.Link = BranchURL(run.RepoURL, run.Branch)
	}
	if run.EndedAt != nil {
		n.At = *run.EndedAt
	}
	return n
}

func runFields(run *domain.RunSession, score int) []Field {
	fields := []Field{
		{Title: "Status", Value: string(run.Status)},
		{Title: "Iterations", Value: fmt.Sprintf("%d/%d", len(run.Iterations), run.RetryBudget)},
		{Title: "Commits", Value: fmt.Sprint(run.Commits)},
	}
	if run.Score != nil {
		fields = append(fields, Field{Title: "Score", Value: fmt.Sprint(score)})
	}
	if run.ErrorKind != "" {
		fields = append(fields, Field{Title: "Error", Value: string(run.ErrorKind)})
	}
	if run.CI != nil {
		ci := string(run.CI.Status)
		if run.CI.TimedOut {
			ci += " (timed out)"
		}
		fields = append(fields, Field{Title: "CI", Value: ci})
	}
	if run.EndedAt != nil {
		fields = append(fields, Field{Title: "Duration", Value: domain.FormatDuration(run.EndedAt.Sub(run.StartedAt))})
	}
	return fields
}

// BranchURL returns the web address of branch for http(s) repository URLs,
// or "" when the repository is not on a browsable host.
func BranchURL(repoURL, branch string) string {
	if branch == "" || !(strings.HasPrefix(repoURL, "https://") || strings.HasPrefix(repoURL, "http://")) {
		return ""
	}
	base := strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git")
	return base + "/tree/" + branch
}
