package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" heal-orch │ Runs: %d │ Active: %d ", len(m.runs), m.activeRuns())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabRuns:
		section = m.renderRuns()
	case tabDetail:
		section = m.renderDetail()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Runs", "Detail"}
	var parts []string
	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}
	return strings.Join(parts, "│")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No runs yet. Start one with 'heal-orch run --repo URL'."))
		return b.String()
	}

	for i, r := range m.runs {
		cursor := "  "
		if i == m.selectedRow {
			cursor = "▸ "
		}
		score := "   -"
		if r.Score != nil {
			score = fmt.Sprintf("%4d", *r.Score)
		}
		line := fmt.Sprintf("%s%s %-9s %-10s it:%d %s  %s  %s",
			cursor,
			m.statusIcon(r.Status),
			r.Status,
			r.Phase,
			r.Iterations,
			score,
			truncate(r.Branch, 32),
			humanize.Time(r.StartedAt),
		)
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderDetail() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUN"))
	b.WriteString("\n")

	run := m.detail
	if run == nil {
		if m.currentID() == "" {
			b.WriteString(queuedStyle.Render("  No run selected."))
		} else {
			b.WriteString(queuedStyle.Render("  " + m.spinner.View() + " loading " + shortID(m.currentID())))
		}
		return b.String()
	}

	fmt.Fprintf(&b, "  %s %s  %s\n", m.statusIcon(run.Status), styleStatus(run.Status), run.ID)
	fmt.Fprintf(&b, "  Repo:    %s\n", run.RepoURL)
	fmt.Fprintf(&b, "  Branch:  %s\n", run.Branch)
	fmt.Fprintf(&b, "  Phase:   %s  %s\n", run.Phase, dimmedStyle.Render(truncate(run.Message, max(m.width-30, 20))))
	fmt.Fprintf(&b, "  Budget:  %d/%d iterations, %d commits\n", len(run.Iterations), run.RetryBudget, run.Commits)
	fmt.Fprintf(&b, "  Elapsed: %s\n", formatElapsed(run.StartedAt, run.EndedAt))
	if run.Error != "" {
		b.WriteString(failedStyle.Render(fmt.Sprintf("  Error (%s): %s", run.ErrorKind, run.Error)))
		b.WriteString("\n")
	}

	if len(run.Iterations) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("ITERATIONS"))
		b.WriteString("\n")
		for _, it := range run.Iterations {
			outcome := failedStyle.Render(string(it.Outcome))
			if it.Outcome == domain.OutcomePass {
				outcome = completedStyle.Render(string(it.Outcome))
			}
			fmt.Fprintf(&b, "  #%d %s failures:%d fixes:%d  %s\n",
				it.Index, outcome, it.FailuresCount, it.FixesApplied,
				dimmedStyle.Render(it.Timestamp.Local().Format("15:04:05")))
		}
	}

	if len(run.Fixes) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("FIXES"))
		b.WriteString("\n")
		for _, f := range run.Fixes {
			line := fmt.Sprintf("  [%d] %s:%d %s %s", f.Iteration, f.File, f.Line, f.Category, f.Status)
			if f.Status == domain.FixFixed {
				line += dimmedStyle.Render(" " + truncate(f.CommitHash, 10) + " " + f.CommitMessage)
				b.WriteString(runningStyle.Render(line))
			} else {
				line += " " + f.Error
				b.WriteString(warningStyle.Render(line))
			}
			b.WriteString("\n")
		}
	}

	if run.CI != nil {
		fmt.Fprintf(&b, "\n  CI: %s (%d polls)\n", run.CI.Status, len(run.CI.Polls))
	}
	if run.Score != nil {
		fmt.Fprintf(&b, "  Score: %d (base %d, bonus %d, penalty %d)\n",
			run.Score.Total, run.Score.Base, run.Score.TimeBonus, run.Score.CommitPenalty)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	left := " q quit │ tab switch │ enter open │ c cancel │ r refresh "
	right := ""
	switch {
	case m.err != nil:
		right = failedStyle.Render("error: " + m.err.Error())
	case m.notice != "":
		right = m.notice
	case !m.lastRefresh.IsZero():
		right = "updated " + m.lastRefresh.Format("15:04:05")
	}
	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-1, 1)
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (m Model) statusIcon(s domain.RunStatus) string {
	switch s {
	case domain.RunRunning:
		return m.spinner.View()
	case domain.RunCompleted:
		return completedStyle.Render("✓")
	case domain.RunFailed:
		return failedStyle.Render("✗")
	default:
		return queuedStyle.Render("○")
	}
}

func styleStatus(s domain.RunStatus) string {
	switch s {
	case domain.RunCompleted:
		return completedStyle.Render(string(s))
	case domain.RunFailed:
		return failedStyle.Render(string(s))
	case domain.RunRunning:
		return runningStyle.Render(string(s))
	default:
		return queuedStyle.Render(string(s))
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}

func formatElapsed(start time.Time, end *time.Time) string {
	stop := time.Now()
	if end != nil {
		stop = *end
	}
	return domain.FormatDuration(stop.Sub(start))
}
