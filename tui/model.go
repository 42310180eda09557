// Package tui is a terminal watcher for healing runs served by heal-orch.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/client"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

// Source is where the watcher reads runs from. *client.Client satisfies it.
type Source interface {
	List(ctx context.Context, status domain.RunStatus) ([]client.RunItem, error)
	Get(ctx context.Context, id string) (*client.Run, error)
	Cancel(ctx context.Context, id string) error
}

const (
	tabRuns = iota
	tabDetail
	tabCount
)

// Model is the TUI application model
type Model struct {
	source   Source
	interval time.Duration

	// Data
	runs   []client.RunItem
	detail *client.Run
	err    error

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	// watchID pins the detail view to one run
	watchID string
	spinner spinner.Model
	notice  string

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds initial settings for the TUI model
type ModelConfig struct {
	Source Source
	// RunID opens the watcher on one run's detail
	RunID    string
	Interval time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	m := Model{
		source:   cfg.Source,
		interval: cfg.Interval,
		watchID:  cfg.RunID,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	if cfg.RunID != "" {
		m.activeTab = tabDetail
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.refreshCmd(),
		tickCmd(m.interval),
		m.spinner.Tick,
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RunsMsg carries a fresh run list
type RunsMsg struct {
	Runs []client.RunItem
	Err  error
}

// RunMsg carries a fresh snapshot of the watched run
type RunMsg struct {
	Run *client.Run
	Err error
}

// CancelledMsg reports the outcome of a cancel request
type CancelledMsg struct {
	RunID string
	Err   error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	if m.source == nil {
		return nil
	}
	src := m.source
	cmds := []tea.Cmd{func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runs, err := src.List(ctx, "")
		return RunsMsg{Runs: runs, Err: err}
	}}
	if id := m.currentID(); id != "" {
		cmds = append(cmds, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			run, err := src.Get(ctx, id)
			return RunMsg{Run: run, Err: err}
		})
	}
	return tea.Batch(cmds...)
}

func (m Model) cancelCmd(id string) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return CancelledMsg{RunID: id, Err: src.Cancel(ctx, id)}
	}
}

// currentID is the run the detail tab shows
func (m Model) currentID() string {
	if m.watchID != "" {
		return m.watchID
	}
	if m.selectedRow >= 0 && m.selectedRow < len(m.runs) {
		return m.runs[m.selectedRow].ID
	}
	return ""
}

// activeRuns counts runs that have not reached a terminal status
func (m Model) activeRuns() int {
	n := 0
	for _, r := range m.runs {
		if !r.Status.Terminal() {
			n++
		}
	}
	return n
}
