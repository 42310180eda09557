package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/client"
	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
)

type fakeSource struct {
	runs      []client.RunItem
	detail    map[string]*client.Run
	cancelled []string
}

func (f *fakeSource) List(context.Context, domain.RunStatus) ([]client.RunItem, error) {
	return f.runs, nil
}

func (f *fakeSource) Get(_ context.Context, id string) (*client.Run, error) {
	if r, ok := f.detail[id]; ok {
		return r, nil
	}
	return nil, client.ErrNotFound
}

func (f *fakeSource) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func sampleRuns() []client.RunItem {
	score := 110
	return []client.RunItem{
		{ID: "run-aaaaaaaaaaaa", Branch: "A_B_AI_Fix", Status: domain.RunRunning, Phase: domain.PhaseExecution, StartedAt: time.Now()},
		{ID: "run-bbbbbbbbbbbb", Branch: "C_D_AI_Fix", Status: domain.RunCompleted, Phase: domain.PhaseDone, Iterations: 2, Score: &score, StartedAt: time.Now().Add(-time.Hour)},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestNewModel(t *testing.T) {
	m := NewModel(ModelConfig{})
	if m.activeTab != tabRuns {
		t.Errorf("activeTab = %d, want %d", m.activeTab, tabRuns)
	}
	if m.interval != time.Second {
		t.Errorf("interval = %v, want 1s", m.interval)
	}

	m = NewModel(ModelConfig{RunID: "run-1"})
	if m.activeTab != tabDetail || m.currentID() != "run-1" {
		t.Errorf("watching model: tab = %d, currentID = %q", m.activeTab, m.currentID())
	}
}

func TestModel_Navigation(t *testing.T) {
	m := NewModel(ModelConfig{Source: &fakeSource{}})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m, _ = update(t, m, RunsMsg{Runs: sampleRuns()})

	tests := []struct {
		key     tea.KeyMsg
		wantRow int
		wantTab int
	}{
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")}, 1, tabRuns},
		{tea.KeyMsg{Type: tea.KeyDown}, 1, tabRuns},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")}, 0, tabRuns},
		{tea.KeyMsg{Type: tea.KeyUp}, 0, tabRuns},
		{tea.KeyMsg{Type: tea.KeyTab}, 0, tabDetail},
		{tea.KeyMsg{Type: tea.KeyTab}, 0, tabRuns},
	}
	for i, tt := range tests {
		m, _ = update(t, m, tt.key)
		if m.selectedRow != tt.wantRow || m.activeTab != tt.wantTab {
			t.Errorf("step %d (%s): row = %d, tab = %d; want %d, %d",
				i, tt.key.String(), m.selectedRow, m.activeTab, tt.wantRow, tt.wantTab)
		}
	}
}

func TestModel_EnterOpensDetail(t *testing.T) {
	src := &fakeSource{
		runs: sampleRuns(),
		detail: map[string]*client.Run{
			"run-bbbbbbbbbbbb": {RunSession: domain.RunSession{ID: "run-bbbbbbbbbbbb", Status: domain.RunCompleted}},
		},
	}
	m := NewModel(ModelConfig{Source: src})
	m, _ = update(t, m, RunsMsg{Runs: src.runs})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.activeTab != tabDetail || m.watchID != "run-bbbbbbbbbbbb" {
		t.Fatalf("tab = %d, watchID = %q", m.activeTab, m.watchID)
	}
	if cmd == nil {
		t.Fatal("enter should fetch the run")
	}

	// a snapshot for another run is ignored
	m, _ = update(t, m, RunMsg{Run: &client.Run{RunSession: domain.RunSession{ID: "other"}}})
	if m.detail != nil {
		t.Errorf("detail = %+v, want nil", m.detail)
	}
	m, _ = update(t, m, RunMsg{Run: src.detail["run-bbbbbbbbbbbb"]})
	if m.detail == nil || m.detail.ID != "run-bbbbbbbbbbbb" {
		t.Errorf("detail = %+v", m.detail)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.activeTab != tabRuns {
		t.Errorf("esc: tab = %d, want %d", m.activeTab, tabRuns)
	}
}

func TestModel_Cancel(t *testing.T) {
	src := &fakeSource{runs: sampleRuns()}
	m := NewModel(ModelConfig{Source: src})
	m, _ = update(t, m, RunsMsg{Runs: src.runs})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cmd == nil {
		t.Fatal("c should issue a cancel")
	}
	msg := cmd()
	cancelled, ok := msg.(CancelledMsg)
	if !ok {
		t.Fatalf("cmd() = %T, want CancelledMsg", msg)
	}
	if len(src.cancelled) != 1 || src.cancelled[0] != "run-aaaaaaaaaaaa" {
		t.Errorf("cancelled = %v", src.cancelled)
	}

	m, _ = update(t, m, cancelled)
	if !strings.Contains(m.notice, "run-aaaa") {
		t.Errorf("notice = %q", m.notice)
	}

	m, _ = update(t, m, CancelledMsg{RunID: "x", Err: errors.New("boom")})
	if m.notice != "cancel failed: boom" {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestModel_RunsMsgClampsSelection(t *testing.T) {
	m := NewModel(ModelConfig{})
	m, _ = update(t, m, RunsMsg{Runs: sampleRuns()})
	m.selectedRow = 1
	m, _ = update(t, m, RunsMsg{Runs: sampleRuns()[:1]})
	if m.selectedRow != 0 {
		t.Errorf("selectedRow = %d, want 0", m.selectedRow)
	}

	// a failed refresh keeps the last list
	m, _ = update(t, m, RunsMsg{Err: errors.New("connection refused")})
	if len(m.runs) != 1 || m.err == nil {
		t.Errorf("runs = %d, err = %v", len(m.runs), m.err)
	}
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(ModelConfig{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("cmd() = %T, want tea.QuitMsg", cmd())
	}
}

func TestView(t *testing.T) {
	m := NewModel(ModelConfig{})
	if got := m.View(); got != "Loading..." {
		t.Errorf("View() before size = %q", got)
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, RunsMsg{Runs: sampleRuns()})
	view := m.View()
	for _, want := range []string{"heal-orch", "Runs: 2", "Active: 1", "A_B_AI_Fix", "C_D_AI_Fix", " 110"} {
		if !strings.Contains(view, want) {
			t.Errorf("runs view missing %q", want)
		}
	}

	end := time.Now()
	m.watchID = "run-bbbbbbbbbbbb"
	m.activeTab = tabDetail
	m.detail = &client.Run{RunSession: domain.RunSession{
		ID:          "run-bbbbbbbbbbbb",
		Status:      domain.RunFailed,
		Phase:       domain.PhaseFailed,
		RetryBudget: 5,
		StartedAt:   end.Add(-2 * time.Minute),
		EndedAt:     &end,
		Error:       "retry budget exhausted",
		ErrorKind:   domain.ErrRetryBudgetExhausted,
		Iterations:  []domain.IterationRecord{{Index: 1, Outcome: domain.OutcomeFail, FailuresCount: 1}},
		Fixes:       []domain.FixRecord{{File: "a.py", Line: 2, Status: domain.FixFailed, Iteration: 1, Error: "no change"}},
		Score:       &domain.ScoreBreakdown{Base: 100, Total: 100},
	}}
	view = m.View()
	for _, want := range []string{"1/5 iterations", "Elapsed: 2m", "retry budget exhausted", "#1", "a.py:2", "Score: 100"} {
		if !strings.Contains(view, want) {
			t.Errorf("detail view missing %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}
