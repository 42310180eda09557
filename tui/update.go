package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.activeTab == tabRuns && m.selectedRow < len(m.runs)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.activeTab == tabRuns && m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "enter":
			if m.activeTab == tabRuns && len(m.runs) > 0 {
				m.watchID = m.runs[m.selectedRow].ID
				m.detail = nil
				m.activeTab = tabDetail
				return m, m.refreshCmd()
			}
		case "esc":
			m.activeTab = tabRuns
		case "c":
			if id := m.currentID(); id != "" && m.source != nil {
				m.notice = "cancelling " + shortID(id) + "..."
				return m, m.cancelCmd(id)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd(m.interval))

	case RunsMsg:
		m.lastRefresh = time.Now()
		m.err = msg.Err
		if msg.Err == nil {
			m.runs = msg.Runs
			if m.selectedRow >= len(m.runs) {
				m.selectedRow = max(len(m.runs)-1, 0)
			}
		}

	case RunMsg:
		if msg.Err != nil {
			m.err = msg.Err
			return m, nil
		}
		if msg.Run != nil && msg.Run.ID == m.currentID() {
			m.detail = msg.Run
		}

	case CancelledMsg:
		if msg.Err != nil {
			m.notice = "cancel failed: " + msg.Err.Error()
		} else {
			m.notice = "cancellation requested for " + shortID(msg.RunID)
		}
		return m, m.refreshCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
