package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

func (m AnalysisModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case TickMsg:
		m.refresh()
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m.refresh()
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *AnalysisModel) refresh() {
	m.rate = m.stats.GetRates()
	m.snapshot = m.stats.Snapshot()
	m.rcodes = m.stats.GetRcodeStats()
	m.qtypes = m.stats.GetQTypeStats()
	m.alerts = m.stats.GetAlerts(5)

	names := m.stats.GetTopQNames(10)
	rows := make([]table.Row, len(names))
	for i, stat := range names {
		rows[i] = table.Row{stat.Name, fmt.Sprintf("%d", stat.Count)}
	}
	m.table.SetRows(rows)
}
