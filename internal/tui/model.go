package tui

import (
	"time"

	"pcapdns/internal/analysis"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg triggers a refresh of the dashboard.
type TickMsg time.Time

// DoneMsg is sent by the caller once the pipeline has returned.
type DoneMsg struct {
	Err error
}

type AnalysisModel struct {
	stats    *analysis.DNSStats
	rate     float64
	snapshot analysis.Snapshot
	rcodes   []analysis.NameStat
	qtypes   []analysis.NameStat
	table    table.Model
	files    int

	alerts []analysis.Alert
	done   bool
	err    error
}

func NewAnalysisModel(stats *analysis.DNSStats, files int) AnalysisModel {
	columns := []table.Column{
		{Title: "Query Name", Width: 40},
		{Title: "Exchanges", Width: 12},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return AnalysisModel{
		stats: stats,
		table: t,
		files: files,
	}
}

func (m AnalysisModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
