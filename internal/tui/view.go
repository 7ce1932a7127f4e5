package tui

import (
	"fmt"
	"strings"
	"time"

	"pcapdns/internal/analysis"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFF7DB")).
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Margin(0, 1)

	alertStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Bold(true)
)

func (m AnalysisModel) View() string {
	snap := m.snapshot

	finished := len(snap.Files)
	if snap.CurrentFile != "" {
		finished--
	}
	headerText := fmt.Sprintf("pcapdns - %d/%d files", finished, m.files)
	switch {
	case m.done && m.err != nil:
		headerText += " [finished with errors]"
	case m.done:
		headerText += " [done]"
	case snap.CurrentFile != "":
		headerText += fmt.Sprintf(" - reading %s", snap.CurrentFile)
	}
	title := titleStyle.Render(headerText)

	progress := fmt.Sprintf("Exchanges: %d (%s)\nAnswered: %d\nOrphans: %d\nUnanswered: %d\nPending: %d\nAvg RTT: %s",
		snap.Exchanges, formatRate(m.rate), snap.Answered, snap.Orphans, snap.Expired, snap.Pending,
		snap.AvgRTT.Round(time.Microsecond))
	progressBox := infoStyle.Render(progress)

	decoded := fmt.Sprintf("Packets: %d\nDNS messages: %d\nDecode errors: %d\nReassembled: %d\nTCP prefix errors: %d",
		snap.Decoder.Packets, snap.Decoder.DNSMessages, snap.Decoder.DNSDecodeErrors,
		snap.Decoder.Reassembled, snap.Decoder.TCPPrefixErrors)
	decodedBox := infoStyle.Render(decoded)

	rcodeBox := infoStyle.Render("Rcodes:\n" + strings.Join(formatStats(m.rcodes, 5), "\n"))
	qtypeBox := infoStyle.Render("Types:\n" + strings.Join(formatStats(m.qtypes, 5), "\n"))

	namesBox := infoStyle.Render("Top Query Names\n" + m.table.View())

	row1 := lipgloss.JoinHorizontal(lipgloss.Top, progressBox, decodedBox, rcodeBox, qtypeBox)
	sections := []string{title, row1, namesBox}

	if len(m.alerts) > 0 {
		var lines []string
		for _, a := range m.alerts {
			lines = append(lines, alertStyle.Render(string(a.Type))+" "+a.Message)
		}
		sections = append(sections, infoStyle.Render("Alerts\n"+strings.Join(lines, "\n")))
	}
	if m.err != nil {
		sections = append(sections, alertStyle.Render(m.err.Error()))
	}

	body := lipgloss.JoinVertical(lipgloss.Left, sections...)
	return body + "\nPress q to quit."
}

func formatStats(stats []analysis.NameStat, limit int) []string {
	limit = min(limit, len(stats))
	if limit == 0 {
		return []string{"Waiting for data..."}
	}
	out := make([]string, 0, limit)
	for _, s := range stats[:limit] {
		out = append(out, fmt.Sprintf("%s: %d", s.Name, s.Count))
	}
	return out
}

func formatRate(rate float64) string {
	if rate >= 1e6 {
		return fmt.Sprintf("%.2f M/s", rate/1e6)
	}
	if rate >= 1e3 {
		return fmt.Sprintf("%.2f K/s", rate/1e3)
	}
	return fmt.Sprintf("%.2f /s", rate)
}
