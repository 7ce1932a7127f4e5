package reporting

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pcapdns/internal/analysis"
)

// GenerateSessionReport writes a report of the run into dir and returns the
// file name. Currently supports "html" format.
func GenerateSessionReport(stats *analysis.DNSStats, dir, format string) (string, error) {
	if format != "html" {
		return "", fmt.Errorf("unsupported format: %s", format)
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(dir, fmt.Sprintf("report_%s.html", timestamp))

	file, err := os.Create(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	snap := stats.Snapshot()
	var b strings.Builder

	fmt.Fprintf(&b, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>pcapdns Session Report - %s</title>
    <style>
        body { font-family: sans-serif; margin: 20px; color: #333; }
        h1, h2 { color: #2c3e50; }
        table { width: 100%%; border-collapse: collapse; margin-bottom: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
        th { background-color: #f2f2f2; }
        tr:nth-child(even) { background-color: #f9f9f9; }
        .summary { background: #eef; padding: 15px; border-radius: 5px; margin-bottom: 20px; }
        .alert { color: #d9534f; font-weight: bold; }
    </style>
</head>
<body>
    <h1>pcapdns Session Report</h1>
    <div class="summary">
        <p><strong>Date:</strong> %s</p>
        <p><strong>Exchanges:</strong> %d (answered %d, orphan responses %d, unanswered queries %d, ICMP %d)</p>
        <p><strong>Average RTT:</strong> %s</p>
        <p><strong>Packets:</strong> %d (DNS messages %d, decode errors %d, malformed %d)</p>
        <p><strong>Reassembly:</strong> %d fragmented datagrams, %d fragment errors, %d TCP prefix errors, %d truncated TCP streams</p>
    </div>
`, timestamp, time.Now().Format(time.RFC1123),
		snap.Exchanges, snap.Answered, snap.Orphans, snap.Expired, snap.ICMP,
		snap.AvgRTT.Round(time.Microsecond),
		snap.Decoder.Packets, snap.Decoder.DNSMessages, snap.Decoder.DNSDecodeErrors, snap.Decoder.Malformed,
		snap.Decoder.Reassembled, snap.Decoder.FragmentErrors, snap.Decoder.TCPPrefixErrors, snap.Decoder.TCPTruncatedStreams)

	writeTable(&b, "Files", []string{"File", "Frames", "Skipped", "Exchanges", "Error"}, fileRows(snap.Files), "No files processed.")
	writeTable(&b, "Response Codes", []string{"Rcode", "Responses"}, nameRows(stats.GetRcodeStats()), "No responses seen.")
	writeTable(&b, "Query Types", []string{"Type", "Messages"}, nameRows(stats.GetQTypeStats()), "No questions seen.")
	writeTable(&b, "Top 10 Query Names", []string{"Name", "Exchanges"}, nameRows(stats.GetTopQNames(10)), "No query names seen.")
	writeTable(&b, "Top 10 Clients", []string{"Client", "Queries"}, nameRows(stats.GetTopClients(10)), "No queries seen.")

	var alertRows [][]string
	for _, alert := range stats.GetAlerts(20) {
		alertRows = append(alertRows, []string{alert.Timestamp.Format(time.RFC3339), string(alert.Type), alert.Source, alert.Message})
	}
	writeTable(&b, "Alerts", []string{"Capture Time", "Type", "Source", "Message"}, alertRows, "No alerts triggered during this session.")

	b.WriteString(`</body>
</html>`)

	if _, err := file.WriteString(b.String()); err != nil {
		return "", err
	}
	return filename, nil
}

func writeTable(b *strings.Builder, title string, header []string, rows [][]string, empty string) {
	fmt.Fprintf(b, "\n    <h2>%s</h2>\n    <table>\n        <thead>\n            <tr>", html.EscapeString(title))
	for _, h := range header {
		fmt.Fprintf(b, "<th>%s</th>", html.EscapeString(h))
	}
	b.WriteString("</tr>\n        </thead>\n        <tbody>\n")

	if len(rows) == 0 {
		fmt.Fprintf(b, "            <tr><td colspan=\"%d\">%s</td></tr>\n", len(header), html.EscapeString(empty))
	}
	for _, row := range rows {
		b.WriteString("            <tr>")
		for _, cell := range row {
			fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(cell))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("        </tbody>\n    </table>\n")
}

func nameRows(stats []analysis.NameStat) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{s.Name, fmt.Sprintf("%d", s.Count)})
	}
	return rows
}

func fileRows(files []analysis.FileStat) [][]string {
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		errText := ""
		if f.Err != nil {
			errText = f.Err.Error()
		}
		rows = append(rows, []string{f.Name, fmt.Sprintf("%d", f.Frames), fmt.Sprintf("%d", f.Skipped), fmt.Sprintf("%d", f.Exchanges), errText})
	}
	return rows
}
