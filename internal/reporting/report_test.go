package reporting

import (
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"pcapdns/internal/analysis"
	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/models"
)

func answered(qname string, rcode dnsmsg.Rcode) models.Exchange {
	msg := func(response bool) *dnsmsg.Message {
		m := &dnsmsg.Message{
			Header:    dnsmsg.Header{ID: 1, Response: response, Rcode: rcode},
			Questions: []dnsmsg.Question{{Name: qname, Type: dnsmsg.TypeA, Class: dnsmsg.ClassINET}},
		}
		return m.Build()
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	client := netip.MustParseAddr("192.168.1.10")
	server := netip.MustParseAddr("8.8.8.8")
	return models.Exchange{
		Query:          msg(false),
		QueryPacket:    &models.Packet{Timestamp: at, Src: client, SrcPort: 5353, Dst: server, DstPort: 53},
		Response:       msg(true),
		ResponsePacket: &models.Packet{Timestamp: at.Add(time.Millisecond), Src: server, SrcPort: 53, Dst: client, DstPort: 5353},
	}
}

func TestGenerateSessionReport(t *testing.T) {
	// Setup stats
	stats := analysis.NewDNSStats()
	stats.FileStarted("first.pcap")
	stats.ProcessExchange(answered("example.com.", dnsmsg.RcodeSuccess))
	stats.ProcessExchange(answered("<script>.example.", dnsmsg.RcodeNameError))
	stats.FileFinished(2, 0, nil)

	// Generate report
	filename, err := GenerateSessionReport(stats, t.TempDir(), "html")
	if err != nil {
		t.Fatalf("Failed to generate report: %v", err)
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("Failed to read report file: %v", err)
	}
	html := string(content)

	// Verify content
	if !strings.Contains(html, "pcapdns Session Report") {
		t.Error("Report missing title")
	}
	if !strings.Contains(html, "example.com.") {
		t.Error("Report missing query name example.com.")
	}
	if !strings.Contains(html, "NXDOMAIN") {
		t.Error("Report missing NXDOMAIN rcode")
	}
	if !strings.Contains(html, "192.168.1.10") {
		t.Error("Report missing client IP")
	}
	if !strings.Contains(html, "first.pcap") {
		t.Error("Report missing file name")
	}
	if strings.Contains(html, "<script>") {
		t.Error("Report did not escape query names")
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := GenerateSessionReport(analysis.NewDNSStats(), t.TempDir(), "pdf"); err == nil {
		t.Fatal("expected an error for pdf format")
	}
}
