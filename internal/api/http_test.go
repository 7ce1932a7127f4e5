package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"pcapdns/internal/analysis"
	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/models"
	"pcapdns/internal/store"
)

func exchange(qname string) models.Exchange {
	msg := func(response bool) *dnsmsg.Message {
		m := &dnsmsg.Message{
			Header:    dnsmsg.Header{ID: 7, Response: response},
			Questions: []dnsmsg.Question{{Name: qname, Type: dnsmsg.TypeAAAA, Class: dnsmsg.ClassINET}},
		}
		return m.Build()
	}
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	client := netip.MustParseAddr("192.0.2.1")
	server := netip.MustParseAddr("192.0.2.53")
	return models.Exchange{
		Query:          msg(false),
		QueryPacket:    &models.Packet{Timestamp: at, Protocol: models.ProtoUDP, Src: client, SrcPort: 999, Dst: server, DstPort: 53},
		Response:       msg(true),
		ResponsePacket: &models.Packet{Timestamp: at.Add(4 * time.Millisecond), Protocol: models.ProtoUDP, Src: server, SrcPort: 53, Dst: client, DstPort: 999},
		File:           "x.pcap",
	}
}

func get(t *testing.T, e *echo.Echo, target string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestStatsEndpoint(t *testing.T) {
	stats := analysis.NewDNSStats()
	stats.ProcessExchange(exchange("a.example."))
	stats.ProcessExchange(exchange("a.example."))

	e := echo.New()
	New(e, stats, nil)

	var resp struct {
		Counters struct {
			Exchanges int64   `json:"exchanges"`
			Answered  int64   `json:"answered"`
			AvgRTTms  float64 `json:"avg_rtt_ms"`
		} `json:"counters"`
		Rcodes []analysis.NameStat `json:"rcodes"`
	}
	get(t, e, "/api/stats", &resp)
	require.Equal(t, int64(2), resp.Counters.Exchanges)
	require.Equal(t, int64(2), resp.Counters.Answered)
	require.InDelta(t, 4.0, resp.Counters.AvgRTTms, 1e-9)
	require.Len(t, resp.Rcodes, 1)
	require.Equal(t, "NOERROR", resp.Rcodes[0].Name)
}

func TestExchangesFromMemory(t *testing.T) {
	stats := analysis.NewDNSStats()
	for _, n := range []string{"a.example.", "b.example.", "c.example."} {
		stats.ProcessExchange(exchange(n))
	}
	e := echo.New()
	New(e, stats, nil)

	var recent []analysis.ExchangeEntry
	get(t, e, "/api/exchanges?limit=2", &recent)
	require.Len(t, recent, 2)
	require.Equal(t, "c.example.", recent[1].QName)

	var top []store.QNameCount
	get(t, e, "/api/top-qnames", &top)
	require.Len(t, top, 3)
}

func TestExchangesFromStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, exchange("a.example.")))
	require.NoError(t, db.Write(ctx, exchange("b.example.")))
	require.NoError(t, db.Write(ctx, exchange("b.example.")))

	e := echo.New()
	New(e, analysis.NewDNSStats(), db)

	var rows []struct {
		QName string   `json:"qname"`
		QType string   `json:"qtype"`
		RTTms *float64 `json:"rtt_ms"`
	}
	get(t, e, "/api/exchanges?limit=5", &rows)
	require.Len(t, rows, 3)
	require.Equal(t, "AAAA", rows[0].QType)
	require.NotNil(t, rows[0].RTTms)
	require.InDelta(t, 4.0, *rows[0].RTTms, 1e-9)

	var top []store.QNameCount
	get(t, e, "/api/top-qnames?limit=1", &top)
	require.Equal(t, []store.QNameCount{{QName: "b.example.", Count: 2}}, top)
}
