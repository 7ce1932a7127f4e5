// Package api exposes run statistics and stored exchanges over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pcapdns/internal/analysis"
	"pcapdns/internal/decoder"
	"pcapdns/internal/joiner"
	"pcapdns/internal/store"
)

type API struct {
	stats *analysis.DNSStats
	db    *store.DB
}

// New registers the routes on e. db may be nil, in which case exchanges
// and names come from the in-memory statistics.
func New(e *echo.Echo, stats *analysis.DNSStats, db *store.DB) *API {
	a := &API{stats: stats, db: db}
	e.GET("/api/stats", a.getStats)
	e.GET("/api/exchanges", a.getExchanges)
	e.GET("/api/top-qnames", a.getTopQNames)
	e.GET("/api/alerts", a.getAlerts)
	return a
}

// Serve runs e on addr until ctx is cancelled.
func Serve(ctx context.Context, e *echo.Echo, addr string, log *zap.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", zap.Error(err))
		}
	}()

	log.Info("starting http server", zap.String("listen", addr))
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type counters struct {
	Exchanges int64   `json:"exchanges"`
	Answered  int64   `json:"answered"`
	Orphans   int64   `json:"orphans"`
	Expired   int64   `json:"expired"`
	ICMP      int64   `json:"icmp"`
	Pending   int     `json:"pending"`
	AvgRTTms  float64 `json:"avg_rtt_ms"`
}

type fileRow struct {
	Name      string `json:"name"`
	Frames    int    `json:"frames"`
	Skipped   int    `json:"skipped"`
	Exchanges int64  `json:"exchanges"`
	Error     string `json:"error,omitempty"`
}

type statsResponse struct {
	Counters    counters            `json:"counters"`
	Decoder     decoder.Counters    `json:"decoder"`
	Joiner      joiner.Counters     `json:"joiner"`
	Rcodes      []analysis.NameStat `json:"rcodes"`
	QTypes      []analysis.NameStat `json:"qtypes"`
	TopClients  []analysis.NameStat `json:"top_clients"`
	Files       []fileRow           `json:"files"`
	CurrentFile string              `json:"current_file,omitempty"`
}

func (a *API) getStats(c echo.Context) error {
	snap := a.stats.Snapshot()
	resp := statsResponse{
		Counters: counters{
			Exchanges: snap.Exchanges,
			Answered:  snap.Answered,
			Orphans:   snap.Orphans,
			Expired:   snap.Expired,
			ICMP:      snap.ICMP,
			Pending:   snap.Pending,
			AvgRTTms:  float64(snap.AvgRTT) / float64(time.Millisecond),
		},
		Decoder:     snap.Decoder,
		Joiner:      snap.Joiner,
		Rcodes:      a.stats.GetRcodeStats(),
		QTypes:      a.stats.GetQTypeStats(),
		TopClients:  a.stats.GetTopClients(10),
		Files:       make([]fileRow, 0, len(snap.Files)),
		CurrentFile: snap.CurrentFile,
	}
	for _, f := range snap.Files {
		row := fileRow{Name: f.Name, Frames: f.Frames, Skipped: f.Skipped, Exchanges: f.Exchanges}
		if f.Err != nil {
			row.Error = f.Err.Error()
		}
		resp.Files = append(resp.Files, row)
	}
	return c.JSON(http.StatusOK, resp)
}

type exchangeRow struct {
	store.ExchangeRow
	RTTms        *float64 `json:"rtt_ms,omitempty"`
	EDNSUDPSize  *int64   `json:"edns_udp_size,omitempty"`
	ClientSubnet string   `json:"client_subnet,omitempty"`
}

func (a *API) getExchanges(c echo.Context) error {
	limit := queryInt(c, "limit", 200)

	if a.db == nil {
		recent := a.stats.GetRecent()
		if len(recent) > limit {
			recent = recent[len(recent)-limit:]
		}
		return c.JSON(http.StatusOK, recent)
	}

	rows, err := a.db.ListExchanges(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]exchangeRow, 0, len(rows))
	for _, r := range rows {
		row := exchangeRow{ExchangeRow: r}
		if r.RTTms.Valid {
			row.RTTms = &r.RTTms.Float64
		}
		if r.EDNSUDPSize.Valid {
			row.EDNSUDPSize = &r.EDNSUDPSize.Int64
		}
		if r.ClientSubnet.Valid {
			row.ClientSubnet = r.ClientSubnet.String
		}
		out = append(out, row)
	}
	return c.JSON(http.StatusOK, out)
}

func (a *API) getTopQNames(c echo.Context) error {
	limit := queryInt(c, "limit", 10)

	if a.db == nil {
		out := make([]store.QNameCount, 0, limit)
		for _, s := range a.stats.GetTopQNames(limit) {
			out = append(out, store.QNameCount{QName: s.Name, Count: s.Count})
		}
		return c.JSON(http.StatusOK, out)
	}

	rows, err := a.db.TopQNames(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, rows)
}

func (a *API) getAlerts(c echo.Context) error {
	return c.JSON(http.StatusOK, a.stats.GetAlerts(queryInt(c, "limit", 20)))
}

func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
