package analysis

import (
	"fmt"
	"sync"
	"time"

	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/models"
)

// AnomalyType represents the type of anomaly detected.
type AnomalyType string

const (
	AnomalyNXDomainFlood AnomalyType = "NXDOMAIN_FLOOD"
	AnomalyOrphanFlood   AnomalyType = "ORPHAN_FLOOD"
	AnomalyUnanswered    AnomalyType = "UNANSWERED_SERVER"
)

// Config holds configuration for the anomaly detector. All windows are
// measured in capture time.
type Config struct {
	NXDomainThreshold  int           // NXDOMAIN responses per second per client
	OrphanThreshold    int           // Orphan responses per second
	UnansweredCooldown time.Duration // Cooldown for unanswered server alerts
	CleanupInterval    time.Duration // Interval for memory cleanup
	DataRetention      time.Duration // How long to keep tracking data
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NXDomainThreshold:  100,
		OrphanThreshold:    50,
		UnansweredCooldown: 10 * time.Second,
		CleanupInterval:    1 * time.Minute,
		DataRetention:      5 * time.Minute,
	}
}

// Alert represents a detected anomaly.
type Alert struct {
	Type      AnomalyType
	Source    string // IP or source identifier
	Message   string // Human-readable description
	Timestamp time.Time
}

// AnomalyDetector watches correlated exchanges for suspicious patterns.
type AnomalyDetector struct {
	mu sync.Mutex

	config Config

	// Orphan flood (possible spoofing or reflection)
	orphanCount  int
	orphanWindow time.Time

	// Servers that let queries expire (throttling)
	unansweredAlerts map[string]time.Time

	// NXDOMAIN rate per client
	nxCount  map[string]int
	nxWindow map[string]time.Time

	alerts    []Alert
	maxAlerts int

	lastCleanup time.Time
}

// NewAnomalyDetector creates a new anomaly detection engine.
func NewAnomalyDetector(cfg Config) *AnomalyDetector {
	return &AnomalyDetector{
		config:           cfg,
		unansweredAlerts: make(map[string]time.Time),
		nxCount:          make(map[string]int),
		nxWindow:         make(map[string]time.Time),
		alerts:           make([]Alert, 0),
		maxAlerts:        20,
	}
}

// ProcessExchange analyzes an exchange for anomalies.
func (ad *AnomalyDetector) ProcessExchange(ex models.Exchange) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	now := ex.Time()
	if ex.ResponsePacket != nil {
		now = ex.ResponsePacket.Timestamp
	}
	if ad.lastCleanup.IsZero() {
		ad.lastCleanup = now
	}
	if now.Sub(ad.lastCleanup) > ad.config.CleanupInterval {
		ad.cleanup(now)
		ad.lastCleanup = now
	}

	ad.detectOrphanFlood(ex, now)
	ad.detectUnanswered(ex, now)
	ad.detectNXDomainFlood(ex, now)
}

// cleanup removes old entries to prevent memory leaks.
func (ad *AnomalyDetector) cleanup(now time.Time) {
	for key, lastAlert := range ad.unansweredAlerts {
		if now.Sub(lastAlert) > ad.config.DataRetention {
			delete(ad.unansweredAlerts, key)
		}
	}
	for ip, windowStart := range ad.nxWindow {
		if now.Sub(windowStart) > ad.config.DataRetention {
			delete(ad.nxWindow, ip)
			delete(ad.nxCount, ip)
		}
	}
}

func (ad *AnomalyDetector) detectOrphanFlood(ex models.Exchange, now time.Time) {
	if !ex.Orphan() {
		return
	}
	if now.Sub(ad.orphanWindow) > time.Second {
		ad.orphanCount = 0
		ad.orphanWindow = now
	}
	ad.orphanCount++

	if ad.orphanCount > ad.config.OrphanThreshold {
		server, _ := ex.Server()
		ad.addAlert(Alert{
			Type:      AnomalyOrphanFlood,
			Source:    server.String(),
			Message:   fmt.Sprintf("%d responses without a query in 1 second", ad.orphanCount),
			Timestamp: now,
		})
		ad.orphanCount = 0
		ad.orphanWindow = now
	}
}

func (ad *AnomalyDetector) detectUnanswered(ex models.Exchange, now time.Time) {
	if !ex.Expired || ex.QueryPacket == nil {
		return
	}
	addr, port := ex.Server()
	key := fmt.Sprintf("%s:%d", addr, port)
	lastAlert, exists := ad.unansweredAlerts[key]
	if exists && now.Sub(lastAlert) <= ad.config.UnansweredCooldown {
		return
	}
	ad.addAlert(Alert{
		Type:      AnomalyUnanswered,
		Source:    addr.String(),
		Message:   fmt.Sprintf("Query for %s to %s (%s) got no response", ex.Query.QName(), key, GetServiceName(int(port))),
		Timestamp: now,
	})
	ad.unansweredAlerts[key] = now
}

func (ad *AnomalyDetector) detectNXDomainFlood(ex models.Exchange, now time.Time) {
	if ex.Response == nil || ex.Response.Header.Rcode != dnsmsg.RcodeNameError {
		return
	}
	addr, _ := ex.Client()
	client := addr.String()

	if start, exists := ad.nxWindow[client]; !exists || now.Sub(start) > time.Second {
		ad.nxCount[client] = 0
		ad.nxWindow[client] = now
	}
	ad.nxCount[client]++

	if ad.nxCount[client] > ad.config.NXDomainThreshold {
		ad.addAlert(Alert{
			Type:      AnomalyNXDomainFlood,
			Source:    client,
			Message:   fmt.Sprintf("%s received %d NXDOMAIN answers in 1 second", client, ad.nxCount[client]),
			Timestamp: now,
		})
		ad.nxCount[client] = 0
		ad.nxWindow[client] = now
	}
}

// addAlert adds an alert to the history (circular buffer).
func (ad *AnomalyDetector) addAlert(alert Alert) {
	ad.alerts = append(ad.alerts, alert)
	if len(ad.alerts) > ad.maxAlerts {
		ad.alerts = ad.alerts[len(ad.alerts)-ad.maxAlerts:]
	}
}

// GetRecentAlerts returns the most recent alerts, newest last.
func (ad *AnomalyDetector) GetRecentAlerts(limit int) []Alert {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	start := 0
	if len(ad.alerts) > limit {
		start = len(ad.alerts) - limit
	}
	result := make([]Alert, len(ad.alerts)-start)
	copy(result, ad.alerts[start:])
	return result
}
