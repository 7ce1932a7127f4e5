package analysis

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pcapdns/internal/decoder"
	"pcapdns/internal/joiner"
	"pcapdns/internal/models"
)

// Exchange outcomes used in the recent log.
const (
	StatusAnswered = "answered"
	StatusOrphan   = "orphan"
	StatusExpired  = "expired"
	StatusICMP     = "icmp"
)

// NameStat holds a count for a single name, address or code.
type NameStat struct {
	Name  string
	Count int64
}

// ExchangeEntry is one line of the recent exchange log.
type ExchangeEntry struct {
	Timestamp time.Time
	Client    string
	Server    string
	Protocol  string
	Service   string
	QName     string
	QType     string
	Rcode     string
	RTT       time.Duration
	Status    string
}

// FileStat describes one processed input file.
type FileStat struct {
	Name      string
	Frames    int
	Skipped   int
	Exchanges int64
	Err       error
	Duration  time.Duration
}

// Snapshot is a consistent copy of all counters.
type Snapshot struct {
	Exchanges int64
	Answered  int64
	Orphans   int64
	Expired   int64
	ICMP      int64
	AvgRTT    time.Duration

	Decoder decoder.Counters
	Joiner  joiner.Counters

	Files       []FileStat
	CurrentFile string
	Pending     int
	Started     time.Time
}

// DNSStats aggregates exchanges and the counters of the processing stages.
// It is safe for concurrent use.
type DNSStats struct {
	mu             sync.Mutex
	exchanges      int64
	answered       int64
	orphans        int64
	expired        int64
	icmp           int64
	windowCount    int64
	lastTick       time.Time
	rttTotal       time.Duration
	rttCount       int64
	rcodeCounts    map[string]int64
	qtypeCounts    map[string]int64
	qnameCounts    map[string]int64
	clientQueries  map[string]int64
	decoder        decoder.Counters
	joiner         joiner.Counters
	pending        int
	files          []FileStat
	currentFile    string
	currentStarted time.Time
	started        time.Time

	recent    []ExchangeEntry
	maxRecent int

	anomalyDetector *AnomalyDetector
}

// NewDNSStats creates a new DNSStats instance.
func NewDNSStats() *DNSStats {
	now := time.Now()
	return &DNSStats{
		lastTick:        now,
		started:         now,
		rcodeCounts:     make(map[string]int64),
		qtypeCounts:     make(map[string]int64),
		qnameCounts:     make(map[string]int64),
		clientQueries:   make(map[string]int64),
		recent:          make([]ExchangeEntry, 0),
		maxRecent:       50,
		anomalyDetector: NewAnomalyDetector(DefaultConfig()),
	}
}

// ProcessExchange updates stats with a new exchange.
func (s *DNSStats) ProcessExchange(ex models.Exchange) {
	s.mu.Lock()

	s.exchanges++
	s.windowCount++

	entry := ExchangeEntry{Timestamp: ex.Time(), Protocol: ex.Protocol()}
	client, _ := ex.Client()
	server, sport := ex.Server()
	if client.IsValid() {
		entry.Client = client.String()
	}
	if server.IsValid() {
		entry.Server = server.String()
		entry.Service = GetServiceName(int(sport))
	}

	switch {
	case ex.ICMP != nil:
		s.icmp++
		entry.Status = StatusICMP
	case ex.Expired:
		s.expired++
		entry.Status = StatusExpired
	case ex.Orphan():
		s.orphans++
		entry.Status = StatusOrphan
	default:
		s.answered++
		entry.Status = StatusAnswered
	}

	if msg := ex.Message(); msg != nil {
		entry.QName = strings.ToLower(msg.QName())
		if len(msg.Questions) > 0 {
			entry.QType = msg.QType().String()
			s.qtypeCounts[entry.QType]++
		}
		if entry.QName != "" {
			s.qnameCounts[entry.QName]++
		}
	}
	if ex.Query != nil && entry.Client != "" {
		s.clientQueries[entry.Client]++
	}
	if ex.Response != nil {
		entry.Rcode = ex.Response.ExtendedRcode().String()
		s.rcodeCounts[entry.Rcode]++
	}
	if rtt, ok := ex.RTT(); ok {
		entry.RTT = rtt
		s.rttTotal += rtt
		s.rttCount++
	}

	s.recent = append(s.recent, entry)
	if len(s.recent) > s.maxRecent {
		s.recent = s.recent[len(s.recent)-s.maxRecent:]
	}
	if s.currentFile != "" && len(s.files) > 0 {
		s.files[len(s.files)-1].Exchanges++
	}

	// The detector has its own mutex.
	s.mu.Unlock()
	s.anomalyDetector.ProcessExchange(ex)
}

// UpdateDecoder records the latest decoder totals.
func (s *DNSStats) UpdateDecoder(c decoder.Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoder = c
}

// UpdateJoiner records the latest joiner totals and pending cache size.
func (s *DNSStats) UpdateJoiner(c joiner.Counters, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joiner = c
	s.pending = pending
}

// FileStarted marks name as the file in progress.
func (s *DNSStats) FileStarted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentFile = name
	s.currentStarted = time.Now()
	s.files = append(s.files, FileStat{Name: name})
}

// FileFinished records the outcome of the file in progress.
func (s *DNSStats) FileFinished(frames, skipped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.files) == 0 {
		return
	}
	f := &s.files[len(s.files)-1]
	f.Frames = frames
	f.Skipped = skipped
	f.Err = err
	f.Duration = time.Since(s.currentStarted)
	s.currentFile = ""
}

// GetRates returns the exchange rate per second since the last call.
func (s *DNSStats) GetRates() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	duration := now.Sub(s.lastTick).Seconds()
	if duration == 0 {
		return 0
	}
	rate := float64(s.windowCount) / duration

	s.windowCount = 0
	s.lastTick = now
	return rate
}

// GetTopQNames returns the N most frequent query names.
func (s *DNSStats) GetTopQNames(limit int) []NameStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return top(s.qnameCounts, limit)
}

// GetTopClients returns the N clients that sent the most queries.
func (s *DNSStats) GetTopClients(limit int) []NameStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return top(s.clientQueries, limit)
}

// GetRcodeStats returns the response code distribution.
func (s *DNSStats) GetRcodeStats() []NameStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return top(s.rcodeCounts, len(s.rcodeCounts))
}

// GetQTypeStats returns the query type distribution.
func (s *DNSStats) GetQTypeStats() []NameStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return top(s.qtypeCounts, len(s.qtypeCounts))
}

// GetRecent returns the most recent exchanges, newest last.
func (s *DNSStats) GetRecent() []ExchangeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]ExchangeEntry, len(s.recent))
	copy(result, s.recent)
	return result
}

// GetAlerts returns the most recent anomaly alerts.
func (s *DNSStats) GetAlerts(limit int) []Alert {
	return s.anomalyDetector.GetRecentAlerts(limit)
}

// Snapshot returns a copy of every counter.
func (s *DNSStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Exchanges:   s.exchanges,
		Answered:    s.answered,
		Orphans:     s.orphans,
		Expired:     s.expired,
		ICMP:        s.icmp,
		Decoder:     s.decoder,
		Joiner:      s.joiner,
		Files:       append([]FileStat(nil), s.files...),
		CurrentFile: s.currentFile,
		Pending:     s.pending,
		Started:     s.started,
	}
	if s.rttCount > 0 {
		snap.AvgRTT = s.rttTotal / time.Duration(s.rttCount)
	}
	return snap
}

// top sorts counts descending, ties by name, and keeps the first limit.
func top(counts map[string]int64, limit int) []NameStat {
	stats := make([]NameStat, 0, len(counts))
	for name, n := range counts {
		stats = append(stats, NameStat{Name: name, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Name < stats[j].Name
	})
	if len(stats) > limit {
		return stats[:limit]
	}
	return stats
}
