// Package joiner pairs DNS responses with the queries that caused them.
package joiner

import (
	"cmp"
	"net/netip"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/models"
)

// Config controls correlation.
type Config struct {
	// QueryTimeout is how long a query waits for its response, measured
	// in capture time.
	QueryTimeout time.Duration
	// ICMP forwards ICMP packets as exchanges of their own.
	ICMP bool
}

// DefaultConfig returns the default correlation settings.
func DefaultConfig() Config {
	return Config{QueryTimeout: 2 * time.Second}
}

// Counters are the joiner's running totals.
type Counters struct {
	Queries                int64
	Responses              int64
	Matched                int64
	OrphanResponses        int64
	DuplicateQueries       int64
	Expired                int64
	ExpiredWithoutQuery    int64
	SuppressedZoneTransfer int64
	ICMP                   int64
}

type key struct {
	id    uint16
	qname string
	addr  netip.Addr
	port  uint16
}

func (k key) compare(o key) int {
	return cmp.Or(
		cmp.Compare(k.id, o.id),
		strings.Compare(k.qname, o.qname),
		k.addr.Compare(o.addr),
		cmp.Compare(k.port, o.port),
	)
}

type xfrKey struct {
	id   uint16
	addr netip.Addr
	port uint16
}

// Pending is a query waiting for its response. Addr and Port identify the
// client that sent it.
type Pending struct {
	ID       uint16
	QName    string
	Addr     netip.Addr
	Port     uint16
	Query    *dnsmsg.Message
	Packet   *models.Packet
	File     string
	Inserted time.Time
}

func (p *Pending) key() key {
	return key{id: p.ID, qname: dnsmsg.CanonicalName(p.QName), addr: p.Addr, port: p.Port}
}

func (p *Pending) exchange() models.Exchange {
	return models.Exchange{Query: p.Query, QueryPacket: p.Packet, File: p.File, Expired: true}
}

// Tracker counts the responses of one zone transfer so that only the first
// one is correlated.
type Tracker struct {
	ID        uint16
	Addr      netip.Addr
	Port      uint16
	Responses int
	LastSeen  time.Time
}

// Joiner holds the pending query cache. It is not safe for concurrent use.
type Joiner struct {
	cfg Config
	log *zap.Logger

	pending  map[key]*Pending
	xfr      map[xfrKey]*Tracker
	newest   time.Time
	counters Counters
}

// New creates an empty Joiner.
func New(cfg Config, log *zap.Logger) *Joiner {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Joiner{
		cfg:     cfg,
		log:     log,
		pending: make(map[key]*Pending),
		xfr:     make(map[xfrKey]*Tracker),
	}
}

// Counters returns a copy of the running totals.
func (j *Joiner) Counters() Counters { return j.counters }

// Len returns the number of queries waiting for a response.
func (j *Joiner) Len() int { return len(j.pending) }

// Join correlates the messages of p and returns the exchanges that are
// complete as a result.
func (j *Joiner) Join(p *models.Packet, file string) []models.Exchange {
	if p.Timestamp.After(j.newest) {
		j.newest = p.Timestamp
	}

	if p.ICMP != nil {
		if !j.cfg.ICMP {
			return nil
		}
		j.counters.ICMP++
		return []models.Exchange{{ICMP: p, File: file}}
	}

	var out []models.Exchange
	for _, msg := range p.Messages {
		if msg.Header.Response {
			if ex, ok := j.response(p, msg, file); ok {
				out = append(out, ex)
			}
			continue
		}
		if ex, ok := j.query(p, msg, file); ok {
			out = append(out, ex)
		}
	}
	return out
}

func (j *Joiner) query(p *models.Packet, msg *dnsmsg.Message, file string) (models.Exchange, bool) {
	j.counters.Queries++

	q := &Pending{
		ID:       msg.Header.ID,
		QName:    msg.QName(),
		Addr:     p.Src,
		Port:     p.SrcPort,
		Query:    msg,
		Packet:   p,
		File:     file,
		Inserted: p.Timestamp,
	}
	if msg.IsZoneTransfer() {
		xk := xfrKey{id: q.ID, addr: q.Addr, port: q.Port}
		j.xfr[xk] = &Tracker{ID: q.ID, Addr: q.Addr, Port: q.Port, LastSeen: p.Timestamp}
	}

	k := q.key()
	old, dup := j.pending[k]
	j.pending[k] = q
	if !dup {
		return models.Exchange{}, false
	}
	j.counters.DuplicateQueries++
	if old.Query == nil {
		j.counters.ExpiredWithoutQuery++
		return models.Exchange{}, false
	}
	return old.exchange(), true
}

func (j *Joiner) response(p *models.Packet, msg *dnsmsg.Message, file string) (models.Exchange, bool) {
	j.counters.Responses++

	if tr, ok := j.xfr[xfrKey{id: msg.Header.ID, addr: p.Dst, port: p.DstPort}]; ok {
		tr.Responses++
		tr.LastSeen = p.Timestamp
		if tr.Responses > 1 {
			j.counters.SuppressedZoneTransfer++
			return models.Exchange{}, false
		}
	}

	k := key{id: msg.Header.ID, qname: dnsmsg.CanonicalName(msg.QName()), addr: p.Dst, port: p.DstPort}
	q, ok := j.pending[k]
	if !ok {
		j.counters.OrphanResponses++
		j.log.Debug("response without query",
			zap.Uint16("id", msg.Header.ID), zap.String("qname", msg.QName()), zap.Stringer("client", p.Dst))
		return models.Exchange{Response: msg, ResponsePacket: p, File: file}, true
	}
	delete(j.pending, k)
	if q.Query == nil {
		// Restored entry whose query did not survive decoding.
		j.counters.OrphanResponses++
		return models.Exchange{Response: msg, ResponsePacket: p, File: file}, true
	}
	j.counters.Matched++
	return models.Exchange{
		Query:          q.Query,
		QueryPacket:    q.Packet,
		Response:       msg,
		ResponsePacket: p,
		File:           file,
	}, true
}

// Purge expires queries that have waited longer than the query timeout,
// relative to the newest capture time seen, and drops idle zone transfer
// trackers. Call it after each file.
func (j *Joiner) Purge() []models.Exchange {
	return j.expire(func(t time.Time) bool { return j.newest.Sub(t) > j.cfg.QueryTimeout })
}

// Drain expires every pending query and tracker regardless of age.
func (j *Joiner) Drain() []models.Exchange {
	return j.expire(func(time.Time) bool { return true })
}

func (j *Joiner) expire(stale func(time.Time) bool) []models.Exchange {
	var expired []*Pending
	for k, q := range j.pending {
		if stale(q.Inserted) {
			delete(j.pending, k)
			expired = append(expired, q)
		}
	}
	for k, tr := range j.xfr {
		if stale(tr.LastSeen) {
			delete(j.xfr, k)
		}
	}
	sortPending(expired)

	var out []models.Exchange
	for _, q := range expired {
		if q.Query == nil {
			j.counters.ExpiredWithoutQuery++
			continue
		}
		j.counters.Expired++
		out = append(out, q.exchange())
	}
	return out
}

// Pending returns the waiting queries ordered by insertion time.
func (j *Joiner) Pending() []Pending {
	list := make([]*Pending, 0, len(j.pending))
	for _, q := range j.pending {
		list = append(list, q)
	}
	sortPending(list)
	out := make([]Pending, len(list))
	for i, q := range list {
		out[i] = *q
	}
	return out
}

// Trackers returns the active zone transfer trackers.
func (j *Joiner) Trackers() []Tracker {
	out := make([]Tracker, 0, len(j.xfr))
	for _, tr := range j.xfr {
		out = append(out, *tr)
	}
	slices.SortFunc(out, func(a, b Tracker) int {
		return cmp.Or(a.LastSeen.Compare(b.LastSeen), cmp.Compare(a.ID, b.ID), a.Addr.Compare(b.Addr), cmp.Compare(a.Port, b.Port))
	})
	return out
}

// Restore loads queries and trackers saved by a previous run.
func (j *Joiner) Restore(pending []Pending, trackers []Tracker) {
	for i := range pending {
		q := pending[i]
		j.pending[q.key()] = &q
		if q.Inserted.After(j.newest) {
			j.newest = q.Inserted
		}
	}
	for i := range trackers {
		tr := trackers[i]
		j.xfr[xfrKey{id: tr.ID, addr: tr.Addr, port: tr.Port}] = &tr
	}
}

func sortPending(list []*Pending) {
	slices.SortFunc(list, func(a, b *Pending) int {
		if c := a.Inserted.Compare(b.Inserted); c != 0 {
			return c
		}
		return a.key().compare(b.key())
	})
}
