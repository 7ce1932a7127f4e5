// Package decoder turns captured IP packets into DNS carrying packets. It
// owns the IP fragment table and the TCP flow table, so a Decoder must only
// be used from one goroutine.
package decoder

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/models"
	"pcapdns/internal/pcapfile"
)

// Config controls what the decoder extracts.
type Config struct {
	AllowPartial    bool
	TCPReassembly   bool
	ICMP            bool
	Ports           []uint16
	FragmentTimeout time.Duration
	FlowTimeout     time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AllowPartial:    true,
		TCPReassembly:   true,
		Ports:           []uint16{53},
		FragmentTimeout: 10 * time.Minute,
		FlowTimeout:     10 * time.Minute,
	}
}

// Counters are the decoder's running totals.
type Counters struct {
	Packets             int64
	IPv4                int64
	IPv6                int64
	UDP                 int64
	TCP                 int64
	ICMP                int64
	Other               int64
	NonDNS              int64
	Malformed           int64
	Fragments           int64
	Reassembled         int64
	FragmentErrors      int64
	TCPRetransmits      int64
	TCPPrefixErrors     int64
	TCPTruncatedStreams int64
	DNSMessages         int64
	DNSDecodeErrors     int64
	EvictedFragments    int64
	EvictedFlows        int64
}

// Decoder decodes IP packets into models.Packet values.
type Decoder struct {
	cfg   Config
	mode  dnsmsg.Mode
	ports map[uint16]struct{}
	log   *zap.Logger

	fragments map[fragKey]*FragmentState
	flows     map[flowKey]*FlowState
	counters  Counters
}

// New creates a Decoder. Zero timeouts and an empty port list fall back to
// the defaults.
func New(cfg Config, log *zap.Logger) *Decoder {
	def := DefaultConfig()
	if len(cfg.Ports) == 0 {
		cfg.Ports = def.Ports
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = def.FragmentTimeout
	}
	if cfg.FlowTimeout <= 0 {
		cfg.FlowTimeout = def.FlowTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	d := &Decoder{
		cfg:       cfg,
		mode:      dnsmsg.Strict,
		ports:     make(map[uint16]struct{}, len(cfg.Ports)),
		log:       log,
		fragments: make(map[fragKey]*FragmentState),
		flows:     make(map[flowKey]*FlowState),
	}
	if cfg.AllowPartial {
		d.mode = dnsmsg.AllowPartial
	}
	for _, p := range cfg.Ports {
		d.ports[p] = struct{}{}
	}
	return d
}

// Counters returns a copy of the running totals.
func (d *Decoder) Counters() Counters { return d.counters }

// Decode processes one frame. It returns nil without an error when the frame
// was consumed without producing a packet, for example a buffered fragment
// or a non-DNS datagram.
func (d *Decoder) Decode(f pcapfile.Frame) (*models.Packet, error) {
	d.counters.Packets++

	h, err := parseIP(f.IP, false)
	if err != nil {
		d.counters.Malformed++
		return nil, err
	}
	if h.version == 4 {
		d.counters.IPv4++
	} else {
		d.counters.IPv6++
	}

	pkt := &models.Packet{
		Timestamp:     f.Timestamp,
		TsSec:         f.Seconds,
		TsUsec:        f.Micros,
		IPVersion:     h.version,
		Protocol:      protocolName(h.proto),
		Src:           h.src,
		Dst:           h.dst,
		TTL:           h.ttl,
		DontFragment:  h.df,
		MoreFragments: h.mf,
		FragOffset:    h.offset,
		IPID:          h.id,
		Length:        h.totalLen,
	}

	proto, payload := h.proto, h.payload
	if h.fragment {
		var ok bool
		if payload, ok = d.addFragment(h, f.Timestamp); !ok {
			return nil, nil
		}
		if h.version == 6 {
			if proto, payload, err = skipExtensions(proto, payload); err != nil {
				d.counters.Malformed++
				return nil, err
			}
			pkt.Protocol = protocolName(proto)
		}
		pkt.Length = h.totalLen - len(h.payload) + len(payload)
	}

	var raw [][]byte
	switch proto {
	case layers.IPProtocolUDP:
		d.counters.UDP++
		u, err := parseUDP(payload)
		if err != nil {
			d.counters.Malformed++
			return nil, err
		}
		if !d.dnsPort(u.sport, u.dport) {
			d.counters.NonDNS++
			return nil, nil
		}
		pkt.SrcPort, pkt.DstPort, pkt.PayloadLen = u.sport, u.dport, len(u.payload)
		if len(u.payload) > 0 {
			raw = [][]byte{u.payload}
		}

	case layers.IPProtocolTCP:
		d.counters.TCP++
		t, err := parseTCP(payload)
		if err != nil {
			d.counters.Malformed++
			return nil, err
		}
		if !d.dnsPort(t.sport, t.dport) {
			d.counters.NonDNS++
			return nil, nil
		}
		pkt.SrcPort, pkt.DstPort, pkt.PayloadLen = t.sport, t.dport, len(t.payload)
		raw = d.tcpMessages(h, t, f.Timestamp)

	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		d.counters.ICMP++
		if !d.cfg.ICMP {
			return nil, nil
		}
		info, err := parseICMP(proto, payload)
		if err != nil {
			d.counters.Malformed++
			return nil, err
		}
		pkt.PayloadLen = len(payload)
		pkt.ICMP = info
		return pkt, nil

	default:
		d.counters.Other++
		return nil, nil
	}

	for _, b := range raw {
		if len(b) < dnsmsg.HeaderLen {
			d.counters.DNSDecodeErrors++
			continue
		}
		msg, err := dnsmsg.Decode(b, d.mode)
		if err != nil {
			d.counters.DNSDecodeErrors++
			d.log.Debug("dns decode failed",
				zap.Stringer("src", pkt.Src), zap.Stringer("dst", pkt.Dst), zap.Error(err))
			if msg == nil {
				continue
			}
		}
		d.counters.DNSMessages++
		pkt.Messages = append(pkt.Messages, msg)
	}
	if len(pkt.Messages) == 0 {
		return nil, nil
	}
	return pkt, nil
}

func (d *Decoder) dnsPort(sport, dport uint16) bool {
	_, s := d.ports[sport]
	_, t := d.ports[dport]
	return s || t
}

// ClearCache drops fragments and TCP flows that have waited longer than
// their timeout, measured against capture time now.
func (d *Decoder) ClearCache(now time.Time) (fragments, flows int) {
	for k, st := range d.fragments {
		if now.Sub(st.FirstSeen) > d.cfg.FragmentTimeout {
			delete(d.fragments, k)
			fragments++
		}
	}
	for k, fl := range d.flows {
		if now.Sub(fl.LastSeen) > d.cfg.FlowTimeout {
			delete(d.flows, k)
			flows++
		}
	}
	d.counters.EvictedFragments += int64(fragments)
	d.counters.EvictedFlows += int64(flows)
	return fragments, flows
}

// Fragments returns the pending fragment table ordered by first-seen time.
func (d *Decoder) Fragments() []FragmentState {
	out := make([]FragmentState, 0, len(d.fragments))
	for _, k := range slices.SortedFunc(maps.Keys(d.fragments), func(a, b fragKey) int {
		return compareTime(d.fragments[a].FirstSeen, d.fragments[b].FirstSeen, fragKeyString(a), fragKeyString(b))
	}) {
		st := *d.fragments[k]
		st.Fragments = slices.Clone(st.Fragments)
		out = append(out, st)
	}
	return out
}

// Flows returns the pending TCP flows ordered by first-seen time.
func (d *Decoder) Flows() []FlowState {
	out := make([]FlowState, 0, len(d.flows))
	for _, k := range slices.SortedFunc(maps.Keys(d.flows), func(a, b flowKey) int {
		return compareTime(d.flows[a].FirstSeen, d.flows[b].FirstSeen, flowKeyString(a), flowKeyString(b))
	}) {
		fl := *d.flows[k]
		fl.Segments = slices.Clone(fl.Segments)
		out = append(out, fl)
	}
	return out
}

// RestoreFragments loads fragment entries saved by a previous run.
func (d *Decoder) RestoreFragments(states []FragmentState) {
	for i := range states {
		st := states[i]
		d.fragments[st.key()] = &st
	}
}

// RestoreFlows loads TCP flows saved by a previous run.
func (d *Decoder) RestoreFlows(flows []FlowState) {
	for i := range flows {
		fl := flows[i]
		if fl.LastSeen.IsZero() {
			fl.LastSeen = fl.FirstSeen
		}
		d.flows[fl.key()] = &fl
	}
}

func compareTime(a, b time.Time, ka, kb string) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	return strings.Compare(ka, kb)
}

func fragKeyString(k fragKey) string {
	return fmt.Sprintf("%s>%s#%d/%d", k.src, k.dst, k.id, uint8(k.proto))
}

func flowKeyString(k flowKey) string {
	return fmt.Sprintf("%s:%d>%s:%d", k.src, k.sport, k.dst, k.dport)
}
