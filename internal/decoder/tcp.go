package decoder

import (
	"encoding/binary"
	"net/netip"
	"slices"
	"time"
)

const (
	tcpMinHeaderLen = 20

	tcpFIN = 0x01
	tcpRST = 0x04
	tcpPSH = 0x08
)

type flowKey struct {
	src   netip.Addr
	sport uint16
	dst   netip.Addr
	dport uint16
}

// Segment is a buffered TCP payload.
type Segment struct {
	Seq  uint32
	Data []byte
}

// FlowState holds the unflushed segments of one direction of a TCP
// connection.
type FlowState struct {
	Src       netip.Addr
	SrcPort   uint16
	Dst       netip.Addr
	DstPort   uint16
	Segments  []Segment
	FirstSeen time.Time
	LastSeen  time.Time
}

func (s *FlowState) key() flowKey {
	return flowKey{src: s.Src, sport: s.SrcPort, dst: s.Dst, dport: s.DstPort}
}

type tcpHeader struct {
	sport, dport uint16
	seq          uint32
	flags        uint8
	payload      []byte
}

func parseTCP(b []byte) (tcpHeader, error) {
	if len(b) < tcpMinHeaderLen {
		return tcpHeader{}, ErrTruncated
	}
	off := int(b[12]>>4) * 4
	if off < tcpMinHeaderLen || off > len(b) {
		return tcpHeader{}, ErrMalformed
	}
	return tcpHeader{
		sport:   binary.BigEndian.Uint16(b[0:2]),
		dport:   binary.BigEndian.Uint16(b[2:4]),
		seq:     binary.BigEndian.Uint32(b[4:8]),
		flags:   b[13],
		payload: b[off:],
	}, nil
}

// tcpMessages returns the DNS message payloads completed by this segment.
func (d *Decoder) tcpMessages(h ipHeader, t tcpHeader, now time.Time) [][]byte {
	if !d.cfg.TCPReassembly {
		if len(t.payload) == 0 {
			return nil
		}
		return d.split(t.payload)
	}

	k := flowKey{src: h.src, sport: t.sport, dst: h.dst, dport: t.dport}
	if t.flags&tcpRST != 0 {
		delete(d.flows, k)
		return nil
	}
	flow := d.flows[k]
	if len(t.payload) > 0 {
		if flow == nil {
			flow = &FlowState{Src: h.src, SrcPort: t.sport, Dst: h.dst, DstPort: t.dport, FirstSeen: now}
			d.flows[k] = flow
		}
		if flow.has(t.seq, len(t.payload)) {
			d.counters.TCPRetransmits++
		} else {
			flow.Segments = append(flow.Segments, Segment{Seq: t.seq, Data: t.payload})
		}
		flow.LastSeen = now
	}

	if flow == nil || t.flags&(tcpPSH|tcpFIN) == 0 {
		return nil
	}
	delete(d.flows, k)
	stream, ok := flow.assemble()
	if !ok {
		d.counters.TCPPrefixErrors++
		d.log.Debug("tcp segment chain broken, flow discarded")
		return nil
	}
	return d.split(stream)
}

func (s *FlowState) has(seq uint32, n int) bool {
	for _, seg := range s.Segments {
		if seg.Seq == seq && len(seg.Data) == n {
			return true
		}
	}
	return false
}

// assemble orders the segments by sequence number, relative to the first
// buffered one so that wrap-around sorts correctly, and concatenates them if
// they form a contiguous chain.
func (s *FlowState) assemble() ([]byte, bool) {
	if len(s.Segments) == 0 {
		return nil, true
	}
	base := s.Segments[0].Seq
	slices.SortStableFunc(s.Segments, func(a, b Segment) int {
		return int(int32(a.Seq-base)) - int(int32(b.Seq-base))
	})

	var out []byte
	for i, seg := range s.Segments {
		if i > 0 {
			prev := s.Segments[i-1]
			if seg.Seq != prev.Seq+uint32(len(prev.Data)) {
				return nil, false
			}
		}
		out = append(out, seg.Data...)
	}
	return out, true
}

// split cuts a TCP byte stream into length-prefixed DNS messages.
func (d *Decoder) split(stream []byte) [][]byte {
	msgs, truncated := splitLengthPrefixed(stream)
	if truncated {
		d.counters.TCPTruncatedStreams++
	}
	return msgs
}

func splitLengthPrefixed(b []byte) ([][]byte, bool) {
	var msgs [][]byte
	for len(b) >= 2 {
		n := int(binary.BigEndian.Uint16(b[0:2]))
		if 2+n > len(b) {
			return msgs, true
		}
		if n > 0 {
			msgs = append(msgs, b[2:2+n])
		}
		b = b[2+n:]
	}
	return msgs, len(b) != 0
}
