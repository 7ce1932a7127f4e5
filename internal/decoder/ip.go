package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"
)

var (
	ErrMalformed = errors.New("decoder: malformed packet")
	ErrTruncated = errors.New("decoder: truncated packet")
)

const (
	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
	ipv6FragHdrLen   = 8
)

// ipHeader is the part of an IPv4 or IPv6 header the decoder needs.
type ipHeader struct {
	version  int
	src, dst netip.Addr
	proto    layers.IPProtocol
	ttl      uint8
	id       uint32
	df, mf   bool
	offset   int
	totalLen int

	// fragment is set when the datagram is one piece of a larger one.
	fragment bool
	payload  []byte
}

func parseIP(b []byte, quoted bool) (ipHeader, error) {
	if len(b) == 0 {
		return ipHeader{}, ErrTruncated
	}
	switch b[0] >> 4 {
	case 4:
		return parseIPv4(b, quoted)
	case 6:
		return parseIPv6(b, quoted)
	}
	return ipHeader{}, fmt.Errorf("ip version %d: %w", b[0]>>4, ErrMalformed)
}

// parseIPv4 decodes an IPv4 header. A quoted header, as found inside ICMP
// errors, may claim a total length beyond the bytes present.
func parseIPv4(b []byte, quoted bool) (ipHeader, error) {
	if len(b) < ipv4MinHeaderLen {
		return ipHeader{}, ErrTruncated
	}
	ihl := int(b[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen {
		return ipHeader{}, fmt.Errorf("ipv4 header length %d: %w", ihl, ErrMalformed)
	}
	if ihl > len(b) {
		return ipHeader{}, ErrTruncated
	}
	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < ihl {
		return ipHeader{}, fmt.Errorf("ipv4 total length %d: %w", total, ErrMalformed)
	}
	if total > len(b) {
		if !quoted {
			return ipHeader{}, ErrTruncated
		}
		total = len(b)
	}

	flags := binary.BigEndian.Uint16(b[6:8])
	h := ipHeader{
		version:  4,
		src:      netip.AddrFrom4([4]byte(b[12:16])),
		dst:      netip.AddrFrom4([4]byte(b[16:20])),
		proto:    layers.IPProtocol(b[9]),
		ttl:      b[8],
		id:       uint32(binary.BigEndian.Uint16(b[4:6])),
		df:       flags&0x4000 != 0,
		mf:       flags&0x2000 != 0,
		offset:   int(flags&0x1FFF) * 8,
		totalLen: total,
		payload:  b[ihl:total],
	}
	h.fragment = h.mf || h.offset > 0
	return h, nil
}

func parseIPv6(b []byte, quoted bool) (ipHeader, error) {
	if len(b) < ipv6HeaderLen {
		return ipHeader{}, ErrTruncated
	}
	total := ipv6HeaderLen + int(binary.BigEndian.Uint16(b[4:6]))
	if total > len(b) {
		if !quoted {
			return ipHeader{}, ErrTruncated
		}
		total = len(b)
	}

	h := ipHeader{
		version:  6,
		src:      netip.AddrFrom16([16]byte(b[8:24])),
		dst:      netip.AddrFrom16([16]byte(b[24:40])),
		ttl:      b[7],
		totalLen: total,
	}

	next, payload, err := skipExtensions(layers.IPProtocol(b[6]), b[ipv6HeaderLen:total])
	if err != nil {
		return ipHeader{}, err
	}
	if next == layers.IPProtocolIPv6Fragment {
		if len(payload) < ipv6FragHdrLen {
			return ipHeader{}, ErrTruncated
		}
		field := binary.BigEndian.Uint16(payload[2:4])
		h.fragment = true
		h.offset = int(field>>3) * 8
		h.mf = field&0x1 != 0
		h.id = binary.BigEndian.Uint32(payload[4:8])
		next = layers.IPProtocol(payload[0])
		payload = payload[ipv6FragHdrLen:]
	}
	h.proto = next
	h.payload = payload
	return h, nil
}

// skipExtensions walks hop-by-hop, routing and destination options headers
// and stops at the first other header, including a fragment header.
func skipExtensions(next layers.IPProtocol, b []byte) (layers.IPProtocol, []byte, error) {
	for {
		switch next {
		case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Destination:
		default:
			return next, b, nil
		}
		if len(b) < 2 {
			return 0, nil, ErrTruncated
		}
		n := (int(b[1]) + 1) * 8
		if n > len(b) {
			return 0, nil, ErrTruncated
		}
		next = layers.IPProtocol(b[0])
		b = b[n:]
	}
}
