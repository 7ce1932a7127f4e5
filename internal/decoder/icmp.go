package decoder

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"pcapdns/internal/models"
)

const icmpHeaderLen = 8

// isICMPError reports whether the message quotes the datagram that caused
// it.
func isICMPError(proto layers.IPProtocol, typ uint8) bool {
	if proto == layers.IPProtocolICMPv6 {
		return typ >= 1 && typ <= 4
	}
	switch typ {
	case 3, 4, 5, 11, 12:
		return true
	}
	return false
}

func parseICMP(proto layers.IPProtocol, b []byte) (*models.ICMPInfo, error) {
	if len(b) < icmpHeaderLen {
		return nil, ErrTruncated
	}
	info := &models.ICMPInfo{Type: b[0], Code: b[1]}
	if !isICMPError(proto, info.Type) {
		return info, nil
	}
	h, err := parseIP(b[icmpHeaderLen:], true)
	if err != nil {
		// The quoted datagram is optional detail; keep the ICMP header.
		return info, nil
	}
	quoted := &models.Packet{
		IPVersion: h.version,
		Protocol:  protocolName(h.proto),
		Src:       h.src,
		Dst:       h.dst,
		TTL:       h.ttl,
		IPID:      h.id,
		Length:    h.totalLen,
	}
	if (h.proto == layers.IPProtocolUDP || h.proto == layers.IPProtocolTCP) && len(h.payload) >= 4 && h.offset == 0 {
		quoted.SrcPort = binary.BigEndian.Uint16(h.payload[0:2])
		quoted.DstPort = binary.BigEndian.Uint16(h.payload[2:4])
	}
	info.Embedded = quoted
	return info, nil
}

func protocolName(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolUDP:
		return models.ProtoUDP
	case layers.IPProtocolTCP:
		return models.ProtoTCP
	case layers.IPProtocolICMPv4:
		return models.ProtoICMP
	case layers.IPProtocolICMPv6:
		return models.ProtoICMPv6
	}
	return p.String()
}
