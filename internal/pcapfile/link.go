package pcapfile

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
)

const (
	linkTypeRawBSD layers.LinkType = 12

	ethernetHeaderLen = 14
	vlanTagLen        = 4
	sllHeaderLen      = 16
	nullHeaderLen     = 4

	ethernetTypeQinQ layers.EthernetType = 0x88a8
)

func supported(lt layers.LinkType) bool {
	switch lt {
	case layers.LinkTypeNull, layers.LinkTypeEthernet, layers.LinkTypeRaw, linkTypeRawBSD,
		layers.LinkTypeLoop, layers.LinkTypeLinuxSLL, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return true
	}
	return false
}

// stripLinkLayer returns the part of data starting at the IP header, or
// false when the frame does not carry IPv4 or IPv6.
func stripLinkLayer(lt layers.LinkType, data []byte) ([]byte, bool) {
	var start int
	switch lt {
	case layers.LinkTypeEthernet:
		if len(data) < ethernetHeaderLen {
			return nil, false
		}
		etherType := layers.EthernetType(binary.BigEndian.Uint16(data[12:14]))
		start = ethernetHeaderLen
		for etherType == layers.EthernetTypeDot1Q || etherType == ethernetTypeQinQ {
			if len(data) < start+vlanTagLen {
				return nil, false
			}
			etherType = layers.EthernetType(binary.BigEndian.Uint16(data[start+2 : start+4]))
			start += vlanTagLen
		}
		if etherType != layers.EthernetTypeIPv4 && etherType != layers.EthernetTypeIPv6 {
			return nil, false
		}
	case layers.LinkTypeLinuxSLL:
		if len(data) < sllHeaderLen {
			return nil, false
		}
		proto := layers.EthernetType(binary.BigEndian.Uint16(data[14:16]))
		if proto != layers.EthernetTypeIPv4 && proto != layers.EthernetTypeIPv6 {
			return nil, false
		}
		start = sllHeaderLen
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		start = nullHeaderLen
	case layers.LinkTypeRaw, linkTypeRawBSD, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		start = 0
	default:
		return nil, false
	}

	if len(data) <= start {
		return nil, false
	}
	ip := data[start:]
	switch ip[0] >> 4 {
	case 4, 6:
		return ip, true
	}
	return nil, false
}

// trimToIPLength drops link layer trailers, such as the padding of short
// Ethernet frames, using the length in the IP header.
func trimToIPLength(ip []byte) []byte {
	switch ip[0] >> 4 {
	case 4:
		if len(ip) < 4 {
			return ip
		}
		total := int(binary.BigEndian.Uint16(ip[2:4]))
		if total >= 20 && total < len(ip) {
			return ip[:total]
		}
	case 6:
		if len(ip) < 6 {
			return ip
		}
		total := 40 + int(binary.BigEndian.Uint16(ip[4:6]))
		if total < len(ip) {
			return ip[:total]
		}
	}
	return ip
}
