package decoder

import "encoding/binary"

const udpHeaderLen = 8

type udpHeader struct {
	sport, dport uint16
	payload      []byte
}

func parseUDP(b []byte) (udpHeader, error) {
	if len(b) < udpHeaderLen {
		return udpHeader{}, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[4:6]))
	payload := b[udpHeaderLen:]
	// A zero length is used by jumbograms; trust the IP length then.
	if n != 0 {
		if n < udpHeaderLen {
			return udpHeader{}, ErrMalformed
		}
		if n > len(b) {
			return udpHeader{}, ErrTruncated
		}
		payload = b[udpHeaderLen:n]
	}
	return udpHeader{
		sport:   binary.BigEndian.Uint16(b[0:2]),
		dport:   binary.BigEndian.Uint16(b[2:4]),
		payload: payload,
	}, nil
}
