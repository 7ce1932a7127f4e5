package models

import (
	"net/netip"
	"time"

	"pcapdns/internal/dnsmsg"
)

// Transport protocols carried by a Packet.
const (
	ProtoUDP    = "udp"
	ProtoTCP    = "tcp"
	ProtoICMP   = "icmp"
	ProtoICMPv6 = "icmpv6"
)

// Packet holds the decoded metadata of one IP datagram (or reassembled TCP
// stream chunk) together with the DNS messages found in its payload.
type Packet struct {
	Timestamp time.Time
	TsSec     uint32
	TsUsec    uint32

	IPVersion int
	Protocol  string
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16

	TTL           uint8
	DontFragment  bool
	MoreFragments bool
	FragOffset    int
	IPID          uint32

	// Length is the IP total length, PayloadLen the transport payload length.
	Length     int
	PayloadLen int

	Messages []*dnsmsg.Message
	ICMP     *ICMPInfo
}

// ICMPInfo describes an ICMP error and the datagram it quotes.
type ICMPInfo struct {
	Type uint8
	Code uint8
	// Embedded is the quoted original datagram, when it could be parsed.
	Embedded *Packet
}

// Exchange is the unit handed to sinks: a query and its response, a
// response without a query, a query that never got a response, or a
// forwarded ICMP packet.
type Exchange struct {
	Query          *dnsmsg.Message
	QueryPacket    *Packet
	Response       *dnsmsg.Message
	ResponsePacket *Packet
	ICMP           *Packet

	File    string
	Expired bool
}

// Orphan reports a response without a matching query.
func (e Exchange) Orphan() bool {
	return e.Query == nil && e.Response != nil
}

// RTT is the capture-time difference between query and response.
func (e Exchange) RTT() (time.Duration, bool) {
	if e.QueryPacket == nil || e.ResponsePacket == nil {
		return 0, false
	}
	return e.ResponsePacket.Timestamp.Sub(e.QueryPacket.Timestamp), true
}

// Time returns the capture time of the earliest packet in the exchange.
func (e Exchange) Time() time.Time {
	switch {
	case e.QueryPacket != nil:
		return e.QueryPacket.Timestamp
	case e.ResponsePacket != nil:
		return e.ResponsePacket.Timestamp
	case e.ICMP != nil:
		return e.ICMP.Timestamp
	}
	return time.Time{}
}

// Client returns the address and port of the querying side.
func (e Exchange) Client() (netip.Addr, uint16) {
	switch {
	case e.QueryPacket != nil:
		return e.QueryPacket.Src, e.QueryPacket.SrcPort
	case e.ResponsePacket != nil:
		return e.ResponsePacket.Dst, e.ResponsePacket.DstPort
	case e.ICMP != nil:
		return e.ICMP.Src, 0
	}
	return netip.Addr{}, 0
}

// Server returns the address and port of the answering side.
func (e Exchange) Server() (netip.Addr, uint16) {
	switch {
	case e.QueryPacket != nil:
		return e.QueryPacket.Dst, e.QueryPacket.DstPort
	case e.ResponsePacket != nil:
		return e.ResponsePacket.Src, e.ResponsePacket.SrcPort
	case e.ICMP != nil:
		return e.ICMP.Dst, 0
	}
	return netip.Addr{}, 0
}

// Message returns the query if present, otherwise the response.
func (e Exchange) Message() *dnsmsg.Message {
	if e.Query != nil {
		return e.Query
	}
	return e.Response
}

// Protocol returns the transport used by the exchange.
func (e Exchange) Protocol() string {
	switch {
	case e.QueryPacket != nil:
		return e.QueryPacket.Protocol
	case e.ResponsePacket != nil:
		return e.ResponsePacket.Protocol
	case e.ICMP != nil:
		return e.ICMP.Protocol
	}
	return ""
}
