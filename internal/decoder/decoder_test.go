package decoder

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pcapdns/internal/models"
	"pcapdns/internal/pcapfile"
)

var (
	clientIP = net.IPv4(192, 0, 2, 10)
	serverIP = net.IPv4(192, 0, 2, 53)
	epoch    = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func query(id uint16, name string, qtype uint16) []byte {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	return runtimex.PanicOnError1(m.Pack())
}

// bigResponse returns a response large enough to need fragmentation.
func bigResponse(id uint16) []byte {
	m := new(dns.Msg)
	m.SetQuestion("big.example.", dns.TypeTXT)
	m.Id = id
	m.Response = true
	for i := 0; i < 4; i++ {
		rr := runtimex.PanicOnError1(dns.NewRR(`big.example. 300 IN TXT "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"`))
		m.Answer = append(m.Answer, rr)
	}
	return runtimex.PanicOnError1(m.Pack())
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ipv4(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, TTL: 64, Id: 4242, Protocol: proto, SrcIP: src, DstIP: dst}
}

func udpDatagram(t *testing.T, src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

func tcpSegment(t *testing.T, seq uint32, flags uint8, payload []byte) []byte {
	ip := ipv4(clientIP, serverIP, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 53,
		Seq:     seq,
		ACK:     true,
		PSH:     flags&tcpPSH != 0,
		FIN:     flags&tcpFIN != 0,
		RST:     flags&tcpRST != 0,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp, gopacket.Payload(payload))
}

func frameAt(ip []byte, offset time.Duration) pcapfile.Frame {
	ts := epoch.Add(offset)
	return pcapfile.Frame{
		Timestamp: ts,
		Seconds:   uint32(ts.Unix()),
		Micros:    uint32(ts.Nanosecond() / 1000),
		IP:        ip,
	}
}

func newDecoder(cfg Config) *Decoder {
	return New(cfg, zap.NewNop())
}

func TestDecodeUDPQuery(t *testing.T) {
	d := newDecoder(DefaultConfig())
	pkt, err := d.Decode(frameAt(udpDatagram(t, clientIP, serverIP, 40000, 53, query(7, "Example.COM.", dns.TypeA)), 0))
	require.NoError(t, err)
	require.NotNil(t, pkt)

	require.Equal(t, models.ProtoUDP, pkt.Protocol)
	require.Equal(t, 4, pkt.IPVersion)
	require.Equal(t, netip.MustParseAddr("192.0.2.10"), pkt.Src)
	require.Equal(t, uint16(53), pkt.DstPort)
	require.Equal(t, uint8(64), pkt.TTL)
	require.Len(t, pkt.Messages, 1)
	require.Equal(t, uint16(7), pkt.Messages[0].Header.ID)
	require.Equal(t, "Example.COM.", pkt.Messages[0].QName())
	require.Equal(t, int64(1), d.Counters().DNSMessages)
}

func TestNonDNSPortIsIgnored(t *testing.T) {
	d := newDecoder(DefaultConfig())
	pkt, err := d.Decode(frameAt(udpDatagram(t, clientIP, serverIP, 40000, 123, []byte("ntp")), 0))
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Equal(t, int64(1), d.Counters().NonDNS)

	cfg := DefaultConfig()
	cfg.Ports = []uint16{53, 5353}
	d = newDecoder(cfg)
	pkt, err = d.Decode(frameAt(udpDatagram(t, clientIP, serverIP, 5353, 5353, query(1, "printer.local.", dns.TypePTR)), 0))
	require.NoError(t, err)
	require.NotNil(t, pkt)
}

func TestDecodeErrorsAreCounted(t *testing.T) {
	wire := query(9, "example.com.", dns.TypeA)
	broken := wire[:len(wire)-3]

	d := newDecoder(DefaultConfig())
	pkt, err := d.Decode(frameAt(udpDatagram(t, clientIP, serverIP, 40000, 53, broken), 0))
	require.NoError(t, err)
	require.NotNil(t, pkt, "partial messages are kept")
	require.Equal(t, int64(1), d.Counters().DNSDecodeErrors)

	cfg := DefaultConfig()
	cfg.AllowPartial = false
	d = newDecoder(cfg)
	pkt, err = d.Decode(frameAt(udpDatagram(t, clientIP, serverIP, 40000, 53, broken), 0))
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Equal(t, int64(1), d.Counters().DNSDecodeErrors)
}

func TestMalformedIP(t *testing.T) {
	d := newDecoder(DefaultConfig())
	_, err := d.Decode(frameAt([]byte{0x45, 0, 0}, 0))
	require.ErrorIs(t, err, ErrTruncated)

	dgram := udpDatagram(t, clientIP, serverIP, 40000, 53, query(1, "example.", dns.TypeA))
	dgram[0] = 0x43 // header length below minimum
	_, err = d.Decode(frameAt(dgram, 0))
	require.ErrorIs(t, err, ErrMalformed)
	require.Equal(t, int64(2), d.Counters().Malformed)
}

// fragmentIPv4 splits the transport payload of a datagram into pieces of the
// given sizes, each a multiple of 8 except the last.
func fragmentIPv4(t *testing.T, dgram []byte, sizes ...int) [][]byte {
	payload := dgram[20:]
	var out [][]byte
	off := 0
	for i, n := range sizes {
		if i == len(sizes)-1 {
			n = len(payload) - off
		}
		ip := ipv4(serverIP, clientIP, layers.IPProtocolUDP)
		ip.FragOffset = uint16(off / 8)
		if i < len(sizes)-1 {
			ip.Flags = layers.IPv4MoreFragments
		}
		out = append(out, serialize(t, ip, gopacket.Payload(payload[off:off+n])))
		off += n
	}
	return out
}

func TestIPv4FragmentReassembly(t *testing.T) {
	wire := bigResponse(77)
	dgram := udpDatagram(t, serverIP, clientIP, 53, 40000, wire)
	frags := fragmentIPv4(t, dgram, 96, 96, 0)
	require.Len(t, frags, 3)

	d := newDecoder(DefaultConfig())
	for _, i := range []int{1, 0} {
		pkt, err := d.Decode(frameAt(frags[i], time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		require.Nil(t, pkt)
	}
	require.Len(t, d.Fragments(), 1)

	pkt, err := d.Decode(frameAt(frags[2], 2*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.Len(t, pkt.Messages, 1)
	require.Equal(t, len(wire), pkt.PayloadLen)
	require.Equal(t, len(dgram), pkt.Length)

	repacked, err := pkt.Messages[0].Pack()
	require.NoError(t, err)
	require.Equal(t, wire, repacked)

	c := d.Counters()
	require.Equal(t, int64(3), c.Fragments)
	require.Equal(t, int64(1), c.Reassembled)
	require.Empty(t, d.Fragments())
}

func TestMissingFragmentYieldsNothing(t *testing.T) {
	dgram := udpDatagram(t, serverIP, clientIP, 53, 40000, bigResponse(78))
	frags := fragmentIPv4(t, dgram, 96, 96, 0)

	d := newDecoder(DefaultConfig())
	for _, i := range []int{0, 2} {
		pkt, err := d.Decode(frameAt(frags[i], 0))
		require.NoError(t, err)
		require.Nil(t, pkt)
	}
	require.Equal(t, int64(1), d.Counters().FragmentErrors)
	require.Empty(t, d.Fragments())
}

func TestFragmentTimeout(t *testing.T) {
	dgram := udpDatagram(t, serverIP, clientIP, 53, 40000, bigResponse(79))
	frags := fragmentIPv4(t, dgram, 96, 0)

	d := newDecoder(DefaultConfig())
	_, err := d.Decode(frameAt(frags[0], 0))
	require.NoError(t, err)

	n, _ := d.ClearCache(epoch.Add(time.Minute))
	require.Zero(t, n)
	n, _ = d.ClearCache(epoch.Add(11 * time.Minute))
	require.Equal(t, 1, n)
	require.Empty(t, d.Fragments())
}

func ipv6Header(payloadLen int, next uint8, hop uint8) []byte {
	b := make([]byte, ipv6HeaderLen)
	b[0] = 0x60
	binary.BigEndian.PutUint16(b[4:6], uint16(payloadLen))
	b[6] = next
	b[7] = hop
	copy(b[8:24], netip.MustParseAddr("2001:db8::53").AsSlice())
	copy(b[24:40], netip.MustParseAddr("2001:db8::10").AsSlice())
	return b
}

func udpHeaderBytes(sport, dport uint16, payload []byte) []byte {
	b := make([]byte, udpHeaderLen, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], sport)
	binary.BigEndian.PutUint16(b[2:4], dport)
	binary.BigEndian.PutUint16(b[4:6], uint16(udpHeaderLen+len(payload)))
	return append(b, payload...)
}

func TestIPv6ExtensionHeadersAndFragments(t *testing.T) {
	wire := bigResponse(80)
	transport := udpHeaderBytes(53, 40000, wire)

	// Hop-by-hop options (8 bytes of padding) then the fragment header.
	hopByHop := []byte{uint8(layers.IPProtocolIPv6Fragment), 0, 1, 4, 0, 0, 0, 0}
	frag := func(off int, more bool, chunk []byte) []byte {
		fh := make([]byte, ipv6FragHdrLen)
		fh[0] = uint8(layers.IPProtocolUDP)
		field := uint16(off/8) << 3
		if more {
			field |= 1
		}
		binary.BigEndian.PutUint16(fh[2:4], field)
		binary.BigEndian.PutUint32(fh[4:8], 0xCAFE)
		body := append(append(append([]byte(nil), hopByHop...), fh...), chunk...)
		return append(ipv6Header(len(body), uint8(layers.IPProtocolIPv6HopByHop), 64), body...)
	}

	d := newDecoder(DefaultConfig())
	pkt, err := d.Decode(frameAt(frag(0, true, transport[:120]), 0))
	require.NoError(t, err)
	require.Nil(t, pkt)

	pkt, err = d.Decode(frameAt(frag(120, false, transport[120:]), time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.Equal(t, 6, pkt.IPVersion)
	require.Equal(t, netip.MustParseAddr("2001:db8::53"), pkt.Src)
	require.Equal(t, uint16(40000), pkt.DstPort)
	require.Len(t, pkt.Messages, 1)
	require.Equal(t, uint16(80), pkt.Messages[0].Header.ID)
}

// tcpStream is two length-prefixed queries as a client would send them.
func tcpStream() ([]byte, [][]byte) {
	msgs := [][]byte{query(1, "one.example.", dns.TypeA), query(2, "two.example.", dns.TypeAAAA)}
	var stream []byte
	for _, m := range msgs {
		stream = binary.BigEndian.AppendUint16(stream, uint16(len(m)))
		stream = append(stream, m...)
	}
	return stream, msgs
}

type chunk struct {
	seq  uint32
	data []byte
}

func cut(seq uint32, stream []byte, points ...int) []chunk {
	var out []chunk
	prev := 0
	for _, p := range append(points, len(stream)) {
		out = append(out, chunk{seq: seq + uint32(prev), data: stream[prev:p]})
		prev = p
	}
	return out
}

func TestTCPReassemblyAcrossSegments(t *testing.T) {
	stream, msgs := tcpStream()

	tests := []struct {
		name  string
		seq   uint32
		cuts  []int
		order []int
	}{
		{"split inside first prefix", 1000, []int{1, 10, len(msgs[0]) + 3}, []int{0, 1, 2, 3}},
		{"split inside second prefix", 1000, []int{len(msgs[0]) + 3}, []int{0, 1}},
		{"out of order", 5000, []int{5, 20, 40}, []int{2, 0, 1, 3}},
		{"sequence wrap", 0xFFFFFFF0, []int{8, 30}, []int{1, 0, 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newDecoder(DefaultConfig())
			chunks := cut(tc.seq, stream, tc.cuts...)
			var pkt *models.Packet
			for i, idx := range tc.order {
				var flags uint8
				if i == len(tc.order)-1 {
					flags = tcpPSH
				}
				var err error
				pkt, err = d.Decode(frameAt(tcpSegment(t, chunks[idx].seq, flags, chunks[idx].data), time.Duration(i)*time.Millisecond))
				require.NoError(t, err)
				if i < len(tc.order)-1 {
					require.Nil(t, pkt)
				}
			}
			require.NotNil(t, pkt)
			require.Len(t, pkt.Messages, 2)
			require.Equal(t, "one.example.", pkt.Messages[0].QName())
			require.Equal(t, "two.example.", pkt.Messages[1].QName())
			require.Empty(t, d.Flows())
			require.Zero(t, d.Counters().TCPPrefixErrors)
		})
	}
}

func TestTCPRetransmissionIsIgnored(t *testing.T) {
	stream, _ := tcpStream()
	chunks := cut(1, stream, 20)

	d := newDecoder(DefaultConfig())
	for _, c := range []chunk{chunks[0], chunks[0]} {
		pkt, err := d.Decode(frameAt(tcpSegment(t, c.seq, 0, c.data), 0))
		require.NoError(t, err)
		require.Nil(t, pkt)
	}
	pkt, err := d.Decode(frameAt(tcpSegment(t, chunks[1].seq, tcpFIN, chunks[1].data), 0))
	require.NoError(t, err)
	require.Len(t, pkt.Messages, 2)
	require.Equal(t, int64(1), d.Counters().TCPRetransmits)
}

func TestTCPBrokenChainDropsFlow(t *testing.T) {
	stream, _ := tcpStream()
	chunks := cut(1, stream, 10, 30)

	d := newDecoder(DefaultConfig())
	_, err := d.Decode(frameAt(tcpSegment(t, chunks[0].seq, 0, chunks[0].data), 0))
	require.NoError(t, err)
	pkt, err := d.Decode(frameAt(tcpSegment(t, chunks[2].seq, tcpPSH, chunks[2].data), 0))
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Equal(t, int64(1), d.Counters().TCPPrefixErrors)
	require.Empty(t, d.Flows())

	// A later, complete stream on the same flow starts from scratch.
	pkt, err = d.Decode(frameAt(tcpSegment(t, 9000, tcpPSH, stream), 0))
	require.NoError(t, err)
	require.Len(t, pkt.Messages, 2)
}

func TestTCPTruncatedStream(t *testing.T) {
	stream, msgs := tcpStream()
	short := stream[:len(stream)-4]

	d := newDecoder(DefaultConfig())
	pkt, err := d.Decode(frameAt(tcpSegment(t, 1, tcpPSH, short), 0))
	require.NoError(t, err)
	require.Len(t, pkt.Messages, 1)
	require.Equal(t, uint16(1), pkt.Messages[0].Header.ID)
	require.Equal(t, int64(1), d.Counters().TCPTruncatedStreams)
	require.Len(t, msgs, 2)
}

func TestTCPWithoutReassembly(t *testing.T) {
	stream, _ := tcpStream()
	cfg := DefaultConfig()
	cfg.TCPReassembly = false
	d := newDecoder(cfg)

	pkt, err := d.Decode(frameAt(tcpSegment(t, 1, 0, stream), 0))
	require.NoError(t, err)
	require.Len(t, pkt.Messages, 2)

	pkt, err = d.Decode(frameAt(tcpSegment(t, 1, 0, stream[:10]), 0))
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Equal(t, int64(1), d.Counters().TCPTruncatedStreams)
	require.Empty(t, d.Flows())
}

func TestTCPResetAndTimeout(t *testing.T) {
	stream, _ := tcpStream()
	d := newDecoder(DefaultConfig())

	_, err := d.Decode(frameAt(tcpSegment(t, 1, 0, stream[:10]), 0))
	require.NoError(t, err)
	require.Len(t, d.Flows(), 1)
	_, err = d.Decode(frameAt(tcpSegment(t, 11, tcpRST, nil), 0))
	require.NoError(t, err)
	require.Empty(t, d.Flows())

	_, err = d.Decode(frameAt(tcpSegment(t, 1, 0, stream[:10]), 0))
	require.NoError(t, err)
	_, flows := d.ClearCache(epoch.Add(10*time.Minute + time.Second))
	require.Equal(t, 1, flows)
	require.Equal(t, int64(1), d.Counters().EvictedFlows)
}

func TestStateRestore(t *testing.T) {
	stream, _ := tcpStream()
	dgram := udpDatagram(t, serverIP, clientIP, 53, 40000, bigResponse(81))
	frags := fragmentIPv4(t, dgram, 96, 0)

	d := newDecoder(DefaultConfig())
	_, err := d.Decode(frameAt(tcpSegment(t, 1, 0, stream[:10]), 0))
	require.NoError(t, err)
	_, err = d.Decode(frameAt(frags[0], 0))
	require.NoError(t, err)

	restored := newDecoder(DefaultConfig())
	restored.RestoreFlows(d.Flows())
	restored.RestoreFragments(d.Fragments())

	pkt, err := restored.Decode(frameAt(tcpSegment(t, 11, tcpPSH, stream[10:]), time.Second))
	require.NoError(t, err)
	require.Len(t, pkt.Messages, 2)

	pkt, err = restored.Decode(frameAt(frags[1], time.Second))
	require.NoError(t, err)
	require.Len(t, pkt.Messages, 1)
}

func TestICMPErrors(t *testing.T) {
	orig := udpDatagram(t, clientIP, serverIP, 40000, 53, query(5, "example.", dns.TypeA))
	quoted := orig[:28]

	ip := ipv4(serverIP, clientIP, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)}
	raw := serialize(t, ip, icmp, gopacket.Payload(quoted))

	d := newDecoder(DefaultConfig())
	pkt, err := d.Decode(frameAt(raw, 0))
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Equal(t, int64(1), d.Counters().ICMP)

	cfg := DefaultConfig()
	cfg.ICMP = true
	d = newDecoder(cfg)
	pkt, err = d.Decode(frameAt(raw, 0))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.Equal(t, models.ProtoICMP, pkt.Protocol)
	require.Equal(t, uint8(3), pkt.ICMP.Type)
	require.Equal(t, uint8(3), pkt.ICMP.Code)
	require.NotNil(t, pkt.ICMP.Embedded)
	require.Equal(t, netip.MustParseAddr("192.0.2.10"), pkt.ICMP.Embedded.Src)
	require.Equal(t, uint16(53), pkt.ICMP.Embedded.DstPort)
	require.Equal(t, models.ProtoUDP, pkt.ICMP.Embedded.Protocol)

	echo := serialize(t, ipv4(serverIP, clientIP, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
	pkt, err = d.Decode(frameAt(echo, 0))
	require.NoError(t, err)
	require.Nil(t, pkt.ICMP.Embedded)
}

func TestSplitLengthPrefixed(t *testing.T) {
	msgs, truncated := splitLengthPrefixed([]byte{0, 2, 'a', 'b', 0, 0, 0, 1, 'c'})
	require.False(t, truncated)
	require.Equal(t, [][]byte{[]byte("ab"), []byte("c")}, msgs)

	msgs, truncated = splitLengthPrefixed([]byte{0, 2, 'a', 'b', 0})
	require.True(t, truncated)
	require.Len(t, msgs, 1)
}
