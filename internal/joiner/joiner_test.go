package joiner

import (
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/models"
)

var (
	client = netip.MustParseAddr("198.51.100.7")
	server = netip.MustParseAddr("198.51.100.53")
	epoch  = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func decode(m *dns.Msg) *dnsmsg.Message {
	return runtimex.PanicOnError1(dnsmsg.Decode(runtimex.PanicOnError1(m.Pack()), dnsmsg.Strict))
}

func queryPacket(id uint16, name string, qtype uint16, port uint16, at time.Duration) *models.Packet {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	return &models.Packet{
		Timestamp: epoch.Add(at),
		Protocol:  models.ProtoUDP,
		Src:       client,
		SrcPort:   port,
		Dst:       server,
		DstPort:   53,
		Messages:  []*dnsmsg.Message{decode(m)},
	}
}

func responsePacket(id uint16, name string, qtype uint16, port uint16, at time.Duration) *models.Packet {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	m.Response = true
	return &models.Packet{
		Timestamp: epoch.Add(at),
		Protocol:  models.ProtoUDP,
		Src:       server,
		SrcPort:   53,
		Dst:       client,
		DstPort:   port,
		Messages:  []*dnsmsg.Message{decode(m)},
	}
}

func newJoiner() *Joiner {
	return New(DefaultConfig(), zap.NewNop())
}

func TestMatchIgnoresQNameCase(t *testing.T) {
	j := newJoiner()
	require.Empty(t, j.Join(queryPacket(1, "WwW.Example.COM.", dns.TypeA, 5000, 0), "a.pcap"))

	out := j.Join(responsePacket(1, "www.example.com.", dns.TypeA, 5000, 30*time.Millisecond), "a.pcap")
	require.Len(t, out, 1)
	ex := out[0]
	require.NotNil(t, ex.Query)
	require.NotNil(t, ex.Response)
	require.False(t, ex.Expired)
	require.False(t, ex.Orphan())
	require.Equal(t, "a.pcap", ex.File)

	rtt, ok := ex.RTT()
	require.True(t, ok)
	require.Equal(t, 30*time.Millisecond, rtt)

	addr, port := ex.Client()
	require.Equal(t, client, addr)
	require.Equal(t, uint16(5000), port)
	require.Zero(t, j.Len())
	require.Equal(t, int64(1), j.Counters().Matched)
}

func TestMismatchedTupleIsOrphan(t *testing.T) {
	j := newJoiner()
	j.Join(queryPacket(1, "example.com.", dns.TypeA, 5000, 0), "a.pcap")

	out := j.Join(responsePacket(1, "example.com.", dns.TypeA, 5001, time.Millisecond), "a.pcap")
	require.Len(t, out, 1)
	require.True(t, out[0].Orphan())
	require.Nil(t, out[0].Query)
	require.Equal(t, int64(1), j.Counters().OrphanResponses)
	require.Equal(t, 1, j.Len())
}

func TestOrphanWithoutQuestion(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 99
	m.Response = true
	p := &models.Packet{Timestamp: epoch, Src: server, SrcPort: 53, Dst: client, DstPort: 5000,
		Messages: []*dnsmsg.Message{decode(m)}}

	j := newJoiner()
	out := j.Join(p, "a.pcap")
	require.Len(t, out, 1)
	require.True(t, out[0].Orphan())
	require.Equal(t, "", out[0].Response.QName())
}

func TestUnansweredQueryExpiresOnce(t *testing.T) {
	j := newJoiner()
	j.Join(queryPacket(3, "slow.example.", dns.TypeA, 5000, 0), "a.pcap")

	// Not old enough yet.
	j.Join(queryPacket(4, "other.example.", dns.TypeA, 5000, time.Second), "a.pcap")
	require.Empty(t, j.Purge())

	j.Join(responsePacket(4, "other.example.", dns.TypeA, 5000, 3*time.Second), "a.pcap")
	out := j.Purge()
	require.Len(t, out, 1)
	require.True(t, out[0].Expired)
	require.Nil(t, out[0].Response)
	require.Equal(t, "slow.example.", out[0].Query.QName())

	require.Empty(t, j.Purge())
	require.Equal(t, int64(1), j.Counters().Expired)
}

func TestDuplicateQueryFlushesPrevious(t *testing.T) {
	j := newJoiner()
	first := queryPacket(5, "dup.example.", dns.TypeA, 5000, 0)
	require.Empty(t, j.Join(first, "a.pcap"))

	out := j.Join(queryPacket(5, "DUP.example.", dns.TypeA, 5000, 100*time.Millisecond), "a.pcap")
	require.Len(t, out, 1)
	require.True(t, out[0].Expired)
	require.Same(t, first, out[0].QueryPacket)
	require.Equal(t, int64(1), j.Counters().DuplicateQueries)

	out = j.Join(responsePacket(5, "dup.example.", dns.TypeA, 5000, 200*time.Millisecond), "a.pcap")
	require.Len(t, out, 1)
	rtt, _ := out[0].RTT()
	require.Equal(t, 100*time.Millisecond, rtt)
}

func TestZoneTransferForwardsFirstResponseOnly(t *testing.T) {
	const n = 5
	j := newJoiner()
	j.Join(queryPacket(6, "zone.example.", dns.TypeAXFR, 6000, 0), "a.pcap")

	var forwarded []models.Exchange
	for i := 0; i < n; i++ {
		var p *models.Packet
		if i == 0 {
			p = responsePacket(6, "zone.example.", dns.TypeAXFR, 6000, time.Duration(i+1)*time.Millisecond)
		} else {
			// Later messages of a transfer carry no question.
			m := new(dns.Msg)
			m.Id = 6
			m.Response = true
			p = &models.Packet{Timestamp: epoch.Add(time.Duration(i+1) * time.Millisecond),
				Src: server, SrcPort: 53, Dst: client, DstPort: 6000, Messages: []*dnsmsg.Message{decode(m)}}
		}
		forwarded = append(forwarded, j.Join(p, "a.pcap")...)
	}

	require.Len(t, forwarded, 1)
	require.NotNil(t, forwarded[0].Query)
	c := j.Counters()
	require.Equal(t, int64(n-1), c.SuppressedZoneTransfer)
	require.Zero(t, c.OrphanResponses)
	require.Len(t, j.Trackers(), 1)
}

func TestZoneTransferTrackerIsEvicted(t *testing.T) {
	j := newJoiner()
	j.Join(queryPacket(7, "zone.example.", dns.TypeIXFR, 6000, 0), "a.pcap")
	j.Join(responsePacket(7, "zone.example.", dns.TypeIXFR, 6000, time.Millisecond), "a.pcap")
	require.Len(t, j.Trackers(), 1)

	j.Join(queryPacket(8, "later.example.", dns.TypeA, 6001, 10*time.Second), "a.pcap")
	j.Purge()
	require.Empty(t, j.Trackers())

	// The same id and port now correlate normally again.
	j.Join(queryPacket(7, "zone.example.", dns.TypeA, 6000, 11*time.Second), "a.pcap")
	out := j.Join(responsePacket(7, "zone.example.", dns.TypeA, 6000, 11*time.Second), "a.pcap")
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Query)
}

func TestICMPForwarding(t *testing.T) {
	p := &models.Packet{Timestamp: epoch, Protocol: models.ProtoICMP, Src: server, Dst: client,
		ICMP: &models.ICMPInfo{Type: 3, Code: 3}}

	require.Empty(t, newJoiner().Join(p, "a.pcap"))

	j := New(Config{ICMP: true}, nil)
	out := j.Join(p, "a.pcap")
	require.Len(t, out, 1)
	require.Same(t, p, out[0].ICMP)
	require.Equal(t, int64(1), j.Counters().ICMP)
}

func TestPurgeOrderIsDeterministic(t *testing.T) {
	run := func() []string {
		j := newJoiner()
		for i, name := range []string{"c.example.", "a.example.", "b.example."} {
			j.Join(queryPacket(uint16(10+i), name, dns.TypeA, 7000, 0), "a.pcap")
		}
		j.Join(queryPacket(20, "d.example.", dns.TypeA, 7000, time.Millisecond), "a.pcap")
		var names []string
		for _, ex := range j.Drain() {
			names = append(names, ex.Query.QName())
		}
		return names
	}

	first := run()
	require.Equal(t, []string{"c.example.", "a.example.", "b.example.", "d.example."}, first)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, run())
	}
}

func TestPendingRestore(t *testing.T) {
	j := newJoiner()
	j.Join(queryPacket(30, "saved.example.", dns.TypeAAAA, 8000, 0), "a.pcap")
	j.Join(queryPacket(31, "zone.example.", dns.TypeAXFR, 8001, 0), "a.pcap")

	restored := newJoiner()
	restored.Restore(j.Pending(), j.Trackers())
	require.Equal(t, 2, restored.Len())

	out := restored.Join(responsePacket(30, "Saved.Example.", dns.TypeAAAA, 8000, time.Millisecond), "b.pcap")
	require.Len(t, out, 1)
	require.Equal(t, "saved.example.", out[0].Query.QName())
	require.Equal(t, "b.pcap", out[0].File)

	require.Len(t, restored.Pending(), 1)
	require.Len(t, restored.Trackers(), 1)
}

func TestRestoredEntryWithoutQueryIsOrphan(t *testing.T) {
	j := newJoiner()
	j.Restore([]Pending{{
		ID:       40,
		QName:    "lost.example.",
		Addr:     client,
		Port:     8100,
		Packet:   &models.Packet{Timestamp: epoch, Src: client, SrcPort: 8100, Dst: server, DstPort: 53},
		File:     "a.pcap",
		Inserted: epoch,
	}}, nil)

	out := j.Join(responsePacket(40, "LOST.example.", dns.TypeA, 8100, time.Millisecond), "b.pcap")
	require.Len(t, out, 1)
	require.True(t, out[0].Orphan())
	require.Equal(t, 0, j.Len())

	c := j.Counters()
	require.Equal(t, int64(1), c.OrphanResponses)
	require.Equal(t, int64(0), c.Matched)
}
