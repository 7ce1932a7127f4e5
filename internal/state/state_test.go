package state

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pcapdns/internal/decoder"
	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/joiner"
	"pcapdns/internal/models"
)

var (
	client = netip.MustParseAddr("2001:db8::7")
	server = netip.MustParseAddr("2001:db8::53")
	epoch  = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func packet(id uint16, name string, qtype uint16, response bool, at time.Duration) *models.Packet {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	m.Response = response
	msg := runtimex.PanicOnError1(dnsmsg.Decode(runtimex.PanicOnError1(m.Pack()), dnsmsg.Strict))
	p := &models.Packet{Timestamp: epoch.Add(at), IPVersion: 6, Protocol: models.ProtoUDP,
		Src: client, SrcPort: 3333, Dst: server, DstPort: 53, Messages: []*dnsmsg.Message{msg}}
	if response {
		p.Src, p.Dst, p.SrcPort, p.DstPort = server, client, 53, 3333
	}
	return p
}

func populated() (*decoder.Decoder, *joiner.Joiner) {
	d := decoder.New(decoder.DefaultConfig(), zap.NewNop())
	d.RestoreFragments([]decoder.FragmentState{{
		Src: server, Dst: client, ID: 99, Proto: 17, FirstSeen: epoch,
		Fragments: []decoder.Fragment{{Offset: 0, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, More: true}},
	}})
	d.RestoreFlows([]decoder.FlowState{{
		Src: client, SrcPort: 3334, Dst: server, DstPort: 53, FirstSeen: epoch, LastSeen: epoch,
		Segments: []decoder.Segment{{Seq: 100, Data: []byte{0, 30}}},
	}})

	j := joiner.New(joiner.DefaultConfig(), zap.NewNop())
	j.Join(packet(1, "Pending.Example.", dns.TypeMX, false, 0), "first.pcap")
	j.Join(packet(2, "zone.example.", dns.TypeAXFR, false, time.Millisecond), "first.pcap")
	return d, j
}

func TestSaveLoadApply(t *testing.T) {
	d, j := populated()
	snap, err := Capture(d, j)
	require.NoError(t, err)
	require.Len(t, snap.Pending, 2)
	require.NotEmpty(t, snap.Pending[0].Wire)

	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, Save(path, snap))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, version, loaded.Version)

	d2 := decoder.New(decoder.DefaultConfig(), zap.NewNop())
	j2 := joiner.New(joiner.DefaultConfig(), zap.NewNop())
	loaded.Apply(d2, j2)

	require.Equal(t, len(d.Fragments()), len(d2.Fragments()))
	require.Equal(t, d.Fragments()[0].Fragments, d2.Fragments()[0].Fragments)
	require.Equal(t, d.Flows()[0].Segments, d2.Flows()[0].Segments)
	require.Equal(t, server, d2.Flows()[0].Dst)
	require.Len(t, j2.Trackers(), 1)

	out := j2.Join(packet(1, "pending.example.", dns.TypeMX, true, 5*time.Millisecond), "second.pcap")
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Query)
	require.Equal(t, "Pending.Example.", out[0].Query.QName())
	require.Equal(t, uint16(3333), out[0].QueryPacket.SrcPort)
	rtt, ok := out[0].RTT()
	require.True(t, ok)
	require.Equal(t, 5*time.Millisecond, rtt)
}

func TestLoadMissingFile(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "absent.gob"))
	require.NoError(t, err)
	require.Empty(t, snap.Pending)
}

func TestLoadRejectsOtherVersions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, Save(path, &Snapshot{Version: version + 1}))
	_, err := Load(path)
	require.ErrorIs(t, err, ErrVersion)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, os.WriteFile(path, []byte("not gob"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
