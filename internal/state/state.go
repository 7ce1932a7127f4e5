// Package state persists the decoder and joiner caches between runs so that
// fragments, TCP streams and queries spanning two capture files still
// complete.
package state

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"pcapdns/internal/decoder"
	"pcapdns/internal/dnsmsg"
	"pcapdns/internal/joiner"
	"pcapdns/internal/models"
)

const version = 1

var ErrVersion = errors.New("state: unsupported file version")

// Snapshot is the persisted form of the caches.
type Snapshot struct {
	Version   int
	Saved     time.Time
	Fragments []decoder.FragmentState
	Flows     []decoder.FlowState
	Pending   []PendingQuery
	Trackers  []joiner.Tracker
}

// PendingQuery is a joiner entry with its query kept as wire bytes.
type PendingQuery struct {
	ID       uint16
	QName    string
	Addr     netip.Addr
	Port     uint16
	Wire     []byte
	Packet   PacketMeta
	File     string
	Inserted time.Time
}

// PacketMeta is the packet metadata of a pending query.
type PacketMeta struct {
	Timestamp  time.Time
	TsSec      uint32
	TsUsec     uint32
	IPVersion  int
	Protocol   string
	Src        netip.Addr
	Dst        netip.Addr
	SrcPort    uint16
	DstPort    uint16
	TTL        uint8
	Length     int
	PayloadLen int
}

// Capture copies the caches of d and j into a snapshot.
func Capture(d *decoder.Decoder, j *joiner.Joiner) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   version,
		Saved:     time.Now().UTC(),
		Fragments: d.Fragments(),
		Flows:     d.Flows(),
		Trackers:  j.Trackers(),
	}
	for _, p := range j.Pending() {
		pq := PendingQuery{
			ID:       p.ID,
			QName:    p.QName,
			Addr:     p.Addr,
			Port:     p.Port,
			File:     p.File,
			Inserted: p.Inserted,
		}
		if p.Query != nil {
			wire, err := p.Query.Pack()
			if err != nil {
				return nil, fmt.Errorf("pack pending query %d %s: %w", p.ID, p.QName, err)
			}
			pq.Wire = wire
		}
		if p.Packet != nil {
			pq.Packet = metaFrom(p.Packet)
		}
		snap.Pending = append(snap.Pending, pq)
	}
	return snap, nil
}

// Apply loads the snapshot into d and j. A query that no longer decodes is
// restored without its message, so it expires silently.
func (s *Snapshot) Apply(d *decoder.Decoder, j *joiner.Joiner) {
	d.RestoreFragments(s.Fragments)
	d.RestoreFlows(s.Flows)

	pending := make([]joiner.Pending, 0, len(s.Pending))
	for _, pq := range s.Pending {
		p := joiner.Pending{
			ID:       pq.ID,
			QName:    pq.QName,
			Addr:     pq.Addr,
			Port:     pq.Port,
			File:     pq.File,
			Inserted: pq.Inserted,
		}
		if len(pq.Wire) > 0 {
			if msg, err := dnsmsg.Decode(pq.Wire, dnsmsg.Strict); err == nil {
				p.Query = msg
				pkt := pq.Packet.packet()
				pkt.Messages = []*dnsmsg.Message{msg}
				p.Packet = pkt
			}
		}
		pending = append(pending, p)
	}
	j.Restore(pending, s.Trackers)
}

// Load reads a snapshot. A missing file yields an empty snapshot.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{Version: version}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	if snap.Version != version {
		return nil, fmt.Errorf("state %s version %d: %w", path, snap.Version, ErrVersion)
	}
	return &snap, nil
}

// Save writes the snapshot atomically.
func Save(path string, snap *Snapshot) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func metaFrom(p *models.Packet) PacketMeta {
	return PacketMeta{
		Timestamp:  p.Timestamp,
		TsSec:      p.TsSec,
		TsUsec:     p.TsUsec,
		IPVersion:  p.IPVersion,
		Protocol:   p.Protocol,
		Src:        p.Src,
		Dst:        p.Dst,
		SrcPort:    p.SrcPort,
		DstPort:    p.DstPort,
		TTL:        p.TTL,
		Length:     p.Length,
		PayloadLen: p.PayloadLen,
	}
}

func (m PacketMeta) packet() *models.Packet {
	return &models.Packet{
		Timestamp:  m.Timestamp,
		TsSec:      m.TsSec,
		TsUsec:     m.TsUsec,
		IPVersion:  m.IPVersion,
		Protocol:   m.Protocol,
		Src:        m.Src,
		Dst:        m.Dst,
		SrcPort:    m.SrcPort,
		DstPort:    m.DstPort,
		TTL:        m.TTL,
		Length:     m.Length,
		PayloadLen: m.PayloadLen,
	}
}
