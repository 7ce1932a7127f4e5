package decoder

import (
	"net/netip"
	"slices"
	"time"

	"github.com/google/gopacket/layers"
)

type fragKey struct {
	src, dst netip.Addr
	id       uint32
	proto    layers.IPProtocol
}

// Fragment is one buffered piece of a fragmented datagram.
type Fragment struct {
	Offset int
	Data   []byte
	More   bool
}

// FragmentState is a partially received datagram.
type FragmentState struct {
	Src       netip.Addr
	Dst       netip.Addr
	ID        uint32
	Proto     uint8
	Fragments []Fragment
	FirstSeen time.Time
}

func (s *FragmentState) key() fragKey {
	return fragKey{src: s.Src, dst: s.Dst, id: s.ID, proto: layers.IPProtocol(s.Proto)}
}

// addFragment buffers h and, once the last fragment is seen, returns the
// reassembled transport payload. The entry is removed whenever reassembly is
// attempted; a gap in the chain drops it without returning anything.
func (d *Decoder) addFragment(h ipHeader, now time.Time) ([]byte, bool) {
	d.counters.Fragments++

	k := fragKey{src: h.src, dst: h.dst, id: h.id, proto: h.proto}
	st, ok := d.fragments[k]
	if !ok {
		st = &FragmentState{Src: h.src, Dst: h.dst, ID: h.id, Proto: uint8(h.proto), FirstSeen: now}
		d.fragments[k] = st
	}
	st.Fragments = append(st.Fragments, Fragment{
		Offset: h.offset,
		Data:   h.payload,
		More:   h.mf,
	})
	if h.mf {
		return nil, false
	}

	delete(d.fragments, k)
	payload, ok := reassemble(st.Fragments)
	if !ok {
		d.counters.FragmentErrors++
		return nil, false
	}
	d.counters.Reassembled++
	return payload, true
}

func reassemble(frags []Fragment) ([]byte, bool) {
	slices.SortStableFunc(frags, func(a, b Fragment) int { return a.Offset - b.Offset })

	var out []byte
	for i, f := range frags {
		if i > 0 && f.Offset == frags[i-1].Offset && len(f.Data) == len(frags[i-1].Data) {
			continue // duplicate
		}
		if f.Offset != len(out) {
			return nil, false
		}
		out = append(out, f.Data...)
	}
	if frags[len(frags)-1].More {
		return nil, false
	}
	return out, true
}
