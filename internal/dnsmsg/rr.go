package dnsmsg

import (
	"fmt"
	"strings"
)

// RData is the type specific payload of a resource record. Every variant in
// this package implements it; Unknown carries the bytes of types without a
// dedicated decoder.
type RData interface {
	unpack(c *cursor) error
	pack(b *builder) error
	String() string
}

// RR is a decoded resource record. RawRData always holds the RDATA exactly as
// it appeared on the wire, Data its typed form.
type RR struct {
	Name     string
	Type     Type
	Class    Class
	TTL      uint32
	RDLength uint16
	RawRData []byte
	Data     RData
}

// NewRR builds a record from typed RDATA, filling RDLength and RawRData with
// the encoded form.
func NewRR(name string, t Type, class Class, ttl uint32, data RData) (*RR, error) {
	var b builder
	if err := data.pack(&b); err != nil {
		return nil, fmt.Errorf("pack %s rdata: %w", t, err)
	}
	if len(b.buf) > 0xFFFF {
		return nil, fmt.Errorf("pack %s rdata: %w", t, ErrBadRData)
	}
	raw := b.buf
	if raw == nil {
		raw = []byte{}
	}
	return &RR{
		Name:     name,
		Type:     t,
		Class:    class,
		TTL:      ttl,
		RDLength: uint16(len(raw)),
		RawRData: raw,
		Data:     data,
	}, nil
}

// newRData maps a type code to an empty RDATA value of the right variant.
func newRData(t Type) RData {
	switch t {
	case TypeA:
		return &A{}
	case TypeAAAA:
		return &AAAA{}
	case TypeNS:
		return &NS{}
	case TypeCNAME:
		return &CNAME{}
	case TypePTR:
		return &PTR{}
	case TypeDNAME:
		return &DNAME{}
	case TypeSOA:
		return &SOA{}
	case TypeHINFO:
		return &HINFO{}
	case TypeMX:
		return &MX{}
	case TypeTXT:
		return &TXT{}
	case TypeSPF:
		return &SPF{}
	case TypeLOC:
		return &LOC{}
	case TypeSRV:
		return &SRV{}
	case TypeNAPTR:
		return &NAPTR{}
	case TypeDS, TypeCDS:
		return &DS{}
	case TypeSSHFP:
		return &SSHFP{}
	case TypeRRSIG:
		return &RRSIG{}
	case TypeNSEC:
		return &NSEC{}
	case TypeDNSKEY, TypeCDNSKEY:
		return &DNSKEY{}
	case TypeNSEC3:
		return &NSEC3{}
	case TypeNSEC3PARAM:
		return &NSEC3PARAM{}
	case TypeTLSA:
		return &TLSA{}
	case TypeURI:
		return &URI{}
	case TypeCAA:
		return &CAA{}
	case TypeANY:
		return &ANY{}
	default:
		return &Unknown{}
	}
}

// Known reports whether records of type t are decoded into a typed variant.
func Known(t Type) bool {
	_, unknown := newRData(t).(*Unknown)
	return !unknown
}

// unpackRR reads one record at the cursor. A record whose RDLENGTH runs past
// the end of the data gets empty RDATA and leaves the cursor at the end, so
// the next read reports the truncation.
func unpackRR(c *cursor) (*RR, error) {
	rr := &RR{}
	var err error
	if rr.Name, err = c.name("owner"); err != nil {
		return nil, err
	}
	t, err := c.u16("type")
	if err != nil {
		return nil, err
	}
	rr.Type = Type(t)
	class, err := c.u16("class")
	if err != nil {
		return nil, err
	}
	rr.Class = Class(class)
	if rr.TTL, err = c.u32("ttl"); err != nil {
		return nil, err
	}
	if rr.RDLength, err = c.u16("rdlength"); err != nil {
		return nil, err
	}
	if int(rr.RDLength) > c.remaining() {
		rr.RawRData = []byte{}
		c.off = c.end
		return rr, nil
	}

	start := c.off
	rr.RawRData, _ = c.bytes(int(rr.RDLength), "rdata")
	rd := c.sub(0)
	rd.off, rd.end = start, start+int(rr.RDLength)

	data := newRData(rr.Type)
	if err := data.unpack(rd); err != nil {
		return rr, fmt.Errorf("%s %s: %w", rr.Name, rr.Type, err)
	}
	if rd.off != rd.end {
		return rr, fmt.Errorf("%s %s: %d trailing bytes: %w", rr.Name, rr.Type, rd.end-rd.off, ErrBadRData)
	}
	rr.Data = data
	return rr, nil
}

func (rr *RR) pack(b *builder) error {
	if err := b.name(rr.Name); err != nil {
		return err
	}
	b.u16(uint16(rr.Type))
	b.u16(uint16(rr.Class))
	b.u32(rr.TTL)
	return b.lengthPrefixed(func() error {
		if rr.Data == nil {
			b.bytes(rr.RawRData)
			return nil
		}
		return rr.Data.pack(b)
	})
}

// String renders the record in zone file form.
func (rr *RR) String() string {
	rdata := ""
	if rr.Data != nil {
		rdata = rr.Data.String()
	} else if len(rr.RawRData) > 0 {
		rdata = (&Unknown{Data: rr.RawRData}).String()
	}
	return strings.TrimRight(fmt.Sprintf("%s\t%d\t%s\t%s\t%s", rr.Name, rr.TTL, rr.Class, rr.Type, rdata), "\t")
}

// RRset groups records sharing owner name, class and type.
type RRset struct {
	Owner   string
	Class   Class
	Type    Type
	Records []*RR
}

func (s *RRset) matches(rr *RR) bool {
	return s.Class == rr.Class && s.Type == rr.Type && strings.EqualFold(s.Owner, rr.Name)
}

func addToSets(sets []RRset, rr *RR) []RRset {
	for i := range sets {
		if sets[i].matches(rr) {
			sets[i].Records = append(sets[i].Records, rr)
			return sets
		}
	}
	return append(sets, RRset{Owner: rr.Name, Class: rr.Class, Type: rr.Type, Records: []*RR{rr}})
}

func countRecords(sets []RRset) int {
	n := 0
	for _, s := range sets {
		n += len(s.Records)
	}
	return n
}
