package dnsmsg

import (
	"fmt"
	"strings"
)

// Mode selects how Decode reacts to malformed input.
type Mode int

const (
	// Strict discards the message on the first error.
	Strict Mode = iota
	// AllowPartial returns whatever was decoded before the error.
	AllowPartial
)

// Question is an entry of the question section.
type Question struct {
	Name  string
	Type  Type
	Class Class
}

func (q Question) String() string {
	return fmt.Sprintf("%s\t%s\t%s", q.Name, q.Class, q.Type)
}

// Message is a decoded DNS message. The OPT pseudo record is kept apart from
// the additional section; the header counts always describe the sections as
// they are held in memory.
type Message struct {
	Header     Header
	Questions  []Question
	Answer     []RRset
	Authority  []RRset
	Additional []RRset
	OPT        *OPT
	Unknown    []*RR
}

// Decode parses a wire format message. In AllowPartial mode a non-nil message
// is returned together with the error.
func Decode(data []byte, mode Mode) (*Message, error) {
	m := &Message{}
	err := m.unpack(newCursor(data))
	m.Build()
	if err != nil {
		if mode == Strict {
			return nil, err
		}
		return m, err
	}
	return m, nil
}

func (m *Message) unpack(c *cursor) error {
	if err := m.Header.unpack(c); err != nil {
		return err
	}
	h := m.Header

	for i := 0; i < int(h.QDCount); i++ {
		var q Question
		var err error
		if q.Name, err = c.name("qname"); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		t, err := c.u16("qtype")
		if err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		class, err := c.u16("qclass")
		if err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
		q.Type, q.Class = Type(t), Class(class)
		m.Questions = append(m.Questions, q)
	}

	sections := []struct {
		name  string
		count uint16
		add   func(*RR)
	}{
		{"answer", h.ANCount, m.AddAnswer},
		{"authority", h.NSCount, m.AddAuthority},
		{"additional", h.ARCount, m.AddAdditional},
	}
	for _, s := range sections {
		for i := 0; i < int(s.count); i++ {
			rr, err := unpackRR(c)
			if err != nil {
				return fmt.Errorf("%s record %d: %w", s.name, i, err)
			}
			s.add(rr)
		}
	}
	return nil
}

func (m *Message) trackUnknown(rr *RR) {
	if _, ok := rr.Data.(*Unknown); ok {
		m.Unknown = append(m.Unknown, rr)
	}
}

// AddAnswer appends rr to the answer RRset it belongs to.
func (m *Message) AddAnswer(rr *RR) {
	m.trackUnknown(rr)
	m.Answer = addToSets(m.Answer, rr)
}

// AddAuthority appends rr to the authority RRset it belongs to.
func (m *Message) AddAuthority(rr *RR) {
	m.trackUnknown(rr)
	m.Authority = addToSets(m.Authority, rr)
}

// AddAdditional appends rr to the additional section. The first OPT record
// becomes the message's pseudo record instead.
func (m *Message) AddAdditional(rr *RR) {
	if rr.Type == TypeOPT && m.OPT == nil {
		m.OPT = optFromRR(rr)
		return
	}
	m.trackUnknown(rr)
	m.Additional = addToSets(m.Additional, rr)
}

// Build recomputes the header section counts.
func (m *Message) Build() *Message {
	m.Header.QDCount = uint16(len(m.Questions))
	m.Header.ANCount = uint16(countRecords(m.Answer))
	m.Header.NSCount = uint16(countRecords(m.Authority))
	ar := countRecords(m.Additional)
	if m.OPT != nil {
		ar++
	}
	m.Header.ARCount = uint16(ar)
	return m
}

// Pack encodes the message without name compression.
func (m *Message) Pack() ([]byte, error) {
	h := m.Header
	h.QDCount = uint16(len(m.Questions))
	h.ANCount = uint16(countRecords(m.Answer))
	h.NSCount = uint16(countRecords(m.Authority))
	h.ARCount = uint16(countRecords(m.Additional))
	if m.OPT != nil {
		h.ARCount++
	}

	b := &builder{buf: make([]byte, 0, 512)}
	h.pack(b)
	for _, q := range m.Questions {
		if err := b.name(q.Name); err != nil {
			return nil, fmt.Errorf("question %s: %w", q.Name, err)
		}
		b.u16(uint16(q.Type))
		b.u16(uint16(q.Class))
	}
	for _, sets := range [][]RRset{m.Answer, m.Authority, m.Additional} {
		for _, s := range sets {
			for _, rr := range s.Records {
				if err := rr.pack(b); err != nil {
					return nil, fmt.Errorf("record %s %s: %w", rr.Name, rr.Type, err)
				}
			}
		}
	}
	if m.OPT != nil {
		if err := m.OPT.pack(b); err != nil {
			return nil, fmt.Errorf("opt record: %w", err)
		}
	}
	return b.buf, nil
}

// QName returns the name of the first question, or "" without questions.
func (m *Message) QName() string {
	if len(m.Questions) == 0 {
		return ""
	}
	return m.Questions[0].Name
}

// QType returns the type of the first question.
func (m *Message) QType() Type {
	if len(m.Questions) == 0 {
		return 0
	}
	return m.Questions[0].Type
}

// IsZoneTransfer reports whether the first question asks for AXFR or IXFR.
func (m *Message) IsZoneTransfer() bool {
	return len(m.Questions) > 0 && m.Questions[0].Type.IsZoneTransfer()
}

// ExtendedRcode merges the upper rcode bits carried by the OPT record.
func (m *Message) ExtendedRcode() Rcode {
	rc := m.Header.Rcode
	if m.OPT != nil {
		rc |= Rcode(m.OPT.ExtendedRcode) << 4
	}
	return rc
}

// Records returns all records of the answer, authority and additional
// sections in message order.
func (m *Message) Records() []*RR {
	var out []*RR
	for _, sets := range [][]RRset{m.Answer, m.Authority, m.Additional} {
		for _, s := range sets {
			out = append(out, s.Records...)
		}
	}
	return out
}

// String renders the message the way dig prints it.
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ";; %s\n", m.Header)
	if m.OPT != nil {
		fmt.Fprintf(&sb, ";; %s\n", m.OPT)
	}
	sb.WriteString(";; QUESTION SECTION:\n")
	for _, q := range m.Questions {
		fmt.Fprintf(&sb, ";%s\n", q)
	}
	for _, sec := range []struct {
		name string
		sets []RRset
	}{{"ANSWER", m.Answer}, {"AUTHORITY", m.Authority}, {"ADDITIONAL", m.Additional}} {
		if len(sec.sets) == 0 {
			continue
		}
		fmt.Fprintf(&sb, ";; %s SECTION:\n", sec.name)
		for _, s := range sec.sets {
			for _, rr := range s.Records {
				sb.WriteString(rr.String())
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}
