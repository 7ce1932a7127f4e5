package dnsmsg

import "fmt"

// HeaderLen is the size of the fixed message header.
const HeaderLen = 12

const headerLen = HeaderLen

const (
	flagQR     = 1 << 15
	flagAA     = 1 << 10
	flagTC     = 1 << 9
	flagRD     = 1 << 8
	flagRA     = 1 << 7
	flagZ      = 1 << 6
	flagAD     = 1 << 5
	flagCD     = 1 << 4
	opcodeMask = 0x7800
	rcodeMask  = 0x000F
)

// Header is the fixed 12 byte message header.
type Header struct {
	ID                 uint16
	Response           bool
	Opcode             Opcode
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Zero               bool
	AuthenticatedData  bool
	CheckingDisabled   bool
	Rcode              Rcode

	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// Flags returns the second 16 bit word of the header.
func (h *Header) Flags() uint16 {
	var f uint16
	if h.Response {
		f |= flagQR
	}
	f |= uint16(h.Opcode&0x0F) << 11
	if h.Authoritative {
		f |= flagAA
	}
	if h.Truncated {
		f |= flagTC
	}
	if h.RecursionDesired {
		f |= flagRD
	}
	if h.RecursionAvailable {
		f |= flagRA
	}
	if h.Zero {
		f |= flagZ
	}
	if h.AuthenticatedData {
		f |= flagAD
	}
	if h.CheckingDisabled {
		f |= flagCD
	}
	f |= uint16(h.Rcode) & rcodeMask
	return f
}

// SetFlags fills the flag fields from the second 16 bit word of the header.
func (h *Header) SetFlags(f uint16) {
	h.Response = f&flagQR != 0
	h.Opcode = Opcode((f & opcodeMask) >> 11)
	h.Authoritative = f&flagAA != 0
	h.Truncated = f&flagTC != 0
	h.RecursionDesired = f&flagRD != 0
	h.RecursionAvailable = f&flagRA != 0
	h.Zero = f&flagZ != 0
	h.AuthenticatedData = f&flagAD != 0
	h.CheckingDisabled = f&flagCD != 0
	h.Rcode = Rcode(f & rcodeMask)
}

func (h *Header) unpack(c *cursor) error {
	if err := c.need(headerLen, "header"); err != nil {
		return err
	}
	h.ID, _ = c.u16("id")
	flags, _ := c.u16("flags")
	h.SetFlags(flags)
	h.QDCount, _ = c.u16("qdcount")
	h.ANCount, _ = c.u16("ancount")
	h.NSCount, _ = c.u16("nscount")
	h.ARCount, _ = c.u16("arcount")
	return nil
}

func (h *Header) pack(b *builder) {
	b.u16(h.ID)
	b.u16(h.Flags())
	b.u16(h.QDCount)
	b.u16(h.ANCount)
	b.u16(h.NSCount)
	b.u16(h.ARCount)
}

func (h Header) String() string {
	qr := "query"
	if h.Response {
		qr = "response"
	}
	flags := ""
	for _, f := range []struct {
		set  bool
		name string
	}{
		{h.Authoritative, "aa"}, {h.Truncated, "tc"}, {h.RecursionDesired, "rd"},
		{h.RecursionAvailable, "ra"}, {h.Zero, "z"}, {h.AuthenticatedData, "ad"},
		{h.CheckingDisabled, "cd"},
	} {
		if f.set {
			flags += " " + f.name
		}
	}
	return fmt.Sprintf("id %d %s opcode %s rcode %s flags[%s ] qd %d an %d ns %d ar %d",
		h.ID, qr, h.Opcode, h.Rcode, flags, h.QDCount, h.ANCount, h.NSCount, h.ARCount)
}
