package dnsmsg

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// A is an IPv4 host address.
type A struct {
	Addr netip.Addr
}

func (r *A) unpack(c *cursor) error {
	if c.remaining() != 4 {
		return fmt.Errorf("A of %d bytes: %w", c.remaining(), ErrBadRData)
	}
	b, _ := c.bytes(4, "A")
	r.Addr = netip.AddrFrom4([4]byte(b))
	return nil
}

func (r *A) pack(b *builder) error {
	if !r.Addr.Is4() {
		return fmt.Errorf("A %s: %w", r.Addr, ErrBadRData)
	}
	a := r.Addr.As4()
	b.bytes(a[:])
	return nil
}

func (r *A) String() string { return r.Addr.String() }

// AAAA is an IPv6 host address.
type AAAA struct {
	Addr netip.Addr
}

func (r *AAAA) unpack(c *cursor) error {
	if c.remaining() != 16 {
		return fmt.Errorf("AAAA of %d bytes: %w", c.remaining(), ErrBadRData)
	}
	b, _ := c.bytes(16, "AAAA")
	r.Addr = netip.AddrFrom16([16]byte(b))
	return nil
}

func (r *AAAA) pack(b *builder) error {
	if !r.Addr.IsValid() {
		return fmt.Errorf("AAAA %s: %w", r.Addr, ErrBadRData)
	}
	a := r.Addr.As16()
	b.bytes(a[:])
	return nil
}

func (r *AAAA) String() string { return r.Addr.String() }

// NS names an authoritative name server.
type NS struct {
	Host string
}

func (r *NS) unpack(c *cursor) (err error) { r.Host, err = c.name("NS"); return }
func (r *NS) pack(b *builder) error        { return b.name(r.Host) }
func (r *NS) String() string               { return r.Host }

// CNAME is the canonical name of an alias.
type CNAME struct {
	Target string
}

func (r *CNAME) unpack(c *cursor) (err error) { r.Target, err = c.name("CNAME"); return }
func (r *CNAME) pack(b *builder) error        { return b.name(r.Target) }
func (r *CNAME) String() string               { return r.Target }

// PTR points to another name, mostly for reverse lookups.
type PTR struct {
	Ptr string
}

func (r *PTR) unpack(c *cursor) (err error) { r.Ptr, err = c.name("PTR"); return }
func (r *PTR) pack(b *builder) error        { return b.name(r.Ptr) }
func (r *PTR) String() string               { return r.Ptr }

// DNAME redirects a whole subtree.
type DNAME struct {
	Target string
}

func (r *DNAME) unpack(c *cursor) (err error) { r.Target, err = c.name("DNAME"); return }
func (r *DNAME) pack(b *builder) error        { return b.name(r.Target) }
func (r *DNAME) String() string               { return r.Target }

// SOA marks the start of a zone of authority.
type SOA struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

func (r *SOA) unpack(c *cursor) error {
	var err error
	if r.MName, err = c.name("SOA mname"); err != nil {
		return err
	}
	if r.RName, err = c.name("SOA rname"); err != nil {
		return err
	}
	for _, f := range []*uint32{&r.Serial, &r.Refresh, &r.Retry, &r.Expire, &r.Minimum} {
		if *f, err = c.u32("SOA timer"); err != nil {
			return err
		}
	}
	return nil
}

func (r *SOA) pack(b *builder) error {
	if err := b.name(r.MName); err != nil {
		return err
	}
	if err := b.name(r.RName); err != nil {
		return err
	}
	for _, v := range []uint32{r.Serial, r.Refresh, r.Retry, r.Expire, r.Minimum} {
		b.u32(v)
	}
	return nil
}

func (r *SOA) String() string {
	return fmt.Sprintf("%s %s %d %d %d %d %d", r.MName, r.RName, r.Serial, r.Refresh, r.Retry, r.Expire, r.Minimum)
}

// HINFO describes host hardware and operating system.
type HINFO struct {
	CPU string
	OS  string
}

func (r *HINFO) unpack(c *cursor) error {
	var err error
	if r.CPU, err = c.characterString("HINFO cpu"); err != nil {
		return err
	}
	r.OS, err = c.characterString("HINFO os")
	return err
}

func (r *HINFO) pack(b *builder) error {
	if err := b.characterString(r.CPU); err != nil {
		return err
	}
	return b.characterString(r.OS)
}

func (r *HINFO) String() string { return quote(r.CPU) + " " + quote(r.OS) }

// MX names a mail exchanger.
type MX struct {
	Preference uint16
	Exchange   string
}

func (r *MX) unpack(c *cursor) error {
	var err error
	if r.Preference, err = c.u16("MX preference"); err != nil {
		return err
	}
	r.Exchange, err = c.name("MX exchange")
	return err
}

func (r *MX) pack(b *builder) error {
	b.u16(r.Preference)
	return b.name(r.Exchange)
}

func (r *MX) String() string { return fmt.Sprintf("%d %s", r.Preference, r.Exchange) }

// TXT holds one or more character strings.
type TXT struct {
	Strings []string
}

func (r *TXT) unpack(c *cursor) error {
	strs, err := unpackStrings(c, "TXT")
	r.Strings = strs
	return err
}

func (r *TXT) pack(b *builder) error { return packStrings(b, r.Strings) }
func (r *TXT) String() string        { return quoteAll(r.Strings) }

// SPF has the layout of TXT.
type SPF struct {
	Strings []string
}

func (r *SPF) unpack(c *cursor) error {
	strs, err := unpackStrings(c, "SPF")
	r.Strings = strs
	return err
}

func (r *SPF) pack(b *builder) error { return packStrings(b, r.Strings) }
func (r *SPF) String() string        { return quoteAll(r.Strings) }

func unpackStrings(c *cursor, what string) ([]string, error) {
	var out []string
	for c.remaining() > 0 {
		s, err := c.characterString(what)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func packStrings(b *builder, strs []string) error {
	for _, s := range strs {
		if err := b.characterString(s); err != nil {
			return err
		}
	}
	return nil
}

func quote(s string) string {
	return strconv.Quote(s)
}

func quoteAll(strs []string) string {
	q := make([]string, len(strs))
	for i, s := range strs {
		q[i] = quote(s)
	}
	return strings.Join(q, " ")
}

// SRV locates a service.
type SRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (r *SRV) unpack(c *cursor) error {
	var err error
	for _, f := range []*uint16{&r.Priority, &r.Weight, &r.Port} {
		if *f, err = c.u16("SRV"); err != nil {
			return err
		}
	}
	r.Target, err = c.name("SRV target")
	return err
}

func (r *SRV) pack(b *builder) error {
	b.u16(r.Priority)
	b.u16(r.Weight)
	b.u16(r.Port)
	return b.name(r.Target)
}

func (r *SRV) String() string {
	return fmt.Sprintf("%d %d %d %s", r.Priority, r.Weight, r.Port, r.Target)
}

// NAPTR is a naming authority pointer (RFC 3403).
type NAPTR struct {
	Order       uint16
	Preference  uint16
	Flags       string
	Service     string
	Regexp      string
	Replacement string
}

func (r *NAPTR) unpack(c *cursor) error {
	var err error
	if r.Order, err = c.u16("NAPTR order"); err != nil {
		return err
	}
	if r.Preference, err = c.u16("NAPTR preference"); err != nil {
		return err
	}
	for _, f := range []*string{&r.Flags, &r.Service, &r.Regexp} {
		if *f, err = c.characterString("NAPTR"); err != nil {
			return err
		}
	}
	r.Replacement, err = c.name("NAPTR replacement")
	return err
}

func (r *NAPTR) pack(b *builder) error {
	b.u16(r.Order)
	b.u16(r.Preference)
	for _, s := range []string{r.Flags, r.Service, r.Regexp} {
		if err := b.characterString(s); err != nil {
			return err
		}
	}
	return b.name(r.Replacement)
}

func (r *NAPTR) String() string {
	return fmt.Sprintf("%d %d %s %s %s %s", r.Order, r.Preference,
		quote(r.Flags), quote(r.Service), quote(r.Regexp), r.Replacement)
}

// URI maps a service name to a URI (RFC 7553).
type URI struct {
	Priority uint16
	Weight   uint16
	Target   string
}

func (r *URI) unpack(c *cursor) error {
	var err error
	if r.Priority, err = c.u16("URI priority"); err != nil {
		return err
	}
	if r.Weight, err = c.u16("URI weight"); err != nil {
		return err
	}
	r.Target = string(c.rest())
	return nil
}

func (r *URI) pack(b *builder) error {
	b.u16(r.Priority)
	b.u16(r.Weight)
	b.bytes([]byte(r.Target))
	return nil
}

func (r *URI) String() string {
	return fmt.Sprintf("%d %d %s", r.Priority, r.Weight, quote(r.Target))
}

// CAA restricts which authorities may issue certificates (RFC 8659).
type CAA struct {
	Flags uint8
	Tag   string
	Value string
}

func (r *CAA) unpack(c *cursor) error {
	var err error
	if r.Flags, err = c.u8("CAA flags"); err != nil {
		return err
	}
	if r.Tag, err = c.characterString("CAA tag"); err != nil {
		return err
	}
	r.Value = string(c.rest())
	return nil
}

func (r *CAA) pack(b *builder) error {
	b.u8(r.Flags)
	if err := b.characterString(r.Tag); err != nil {
		return err
	}
	b.bytes([]byte(r.Value))
	return nil
}

func (r *CAA) String() string {
	return fmt.Sprintf("%d %s %s", r.Flags, r.Tag, quote(r.Value))
}

// LOC is a geographical location (RFC 1876).
type LOC struct {
	Version             uint8
	Size                uint8
	HorizontalPrecision uint8
	VerticalPrecision   uint8
	Latitude            uint32
	Longitude           uint32
	Altitude            uint32
}

func (r *LOC) unpack(c *cursor) error {
	var err error
	if r.Version, err = c.u8("LOC version"); err != nil {
		return err
	}
	if r.Version != 0 {
		return fmt.Errorf("LOC version %d: %w", r.Version, ErrBadRData)
	}
	for _, f := range []*uint8{&r.Size, &r.HorizontalPrecision, &r.VerticalPrecision} {
		if *f, err = c.u8("LOC precision"); err != nil {
			return err
		}
	}
	for _, f := range []*uint32{&r.Latitude, &r.Longitude, &r.Altitude} {
		if *f, err = c.u32("LOC position"); err != nil {
			return err
		}
	}
	return nil
}

func (r *LOC) pack(b *builder) error {
	b.u8(r.Version)
	b.u8(r.Size)
	b.u8(r.HorizontalPrecision)
	b.u8(r.VerticalPrecision)
	b.u32(r.Latitude)
	b.u32(r.Longitude)
	b.u32(r.Altitude)
	return nil
}

const locEquator = 1 << 31

func locPosition(v uint32, pos, neg byte) string {
	d := int64(v) - locEquator
	dir := pos
	if d < 0 {
		d = -d
		dir = neg
	}
	deg := d / 3600000
	d %= 3600000
	min := d / 60000
	d %= 60000
	return fmt.Sprintf("%d %d %d.%03d %c", deg, min, d/1000, d%1000, dir)
}

// locSize decodes the base/exponent encoding of size and precision, in cm.
func locSize(v uint8) float64 {
	base := float64(v >> 4)
	for e := v & 0x0F; e > 0; e-- {
		base *= 10
	}
	return base
}

func (r *LOC) String() string {
	alt := (float64(r.Altitude) - 10000000) / 100
	return fmt.Sprintf("%s %s %.2fm %gm %gm %gm",
		locPosition(r.Latitude, 'N', 'S'), locPosition(r.Longitude, 'E', 'W'), alt,
		locSize(r.Size)/100, locSize(r.HorizontalPrecision)/100, locSize(r.VerticalPrecision)/100)
}

// ANY is the RDATA of a record of type ANY, which only appears in broken or
// crafted messages.
type ANY struct {
	Data []byte
}

func (r *ANY) unpack(c *cursor) error { r.Data = c.rest(); return nil }
func (r *ANY) pack(b *builder) error  { b.bytes(r.Data); return nil }
func (r *ANY) String() string         { return unknownString(r.Data) }

// Unknown keeps the RDATA of types without a dedicated decoder.
type Unknown struct {
	Data []byte
}

func (r *Unknown) unpack(c *cursor) error { r.Data = c.rest(); return nil }
func (r *Unknown) pack(b *builder) error  { b.bytes(r.Data); return nil }
func (r *Unknown) String() string         { return unknownString(r.Data) }

// unknownString uses the RFC 3597 generic presentation.
func unknownString(data []byte) string {
	if len(data) == 0 {
		return `\# 0`
	}
	return fmt.Sprintf(`\# %d %s`, len(data), hex.EncodeToString(data))
}
