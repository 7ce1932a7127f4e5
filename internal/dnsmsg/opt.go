package dnsmsg

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// EDNS0 option codes with a dedicated decoder.
const (
	OptionNSID         uint16 = 3
	OptionDAU          uint16 = 5
	OptionDHU          uint16 = 6
	OptionN3U          uint16 = 7
	OptionClientSubnet uint16 = 8
	OptionPadding      uint16 = 12
	OptionKeyTag       uint16 = 14
)

const (
	flagDO = 1 << 15

	// PowerDNS reused option code 5 for its EDNS ping before DAU was
	// assigned; it is recognized by its udp size and length.
	pingUDPSize = 1200
	pingLength  = 4
)

// OPT is the EDNS0 pseudo record.
type OPT struct {
	Name          string
	UDPSize       uint16
	ExtendedRcode uint8
	Version       uint8
	Flags         uint16
	Options       []EDNSOption

	// Malformed is set when the option list could not be parsed to the end;
	// Options then holds the options before the damage.
	Malformed bool
}

// DO reports whether the DNSSEC OK bit is set.
func (o *OPT) DO() bool {
	return o.Flags&flagDO != 0
}

// Option returns the first option with the given code.
func (o *OPT) Option(code uint16) EDNSOption {
	for _, opt := range o.Options {
		if opt.Code() == code {
			return opt
		}
	}
	return nil
}

// ClientSubnet returns the client subnet option, if present.
func (o *OPT) ClientSubnet() *ClientSubnetOption {
	if ecs, ok := o.Option(OptionClientSubnet).(*ClientSubnetOption); ok {
		return ecs
	}
	return nil
}

func (o *OPT) String() string {
	parts := []string{fmt.Sprintf("OPT version %d udp %d", o.Version, o.UDPSize)}
	if o.DO() {
		parts = append(parts, "do")
	}
	for _, opt := range o.Options {
		parts = append(parts, opt.String())
	}
	return strings.Join(parts, "; ")
}

// optFromRR reinterprets the generic fields of an OPT record and parses its
// options. Option damage never fails the message.
func optFromRR(rr *RR) *OPT {
	o := &OPT{
		Name:          rr.Name,
		UDPSize:       uint16(rr.Class),
		ExtendedRcode: uint8(rr.TTL >> 24),
		Version:       uint8(rr.TTL >> 16),
		Flags:         uint16(rr.TTL),
	}
	if rr.RDLength > 0 && len(rr.RawRData) != int(rr.RDLength) {
		o.Malformed = true
		return o
	}
	c := newCursor(rr.RawRData)
	for c.remaining() > 0 {
		opt, err := o.unpackOption(c)
		if err != nil {
			o.Malformed = true
			break
		}
		o.Options = append(o.Options, opt)
	}
	return o
}

func (o *OPT) unpackOption(c *cursor) (EDNSOption, error) {
	code, err := c.u16("option code")
	if err != nil {
		return nil, err
	}
	length, err := c.u16("option length")
	if err != nil {
		return nil, err
	}
	data, err := c.bytes(int(length), "option data")
	if err != nil {
		return nil, err
	}

	switch {
	case code == OptionNSID:
		return &NSIDOption{ID: data}, nil
	case code == OptionDAU && o.UDPSize == pingUDPSize && length == pingLength:
		return &PingOption{Nonce: data}, nil
	case code == OptionDAU || code == OptionDHU || code == OptionN3U:
		return &AlgorithmListOption{OptionCode: code, Algorithms: data}, nil
	case code == OptionClientSubnet:
		if ecs, ok := parseClientSubnet(data); ok {
			return ecs, nil
		}
	case code == OptionPadding:
		return &PaddingOption{Padding: data}, nil
	case code == OptionKeyTag && length%2 == 0:
		kt := &KeyTagOption{}
		for i := 0; i+1 < len(data); i += 2 {
			kt.Tags = append(kt.Tags, uint16(data[i])<<8|uint16(data[i+1]))
		}
		return kt, nil
	}
	return &GenericOption{OptionCode: code, Data: data}, nil
}

func (o *OPT) pack(b *builder) error {
	name := o.Name
	if name == "" {
		name = "."
	}
	if err := b.name(name); err != nil {
		return err
	}
	b.u16(uint16(TypeOPT))
	b.u16(o.UDPSize)
	b.u8(o.ExtendedRcode)
	b.u8(o.Version)
	b.u16(o.Flags)
	return b.lengthPrefixed(func() error {
		for _, opt := range o.Options {
			b.u16(opt.Code())
			err := b.lengthPrefixed(func() error {
				opt.packData(b)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// EDNSOption is one option of the OPT record.
type EDNSOption interface {
	Code() uint16
	packData(b *builder)
	String() string
}

// NSIDOption carries the name server identifier.
type NSIDOption struct {
	ID []byte
}

func (*NSIDOption) Code() uint16          { return OptionNSID }
func (o *NSIDOption) packData(b *builder) { b.bytes(o.ID) }
func (o *NSIDOption) String() string {
	return "NSID: " + hex.EncodeToString(o.ID)
}

// AlgorithmListOption is one of DAU, DHU or N3U: the algorithms a validating
// resolver understands.
type AlgorithmListOption struct {
	OptionCode uint16
	Algorithms []uint8
}

func (o *AlgorithmListOption) Code() uint16        { return o.OptionCode }
func (o *AlgorithmListOption) packData(b *builder) { b.bytes(o.Algorithms) }
func (o *AlgorithmListOption) String() string {
	name := map[uint16]string{OptionDAU: "DAU", OptionDHU: "DHU", OptionN3U: "N3U"}[o.OptionCode]
	algs := make([]string, len(o.Algorithms))
	for i, a := range o.Algorithms {
		algs[i] = fmt.Sprint(a)
	}
	return name + ": " + strings.Join(algs, " ")
}

// PingOption is the PowerDNS EDNS ping nonce.
type PingOption struct {
	Nonce []byte
}

func (*PingOption) Code() uint16          { return OptionDAU }
func (o *PingOption) packData(b *builder) { b.bytes(o.Nonce) }
func (o *PingOption) String() string {
	return "PING: " + hex.EncodeToString(o.Nonce)
}

// ClientSubnetOption is the EDNS client subnet option (RFC 7871). Address
// holds the significant address octets exactly as sent.
type ClientSubnetOption struct {
	Family       uint16
	SourcePrefix uint8
	ScopePrefix  uint8
	Address      []byte
}

func parseClientSubnet(data []byte) (*ClientSubnetOption, bool) {
	if len(data) < 4 {
		return nil, false
	}
	ecs := &ClientSubnetOption{
		Family:       uint16(data[0])<<8 | uint16(data[1]),
		SourcePrefix: data[2],
		ScopePrefix:  data[3],
		Address:      data[4:],
	}
	switch {
	case ecs.Family == 1 && len(ecs.Address) <= 4:
	case ecs.Family == 2 && len(ecs.Address) <= 16:
	default:
		return nil, false
	}
	return ecs, true
}

func (*ClientSubnetOption) Code() uint16 { return OptionClientSubnet }

func (o *ClientSubnetOption) packData(b *builder) {
	b.u16(o.Family)
	b.u8(o.SourcePrefix)
	b.u8(o.ScopePrefix)
	b.bytes(o.Address)
}

// Addr returns the address padded with zero octets to its full length.
func (o *ClientSubnetOption) Addr() netip.Addr {
	if o.Family == 1 {
		var a [4]byte
		copy(a[:], o.Address)
		return netip.AddrFrom4(a)
	}
	var a [16]byte
	copy(a[:], o.Address)
	return netip.AddrFrom16(a)
}

// Prefix returns the announced source prefix.
func (o *ClientSubnetOption) Prefix() netip.Prefix {
	p, err := o.Addr().Prefix(int(o.SourcePrefix))
	if err != nil {
		return netip.PrefixFrom(o.Addr(), 0)
	}
	return p
}

func (o *ClientSubnetOption) String() string {
	fam := "4"
	if o.Family == 2 {
		fam = "6"
	}
	return fmt.Sprintf("ECS: %s,%s/%d,%d", fam, o.Addr(), o.SourcePrefix, o.ScopePrefix)
}

// PaddingOption is the EDNS padding option.
type PaddingOption struct {
	Padding []byte
}

func (*PaddingOption) Code() uint16          { return OptionPadding }
func (o *PaddingOption) packData(b *builder) { b.bytes(o.Padding) }
func (o *PaddingOption) String() string {
	return fmt.Sprintf("PADDING: %d bytes", len(o.Padding))
}

// KeyTagOption lists the key tags of trust anchors (RFC 8145).
type KeyTagOption struct {
	Tags []uint16
}

func (*KeyTagOption) Code() uint16 { return OptionKeyTag }
func (o *KeyTagOption) packData(b *builder) {
	for _, t := range o.Tags {
		b.u16(t)
	}
}
func (o *KeyTagOption) String() string {
	return fmt.Sprintf("KEY-TAG: %v", o.Tags)
}

// GenericOption keeps the raw data of any other option code.
type GenericOption struct {
	OptionCode uint16
	Data       []byte
}

func (o *GenericOption) Code() uint16        { return o.OptionCode }
func (o *GenericOption) packData(b *builder) { b.bytes(o.Data) }
func (o *GenericOption) String() string {
	return fmt.Sprintf("OPTION%d: %s", o.OptionCode, hex.EncodeToString(o.Data))
}
