package dnsmsg

import (
	"fmt"

	"github.com/miekg/dns"
)

// Type is a resource record type code.
type Type uint16

// Record types with a typed RDATA decoder, plus the query-only types the
// correlation engine needs to recognize.
const (
	TypeA          Type = 1
	TypeNS         Type = 2
	TypeCNAME      Type = 5
	TypeSOA        Type = 6
	TypePTR        Type = 12
	TypeHINFO      Type = 13
	TypeMX         Type = 15
	TypeTXT        Type = 16
	TypeAAAA       Type = 28
	TypeLOC        Type = 29
	TypeSRV        Type = 33
	TypeNAPTR      Type = 35
	TypeDNAME      Type = 39
	TypeOPT        Type = 41
	TypeDS         Type = 43
	TypeSSHFP      Type = 44
	TypeRRSIG      Type = 46
	TypeNSEC       Type = 47
	TypeDNSKEY     Type = 48
	TypeNSEC3      Type = 50
	TypeNSEC3PARAM Type = 51
	TypeTLSA       Type = 52
	TypeCDS        Type = 59
	TypeCDNSKEY    Type = 60
	TypeSPF        Type = 99
	TypeIXFR       Type = 251
	TypeAXFR       Type = 252
	TypeANY        Type = 255
	TypeURI        Type = 256
	TypeCAA        Type = 257
)

// String returns the mnemonic of the type, or TYPEnnn for unassigned codes.
func (t Type) String() string {
	if s, ok := dns.TypeToString[uint16(t)]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

// IsZoneTransfer reports whether t is AXFR or IXFR.
func (t Type) IsZoneTransfer() bool {
	return t == TypeAXFR || t == TypeIXFR
}

// Class is a resource record class code.
type Class uint16

const (
	ClassINET   Class = 1
	ClassCHAOS  Class = 3
	ClassHESIOD Class = 4
	ClassNONE   Class = 254
	ClassANY    Class = 255
)

func (c Class) String() string {
	if s, ok := dns.ClassToString[uint16(c)]; ok {
		return s
	}
	return fmt.Sprintf("CLASS%d", uint16(c))
}

// Rcode is a response code. Values above 15 only appear once the extended
// rcode bits of an OPT record have been merged in.
type Rcode uint16

const (
	RcodeSuccess        Rcode = 0
	RcodeFormatError    Rcode = 1
	RcodeServerFailure  Rcode = 2
	RcodeNameError      Rcode = 3
	RcodeNotImplemented Rcode = 4
	RcodeRefused        Rcode = 5
	RcodeBadVers        Rcode = 16
)

func (r Rcode) String() string {
	if s, ok := dns.RcodeToString[int(r)]; ok {
		return s
	}
	return fmt.Sprintf("RCODE%d", uint16(r))
}

// Opcode is the 4 bit operation code of the header.
type Opcode uint8

const (
	OpcodeQuery  Opcode = 0
	OpcodeIQuery Opcode = 1
	OpcodeStatus Opcode = 2
	OpcodeNotify Opcode = 4
	OpcodeUpdate Opcode = 5
)

// String maps the opcode to QUERY, IQUERY, STATUS, NOTIFY or UPDATE; any other
// value is UNASSIGNED.
func (o Opcode) String() string {
	switch o {
	case OpcodeQuery:
		return "QUERY"
	case OpcodeIQuery:
		return "IQUERY"
	case OpcodeStatus:
		return "STATUS"
	case OpcodeNotify:
		return "NOTIFY"
	case OpcodeUpdate:
		return "UPDATE"
	default:
		return "UNASSIGNED"
	}
}

// Assigned reports whether the opcode has a known meaning.
func (o Opcode) Assigned() bool {
	return o.String() != "UNASSIGNED"
}
