package dnsmsg

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DS is a delegation signer digest; CDS records share its layout.
type DS struct {
	KeyTag     uint16
	Algorithm  uint8
	DigestType uint8
	Digest     []byte
}

func (r *DS) unpack(c *cursor) error {
	var err error
	if r.KeyTag, err = c.u16("DS key tag"); err != nil {
		return err
	}
	if r.Algorithm, err = c.u8("DS algorithm"); err != nil {
		return err
	}
	if r.DigestType, err = c.u8("DS digest type"); err != nil {
		return err
	}
	r.Digest = c.rest()
	return nil
}

func (r *DS) pack(b *builder) error {
	b.u16(r.KeyTag)
	b.u8(r.Algorithm)
	b.u8(r.DigestType)
	b.bytes(r.Digest)
	return nil
}

func (r *DS) String() string {
	return fmt.Sprintf("%d %d %d %s", r.KeyTag, r.Algorithm, r.DigestType, strings.ToUpper(hex.EncodeToString(r.Digest)))
}

// SSHFP is an SSH host key fingerprint.
type SSHFP struct {
	Algorithm       uint8
	FingerprintType uint8
	Fingerprint     []byte
}

func (r *SSHFP) unpack(c *cursor) error {
	var err error
	if r.Algorithm, err = c.u8("SSHFP algorithm"); err != nil {
		return err
	}
	if r.FingerprintType, err = c.u8("SSHFP type"); err != nil {
		return err
	}
	r.Fingerprint = c.rest()
	return nil
}

func (r *SSHFP) pack(b *builder) error {
	b.u8(r.Algorithm)
	b.u8(r.FingerprintType)
	b.bytes(r.Fingerprint)
	return nil
}

func (r *SSHFP) String() string {
	return fmt.Sprintf("%d %d %s", r.Algorithm, r.FingerprintType, strings.ToUpper(hex.EncodeToString(r.Fingerprint)))
}

// TLSA associates a certificate with a service (RFC 6698).
type TLSA struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Certificate  []byte
}

func (r *TLSA) unpack(c *cursor) error {
	var err error
	for _, f := range []*uint8{&r.Usage, &r.Selector, &r.MatchingType} {
		if *f, err = c.u8("TLSA"); err != nil {
			return err
		}
	}
	r.Certificate = c.rest()
	return nil
}

func (r *TLSA) pack(b *builder) error {
	b.u8(r.Usage)
	b.u8(r.Selector)
	b.u8(r.MatchingType)
	b.bytes(r.Certificate)
	return nil
}

func (r *TLSA) String() string {
	return fmt.Sprintf("%d %d %d %s", r.Usage, r.Selector, r.MatchingType, hex.EncodeToString(r.Certificate))
}

// rrsigFixedLen is the size of the RRSIG fields before the signer name.
const rrsigFixedLen = 18

// RRSIG is a signature over an RRset. The signature is whatever follows the
// signer name, i.e. rdlength - 18 - the wire length of the signer name.
type RRSIG struct {
	TypeCovered Type
	Algorithm   uint8
	Labels      uint8
	OriginalTTL uint32
	Expiration  uint32
	Inception   uint32
	KeyTag      uint16
	SignerName  string
	Signature   []byte
}

func (r *RRSIG) unpack(c *cursor) error {
	if c.remaining() < rrsigFixedLen+1 {
		return fmt.Errorf("RRSIG of %d bytes: %w", c.remaining(), ErrBadRData)
	}
	t, _ := c.u16("RRSIG type covered")
	r.TypeCovered = Type(t)
	r.Algorithm, _ = c.u8("RRSIG algorithm")
	r.Labels, _ = c.u8("RRSIG labels")
	r.OriginalTTL, _ = c.u32("RRSIG original ttl")
	r.Expiration, _ = c.u32("RRSIG expiration")
	r.Inception, _ = c.u32("RRSIG inception")
	r.KeyTag, _ = c.u16("RRSIG key tag")
	var err error
	if r.SignerName, err = c.name("RRSIG signer"); err != nil {
		return err
	}
	r.Signature = c.rest()
	return nil
}

func (r *RRSIG) pack(b *builder) error {
	b.u16(uint16(r.TypeCovered))
	b.u8(r.Algorithm)
	b.u8(r.Labels)
	b.u32(r.OriginalTTL)
	b.u32(r.Expiration)
	b.u32(r.Inception)
	b.u16(r.KeyTag)
	if err := b.name(r.SignerName); err != nil {
		return err
	}
	b.bytes(r.Signature)
	return nil
}

// Wildcard reports whether the signature was generated from a wildcard,
// which is the case when the owner has more labels than the signature covers.
func (r *RRSIG) Wildcard(owner string) bool {
	return LabelCount(owner) > int(r.Labels)
}

func rrsigTime(v uint32) string {
	return time.Unix(int64(v), 0).UTC().Format("20060102150405")
}

func (r *RRSIG) String() string {
	return fmt.Sprintf("%s %d %d %d %s %s %d %s %s", r.TypeCovered, r.Algorithm, r.Labels, r.OriginalTTL,
		rrsigTime(r.Expiration), rrsigTime(r.Inception), r.KeyTag, r.SignerName,
		base64.StdEncoding.EncodeToString(r.Signature))
}

// DNSKEY is a zone public key; CDNSKEY records share its layout.
type DNSKEY struct {
	Flags     uint16
	Protocol  uint8
	Algorithm uint8
	PublicKey []byte
}

const (
	dnskeyZoneFlag = 0x0100
	dnskeySEPFlag  = 0x0001
)

func (r *DNSKEY) unpack(c *cursor) error {
	var err error
	if r.Flags, err = c.u16("DNSKEY flags"); err != nil {
		return err
	}
	if r.Protocol, err = c.u8("DNSKEY protocol"); err != nil {
		return err
	}
	if r.Algorithm, err = c.u8("DNSKEY algorithm"); err != nil {
		return err
	}
	r.PublicKey = c.rest()
	return nil
}

func (r *DNSKEY) pack(b *builder) error {
	b.u16(r.Flags)
	b.u8(r.Protocol)
	b.u8(r.Algorithm)
	b.bytes(r.PublicKey)
	return nil
}

// ZoneKey reports whether the zone key flag is set.
func (r *DNSKEY) ZoneKey() bool { return r.Flags&dnskeyZoneFlag != 0 }

// SEP reports whether the secure entry point flag is set.
func (r *DNSKEY) SEP() bool { return r.Flags&dnskeySEPFlag != 0 }

// Valid checks protocol 3 and one of the flag combinations in use.
func (r *DNSKEY) Valid() bool {
	return r.Protocol == 3 && (r.Flags == 0 || r.Flags == 256 || r.Flags == 257)
}

// KeyTag computes the key tag of RFC 4034 appendix B.
func (r *DNSKEY) KeyTag() uint16 {
	var b builder
	_ = r.pack(&b)
	if r.Algorithm == 1 {
		// RSA/MD5: the tag is taken from the modulus.
		if len(r.PublicKey) < 3 {
			return 0
		}
		k := r.PublicKey
		return uint16(k[len(k)-3])<<8 | uint16(k[len(k)-2])
	}
	var ac uint32
	for i, v := range b.buf {
		if i&1 == 1 {
			ac += uint32(v)
		} else {
			ac += uint32(v) << 8
		}
	}
	ac += ac >> 16 & 0xFFFF
	return uint16(ac & 0xFFFF)
}

func (r *DNSKEY) String() string {
	return fmt.Sprintf("%d %d %d %s", r.Flags, r.Protocol, r.Algorithm, base64.StdEncoding.EncodeToString(r.PublicKey))
}

// NSEC proves the nonexistence of names and types.
type NSEC struct {
	NextDomain string
	Types      []Type
}

func (r *NSEC) unpack(c *cursor) error {
	var err error
	if r.NextDomain, err = c.name("NSEC next domain"); err != nil {
		return err
	}
	r.Types, err = unpackTypeBitmap(c)
	return err
}

func (r *NSEC) pack(b *builder) error {
	if err := b.name(r.NextDomain); err != nil {
		return err
	}
	packTypeBitmap(b, r.Types)
	return nil
}

func (r *NSEC) String() string {
	return strings.TrimSpace(r.NextDomain + " " + typesString(r.Types))
}

const nsec3OptOut = 0x01

// NSEC3 is the hashed variant of NSEC (RFC 5155).
type NSEC3 struct {
	HashAlgorithm uint8
	Flags         uint8
	Iterations    uint16
	Salt          []byte
	NextHashed    []byte
	Types         []Type
}

func (r *NSEC3) unpack(c *cursor) error {
	var err error
	if r.HashAlgorithm, r.Flags, r.Iterations, r.Salt, err = unpackNSEC3Params(c); err != nil {
		return err
	}
	n, err := c.u8("NSEC3 hash length")
	if err != nil {
		return err
	}
	if r.NextHashed, err = c.bytes(int(n), "NSEC3 next hashed owner"); err != nil {
		return err
	}
	r.Types, err = unpackTypeBitmap(c)
	return err
}

func (r *NSEC3) pack(b *builder) error {
	if err := packNSEC3Params(b, r.HashAlgorithm, r.Flags, r.Iterations, r.Salt); err != nil {
		return err
	}
	if len(r.NextHashed) > 255 {
		return fmt.Errorf("NSEC3 hash of %d bytes: %w", len(r.NextHashed), ErrBadRData)
	}
	b.u8(uint8(len(r.NextHashed)))
	b.bytes(r.NextHashed)
	packTypeBitmap(b, r.Types)
	return nil
}

// OptOut reports whether the opt-out flag is set.
func (r *NSEC3) OptOut() bool { return r.Flags&nsec3OptOut != 0 }

// NextHashedOwner returns the next hashed owner name in base32hex.
func (r *NSEC3) NextHashedOwner() string {
	return strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(r.NextHashed))
}

func (r *NSEC3) String() string {
	return strings.TrimSpace(fmt.Sprintf("%d %d %d %s %s %s", r.HashAlgorithm, r.Flags, r.Iterations,
		saltString(r.Salt), r.NextHashedOwner(), typesString(r.Types)))
}

// NSEC3PARAM carries the NSEC3 hashing parameters of a zone.
type NSEC3PARAM struct {
	HashAlgorithm uint8
	Flags         uint8
	Iterations    uint16
	Salt          []byte
}

func (r *NSEC3PARAM) unpack(c *cursor) error {
	var err error
	r.HashAlgorithm, r.Flags, r.Iterations, r.Salt, err = unpackNSEC3Params(c)
	return err
}

func (r *NSEC3PARAM) pack(b *builder) error {
	return packNSEC3Params(b, r.HashAlgorithm, r.Flags, r.Iterations, r.Salt)
}

// OptOut reports whether the opt-out flag is set.
func (r *NSEC3PARAM) OptOut() bool { return r.Flags&nsec3OptOut != 0 }

func (r *NSEC3PARAM) String() string {
	return fmt.Sprintf("%d %d %d %s", r.HashAlgorithm, r.Flags, r.Iterations, saltString(r.Salt))
}

func unpackNSEC3Params(c *cursor) (alg, flags uint8, iterations uint16, salt []byte, err error) {
	if alg, err = c.u8("NSEC3 hash algorithm"); err != nil {
		return
	}
	if flags, err = c.u8("NSEC3 flags"); err != nil {
		return
	}
	if iterations, err = c.u16("NSEC3 iterations"); err != nil {
		return
	}
	var n uint8
	if n, err = c.u8("NSEC3 salt length"); err != nil {
		return
	}
	salt, err = c.bytes(int(n), "NSEC3 salt")
	return
}

func packNSEC3Params(b *builder, alg, flags uint8, iterations uint16, salt []byte) error {
	if len(salt) > 255 {
		return fmt.Errorf("NSEC3 salt of %d bytes: %w", len(salt), ErrBadRData)
	}
	b.u8(alg)
	b.u8(flags)
	b.u16(iterations)
	b.u8(uint8(len(salt)))
	b.bytes(salt)
	return nil
}

func saltString(salt []byte) string {
	if len(salt) == 0 {
		return "-"
	}
	return strings.ToUpper(hex.EncodeToString(salt))
}

// unpackTypeBitmap reads the windowed type bitmap that fills the rest of an
// NSEC or NSEC3 record. Bit p of window w stands for type w*256+p.
func unpackTypeBitmap(c *cursor) ([]Type, error) {
	var types []Type
	for c.remaining() > 0 {
		window, err := c.u8("bitmap window")
		if err != nil {
			return types, err
		}
		length, err := c.u8("bitmap length")
		if err != nil {
			return types, err
		}
		if length == 0 || length > 32 {
			return types, fmt.Errorf("bitmap window %d of length %d: %w", window, length, ErrBadRData)
		}
		bits, err := c.bytes(int(length), "bitmap")
		if err != nil {
			return types, err
		}
		for i, octet := range bits {
			for bit := 0; bit < 8; bit++ {
				if octet&(0x80>>bit) != 0 {
					types = append(types, Type(int(window)*256+i*8+bit))
				}
			}
		}
	}
	return types, nil
}

func packTypeBitmap(b *builder, types []Type) {
	if len(types) == 0 {
		return
	}
	sorted := append([]Type(nil), types...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i := 0; i < len(sorted); {
		window := uint8(sorted[i] >> 8)
		var bits [32]byte
		length := 0
		for ; i < len(sorted) && uint8(sorted[i]>>8) == window; i++ {
			low := int(sorted[i] & 0xFF)
			bits[low/8] |= 0x80 >> (low % 8)
			if low/8+1 > length {
				length = low/8 + 1
			}
		}
		b.u8(window)
		b.u8(uint8(length))
		b.bytes(bits[:length])
	}
}

func typesString(types []Type) string {
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = t.String()
	}
	return strings.Join(s, " ")
}
