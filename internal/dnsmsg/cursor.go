package dnsmsg

import (
	"encoding/binary"
	"fmt"
)

// cursor reads big-endian fields from a message. The position is a plain int
// so callers can save it and move back to it; end bounds every fixed-size
// read, while compression pointers may still reach anywhere before the
// current position in buf.
type cursor struct {
	buf []byte
	off int
	end int
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf, end: len(buf)}
}

// sub returns a cursor over the next n bytes, sharing buf so names inside
// RDATA can still follow pointers into the rest of the message.
func (c *cursor) sub(n int) *cursor {
	return &cursor{buf: c.buf, off: c.off, end: c.off + n}
}

func (c *cursor) remaining() int {
	return c.end - c.off
}

func (c *cursor) need(n int, what string) error {
	if n < 0 || c.off+n > c.end {
		return fmt.Errorf("%s at offset %d: %w", what, c.off, ErrShortBuffer)
	}
	return nil
}

func (c *cursor) u8(what string) (uint8, error) {
	if err := c.need(1, what); err != nil {
		return 0, err
	}
	v := c.buf[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16(what string) (uint16, error) {
	if err := c.need(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32(what string) (uint32, error) {
	if err := c.need(4, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

// bytes returns a copy of the next n bytes.
func (c *cursor) bytes(n int, what string) ([]byte, error) {
	if err := c.need(n, what); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[c.off:c.off+n])
	c.off += n
	return out, nil
}

// rest returns a copy of everything up to end.
func (c *cursor) rest() []byte {
	out, _ := c.bytes(c.remaining(), "rest")
	return out
}

// characterString reads a length-prefixed RFC 1035 <character-string>.
func (c *cursor) characterString(what string) (string, error) {
	n, err := c.u8(what)
	if err != nil {
		return "", err
	}
	b, err := c.bytes(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// builder accumulates an encoded message.
type builder struct {
	buf []byte
}

func (b *builder) u8(v uint8) {
	b.buf = append(b.buf, v)
}

func (b *builder) u16(v uint16) {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
}

func (b *builder) u32(v uint32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
}

func (b *builder) bytes(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *builder) characterString(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%q: %w", s, ErrStringTooLong)
	}
	b.u8(uint8(len(s)))
	b.buf = append(b.buf, s...)
	return nil
}

// lengthPrefixed writes a 16 bit length placeholder, runs fn and patches the
// length with the number of bytes fn appended.
func (b *builder) lengthPrefixed(fn func() error) error {
	at := len(b.buf)
	b.u16(0)
	if err := fn(); err != nil {
		return err
	}
	n := len(b.buf) - at - 2
	if n > 0xFFFF {
		return fmt.Errorf("rdata of %d bytes: %w", n, ErrBadRData)
	}
	binary.BigEndian.PutUint16(b.buf[at:], uint16(n))
	return nil
}
