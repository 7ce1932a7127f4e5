package dnsmsg

import (
	"fmt"
	"strings"
)

const (
	maxPointerJumps   = 10
	maxNameWireLength = 255
	maxLabelLength    = 63
)

// name decodes a possibly compressed domain name at the cursor. The cursor
// ends up after the terminating zero octet, or after the first compression
// pointer when the name is compressed.
func (c *cursor) name(what string) (string, error) {
	var sb strings.Builder
	off := c.off
	limit := c.end
	resume := -1
	jumps := 0
	wire := 1

	for {
		if off >= limit {
			return "", fmt.Errorf("%s at offset %d: %w", what, off, ErrShortBuffer)
		}
		l := int(c.buf[off])
		switch l & 0xC0 {
		case 0x00:
			if l == 0 {
				off++
				if resume >= 0 {
					c.off = resume
				} else {
					c.off = off
				}
				if sb.Len() == 0 {
					return ".", nil
				}
				return sb.String(), nil
			}
			if off+1+l > limit {
				return "", fmt.Errorf("%s label at offset %d: %w", what, off, ErrShortBuffer)
			}
			wire += l + 1
			if wire > maxNameWireLength {
				return "", fmt.Errorf("%s: %w", what, ErrNameTooLong)
			}
			appendLabel(&sb, c.buf[off+1:off+1+l])
			sb.WriteByte('.')
			off += l + 1
		case 0xC0:
			if off+2 > limit {
				return "", fmt.Errorf("%s pointer at offset %d: %w", what, off, ErrShortBuffer)
			}
			ptr := (l&0x3F)<<8 | int(c.buf[off+1])
			if ptr >= off {
				return "", fmt.Errorf("%s pointer %d at offset %d: %w", what, ptr, off, ErrBadPointer)
			}
			jumps++
			if jumps > maxPointerJumps {
				return "", fmt.Errorf("%s: %w", what, ErrPointerLoop)
			}
			if resume < 0 {
				resume = off + 2
			}
			off = ptr
			limit = len(c.buf)
		default:
			return "", fmt.Errorf("%s label 0x%02x at offset %d: %w", what, l, off, ErrLabelType)
		}
	}
}

func appendLabel(sb *strings.Builder, label []byte) {
	for _, b := range label {
		switch {
		case b == '.' || b == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(b)
		case b <= 0x20 || b >= 0x7F:
			fmt.Fprintf(sb, "\\%03d", b)
		default:
			sb.WriteByte(b)
		}
	}
}

// splitName turns a presentation name into its wire labels, undoing the
// escapes produced by appendLabel.
func splitName(name string) ([][]byte, error) {
	if name == "" || name == "." {
		return nil, nil
	}
	var (
		labels [][]byte
		cur    []byte
	)
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch == '\\':
			if i+3 < len(name) && isDigit(name[i+1]) && isDigit(name[i+2]) && isDigit(name[i+3]) {
				v := int(name[i+1]-'0')*100 + int(name[i+2]-'0')*10 + int(name[i+3]-'0')
				if v > 255 {
					return nil, fmt.Errorf("%q: bad escape: %w", name, ErrBadName)
				}
				cur = append(cur, byte(v))
				i += 3
				continue
			}
			if i+1 >= len(name) {
				return nil, fmt.Errorf("%q: trailing backslash: %w", name, ErrBadName)
			}
			cur = append(cur, name[i+1])
			i++
		case ch == '.':
			if len(cur) == 0 {
				return nil, fmt.Errorf("%q: empty label: %w", name, ErrBadName)
			}
			labels = append(labels, cur)
			cur = nil
		default:
			cur = append(cur, ch)
		}
	}
	if len(cur) > 0 {
		labels = append(labels, cur)
	}
	return labels, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// name appends name in uncompressed wire form.
func (b *builder) name(name string) error {
	labels, err := splitName(name)
	if err != nil {
		return err
	}
	wire := 1
	for _, l := range labels {
		if len(l) > maxLabelLength {
			return fmt.Errorf("%q: label longer than 63 octets: %w", name, ErrBadName)
		}
		wire += len(l) + 1
		b.u8(uint8(len(l)))
		b.bytes(l)
	}
	if wire > maxNameWireLength {
		return fmt.Errorf("%q: %w", name, ErrNameTooLong)
	}
	b.u8(0)
	return nil
}

// NameWireLength returns the uncompressed wire length of a presentation name.
func NameWireLength(name string) int {
	labels, err := splitName(name)
	if err != nil {
		return 0
	}
	n := 1
	for _, l := range labels {
		n += len(l) + 1
	}
	return n
}

// LabelCount returns the number of labels in name, not counting the root and
// a leading wildcard label, the way RRSIG counts them.
func LabelCount(name string) int {
	labels, err := splitName(name)
	if err != nil {
		return 0
	}
	if len(labels) > 0 && string(labels[0]) == "*" {
		return len(labels) - 1
	}
	return len(labels)
}

// CanonicalName lowercases the ASCII letters of name. It is the form used in
// correlation keys.
func CanonicalName(name string) string {
	return strings.ToLower(name)
}
