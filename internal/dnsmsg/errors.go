package dnsmsg

import "errors"

var (
	// ErrShortBuffer is returned when a field extends past the end of the data.
	ErrShortBuffer = errors.New("dnsmsg: short buffer")

	// ErrPointerLoop is returned when a compressed name needs too many jumps.
	ErrPointerLoop = errors.New("dnsmsg: too many compression pointers")

	// ErrBadPointer is returned for a compression pointer that does not point
	// to an earlier position in the message.
	ErrBadPointer = errors.New("dnsmsg: compression pointer does not point backwards")

	// ErrLabelType is returned for the reserved 01 and 10 label types.
	ErrLabelType = errors.New("dnsmsg: unsupported label type")

	// ErrNameTooLong is returned for names longer than 255 octets on the wire.
	ErrNameTooLong = errors.New("dnsmsg: name too long")

	// ErrBadRData is returned when RDATA does not match the layout of its type.
	ErrBadRData = errors.New("dnsmsg: malformed rdata")

	// ErrBadName is returned by the encoder for names it cannot serialize.
	ErrBadName = errors.New("dnsmsg: invalid name")

	// ErrStringTooLong is returned by the encoder for character strings longer
	// than 255 octets.
	ErrStringTooLong = errors.New("dnsmsg: character string too long")
)
