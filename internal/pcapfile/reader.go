// Package pcapfile reads classic libpcap capture files and strips the link
// layer of every frame so that callers receive raw IP packets.
package pcapfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	// maxFrameLen bounds the frames handed to callers. Larger frames are
	// read, counted as skipped and dropped.
	maxFrameLen = 256 * 1024

	// frameReadLimit is the largest captured length still read. Beyond it
	// the frame header is taken as corrupt and the rest of the file is lost.
	frameReadLimit = 64 * 1024 * 1024

	// DefaultBufferSize is used when a caller passes a non-positive size.
	DefaultBufferSize = 64 * 1024
)

var (
	ErrBadHeader           = errors.New("pcapfile: not a pcap capture")
	ErrUnsupportedLinkType = errors.New("pcapfile: unsupported link type")
	ErrTruncated           = errors.New("pcapfile: truncated capture")
	ErrFrameTooLarge       = errors.New("pcapfile: frame larger than any sane snapshot length")
	ErrBadFrame            = errors.New("pcapfile: inconsistent frame header")
)

// IsFramingError reports whether err means the capture content is broken,
// as opposed to the file not being readable at all.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrBadHeader) ||
		errors.Is(err, ErrUnsupportedLinkType) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrBadFrame)
}

// Frame is one captured packet with its link layer removed.
type Frame struct {
	// Number is the 1-based position of the frame in the file.
	Number int
	// Timestamp is the capture time; Seconds and Micros are its raw parts
	// with the sub-second ticks normalized to microseconds.
	Timestamp time.Time
	Seconds   uint32
	Micros    uint32
	// CapturedLen and OriginalLen come from the frame header.
	CapturedLen int
	OriginalLen int
	// IP holds the packet from the first byte of its IP header.
	IP []byte
}

// Reader is a forward-only iterator over the frames of one capture.
type Reader struct {
	pr      *pcapgo.Reader
	snapLen uint32

	frames  int
	skipped int
}

// NewReader consumes the global header of a capture. Gzip-compressed
// captures are detected and decompressed by pcapgo.
func NewReader(r io.Reader, bufSize int) (*Reader, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if _, ok := r.(*bufio.Reader); !ok {
		r = bufio.NewReaderSize(r, bufSize)
	}

	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, headerError(err)
	}
	if !supported(pr.LinkType()) {
		return nil, fmt.Errorf("link type %d: %w", pr.LinkType(), ErrUnsupportedLinkType)
	}

	rd := &Reader{pr: pr, snapLen: pr.Snaplen()}
	// Writers do not always honour their own snapshot length; frames are
	// bounded by frameReadLimit instead.
	pr.SetSnaplen(frameReadLimit)
	return rd, nil
}

func headerError(err error) error {
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("global header: %w", ErrTruncated)
	default:
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
}

// Open opens a capture file, plain or gzip-compressed. The returned closer
// releases the file.
func Open(path string, bufSize int) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	rd, err := NewReader(f, bufSize)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return rd, f, nil
}

// LinkType returns the link type declared by the global header.
func (r *Reader) LinkType() layers.LinkType { return r.pr.LinkType() }

// SnapLen returns the snapshot length declared by the global header.
func (r *Reader) SnapLen() uint32 { return r.snapLen }

// Frames returns the number of frames read so far, Skipped those dropped
// because they were oversized or their link layer did not carry IP.
func (r *Reader) Frames() int  { return r.frames }
func (r *Reader) Skipped() int { return r.skipped }

// Next returns the next frame carrying an IP packet. It returns io.EOF at
// the end of the capture and ErrTruncated when the last frame is cut short.
// Frames without IP and oversized frames are skipped and counted, never
// returned as errors.
func (r *Reader) Next() (Frame, error) {
	for {
		data, ci, err := r.pr.ReadPacketData()
		if err != nil {
			return Frame{}, r.frameError(ci, err)
		}
		r.frames++

		if len(data) > maxFrameLen {
			r.skipped++
			continue
		}
		ip, ok := stripLinkLayer(r.pr.LinkType(), data)
		if !ok {
			r.skipped++
			continue
		}

		return Frame{
			Number:      r.frames,
			Timestamp:   ci.Timestamp,
			Seconds:     uint32(ci.Timestamp.Unix()),
			Micros:      uint32(ci.Timestamp.Nanosecond() / 1000),
			CapturedLen: ci.CaptureLength,
			OriginalLen: ci.Length,
			IP:          trimToIPLength(ip),
		}, nil
	}
}

func (r *Reader) frameError(ci gopacket.CaptureInfo, err error) error {
	n := r.frames + 1
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr):
		return err
	case errors.Is(err, io.EOF) && ci.CaptureLength == 0:
		return io.EOF
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("frame %d: %w", n, ErrTruncated)
	case ci.CaptureLength > frameReadLimit:
		return fmt.Errorf("frame %d of %d bytes: %w", n, ci.CaptureLength, ErrFrameTooLarge)
	default:
		return fmt.Errorf("frame %d: %w: %v", n, ErrBadFrame, err)
	}
}
