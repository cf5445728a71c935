// Package wire implements the length-delimited framing and the tagged-union
// control-message codec shared by both peers of a call.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned by Reader.ReadFrame when an incoming frame's
// declared length exceeds the Reader's maxFrameSize, and by
// Writer.WriteFrame when a payload does not fit a 16-bit length prefix.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// LenWidth selects the byte width of a frame's length prefix.
type LenWidth int

const (
	// LenWidth64 is used by the control sub-stream: an arbitrary-sized
	// frame may carry a chat attachment.
	LenWidth64 LenWidth = 8
	// LenWidth16 is used by the audio sub-stream, whose frames are bounded
	// by the codec's raw frame byte size.
	LenWidth16 LenWidth = 2
)

// Reader reads length-delimited frames off an underlying byte stream.
// Not safe for concurrent use; callers serialize their own reads, matching
// the ordering guarantee that per sub-stream reads preserve message order.
type Reader struct {
	r            *bufio.Reader
	width        LenWidth
	maxFrameSize int // 0 means unbounded (control sub-stream)
}

// NewReader wraps r with the given length-prefix width. maxFrameSize bounds
// the audio sub-stream's frames; pass 0 for the control sub-stream, which has
// no fixed maximum.
func NewReader(r io.Reader, width LenWidth, maxFrameSize int) *Reader {
	return &Reader{r: bufio.NewReader(r), width: width, maxFrameSize: maxFrameSize}
}

// ReadFrame reads and returns the next frame's payload. Any read error on the
// underlying stream is fatal and should tear down the owning session.
func (fr *Reader) ReadFrame() ([]byte, error) {
	n, err := fr.readLen()
	if err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	if fr.maxFrameSize > 0 && n > uint64(fr.maxFrameSize) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return buf, nil
}

func (fr *Reader) readLen() (uint64, error) {
	switch fr.width {
	case LenWidth64:
		var b [8]byte
		if _, err := io.ReadFull(fr.r, b[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(b[:]), nil
	case LenWidth16:
		var b [2]byte
		if _, err := io.ReadFull(fr.r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(b[:])), nil
	default:
		return 0, fmt.Errorf("wire: invalid length width %d", fr.width)
	}
}

// Writer writes length-delimited frames to an underlying byte stream.
// Not safe for concurrent use.
type Writer struct {
	w     io.Writer
	width LenWidth
}

// NewWriter wraps w with the given length-prefix width.
func NewWriter(w io.Writer, width LenWidth) *Writer {
	return &Writer{w: w, width: width}
}

// WriteFrame writes payload as one length-delimited frame. The length prefix
// and the payload are written with a single underlying Write where possible
// so that framing remains atomic with respect to a concurrent reader on the
// peer side.
func (fw *Writer) WriteFrame(payload []byte) error {
	switch fw.width {
	case LenWidth64:
		buf := make([]byte, 8+len(payload))
		binary.BigEndian.PutUint64(buf, uint64(len(payload)))
		copy(buf[8:], payload)
		_, err := fw.w.Write(buf)
		return err
	case LenWidth16:
		if len(payload) > 0xFFFF {
			return ErrFrameTooLarge
		}
		buf := make([]byte, 2+len(payload))
		binary.BigEndian.PutUint16(buf, uint16(len(payload)))
		copy(buf[2:], payload)
		_, err := fw.w.Write(buf)
		return err
	default:
		return fmt.Errorf("wire: invalid length width %d", fw.width)
	}
}
