// Package cnl implements the cannelloni TCP framing used by the node to talk
// to remote CAN tools.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned for a length byte outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
)

// frameSize is the worst case wire size of one classic frame.
const frameSize = 4 + 1 + can.MaxLen

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * frameSize)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns the bytes written. Each frame is a
// big endian SocketCAN identifier (EFF and RTR flags included), a length byte
// and the payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var b [frameSize]byte
	for i := range frames {
		f := &frames[i]
		ln := min(int(f.Len), can.MaxLen)
		binary.BigEndian.PutUint32(b[:4], f.CANID())
		b[4] = byte(ln)
		copy(b[5:], f.Data[:ln])
		n, err := w.Write(b[:5+ln])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	id := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit is the FD flag of newer peers
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxLen]byte
	if _, err := io.ReadFull(r, data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return can.FromCANID(id, data[:ln]), nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking
// onFrame for each. It returns the number decoded and the terminal error, which
// can be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
