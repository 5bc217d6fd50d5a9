// Package serial speaks the Ampio UART CAN adapter protocol. The bridge uses
// it to connect the simulated bus to a physical adapter.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// Codec is stateless; DecodeStream keeps its state in the caller's buffer.
type Codec struct{}

const (
	pre0    = 0x2D
	preTX   = 0xD4
	insSend = 2    // CAN UART send with extended identifier
	flagStd = 0x80 // classic frame marker in the flags byte

	// Receive length byte bounds: ID, payload and checksum.
	rxMinLn = 4 + 1
	rxMaxLn = 4 + can.MaxLen + 1
)

// CompactBuffer moves the unread bytes of a large, mostly consumed buffer into
// a right-sized one. It reports whether it did.
func CompactBuffer(b *bytes.Buffer) bool {
	if b.Len() < 1024 || b.Len()*4 >= b.Cap() {
		return false
	}
	*b = *bytes.NewBuffer(bytes.Clone(b.Bytes()))
	return true
}

// envelope wraps body as [2D D4 len+1 body... checksum] where checksum is
// (len+1) + 0x2D + sum(body) mod 256.
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = pre0, preTX, byte(n+1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode returns the adapter send command for f. The adapter always puts
// 29-bit identifiers on its bus, so standard identifiers travel as extended
// frames with the same numeric value.
func (Codec) Encode(f can.Frame) []byte {
	p := f.Payload()
	body := make([]byte, 6+len(p))
	body[0] = insSend
	body[1] = flagStd | byte(len(p))
	binary.BigEndian.PutUint32(body[2:6], f.ID&can.CAN_EFF_MASK)
	copy(body[6:], p)
	return envelope(body)
}

// DecodeStream extracts every complete frame from in, calling out for each,
// and leaves a trailing partial frame in the buffer. Bytes that do not start
// a valid frame are skipped and counted as malformed.
//
// Receive frame layout: 2D D4 len ID(4) payload(0..8) checksum, where len
// counts ID, payload and checksum.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{pre0, preTX}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// Keep the last byte: it may be the first half of a preamble.
			last := data[len(data)-1]
			in.Reset()
			if last == pre0 {
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < rxMinLn || ln > rxMaxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		id := binary.BigEndian.Uint32(data[3:7])
		out(can.FromCANID(id|can.CAN_EFF_FLAG, data[7:req-1]))
		metrics.IncSerialRx()
		in.Next(req)
	}
}
