// Package msgbuf converts CAN frames to and from the four-word layout of the
// controller transmit and receive buffers.
package msgbuf

import (
	"encoding/binary"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// Words is the register image of one message buffer: frame info (TFI/RFS),
// identifier (TID/RID) and the two data words (TDA/RDA, TDB/RDB).
type Words struct {
	Info  uint32
	ID    uint32
	DataA uint32
	DataB uint32
}

// Encode packs f. The caller validates Len; Encode clamps the DLC field to 0..8
// and masks the identifier to 11 or 29 bits.
func Encode(f can.Frame) Words {
	var w Words
	n := f.Len
	if n > can.MaxLen {
		n = can.MaxLen
	}
	w.Info = uint32(n) << regs.FiDLCShift
	if f.RTR {
		w.Info |= regs.FiRTR
	}
	if f.Extended {
		w.Info |= regs.FiFF
		w.ID = f.ID & can.CAN_EFF_MASK
	} else {
		w.ID = f.ID & can.CAN_SFF_MASK
	}
	var data [can.MaxLen]byte
	copy(data[:n], f.Data[:n])
	w.DataA = binary.LittleEndian.Uint32(data[0:4])
	w.DataB = binary.LittleEndian.Uint32(data[4:8])
	return w
}

// Decode unpacks a buffer image. A DLC above 8 is reported as 8 data bytes.
func Decode(w Words) can.Frame {
	var f can.Frame
	f.Extended = w.Info&regs.FiFF != 0
	f.RTR = w.Info&regs.FiRTR != 0
	dlc := regs.Field(w.Info, regs.FiDLCShift, 4)
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	f.Len = uint8(dlc)
	if f.Extended {
		f.ID = w.ID & can.CAN_EFF_MASK
	} else {
		f.ID = w.ID & can.CAN_SFF_MASK
	}
	binary.LittleEndian.PutUint32(f.Data[0:4], w.DataA)
	binary.LittleEndian.PutUint32(f.Data[4:8], w.DataB)
	for i := int(f.Len); i < can.MaxLen; i++ {
		f.Data[i] = 0
	}
	return f
}

// Load reads a message buffer image from a bank starting at base
// (RFS for the receive buffer, TFIn for transmit buffer n).
func Load(b regs.Bank, base uint32) Words {
	return Words{
		Info:  b.Read(base),
		ID:    b.Read(base + 4),
		DataA: b.Read(base + 8),
		DataB: b.Read(base + 12),
	}
}

// Store writes a message buffer image to a bank starting at base.
func Store(b regs.Bank, base uint32, w Words) {
	b.Write(base, w.Info)
	b.Write(base+4, w.ID)
	b.Write(base+8, w.DataA)
	b.Write(base+12, w.DataB)
}

// IDIndex returns the acceptance filter index reported in a receive info word.
func (w Words) IDIndex() int { return int(w.Info & regs.FiIDIndex) }

// Bypassed reports whether the frame was accepted in AF bypass mode.
func (w Words) Bypassed() bool { return w.Info&regs.FiBP != 0 }
