package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidLen = errors.New("can: invalid data length")
)

// Channel selects one of the two on-chip controllers.
type Channel uint8

const (
	CAN1 Channel = 1
	CAN2 Channel = 2
)

// Valid reports whether c names an existing controller.
func (c Channel) Valid() bool { return c == CAN1 || c == CAN2 }

// Index returns the zero-based controller index (SCC field value).
func (c Channel) Index() int { return int(c) - 1 }

func (c Channel) String() string {
	switch c {
	case CAN1:
		return "can1"
	case CAN2:
		return "can2"
	default:
		return fmt.Sprintf("can?%d", uint8(c))
	}
}

// Frame is a classic CAN 2.0A/2.0B frame as handled by the controllers.
// Only the first Len bytes of Data are meaningful.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [MaxLen]byte
}

// Validate returns an error if the identifier does not fit its format or Len > 8.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > CAN_EFF_MASK {
			return ErrInvalidID
		}
	} else if f.ID > CAN_SFF_MASK {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:min(int(f.Len), MaxLen)] }

// Equal compares two frames ignoring bytes beyond Len.
func (f Frame) Equal(g Frame) bool {
	if f.ID != g.ID || f.Extended != g.Extended || f.RTR != g.RTR || f.Len != g.Len {
		return false
	}
	return string(f.Payload()) == string(g.Payload())
}

// CANID returns the SocketCAN style identifier with EFF/RTR flags in its upper bits.
func (f Frame) CANID() uint32 {
	id := f.ID
	if f.Extended {
		id = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		id &= CAN_SFF_MASK
	}
	if f.RTR {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID builds a frame from a SocketCAN style identifier and payload.
// Payloads longer than 8 bytes are truncated.
func FromCANID(canID uint32, data []byte) Frame {
	var f Frame
	f.Extended = canID&CAN_EFF_FLAG != 0
	f.RTR = canID&CAN_RTR_FLAG != 0
	if f.Extended {
		f.ID = canID & CAN_EFF_MASK
	} else {
		f.ID = canID & CAN_SFF_MASK
	}
	n := copy(f.Data[:], data)
	f.Len = uint8(n)
	return f
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X [%d] % X", f.ID, f.Len, f.Payload())
	}
	return fmt.Sprintf("%03X [%d] % X", f.ID, f.Len, f.Payload())
}
