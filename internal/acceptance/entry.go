package acceptance

import (
	"fmt"

	"github.com/kstaniek/go-lpccan/internal/can"
)

// Kind selects one of the five table segments. The values double as segment
// order in AF RAM.
type Kind int

const (
	FullCAN Kind = iota
	StdID
	StdRange
	ExtID
	ExtRange

	numKinds
)

var kindNames = [numKinds]string{"fullcan", "std", "stdrange", "ext", "extrange"}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) valid() bool { return k >= 0 && k < numKinds }

// packed segments hold two 16-bit entries per slot.
func (k Kind) packed() bool { return k == FullCAN || k == StdID }

// width is the number of slots one entry occupies (packed kinds report 1).
func (k Kind) width() int {
	if k == ExtRange {
		return 2
	}
	return 1
}

func (k Kind) extended() bool { return k == ExtID || k == ExtRange }

func (k Kind) ranged() bool { return k == StdRange || k == ExtRange }

// Entry is one acceptance filter rule. ID is the identifier or the lower range
// bound; End is the upper bound of range kinds and ignored otherwise. Disabled
// applies to the 16-bit kinds (FullCAN, StdID).
type Entry struct {
	Kind     Kind
	Channel  can.Channel
	ID       uint32
	End      uint32
	Disabled bool
}

// FullCANEntry returns a FullCAN entry for a standard identifier.
func FullCANEntry(ch can.Channel, id uint32) Entry { return Entry{Kind: FullCAN, Channel: ch, ID: id} }

// StdEntry returns an individual standard identifier entry.
func StdEntry(ch can.Channel, id uint32) Entry { return Entry{Kind: StdID, Channel: ch, ID: id} }

// StdRangeEntry returns a standard identifier range entry [lo, hi].
func StdRangeEntry(ch can.Channel, lo, hi uint32) Entry {
	return Entry{Kind: StdRange, Channel: ch, ID: lo, End: hi}
}

// ExtEntry returns an individual extended identifier entry.
func ExtEntry(ch can.Channel, id uint32) Entry { return Entry{Kind: ExtID, Channel: ch, ID: id} }

// ExtRangeEntry returns an extended identifier range entry [lo, hi].
func ExtRangeEntry(ch can.Channel, lo, hi uint32) Entry {
	return Entry{Kind: ExtRange, Channel: ch, ID: lo, End: hi}
}

func (e Entry) validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: kind %d", ErrInvalidArgument, int(e.Kind))
	}
	if !e.Channel.Valid() {
		return fmt.Errorf("%w: channel %d", ErrInvalidArgument, uint8(e.Channel))
	}
	limit := uint32(can.CAN_SFF_MASK)
	if e.Kind.extended() {
		limit = can.CAN_EFF_MASK
	}
	if e.ID > limit {
		return fmt.Errorf("%w: id 0x%X exceeds 0x%X", ErrInvalidArgument, e.ID, limit)
	}
	if e.Kind.ranged() {
		if e.End > limit {
			return fmt.Errorf("%w: range end 0x%X exceeds 0x%X", ErrInvalidArgument, e.End, limit)
		}
		if e.End < e.ID {
			return fmt.Errorf("%w: range 0x%X-0x%X reversed", ErrInvalidArgument, e.ID, e.End)
		}
	}
	return nil
}

func (e Entry) String() string {
	if e.Kind.ranged() {
		return fmt.Sprintf("%s:%s:0x%X-0x%X", e.Channel, e.Kind, e.ID, e.End)
	}
	return fmt.Sprintf("%s:%s:0x%X", e.Channel, e.Kind, e.ID)
}

// AF RAM encodings.
const (
	freeSlot  uint32 = 0xFFFFFFFF
	freeHalf  uint16 = 0xFFFF
	stdDis    uint16 = 1 << 12
	stdIDMask uint16 = 0x7FF
	sccShift16       = 13
	sccShift32       = 29
)

func stdWord(ch can.Channel, id uint32, disabled bool) uint16 {
	v := uint16(ch.Index())<<sccShift16 | uint16(id)&stdIDMask
	if disabled {
		v |= stdDis
	}
	return v
}

// stdKey is the identity of a 16-bit entry (disable bit ignored).
func stdKey(v uint16) uint16 { return v &^ stdDis }

// stdOrder is the position of a 16-bit entry within its segment: identifier
// first, controller second.
func stdOrder(v uint16) uint32 { return uint32(v&stdIDMask)<<3 | uint32(v>>sccShift16) }

func stdEntryOf(k Kind, v uint16) Entry {
	return Entry{
		Kind:     k,
		Channel:  can.Channel(v>>sccShift16) + 1,
		ID:       uint32(v & stdIDMask),
		Disabled: v&stdDis != 0,
	}
}

func extWord(ch can.Channel, id uint32) uint32 {
	return uint32(ch.Index())<<sccShift32 | id&can.CAN_EFF_MASK
}

// extOrder is the position of an extended entry word: identifier first,
// controller second.
func extOrder(v uint32) uint64 { return uint64(v&can.CAN_EFF_MASK)<<3 | uint64(v>>sccShift32) }

func extEntryOf(v uint32) (can.Channel, uint32) {
	return can.Channel(v>>sccShift32) + 1, v & can.CAN_EFF_MASK
}
