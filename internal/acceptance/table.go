// Package acceptance manages the shared acceptance filter lookup table of the
// two CAN controllers.
//
// The table lives in AF RAM as up to 512 32-bit slots split into five
// contiguous segments (FullCAN, StdID, StdRange, ExtID, ExtRange). Segment
// starts are held in the SFF_sa, SFF_GRP_sa, EFF_sa, EFF_GRP_sa and ENDofTable
// registers as byte offsets. Each segment is kept sorted by identifier, then
// controller, and lookups binary-search it. No segment may contain gaps.
package acceptance

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

var (
	ErrTableFull       = errors.New("acceptance: table full")
	ErrInvalidArgument = errors.New("acceptance: invalid argument")
	ErrNotFound        = errors.New("acceptance: entry not found")
)

// Capacity is the number of 32-bit slots in AF RAM.
const Capacity = regs.AFRAMSlots

// Mode is the acceptance filter operating mode.
type Mode int

const (
	ModeOn     Mode = iota // filter with the table
	ModeOff                // discard all frames
	ModeBypass             // accept all frames
)

func (m Mode) String() string {
	switch m {
	case ModeOn:
		return "on"
	case ModeOff:
		return "off"
	case ModeBypass:
		return "bypass"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps "on", "off" and "bypass".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "on":
		return ModeOn, nil
	case "off":
		return ModeOff, nil
	case "bypass":
		return ModeBypass, nil
	}
	return 0, fmt.Errorf("%w: mode %q", ErrInvalidArgument, s)
}

// Bounds holds the end slot of each segment in table order; Bounds[ExtRange]
// is the end of the table. Segment k spans [Start(k), Bounds[k]).
type Bounds [numKinds]int

// Start returns the first slot of segment k.
func (b Bounds) Start(k Kind) int {
	if k == FullCAN {
		return 0
	}
	return b[k-1]
}

// End returns the end of the live table.
func (b Bounds) End() int { return b[ExtRange] }

var boundRegs = [numKinds]uint32{regs.SFFsa, regs.SFFGRPsa, regs.EFFsa, regs.EFFGRPsa, regs.ENDofTable}

// Table is the software owner of the acceptance filter RAM and its control
// registers. All methods are safe for concurrent use; callers must still keep
// them out of interrupt handlers.
type Table struct {
	mu  sync.Mutex
	ram regs.Bank
	ctl regs.Bank
	// half records, for the FullCAN and StdID segments, the slot whose lower
	// 16-bit entry is unused, or -1 when the segment holds an even count.
	half   [2]int
	logger *slog.Logger
}

// Option customises a Table.
type Option func(*Table)

// WithLogger sets the logger used for mutation events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// New takes ownership of the AF RAM and control banks and clears the table.
// The filter is left in bypass mode.
func New(ram, ctl regs.Bank, opts ...Option) *Table {
	t := &Table{ram: ram, ctl: ctl, half: [2]int{-1, -1}, logger: logging.L()}
	for _, o := range opts {
		o(t)
	}
	t.Reset()
	return t
}

// Reset empties the table, disables FullCAN and switches to bypass mode.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctl.Write(regs.AFMR, regs.AfAccOff)
	for i := 0; i < Capacity; i++ {
		t.store(i, freeSlot)
	}
	t.writeBounds(Bounds{})
	t.half = [2]int{-1, -1}
	t.ctl.Write(regs.AFMR, regs.AfAccBP)
	metrics.SetAFSlots(0)
}

// Mode returns the current filter mode.
func (t *Table) Mode() Mode { return modeOf(t.ctl.Read(regs.AFMR)) }

// FullCANEnabled reports whether FullCAN mode is on.
func (t *Table) FullCANEnabled() bool { return t.ctl.Read(regs.AFMR)&regs.AfEFCAN != 0 }

func modeOf(afmr uint32) Mode {
	switch {
	case afmr&regs.AfAccBP != 0:
		return ModeBypass
	case afmr&regs.AfAccOff != 0:
		return ModeOff
	default:
		return ModeOn
	}
}

// SetMode switches the filter mode, preserving FullCAN enable.
func (t *Table) SetMode(m Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.ctl.Read(regs.AFMR) & regs.AfEFCAN
	switch m {
	case ModeOn:
	case ModeOff:
		v |= regs.AfAccOff
	case ModeBypass:
		v |= regs.AfAccBP
	default:
		return fmt.Errorf("%w: mode %d", ErrInvalidArgument, int(m))
	}
	t.ctl.Write(regs.AFMR, v)
	t.logger.Debug("af_mode", "mode", m.String())
	return nil
}

// Bounds returns the current segment boundaries in slots.
func (t *Table) Bounds() Bounds {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readBounds()
}

// Add inserts e into its segment keeping order. A failing Add leaves the table
// untouched.
func (t *Table) Add(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctl.Read(regs.AFMR)&regs.AfEFCAN != 0 && !e.Kind.packed() {
		return fmt.Errorf("%w: %s entries unavailable in FullCAN mode", ErrInvalidArgument, e.Kind)
	}
	err := t.mutate(0, func(b *Bounds) error {
		if e.Kind.packed() {
			return t.addPacked(b, e)
		}
		return t.addWide(b, e)
	})
	if err != nil {
		return err
	}
	t.logger.Debug("af_add", "entry", e.String())
	return nil
}

// Remove deletes the entry matching e (kind, channel, identifier and range
// bounds) and compacts the table.
func (t *Table) Remove(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.mutate(0, func(b *Bounds) error {
		if e.Kind.packed() {
			return t.removePacked(b, e)
		}
		return t.removeWide(b, e)
	})
	if err != nil {
		return err
	}
	t.logger.Debug("af_remove", "entry", e.String())
	return nil
}

// SetEnabled toggles the disable bit of a FullCAN or StdID entry in place.
func (t *Table) SetEnabled(e Entry, enabled bool) error {
	if err := e.validate(); err != nil {
		return err
	}
	if !e.Kind.packed() {
		return fmt.Errorf("%w: %s entries have no enable bit", ErrInvalidArgument, e.Kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mutate(0, func(b *Bounds) error {
		start := b.Start(e.Kind)
		list := t.loadPacked(start, b[e.Kind])
		want := stdKey(stdWord(e.Channel, e.ID, false))
		for i, v := range list {
			if stdKey(v) != want {
				continue
			}
			if enabled {
				list[i] = v &^ stdDis
			} else {
				list[i] = v | stdDis
			}
			t.storePacked(start, list)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, e)
	})
}

// EnableFullCAN switches the filter into FullCAN mode. Entries of the
// StdRange, ExtID and ExtRange segments are discarded and those segments
// collapse onto the end of the StdID segment.
func (t *Table) EnableFullCAN() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.mutate(regs.AfEFCAN, func(b *Bounds) error {
		cut := b[StdID]
		for i := cut; i < b.End(); i++ {
			t.store(i, freeSlot)
		}
		b[StdRange], b[ExtID], b[ExtRange] = cut, cut, cut
		return nil
	})
	if err != nil {
		return err
	}
	t.logger.Debug("af_fullcan_enabled")
	return nil
}

// Entries decodes the live entries of segment k in table order.
func (t *Table) Entries(k Kind) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.readBounds()
	return t.decode(b, k)
}

// Snapshot is a copy of the complete AF state used for comparisons.
type Snapshot struct {
	AFMR   uint32
	Bounds Bounds
	Slots  [Capacity]uint32
}

// Snapshot copies AF RAM, the boundaries and the mode register.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{AFMR: t.ctl.Read(regs.AFMR), Bounds: t.readBounds()}
	for i := range s.Slots {
		s.Slots[i] = t.load(i)
	}
	return s
}

// Used returns the number of live slots.
func (t *Table) Used() int { return t.Bounds().End() }

// mutate runs fn with the filter in discard-all mode, writes back changed
// bounds and restores the previous mode with set ORed in. fn must not write
// AF RAM before it knows it will succeed.
func (t *Table) mutate(set uint32, fn func(b *Bounds) error) error {
	prev := t.ctl.Read(regs.AFMR)
	t.ctl.Write(regs.AFMR, prev&regs.AfEFCAN|regs.AfAccOff)
	b := t.readBounds()
	orig := b
	err := fn(&b)
	if err == nil && b != orig {
		t.writeBounds(b)
		metrics.SetAFSlots(b.End())
	}
	if err != nil {
		set = 0
	} else {
		metrics.IncAFMutation()
	}
	t.ctl.Write(regs.AFMR, prev|set)
	return err
}

func (t *Table) addPacked(b *Bounds, e Entry) error {
	k := e.Kind
	start, end := b.Start(k), b[k]
	list := t.loadPacked(start, end)
	w := stdWord(e.Channel, e.ID, e.Disabled)
	pos := len(list)
	for i, v := range list {
		if stdKey(v) == stdKey(w) {
			return fmt.Errorf("%w: %s already present", ErrInvalidArgument, e)
		}
		if stdOrder(v) > stdOrder(w) && pos == len(list) {
			pos = i
		}
	}
	grow := 0
	if t.half[k] < 0 {
		grow = 1
	}
	if b.End()+grow > Capacity {
		return fmt.Errorf("%w: %s needs %d slot, %d free", ErrTableFull, e, grow, Capacity-b.End())
	}
	list = append(list, 0)
	copy(list[pos+1:], list[pos:])
	list[pos] = w
	if grow > 0 {
		t.shiftUp(end, grow, b.End())
		b.grow(k, grow)
	}
	t.storePacked(start, list)
	t.trackHalf(k, start, len(list))
	return nil
}

func (t *Table) removePacked(b *Bounds, e Entry) error {
	k := e.Kind
	start, end := b.Start(k), b[k]
	list := t.loadPacked(start, end)
	want := stdKey(stdWord(e.Channel, e.ID, false))
	idx := -1
	for i, v := range list {
		if stdKey(v) == want {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, e)
	}
	list = append(list[:idx], list[idx+1:]...)
	used := (len(list) + 1) / 2
	t.storePacked(start, list)
	if shrink := (end - start) - used; shrink > 0 {
		t.store(start+used, freeSlot)
		t.shiftDown(end, shrink, b.End())
		b.grow(k, -shrink)
	}
	t.trackHalf(k, start, len(list))
	return nil
}

func (t *Table) addWide(b *Bounds, e Entry) error {
	k := e.Kind
	start, end := b.Start(k), b[k]
	width := k.width()
	key := t.entryKey(e)
	pos := end
	for p := start; p < end; p += width {
		if t.wideEqual(p, e) {
			return fmt.Errorf("%w: %s already present", ErrInvalidArgument, e)
		}
		if t.wideKeyAt(k, p) > key && pos == end {
			pos = p
		}
	}
	if b.End()+width > Capacity {
		return fmt.Errorf("%w: %s needs %d slots, %d free", ErrTableFull, e, width, Capacity-b.End())
	}
	t.shiftUp(pos, width, b.End())
	t.storeWide(pos, e)
	b.grow(k, width)
	return nil
}

func (t *Table) removeWide(b *Bounds, e Entry) error {
	k := e.Kind
	start, end := b.Start(k), b[k]
	width := k.width()
	for p := start; p < end; p += width {
		if !t.wideEqual(p, e) {
			continue
		}
		for i := 0; i < width; i++ {
			t.store(p+i, freeSlot)
		}
		t.shiftDown(p+width, width, b.End())
		b.grow(k, -width)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, e)
}

// entryKey is the ordering key of a non-packed entry (its lower bound).
func (t *Table) entryKey(e Entry) uint64 {
	if e.Kind == StdRange {
		return uint64(stdOrder(stdWord(e.Channel, e.ID, false)))
	}
	return extOrder(extWord(e.Channel, e.ID))
}

func (t *Table) wideKeyAt(k Kind, p int) uint64 {
	v := t.load(p)
	if k == StdRange {
		return uint64(stdOrder(uint16(v >> 16)))
	}
	return extOrder(v)
}

func (t *Table) wideEqual(p int, e Entry) bool {
	switch e.Kind {
	case StdRange:
		v := t.load(p)
		lo, hi := uint16(v>>16), uint16(v)
		return stdKey(lo) == stdWord(e.Channel, e.ID, false) && stdKey(hi) == stdWord(e.Channel, e.End, false)
	case ExtID:
		return t.load(p) == extWord(e.Channel, e.ID)
	case ExtRange:
		return t.load(p) == extWord(e.Channel, e.ID) && t.load(p+1) == extWord(e.Channel, e.End)
	}
	return false
}

func (t *Table) storeWide(p int, e Entry) {
	switch e.Kind {
	case StdRange:
		lo := stdWord(e.Channel, e.ID, false)
		hi := stdWord(e.Channel, e.End, false)
		t.store(p, uint32(lo)<<16|uint32(hi))
	case ExtID:
		t.store(p, extWord(e.Channel, e.ID))
	case ExtRange:
		t.store(p, extWord(e.Channel, e.ID))
		t.store(p+1, extWord(e.Channel, e.End))
	}
}

// grow adjusts the end of segment k and every later segment by n slots.
func (b *Bounds) grow(k Kind, n int) {
	for j := k; j < numKinds; j++ {
		b[j] += n
	}
}

// trackHalf records whether the last slot of packed segment k is half used.
func (t *Table) trackHalf(k Kind, start, count int) {
	if count%2 == 1 {
		t.half[k] = start + count/2
		return
	}
	t.half[k] = -1
}

// shiftUp moves slots [from, end) up by n.
func (t *Table) shiftUp(from, n, end int) {
	for i := end - 1; i >= from; i-- {
		t.store(i+n, t.load(i))
	}
	for k := range t.half {
		if t.half[k] >= from {
			t.half[k] += n
		}
	}
}

// shiftDown moves slots [from, end) down by n and frees the vacated tail.
func (t *Table) shiftDown(from, n, end int) {
	for i := from; i < end; i++ {
		t.store(i-n, t.load(i))
	}
	for i := end - n; i < end; i++ {
		t.store(i, freeSlot)
	}
	for k := range t.half {
		if t.half[k] >= from {
			t.half[k] -= n
		}
	}
}

func (t *Table) loadPacked(start, end int) []uint16 {
	list := make([]uint16, 0, 2*(end-start)+1)
	for i := start; i < end; i++ {
		v := t.load(i)
		if hi := uint16(v >> 16); hi != freeHalf {
			list = append(list, hi)
		}
		if lo := uint16(v); lo != freeHalf {
			list = append(list, lo)
		}
	}
	return list
}

func (t *Table) storePacked(start int, list []uint16) {
	for i := 0; i < len(list); i += 2 {
		lo := freeHalf
		if i+1 < len(list) {
			lo = list[i+1]
		}
		t.store(start+i/2, uint32(list[i])<<16|uint32(lo))
	}
}

func (t *Table) decode(b Bounds, k Kind) []Entry {
	start, end := b.Start(k), b[k]
	var out []Entry
	if k.packed() {
		for _, v := range t.loadPacked(start, end) {
			out = append(out, stdEntryOf(k, v))
		}
		return out
	}
	for p := start; p < end; p += k.width() {
		v := t.load(p)
		switch k {
		case StdRange:
			lo := stdEntryOf(k, uint16(v>>16))
			lo.End = uint32(uint16(v) & stdIDMask)
			lo.Disabled = false
			out = append(out, lo)
		case ExtID:
			ch, id := extEntryOf(v)
			out = append(out, Entry{Kind: k, Channel: ch, ID: id})
		case ExtRange:
			ch, lo := extEntryOf(v)
			_, hi := extEntryOf(t.load(p + 1))
			out = append(out, Entry{Kind: k, Channel: ch, ID: lo, End: hi})
		}
	}
	return out
}

func (t *Table) load(i int) uint32     { return t.ram.Read(uint32(i) * 4) }
func (t *Table) store(i int, v uint32) { t.ram.Write(uint32(i)*4, v) }

func (t *Table) readBounds() Bounds { return readBounds(t.ctl) }

func readBounds(ctl regs.Bank) Bounds {
	var b Bounds
	for k, r := range boundRegs {
		b[k] = int(ctl.Read(r) / 4)
	}
	return b
}

func (t *Table) writeBounds(b Bounds) {
	for k, r := range boundRegs {
		t.ctl.Write(r, uint32(b[k])*4)
	}
}
