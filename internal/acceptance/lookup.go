package acceptance

import (
	"sort"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// Match describes an accepted frame. Index is the position of the matching
// entry counted from the start of the table (each 16-bit entry, range or
// extended entry counts once). Bypass is set when the filter accepted the
// frame in bypass mode; Index is then zero.
type Match struct {
	Index  int
	Bypass bool
}

// Lookup evaluates the acceptance filter the way the peripheral does for a
// frame received on ch. It reads AF RAM and the control registers directly and
// takes no lock, so it can run against a table that is being mutated (in which
// case AFMR reports discard-all).
func Lookup(ram, ctl regs.Bank, ch can.Channel, f can.Frame) (Match, bool) {
	afmr := ctl.Read(regs.AFMR)
	switch {
	case afmr&regs.AfAccBP != 0:
		return Match{Bypass: true}, true
	case afmr&regs.AfAccOff != 0:
		return Match{}, false
	}
	if !ch.Valid() {
		return Match{}, false
	}
	b := readBounds(ctl)
	l := lookup{ram: ram, b: b}
	if f.Extended {
		return l.ext(ch, f.ID&can.CAN_EFF_MASK)
	}
	return l.std(ch, f.ID&can.CAN_SFF_MASK, afmr&regs.AfEFCAN != 0)
}

type lookup struct {
	ram regs.Bank
	b   Bounds
}

func (l lookup) load(i int) uint32 { return l.ram.Read(uint32(i) * 4) }

// halves returns the 16-bit entries of a packed segment.
func (l lookup) halves(k Kind) []uint16 {
	var out []uint16
	for i := l.b.Start(k); i < l.b[k]; i++ {
		v := l.load(i)
		if hi := uint16(v >> 16); hi != freeHalf {
			out = append(out, hi)
		}
		if lo := uint16(v); lo != freeHalf {
			out = append(out, lo)
		}
	}
	return out
}

// searchHalves binary searches a sorted packed list. It reports the position
// and whether the entry is enabled.
func searchHalves(list []uint16, key uint16) (int, bool, bool) {
	i := sort.Search(len(list), func(i int) bool { return stdOrder(list[i]) >= stdOrder(key) })
	if i < len(list) && stdKey(list[i]) == key {
		return i, list[i]&stdDis == 0, true
	}
	return 0, false, false
}

func (l lookup) std(ch can.Channel, id uint32, fullCAN bool) (Match, bool) {
	key := stdWord(ch, id, false)
	base := 0
	full := l.halves(FullCAN)
	if fullCAN {
		if i, en, ok := searchHalves(full, key); ok {
			return Match{Index: i}, en
		}
	}
	base += len(full)
	ids := l.halves(StdID)
	if i, en, ok := searchHalves(ids, key); ok {
		return Match{Index: base + i}, en
	}
	base += len(ids)
	for p := l.b.Start(StdRange); p < l.b[StdRange]; p++ {
		v := l.load(p)
		lo, hi := uint16(v>>16), uint16(v)
		if lo == freeHalf {
			continue
		}
		if stdKey(lo) <= key && key <= stdKey(hi) {
			return Match{Index: base + p - l.b.Start(StdRange)}, lo&stdDis == 0
		}
	}
	return Match{}, false
}

func (l lookup) ext(ch can.Channel, id uint32) (Match, bool) {
	key := extWord(ch, id)
	base := len(l.halves(FullCAN)) + len(l.halves(StdID)) + (l.b[StdRange] - l.b.Start(StdRange))
	start, end := l.b.Start(ExtID), l.b[ExtID]
	n := end - start
	i := sort.Search(n, func(i int) bool { return extOrder(l.load(start+i)) >= extOrder(key) })
	if i < n && l.load(start+i) == key {
		return Match{Index: base + i}, true
	}
	base += n
	for p := l.b.Start(ExtRange); p+1 < l.b[ExtRange]; p += 2 {
		lo, hi := l.load(p), l.load(p+1)
		if lo <= key && key <= hi {
			return Match{Index: base + (p-l.b.Start(ExtRange))/2}, true
		}
	}
	return Match{}, false
}

// Lookup evaluates the filter against the table's banks.
func (t *Table) Lookup(ch can.Channel, f can.Frame) (Match, bool) { return Lookup(t.ram, t.ctl, ch, f) }
