package acceptance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-lpccan/internal/can"
)

func std(id uint32) can.Frame { return can.Frame{ID: id} }
func ext(id uint32) can.Frame { return can.Frame{ID: id, Extended: true} }

func TestLookupModes(t *testing.T) {
	tb, _, _ := newTable(t)
	m, ok := tb.Lookup(can.CAN1, std(0x123))
	require.True(t, ok)
	require.True(t, m.Bypass)

	require.NoError(t, tb.SetMode(ModeOff))
	_, ok = tb.Lookup(can.CAN1, std(0x123))
	require.False(t, ok)

	require.NoError(t, tb.SetMode(ModeOn))
	_, ok = tb.Lookup(can.CAN1, std(0x123))
	require.False(t, ok, "empty table accepts nothing")
}

func TestLookupIndexes(t *testing.T) {
	tb, _, _ := newTable(t)
	require.NoError(t, tb.Add(StdEntry(can.CAN1, 0x10)))
	require.NoError(t, tb.Add(StdEntry(can.CAN1, 0x20)))
	require.NoError(t, tb.Add(StdEntry(can.CAN2, 0x10)))
	require.NoError(t, tb.Add(StdRangeEntry(can.CAN1, 0x100, 0x1FF)))
	require.NoError(t, tb.Add(ExtEntry(can.CAN1, 0x5000)))
	require.NoError(t, tb.Add(ExtEntry(can.CAN2, 0x5000)))
	require.NoError(t, tb.Add(ExtRangeEntry(can.CAN1, 0x10000, 0x1FFFF)))
	require.NoError(t, tb.SetMode(ModeOn))

	cases := []struct {
		ch    can.Channel
		f     can.Frame
		ok    bool
		index int
	}{
		{can.CAN1, std(0x10), true, 0},
		{can.CAN2, std(0x10), true, 1},
		{can.CAN1, std(0x20), true, 2},
		{can.CAN2, std(0x20), false, 0},
		{can.CAN1, std(0x100), true, 3},
		{can.CAN1, std(0x1FF), true, 3},
		{can.CAN1, std(0x200), false, 0},
		{can.CAN2, std(0x150), false, 0},
		{can.CAN1, ext(0x5000), true, 4},
		{can.CAN2, ext(0x5000), true, 5},
		{can.CAN1, ext(0x10), false, 0},
		{can.CAN1, ext(0x18000), true, 6},
		{can.CAN2, ext(0x18000), false, 0},
		{can.CAN1, ext(0x20000), false, 0},
	}
	for _, c := range cases {
		m, ok := tb.Lookup(c.ch, c.f)
		require.Equal(t, c.ok, ok, "%s %v", c.ch, c.f)
		if ok {
			require.Equal(t, c.index, m.Index, "%s %v", c.ch, c.f)
			require.False(t, m.Bypass)
		}
	}
}

func TestLookupDisabledAndFullCAN(t *testing.T) {
	tb, _, _ := newTable(t)
	require.NoError(t, tb.Add(FullCANEntry(can.CAN1, 0x55)))
	require.NoError(t, tb.Add(StdEntry(can.CAN1, 0x66)))
	require.NoError(t, tb.SetMode(ModeOn))

	_, ok := tb.Lookup(can.CAN1, std(0x55))
	require.False(t, ok, "FullCAN entries need eFCAN")
	m, ok := tb.Lookup(can.CAN1, std(0x66))
	require.True(t, ok)
	require.Equal(t, 1, m.Index)

	require.NoError(t, tb.EnableFullCAN())
	m, ok = tb.Lookup(can.CAN1, std(0x55))
	require.True(t, ok)
	require.Equal(t, 0, m.Index)

	require.NoError(t, tb.SetEnabled(StdEntry(can.CAN1, 0x66), false))
	_, ok = tb.Lookup(can.CAN1, std(0x66))
	require.False(t, ok)
}

func TestLookupInvalidChannel(t *testing.T) {
	tb, _, _ := newTable(t)
	require.NoError(t, tb.SetMode(ModeOn))
	_, ok := tb.Lookup(0, std(1))
	require.False(t, ok)
}
