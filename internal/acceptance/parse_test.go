package acceptance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-lpccan/internal/can"
)

func TestParseEntries(t *testing.T) {
	got, err := ParseEntries("can1:std:0x10, can2:stdrange:0x20-0x2f,1:fullcan:256:disabled,can1:ext:0x1ABCDE,can2:extrange:0x100-0x1FF,")
	require.NoError(t, err)
	want := []Entry{
		StdEntry(can.CAN1, 0x10),
		StdRangeEntry(can.CAN2, 0x20, 0x2F),
		{Kind: FullCAN, Channel: can.CAN1, ID: 0x100, Disabled: true},
		ExtEntry(can.CAN1, 0x1ABCDE),
		ExtRangeEntry(can.CAN2, 0x100, 0x1FF),
	}
	require.Equal(t, want, got)

	for _, e := range want {
		back, err := ParseEntry(e.String())
		require.NoError(t, err)
		e.Disabled = false
		require.Equal(t, e, back)
	}
}

func TestParseEntriesEmpty(t *testing.T) {
	got, err := ParseEntries("  ")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestParseEntryErrors(t *testing.T) {
	for _, s := range []string{
		"can3:std:1",
		"can1:foo:1",
		"can1:std",
		"can1:std:zz",
		"can1:std:0x800",
		"can1:stdrange:0x10",
		"can1:stdrange:0x20-0x10",
		"can1:ext:1:disabled",
		"can1:std:1:maybe",
		"can1:std:1:disabled:x",
	} {
		_, err := ParseEntry(s)
		require.ErrorIs(t, err, ErrInvalidArgument, s)
	}
}
