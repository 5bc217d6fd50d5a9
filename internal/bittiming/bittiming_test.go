package bittiming

import (
	"errors"
	"testing"

	"github.com/kstaniek/go-lpccan/internal/clock"
)

var rates = []uint32{Baud100k, Baud125k, Baud250k, Baud1M}

func TestSolveInvariants(t *testing.T) {
	clocks := []uint32{12_000_000, 18_000_000, 24_000_000, 25_000_000, 36_000_000, 48_000_000, 50_000_000, 72_000_000, 100_000_000, 120_000_000}
	for _, c := range clocks {
		for _, b := range rates {
			tm, err := Solve(c, b)
			if err != nil {
				if !errors.Is(err, ErrBaudRateUnachievable) {
					t.Fatalf("Solve(%d,%d) unexpected error %v", c, b, err)
				}
				continue
			}
			nt := tm.NominalTime()
			if nt > 24 || nt < 1 {
				t.Fatalf("Solve(%d,%d) nt=%d out of range", c, b, nt)
			}
			if tm.TSeg1 < 2*tm.TSeg2 {
				t.Fatalf("Solve(%d,%d) tseg1=%d < 2*tseg2=%d", c, b, tm.TSeg1, tm.TSeg2)
			}
			if (c/b)%nt != 0 {
				t.Fatalf("Solve(%d,%d) ratio %d not divisible by nt %d", c, b, c/b, nt)
			}
			if tm.TSeg1 > 15 || tm.TSeg2 > 7 || tm.SJW != SyncJump {
				t.Fatalf("Solve(%d,%d) fields out of range: %v", c, b, tm)
			}
			if got := tm.Bitrate(c); c%b == 0 && got != b {
				t.Fatalf("Solve(%d,%d) achieved %d", c, b, got)
			}
		}
	}
}

func TestSolve72MHz250k(t *testing.T) {
	tm, err := Solve(72_000_000, 250_000)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	// ratio 288: NT=24 is the first even nominal time dividing it.
	want := Timing{Prescaler: 11, TSeg1: 15, TSeg2: 6, SJW: 3}
	if tm != want {
		t.Fatalf("got %v want %v", tm, want)
	}
	if tm.Bitrate(72_000_000) != 250_000 {
		t.Fatalf("bitrate %d", tm.Bitrate(72_000_000))
	}
}

func TestSolveDeterministic(t *testing.T) {
	a, errA := Solve(50_000_000, Baud125k)
	b, errB := Solve(50_000_000, Baud125k)
	if errA != nil || errB != nil || a != b {
		t.Fatalf("non deterministic: %v/%v %v/%v", a, errA, b, errB)
	}
}

func TestSolveUnsupported(t *testing.T) {
	for _, c := range []uint32{0, 12_000_000, 72_000_000} {
		if _, err := Solve(c, 9600); !errors.Is(err, ErrUnsupportedBaudRate) {
			t.Fatalf("Solve(%d, 9600) err=%v", c, err)
		}
	}
	if _, err := Solve(72_000_000, 500_000); !errors.Is(err, ErrUnsupportedBaudRate) {
		t.Fatalf("500k must be rejected, got %v", err)
	}
}

func TestSolveUnachievable(t *testing.T) {
	// ratio 13 is odd: no even nominal time divides it.
	if _, err := Solve(13_000_000, Baud1M); !errors.Is(err, ErrBaudRateUnachievable) {
		t.Fatalf("expected unachievable, got %v", err)
	}
	if _, err := Solve(500_000, Baud1M); !errors.Is(err, ErrBaudRateUnachievable) {
		t.Fatalf("expected unachievable for tiny clock, got %v", err)
	}
}

func TestSolveFromClockSource(t *testing.T) {
	if _, err := SolveFrom(clock.SourceIRC, 25_000_000, Baud250k); !errors.Is(err, ErrClockSourceUnsuitable) {
		t.Fatalf("expected clock source error, got %v", err)
	}
	if _, err := SolveFrom(clock.SourceIRC, 25_000_000, Baud100k); err != nil {
		t.Fatalf("100k on IRC must work: %v", err)
	}
	if _, err := SolveFrom(clock.SourceMain, 25_000_000, Baud250k); err != nil {
		t.Fatalf("main oscillator: %v", err)
	}
	if _, err := SolveFrom(clock.SourceIRC, 25_000_000, 9600); !errors.Is(err, ErrUnsupportedBaudRate) {
		t.Fatalf("unsupported rate must win over clock source, got %v", err)
	}
}

func TestBTRRoundTrip(t *testing.T) {
	tm := Timing{Prescaler: 1023, TSeg1: 15, TSeg2: 7, SJW: 3}
	if got := FromBTR(tm.BTR()); got != tm {
		t.Fatalf("FromBTR(BTR()) = %v want %v", got, tm)
	}
	if v := (Timing{Prescaler: 11, TSeg1: 15, TSeg2: 6, SJW: 3}).BTR(); v != 0x006FC00B {
		t.Fatalf("BTR = 0x%08X", v)
	}
}
