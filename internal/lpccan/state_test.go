//go:build !lpccandebug

package lpccan

import (
	"context"
	"errors"
	"testing"

	"github.com/kstaniek/go-lpccan/internal/regs"
)

func TestNotOperating(t *testing.T) {
	d, _, _ := newDriver(t)
	c := d.CAN1()
	ctx := context.Background()
	if err := c.Transmit(ctx, 1, frame(1), false); !errors.Is(err, ErrNotOperating) {
		t.Fatalf("Transmit err=%v", err)
	}
	if _, err := c.Receive(ctx); !errors.Is(err, ErrNotOperating) {
		t.Fatalf("Receive err=%v", err)
	}
	if err := c.EnableInterrupts(regs.IntRI); !errors.Is(err, ErrNotOperating) {
		t.Fatalf("EnableInterrupts err=%v", err)
	}
	if err := c.Init(1, false); err == nil {
		t.Fatalf("Init with bad rate succeeded")
	}
	if _, err := c.Receive(ctx); !errors.Is(err, ErrNotOperating) {
		t.Fatalf("Receive in reset err=%v", err)
	}
}
