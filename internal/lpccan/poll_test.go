package lpccan

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollerUntil(t *testing.T) {
	p := Poller{Attempts: 5, Interval: time.Microsecond}
	n := 0
	err := p.Until(context.Background(), func() (bool, error) {
		n++
		return n == 3, nil
	})
	if err != nil || n != 3 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

func TestPollerTimeout(t *testing.T) {
	p := Poller{Attempts: 4, Interval: time.Microsecond}
	n := 0
	err := p.Until(context.Background(), func() (bool, error) { n++; return false, nil })
	if !errors.Is(err, ErrTimeout) || n != 4 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

func TestPollerStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	n := 0
	err := Poller{Attempts: 10}.Until(context.Background(), func() (bool, error) { n++; return false, boom })
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

func TestPollerZeroAttemptsRunsOnce(t *testing.T) {
	n := 0
	err := Poller{}.Until(context.Background(), func() (bool, error) { n++; return true, nil })
	if err != nil || n != 1 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

func TestPollerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poller{Attempts: 1000, Interval: time.Millisecond}.Until(ctx, func() (bool, error) { return false, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}
