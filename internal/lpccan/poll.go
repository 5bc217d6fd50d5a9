package lpccan

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-lpccan/internal/metrics"
)

var errNotReady = errors.New("not ready")

// Poller bounds the status register busy-waits of a controller.
type Poller struct {
	Attempts uint
	Interval time.Duration
}

// DefaultPoller waits roughly 200ms, enough for a full frame at 100 kbit/s
// many times over.
var DefaultPoller = Poller{Attempts: 4000, Interval: 50 * time.Microsecond}

// Until evaluates cond until it reports true, returns an error, the attempts
// run out (ErrTimeout) or ctx ends.
func (p Poller) Until(ctx context.Context, cond func() (bool, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(func() error {
		ok, err := cond()
		if err != nil {
			return err
		}
		if !ok {
			return errNotReady
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errNotReady) }),
		retry.LastErrorOnly(true),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errNotReady):
		metrics.IncTimeout()
		return ErrTimeout
	}
	return err
}
