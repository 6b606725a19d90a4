package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// FailureDelay pads failed credential and code checks to a minimum duration
// plus jitter, so "unknown user" and "wrong password" are indistinguishable by latency
type FailureDelay struct {
	Base   time.Duration
	Jitter time.Duration
}

// WaitFrom sleeps until Base+jitter has elapsed since start.
// Returns early when ctx is cancelled. A zero FailureDelay never sleeps.
func (d FailureDelay) WaitFrom(ctx context.Context, start time.Time) {
	target := d.Base + d.jitter()
	if target <= 0 {
		return
	}

	remaining := target - time.Since(start)
	if remaining <= 0 {
		return
	}

	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (d FailureDelay) jitter() time.Duration {
	if d.Jitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d.Jitter)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
