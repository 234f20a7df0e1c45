package syncer

import (
	"time"

	"courier/internal/models"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff is an exponential retry delay: Base * 2^(attempts-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Delay returns how long to wait after the given number of failed attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Ready reports whether a pending action's backoff has elapsed at now.
func (b Backoff) Ready(a models.QueuedAction, now time.Time) bool {
	if a.Attempts == 0 || a.LastAttemptAt.IsZero() {
		return true
	}
	return !now.Before(a.LastAttemptAt.Add(b.Delay(a.Attempts)))
}
