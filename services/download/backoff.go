package download

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/db"
)

// Backoff retries storage operations failed by concurrent writers.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Factor   int
	Max      time.Duration
}

var DefaultBackoff = Backoff{
	Attempts: 5,
	Initial:  200 * time.Millisecond,
	Factor:   2,
	Max:      2 * time.Second,
}

// Retry runs op until it succeeds, fails with a non transient error or runs out of attempts.
func (b Backoff) Retry(ctx context.Context, op func() error) error {
	delay := b.Initial

	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !db.IsTransient(err) || attempt >= b.Attempts {
			return err
		}

		log.WithError(err).Debugf("transient storage error, attempt %d of %d, retrying in %s", attempt, b.Attempts, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if b.Factor > 1 {
			delay *= time.Duration(b.Factor)
		}
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
}
