package storage

import (
	"context"
	"errors"
	"time"

	"smsmaster/internal/domain"
)

// Updater is the conditional write WriteBack retries.
type Updater interface {
	Update(ctx context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error)
}

const (
	writeBackTries = 4
	writeBackDelay = 100 * time.Millisecond
)

// WriteBack performs the final status write of a claimed occurrence.
// Backend failures are retried with doubling delays until the write lands,
// the tries run out or ctx ends. A lost race, a missing row and an illegal
// transition return at once. Rows the retries could not move are collected
// later by the loop's claim lease.
func WriteBack(ctx context.Context, u Updater, m domain.ScheduledMessage, expect domain.Status) (bool, error) {
	delay := writeBackDelay
	var err error
	for try := 1; ; try++ {
		var ok bool
		ok, err = u.Update(ctx, m, expect)
		if err == nil || !retryable(err) || try == writeBackTries {
			return ok, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrIllegalTransition) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
