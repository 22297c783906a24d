package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smsmaster/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// PersistenceError marks a backend failure (as opposed to a missing row or a
// lost race). The scheduler logs it and retries on the next tick.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrIllegalTransition) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a backend failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ScheduleStore holds ScheduledMessage rows.
type ScheduleStore interface {
	Create(ctx context.Context, m domain.ScheduledMessage) error
	Get(ctx context.Context, id string) (domain.ScheduledMessage, error)
	// ListDue returns Pending rows with NextRunTime <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error)
	List(ctx context.Context, f domain.Filter) ([]domain.ScheduledMessage, error)
	// TryTransition moves id from one status to another iff it is currently
	// in `from`. It reports whether this call made the change.
	TryTransition(ctx context.Context, id string, from, to domain.Status, at time.Time) (bool, error)
	// Update writes the mutable fields of m iff the stored status equals expect.
	Update(ctx context.Context, m domain.ScheduledMessage, expect domain.Status) (bool, error)
	// Cancel moves a Pending or Dispatching row to Canceled. It reports false
	// when the row is already finished.
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)
	// Prune deletes finished one-off rows and canceled recurring rows last
	// updated before the cutoff, with their history. A recurring row that
	// ended Failed stays queryable.
	Prune(ctx context.Context, before time.Time) (int, error)
	// RecoverDispatching returns rows left in Dispatching and last updated
	// before the cutoff to Pending. Start passes the current time to collect
	// what a crashed process left behind; the loop passes now minus the claim
	// lease to collect claims whose final write was lost.
	RecoverDispatching(ctx context.Context, before, at time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// HistoryRecorder stores one row per provider call.
type HistoryRecorder interface {
	Record(ctx context.Context, a domain.DispatchAttempt) error
	// History returns the attempts for a message in recording order.
	History(ctx context.Context, messageID string) ([]domain.DispatchAttempt, error)
}

// Store is what a backend provides.
type Store interface {
	ScheduleStore
	HistoryRecorder
}

// Config selects and configures a backend.
type Config struct {
	Driver      string // memory | sqlite | postgres
	Path        string // sqlite file
	DSN         string // postgres URL
	BusyTimeout time.Duration
	HistoryFile string
}

func checkTransition(from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

var finishedStatuses = []domain.Status{domain.StatusCompleted, domain.StatusCanceled, domain.StatusFailed}

// onceText is how a one-off recurrence is stored.
var onceText = domain.Once().String()

func prunable(m domain.ScheduledMessage) bool {
	if !m.Status.Finished() {
		return false
	}
	return !m.Recurrence.IsRecurring() || m.Status == domain.StatusCanceled
}
