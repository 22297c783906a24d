package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"smsmaster/internal/domain"
	"smsmaster/internal/storage"
	logx "smsmaster/pkg/logx"
)

// AddRequest is one scheduleAdd call. Either Recipient or ContactID, and
// either Body or TemplateID, must be set.
type AddRequest struct {
	Owner      string
	Recipient  string
	Body       string
	TemplateID string
	ContactID  string
	// Provider is a gateway name, "auto" or empty.
	Provider   string
	At         time.Time
	Recurrence domain.Recurrence
}

// Add validates req and stores a Pending message due at req.At.
// Every rejection is a *domain.ValidationError.
func (l *Loop) Add(ctx context.Context, req AddRequest) (domain.ScheduledMessage, error) {
	now := l.clock.Now()
	m := domain.ScheduledMessage{
		Owner:      strings.TrimSpace(req.Owner),
		Body:       req.Body,
		TemplateID: strings.TrimSpace(req.TemplateID),
		ContactID:  strings.TrimSpace(req.ContactID),
		Provider:   strings.TrimSpace(req.Provider),
		Recurrence: req.Recurrence,
	}
	if m.Recurrence.Kind == "" {
		m.Recurrence = domain.Once()
	}

	if req.At.IsZero() {
		return domain.ScheduledMessage{}, domain.Invalid("time", "required")
	}
	if !req.At.After(now) {
		return domain.ScheduledMessage{}, domain.Invalid("time", "%s is not in the future", req.At.Format(time.RFC3339))
	}
	if err := m.Recurrence.Validate(); err != nil {
		return domain.ScheduledMessage{}, err
	}

	switch {
	case m.ContactID == "" && strings.TrimSpace(req.Recipient) == "":
		return domain.ScheduledMessage{}, domain.Invalid("recipient", "required")
	case strings.TrimSpace(req.Recipient) != "":
		r, err := domain.NormalizeRecipient(req.Recipient)
		if err != nil {
			return domain.ScheduledMessage{}, err
		}
		m.Recipient = r
	}
	if m.TemplateID == "" {
		if err := domain.ValidateBody(m.Body); err != nil {
			return domain.ScheduledMessage{}, err
		}
	}

	// References must resolve today; their content may change later.
	recipient := m.Recipient
	if m.TemplateID != "" || m.ContactID != "" {
		r, _, err := l.resolve(ctx, m)
		if err != nil {
			if domain.IsValidation(err) {
				return domain.ScheduledMessage{}, err
			}
			return domain.ScheduledMessage{}, domain.Invalid("reference", "%v", err)
		}
		recipient = r
	}

	if l.registry != nil {
		if err := l.registry.CheckRequested(m.ProviderHint(), recipient); err != nil {
			return domain.ScheduledMessage{}, domain.Invalid("provider", "%v", err)
		}
	}

	m.ID = l.newID()
	m.NextRunTime = req.At
	m.Status = domain.StatusPending
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := l.store.Create(ctx, m); err != nil {
		return domain.ScheduledMessage{}, err
	}

	l.log.Info("message scheduled",
		logx.MsgID(m.ID),
		logx.Time("next_run", m.NextRunTime),
		logx.String("recurrence", m.Recurrence.String()),
		logx.Provider(m.Provider),
	)
	l.notify(ctx, domain.Outcome{
		Event:       domain.EventScheduled,
		MessageID:   m.ID,
		Owner:       m.Owner,
		Recipient:   recipient,
		Provider:    m.Provider,
		NextRunTime: m.NextRunTime,
		At:          now,
	})
	return m, nil
}

// Cancel moves a Pending or Dispatching message to Canceled. It reports
// false when the message already finished. An in-flight dispatch notices the
// cancel before its next attempt.
func (l *Loop) Cancel(ctx context.Context, id string) (bool, error) {
	now := l.clock.Now()
	ok, err := l.store.Cancel(ctx, id, now)
	if err != nil || !ok {
		return ok, err
	}
	l.log.Info("message canceled", logx.MsgID(id))

	m, err := l.store.Get(ctx, id)
	if err != nil {
		m = domain.ScheduledMessage{ID: id}
	}
	l.notify(ctx, domain.Outcome{
		Event:     domain.EventCanceled,
		MessageID: id,
		Owner:     m.Owner,
		Recipient: m.Recipient,
		At:        now,
	})
	return true, nil
}

func (l *Loop) Get(ctx context.Context, id string) (domain.ScheduledMessage, error) {
	return l.store.Get(ctx, id)
}

func (l *Loop) List(ctx context.Context, f domain.Filter) ([]domain.ScheduledMessage, error) {
	return l.store.List(ctx, f)
}

// History returns the recorded attempts of one message, oldest first.
func (l *Loop) History(ctx context.Context, id string) ([]domain.DispatchAttempt, error) {
	if _, err := l.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.store.History(ctx, id)
}

// IsNotFound reports whether err means the message id is unknown.
func IsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
