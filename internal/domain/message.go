package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a ScheduledMessage.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
	StatusFailed      Status = "failed"
)

// ProviderAuto means "let the registry pick by priority".
const ProviderAuto = "auto"

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// Finished reports whether no further occurrence will run.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// CanTransition encodes the status FSM. Every store write goes through
// a conditional update keyed on the expected current status.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusDispatching || to == StatusCanceled
	case StatusDispatching:
		return to == StatusPending || to == StatusCompleted || to == StatusFailed || to == StatusCanceled
	}
	return false
}

// ParseStatus accepts case-insensitive status names.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s == "cancelled" {
		s = StatusCanceled
	}
	return s, s.Valid()
}

// ScheduledMessage is one user-defined send, possibly recurring.
//
// TemplateID/ContactID reference external records by id; when set, the body
// and recipient are resolved at dispatch time so edits apply to the next send.
type ScheduledMessage struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner,omitempty"`
	Recipient  string     `json:"recipient,omitempty"`
	Body       string     `json:"body,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	ContactID  string     `json:"contact_id,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Recurrence Recurrence `json:"recurrence"`

	NextRunTime time.Time `json:"next_run_time"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	LastRunAt    time.Time `json:"last_run_at,omitempty"`
	LastProvider string    `json:"last_provider,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Occurrences  int       `json:"occurrences"`
}

// ProviderHint returns the requested provider, or "" for automatic selection.
func (m ScheduledMessage) ProviderHint() string {
	p := strings.TrimSpace(m.Provider)
	if strings.EqualFold(p, ProviderAuto) {
		return ""
	}
	return p
}

// Filter narrows ScheduleStore.List. Zero value lists everything.
type Filter struct {
	Statuses []Status
	Owner    string
	Provider string
	Limit    int
}

func (f Filter) Match(m ScheduledMessage) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == m.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Owner != "" && f.Owner != m.Owner {
		return false
	}
	if f.Provider != "" && !strings.EqualFold(f.Provider, m.Provider) {
		return false
	}
	return true
}

// AttemptOutcome classifies a single provider call.
type AttemptOutcome string

const (
	AttemptSuccess          AttemptOutcome = "success"
	AttemptRetryableFailure AttemptOutcome = "retryable_failure"
	AttemptTerminalFailure  AttemptOutcome = "terminal_failure"
)

// DispatchAttempt is one history row: one provider call within one occurrence.
type DispatchAttempt struct {
	ID                string         `json:"id"`
	MessageID         string         `json:"message_id"`
	Occurrence        time.Time      `json:"occurrence"`
	Index             int            `json:"index"`
	Provider          string         `json:"provider"`
	At                time.Time      `json:"at"`
	Duration          time.Duration  `json:"duration"`
	Outcome           AttemptOutcome `json:"outcome"`
	Error             string         `json:"error,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
}

// OutcomeEvent names what happened to an occurrence.
type OutcomeEvent string

const (
	EventScheduled   OutcomeEvent = "scheduled"
	EventCompleted   OutcomeEvent = "completed"
	EventRescheduled OutcomeEvent = "rescheduled"
	EventFailed      OutcomeEvent = "failed"
	EventCanceled    OutcomeEvent = "canceled"
	EventDeferred    OutcomeEvent = "deferred"
)

// Outcome is the payload handed to notification sinks.
type Outcome struct {
	Event             OutcomeEvent `json:"event"`
	MessageID         string       `json:"message_id"`
	Owner             string       `json:"owner,omitempty"`
	Recipient         string       `json:"recipient,omitempty"`
	Occurrence        time.Time    `json:"occurrence,omitempty"`
	Provider          string       `json:"provider,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Attempts          int          `json:"attempts"`
	Error             string       `json:"error,omitempty"`
	NextRunTime       time.Time    `json:"next_run_time,omitempty"`
	At                time.Time    `json:"at"`
}
