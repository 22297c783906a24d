package app

import (
	"context"
	"strings"
	"time"

	"smsmaster/internal/domain"
	"smsmaster/internal/provider"
	"smsmaster/internal/scheduler"
	rtsup "smsmaster/internal/runtime/supervisor"
)

// ScheduleRequest is the user-facing form of scheduleAdd. Recurrence uses
// the text syntax of domain.ParseRecurrence ("once", "daily@09:00", ...).
type ScheduleRequest struct {
	Owner      string
	Recipient  string
	Body       string
	TemplateID string
	ContactID  string
	Provider   string
	At         time.Time
	Recurrence string
}

func (a *App) ScheduleAdd(ctx context.Context, req ScheduleRequest) (domain.ScheduledMessage, error) {
	rec := domain.Once()
	if raw := strings.TrimSpace(req.Recurrence); raw != "" {
		r, err := domain.ParseRecurrence(raw, req.At.In(a.Location()))
		if err != nil {
			return domain.ScheduledMessage{}, err
		}
		rec = r
	}
	return a.sched.Add(ctx, scheduler.AddRequest{
		Owner:      req.Owner,
		Recipient:  req.Recipient,
		Body:       req.Body,
		TemplateID: req.TemplateID,
		ContactID:  req.ContactID,
		Provider:   req.Provider,
		At:         req.At,
		Recurrence: rec,
	})
}

func (a *App) ScheduleCancel(ctx context.Context, id string) (bool, error) {
	return a.sched.Cancel(ctx, id)
}

func (a *App) ScheduleGet(ctx context.Context, id string) (domain.ScheduledMessage, error) {
	return a.sched.Get(ctx, id)
}

func (a *App) ScheduleList(ctx context.Context, f domain.Filter) ([]domain.ScheduledMessage, error) {
	return a.sched.List(ctx, f)
}

func (a *App) ScheduleHistory(ctx context.Context, id string) ([]domain.DispatchAttempt, error) {
	return a.sched.History(ctx, id)
}

// Location is the zone calendar recurrences are evaluated in.
func (a *App) Location() *time.Location {
	if sc, _, err := mapSchedulerConfig(a.cfgm.Get()); err == nil && sc.Location != nil {
		return sc.Location
	}
	return time.Local
}

// StatusReport is served on /status.
type StatusReport struct {
	Now           time.Time         `json:"now"`
	Scheduler     bool              `json:"scheduler_running"`
	QueueDepth    int               `json:"queue_depth"`
	Providers     []provider.Config `json:"providers"`
	CircuitsTotal int               `json:"circuits_total"`
	CircuitsOpen  int               `json:"circuits_open"`
	Dropped       uint64            `json:"notify_dropped"`
	Sinks         []string          `json:"notify_sinks"`
	Runtime       rtsup.Snapshot    `json:"runtime"`
}

func (a *App) Status(_ context.Context) any {
	now := a.clock.Now()
	total, open := a.breaker.Snapshot(now)
	a.mu.Lock()
	running := a.schedRunning
	sup := a.sup
	a.mu.Unlock()
	return StatusReport{
		Now:           now,
		Scheduler:     running,
		QueueDepth:    a.pool.Len(),
		Providers:     a.registry.List(),
		CircuitsTotal: total,
		CircuitsOpen:  open,
		Dropped:       a.bus.Dropped(),
		Sinks:         a.notif.Sinks(),
		Runtime:       sup.Snapshot(),
	}
}
