package notify

import (
	"context"

	"smsmaster/internal/domain"
	logx "smsmaster/pkg/logx"
)

// LogSink writes one line per outcome. Failures log at warn.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Deliver(_ context.Context, o domain.Outcome) error {
	fields := []logx.Field{
		logx.String("event", string(o.Event)),
		logx.MsgID(o.MessageID),
	}
	if o.Owner != "" {
		fields = append(fields, logx.String("owner", o.Owner))
	}
	if o.Provider != "" {
		fields = append(fields, logx.Provider(o.Provider))
	}
	if o.Attempts > 0 {
		fields = append(fields, logx.Int("attempts", o.Attempts))
	}
	if !o.NextRunTime.IsZero() {
		fields = append(fields, logx.Time("next_run", o.NextRunTime))
	}

	if o.Event == domain.EventFailed {
		fields = append(fields, logx.String("error", o.Error))
		s.Log.Warn("message outcome", fields...)
		return nil
	}
	s.Log.Info("message outcome", fields...)
	return nil
}
