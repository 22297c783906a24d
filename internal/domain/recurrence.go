package domain

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RecurrenceKind selects the Recurrence variant.
type RecurrenceKind string

const (
	RecurOnce     RecurrenceKind = "once"
	RecurDaily    RecurrenceKind = "daily"
	RecurWeekly   RecurrenceKind = "weekly"
	RecurMonthly  RecurrenceKind = "monthly"
	RecurInterval RecurrenceKind = "interval"
	RecurCron     RecurrenceKind = "cron"
)

// Recurrence describes when a ScheduledMessage repeats.
//
// Only the fields relevant to Kind are meaningful:
//   - Daily:    Hour, Minute
//   - Weekly:   Hour, Minute, Weekday
//   - Monthly:  Hour, Minute, Day (1..31, clamped to the month's last day)
//   - Interval: Every
//   - Cron:     Expr
//
// Calendar rules are evaluated in the location of the time passed to Next.
type Recurrence struct {
	Kind    RecurrenceKind
	Hour    int
	Minute  int
	Weekday time.Weekday
	Day     int
	Every   time.Duration
	Expr    string
}

func Once() Recurrence { return Recurrence{Kind: RecurOnce} }

func Daily(hour, minute int) Recurrence {
	return Recurrence{Kind: RecurDaily, Hour: hour, Minute: minute}
}

func Weekly(wd time.Weekday, hour, minute int) Recurrence {
	return Recurrence{Kind: RecurWeekly, Weekday: wd, Hour: hour, Minute: minute}
}

func Monthly(day, hour, minute int) Recurrence {
	return Recurrence{Kind: RecurMonthly, Day: day, Hour: hour, Minute: minute}
}

func Every(d time.Duration) Recurrence { return Recurrence{Kind: RecurInterval, Every: d} }

func CronExpr(expr string) Recurrence { return Recurrence{Kind: RecurCron, Expr: expr} }

// IsRecurring is false only for Once (and the zero value).
func (r Recurrence) IsRecurring() bool {
	return r.Kind != "" && r.Kind != RecurOnce
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (r Recurrence) Validate() error {
	switch r.Kind {
	case "", RecurOnce:
		return nil
	case RecurDaily, RecurWeekly, RecurMonthly:
		if r.Hour < 0 || r.Hour > 23 {
			return Invalid("recurrence", "hour %d out of range", r.Hour)
		}
		if r.Minute < 0 || r.Minute > 59 {
			return Invalid("recurrence", "minute %d out of range", r.Minute)
		}
		if r.Kind == RecurWeekly && (r.Weekday < time.Sunday || r.Weekday > time.Saturday) {
			return Invalid("recurrence", "weekday %d out of range", r.Weekday)
		}
		if r.Kind == RecurMonthly && (r.Day < 1 || r.Day > 31) {
			return Invalid("recurrence", "day-of-month %d out of range", r.Day)
		}
		return nil
	case RecurInterval:
		if r.Every <= 0 {
			return Invalid("recurrence", "interval must be > 0")
		}
		return nil
	case RecurCron:
		if _, err := cronParser.Parse(r.Expr); err != nil {
			return Invalid("recurrence", "cron %q: %v", r.Expr, err)
		}
		return nil
	default:
		return Invalid("recurrence", "unknown kind %q", r.Kind)
	}
}

// Next returns the first occurrence strictly after `after`.
// The zero time is returned for Once and for invalid rules.
func (r Recurrence) Next(after time.Time) time.Time {
	loc := after.Location()
	switch r.Kind {
	case RecurDaily:
		y, m, d := after.Date()
		t := time.Date(y, m, d, r.Hour, r.Minute, 0, 0, loc)
		if !t.After(after) {
			t = time.Date(y, m, d+1, r.Hour, r.Minute, 0, 0, loc)
		}
		return t
	case RecurWeekly:
		y, m, d := after.Date()
		ahead := (int(r.Weekday) - int(after.Weekday()) + 7) % 7
		t := time.Date(y, m, d+ahead, r.Hour, r.Minute, 0, 0, loc)
		if !t.After(after) {
			t = time.Date(y, m, d+ahead+7, r.Hour, r.Minute, 0, 0, loc)
		}
		return t
	case RecurMonthly:
		y, m, _ := after.Date()
		for k := 0; k < 3; k++ {
			t := monthlyAt(y, m+time.Month(k), r.Day, r.Hour, r.Minute, loc)
			if t.After(after) {
				return t
			}
		}
		return time.Time{}
	case RecurInterval:
		if r.Every <= 0 {
			return time.Time{}
		}
		return after.Add(r.Every)
	case RecurCron:
		s, err := cronParser.Parse(r.Expr)
		if err != nil {
			return time.Time{}
		}
		return s.Next(after)
	default:
		return time.Time{}
	}
}

// NextAfter advances from the previous scheduled time to the first
// occurrence strictly after now. Missed slots are coalesced.
func (r Recurrence) NextAfter(prev, now time.Time) time.Time {
	if !r.IsRecurring() {
		return time.Time{}
	}
	if r.Kind == RecurInterval && r.Every > 0 {
		if prev.After(now) {
			return prev
		}
		n := now.Sub(prev)/r.Every + 1
		return prev.Add(n * r.Every)
	}
	t := r.Next(prev)
	for !t.IsZero() && !t.After(now) {
		t = r.Next(now)
	}
	return t
}

// monthlyAt clamps day to the last valid day of (y, m).
func monthlyAt(y int, m time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
}

func (r Recurrence) String() string {
	switch r.Kind {
	case "", RecurOnce:
		return "once"
	case RecurDaily:
		return fmt.Sprintf("daily@%02d:%02d", r.Hour, r.Minute)
	case RecurWeekly:
		return fmt.Sprintf("weekly:%s@%02d:%02d", weekdayAbbrev(r.Weekday), r.Hour, r.Minute)
	case RecurMonthly:
		return fmt.Sprintf("monthly:%d@%02d:%02d", r.Day, r.Hour, r.Minute)
	case RecurInterval:
		return "every:" + r.Every.String()
	case RecurCron:
		return "cron:" + r.Expr
	default:
		return string(r.Kind)
	}
}

func (r Recurrence) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Recurrence) UnmarshalText(b []byte) error {
	v, err := ParseRecurrence(string(b), time.Time{})
	if err != nil {
		return err
	}
	*r = v
	return nil
}
