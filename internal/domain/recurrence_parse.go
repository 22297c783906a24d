package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRecurrence parses the textual recurrence syntax.
//
// Supported forms:
//   - "once" (or empty)
//   - "daily", "daily@09:00"
//   - "weekly", "weekly:mon", "weekly:mon@09:00"
//   - "monthly", "monthly:31", "monthly:31@09:00"
//   - "every:90m", "every:02:30", "interval:24h", "days:3"
//   - "cron:0 9 * * 1-5"
//
// Omitted parts are taken from at (the first scheduled time). When at is zero
// they must be given explicitly.
func ParseRecurrence(raw string, at time.Time) (Recurrence, error) {
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	if low == "" || low == "once" || low == "none" {
		return Once(), nil
	}

	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Recurrence{}, Invalid("recurrence", "cron expression required after 'cron:'")
		}
		r := CronExpr(expr)
		return r, r.Validate()
	}
	for _, p := range []string{"every:", "interval:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(s[len(p):])
			if err != nil {
				return Recurrence{}, err
			}
			return Every(d), nil
		}
	}
	if strings.HasPrefix(low, "days:") {
		n, err := strconv.Atoi(strings.TrimSpace(s[len("days:"):]))
		if err != nil || n <= 0 {
			return Recurrence{}, Invalid("recurrence", "days interval must be a positive integer")
		}
		return Every(time.Duration(n) * 24 * time.Hour), nil
	}

	head, tod, hasTOD := strings.Cut(low, "@")
	kind, arg, hasArg := strings.Cut(head, ":")
	kind = strings.TrimSpace(kind)
	arg = strings.TrimSpace(arg)

	hour, minute := at.Hour(), at.Minute()
	if hasTOD {
		h, m, err := parseTimeOfDay(tod)
		if err != nil {
			return Recurrence{}, err
		}
		hour, minute = h, m
	} else if at.IsZero() {
		return Recurrence{}, Invalid("recurrence", "time of day required (e.g. %s@09:00)", kind)
	}

	var r Recurrence
	switch kind {
	case "daily":
		if hasArg {
			return Recurrence{}, Invalid("recurrence", "daily takes no argument")
		}
		r = Daily(hour, minute)
	case "weekly":
		wd := at.Weekday()
		if hasArg {
			v, ok := parseWeekday(arg)
			if !ok {
				return Recurrence{}, Invalid("recurrence", "unknown weekday %q", arg)
			}
			wd = v
		} else if at.IsZero() {
			return Recurrence{}, Invalid("recurrence", "weekday required (e.g. weekly:mon@09:00)")
		}
		r = Weekly(wd, hour, minute)
	case "monthly":
		day := at.Day()
		if hasArg {
			v, err := strconv.Atoi(arg)
			if err != nil {
				return Recurrence{}, Invalid("recurrence", "day-of-month %q is not a number", arg)
			}
			day = v
		} else if at.IsZero() {
			return Recurrence{}, Invalid("recurrence", "day-of-month required (e.g. monthly:15@09:00)")
		}
		r = Monthly(day, hour, minute)
	default:
		return Recurrence{}, Invalid("recurrence", "unknown recurrence %q (use once, daily, weekly, monthly, every:<dur>, cron:<expr>)", raw)
	}
	return r, r.Validate()
}

func parseTimeOfDay(v string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, Invalid("recurrence", "time of day %q must be HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, Invalid("recurrence", "interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, Invalid("recurrence", "invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, Invalid("recurrence", "interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, Invalid("recurrence", "invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return 0, Invalid("recurrence", "interval must be > 0")
	}
	return d, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return wd, ok
}

func weekdayAbbrev(wd time.Weekday) string {
	if wd < time.Sunday || wd > time.Saturday {
		return fmt.Sprintf("%d", int(wd))
	}
	return strings.ToLower(wd.String()[:3])
}
