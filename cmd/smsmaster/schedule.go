package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"smsmaster/internal/app"
	"smsmaster/internal/domain"
)

var scheduleCommand = cli.Command{
	Name:  "schedule",
	Usage: "add, list, cancel and inspect scheduled messages",
	Subcommands: []cli.Command{
		{
			Name:      "add",
			Usage:     "schedule a message",
			UsageText: "smsmaster schedule add --to +14155552671 --body hi --at 2026-01-02T09:00 [--recurrence daily@09:00]",
			Action:    scheduleAdd,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "to", Usage: "recipient phone number or tg:<chat_id>"},
				cli.StringFlag{Name: "body", Usage: "message text"},
				cli.StringFlag{Name: "template", Usage: "template id from the catalog (instead of --body)"},
				cli.StringFlag{Name: "contact", Usage: "contact id from the catalog (instead of --to)"},
				cli.StringFlag{Name: "provider, p", Usage: "preferred provider name, or auto", Value: domain.ProviderAuto},
				cli.StringFlag{Name: "at", Usage: "first run: RFC3339, '2006-01-02 15:04' or '+30m'", Value: "+1m"},
				cli.StringFlag{Name: "recurrence, r", Usage: "once, daily@HH:MM, weekly:mon@HH:MM, monthly:15@HH:MM, every:1h, cron:<expr>", Value: "once"},
				cli.StringFlag{Name: "owner", Usage: "owner tag used for filtering"},
			},
		},
		{
			Name:   "list",
			Usage:  "list scheduled messages",
			Action: scheduleList,
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "status, s", Usage: "filter by status (repeatable)"},
				cli.StringFlag{Name: "owner", Usage: "filter by owner"},
				cli.StringFlag{Name: "provider, p", Usage: "filter by requested provider"},
				cli.IntFlag{Name: "limit, n", Usage: "max rows (0 = all)"},
				cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table"},
			},
		},
		{
			Name:      "cancel",
			Usage:     "cancel scheduled messages",
			UsageText: "smsmaster schedule cancel <id> [<id>...]",
			Action:    scheduleCancel,
		},
		{
			Name:      "history",
			Usage:     "show dispatch attempts of a message",
			UsageText: "smsmaster schedule history <id>",
			Action:    scheduleHistory,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table"},
			},
		},
	},
}

func scheduleAdd(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		at, err := parseAt(c.String("at"), time.Now(), a.Location())
		if err != nil {
			return err
		}
		m, err := a.ScheduleAdd(ctx, app.ScheduleRequest{
			Owner:      c.String("owner"),
			Recipient:  c.String("to"),
			Body:       c.String("body"),
			TemplateID: c.String("template"),
			ContactID:  c.String("contact"),
			Provider:   c.String("provider"),
			At:         at,
			Recurrence: c.String("recurrence"),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s scheduled for %s (%s)\n", m.ID, m.NextRunTime.In(a.Location()).Format(time.RFC3339), m.Recurrence)
		return nil
	})
}

func scheduleList(c *cli.Context) error {
	f := domain.Filter{
		Owner:    c.String("owner"),
		Provider: c.String("provider"),
		Limit:    c.Int("limit"),
	}
	for _, raw := range c.StringSlice("status") {
		st, ok := domain.ParseStatus(raw)
		if !ok {
			return fmt.Errorf("unknown status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		list, err := a.ScheduleList(ctx, f)
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return writeJSON(stdout, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(stdout, "no scheduled messages")
			return nil
		}
		loc := a.Location()
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tNEXT RUN\tRECURRENCE\tTO\tPROVIDER\tRUNS\tLAST ERROR")
		for _, m := range list {
			to := m.Recipient
			if m.ContactID != "" {
				to = "@" + m.ContactID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				m.ID, m.Status, m.NextRunTime.In(loc).Format("2006-01-02 15:04"), m.Recurrence,
				to, orDash(m.Provider), m.Occurrences, orDash(truncate(m.LastError, 40)))
		}
		return tw.Flush()
	})
}

func scheduleCancel(c *cli.Context) error {
	if _, err := requireArg(c, "message id"); err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		for _, id := range c.Args() {
			ok, err := a.ScheduleCancel(ctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			if ok {
				fmt.Fprintf(stdout, "%s canceled\n", id)
			} else {
				fmt.Fprintf(stdout, "%s already finished\n", id)
			}
		}
		return nil
	})
}

func scheduleHistory(c *cli.Context) error {
	id, err := requireArg(c, "message id")
	if err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		rows, err := a.ScheduleHistory(ctx, id)
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return writeJSON(stdout, rows)
		}
		loc := a.Location()
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tOCCURRENCE\t#\tPROVIDER\tOUTCOME\tTOOK\tDETAIL")
		for _, r := range rows {
			detail := r.ProviderMessageID
			if r.Error != "" {
				detail = r.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				r.At.In(loc).Format("2006-01-02 15:04:05"), r.Occurrence.In(loc).Format("2006-01-02 15:04"),
				r.Index, r.Provider, r.Outcome, r.Duration.Round(time.Millisecond), orDash(truncate(detail, 60)))
		}
		return tw.Flush()
	})
}

// parseAt accepts RFC3339, a local "2006-01-02 15:04" (or with a T) and
// "+<duration>" relative to now.
func parseAt(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return time.Time{}, domain.Invalid("at", "required")
	case strings.HasPrefix(raw, "+"):
		d, err := time.ParseDuration(raw[1:])
		if err != nil || d < 0 {
			return time.Time{}, domain.Invalid("at", "bad relative time %q", raw)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.Invalid("at", "unrecognized time %q", raw)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
