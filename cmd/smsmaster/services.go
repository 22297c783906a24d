package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli"

	"smsmaster/internal/app"
	"smsmaster/internal/config"
)

var servicesCommand = cli.Command{
	Name:    "services",
	Aliases: []string{"providers"},
	Usage:   "manage delivery providers",
	Subcommands: []cli.Command{
		{
			Name:   "list",
			Usage:  "list providers in dispatch order",
			Action: servicesList,
			Flags:  []cli.Flag{cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table"}},
		},
		{
			Name:      "activate",
			Usage:     "put a provider back into rotation",
			UsageText: "smsmaster services activate <name>",
			Action:    func(c *cli.Context) error { return servicesSetActive(c, true) },
		},
		{
			Name:      "deactivate",
			Usage:     "take a provider out of rotation",
			UsageText: "smsmaster services deactivate <name>",
			Action:    func(c *cli.Context) error { return servicesSetActive(c, false) },
		},
		{
			Name:      "configure",
			Usage:     "store credentials and/or change the rate limit",
			UsageText: "smsmaster services configure <name> --set auth_token=... [--rate-max 100 --rate-window 24h]",
			Action:    servicesConfigure,
			Flags: []cli.Flag{
				cli.StringSliceFlag{Name: "set", Usage: "credential field as key=value (repeatable)"},
				cli.IntFlag{Name: "rate-max", Usage: "sends allowed per window (0 = kind default, negative = unlimited)"},
				cli.StringFlag{Name: "rate-window", Usage: "rate limit window, e.g. 24h"},
			},
		},
		{
			Name:      "test",
			Usage:     "check credentials and reachability",
			UsageText: "smsmaster services test <name>",
			Action:    servicesTest,
		},
	},
}

func servicesList(c *cli.Context) error {
	return withApp(c, func(_ context.Context, a *app.App) error {
		list := a.Providers()
		if c.Bool("json") {
			return writeJSON(stdout, list)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tPRIORITY\tACTIVE\tRATE LIMIT\tCOUNTRIES")
		for _, p := range list {
			limit := "unlimited"
			if p.RateLimit.Max > 0 {
				limit = fmt.Sprintf("%d/%s", p.RateLimit.Max, p.RateLimit.Window)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\t%s\n",
				p.Name, p.Kind, p.Priority, p.Active, limit, orDash(strings.Join(p.Countries, ",")))
		}
		return tw.Flush()
	})
}

func servicesSetActive(c *cli.Context, active bool) error {
	name, err := requireArg(c, "provider name")
	if err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		if active {
			err = a.ProviderActivate(ctx, name)
		} else {
			err = a.ProviderDeactivate(ctx, name)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s active=%t\n", name, active)
		return nil
	})
}

func servicesConfigure(c *cli.Context) error {
	name, err := requireArg(c, "provider name")
	if err != nil {
		return err
	}
	req, err := configureRequest(c.StringSlice("set"), c.IsSet("rate-max"), c.Int("rate-max"), c.String("rate-window"))
	if err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		if err := a.ProviderConfigure(ctx, name, req); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s configured\n", name)
		return nil
	})
}

// configureRequest turns --set pairs and the rate flags into a request.
// The rate limit is only touched when --rate-max was given.
func configureRequest(pairs []string, rateSet bool, rateMax int, rateWindow string) (app.ConfigureRequest, error) {
	var req app.ConfigureRequest
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return req, fmt.Errorf("--set %q: want key=value", kv)
		}
		if req.Credentials == nil {
			req.Credentials = map[string]string{}
		}
		req.Credentials[k] = v
	}
	rateWindow = strings.TrimSpace(rateWindow)
	if rateWindow != "" && !rateSet {
		return req, fmt.Errorf("--rate-window needs --rate-max")
	}
	if rateSet {
		req.RateLimit = &config.RateLimitConfig{Max: rateMax, Window: rateWindow}
	}
	if req.Credentials == nil && req.RateLimit == nil {
		return req, fmt.Errorf("nothing to configure: pass --set and/or --rate-max")
	}
	return req, nil
}

func servicesTest(c *cli.Context) error {
	name, err := requireArg(c, "provider name")
	if err != nil {
		return err
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		if err := a.ProviderTest(ctx, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(stdout, "%s: ok\n", name)
		return nil
	})
}
