package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"smsmaster/internal/app"
	"smsmaster/internal/config"
	"smsmaster/pkg/systemd"
)

var runFlags = []cli.Flag{
	cli.DurationFlag{
		Name:  "stop-timeout",
		Usage: "upper bound for graceful shutdown",
		Value: 20 * time.Second,
	},
}

func runDaemon(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(ctx, c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	_, _ = systemd.Ready()
	_, _ = systemd.Status("dispatching")
	go systemd.Watchdog(ctx, systemd.WatchdogInterval(), func() bool { return a.Err() == nil })

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
	defer stopCancel()

	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		return fmt.Errorf("fatal: %v", fatal)
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	path := c.GlobalString("config")
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return err
	}
	if err := app.CheckConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok (%d providers, storage=%s)\n", path, len(cfg.Providers), cfg.Storage.Driver)
	return nil
}
