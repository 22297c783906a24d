package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"smsmaster/internal/app"
)

const defaultConfigPath = "./config.json"

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Usage:  "path to the JSON or YAML config file",
		Value:  defaultConfigPath,
		EnvVar: "SMSMASTER_CONFIG",
	},
	cli.StringFlag{
		Name:   "env-file",
		Usage:  "dotenv file loaded into the environment before anything else",
		EnvVar: "SMSMASTER_ENV_FILE",
	},
}

// Execute builds the command tree and runs it with args (os.Args shaped).
func Execute(args []string) error {
	a := cli.NewApp()
	a.Name = "smsmaster"
	a.HelpName = "smsmaster"
	a.Usage = "schedule messages and dispatch them across SMS and chat gateways"
	a.UsageText = "smsmaster [--config path] <command> [arguments...]"
	a.Version = fmt.Sprintf("%s (%s)", version, commit)
	a.Flags = globalFlags
	a.Before = loadEnvFile
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the scheduler, dispatcher and ops server until SIGINT/SIGTERM",
			Action: runDaemon,
			Flags:  runFlags,
		},
		{
			Name:   "check-config",
			Usage:  "validate the config file and exit",
			Action: checkConfig,
		},
		scheduleCommand,
		servicesCommand,
	}
	return a.Run(args)
}

func loadEnvFile(c *cli.Context) error {
	path := strings.TrimSpace(c.GlobalString("env-file"))
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// withApp wires the app for one-shot commands; nothing is started.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	ctx := context.Background()
	a, err := app.New(ctx, c.GlobalString("config"))
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.Close())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// requireArg returns the first positional argument or a usage error.
func requireArg(c *cli.Context, what string) (string, error) {
	v := strings.TrimSpace(c.Args().First())
	if v == "" {
		return "", fmt.Errorf("%s: missing %s", c.Command.Name, what)
	}
	return v, nil
}

var stdout io.Writer = os.Stdout
