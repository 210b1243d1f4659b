package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "stepflowd:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "stepflowd",
		Usage:                 "Run and inspect durable workflow executions",
		EnableShellCompletion: true,
		Writer:                out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("STEPFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "workflows",
				Usage: "Directory of YAML workflow definitions",
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newSubmitCommand(out),
			newStatusCommand(out),
			newHistoryCommand(out),
			newListCommand(out),
			newAbortCommand(out),
			newPurgeCommand(out),
			newSweepCommand(out),
			newValidateCommand(out),
		},
	}
}
