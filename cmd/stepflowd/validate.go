package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/stepflow/internal/definition"
	"github.com/petrijr/stepflow/pkg/api"
)

func newValidateCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check workflow definition files without running anything",
		ArgsUsage: "<file-or-dir>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "allow-deadline-before-waits",
				Usage: "Accept definitions whose deadline is shorter than their waits",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if len(paths) == 0 {
				return errors.New("at least one file or directory is required")
			}

			var errs []error
			for _, path := range paths {
				defs, err := loadDefinitions(path)
				if err != nil {
					errs = append(errs, err)
				}
				for _, def := range defs {
					if !command.Bool("allow-deadline-before-waits") {
						if err := def.CheckDeadline(); err != nil {
							errs = append(errs, fmt.Errorf("%s: %w", def.ID, err))
							continue
						}
					}
					fmt.Fprintf(out, "ok  %s (%d states, entry %s)\n", def.ID, len(def.States), def.EntryState)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func loadDefinitions(path string) ([]api.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return definition.LoadDir(path)
	}
	def, err := definition.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []api.WorkflowDefinition{def}, nil
}
