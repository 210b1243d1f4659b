package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/stepflow/pkg/api"
)

var errMissingJobID = errors.New("job id argument is required")

func newSubmitCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Create an execution of a registered workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "Job id (generated if empty)",
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Initial payload as a JSON object",
			},
			&cli.StringFlag{
				Name:  "payload-file",
				Usage: "Read the initial payload from a JSON file",
			},
		},
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			workflowID := command.Args().First()
			if workflowID == "" {
				return errors.New("workflow id argument is required")
			}
			payload, err := readPayload(command.String("payload"), command.String("payload-file"))
			if err != nil {
				return err
			}
			jobID := command.String("job-id")
			if jobID == "" {
				jobID = uuid.NewString()
			}

			rec, err := rt.engine.CreateExecution(ctx, workflowID, jobID, payload)
			if err != nil && !errors.Is(err, api.ErrExecutionFinished) {
				return err
			}
			return writeJSON(out, rec.View())
		}),
	}
}

func readPayload(inline, path string) (map[string]any, error) {
	data := []byte(inline)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func newStatusCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of an execution",
		ArgsUsage: "<job-id>",
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			jobID := command.Args().First()
			if jobID == "" {
				return errMissingJobID
			}
			view, err := rt.engine.GetStatus(ctx, jobID)
			if err != nil {
				return err
			}
			return writeJSON(out, view)
		}),
	}
}

func newHistoryCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List the transitions of an execution",
		ArgsUsage: "<job-id>",
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			jobID := command.Args().First()
			if jobID == "" {
				return errMissingJobID
			}
			events, err := rt.engine.History(ctx, jobID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tFROM\tTO\tSTATUS\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ev.At.Format(time.RFC3339), ev.From, ev.To, ev.Status, ev.Detail)
			}
			return tw.Flush()
		}),
	}
}

func newListCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List executions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Only executions of this workflow"},
			&cli.StringFlag{Name: "status", Usage: "Only executions with this status (RUNNING, SUSPENDED, ...)"},
		},
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			recs, err := rt.engine.ListExecutions(ctx, api.ExecutionFilter{
				WorkflowID: command.String("workflow"),
				Status:     api.Status(command.String("status")),
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tWORKFLOW\tSTATUS\tSTATE\tUPDATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					rec.JobID, rec.WorkflowID, rec.Status, rec.CurrentState, rec.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}
}

func newAbortCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "abort",
		Usage:     "Abort a running or suspended execution",
		ArgsUsage: "<job-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "Reason recorded on the execution", Value: "aborted by operator"},
		},
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			jobID := command.Args().First()
			if jobID == "" {
				return errMissingJobID
			}
			rec, err := rt.engine.Abort(ctx, jobID, command.String("reason"))
			if err != nil {
				return err
			}
			return writeJSON(out, rec.View())
		}),
	}
}

func newPurgeCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "purge",
		Usage:     "Delete a terminal execution, or every expired one",
		ArgsUsage: "[job-id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "expired", Usage: "Delete all terminal executions past their retention"},
		},
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			if command.Bool("expired") {
				n, err := rt.engine.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "purged %d executions\n", n)
				return nil
			}
			jobID := command.Args().First()
			if jobID == "" {
				return errMissingJobID
			}
			if err := rt.engine.Purge(ctx, jobID); err != nil {
				return err
			}
			fmt.Fprintf(out, "purged %s\n", jobID)
			return nil
		}),
	}
}

func newSweepCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Queue every due execution and purge expired ones once",
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			res, err := rt.timer.Sweep(ctx, rt.engine)
			fmt.Fprintf(out, "enqueued %d, purged %d\n", res.Enqueued, res.Purged)
			return err
		}),
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
