package api

import "context"

// Engine is the orchestrator API. All methods are safe for concurrent use.
type Engine interface {
	// RegisterWorkflow validates and registers a definition by ID.
	RegisterWorkflow(def WorkflowDefinition) error

	// CreateExecution creates a record at the definition's entry state and
	// schedules its first evaluation. It is idempotent on jobID: an
	// existing non-terminal record is returned as is, and an existing
	// terminal record is returned together with ErrExecutionFinished.
	CreateExecution(ctx context.Context, workflowID, jobID string, payload map[string]any) (*ExecutionRecord, error)

	// Evaluate runs evaluation passes for jobID until the execution
	// suspends, waits for a retry backoff, or terminates. Evaluating a
	// record that is not yet due is a no-op.
	Evaluate(ctx context.Context, jobID string) (*ExecutionRecord, error)

	// GetStatus returns a read-only status view. A failed execution is not
	// an error here; its Reason is part of the view.
	GetStatus(ctx context.Context, jobID string) (StatusView, error)

	// GetExecution returns a copy of the full record.
	GetExecution(ctx context.Context, jobID string) (*ExecutionRecord, error)

	// ListExecutions returns records matching filter.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// History returns the persisted transitions of jobID, oldest first.
	History(ctx context.Context, jobID string) ([]TransitionEvent, error)

	// Abort moves a non-terminal execution to Aborted. Aborting a terminal
	// execution returns it unchanged.
	Abort(ctx context.Context, jobID, reason string) (*ExecutionRecord, error)

	// DueExecutions lists non-terminal job ids that need an evaluation now.
	DueExecutions(ctx context.Context) ([]string, error)

	// Purge deletes a terminal record and its history.
	Purge(ctx context.Context, jobID string) error

	// PurgeExpired deletes terminal records past their retention window
	// and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
}
