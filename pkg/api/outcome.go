package api

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies why a task invocation or an execution failed.
type FailureKind string

const (
	// Task-level kinds, produced by an Invoker. These are retryable and
	// can be caught by a Task state's catch-transitions.
	FailureTimeout           FailureKind = "Timeout"
	FailureWorkerError       FailureKind = "WorkerError"
	FailureWorkerUnavailable FailureKind = "WorkerUnavailable"

	// Execution-level kinds, produced by the engine.
	FailureDeadlineExceeded FailureKind = "DeadlineExceeded"
	FailureDefinitionFault  FailureKind = "DefinitionFault"
	FailureAbortRequested   FailureKind = "AbortRequested"

	// FailureFailState is used when a Failed Terminal state is reached
	// without a caught task failure to report.
	FailureFailState FailureKind = "FailState"
)

// Retryable reports whether kind is a task-level failure.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureWorkerError, FailureWorkerUnavailable:
		return true
	default:
		return false
	}
}

// WorkerFailure is the error a worker returns to choose its failure kind
// explicitly. Any other error from a local handler is a WorkerError.
type WorkerFailure struct {
	Kind   FailureKind
	Detail string
}

func (f *WorkerFailure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// NewWorkerFailure builds a *WorkerFailure with a formatted detail.
func NewWorkerFailure(kind FailureKind, format string, args ...any) *WorkerFailure {
	return &WorkerFailure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// InvocationOutcome is the result of exactly one task invocation: either a
// result payload or a classified failure.
type InvocationOutcome struct {
	Result  map[string]any
	Failure *WorkerFailure
}

// Succeeded builds a successful outcome.
func Succeeded(result map[string]any) InvocationOutcome {
	return InvocationOutcome{Result: result}
}

// Failed builds a failed outcome.
func Failed(kind FailureKind, detail string) InvocationOutcome {
	return InvocationOutcome{Failure: &WorkerFailure{Kind: kind, Detail: detail}}
}

// OK reports whether the invocation succeeded.
func (o InvocationOutcome) OK() bool { return o.Failure == nil }

// OutcomeFromError maps a handler error onto an outcome. A *WorkerFailure
// anywhere in the chain keeps its kind; context deadline errors become
// Timeout; everything else is a WorkerError.
func OutcomeFromError(err error) InvocationOutcome {
	var wf *WorkerFailure
	switch {
	case errors.As(err, &wf):
		return InvocationOutcome{Failure: &WorkerFailure{Kind: wf.Kind, Detail: wf.Detail}}
	case errors.Is(err, context.DeadlineExceeded):
		return Failed(FailureTimeout, err.Error())
	default:
		return Failed(FailureWorkerError, err.Error())
	}
}

// TaskRequest is what a worker receives for one invocation.
type TaskRequest struct {
	Worker  string `json:"-"`
	JobID   string `json:"jobId"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`

	// Version is the record version the invocation was made from. It is
	// stable across re-invocations of the same attempt and differs between
	// visits to the same state.
	Version int64          `json:"version"`
	Payload map[string]any `json:"payload"`
}

// IdempotencyKey identifies this invocation for worker-side deduplication.
// Re-invocations after a crash carry the same key.
func (r TaskRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d:%d", r.JobID, r.State, r.Version, r.Attempt)
}

// Invoker calls a named worker. It performs exactly one call per Invoke,
// bounded by timeout, and reports every expected failure as an outcome
// rather than an error.
type Invoker interface {
	Invoke(ctx context.Context, req TaskRequest, timeout time.Duration) InvocationOutcome
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req TaskRequest, timeout time.Duration) InvocationOutcome

func (f InvokerFunc) Invoke(ctx context.Context, req TaskRequest, timeout time.Duration) InvocationOutcome {
	return f(ctx, req, timeout)
}
