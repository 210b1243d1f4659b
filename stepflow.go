package stepflow

import (
	"context"

	"github.com/petrijr/stepflow/internal/definition"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/invoker"
	"github.com/petrijr/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = api.Engine
	WorkflowDefinition = api.WorkflowDefinition
	StateSpec          = api.StateSpec
	ChoiceRule         = api.ChoiceRule
	Predicate          = api.Predicate
	RetryPolicy        = api.RetryPolicy
	ExecutionRecord    = api.ExecutionRecord
	ExecutionFilter    = api.ExecutionFilter
	StatusView         = api.StatusView
	TransitionEvent    = api.TransitionEvent
	TerminalEvent      = api.TerminalEvent
	Status             = api.Status
	Reason             = api.Reason
	FailureKind        = api.FailureKind
	WorkerFailure      = api.WorkerFailure
	TaskRequest        = api.TaskRequest
	InvocationOutcome  = api.InvocationOutcome
	Invoker            = api.Invoker
	Notifier           = api.Notifier

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// EngineConfig configures NewEngineWithConfig.
	EngineConfig = engine.Config

	// HandlerFunc is an in-process worker registered on a LocalInvoker.
	HandlerFunc  = invoker.HandlerFunc
	LocalInvoker = invoker.LocalInvoker
	HTTPInvoker  = invoker.HTTPInvoker
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewWorkerFailure     = api.NewWorkerFailure
)

// Re-export status values and failure kinds for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusSucceeded = api.StatusSucceeded
	StatusFailed    = api.StatusFailed
	StatusAborted   = api.StatusAborted

	FailureTimeout           = api.FailureTimeout
	FailureWorkerError       = api.FailureWorkerError
	FailureWorkerUnavailable = api.FailureWorkerUnavailable
	FailureDeadlineExceeded  = api.FailureDeadlineExceeded
	FailureDefinitionFault   = api.FailureDefinitionFault
	FailureAbortRequested    = api.FailureAbortRequested
	FailureFailState         = api.FailureFailState
	CatchAll                 = api.CatchAll
)

// Engine constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine whose records live in process memory.
// Nothing schedules resumes; callers drive it with Evaluate or use a
// LocalRunner.
func NewInMemoryEngine(inv Invoker) Engine {
	return engine.NewInMemoryEngine(inv)
}

// NewEngineWithConfig returns an Engine with every collaborator supplied
// by the caller.
func NewEngineWithConfig(cfg EngineConfig) Engine {
	return engine.NewEngineWithConfig(cfg)
}

// NewLocalInvoker returns an invoker for in-process handlers.
func NewLocalInvoker() *LocalInvoker {
	return invoker.NewLocalInvoker()
}

// NewHTTPInvoker returns an invoker that POSTs task requests to worker URLs.
func NewHTTPInvoker() *HTTPInvoker {
	return invoker.NewHTTPInvoker()
}

// LoadDefinition reads a YAML workflow definition from path.
func LoadDefinition(path string) (WorkflowDefinition, error) {
	return definition.LoadFile(path)
}

// ParseDefinition decodes a YAML workflow definition.
func ParseDefinition(data []byte) (WorkflowDefinition, error) {
	return definition.Parse(data)
}

// Convenience helpers that just forward to the underlying Engine.

// Start creates an execution and returns its record.
func Start(ctx context.Context, eng Engine, workflowID, jobID string, payload map[string]any) (*ExecutionRecord, error) {
	return eng.CreateExecution(ctx, workflowID, jobID, payload)
}

// GetStatus returns the status view of jobID.
func GetStatus(ctx context.Context, eng Engine, jobID string) (StatusView, error) {
	return eng.GetStatus(ctx, jobID)
}

// Abort stops jobID with the given reason.
func Abort(ctx context.Context, eng Engine, jobID, reason string) (*ExecutionRecord, error) {
	return eng.Abort(ctx, jobID, reason)
}
