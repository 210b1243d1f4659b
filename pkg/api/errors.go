package api

import "errors"

var (
	// ErrExecutionNotFound is returned when no record exists for a job id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrWorkflowNotFound is returned for an unregistered workflow id.
	ErrWorkflowNotFound = errors.New("workflow not registered")

	// ErrWorkflowExists is returned when registering an id twice.
	ErrWorkflowExists = errors.New("workflow already registered")

	// ErrExecutionFinished accompanies the existing record when
	// CreateExecution is called for a job that already reached a terminal
	// status.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrExecutionActive is returned when purging a non-terminal record.
	ErrExecutionActive = errors.New("execution still active")

	// ErrConcurrentModification is returned by stores when a conditional
	// write observes a different version than the one the caller loaded.
	// The engine handles it internally by reloading.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrLeaseHeld is returned when another evaluator owns the job's lease.
	ErrLeaseHeld = errors.New("execution lease held by another owner")
)
