package api

import (
	"context"
	"time"
)

// TransitionEvent is one entry of an execution's append-only history. One
// is recorded per persisted transition.
type TransitionEvent struct {
	JobID      string
	WorkflowID string
	Version    int64
	At         time.Time

	From   string
	To     string
	Status Status

	// Small, human-oriented detail (failure kind, abort reason).
	// Do NOT put payloads here.
	Detail string
}

// TerminalEvent is published exactly once when an execution reaches a
// terminal status.
type TerminalEvent struct {
	JobID      string    `json:"jobId"`
	WorkflowID string    `json:"workflowId"`
	Status     Status    `json:"status"`
	State      string    `json:"state"`
	Reason     *Reason   `json:"reason,omitempty"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}

// NewTerminalEvent builds the notification for a terminal record.
func NewTerminalEvent(rec *ExecutionRecord) TerminalEvent {
	ev := TerminalEvent{
		JobID:      rec.JobID,
		WorkflowID: rec.WorkflowID,
		Status:     rec.Status,
		State:      rec.CurrentState,
		At:         rec.UpdatedAt,
	}
	if rec.Reason != nil {
		reason := *rec.Reason
		ev.Reason = &reason
	}
	switch rec.Status {
	case StatusSucceeded:
		ev.Summary = "job " + rec.JobID + " completed"
	default:
		ev.Summary = "job " + rec.JobID + " " + string(rec.Status)
		if rec.Reason != nil {
			ev.Summary += ": " + rec.Reason.String()
		}
	}
	return ev
}

// Notifier publishes terminal notifications. Delivery guarantees belong
// to the transport.
type Notifier interface {
	Notify(ctx context.Context, ev TerminalEvent) error
}

// Scheduler requests that the execution of jobID be evaluated at or after
// at. Duplicate or early requests are harmless.
type Scheduler interface {
	ScheduleResume(ctx context.Context, jobID string, at time.Time) error
}
