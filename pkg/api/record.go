package api

import "time"

// Status represents the engine-level lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Reason explains why an execution ended Failed or Aborted.
type Reason struct {
	Kind   FailureKind `json:"kind"`
	State  string      `json:"state,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

func (r *Reason) String() string {
	if r == nil {
		return ""
	}
	s := string(r.Kind)
	if r.State != "" {
		s += " in " + r.State
	}
	if r.Detail != "" {
		s += ": " + r.Detail
	}
	return s
}

// ExecutionRecord is the durable, versioned snapshot of one job's progress
// through its WorkflowDefinition.
type ExecutionRecord struct {
	JobID      string
	WorkflowID string

	CurrentState string
	Payload      map[string]any

	// Attempt counts failed invocations of the current state. It is reset
	// on every transition.
	Attempt int

	Status Status
	Reason *Reason

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeadlineAt time.Time

	// ResumeAt is set if and only if Status is StatusSuspended.
	ResumeAt time.Time

	// RetryAt is set while a retry backoff of the current Task is pending.
	RetryAt time.Time

	// ExpiresAt is set once the record is terminal and its workflow has a
	// retention window.
	ExpiresAt time.Time

	// Version is the optimistic concurrency token. Stores reject a write
	// whose Version does not match the stored one and bump it on success.
	Version int64
}

// Clone returns a deep copy of the record, safe to mutate.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = ClonePayload(r.Payload)
	if r.Reason != nil {
		reason := *r.Reason
		c.Reason = &reason
	}
	return &c
}

// StatusView is the read-only answer to a status query.
type StatusView struct {
	JobID        string
	WorkflowID   string
	Status       Status
	CurrentState string
	LastUpdated  time.Time
	ResumeAt     time.Time
	Reason       *Reason
}

// View projects the record onto a StatusView.
func (r *ExecutionRecord) View() StatusView {
	v := StatusView{
		JobID:        r.JobID,
		WorkflowID:   r.WorkflowID,
		Status:       r.Status,
		CurrentState: r.CurrentState,
		LastUpdated:  r.UpdatedAt,
		ResumeAt:     r.ResumeAt,
	}
	if r.Reason != nil {
		reason := *r.Reason
		v.Reason = &reason
	}
	return v
}

// ExecutionFilter selects records when listing. Zero values mean "no filter".
type ExecutionFilter struct {
	WorkflowID string
	Status     Status
}

// ClonePayload deep-copies JSON-shaped payload data.
func ClonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return ClonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
