package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// Times are stored as UnixNano integers; 0 means unset.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func encodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func encodeReason(r *api.Reason) (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode reason: %w", err)
	}
	return string(b), nil
}

func decodeReason(s string) (*api.Reason, error) {
	if s == "" {
		return nil, nil
	}
	var r api.Reason
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decode reason: %w", err)
	}
	return &r, nil
}

// recordDoc is the self-contained JSON form of a record, used by
// key-value backends.
type recordDoc struct {
	JobID        string          `json:"jobId"`
	WorkflowID   string          `json:"workflowId"`
	CurrentState string          `json:"currentState"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	Status       api.Status      `json:"status"`
	Reason       *api.Reason     `json:"reason,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
	DeadlineAt   int64           `json:"deadlineAt"`
	ResumeAt     int64           `json:"resumeAt,omitempty"`
	RetryAt      int64           `json:"retryAt,omitempty"`
	ExpiresAt    int64           `json:"expiresAt,omitempty"`
	Version      int64           `json:"version"`
}

func encodeRecord(rec *api.ExecutionRecord) ([]byte, error) {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordDoc{
		JobID:        rec.JobID,
		WorkflowID:   rec.WorkflowID,
		CurrentState: rec.CurrentState,
		Payload:      payload,
		Attempt:      rec.Attempt,
		Status:       rec.Status,
		Reason:       rec.Reason,
		CreatedAt:    toNanos(rec.CreatedAt),
		UpdatedAt:    toNanos(rec.UpdatedAt),
		DeadlineAt:   toNanos(rec.DeadlineAt),
		ResumeAt:     toNanos(rec.ResumeAt),
		RetryAt:      toNanos(rec.RetryAt),
		ExpiresAt:    toNanos(rec.ExpiresAt),
		Version:      rec.Version,
	})
}

func decodeRecord(b []byte) (*api.ExecutionRecord, error) {
	var doc recordDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	payload, err := decodePayload(doc.Payload)
	if err != nil {
		return nil, err
	}
	return &api.ExecutionRecord{
		JobID:        doc.JobID,
		WorkflowID:   doc.WorkflowID,
		CurrentState: doc.CurrentState,
		Payload:      payload,
		Attempt:      doc.Attempt,
		Status:       doc.Status,
		Reason:       doc.Reason,
		CreatedAt:    fromNanos(doc.CreatedAt),
		UpdatedAt:    fromNanos(doc.UpdatedAt),
		DeadlineAt:   fromNanos(doc.DeadlineAt),
		ResumeAt:     fromNanos(doc.ResumeAt),
		RetryAt:      fromNanos(doc.RetryAt),
		ExpiresAt:    fromNanos(doc.ExpiresAt),
		Version:      doc.Version,
	}, nil
}

type eventDoc struct {
	JobID      string     `json:"jobId"`
	WorkflowID string     `json:"workflowId"`
	Version    int64      `json:"version"`
	At         int64      `json:"at"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Status     api.Status `json:"status"`
	Detail     string     `json:"detail,omitempty"`
}

func encodeEvent(ev api.TransitionEvent) ([]byte, error) {
	return json.Marshal(eventDoc{
		JobID:      ev.JobID,
		WorkflowID: ev.WorkflowID,
		Version:    ev.Version,
		At:         toNanos(ev.At),
		From:       ev.From,
		To:         ev.To,
		Status:     ev.Status,
		Detail:     ev.Detail,
	})
}

func decodeEvent(b []byte) (api.TransitionEvent, error) {
	var doc eventDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return api.TransitionEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return api.TransitionEvent{
		JobID:      doc.JobID,
		WorkflowID: doc.WorkflowID,
		Version:    doc.Version,
		At:         fromNanos(doc.At),
		From:       doc.From,
		To:         doc.To,
		Status:     doc.Status,
		Detail:     doc.Detail,
	}, nil
}
