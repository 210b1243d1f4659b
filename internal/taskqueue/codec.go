package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// taskDoc is the wire form of a Task. Times are Unix nanoseconds; zero
// means unset.
type taskDoc struct {
	ID         string `json:"id"`
	JobID      string `json:"jobId"`
	Cause      Cause  `json:"cause,omitempty"`
	EnqueuedAt int64  `json:"enqueuedAt,omitempty"`
	NotBefore  int64  `json:"notBefore,omitempty"`
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// EncodeTask serializes a Task for the durable queues.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(taskDoc{
		ID:         t.ID,
		JobID:      t.JobID,
		Cause:      t.Cause,
		EnqueuedAt: unixNano(t.EnqueuedAt),
		NotBefore:  unixNano(t.NotBefore),
	})
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var doc taskDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if doc.JobID == "" {
		return nil, errors.New("decode task: missing job id")
	}
	return &Task{
		ID:         doc.ID,
		JobID:      doc.JobID,
		Cause:      doc.Cause,
		EnqueuedAt: fromUnixNano(doc.EnqueuedAt),
		NotBefore:  fromUnixNano(doc.NotBefore),
	}, nil
}
