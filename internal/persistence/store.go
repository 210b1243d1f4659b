package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

var (
	// ErrAlreadyExists is returned by Create when a record with the same
	// job id is already stored.
	ErrAlreadyExists = errors.New("execution already exists")

	// ErrLeaseNotHeld is returned by RenewLease when the caller does not
	// own the lease.
	ErrLeaseNotHeld = errors.New("lease not held")
)

// RecordStore is the durable job store. Every mutation after Create is a
// conditional put keyed on the record's Version.
type RecordStore interface {
	// Create stores a new record. Version is set to 1.
	Create(ctx context.Context, rec *api.ExecutionRecord) error

	// Get returns the stored record or api.ErrExecutionNotFound.
	Get(ctx context.Context, jobID string) (*api.ExecutionRecord, error)

	// Put replaces the stored record if its version equals rec.Version and
	// increments rec.Version on success. A mismatch returns
	// api.ErrConcurrentModification and leaves the store unchanged.
	Put(ctx context.Context, rec *api.ExecutionRecord) error

	// List returns records matching filter.
	List(ctx context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error)

	// ListDue returns ids of non-terminal records that need an evaluation
	// at now: a resume or retry instant or the deadline has passed, or the
	// record is Running and was last updated at or before staleBefore.
	// A zero staleBefore disables the staleness rule.
	ListDue(ctx context.Context, now, staleBefore time.Time) ([]string, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, jobID string) error

	// PurgeExpired deletes terminal records whose ExpiresAt is at or
	// before now and returns their ids.
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Leaser is implemented by stores that can hand out per-job leases so only
// one evaluator works on a job at a time. Version checks still apply.
type Leaser interface {
	// TryAcquireLease attempts to acquire (or re-acquire) a lease on a job.
	// If the job is currently leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil.
	//
	// A lease owned by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, jobID, owner string) error
}

// HistoryStore is an append-only log of persisted transitions.
type HistoryStore interface {
	Append(ctx context.Context, ev api.TransitionEvent) error
	List(ctx context.Context, jobID string) ([]api.TransitionEvent, error)
	Delete(ctx context.Context, jobID string) error
}

// NoopHistoryStore discards all events.
type NoopHistoryStore struct{}

func (NoopHistoryStore) Append(context.Context, api.TransitionEvent) error { return nil }
func (NoopHistoryStore) List(context.Context, string) ([]api.TransitionEvent, error) {
	return nil, nil
}
func (NoopHistoryStore) Delete(context.Context, string) error { return nil }

// IsDue applies the ListDue rule to a single record.
func IsDue(rec *api.ExecutionRecord, now, staleBefore time.Time) bool {
	if rec.Status.IsTerminal() {
		return false
	}
	if !rec.DeadlineAt.IsZero() && !now.Before(rec.DeadlineAt) {
		return true
	}
	if rec.Status == api.StatusSuspended {
		return !rec.ResumeAt.IsZero() && !now.Before(rec.ResumeAt)
	}
	if !rec.RetryAt.IsZero() {
		return !now.Before(rec.RetryAt)
	}
	return !staleBefore.IsZero() && !rec.UpdatedAt.After(staleBefore)
}

// IsExpired reports whether a terminal record is past its retention window.
func IsExpired(rec *api.ExecutionRecord, now time.Time) bool {
	return rec.Status.IsTerminal() && !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt)
}

func matchesFilter(rec *api.ExecutionRecord, filter api.ExecutionFilter) bool {
	if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	return true
}
