package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/stepflow/pkg/api"
)

// PostgresStore is a RecordStore and Leaser backed by PostgreSQL through a
// pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ RecordStore = (*PostgresStore)(nil)
	_ Leaser      = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema and returns a store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresPersistence wires records, leases and history onto one pool.
func NewPostgresPersistence(ctx context.Context, pool *pgxpool.Pool) (Persistence, error) {
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Records: store, History: NewPostgresHistoryStore(pool), Leases: store}, nil
}

func (p *PostgresStore) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			job_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			current_state TEXT NOT NULL,
			payload JSONB,
			attempt INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deadline_at BIGINT NOT NULL DEFAULT 0,
			resume_at BIGINT NOT NULL DEFAULT 0,
			retry_at BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);
		CREATE TABLE IF NOT EXISTS execution_transitions (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			at BIGINT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_execution_transitions_job ON execution_transitions(job_id, id);
	`)
	if err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

const pgRecordColumns = `job_id, workflow_id, current_state, payload, attempt, status, reason,
	created_at, updated_at, deadline_at, resume_at, retry_at, expires_at, version`

func (p *PostgresStore) Create(ctx context.Context, rec *api.ExecutionRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	reason, err := encodeReason(rec.Reason)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO executions (`+pgRecordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (job_id) DO NOTHING`,
		rec.JobID, rec.WorkflowID, rec.CurrentState, payload, rec.Attempt,
		string(rec.Status), reason,
		toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), toNanos(rec.DeadlineAt),
		toNanos(rec.ResumeAt), toNanos(rec.RetryAt), toNanos(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	rec.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (*api.ExecutionRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+pgRecordColumns+`
		FROM executions
		WHERE job_id = $1`, jobID)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return rec, nil
}

// Put persists rec with optimistic locking.
func (p *PostgresStore) Put(ctx context.Context, rec *api.ExecutionRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	reason, err := encodeReason(rec.Reason)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE executions SET
			current_state = $1,
			payload = $2,
			attempt = $3,
			status = $4,
			reason = $5,
			updated_at = $6,
			deadline_at = $7,
			resume_at = $8,
			retry_at = $9,
			expires_at = $10,
			version = version + 1
		WHERE job_id = $11 AND version = $12`,
		rec.CurrentState, payload, rec.Attempt, string(rec.Status), reason,
		toNanos(rec.UpdatedAt), toNanos(rec.DeadlineAt), toNanos(rec.ResumeAt),
		toNanos(rec.RetryAt), toNanos(rec.ExpiresAt),
		rec.JobID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Get(ctx, rec.JobID); err != nil {
			return err
		}
		return api.ErrConcurrentModification
	}
	rec.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM executions`
	var (
		clauses []string
		args    []any
	)
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		clauses = append(clauses, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*api.ExecutionRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListDue(ctx context.Context, now, staleBefore time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT job_id FROM executions
		WHERE status IN ('RUNNING', 'SUSPENDED')
		AND (
			(deadline_at > 0 AND deadline_at <= $1)
			OR (status = 'SUSPENDED' AND resume_at > 0 AND resume_at <= $1)
			OR (status = 'RUNNING' AND retry_at > 0 AND retry_at <= $1)
			OR (status = 'RUNNING' AND retry_at = 0 AND $2::BIGINT > 0 AND updated_at <= $2::BIGINT)
		)
		ORDER BY job_id`,
		now.UnixNano(), toNanos(staleBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("query due executions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) Delete(ctx context.Context, jobID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM executions WHERE job_id = $1`, jobID)
	return err
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM executions
		WHERE status IN ('SUCCEEDED', 'FAILED', 'ABORTED')
		AND expires_at > 0 AND expires_at <= $1
		RETURNING job_id`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("purge executions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) TryAcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := p.now()
	tag, err := p.pool.Exec(ctx, `
		UPDATE executions
		SET lease_owner = $1, lease_expires_at = $2
		WHERE job_id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $1
		)`,
		owner, now.Add(ttl).UnixNano(), jobID, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE executions
		SET lease_expires_at = $1
		WHERE job_id = $2 AND lease_owner = $3`,
		p.now().Add(ttl).UnixNano(), jobID, owner,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (p *PostgresStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE job_id = $1 AND lease_owner = $2`,
		jobID, owner,
	)
	return err
}

// PostgresHistoryStore keeps transition history in the same database.
type PostgresHistoryStore struct {
	pool *pgxpool.Pool
}

var _ HistoryStore = (*PostgresHistoryStore)(nil)

// NewPostgresHistoryStore expects the schema created by NewPostgresStore.
func NewPostgresHistoryStore(pool *pgxpool.Pool) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool}
}

// Append adds a transition to the audit trail.
func (h *PostgresHistoryStore) Append(ctx context.Context, ev api.TransitionEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := h.pool.Exec(ctx, `
		INSERT INTO execution_transitions (job_id, workflow_id, version, at, from_state, to_state, status, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.JobID, ev.WorkflowID, ev.Version, at.UnixNano(), ev.From, ev.To, string(ev.Status), ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (h *PostgresHistoryStore) List(ctx context.Context, jobID string) ([]api.TransitionEvent, error) {
	rows, err := h.pool.Query(ctx, `
		SELECT job_id, workflow_id, version, at, from_state, to_state, status, detail
		FROM execution_transitions
		WHERE job_id = $1
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []api.TransitionEvent
	for rows.Next() {
		var (
			ev     api.TransitionEvent
			atN    int64
			status string
		)
		if err := rows.Scan(&ev.JobID, &ev.WorkflowID, &ev.Version, &atN, &ev.From, &ev.To, &status, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		ev.At = time.Unix(0, atN)
		ev.Status = api.Status(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (h *PostgresHistoryStore) Delete(ctx context.Context, jobID string) error {
	_, err := h.pool.Exec(ctx, `DELETE FROM execution_transitions WHERE job_id = $1`, jobID)
	return err
}

func scanPgRecord(row pgx.Row) (*api.ExecutionRecord, error) {
	var (
		rec                                               api.ExecutionRecord
		payload                                           []byte
		status, reason                                    string
		created, updated, deadline, resume, retry, expire int64
	)
	if err := row.Scan(
		&rec.JobID, &rec.WorkflowID, &rec.CurrentState, &payload, &rec.Attempt, &status, &reason,
		&created, &updated, &deadline, &resume, &retry, &expire, &rec.Version,
	); err != nil {
		return nil, err
	}
	return fillRecord(&rec, payload, status, reason, created, updated, deadline, resume, retry, expire)
}
