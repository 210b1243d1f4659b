package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteStore is a RecordStore and Leaser backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ RecordStore = (*SQLiteStore)(nil)
	_ Leaser      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			job_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			current_state TEXT NOT NULL,
			payload BLOB,
			attempt INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deadline_at INTEGER NOT NULL DEFAULT 0,
			resume_at INTEGER NOT NULL DEFAULT 0,
			retry_at INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id);
	`)
	return err
}

const sqliteRecordColumns = `job_id, workflow_id, current_state, payload, attempt, status, reason,
	created_at, updated_at, deadline_at, resume_at, retry_at, expires_at, version`

func (s *SQLiteStore) Create(ctx context.Context, rec *api.ExecutionRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	reason, err := encodeReason(rec.Reason)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+sqliteRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(job_id) DO NOTHING`,
		rec.JobID, rec.WorkflowID, rec.CurrentState, payload, rec.Attempt,
		string(rec.Status), reason,
		toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), toNanos(rec.DeadlineAt),
		toNanos(rec.ResumeAt), toNanos(rec.RetryAt), toNanos(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	rec.Version = 1
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*api.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRecordColumns+`
		FROM executions
		WHERE job_id = ?`,
		jobID,
	)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Put(ctx context.Context, rec *api.ExecutionRecord) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	reason, err := encodeReason(rec.Reason)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET current_state = ?, payload = ?, attempt = ?, status = ?, reason = ?,
		    updated_at = ?, deadline_at = ?, resume_at = ?, retry_at = ?, expires_at = ?,
		    version = version + 1
		WHERE job_id = ? AND version = ?`,
		rec.CurrentState, payload, rec.Attempt, string(rec.Status), reason,
		toNanos(rec.UpdatedAt), toNanos(rec.DeadlineAt), toNanos(rec.ResumeAt),
		toNanos(rec.RetryAt), toNanos(rec.ExpiresAt),
		rec.JobID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, rec.JobID); err != nil {
			return err
		}
		return api.ErrConcurrentModification
	}
	rec.Version++
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ExecutionRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDue(ctx context.Context, now, staleBefore time.Time) ([]string, error) {
	n := now.UnixNano()
	stale := toNanos(staleBefore)
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM executions
		WHERE status IN (?, ?)
		AND (
			(deadline_at > 0 AND deadline_at <= ?)
			OR (status = ? AND resume_at > 0 AND resume_at <= ?)
			OR (status = ? AND retry_at > 0 AND retry_at <= ?)
			OR (status = ? AND retry_at = 0 AND ? > 0 AND updated_at <= ?)
		)
		ORDER BY job_id`,
		string(api.StatusRunning), string(api.StatusSuspended),
		n,
		string(api.StatusSuspended), n,
		string(api.StatusRunning), n,
		string(api.StatusRunning), stale, stale,
	)
	if err != nil {
		return nil, err
	}
	return scanSQLiteIDs(rows)
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE job_id = ?`, jobID)
	return err
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT job_id FROM executions
		WHERE status IN (?, ?, ?) AND expires_at > 0 AND expires_at <= ?
		ORDER BY job_id`,
		string(api.StatusSucceeded), string(api.StatusFailed), string(api.StatusAborted),
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	ids, err := scanSQLiteIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE job_id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_expires_at = ?
		WHERE job_id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl).UnixNano(), jobID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = ?
		WHERE job_id = ? AND lease_owner = ?`,
		s.now().Add(ttl).UnixNano(), jobID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE job_id = ? AND lease_owner = ?`,
		jobID, owner,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*api.ExecutionRecord, error) {
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

func fillRecord(rec *api.ExecutionRecord, payload []byte, status, reason string, created, updated, deadline, resume, retry, expire int64) (*api.ExecutionRecord, error) {
	p, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	r, err := decodeReason(reason)
	if err != nil {
		return nil, err
	}
	rec.Payload = p
	rec.Reason = r
	rec.Status = api.Status(status)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.DeadlineAt = fromNanos(deadline)
	rec.ResumeAt = fromNanos(resume)
	rec.RetryAt = fromNanos(retry)
	rec.ExpiresAt = fromNanos(expire)
	return rec, nil
}

func scanSQLiteIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SQLiteHistoryStore stores transition history in SQLite.
type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = (*SQLiteHistoryStore)(nil)

func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	h := &SQLiteHistoryStore{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			at INTEGER NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_execution_transitions_job ON execution_transitions(job_id, id);
	`)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistoryStore) Append(ctx context.Context, ev api.TransitionEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO execution_transitions (job_id, workflow_id, version, at, from_state, to_state, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.WorkflowID, ev.Version, at.UnixNano(), ev.From, ev.To, string(ev.Status), ev.Detail,
	)
	return err
}

func (h *SQLiteHistoryStore) List(ctx context.Context, jobID string) ([]api.TransitionEvent, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT job_id, workflow_id, version, at, from_state, to_state, status, detail
		FROM execution_transitions
		WHERE job_id = ?
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
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
			return nil, err
		}
		ev.At = time.Unix(0, atN)
		ev.Status = api.Status(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (h *SQLiteHistoryStore) Delete(ctx context.Context, jobID string) error {
	_, err := h.db.ExecContext(ctx, `DELETE FROM execution_transitions WHERE job_id = ?`, jobID)
	return err
}

// NewSQLitePersistence wires records, leases and history onto one database.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	store, err := NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	history, err := NewSQLiteHistoryStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Records: store, History: history, Leases: store}, nil
}
