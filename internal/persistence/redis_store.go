package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisStore is a RecordStore and Leaser backed by Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>             => JSON-encoded record
//	<prefix>idx:all               => SET of all job IDs
//	<prefix>idx:wf:<workflow>     => SET of job IDs for a given workflow
//	<prefix>idx:status:<status>   => SET of job IDs for a given status
//	<prefix>lease:<id>            => lease owner, with PX expiry
//
// Conditional puts use WATCH/MULTI on the record key. Terminal records
// with an ExpiresAt carry a key TTL, so Redis expires them on its own;
// index entries left behind are dropped by PurgeExpired.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var (
	_ RecordStore = (*RedisStore)(nil)
	_ Leaser      = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// NewRedisPersistence wires records, leases and history onto one client.
func NewRedisPersistence(client redis.UniversalClient, prefix string) Persistence {
	store := NewRedisStore(client, prefix)
	return Persistence{
		Records: store,
		History: NewRedisHistoryStore(client, prefix),
		Leases:  store,
	}
}

func (s *RedisStore) keyRecord(id string) string {
	return s.prefix + "exec:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) keyLease(id string) string {
	return s.prefix + "lease:" + id
}

// ttlFor returns the key expiry for rec; 0 means no expiry.
func (s *RedisStore) ttlFor(rec *api.ExecutionRecord) time.Duration {
	if !rec.Status.IsTerminal() || rec.ExpiresAt.IsZero() {
		return 0
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, rec *api.ExecutionRecord) error {
	stored := rec.Clone()
	stored.Version = 1
	data, err := encodeRecord(stored)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyRecord(rec.JobID), data, s.ttlFor(stored)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), rec.JobID)
	pipe.SAdd(ctx, s.keyWorkflow(rec.WorkflowID), rec.JobID)
	pipe.SAdd(ctx, s.keyStatus(rec.Status), rec.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index execution: %w", err)
	}
	rec.Version = 1
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*api.ExecutionRecord, error) {
	data, err := s.client.Get(ctx, s.keyRecord(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

func (s *RedisStore) Put(ctx context.Context, rec *api.ExecutionRecord) error {
	key := s.keyRecord(rec.JobID)

	next := rec.Clone()
	next.Version = rec.Version + 1
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return api.ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if cur.Version != rec.Version {
			return api.ErrConcurrentModification
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(next))
			if cur.Status != next.Status {
				pipe.SRem(ctx, s.keyStatus(cur.Status), rec.JobID)
				pipe.SAdd(ctx, s.keyStatus(next.Status), rec.JobID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return api.ErrConcurrentModification
	}
	if err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (s *RedisStore) idsFor(ctx context.Context, filter api.ExecutionFilter) ([]string, error) {
	switch {
	case filter.WorkflowID != "" && filter.Status != "":
		return s.client.SInter(ctx, s.keyWorkflow(filter.WorkflowID), s.keyStatus(filter.Status)).Result()
	case filter.WorkflowID != "":
		return s.client.SMembers(ctx, s.keyWorkflow(filter.WorkflowID)).Result()
	case filter.Status != "":
		return s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		return s.client.SMembers(ctx, s.keyAll()).Result()
	}
}

// load fetches records by id, skipping ids whose key has expired.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]*api.ExecutionRecord, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRecord(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	var (
		records []*api.ExecutionRecord
		missing []string
	)
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			missing = append(missing, ids[i])
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return records, missing, nil
}

func (s *RedisStore) List(ctx context.Context, filter api.ExecutionFilter) ([]*api.ExecutionRecord, error) {
	ids, err := s.idsFor(ctx, filter)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	records, _, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Indexes may lag behind a status change made by a concurrent Put.
	out := records[:0]
	for _, rec := range records {
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) ListDue(ctx context.Context, now, staleBefore time.Time) ([]string, error) {
	ids, err := s.client.SUnion(ctx, s.keyStatus(api.StatusRunning), s.keyStatus(api.StatusSuspended)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	records, _, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	var due []string
	for _, rec := range records {
		if IsDue(rec, now, staleBefore) {
			due = append(due, rec.JobID)
		}
	}
	sort.Strings(due)
	return due, nil
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil && !errors.Is(err, api.ErrExecutionNotFound) {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyRecord(jobID), s.keyLease(jobID))
	pipe.SRem(ctx, s.keyAll(), jobID)
	if rec != nil {
		pipe.SRem(ctx, s.keyWorkflow(rec.WorkflowID), jobID)
		pipe.SRem(ctx, s.keyStatus(rec.Status), jobID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	var purged []string
	for _, status := range []api.Status{api.StatusSucceeded, api.StatusFailed, api.StatusAborted} {
		ids, err := s.client.SMembers(ctx, s.keyStatus(status)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		records, missing, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}

		// Keys already expired by their TTL only need their index entries
		// removed.
		for _, id := range missing {
			pipe := s.client.TxPipeline()
			pipe.SRem(ctx, s.keyAll(), id)
			pipe.SRem(ctx, s.keyStatus(status), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, err
			}
			purged = append(purged, id)
		}
		for _, rec := range records {
			if !IsExpired(rec, now) {
				continue
			}
			if err := s.Delete(ctx, rec.JobID); err != nil {
				return nil, err
			}
			purged = append(purged, rec.JobID)
		}
	}
	sort.Strings(purged)
	return purged, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquire = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenew = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`)

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseRelease = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
)

func (s *RedisStore) TryAcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	n, err := redisLeaseAcquire.Run(ctx, s.client, []string{s.keyLease(jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	n, err := redisLeaseRenew.Run(ctx, s.client, []string{s.keyLease(jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseNotHeld
	}
	return nil
}

// ReleaseLease is idempotent: a missing lease or one held by another owner
// is left alone.
func (s *RedisStore) ReleaseLease(ctx context.Context, jobID, owner string) error {
	return redisLeaseRelease.Run(ctx, s.client, []string{s.keyLease(jobID)}, owner).Err()
}

// RedisHistoryStore keeps transition history in one list per job.
type RedisHistoryStore struct {
	client redis.UniversalClient
	prefix string
}

var _ HistoryStore = (*RedisHistoryStore)(nil)

func NewRedisHistoryStore(client redis.UniversalClient, prefix string) *RedisHistoryStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisHistoryStore{client: client, prefix: prefix}
}

func (h *RedisHistoryStore) key(jobID string) string {
	return h.prefix + "hist:" + jobID
}

func (h *RedisHistoryStore) Append(ctx context.Context, ev api.TransitionEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return h.client.RPush(ctx, h.key(ev.JobID), data).Err()
}

func (h *RedisHistoryStore) List(ctx context.Context, jobID string) ([]api.TransitionEvent, error) {
	items, err := h.client.LRange(ctx, h.key(jobID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]api.TransitionEvent, 0, len(items))
	for _, item := range items {
		ev, err := decodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (h *RedisHistoryStore) Delete(ctx context.Context, jobID string) error {
	return h.client.Del(ctx, h.key(jobID)).Err()
}
