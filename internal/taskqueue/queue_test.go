package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

type queueFactory func(t *testing.T) Queue

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:")
}

func queueFactories() map[string]queueFactory {
	return map[string]queueFactory{
		"in-memory": func(t *testing.T) Queue { return NewInMemoryQueue() },
		"sqlite":    func(t *testing.T) Queue { return newTestSQLiteQueue(t) },
		"redis":     func(t *testing.T) Queue { return newTestRedisQueue(t) },
	}
}

func TestQueues(t *testing.T) {
	for name, f := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			runQueueContract(t, f)
		})
	}
}

func dequeueWithin(t *testing.T, q Queue, d time.Duration) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return task
}

// runQueueContract checks ordering, delay and cancellation behavior shared
// by every Queue implementation.
func runQueueContract(t *testing.T, newQueue queueFactory) {
	t.Run("due tasks in order", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		past := time.Now().Add(-time.Minute)

		for i, job := range []string{"job-a", "job-b", "job-c"} {
			task := NewTask(job, CauseContinue, past.Add(time.Duration(i)*time.Second))
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue %s failed: %v", job, err)
			}
		}
		if q.Len() != 3 {
			t.Fatalf("expected Len 3, got %d", q.Len())
		}

		for _, want := range []string{"job-a", "job-b", "job-c"} {
			got := dequeueWithin(t, q, time.Second)
			if got.JobID != want {
				t.Fatalf("expected %s, got %s", want, got.JobID)
			}
			if got.Cause != CauseContinue || got.ID == "" || got.EnqueuedAt.IsZero() {
				t.Fatalf("unexpected task metadata: %+v", got)
			}
		}
		if q.Len() != 0 {
			t.Fatalf("expected Len 0 after dequeues, got %d", q.Len())
		}
	})

	t.Run("zero not before is immediate", func(t *testing.T) {
		q := newQueue(t)
		if err := q.Enqueue(context.Background(), Task{JobID: "job-now", Cause: CauseContinue}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		got := dequeueWithin(t, q, time.Second)
		if got.JobID != "job-now" || got.NotBefore.IsZero() {
			t.Fatalf("unexpected task: %+v", got)
		}
	})

	t.Run("delayed task waits", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		delay := 300 * time.Millisecond

		start := time.Now()
		if err := q.Enqueue(ctx, NewTask("job-later", CauseResume, start.Add(delay))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := q.Enqueue(ctx, NewTask("job-now", CauseContinue, time.Time{})); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		first := dequeueWithin(t, q, time.Second)
		if first.JobID != "job-now" {
			t.Fatalf("expected the due task first, got %s", first.JobID)
		}

		second := dequeueWithin(t, q, 2*time.Second)
		if second.JobID != "job-later" {
			t.Fatalf("expected job-later, got %s", second.JobID)
		}
		// Redis scores are in milliseconds.
		if elapsed := time.Since(start); elapsed < delay-5*time.Millisecond {
			t.Fatalf("delayed task dequeued too early after %v", elapsed)
		}
	})

	t.Run("blocks until task arrives", func(t *testing.T) {
		q := newQueue(t)
		got := make(chan *Task, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			task, err := q.Dequeue(ctx)
			if err != nil {
				got <- nil
				return
			}
			got <- task
		}()

		time.Sleep(50 * time.Millisecond)
		if err := q.Enqueue(context.Background(), NewTask("job-late", CauseSweep, time.Time{})); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		select {
		case task := <-got:
			if task == nil || task.JobID != "job-late" {
				t.Fatalf("unexpected dequeue result: %+v", task)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Dequeue did not return")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if err := q.Enqueue(context.Background(), NewTask("job-future", CauseResume, time.Now().Add(time.Hour))); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		_, err := q.Dequeue(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
		if q.Len() != 1 {
			t.Fatalf("future task should stay queued, Len=%d", q.Len())
		}
	})
}

func TestInMemoryQueue_ConcurrentConsumersDrainAll(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const n = 50
	results := make(chan string, n)
	for i := 0; i < 4; i++ {
		go func() {
			for {
				task, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				results <- task.JobID
			}
		}()
	}

	for i := 0; i < n; i++ {
		if err := q.Enqueue(ctx, NewTask("job", CauseContinue, time.Time{})); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case <-results:
		case <-ctx.Done():
			t.Fatalf("only %d of %d tasks dequeued", i, n)
		}
	}
}

func TestEncodeDecodeTask_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	orig := Task{
		ID:         "id-123",
		JobID:      "job-1",
		Cause:      CauseResume,
		EnqueuedAt: now,
		NotBefore:  now.Add(24 * time.Hour),
	}

	data, err := EncodeTask(orig)
	if err != nil {
		t.Fatalf("EncodeTask error: %v", err)
	}
	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask error: %v", err)
	}

	// Field-by-field assertions (avoid direct struct equality due to time monotonic data)
	if got.ID != orig.ID || got.JobID != orig.JobID || got.Cause != orig.Cause {
		t.Fatalf("identity mismatch: got %+v want %+v", got, orig)
	}
	if !got.EnqueuedAt.Equal(orig.EnqueuedAt) || !got.NotBefore.Equal(orig.NotBefore) {
		t.Fatalf("time mismatch: got %+v want %+v", got, orig)
	}
}

func TestDecodeTask_InvalidData_ReturnsError(t *testing.T) {
	bad := []byte{0x00, 0x01, 0x02, 0x03, 0xFF}
	if task, err := DecodeTask(bad); err == nil {
		t.Fatalf("expected error, got task: %#v", task)
	}
}
