package persistence

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_ExpiredLeaseCanBeTaken(t *testing.T) {
	store, err := NewSQLiteStore(newSQLiteDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	clock := baseTime
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	if err := store.Create(ctx, newRecord("job")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ok, _ := store.TryAcquireLease(ctx, "job", "a", time.Minute); !ok {
		t.Fatalf("expected a to acquire")
	}
	if ok, _ := store.TryAcquireLease(ctx, "job", "b", time.Minute); ok {
		t.Fatalf("expected b to be refused")
	}

	clock = clock.Add(2 * time.Minute)
	if ok, _ := store.TryAcquireLease(ctx, "job", "b", time.Minute); !ok {
		t.Fatalf("expected b to take the expired lease")
	}
	if err := store.RenewLease(ctx, "job", "a", time.Minute); err == nil {
		t.Fatalf("expected a's renew to fail")
	}
}

func TestSQLiteStore_LeaseOnMissingJob(t *testing.T) {
	store, err := NewSQLiteStore(newSQLiteDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ok, err := store.TryAcquireLease(context.Background(), "ghost", "a", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if ok {
		t.Fatalf("lease on a missing job must not be granted")
	}
}
