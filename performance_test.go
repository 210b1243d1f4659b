package stepflow

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTransitionOverheadUnder1ms checks that the engine's own cost per
// Task transition (in-memory store, no-op worker) stays below 1ms.
func TestTransitionOverheadUnder1ms(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inv := NewLocalInvoker()
	inv.Handle("noop", func(context.Context, TaskRequest) (map[string]any, error) { return nil, nil })
	eng := NewInMemoryEngine(inv)

	const N = 500

	flow := New("perf-transition-overhead").Deadline(time.Hour)
	for i := 0; i < N; i++ {
		next := fmt.Sprintf("s%04d", i+1)
		if i == N-1 {
			next = "Done"
		}
		flow = flow.Task(fmt.Sprintf("s%04d", i), "noop", time.Second, next)
	}
	flow = flow.Succeed("Done")
	require.NoError(t, flow.Register(eng))

	run := func(jobID string) time.Duration {
		_, err := Start(ctx, eng, flow.ID(), jobID, nil)
		require.NoError(t, err)
		start := time.Now()
		rec, err := eng.Evaluate(ctx, jobID)
		require.NoError(t, err)
		require.Equal(t, StatusSucceeded, rec.Status)
		return time.Since(start)
	}

	run("warm-up")
	total := run("measured")

	if avg := total / N; avg >= time.Millisecond {
		t.Fatalf("average engine overhead per transition too high: %v (total %v for %d states)", avg, total, N)
	}
}

// TestMinimalMemoryFootprintUnder5MB checks that an idle in-memory engine
// retains less than 5MB of heap.
func TestMinimalMemoryFootprintUnder5MB(t *testing.T) {
	t.Parallel()

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	eng := NewInMemoryEngine(nil)
	runtime.KeepAlive(eng)

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	const fiveMB = 5 * 1024 * 1024
	used := int64(after.HeapAlloc) - int64(before.HeapAlloc)
	if used < 0 {
		used = 0
	}
	if used >= fiveMB {
		t.Fatalf("minimal memory footprint too high: %d bytes (>= %d)", used, fiveMB)
	}
}
