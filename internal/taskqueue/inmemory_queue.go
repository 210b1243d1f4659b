package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a min-heap ordered by
// NotBefore. It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	items taskHeap
	seq   uint64
	wake  chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{wake: make(chan struct{}, 1)}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&t, time.Now())

	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, heapItem{task: t, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.items) > 0 {
			next := q.items[0].task
			wait = time.Until(next.NotBefore)
			if wait <= 0 {
				heap.Pop(&q.items)
				more := len(q.items) > 0
				q.mu.Unlock()
				if more {
					q.signal()
				}
				return &next, nil
			}
		}
		q.mu.Unlock()

		var (
			tmr   *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			tmr = time.NewTimer(wait)
			timer = tmr.C
		}

		select {
		case <-ctx.Done():
			if tmr != nil {
				tmr.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
		case <-timer:
		}
		if tmr != nil {
			tmr.Stop()
		}
	}
}

// signal wakes one blocked Dequeue without blocking the caller.
func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type heapItem struct {
	task Task
	seq  uint64
}

type taskHeap []heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
