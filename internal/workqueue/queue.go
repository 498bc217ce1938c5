// Package workqueue provides the bounded FIFO of pending source paths shared
// by the workers of a run.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close, or when the queue is full.
	ErrQueueClosed = errors.New("work queue closed")
	// ErrOverDone is returned when MarkDone is called more often than items were taken.
	ErrOverDone = errors.New("work queue: more done marks than taken items")
)

// Queue is a FIFO of paths with completion accounting. Every enqueued item
// counts as outstanding until a worker calls MarkDone for it.
type Queue struct {
	items chan string

	mu          sync.Mutex
	closed      bool
	closeCh     chan struct{}
	outstanding int
	taken       int
	allDone     chan struct{}
}

// New creates a queue able to hold capacity pending items.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		items:   make(chan string, capacity),
		closeCh: make(chan struct{}),
		allDone: make(chan struct{}),
	}
	close(q.allDone)
	return q
}

// Enqueue adds path to the tail of the queue.
func (q *Queue) Enqueue(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- path:
	default:
		return ErrQueueClosed
	}
	if q.outstanding == 0 {
		q.allDone = make(chan struct{})
	}
	q.outstanding++
	return nil
}

// TryTake removes the head item, waiting at most timeout for one to arrive.
// It returns false on timeout or as soon as the queue is closed.
func (q *Queue) TryTake(timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.closeCh:
		return "", false
	default:
	}

	select {
	case path := <-q.items:
		q.mu.Lock()
		q.taken++
		q.mu.Unlock()
		return path, true
	case <-q.closeCh:
		return "", false
	case <-timer.C:
		return "", false
	}
}

// MarkDone records that one taken item has been fully processed.
func (q *Queue) MarkDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.taken == 0 {
		return ErrOverDone
	}
	q.taken--
	q.outstanding--
	if q.outstanding == 0 {
		close(q.allDone)
	}
	return nil
}

// AwaitAllDone blocks until every enqueued item has been marked done, or ctx ends.
func (q *Queue) AwaitAllDone(ctx context.Context) error {
	q.mu.Lock()
	done := q.allDone
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue from handing out further items. Items still pending
// are dropped and counted as done so that AwaitAllDone can return once the
// taken items finish. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)

	for {
		select {
		case <-q.items:
			q.outstanding--
		default:
			if q.outstanding == 0 {
				select {
				case <-q.allDone:
				default:
					close(q.allDone)
				}
			}
			return
		}
	}
}

// Len returns the number of items waiting to be taken.
func (q *Queue) Len() int {
	return len(q.items)
}

// Outstanding returns the number of items not yet marked done.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}
