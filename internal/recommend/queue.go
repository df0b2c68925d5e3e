package recommend

import (
	"sync"
	"time"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/rec"
)

// pendingRequest is one caller's request while it waits for its batch.
type pendingRequest struct {
	id         string
	user       rec.UserContext
	k          int
	enqueuedAt time.Time
	result     *Completion[[]rec.RankedItem]
}

// intakeQueue is the FIFO between many submitting callers and the single
// batch collector. capacity <= 0 means unbounded.
type intakeQueue struct {
	mu       sync.Mutex
	items    []*pendingRequest
	capacity int
	closed   bool

	notify   chan struct{} // 1-slot wake-up for the collector
	closedCh chan struct{}
}

func newIntakeQueue(capacity int) *intakeQueue {
	return &intakeQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// push appends p, failing fast once the queue is closed or full.
func (q *intakeQueue) push(p *pendingRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ServiceUnavailableError("recommendation scheduler")
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return errors.OverloadedError(q.capacity)
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the oldest request without blocking. closed is reported
// under the same lock, so (nil, true) means the queue is closed and empty
// for good.
func (q *intakeQueue) pop() (p *pendingRequest, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, q.closed
	}
	p = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Reset so the backing array does not grow without bound.
		q.items = nil
	}
	return p, q.closed
}

// close stops further pushes. Already queued requests stay poppable.
func (q *intakeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}

// drainAll removes and returns everything still queued.
func (q *intakeQueue) drainAll() []*pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *intakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *intakeQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
