package recommend

import (
	"testing"

	"github.com/ricesearch/recserve/internal/pkg/errors"
	"github.com/ricesearch/recserve/internal/rec"
)

func newPending(id string) *pendingRequest {
	return &pendingRequest{
		id:     id,
		user:   rec.UserContext{UserID: id},
		k:      rec.DefaultK,
		result: NewCompletion[[]rec.RankedItem](),
	}
}

func TestIntakeQueue_FIFO(t *testing.T) {
	q := newIntakeQueue(0)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.push(newPending(id)); err != nil {
			t.Fatalf("push(%s) error = %v", id, err)
		}
	}

	if q.len() != 3 {
		t.Fatalf("len() = %d, want 3", q.len())
	}

	for _, want := range []string{"a", "b", "c"} {
		p, closed := q.pop()
		if p == nil || p.id != want {
			t.Fatalf("pop() = %v, want %s", p, want)
		}
		if closed {
			t.Error("Pop() reported closed on an open queue")
		}
	}

	if p, _ := q.pop(); p != nil {
		t.Errorf("pop() on empty queue = %v, want nil", p)
	}
}

func TestIntakeQueue_Notify(t *testing.T) {
	q := newIntakeQueue(0)
	_ = q.push(newPending("a"))
	_ = q.push(newPending("b"))

	select {
	case <-q.notify:
	default:
		t.Fatal("push should signal notify")
	}
	// The wake-up slot holds one token; extra pushes do not block.
	select {
	case <-q.notify:
		t.Error("notify should coalesce wake-ups")
	default:
	}
}

func TestIntakeQueue_Close(t *testing.T) {
	q := newIntakeQueue(0)
	_ = q.push(newPending("a"))
	q.close()
	q.close() // idempotent

	err := q.push(newPending("b"))
	if !errors.IsUnavailable(err) {
		t.Errorf("push after close error = %v, want SERVICE_UNAVAILABLE", err)
	}

	p, closed := q.pop()
	if p == nil || p.id != "a" {
		t.Fatalf("queued request should survive close, got %v", p)
	}
	if !closed {
		t.Error("Pop() should report closed")
	}

	p, closed = q.pop()
	if p != nil || !closed {
		t.Errorf("pop() = %v, %v; want nil, true", p, closed)
	}

	select {
	case <-q.closedCh:
	default:
		t.Error("ClosedCh should be closed")
	}
}

func TestIntakeQueue_Capacity(t *testing.T) {
	q := newIntakeQueue(2)
	_ = q.push(newPending("a"))
	_ = q.push(newPending("b"))

	err := q.push(newPending("c"))
	if !errors.HasCode(err, errors.CodeOverloaded) {
		t.Fatalf("push over capacity error = %v, want OVERLOADED", err)
	}

	q.pop()
	if err := q.push(newPending("c")); err != nil {
		t.Errorf("push after pop error = %v", err)
	}
}

func TestIntakeQueue_DrainAll(t *testing.T) {
	q := newIntakeQueue(0)
	_ = q.push(newPending("a"))
	_ = q.push(newPending("b"))

	got := q.drainAll()
	if len(got) != 2 || got[0].id != "a" || got[1].id != "b" {
		t.Errorf("drainAll() = %v", got)
	}
	if q.len() != 0 {
		t.Errorf("len() after drainAll = %d, want 0", q.len())
	}
}
