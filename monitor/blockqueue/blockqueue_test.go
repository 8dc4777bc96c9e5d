package blockqueue

import (
	"testing"

	"github.com/opencustody/walletd/lib/chain/types"
)

func TestOrdering(t *testing.T) {
	q := New()

	// push out of order
	for _, h := range []int64{5, 2, 9, 3, 7} {
		q.Push(types.Block{Height: h})
	}

	if n := q.Len(); n != 5 {
		t.Fatalf("expected 5 buffered blocks, got %d", n)
	}

	want := []int64{2, 3, 5, 7, 9}
	for _, h := range want {
		b, ok := q.Pop()
		if !ok || b.Height != h {
			t.Fatalf("expected height %d, got %v %v", h, b.Height, ok)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("empty queue should not pop")
	}
}

func TestPopIf(t *testing.T) {
	q := New()
	q.Push(types.Block{Height: 11})
	q.Push(types.Block{Height: 10})

	// 10 is the head: a not-yet-wanted height never comes out early
	if _, ok := q.PopIf(9); ok {
		t.Error("PopIf must only return the height it was asked for")
	}

	b, ok := q.PopIf(10)
	if !ok || b.Height != 10 {
		t.Fatalf("expected to pop 10, got %v %v", b.Height, ok)
	}

	b, ok = q.PopIf(11)
	if !ok || b.Height != 11 {
		t.Fatalf("expected to pop 11, got %v %v", b.Height, ok)
	}

	if h, ok := q.Peek(); ok {
		t.Errorf("queue should be empty, peeked %d", h)
	}
}

func TestPopIfDiscardsStaleEntries(t *testing.T) {
	q := New()

	// leftovers of an aborted range sit below the wanted height
	for _, h := range []int64{8, 9, 10} {
		q.Push(types.Block{Height: h})
	}

	b, ok := q.PopIf(10)
	if !ok || b.Height != 10 {
		t.Fatalf("expected to pop 10 past the stale entries, got %v %v", b.Height, ok)
	}

	if n := q.Len(); n != 0 {
		t.Errorf("%d stale entries still buffered, want 0", n)
	}
}

func TestReset(t *testing.T) {
	q := New()
	q.Push(types.Block{Height: 5})
	q.Push(types.Block{Height: 6})

	q.Reset()

	if n := q.Len(); n != 0 {
		t.Errorf("queue holds %d blocks after reset", n)
	}

	if _, ok := q.Pop(); ok {
		t.Error("reset queue should not pop")
	}
}
