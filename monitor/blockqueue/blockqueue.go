// Package blockqueue provides a height-ordered buffer between block fetching
// and block processing. Blocks may be pushed in any order; they only come
// out lowest height first.
package blockqueue

import (
	"container/heap"
	"sync"

	"github.com/opencustody/walletd/lib/chain/types"
)

// Queue is a min-heap of blocks keyed by height. Safe for concurrent use.
type Queue struct {
	mu sync.Mutex
	h  blockHeap
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push adds a block to the queue.
func (q *Queue) Push(b types.Block) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, b)
}

// Peek returns the lowest buffered height without removing it.
func (q *Queue) Peek() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return 0, false
	}

	return q.h[0].Height, true
}

// Pop removes and returns the lowest-height block.
func (q *Queue) Pop() (types.Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		return types.Block{}, false
	}

	return heap.Pop(&q.h).(types.Block), true
}

// PopIf removes and returns the head only when it is exactly the given
// height, discarding anything buffered below it first. Entries below the
// requested height can only be leftovers of an aborted range and would
// otherwise sit at the heap head forever. This is how the processor enforces
// in-order handover: height n+1 is never processed before height n.
func (q *Queue) PopIf(height int64) (types.Block, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) > 0 && q.h[0].Height < height {
		heap.Pop(&q.h)
	}

	if len(q.h) == 0 || q.h[0].Height != height {
		return types.Block{}, false
	}

	return heap.Pop(&q.h).(types.Block), true
}

// Reset discards all buffered blocks.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.h = q.h[:0]
}

// Len returns the number of buffered blocks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.h)
}

type blockHeap []types.Block

func (h blockHeap) Len() int            { return len(h) }
func (h blockHeap) Less(i, j int) bool  { return h[i].Height < h[j].Height }
func (h blockHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x interface{}) { *h = append(*h, x.(types.Block)) }

func (h *blockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	b := old[n-1]
	*h = old[:n-1]

	return b
}
