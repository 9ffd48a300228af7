package graph

import (
	"container/heap"
	"context"
	"sync"
)

// Scheduler internals: the frontier holds node entries that are ready to
// run. Entries are dequeued in enqueue order (a min-heap on a monotonic
// sequence number) so independent subgraphs make progress fairly even when
// a deep chain keeps re-enqueueing itself.

type frontierItem struct {
	seq   uint64
	entry *nodeEntry
}

type frontierHeap []frontierItem

func (h frontierHeap) Len() int           { return len(h) }
func (h frontierHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h frontierHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *frontierHeap) Push(x interface{}) {
	*h = append(*h, x.(frontierItem))
}

func (h *frontierHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// frontier is the work queue for one build. It is unbounded: workers both
// consume from and produce into it, so a bounded queue could deadlock with
// every worker blocked on a full enqueue. Backpressure is inherent in the
// bounded worker pool instead.
//
// Thread-safe for concurrent push/next from multiple goroutines.
type frontier struct {
	mu     sync.Mutex
	heap   frontierHeap
	seq    uint64
	signal chan struct{}
	done   chan struct{}
	closed bool
}

func newFrontier() *frontier {
	f := &frontier{
		heap:   make(frontierHeap, 0),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	heap.Init(&f.heap)
	return f
}

// push enqueues an entry. Safe to call after close (the entry is dropped;
// the build is over).
func (f *frontier) push(entry *nodeEntry) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.seq++
	heap.Push(&f.heap, frontierItem{seq: f.seq, entry: entry})
	f.mu.Unlock()

	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// next blocks until an entry is available, the frontier is closed, or the
// context is cancelled. Returns (nil, false) when no more work will arrive.
func (f *frontier) next(ctx context.Context) (*nodeEntry, bool) {
	for {
		f.mu.Lock()
		if f.heap.Len() > 0 {
			item := heap.Pop(&f.heap).(frontierItem)
			f.mu.Unlock()
			return item.entry, true
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-f.done:
			// Re-check the heap once: a push may have raced the close.
		case <-f.signal:
		}
	}
}

// close wakes all waiters; next drains any remaining entries before
// reporting exhaustion.
func (f *frontier) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.done)
}

// depth returns the number of queued entries.
func (f *frontier) depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}
