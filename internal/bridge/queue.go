package bridge

import (
	"container/heap"
	"sync"
	"time"
)

// Priority ladder (spec §4.5): higher runs first.
const (
	PrioritySwitchWrite = 10
	PriorityUISend      = 5
	PriorityRead        = 0
)

// SendItem is one queued unit of work (spec §3). Run executes the actual
// write and returns any error from it; the queue does not interpret the
// result beyond releasing the pumper for the next item.
type SendItem struct {
	Run        func() error
	Priority   int
	EnqueuedAt time.Time
	Label      string

	done chan error
	seq  int64
}

// sendHeap implements container/heap.Interface with (priority desc,
// enqueuedAt asc) ordering — "priority-stable insertion" per spec §4.5.
// seq is a tiebreaker for equal enqueuedAt values.
type sendHeap []*SendItem

func (h sendHeap) Len() int { return len(h) }
func (h sendHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}
func (h sendHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sendHeap) Push(x any)   { *h = append(*h, x.(*SendItem)) }
func (h *sendHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SendQueue is the single writer path to the controller: a priority-stable
// queue drained by one non-reentrant pumper that enforces MIN_GAP_MS
// between the completion of one write and the start of the next (spec
// §4.5). Grounded on the teacher's ticker-driven background loops
// (publishLoop, dspMonitorLoop) in engine.go, generalized here to a
// sleep-until-boundary loop instead of a fixed-period ticker.
type SendQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    sendHeap
	clock   Clock
	minGap  time.Duration
	nextSeq int64
	metrics *Metrics

	lastSendAt time.Time
	closed     bool
}

// NewSendQueue constructs a queue with the given minimum inter-send gap
// and starts its pumper goroutine. metrics may be nil (tests routinely
// construct a queue without one).
func NewSendQueue(minGap time.Duration, clock Clock, metrics *Metrics) *SendQueue {
	q := &SendQueue{clock: clock, minGap: minGap, metrics: metrics}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Submit enqueues run at the given priority and blocks until it has been
// executed by the pumper, returning its error.
func (q *SendQueue) Submit(run func() error, priority int, label string) error {
	item := &SendItem{
		Run:        run,
		Priority:   priority,
		EnqueuedAt: q.clock.Now(),
		Label:      label,
		done:       make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrDisconnected
	}
	item.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.metrics.ObserveQueueDepth(q.heap.Len())
	q.cond.Signal()
	q.mu.Unlock()

	return <-item.done
}

// Depth reports the current queue length (for metrics/status).
func (q *SendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Close stops the pumper and rejects anything still queued. In-flight
// Submit calls already past the pumper's pop will still run to
// completion.
func (q *SendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	pending := []*SendItem(q.heap)
	q.heap = nil
	q.cond.Signal()
	q.mu.Unlock()
	for _, item := range pending {
		item.done <- ErrDisconnected
	}
}

// pump is the single non-reentrant sender loop: it blocks until work is
// queued, sleeps until now >= lastSendAt+minGap, pops the
// highest-priority-oldest item, and runs it. lastSendAt is set when Run
// returns, success or failure (spec §4.5).
func (q *SendQueue) pump() {
	for {
		q.mu.Lock()
		for q.heap.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && q.heap.Len() == 0 {
			q.mu.Unlock()
			return
		}
		lastSendAt := q.lastSendAt
		q.mu.Unlock()

		if !lastSendAt.IsZero() {
			wait := q.minGap - q.clock.Now().Sub(lastSendAt)
			if wait > 0 {
				q.clock.Sleep(wait)
			}
		}

		q.mu.Lock()
		if q.heap.Len() == 0 {
			q.mu.Unlock()
			continue
		}
		item := heap.Pop(&q.heap).(*SendItem)
		q.metrics.ObserveQueueDepth(q.heap.Len())
		q.mu.Unlock()

		err := item.Run()

		q.mu.Lock()
		q.lastSendAt = q.clock.Now()
		q.mu.Unlock()

		item.done <- err
	}
}
