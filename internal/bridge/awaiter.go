package bridge

import (
	"sync"
	"time"
)

// AwaiterResult is what a resolved/rejected awaiter receives.
type AwaiterResult struct {
	Raw string
	Err error
}

type awaiterEntry struct {
	ch    chan AwaiterResult
	timer Timer
	done  bool
}

// AwaiterRegistry holds, per string key, an ordered list of one-shot
// waiters for a reply. One sync.Mutex guards the whole map, following the
// teacher's single-mutex-per-structure convention (engine.go's e.mu).
//
// A single AwaiterRegistry instance is used for switch addresses
// (maxPerKey = AWAITERS_MAX_PER_KEY) and a second instance for load
// addresses (maxPerKey = LOAD_AWAITERS_MAX_PER_KEY).
type AwaiterRegistry struct {
	mu        sync.Mutex
	waiters   map[string][]*awaiterEntry
	maxPerKey int
	clock     Clock
	metrics   *Metrics
	kind      string
}

// NewAwaiterRegistry constructs a registry with the given per-key cap. kind
// labels this registry's expiries in the awaiter_timeouts_total metric
// ("switch" or "load"); metrics may be nil.
func NewAwaiterRegistry(maxPerKey int, clock Clock, metrics *Metrics, kind string) *AwaiterRegistry {
	return &AwaiterRegistry{
		waiters:   make(map[string][]*awaiterEntry),
		maxPerKey: maxPerKey,
		clock:     clock,
		metrics:   metrics,
		kind:      kind,
	}
}

// Await registers a new one-shot waiter for key with the given deadline.
// Returns ErrAwaitersSaturated if the per-key cap is already reached.
func (r *AwaiterRegistry) Await(key string, deadline time.Duration) (<-chan AwaiterResult, error) {
	r.mu.Lock()
	if len(r.waiters[key]) >= r.maxPerKey {
		r.mu.Unlock()
		return nil, ErrAwaitersSaturated
	}
	entry := &awaiterEntry{ch: make(chan AwaiterResult, 1)}
	r.waiters[key] = append(r.waiters[key], entry)
	r.mu.Unlock()

	entry.timer = r.clock.NewTimer(deadline)
	go func() {
		<-entry.timer.C()
		r.expire(key, entry)
	}()

	return entry.ch, nil
}

// expire removes entry from key's list (if still present) and rejects it
// with ErrTimeout. A no-op if entry already resolved.
func (r *AwaiterRegistry) expire(key string, entry *awaiterEntry) {
	r.mu.Lock()
	list := r.waiters[key]
	idx := -1
	for i, e := range list {
		if e == entry {
			idx = i
			break
		}
	}
	if idx == -1 || entry.done {
		r.mu.Unlock()
		return
	}
	entry.done = true
	r.waiters[key] = append(list[:idx], list[idx+1:]...)
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	r.metrics.ObserveAwaiterTimeout(r.kind)
	entry.ch <- AwaiterResult{Err: ErrTimeout}
}

// Resolve broadcasts raw to every pending waiter for key and empties the
// list atomically (spec §4.4: "resolves every awaiter in the list
// (broadcast) and empties the list atomically"). Returns the number of
// waiters resolved.
func (r *AwaiterRegistry) Resolve(key string, raw string) int {
	r.mu.Lock()
	list := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, e := range list {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.done = true
		e.ch <- AwaiterResult{Raw: raw}
	}
	return len(list)
}

// CancelAll rejects every pending waiter across every key with err and
// clears the registry. Called on session teardown.
func (r *AwaiterRegistry) CancelAll(err error) {
	r.mu.Lock()
	all := r.waiters
	r.waiters = make(map[string][]*awaiterEntry)
	r.mu.Unlock()

	for _, list := range all {
		for _, e := range list {
			if e.timer != nil {
				e.timer.Stop()
			}
			e.done = true
			e.ch <- AwaiterResult{Err: err}
		}
	}
}

// Len returns the number of pending waiters for key (test helper, also used
// by the in-flight-coalesce check in dispatcher.go).
func (r *AwaiterRegistry) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[key])
}

// BareFIFO records switch addresses whose reply might arrive as a bare
// "0"/"1" line with no address (spec §3/§4.3). The head is popped when a
// bare reply arrives; removed out of order when the addressed reply for
// that SA arrives first.
type BareFIFO struct {
	mu    sync.Mutex
	queue []SA
}

// NewBareFIFO constructs an empty FIFO.
func NewBareFIFO() *BareFIFO { return &BareFIFO{} }

// Push appends sa to the tail.
func (f *BareFIFO) Push(sa SA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, sa)
}

// PopFront removes and returns the head, or ok=false if empty.
func (f *BareFIFO) PopFront() (SA, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return SA{}, false
	}
	sa := f.queue[0]
	f.queue = f.queue[1:]
	return sa, true
}

// Remove deletes the first occurrence of sa, if present (used when an
// addressed SwitchReply arrives for sa before any bare reply does).
func (f *BareFIFO) Remove(sa SA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, v := range f.queue {
		if v == sa {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			return
		}
	}
}

// Clear empties the FIFO (called on disconnect).
func (f *BareFIFO) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
}

// Len reports the current queue length (test helper).
func (f *BareFIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
