package bridge

import (
	"log"
	"sync"
	"time"
)

// confirmer is the narrow capability PushPipeline needs from the rest of
// the bridge: read the current switch state via the wire, and record a
// push-confirmed state. Keeping this interface narrow (rather than taking
// the full Dispatcher/Bridge) avoids a cyclic reference, per the distilled
// spec's design note.
type confirmer interface {
	ConfirmRead(sa SA) (SwitchRecord, error)
	SetPushState(sa SA, value int)
}

const (
	releaseDebounce = 60 * time.Millisecond
	confirmMaxMs     = 2000
)

// PushPipeline turns unsolicited SW push events into authoritative state:
// whitelist gate, debounce, confirm read, state write (spec §4.7).
// Guarded by one sync.Mutex over the pending-timer map, following the
// teacher's per-concern-mutex convention.
type PushPipeline struct {
	mu        sync.Mutex
	whitelist *Whitelist
	confirmer confirmer
	clock     Clock
	debounce  time.Duration
	metrics   *Metrics

	pending map[string]Timer
}

// NewPushPipeline constructs a PushPipeline. debounce is the press-event
// (v=1) delay; the release-event (v=0) delay is the fixed 60ms constant
// from spec §4.7.
func NewPushPipeline(whitelist *Whitelist, c confirmer, clock Clock, debounce time.Duration, metrics *Metrics) *PushPipeline {
	return &PushPipeline{
		whitelist: whitelist,
		confirmer: c,
		clock:     clock,
		debounce:  debounce,
		metrics:   metrics,
		pending:   make(map[string]Timer),
	}
}

// OnPushEvent handles one PushEvent(SA, v): drop if not whitelisted,
// cancel any pending confirm timer for SA, and schedule a fresh one
// (spec §4.7). Release events (v=0) get the fast 60ms path; press events
// (v=1) get the slower DEBOUNCE_MS path, so a burst of presses coalesces
// into one confirm.
func (p *PushPipeline) OnPushEvent(sa SA, v int) {
	allowed := p.whitelist.Contains(sa)
	if p.metrics != nil {
		label := "false"
		if allowed {
			label = "true"
		}
		p.metrics.PushEvents.WithLabelValues(label).Inc()
	}
	if !allowed {
		return
	}

	delay := p.debounce
	if v == 0 {
		delay = releaseDebounce
	}

	p.mu.Lock()
	if t, ok := p.pending[sa.Key()]; ok {
		t.Stop()
	}
	timer := p.clock.NewTimer(delay)
	p.pending[sa.Key()] = timer
	p.mu.Unlock()

	go func() {
		<-timer.C()
		p.mu.Lock()
		if cur, ok := p.pending[sa.Key()]; ok && cur == timer {
			delete(p.pending, sa.Key())
		}
		p.mu.Unlock()
		p.confirm(sa)
	}()
}

// confirm runs the SwitchRead-equivalent confirm read and, on success,
// writes PushState/mirrors SwitchCache; on failure, leaves state alone
// (spec §4.7).
func (p *PushPipeline) confirm(sa SA) {
	rec, err := p.confirmer.ConfirmRead(sa)
	if err != nil {
		log.Printf("bridge: push-confirm failed for %s: %v", sa.Display(), err)
		return
	}
	p.confirmer.SetPushState(sa, rec.Value)
}

// CancelAll stops every pending confirm timer, called on session teardown
// (spec §3 invariant: "every pending push-confirm timer is canceled").
func (p *PushPipeline) CancelAll() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]Timer)
	p.mu.Unlock()
	for _, t := range pending {
		t.Stop()
	}
}
