package bridge

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAwaitMs = 2000
	minAwaitMs     = 50
)

// clampAwaitMs enforces the floor/default from spec §5 Cancellation.
func clampAwaitMs(maxMs int) time.Duration {
	if maxMs <= 0 {
		maxMs = defaultAwaitMs
	}
	if maxMs < minAwaitMs {
		maxMs = minAwaitMs
	}
	return time.Duration(maxMs) * time.Millisecond
}

// SwitchReadOptions configures Dispatcher.SwitchRead (spec §4.6).
type SwitchReadOptions struct {
	CacheMs  int
	MaxMs    int
	JitterMs int
}

// SwitchReadResult carries the value plus enough provenance to set the
// X-VGS-* response headers at the HTTP layer.
type SwitchReadResult struct {
	Value         int
	Source        SwitchSource
	CacheState    string // "cache-hit" | "stream" | "live"
	Age           time.Duration
	StaleFallback bool
}

// Dispatcher composes SendQueue + AwaiterRegistry + caches into the
// high-level operations named in spec §4.6. It mints a correlation ID per
// call for log lines only (never part of the wire protocol), the way
// absmach-mproxy's TCP server tags each accepted connection with a uuid.
type Dispatcher struct {
	session     *Session
	queue       *SendQueue
	switchAw    *AwaiterRegistry
	loadAw      *AwaiterRegistry
	bareFIFO    *BareFIFO
	switchCache *SwitchCache
	loadCache   *LoadCache
	pushState   *PushStateStore
	cfg         *Config
	clock       Clock
	metrics     *Metrics

	rawMu   sync.Mutex
	rawSubs map[*rawCollector]struct{}
}

// NewDispatcher wires the given collaborators into a Dispatcher.
func NewDispatcher(session *Session, queue *SendQueue, switchAw, loadAw *AwaiterRegistry, bareFIFO *BareFIFO, switchCache *SwitchCache, loadCache *LoadCache, pushState *PushStateStore, cfg *Config, clock Clock, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		session:     session,
		queue:       queue,
		switchAw:    switchAw,
		loadAw:      loadAw,
		bareFIFO:    bareFIFO,
		switchCache: switchCache,
		loadCache:   loadCache,
		pushState:   pushState,
		cfg:         cfg,
		clock:       clock,
		metrics:     metrics,
		rawSubs:     make(map[*rawCollector]struct{}),
	}
}

// rawCollector accumulates raw lines for one in-flight RawSend call or one
// SwitchWrite wait window.
type rawCollector struct {
	mu     sync.Mutex
	buf    []string
	notify chan struct{}
}

func newRawCollector() *rawCollector {
	return &rawCollector{notify: make(chan struct{}, 1)}
}

func (c *rawCollector) feed(line string) {
	c.mu.Lock()
	c.buf = append(c.buf, line)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *rawCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := ""
	for i, l := range c.buf {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// registerRawCollector subscribes c to every subsequently observed raw
// line until the returned func is called.
func (d *Dispatcher) registerRawCollector(c *rawCollector) func() {
	d.rawMu.Lock()
	d.rawSubs[c] = struct{}{}
	d.rawMu.Unlock()
	return func() {
		d.rawMu.Lock()
		delete(d.rawSubs, c)
		d.rawMu.Unlock()
	}
}

// FeedRawLine fans a raw line the parser saw out to every active collector
// (RawSend calls and SwitchWrite wait windows). Called by the Bridge's
// line-dispatch path alongside the regular parse/cache/awaiter handling —
// collectors observe the same stream everyone else does, they just don't get
// a dedicated awaiter.
func (d *Dispatcher) FeedRawLine(line string) {
	d.rawMu.Lock()
	subs := make([]*rawCollector, 0, len(d.rawSubs))
	for c := range d.rawSubs {
		subs = append(subs, c)
	}
	d.rawMu.Unlock()
	for _, c := range subs {
		c.feed(line)
	}
}

// SwitchRead implements spec §4.6 SwitchRead: PushState fast path, then
// SwitchCache fast path, then a live read off the wire.
func (d *Dispatcher) SwitchRead(sa SA, opts SwitchReadOptions) (SwitchReadResult, error) {
	now := d.clock.Now()

	if st, ok := d.pushState.Fresh(sa, now, d.cfg.PushFresh()); ok {
		return SwitchReadResult{Value: st.Value, Source: SourcePushState, CacheState: "cache-hit", Age: now.Sub(st.TS)}, nil
	}

	cacheMs := time.Duration(opts.CacheMs) * time.Millisecond
	if rec, ok := d.switchCache.Fresh(sa, now, cacheMs); ok {
		return SwitchReadResult{Value: rec.Value, Source: rec.Source, CacheState: "cache-hit", Age: now.Sub(rec.TS)}, nil
	}

	return d.switchReadLive(sa, opts)
}

// SwitchReadForceLive runs a SwitchRead that skips the PushState/SwitchCache
// fast paths and always talks to the controller. Used by the push-confirm
// path (spec §4.7): a push event must never be confirmed off state that
// push-confirm itself wrote, or a release following a press within
// PUSH_FRESH_MS would short-circuit on its own stale PushState entry.
func (d *Dispatcher) SwitchReadForceLive(sa SA, maxMs int) (SwitchReadResult, error) {
	return d.switchReadLive(sa, SwitchReadOptions{MaxMs: maxMs})
}

func (d *Dispatcher) switchReadLive(sa SA, opts SwitchReadOptions) (SwitchReadResult, error) {
	corrID := uuid.NewString()
	deadline := clampAwaitMs(opts.MaxMs)
	start := d.clock.Now()

	if d.switchAw.Len(sa.Key()) > 0 {
		ch, err := d.switchAw.Await(sa.Key(), deadline)
		if err != nil {
			return d.switchReadFailure(sa, err)
		}
		res := <-ch
		if res.Err != nil {
			return d.switchReadFailure(sa, res.Err)
		}
		d.metrics.ObserveWriteToReply(d.clock.Now().Sub(start))
		return SwitchReadResult{Value: switchValueFromReply(res.Raw, sa), Source: SourceTCPAwait, CacheState: "stream"}, nil
	}

	if opts.JitterMs > 0 {
		d.clock.JitterSleep(opts.JitterMs)
	}

	ch, err := d.switchAw.Await(sa.Key(), deadline)
	if err != nil {
		return d.switchReadFailure(sa, err)
	}
	d.bareFIFO.Push(sa)

	cmd := fmt.Sprintf("VGS# %d %d %d%s", sa.M, sa.S, sa.B, d.cfg.LineEnding)
	label := "VGS#:" + corrID
	werr := d.queue.Submit(func() error { return d.session.Write([]byte(cmd)) }, PriorityRead, label)
	d.observeWriteOutcome(werr)
	if werr != nil {
		d.bareFIFO.Remove(sa)
		return d.switchReadFailure(sa, werr)
	}
	log.Printf("bridge: wrote %s (%s)", strings.TrimRight(cmd, "\r\n"), label)

	res := <-ch
	if res.Err != nil {
		return d.switchReadFailure(sa, res.Err)
	}
	d.metrics.ObserveWriteToReply(d.clock.Now().Sub(start))

	for _, rec := range ParseLine(res.Raw) {
		if rec.Kind == RecordSwitchReply && rec.SA == sa {
			return SwitchReadResult{Value: rec.Value, Source: SourceVGS, CacheState: "live"}, nil
		}
	}
	// Bare reply: the raw payload is just "0" or "1".
	return SwitchReadResult{Value: atoiSafe(res.Raw), Source: SourceBare, CacheState: "live"}, nil
}

// switchValueFromReply extracts the 0|1 value for sa out of a raw reply
// line that may be either an addressed SwitchReply or a bare digit.
func switchValueFromReply(raw string, sa SA) int {
	for _, rec := range ParseLine(raw) {
		if rec.Kind == RecordSwitchReply && rec.SA == sa {
			return rec.Value
		}
	}
	return atoiSafe(raw)
}

// switchReadFailure applies the stale-cache fallback rule from spec §7:
// on Timeout (or any failure) with a cache entry present, serve it stale.
func (d *Dispatcher) switchReadFailure(sa SA, err error) (SwitchReadResult, error) {
	if rec, ok := d.switchCache.Get(sa); ok {
		return SwitchReadResult{Value: rec.Value, Source: rec.Source, CacheState: "cache-hit", Age: d.clock.Now().Sub(rec.TS), StaleFallback: true}, nil
	}
	return SwitchReadResult{}, err
}

// SwitchWrite implements spec §4.6 SwitchWrite. If waitMs>0, it collects
// whatever bytes arrive on the wire for that fixed window and returns them,
// via the same rawCollector fan-out RawSend uses — not a single sa-keyed
// awaiter, since an arbitrary reply (not necessarily addressed to sa) can
// land in that window.
func (d *Dispatcher) SwitchWrite(sa SA, value int, waitMs int) (string, error) {
	corrID := uuid.NewString()
	v := 0
	if value != 0 {
		v = 1
	}
	cmd := fmt.Sprintf("VSW %d %d %d %d%s", sa.M, sa.S, sa.B, v, d.cfg.LineEnding)
	label := "VSW:" + corrID

	if waitMs <= 0 {
		err := d.queue.Submit(func() error { return d.session.Write([]byte(cmd)) }, PrioritySwitchWrite, label)
		d.observeWriteOutcome(err)
		return "", err
	}

	collector := newRawCollector()
	unregister := d.registerRawCollector(collector)
	defer unregister()

	start := d.clock.Now()
	werr := d.queue.Submit(func() error { return d.session.Write([]byte(cmd)) }, PrioritySwitchWrite, label)
	d.observeWriteOutcome(werr)
	if werr != nil {
		return "", werr
	}
	log.Printf("bridge: wrote %s (%s)", strings.TrimRight(cmd, "\r\n"), label)

	fixed := d.clock.NewTimer(time.Duration(waitMs) * time.Millisecond)
	defer fixed.Stop()
	<-fixed.C()
	d.metrics.ObserveWriteToReply(d.clock.Now().Sub(start))
	return collector.String(), nil
}

// LoadSet implements spec §4.6 LoadSet.
func (d *Dispatcher) LoadSet(la LA, level int, fade *float64, maxMs int) (LoadRecord, error) {
	if level < 0 || level > 100 {
		return LoadRecord{}, ErrInvalidInput
	}
	corrID := uuid.NewString()
	deadline := clampAwaitMs(maxMs)
	start := d.clock.Now()

	fadeSecs := d.cfg.DefaultLoadFadeSecs
	cmd := fmt.Sprintf("VLB# %d %d %d %d %d", la.M, la.Enclosure, la.Module, la.Load, level)
	if fade != nil {
		cmd = fmt.Sprintf("%s %s", cmd, strconv.FormatFloat(*fade, 'f', -1, 64))
	} else if fadeSecs > 0 {
		cmd = fmt.Sprintf("%s %d", cmd, fadeSecs)
	}
	cmd += d.cfg.LineEnding

	ch, err := d.loadAw.Await(la.Key(), deadline)
	if err != nil {
		return LoadRecord{}, err
	}
	label := "VLB#:" + corrID
	werr := d.queue.Submit(func() error { return d.session.Write([]byte(cmd)) }, PriorityRead, label)
	d.observeWriteOutcome(werr)
	if werr != nil {
		return LoadRecord{}, werr
	}
	log.Printf("bridge: wrote %s (%s)", strings.TrimRight(cmd, "\r\n"), label)

	res := <-ch
	if res.Err != nil {
		return LoadRecord{}, res.Err
	}
	d.metrics.ObserveWriteToReply(d.clock.Now().Sub(start))
	rec := loadRecordFromReply(res.Raw, d.clock.Now())
	d.loadCache.Put(la, rec)
	return rec, nil
}

// LoadRead implements spec §4.6 LoadRead.
func (d *Dispatcher) LoadRead(la LA, cacheMs, maxMs int) (LoadRecord, error) {
	now := d.clock.Now()
	if rec, ok := d.loadCache.Fresh(la, now, time.Duration(cacheMs)*time.Millisecond); ok {
		return rec, nil
	}

	corrID := uuid.NewString()
	deadline := clampAwaitMs(maxMs)
	start := d.clock.Now()

	if d.loadAw.Len(la.Key()) > 0 {
		ch, err := d.loadAw.Await(la.Key(), deadline)
		if err != nil {
			return d.loadReadFailure(la, err)
		}
		res := <-ch
		if res.Err != nil {
			return d.loadReadFailure(la, res.Err)
		}
		d.metrics.ObserveWriteToReply(d.clock.Now().Sub(start))
		rec := loadRecordFromReply(res.Raw, now)
		d.loadCache.Put(la, rec)
		return rec, nil
	}

	ch, err := d.loadAw.Await(la.Key(), deadline)
	if err != nil {
		return d.loadReadFailure(la, err)
	}
	cmd := fmt.Sprintf("VGB# %d %d %d %d%s", la.M, la.Enclosure, la.Module, la.Load, d.cfg.LineEnding)
	label := "VGB#:" + corrID
	werr := d.queue.Submit(func() error { return d.session.Write([]byte(cmd)) }, PriorityRead, label)
	d.observeWriteOutcome(werr)
	if werr != nil {
		return d.loadReadFailure(la, werr)
	}
	log.Printf("bridge: wrote %s (%s)", strings.TrimRight(cmd, "\r\n"), label)

	res := <-ch
	if res.Err != nil {
		return d.loadReadFailure(la, res.Err)
	}
	d.metrics.ObserveWriteToReply(d.clock.Now().Sub(start))
	rec := loadRecordFromReply(res.Raw, now)
	d.loadCache.Put(la, rec)
	return rec, nil
}

// observeWriteOutcome records a write's success/failure in the
// writes_total counter.
func (d *Dispatcher) observeWriteOutcome(err error) {
	if err != nil {
		d.metrics.ObserveWrite("error")
		return
	}
	d.metrics.ObserveWrite("ok")
}

func (d *Dispatcher) loadReadFailure(la LA, err error) (LoadRecord, error) {
	if rec, ok := d.loadCache.Get(la); ok {
		return rec, nil
	}
	return LoadRecord{}, err
}

// loadRecordFromReply re-parses a raw reply line into a LoadRecord,
// used when the raw bytes arrive via an awaiter rather than directly
// through ParseLine's dispatch path.
func loadRecordFromReply(raw string, now time.Time) LoadRecord {
	for _, rec := range ParseLine(raw) {
		if rec.Kind == RecordLoadReply {
			return LoadRecord{Level: rec.Level, Fade: rec.Fade, Raw: raw, TS: now, Bytes: len(raw), Source: rec.LoadSource}
		}
	}
	return LoadRecord{Raw: raw, TS: now, Bytes: len(raw)}
}

// RawSendOptions configures Dispatcher.RawSend.
type RawSendOptions struct {
	WaitMs  int
	QuietMs int
	MaxMs   int
}

// RawSend implements spec §4.6 RawSend: enqueue a write, then collect
// bytes either for a fixed WaitMs window or until QuietMs of silence
// (whichever hard cap, MaxMs, comes first).
func (d *Dispatcher) RawSend(line string, opts RawSendOptions) (string, error) {
	corrID := uuid.NewString()
	if line != "" && line[len(line)-1] != '\n' && line[len(line)-1] != '\r' {
		line += d.cfg.LineEnding
	}

	collector := newRawCollector()
	unregister := d.registerRawCollector(collector)
	defer unregister()

	label := "raw:" + corrID
	werr := d.queue.Submit(func() error { return d.session.Write([]byte(line)) }, PriorityUISend, label)
	d.observeWriteOutcome(werr)
	if werr != nil {
		return "", werr
	}
	log.Printf("bridge: wrote %s (%s)", strings.TrimRight(line, "\r\n"), label)

	maxMs := opts.MaxMs
	if maxMs <= 0 {
		maxMs = defaultAwaitMs
	}
	hardCap := d.clock.NewTimer(time.Duration(maxMs) * time.Millisecond)
	defer hardCap.Stop()

	switch {
	case opts.WaitMs > 0:
		fixed := d.clock.NewTimer(time.Duration(opts.WaitMs) * time.Millisecond)
		defer fixed.Stop()
		select {
		case <-fixed.C():
		case <-hardCap.C():
		}
	case opts.QuietMs > 0:
		quiet := time.Duration(opts.QuietMs) * time.Millisecond
		for {
			t := d.clock.NewTimer(quiet)
			select {
			case <-collector.notify:
				t.Stop()
				continue
			case <-t.C():
				return collector.String(), nil
			case <-hardCap.C():
				t.Stop()
				return collector.String(), nil
			}
		}
	default:
		// No wait requested: return whatever has arrived so far.
	}
	return collector.String(), nil
}
