package bridge

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bridge is the facade the HTTP layer talks to: it owns every collaborator
// and exposes the operations from spec §4.6/§4.9 as plain Go methods.
// Mirrors the teacher's Engine/NewEngine in engine.go, generalized from a
// single websocket-fed mixer state to the switch/load address space here.
type Bridge struct {
	cfg         *Config
	clock       Clock
	session     *Session
	queue       *SendQueue
	switchAw    *AwaiterRegistry
	loadAw      *AwaiterRegistry
	bareFIFO    *BareFIFO
	switchCache *SwitchCache
	loadCache   *LoadCache
	pushState   *PushStateStore
	whitelist   *Whitelist
	dispatcher  *Dispatcher
	pushPipe    *PushPipeline
	metrics     *Metrics
	logs        *LogSource

	supervisor *Supervisor
}

// NewBridge constructs a fully-wired Bridge from cfg, loading the whitelist
// from cfg.WhitelistPath.
func NewBridge(cfg *Config, clock Clock) (*Bridge, error) {
	wl, err := NewWhitelist(cfg.WhitelistPath, cfg.WhitelistStrict)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics("bridge")
	logs := NewLogSource(500)

	b := &Bridge{
		cfg:         cfg,
		clock:       clock,
		switchAw:    NewAwaiterRegistry(cfg.AwaitersMaxPerKey, clock, metrics, "switch"),
		loadAw:      NewAwaiterRegistry(cfg.LoadAwaitersMaxPerKey, clock, metrics, "load"),
		bareFIFO:    NewBareFIFO(),
		switchCache: NewSwitchCache(),
		loadCache:   NewLoadCache(),
		pushState:   NewPushStateStore(),
		whitelist:   wl,
		metrics:     metrics,
		logs:        logs,
	}

	b.session = NewSession(cfg, clock, b.onLine, b.onDisconnect)
	b.queue = NewSendQueue(cfg.MinGap(), clock, metrics)
	b.dispatcher = NewDispatcher(b.session, b.queue, b.switchAw, b.loadAw, b.bareFIFO, b.switchCache, b.loadCache, b.pushState, cfg, clock, metrics)
	b.pushPipe = NewPushPipeline(wl, b, clock, cfg.Debounce(), metrics)
	b.supervisor = NewSupervisor(b, cfg, clock)

	return b, nil
}

// onLine is the Session's LineHandler: it dispatches a parsed line to
// cache updates, awaiter resolution, and the push pipeline, per spec §4.3.
func (b *Bridge) onLine(line string) {
	b.logs.Append("recv: " + line)
	b.dispatcher.FeedRawLine(line)

	for _, rec := range ParseLine(line) {
		now := b.clock.Now()
		switch rec.Kind {
		case RecordSwitchReply:
			b.switchCache.Put(rec.SA, SwitchRecord{Value: rec.Value, Raw: rec.Raw, TS: now, Bytes: len(rec.Raw), Source: sourceForSwitchReply(rec.Raw)})
			b.switchAw.Resolve(rec.SA.Key(), rec.Raw)
			b.bareFIFO.Remove(rec.SA)
		case RecordLoadReply:
			b.loadCache.Put(rec.LA, LoadRecord{Level: rec.Level, Fade: rec.Fade, Raw: rec.Raw, TS: now, Bytes: len(rec.Raw), Source: rec.LoadSource})
			b.loadAw.Resolve(rec.LA.Key(), rec.Raw)
		case RecordBareState:
			sa, ok := b.bareFIFO.PopFront()
			if !ok {
				continue
			}
			b.switchCache.Put(sa, SwitchRecord{Value: rec.Value, Raw: rec.Raw, TS: now, Bytes: len(rec.Raw), Source: SourceBare})
			b.switchAw.Resolve(sa.Key(), rec.Raw)
		case RecordPushEvent:
			b.pushPipe.OnPushEvent(rec.SA, rec.Value)
		}
	}
}

func sourceForSwitchReply(raw string) SwitchSource {
	switch {
	case len(raw) >= 3 && raw[:3] == "RGS":
		return SourceRGS
	case len(raw) >= 3 && raw[:3] == "VGS":
		return SourceVGS
	default:
		return SourceVGS
	}
}

// onDisconnect is the Session's teardown callback: it cancels all
// awaiters and timers (spec §3 invariant).
func (b *Bridge) onDisconnect() {
	b.switchAw.CancelAll(ErrDisconnected)
	b.loadAw.CancelAll(ErrDisconnected)
	b.bareFIFO.Clear()
	b.pushPipe.CancelAll()
	b.metrics.ObserveSessionState(StateDisconnected)
	log.Printf("bridge: session disconnected")
	b.supervisor.onDisconnect()
}

// ConfirmRead implements the confirmer interface PushPipeline needs: a
// SwitchRead-equivalent confirm, bypassing PushState/cache fast paths so
// it always talks to the controller. A live read that fails and falls back
// to a stale cache entry is reported as an error, so no state is written.
func (b *Bridge) ConfirmRead(sa SA) (SwitchRecord, error) {
	res, err := b.dispatcher.SwitchReadForceLive(sa, confirmMaxMs)
	if err != nil {
		return SwitchRecord{}, err
	}
	if res.StaleFallback {
		return SwitchRecord{}, fmt.Errorf("bridge: confirm read for %s failed; only a stale cache entry was available", sa.Display())
	}
	return SwitchRecord{Value: res.Value, Source: res.Source, TS: b.clock.Now()}, nil
}

// SetPushState implements the confirmer interface.
func (b *Bridge) SetPushState(sa SA, value int) {
	now := b.clock.Now()
	b.pushState.Set(sa, value, now)
	b.switchCache.Put(sa, SwitchRecord{Value: value, TS: now, Source: SourcePushState})
}

// Connect dials the server at cfg.Servers[index].
func (b *Bridge) Connect(index int) error {
	if index < 0 || index >= len(b.cfg.Servers) {
		return ErrInvalidInput
	}
	target := b.cfg.Servers[index]
	err := b.session.Connect(target.Host, target.Port)
	if err == nil {
		b.metrics.ObserveSessionState(StateConnected)
	}
	return err
}

// Disconnect tears down the active session, if any.
func (b *Bridge) Disconnect() {
	b.session.Disconnect()
}

// Dispatcher exposes the underlying Dispatcher to the HTTP layer.
func (b *Bridge) Dispatcher() *Dispatcher { return b.dispatcher }

// Whitelist exposes the underlying Whitelist to the HTTP layer.
func (b *Bridge) Whitelist() *Whitelist { return b.whitelist }

// Config exposes the loaded Config.
func (b *Bridge) Config() *Config { return b.cfg }

// Logs exposes the bounded in-memory log ring.
func (b *Bridge) Logs() *LogSource { return b.logs }

// MetricsRegistry exposes this Bridge's own Prometheus registry, for the
// HTTP layer's /metrics handler.
func (b *Bridge) MetricsRegistry() *prometheus.Registry { return b.metrics.Registry }

// CheckAdmin reports whether r carries the configured admin PIN in its
// X-Admin-PIN header, compared in constant time (grounded on the
// teacher's CheckAdmin in engine.go). This gates ambient operator tooling
// only — it is not a protocol-layer access control.
func (b *Bridge) CheckAdmin(r *http.Request) bool {
	got := r.Header.Get("X-Admin-PIN")
	want := b.cfg.AdminPIN
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// SessionState reports the session's current lifecycle state.
func (b *Bridge) SessionState() SessionState { return b.session.State() }

// QueueDepth reports the current send-queue length.
func (b *Bridge) QueueDepth() int { return b.queue.Depth() }

// Start runs startup auto-connect, per spec §4.9.
func (b *Bridge) Start() {
	b.supervisor.Start()
}

// Shutdown stops the supervisor and queue and tears the session down.
func (b *Bridge) Shutdown() {
	b.supervisor.Stop()
	b.session.Disconnect()
	b.queue.Close()
}

// lastWriteAt reports the time of the most recent queue drain, read from
// the queue's internal pacing clock rather than tracked separately, since
// SendQueue already owns that timestamp for pacing purposes. Nothing calls
// it; the /status endpoint does not report a last write time.
func (b *Bridge) lastWriteAt() time.Time {
	b.queue.mu.Lock()
	defer b.queue.mu.Unlock()
	return b.queue.lastSendAt
}
