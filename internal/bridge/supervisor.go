package bridge

import (
	"log"
	"sync"
	"time"
)

const maxReconnectBackoff = 10 * time.Minute

// Supervisor owns startup auto-connect and reconnect-on-disconnect (spec
// §4.9). Reconnect scheduling borrows the small closed/open state shape
// from absmach-mproxy's pkg/breaker (hand-rolled, stdlib-only — no
// third-party circuit-breaker library appears anywhere in the retrieval
// pack) to avoid reconnect storms: each consecutive failed reconnect
// doubles the backoff up to a ceiling, matching the teacher's
// explicit-state philosophy in dsp_ecp.go ("explicit state over hidden
// automation").
type Supervisor struct {
	mu      sync.Mutex
	bridge  *Bridge
	cfg     *Config
	clock   Clock
	timer   Timer
	backoff time.Duration
	stopped bool
}

// NewSupervisor constructs a Supervisor for bridge.
func NewSupervisor(bridge *Bridge, cfg *Config, clock Clock) *Supervisor {
	return &Supervisor{bridge: bridge, cfg: cfg, clock: clock}
}

// Start performs the startup auto-connect, if configured.
func (s *Supervisor) Start() {
	if !s.cfg.AutoConnect {
		return
	}
	if err := s.bridge.Connect(s.cfg.AutoConnectIndex); err != nil {
		log.Printf("bridge: startup auto-connect failed: %v", err)
		s.scheduleRetry()
		return
	}
	s.resetBackoff()
}

// Stop cancels any pending reconnect timer. Further onDisconnect calls
// after Stop are no-ops.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// onDisconnect is called by Bridge whenever the session tears down. If
// auto-connect and a positive retry interval are configured, it schedules
// one reconnect attempt with multiplicative backoff on repeated failure.
func (s *Supervisor) onDisconnect() {
	if !s.cfg.AutoConnect || s.cfg.AutoConnectRetryMs <= 0 {
		return
	}
	s.scheduleRetry()
}

func (s *Supervisor) scheduleRetry() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.backoff == 0 {
		s.backoff = time.Duration(s.cfg.AutoConnectRetryMs) * time.Millisecond
	}
	delay := s.backoff
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.NewTimer(delay)
	timer := s.timer
	s.mu.Unlock()

	go func() {
		<-timer.C()
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.bridge.Connect(s.cfg.AutoConnectIndex); err != nil {
			log.Printf("bridge: reconnect attempt failed: %v", err)
			s.mu.Lock()
			s.backoff *= 2
			if s.backoff > maxReconnectBackoff {
				s.backoff = maxReconnectBackoff
			}
			s.mu.Unlock()
			s.scheduleRetry()
			return
		}
		s.resetBackoff()
	}()
}

func (s *Supervisor) resetBackoff() {
	s.mu.Lock()
	s.backoff = 0
	s.mu.Unlock()
}
