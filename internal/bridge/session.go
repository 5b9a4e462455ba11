package bridge

import (
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// SessionState is the Session's lifecycle position (spec §3 Lifecycles).
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const connectDeadline = 10 * time.Second

// LineHandler is called once per logical line the framer emits.
type LineHandler func(line string)

// Session owns the single TCP connection to the controller: connect with
// optional handshake and one-shot handshake retry, a reader goroutine
// feeding a LineFramer, a bounded receive ring, and teardown that clears
// all of that plus notifies onDisconnect.
//
// Grounded on dsp_ecp.go's net.DialTimeout + combined connect/read deadline
// idiom and dsp_health.go's connect-state-machine, generalized here from a
// short-lived-connection-per-command model to one long-lived connection
// with a dedicated reader goroutine. Guarded by one sync.Mutex, following
// the teacher's per-concern-mutex convention.
type Session struct {
	mu    sync.Mutex
	clock Clock
	cfg   *Config

	conn  net.Conn
	state SessionState
	// generation increments on every Connect/Disconnect so a stale
	// handshake-retry timer from a prior connection can recognize it no
	// longer applies (spec §4.1: "only if still the same session").
	generation int

	framer *LineFramer
	ring   []byte

	onLine       LineHandler
	onDisconnect func()

	retryTimer Timer
}

// NewSession constructs a disconnected Session.
func NewSession(cfg *Config, clock Clock, onLine LineHandler, onDisconnect func()) *Session {
	return &Session{
		cfg:          cfg,
		clock:        clock,
		framer:       NewLineFramer(),
		onLine:       onLine,
		onDisconnect: onDisconnect,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials host:port with a bounded deadline, transitions to
// Connected, performs the handshake (and schedules its one-shot retry),
// and starts the reader goroutine. Any existing connection is torn down
// first.
func (s *Session) Connect(host string, port int) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.teardownLocked()
	}
	s.state = StateConnecting
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, connectDeadline)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	s.mu.Lock()
	if gen != s.generation {
		// A newer Connect/Disconnect raced us; abandon this dial.
		s.mu.Unlock()
		conn.Close()
		return ErrDisconnected
	}
	s.conn = conn
	s.state = StateConnected
	s.framer.Reset()
	s.ring = nil
	s.mu.Unlock()

	log.Printf("bridge: session connected to %s", addr)

	s.sendHandshake(gen)
	go s.readLoop(conn, gen)
	return nil
}

// sendHandshake writes the configured handshake string once, and — if
// HANDSHAKE_RETRY_MS>0 — schedules exactly one further write of the same
// string after that delay, guarded against a session that has since moved
// on (spec §4.1).
func (s *Session) sendHandshake(gen int) {
	hs := s.cfg.Handshake
	if hs == "" {
		return
	}
	if err := s.Write([]byte(hs)); err != nil {
		log.Printf("bridge: handshake write failed: %v", err)
	}
	if s.cfg.HandshakeRetryMs <= 0 {
		return
	}

	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = s.clock.NewTimer(time.Duration(s.cfg.HandshakeRetryMs) * time.Millisecond)
	timer := s.retryTimer
	s.mu.Unlock()

	go func() {
		<-timer.C()
		s.mu.Lock()
		same := gen == s.generation && s.state == StateConnected
		s.mu.Unlock()
		if !same {
			return
		}
		if err := s.Write([]byte(hs)); err != nil {
			log.Printf("bridge: handshake retry write failed: %v", err)
		}
	}()
}

// Write sends b on the current connection. Returns ErrNotConnected if no
// connection is established. This is the sole writer entry point; callers
// (the send-queue pumper) are responsible for pacing.
func (s *Session) Write(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(b)
	if err != nil {
		return ErrTransientWrite
	}
	return nil
}

const recvRingDefault = 32768

// readLoop owns the TCP read side: it blocks on conn.Read, appends to the
// bounded ring, and forwards to the framer, dispatching one line at a time
// to onLine. Exits (and tears the session down) on read error/EOF.
func (s *Session) readLoop(conn net.Conn, gen int) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.ingest(buf[:n], gen)
		}
		if err != nil {
			s.mu.Lock()
			stillCurrent := gen == s.generation
			s.mu.Unlock()
			if stillCurrent {
				log.Printf("bridge: session read error: %v", err)
				s.Disconnect()
			}
			return
		}
	}
}

// ingest appends chunk to the receive ring (pre-trimmed to the configured
// cap) and feeds the framer, dispatching any complete lines.
func (s *Session) ingest(chunk []byte, gen int) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	ringCap := s.cfg.RecvRingMax
	if ringCap <= 0 {
		ringCap = recvRingDefault
	}
	s.ring = append(s.ring, chunk...)
	if over := len(s.ring) - ringCap; over > 0 {
		s.ring = s.ring[over:]
	}
	lines := s.framer.Feed(chunk)
	handler := s.onLine
	s.mu.Unlock()

	if handler != nil {
		for _, line := range lines {
			handler(line)
		}
	}
}

// Disconnect tears the session down: closes the socket, cancels the
// handshake-retry timer, clears the ring/framer, and notifies onDisconnect
// (spec §4.1: "On close or error, tear down").
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasConnected := s.state != StateDisconnected
	s.teardownLocked()
	cb := s.onDisconnect
	s.mu.Unlock()

	if wasConnected && cb != nil {
		cb()
	}
}

// teardownLocked must be called with mu held.
func (s *Session) teardownLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.framer.Reset()
	s.ring = nil
	s.state = StateDisconnected
	s.generation++
}
