package bridge

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func baseTestConfig() *Config {
	return &Config{
		LineEnding:            "\r\n",
		AwaitersMaxPerKey:     50,
		LoadAwaitersMaxPerKey: 50,
		DebounceMs:            250,
		DefaultLoadFadeSecs:   3,
		AdminPIN:              "x",
	}
}

// newTestBridge wires a real Bridge against a loopback TCP listener and
// connects it, handing the test the server side of the socket so it can
// play the role of the controller.
func newTestBridge(t *testing.T, cfg *Config) (*Bridge, *fakeClock, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := splitHostPort(t, ln.Addr().String())
	cfg.Servers = []ServerTarget{{Host: host, Port: port}}

	clock := newFakeClock()
	b, err := NewBridge(cfg, clock)
	if err != nil {
		t.Fatalf("NewBridge err=%v", err)
	}

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			connCh <- c
		}
	}()

	if err := b.Connect(0); err != nil {
		t.Fatalf("Connect err=%v", err)
	}

	var serverConn net.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}

	t.Cleanup(func() {
		b.Shutdown()
		serverConn.Close()
		ln.Close()
	})

	return b, clock, serverConn
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestDispatcher_SwitchReadLiveRoundTrip(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	resCh := make(chan SwitchReadResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := b.Dispatcher().SwitchRead(SA{M: 1, S: 2, B: 3}, SwitchReadOptions{MaxMs: 2000})
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	if got := readLine(t, r); got != "VGS# 1 2 3" {
		t.Fatalf("wire command = %q, want %q", got, "VGS# 1 2 3")
	}
	serverConn.Write([]byte("VGS 1 2 3 1\r\n"))

	select {
	case res := <-resCh:
		if res.Value != 1 || res.Source != SourceVGS || res.CacheState != "live" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case err := <-errCh:
		t.Fatalf("SwitchRead err=%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SwitchRead")
	}
}

func TestDispatcher_SwitchReadBareReplyConsumesFIFOHead(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	resCh := make(chan SwitchReadResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := b.Dispatcher().SwitchRead(SA{M: 4, S: 5, B: 6}, SwitchReadOptions{MaxMs: 2000})
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	if got := readLine(t, r); got != "VGS# 4 5 6" {
		t.Fatalf("wire command = %q", got)
	}
	serverConn.Write([]byte("1\r\n"))

	select {
	case res := <-resCh:
		if res.Value != 1 || res.Source != SourceBare {
			t.Fatalf("unexpected result: %+v", res)
		}
	case err := <-errCh:
		t.Fatalf("SwitchRead err=%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SwitchRead")
	}
}

func TestDispatcher_SwitchReadCoalescesInFlightRequests(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	res1 := make(chan SwitchReadResult, 1)
	res2 := make(chan SwitchReadResult, 1)

	go func() {
		res, err := b.Dispatcher().SwitchRead(SA{M: 1, S: 2, B: 3}, SwitchReadOptions{MaxMs: 2000})
		if err == nil {
			res1 <- res
		}
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		res, err := b.Dispatcher().SwitchRead(SA{M: 1, S: 2, B: 3}, SwitchReadOptions{MaxMs: 2000})
		if err == nil {
			res2 <- res
		}
	}()
	time.Sleep(50 * time.Millisecond)

	if got := readLine(t, r); got != "VGS# 1 2 3" {
		t.Fatalf("wire command = %q", got)
	}
	serverConn.Write([]byte("VGS 1 2 3 1\r\n"))

	for i := 0; i < 2; i++ {
		select {
		case r1 := <-res1:
			if r1.Value != 1 {
				t.Fatalf("res1 = %+v", r1)
			}
		case r2 := <-res2:
			if r2.Value != 1 {
				t.Fatalf("res2 = %+v", r2)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for coalesced results")
		}
	}

	serverConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := serverConn.Read(buf); err == nil {
		t.Fatalf("expected only a single VGS# write, got a second: %q", buf[:n])
	}
}

func TestDispatcher_SwitchWriteFireAndForget(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dispatcher().SwitchWrite(SA{M: 1, S: 2, B: 3}, 1, 0)
		errCh <- err
	}()

	if got := readLine(t, r); got != "VSW 1 2 3 1" {
		t.Fatalf("wire command = %q, want %q", got, "VSW 1 2 3 1")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SwitchWrite err=%v", err)
	}
}

func TestDispatcher_SwitchWriteWithWaitMsCollectsRawBytes(t *testing.T) {
	b, clock, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	resCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := b.Dispatcher().SwitchWrite(SA{M: 1, S: 2, B: 3}, 1, 200)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- out
	}()

	if got := readLine(t, r); got != "VSW 1 2 3 1" {
		t.Fatalf("wire command = %q, want %q", got, "VSW 1 2 3 1")
	}
	// Arbitrary bytes, not necessarily an addressed RGS/VGS reply for sa --
	// the rawCollector path must still capture them.
	serverConn.Write([]byte("ACK\r\n"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clock.Advance(50 * time.Millisecond)
		select {
		case out := <-resCh:
			if out != "ACK" {
				t.Fatalf("SwitchWrite collected = %q, want %q", out, "ACK")
			}
			return
		case err := <-errCh:
			t.Fatalf("SwitchWrite err=%v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("timed out waiting for SwitchWrite's wait window to settle")
}

func TestDispatcher_LoadSetRoundTrip(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	resCh := make(chan LoadRecord, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := b.Dispatcher().LoadSet(LA{M: 1, Enclosure: 1, Module: 1, Load: 1}, 75, nil, 2000)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- rec
	}()

	if got := readLine(t, r); got != "VLB# 1 1 1 1 75 3" {
		t.Fatalf("wire command = %q, want default-fade VLB# with level 75", got)
	}
	serverConn.Write([]byte("RLB 1 1 1 1 75 3.0\r\n"))

	select {
	case rec := <-resCh:
		if rec.Level != 75 || rec.Source != LoadSourceRLB {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case err := <-errCh:
		t.Fatalf("LoadSet err=%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for LoadSet")
	}
}

func TestDispatcher_LoadSetWholeNumberFadeOmitsDecimal(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	fade := 3.0
	resCh := make(chan LoadRecord, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := b.Dispatcher().LoadSet(LA{M: 3, Enclosure: 1, Module: 1, Load: 2}, 75, &fade, 2000)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- rec
	}()

	if got := readLine(t, r); got != "VLB# 3 1 1 2 75 3" {
		t.Fatalf("wire command = %q, want %q", got, "VLB# 3 1 1 2 75 3")
	}
	serverConn.Write([]byte("RLB 3 1 1 2 75 3\r\n"))

	select {
	case <-resCh:
	case err := <-errCh:
		t.Fatalf("LoadSet err=%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for LoadSet")
	}
}

func TestDispatcher_LoadSetRejectsOutOfRangeLevel(t *testing.T) {
	b, _, _ := newTestBridge(t, baseTestConfig())
	if _, err := b.Dispatcher().LoadSet(LA{M: 1, Enclosure: 1, Module: 1, Load: 1}, 150, nil, 1000); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got err=%v, want ErrInvalidInput", err)
	}
}

func TestDispatcher_LoadReadWireRoundTrip(t *testing.T) {
	b, _, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	resCh := make(chan LoadRecord, 1)
	errCh := make(chan error, 1)
	go func() {
		rec, err := b.Dispatcher().LoadRead(LA{M: 1, Enclosure: 1, Module: 1, Load: 1}, 0, 2000)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- rec
	}()

	if got := readLine(t, r); got != "VGB# 1 1 1 1" {
		t.Fatalf("wire command = %q, want %q", got, "VGB# 1 1 1 1")
	}
	serverConn.Write([]byte("RGB 1 1 1 1 60\r\n"))

	select {
	case rec := <-resCh:
		if rec.Level != 60 || rec.Source != LoadSourceRGB || rec.Fade != nil {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case err := <-errCh:
		t.Fatalf("LoadRead err=%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for LoadRead")
	}
}

func TestDispatcher_LoadReadServesFreshCacheWithoutWire(t *testing.T) {
	b, clock, serverConn := newTestBridge(t, baseTestConfig())
	la := LA{M: 2, Enclosure: 2, Module: 2, Load: 2}
	b.dispatcher.loadCache.Put(la, LoadRecord{Level: 42, Raw: "seed", TS: clock.Now(), Source: LoadSourceRGB})

	rec, err := b.Dispatcher().LoadRead(la, 10000, 2000)
	if err != nil {
		t.Fatalf("LoadRead err=%v", err)
	}
	if rec.Level != 42 {
		t.Fatalf("rec.Level = %d, want 42 (cached)", rec.Level)
	}

	serverConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := serverConn.Read(buf); err == nil {
		t.Fatalf("expected no wire traffic for a fresh cache hit, got %q", buf[:n])
	}
}

func TestDispatcher_RawSendQuietMsCollectsUntilSilence(t *testing.T) {
	b, clock, serverConn := newTestBridge(t, baseTestConfig())
	r := bufio.NewReader(serverConn)

	resCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := b.Dispatcher().RawSend("PING", RawSendOptions{QuietMs: 80, MaxMs: 5000})
		if err != nil {
			errCh <- err
			return
		}
		resCh <- out
	}()

	if got := readLine(t, r); got != "PING" {
		t.Fatalf("wire command = %q, want %q", got, "PING")
	}
	serverConn.Write([]byte("PONG1\r\nPONG2\r\n"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		clock.Advance(100 * time.Millisecond)
		select {
		case out := <-resCh:
			if out != "PONG1\nPONG2" {
				t.Fatalf("RawSend collected = %q", out)
			}
			return
		case err := <-errCh:
			t.Fatalf("RawSend err=%v", err)
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("timed out waiting for RawSend to settle")
}
