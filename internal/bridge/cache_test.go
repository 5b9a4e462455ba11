package bridge

import (
	"testing"
	"time"
)

func TestSwitchCache_MonotonicTimestamp(t *testing.T) {
	c := NewSwitchCache()
	sa := SA{1, 2, 3}
	base := time.Unix(1000, 0)

	c.Put(sa, SwitchRecord{Value: 1, TS: base})
	c.Put(sa, SwitchRecord{Value: 0, TS: base.Add(-time.Second)})

	rec, ok := c.Get(sa)
	if !ok || rec.Value != 1 {
		t.Fatalf("older write must not overwrite newer: got %+v", rec)
	}

	c.Put(sa, SwitchRecord{Value: 0, TS: base.Add(time.Second)})
	rec, _ = c.Get(sa)
	if rec.Value != 0 {
		t.Fatalf("newer write should overwrite: got %+v", rec)
	}
}

func TestSwitchCache_Fresh(t *testing.T) {
	c := NewSwitchCache()
	sa := SA{1, 2, 3}
	base := time.Unix(1000, 0)
	c.Put(sa, SwitchRecord{Value: 1, TS: base})

	if _, ok := c.Fresh(sa, base.Add(50*time.Millisecond), 100*time.Millisecond); !ok {
		t.Fatal("expected fresh hit")
	}
	if _, ok := c.Fresh(sa, base.Add(200*time.Millisecond), 100*time.Millisecond); ok {
		t.Fatal("expected stale miss")
	}
}

func TestLoadCache_MonotonicTimestamp(t *testing.T) {
	c := NewLoadCache()
	la := LA{1, 1, 1, 1}
	base := time.Unix(2000, 0)
	c.Put(la, LoadRecord{Level: 80, TS: base})
	c.Put(la, LoadRecord{Level: 10, TS: base.Add(-time.Minute)})

	rec, _ := c.Get(la)
	if rec.Level != 80 {
		t.Fatalf("older write must not overwrite newer: got %+v", rec)
	}
}

func TestPushStateStore_FreshnessGate(t *testing.T) {
	s := NewPushStateStore()
	sa := SA{4, 5, 6}
	base := time.Unix(3000, 0)
	s.Set(sa, 1, base)

	if _, ok := s.Fresh(sa, base.Add(9*time.Second), 10*time.Second); !ok {
		t.Fatal("expected fresh push state")
	}
	if _, ok := s.Fresh(sa, base.Add(11*time.Second), 10*time.Second); ok {
		t.Fatal("expected stale push state to miss")
	}
}
