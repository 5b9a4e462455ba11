package bridge

import (
	"testing"
	"time"
)

func TestAwaiterRegistry_ResolveBroadcastsAndEmpties(t *testing.T) {
	clock := newFakeClock()
	r := NewAwaiterRegistry(10, clock, nil, "test")

	ch1, err := r.Await("1-2-3", time.Second)
	if err != nil {
		t.Fatalf("Await err=%v", err)
	}
	ch2, err := r.Await("1-2-3", time.Second)
	if err != nil {
		t.Fatalf("Await err=%v", err)
	}

	n := r.Resolve("1-2-3", "RGS 1 2 3 1")
	if n != 2 {
		t.Fatalf("expected 2 resolved, got %d", n)
	}

	res1 := <-ch1
	res2 := <-ch2
	if res1.Raw != "RGS 1 2 3 1" || res2.Raw != "RGS 1 2 3 1" {
		t.Fatalf("both waiters should see the raw reply: %+v %+v", res1, res2)
	}
	if r.Len("1-2-3") != 0 {
		t.Fatalf("list should be empty after resolve")
	}
}

func TestAwaiterRegistry_SaturationRejectsFast(t *testing.T) {
	clock := newFakeClock()
	r := NewAwaiterRegistry(1, clock, nil, "test")

	if _, err := r.Await("k", time.Second); err != nil {
		t.Fatalf("first Await should succeed: %v", err)
	}
	if _, err := r.Await("k", time.Second); err != ErrAwaitersSaturated {
		t.Fatalf("expected ErrAwaitersSaturated, got %v", err)
	}
}

func TestAwaiterRegistry_TimeoutRemovesSelf(t *testing.T) {
	clock := newFakeClock()
	r := NewAwaiterRegistry(10, clock, nil, "test")

	ch, err := r.Await("k", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Await err=%v", err)
	}
	clock.Advance(100 * time.Millisecond)

	res := <-ch
	if res.Err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", res.Err)
	}
	if r.Len("k") != 0 {
		t.Fatalf("expired waiter must remove itself")
	}
}

func TestAwaiterRegistry_CancelAllRejectsEverything(t *testing.T) {
	clock := newFakeClock()
	r := NewAwaiterRegistry(10, clock, nil, "test")

	ch1, _ := r.Await("a", time.Minute)
	ch2, _ := r.Await("b", time.Minute)

	r.CancelAll(ErrDisconnected)

	if res := <-ch1; res.Err != ErrDisconnected {
		t.Fatalf("got %v", res.Err)
	}
	if res := <-ch2; res.Err != ErrDisconnected {
		t.Fatalf("got %v", res.Err)
	}
}

func TestBareFIFO_FIFOOrderAndRemove(t *testing.T) {
	f := NewBareFIFO()
	sa1, sa2, sa3 := SA{1, 1, 1}, SA{1, 1, 2}, SA{1, 1, 3}
	f.Push(sa1)
	f.Push(sa2)
	f.Push(sa3)

	f.Remove(sa2)

	first, ok := f.PopFront()
	if !ok || first != sa1 {
		t.Fatalf("expected sa1 first, got %+v", first)
	}
	second, ok := f.PopFront()
	if !ok || second != sa3 {
		t.Fatalf("expected sa3 after removing sa2, got %+v", second)
	}
	if _, ok := f.PopFront(); ok {
		t.Fatal("expected FIFO to be empty")
	}
}
