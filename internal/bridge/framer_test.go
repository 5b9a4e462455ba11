package bridge

import (
	"reflect"
	"testing"
)

func TestLineFramer_CRLF(t *testing.T) {
	f := NewLineFramer()
	got := f.Feed([]byte("RGS 1 2 3 1\r\nRGS 1 2 4 0\r\n"))
	want := []string{"RGS 1 2 3 1", "RGS 1 2 4 0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLineFramer_BareCR(t *testing.T) {
	f := NewLineFramer()
	got := f.Feed([]byte("0\r1\r"))
	want := []string{"0", "1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLineFramer_PartialTailBuffered(t *testing.T) {
	f := NewLineFramer()
	got := f.Feed([]byte("RGS 1 2 3 "))
	if len(got) != 0 {
		t.Fatalf("expected no complete lines yet, got %v", got)
	}
	got = f.Feed([]byte("1\r\n"))
	want := []string{"RGS 1 2 3 1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLineFramer_CRSplitAcrossChunks(t *testing.T) {
	// \r arrives at the end of one chunk, \n arrives at the start of the
	// next: must not be treated as two separate terminators producing a
	// spurious empty line.
	f := NewLineFramer()
	got := f.Feed([]byte("RGS 1 2 3 1\r"))
	if len(got) != 1 {
		t.Fatalf("bare CR at chunk boundary should terminate immediately, got %v", got)
	}
	got = f.Feed([]byte("\nRGS 1 2 4 0\r\n"))
	want := []string{"RGS 1 2 4 0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLineFramer_EmptySegmentsDropped(t *testing.T) {
	f := NewLineFramer()
	got := f.Feed([]byte("\r\n\r\nRGS 1 2 3 1\r\n"))
	want := []string{"RGS 1 2 3 1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLineFramer_ResetDropsPartial(t *testing.T) {
	f := NewLineFramer()
	f.Feed([]byte("RGS 1 2 3 "))
	f.Reset()
	got := f.Feed([]byte("1\r\n"))
	want := []string{"1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
