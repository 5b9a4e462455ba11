package bridge

import "testing"

func TestParseSA_RejectsNegative(t *testing.T) {
	if _, err := ParseSA(-1, 0, 0); err == nil {
		t.Fatal("expected error for negative master")
	}
}

func TestParseSA_KeyAndDisplay(t *testing.T) {
	sa, err := ParseSA(1, 2, 3)
	if err != nil {
		t.Fatalf("ParseSA err=%v", err)
	}
	if sa.Key() != "1-2-3" {
		t.Fatalf("Key() = %q", sa.Key())
	}
	if sa.Display() != "1/2/3" {
		t.Fatalf("Display() = %q", sa.Display())
	}
}

func TestParseLA_EnclosureModuleLoadRanges(t *testing.T) {
	if _, err := ParseLA(1, 0, 1, 1); err == nil {
		t.Fatal("expected error for enclosure 0")
	}
	if _, err := ParseLA(1, 5, 1, 1); err == nil {
		t.Fatal("expected error for enclosure 5")
	}
	if _, err := ParseLA(1, 1, 1, 9); err == nil {
		t.Fatal("expected error for load 9")
	}
	la, err := ParseLA(1, 1, 1, 1)
	if err != nil {
		t.Fatalf("ParseLA err=%v", err)
	}
	if la.Key() != "1-1-1-1" {
		t.Fatalf("Key() = %q", la.Key())
	}
}
