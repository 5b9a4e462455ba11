package bridge

import (
	"fmt"
	"strconv"
)

// SA is a switch address (master, station, button). All components are
// non-negative; equality is by value, so SA is safe as a map key.
type SA struct {
	M, S, B int
}

// Key returns the canonical wire-form key used for AwaiterRegistry and cache
// lookups: "m-s-b".
func (a SA) Key() string {
	return strconv.Itoa(a.M) + "-" + strconv.Itoa(a.S) + "-" + strconv.Itoa(a.B)
}

// Display returns the "m/s/b" display form; String returns the same text.
func (a SA) Display() string {
	return strconv.Itoa(a.M) + "/" + strconv.Itoa(a.S) + "/" + strconv.Itoa(a.B)
}

func (a SA) String() string { return a.Display() }

// ParseSA validates and builds an SA from three non-negative integers.
func ParseSA(m, s, b int) (SA, error) {
	if m < 0 || s < 0 || b < 0 {
		return SA{}, fmt.Errorf("%w: switch address components must be >= 0 (got %d,%d,%d)", ErrInvalidInput, m, s, b)
	}
	return SA{M: m, S: s, B: b}, nil
}

// LA is a load address (master, enclosure 1..4, module 1..4, load 1..8).
type LA struct {
	M, Enclosure, Module, Load int
}

// Key returns the canonical "m-e-mod-l" form used for cache/awaiter lookups.
func (a LA) Key() string {
	return strconv.Itoa(a.M) + "-" + strconv.Itoa(a.Enclosure) + "-" + strconv.Itoa(a.Module) + "-" + strconv.Itoa(a.Load)
}

func (a LA) String() string { return a.Key() }

// ParseLA validates and builds an LA per the ranges in the data model
// (enclosure and module in 1..4, load in 1..8).
func ParseLA(m, enclosure, module, load int) (LA, error) {
	if m < 0 {
		return LA{}, fmt.Errorf("%w: load address master must be >= 0 (got %d)", ErrInvalidInput, m)
	}
	if enclosure < 1 || enclosure > 4 {
		return LA{}, fmt.Errorf("%w: load address enclosure must be 1..4 (got %d)", ErrInvalidInput, enclosure)
	}
	if module < 1 || module > 4 {
		return LA{}, fmt.Errorf("%w: load address module must be 1..4 (got %d)", ErrInvalidInput, module)
	}
	if load < 1 || load > 8 {
		return LA{}, fmt.Errorf("%w: load address load must be 1..8 (got %d)", ErrInvalidInput, load)
	}
	return LA{M: m, Enclosure: enclosure, Module: module, Load: load}, nil
}
