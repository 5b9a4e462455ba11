package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// whitelistEntry is the on-disk shape of one whitelist triple.
type whitelistEntry struct {
	M int `json:"m"`
	S int `json:"s"`
	B int `json:"b"`
}

// Whitelist gates which switch addresses the push pipeline will act on
// (spec §4.8). The backing set is swapped atomically on Reload so readers
// never observe a partially-rebuilt set — generalizes the teacher's
// atomic-write-then-rename idiom in config_editor.go to an in-process
// atomic pointer swap instead of a file rename.
type Whitelist struct {
	path   string
	strict bool
	set    atomic.Pointer[map[string]struct{}]
}

// NewWhitelist constructs a Whitelist for path with the given empty-set
// policy and loads it immediately.
func NewWhitelist(path string, strict bool) (*Whitelist, error) {
	w := &Whitelist{path: path, strict: strict}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload re-reads path and atomically swaps the backing set. A missing
// file is treated as an empty whitelist (subject to the strict/permissive
// policy), not an error — a bridge with no whitelist configured yet must
// still start.
func (w *Whitelist) Reload() error {
	b, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			empty := make(map[string]struct{})
			w.set.Store(&empty)
			return nil
		}
		return fmt.Errorf("whitelist: read %s: %w", w.path, err)
	}

	var entries []whitelistEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return fmt.Errorf("whitelist: parse %s: %w", w.path, err)
	}

	next := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		sa, err := ParseSA(e.M, e.S, e.B)
		if err != nil {
			return fmt.Errorf("whitelist: %s: invalid entry {m:%d s:%d b:%d}: %w", w.path, e.M, e.S, e.B, err)
		}
		next[sa.Key()] = struct{}{}
	}
	w.set.Store(&next)
	return nil
}

// Contains reports whether sa is allowed, per spec §4.8: an empty backing
// set denies everything if strict, allows everything if permissive.
func (w *Whitelist) Contains(sa SA) bool {
	set := w.set.Load()
	if set == nil || len(*set) == 0 {
		return !w.strict
	}
	_, ok := (*set)[sa.Key()]
	return ok
}

// Entries returns every currently whitelisted address, for the peripheral
// GET /whitelist endpoint. Order is unspecified.
func (w *Whitelist) Entries() []SA {
	set := w.set.Load()
	if set == nil {
		return nil
	}
	out := make([]SA, 0, len(*set))
	for k := range *set {
		var sa SA
		if _, err := fmt.Sscanf(k, "%d-%d-%d", &sa.M, &sa.S, &sa.B); err == nil {
			out = append(out, sa)
		}
	}
	return out
}

// Len reports the current whitelist size.
func (w *Whitelist) Len() int {
	set := w.set.Load()
	if set == nil {
		return 0
	}
	return len(*set)
}

// Strict reports the configured empty-set policy.
func (w *Whitelist) Strict() bool { return w.strict }

// Path reports the configured backing file path.
func (w *Whitelist) Path() string { return w.path }
