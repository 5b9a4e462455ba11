package bridge

import (
	"errors"
	"net/http"
)

// Sentinel error taxonomy (spec §7). Matched with errors.Is at the HTTP
// boundary; never compared by string.
var (
	ErrNotConnected      = errors.New("bridge: not connected")
	ErrInvalidInput      = errors.New("bridge: invalid input")
	ErrAwaitersSaturated = errors.New("bridge: awaiters saturated")
	ErrTimeout           = errors.New("bridge: timeout")
	ErrDisconnected      = errors.New("bridge: disconnected")
	ErrTransientWrite    = errors.New("bridge: transient write error")
)

// StatusFor maps a sentinel error to the HTTP status code SPEC_FULL.md's §7
// assigns it. Unrecognized errors map to 500, matching the teacher's
// inline http.Error(w, msg, code) fallback style in cmd/stub-engine/main.go.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAwaitersSaturated):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrDisconnected):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransientWrite):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
