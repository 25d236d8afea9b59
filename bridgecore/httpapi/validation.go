package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// parseTimeout reads the timeout_ms query parameter. Absent or zero means
// the default; values above max are clamped, negatives are rejected.
func parseTimeout(r *http.Request, def, max time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return def, nil
	}

	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("timeout_ms must be an integer, got %q", raw)
	}
	if ms < 0 {
		return 0, fmt.Errorf("timeout_ms must not be negative, got %d", ms)
	}
	if ms == 0 {
		return def, nil
	}

	timeout := time.Duration(ms) * time.Millisecond
	if timeout > max {
		timeout = max
	}
	return timeout, nil
}

// parseMax reads the max query parameter for batch size. Absent means the
// default; values above limit are clamped, non-positives are rejected.
func parseMax(r *http.Request, def, limit int) (int, error) {
	raw := r.URL.Query().Get("max")
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("max must be an integer, got %q", raw)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max must be positive, got %d", n)
	}
	if n > limit {
		n = limit
	}
	return n, nil
}
