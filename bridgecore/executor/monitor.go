package executor

import (
	"sync"
	"time"

	"github.com/atelier-systems/modelbridge/bridgecore/observability"
	"github.com/atelier-systems/modelbridge/commbridge"
)

// =============================================================================
// HOST STATUS
// =============================================================================

// HostStatus describes the monitor's view of host liveness.
type HostStatus string

const (
	// StatusHealthy means the host polled recently.
	StatusHealthy HostStatus = "healthy"
	// StatusSuspect means the host has been silent long enough to worry.
	StatusSuspect HostStatus = "suspect"
	// StatusDown means the host has been silent past the dead threshold.
	StatusDown HostStatus = "down"
)

// String returns the status as a string.
func (s HostStatus) String() string {
	return string(s)
}

// HealthPolicy holds the liveness thresholds.
type HealthPolicy struct {
	// SuspectAfter is the poll silence before the host is suspect.
	SuspectAfter time.Duration
	// DeadAfter is the poll silence before the host is down.
	DeadAfter time.Duration
	// CheckInterval is how often the background check re-evaluates.
	CheckInterval time.Duration
	// MaxConsecutiveFailures is the marshal timeout streak that pauses dispatch.
	MaxConsecutiveFailures int
	// RetryBackoff is how long dispatch stays paused after such a streak.
	RetryBackoff time.Duration
}

// DefaultHealthPolicy returns default liveness thresholds.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		SuspectAfter:           30 * time.Second,
		DeadAfter:              2 * time.Minute,
		CheckInterval:          10 * time.Second,
		MaxConsecutiveFailures: 3,
		RetryBackoff:           30 * time.Second,
	}
}

// =============================================================================
// HOST MONITOR
// =============================================================================

// HostMonitor tracks host liveness from its polling and result activity.
//
// In remote mode the transport feeds it (every drain is a poll, every
// posted result is a result); in loopback mode the executor does. Status
// derives from poll silence; a streak of marshal timeouts additionally
// pauses dispatching for a backoff window.
type HostMonitor struct {
	mu     sync.Mutex
	policy HealthPolicy

	lastPoll            time.Time
	lastResult          time.Time
	consecutiveFailures int
	pausedUntil         time.Time
	status              HostStatus

	feed   *commbridge.Feed // may be nil
	logger Logger
}

// NewHostMonitor creates a monitor. The feed may be nil; status change
// events are then only logged.
func NewHostMonitor(policy HealthPolicy, feed *commbridge.Feed, logger Logger) *HostMonitor {
	return &HostMonitor{
		policy:   policy,
		lastPoll: time.Now().UTC(),
		status:   StatusHealthy,
		feed:     feed,
		logger:   logger,
	}
}

// RecordPoll notes that the host asked for work just now.
func (m *HostMonitor) RecordPoll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPoll = time.Now().UTC()
	m.evaluateLocked()
}

// RecordResult notes that the host delivered a result just now.
func (m *HostMonitor) RecordResult() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastResult = time.Now().UTC()
	m.lastPoll = m.lastResult // a result is proof of life too
	m.evaluateLocked()
}

// RecordMarshalTimeout notes an owner-thread timeout. A streak past the
// policy threshold pauses dispatching for the backoff window.
func (m *HostMonitor) RecordMarshalTimeout() {
	observability.RecordMarshalTimeout()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveFailures++
	if m.consecutiveFailures >= m.policy.MaxConsecutiveFailures && m.pausedUntil.IsZero() {
		m.pausedUntil = time.Now().UTC().Add(m.policy.RetryBackoff)
		if m.logger != nil {
			m.logger.Warn("host_dispatch_paused",
				"consecutive_failures", m.consecutiveFailures,
				"backoff", m.policy.RetryBackoff.String())
		}
	}
}

// RecordRecovered notes a successful round trip, clearing any failure
// streak and pause.
func (m *HostMonitor) RecordRecovered() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutiveFailures > 0 && m.logger != nil {
		m.logger.Info("host_recovered", "cleared_failures", m.consecutiveFailures)
	}
	m.consecutiveFailures = 0
	m.pausedUntil = time.Time{}
}

// Status returns the current liveness status.
func (m *HostMonitor) Status() HostStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluateLocked()
	return m.status
}

// PauseRemaining returns how much longer dispatching should stay paused,
// or zero.
func (m *HostMonitor) PauseRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pausedUntil.IsZero() {
		return 0
	}
	remaining := time.Until(m.pausedUntil)
	if remaining <= 0 {
		m.pausedUntil = time.Time{}
		return 0
	}
	return remaining
}

// evaluateLocked recomputes status from poll silence. Caller holds the lock.
func (m *HostMonitor) evaluateLocked() {
	silence := time.Since(m.lastPoll)

	next := StatusHealthy
	switch {
	case silence >= m.policy.DeadAfter:
		next = StatusDown
	case silence >= m.policy.SuspectAfter:
		next = StatusSuspect
	}

	if next == m.status {
		return
	}
	prev := m.status
	m.status = next
	observability.SetHostStatus(next.String())

	if m.logger != nil {
		m.logger.Info("host_status_changed",
			"from", prev.String(),
			"to", next.String(),
			"poll_silence", silence.String())
	}
	if m.feed != nil {
		m.feed.Publish(commbridge.Event{
			Type:      commbridge.EventHostStatusChanged,
			Timestamp: time.Now().UTC(),
			Detail: map[string]any{
				"from": prev.String(),
				"to":   next.String(),
			},
		})
	}
}

// Start launches the periodic liveness check.
// Returns a stop function that should be called to stop the loop.
func (m *HostMonitor) Start() func() {
	interval := m.policy.CheckInterval
	if interval <= 0 {
		interval = DefaultHealthPolicy().CheckInterval
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				m.Status()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// Snapshot returns the monitor's view for status endpoints.
func (m *HostMonitor) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluateLocked()

	snap := map[string]any{
		"status":               m.status.String(),
		"poll_silence_seconds": time.Since(m.lastPoll).Seconds(),
		"consecutive_failures": m.consecutiveFailures,
		"paused":               !m.pausedUntil.IsZero() && time.Now().Before(m.pausedUntil),
	}
	if !m.lastResult.IsZero() {
		snap["last_result_age_seconds"] = time.Since(m.lastResult).Seconds()
	}
	return snap
}
