package session

import (
	"time"
)

// JanitorConfig holds configurable ledger sweep parameters.
type JanitorConfig struct {
	// Interval is how often to sweep the command ledger (default: 30 seconds).
	Interval time.Duration
	// StuckExecutingAfter is the age at which an executing command is
	// logged as stuck (default: 10 minutes). The host offers no interrupt
	// primitive, so the janitor can only report, not cancel.
	StuckExecutingAfter time.Duration
}

// DefaultJanitorConfig returns default janitor configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:            30 * time.Second,
		StuckExecutingAfter: 10 * time.Minute,
	}
}

// StartJanitor starts a background goroutine that periodically evicts
// fully consumed ledger entries and reports stuck commands.
// Returns a stop function that should be called to stop the loop.
func (s *Session) StartJanitor(cfg JanitorConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultJanitorConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.runJanitorCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// runJanitorCycle performs a single sweep with panic recovery.
//
// A terminal ledger entry is evicted only after its result has left the
// store. While either side remembers the command, a late duplicate
// publication can still be caught; once both are gone, a stray publish
// degrades to a warned unknown-command rejection.
func (s *Session) runJanitorCycle(cfg JanitorConfig) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Error("janitor_panic_recovered", "error", r)
			}
		}
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	evicted := 0
	for _, commandID := range s.queue.TerminalIDs() {
		if s.store.Has(commandID) {
			continue
		}
		if s.queue.Evict(commandID) {
			evicted++
		}
	}

	stuck := s.queue.ExecutingLongerThan(cfg.StuckExecutingAfter)
	for _, commandID := range stuck {
		if s.logger != nil {
			s.logger.Warn("command_stuck_executing",
				"command_id", commandID,
				"threshold", cfg.StuckExecutingAfter.String())
		}
	}

	if s.logger != nil {
		s.logger.Debug("janitor_cycle_completed",
			"evicted", evicted,
			"stuck", len(stuck))
	}
}
