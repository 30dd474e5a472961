package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeviceLab/internal/config"
)

// DefaultPollInterval bounds how often WaitForState re-checks the state.
func DefaultPollInterval() time.Duration {
	return config.Duration("DEVICELAB_MONITOR_POLL_INTERVAL", 250*time.Millisecond)
}

// StateMonitor is the per-device reachability state machine. Writes come from
// two sources only: transport events (connect/disconnect/state-changed) and
// explicit failure marks from command execution. Waiting never mutates state.
type StateMonitor struct {
	mu           sync.Mutex
	state        State
	frozen       int
	pollInterval time.Duration
}

// NewStateMonitor returns a monitor starting in the given state.
func NewStateMonitor(initial State) *StateMonitor {
	return &StateMonitor{state: initial, pollInterval: DefaultPollInterval()}
}

// State returns the current state. Safe to call concurrently with writers.
func (m *StateMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState records a state decided by command execution (e.g. unresponsive
// after a failed shell command). Always applied, even while frozen.
func (m *StateMonitor) SetState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("device state set")
	}
}

// ApplyTransportState records a state delivered by the transport layer. While
// a fastboot command is in flight the monitor is frozen and transport
// transitions are dropped, so a device busy in a long bootloader operation is
// not reclassified mid-command. Returns false when the update was dropped.
func (m *StateMonitor) ApplyTransportState(s State) bool {
	m.mu.Lock()
	if m.frozen > 0 {
		m.mu.Unlock()
		log.Debug().Str("dropped", string(s)).Msg("transport state ignored while frozen")
		return false
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("device state changed")
	}
	return true
}

// Freeze suspends transport-driven transitions until Thaw.
func (m *StateMonitor) Freeze() {
	m.mu.Lock()
	m.frozen++
	m.mu.Unlock()
}

// Thaw re-enables transport-driven transitions.
func (m *StateMonitor) Thaw() {
	m.mu.Lock()
	if m.frozen > 0 {
		m.frozen--
	}
	m.mu.Unlock()
}

// SetPollInterval overrides the wait poll interval; intended for tests.
func (m *StateMonitor) SetPollInterval(d time.Duration) {
	m.mu.Lock()
	m.pollInterval = d
	m.mu.Unlock()
}

// WaitForState blocks until the device reaches want or the timeout elapses,
// polling at a bounded interval. Returns false on timeout or context
// cancellation. A timeout of zero or less means wait indefinitely.
func (m *StateMonitor) WaitForState(ctx context.Context, want State, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if m.State() == want {
			return true
		}
		m.mu.Lock()
		interval := m.pollInterval
		m.mu.Unlock()
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			if remaining < interval {
				interval = remaining
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}
