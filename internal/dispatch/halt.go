package dispatch

import (
	"sync"
	"time"
)

// HaltState is a snapshot of the live-trading halt.
type HaltState struct {
	Halted bool      `json:"halted"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Halt latches after an exchange authentication failure and stays set until
// an operator acknowledges it.
type Halt struct {
	mu    sync.RWMutex
	state HaltState
	now   func() time.Time
}

// NewHalt creates a cleared Halt.
func NewHalt() *Halt {
	return &Halt{now: time.Now}
}

// Trip sets the halt. It returns true only for the call that set it.
func (h *Halt) Trip(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Halted {
		return false
	}
	h.state = HaltState{Halted: true, Reason: reason, Since: h.now()}
	return true
}

// Acknowledge clears the halt and returns the state it cleared.
func (h *Halt) Acknowledge() (HaltState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.state
	h.state = HaltState{}
	return prev, prev.Halted
}

// Halted reports whether live trading is halted.
func (h *Halt) Halted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Halted
}

// State returns the current state.
func (h *Halt) State() HaltState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}
