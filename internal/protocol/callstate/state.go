package callstate

import (
	"e2e_call/internal/model"
	apperr "e2e_call/pkg/errors"
	"sync"
)

var ErrIllegalTransition = apperr.ErrIllegalTransition

var transitions = map[model.CallStatus][]model.CallStatus{
	model.CallStatusRinging: {
		model.CallStatusActive,
		model.CallStatusRejected,
		model.CallStatusEnded,
		model.CallStatusMissed,
	},
	model.CallStatusActive: {
		model.CallStatusEnded,
	},
}

// CanTransition reports whether a record in state from may be moved to to.
// Ended, rejected and missed are terminal.
func CanTransition(from, to model.CallStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s model.CallStatus) bool {
	switch s {
	case model.CallStatusEnded, model.CallStatusRejected, model.CallStatusMissed:
		return true
	}
	return false
}

func Valid(s model.CallStatus) bool {
	switch s {
	case model.CallStatusRinging, model.CallStatusActive, model.CallStatusEnded,
		model.CallStatusRejected, model.CallStatusMissed:
		return true
	}
	return false
}

// Tracker follows the status of one call as observed through snapshots.
// Snapshots can be replayed or arrive stale, so Observe only reports a status
// the first time a legal transition reaches it.
type Tracker struct {
	mu      sync.Mutex
	current model.CallStatus
}

// NewTracker starts a tracker in the ringing state.
func NewTracker() *Tracker {
	return &Tracker{current: model.CallStatusRinging}
}

// Observe applies s and returns true when it is a new, legal transition.
func (t *Tracker) Observe(s model.CallStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if IsTerminal(t.current) || s == t.current || !CanTransition(t.current, s) {
		return false
	}
	t.current = s
	return true
}
