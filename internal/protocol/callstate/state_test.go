package callstate

import (
	"e2e_call/internal/model"
	"testing"

	"github.com/stretchr/testify/assert"
)

var all = []model.CallStatus{
	model.CallStatusRinging,
	model.CallStatusActive,
	model.CallStatusEnded,
	model.CallStatusRejected,
	model.CallStatusMissed,
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]model.CallStatus]bool{
		{model.CallStatusRinging, model.CallStatusActive}:   true,
		{model.CallStatusRinging, model.CallStatusRejected}: true,
		{model.CallStatusRinging, model.CallStatusEnded}:    true,
		{model.CallStatusRinging, model.CallStatusMissed}:   true,
		{model.CallStatusActive, model.CallStatusEnded}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]model.CallStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, s := range []model.CallStatus{model.CallStatusEnded, model.CallStatusRejected, model.CallStatusMissed} {
		assert.True(t, IsTerminal(s))
		for _, to := range all {
			assert.False(t, CanTransition(s, to))
		}
	}
	assert.False(t, IsTerminal(model.CallStatusRinging))
	assert.False(t, IsTerminal(model.CallStatusActive))
}

func TestTracker_IgnoresStaleAndDuplicate(t *testing.T) {
	tr := NewTracker()

	assert.False(t, tr.Observe(model.CallStatusRinging))
	assert.True(t, tr.Observe(model.CallStatusActive))
	assert.False(t, tr.Observe(model.CallStatusActive))
	// stale snapshot replayed after the answer
	assert.False(t, tr.Observe(model.CallStatusRinging))
	assert.False(t, tr.Observe(model.CallStatusRejected))
	assert.True(t, tr.Observe(model.CallStatusEnded))
	assert.False(t, tr.Observe(model.CallStatusEnded))
	assert.False(t, tr.Observe(model.CallStatusActive))
	assert.False(t, tr.Observe(model.CallStatusMissed))
}

func TestTracker_RejectedIsFinal(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.Observe(model.CallStatusRejected))
	assert.False(t, tr.Observe(model.CallStatusEnded))
	assert.False(t, tr.Observe(model.CallStatusActive))
}

func TestValid(t *testing.T) {
	for _, s := range all {
		assert.True(t, Valid(s))
	}
	assert.False(t, Valid("pending"))
}
