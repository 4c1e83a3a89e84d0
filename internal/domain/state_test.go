package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckTransition_LegalMoves(t *testing.T) {
	cases := []struct{ from, to TriggerState }{
		{StateWaiting, StateAcquired},
		{StateWaiting, StatePaused},
		{StateAcquired, StateExecuting},
		{StateExecuting, StateBlocked},
		{StateBlocked, StatePausedBlocked},
		{StatePausedBlocked, StateBlocked},
		{StateComplete, StateDeleted},
		{StateError, StateDeleted},
		{StateWaiting, StateWaiting},
	}
	for _, c := range cases {
		assert.NoError(t, CheckTransition(c.from, c.to), "%s -> %s should be legal", c.from, c.to)
	}
}

func TestCheckTransition_IllegalMoves(t *testing.T) {
	cases := []struct{ from, to TriggerState }{
		{StateComplete, StateWaiting},
		{StatePaused, StateExecuting},
		{StateDeleted, StateWaiting},
		{StatePausedBlocked, StateWaiting},
	}
	for _, c := range cases {
		err := CheckTransition(c.from, c.to)
		assert.Error(t, err, "%s -> %s should be illegal", c.from, c.to)
		assert.True(t, errors.Is(err, ErrIllegalStateTransition))
	}
}
