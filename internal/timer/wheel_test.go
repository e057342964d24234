package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetAndExpire(t *testing.T) {
	var w Wheel
	now := time.Unix(1000, 0)
	w.Set(Hold, now, 30*time.Second)

	assert.True(t, w.Running(Hold))

	name, ok := w.NextDueBefore(now.Add(29 * time.Second))
	assert.False(t, ok)
	_ = name

	name, ok = w.NextDueBefore(now.Add(30 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, Hold, name)

	// Expiry delivers exactly once: armed state is cleared.
	assert.False(t, w.Running(Hold))
	_, ok = w.NextDueBefore(now.Add(31 * time.Second))
	assert.False(t, ok)
}

func TestStopAllExceptIdleHold(t *testing.T) {
	var w Wheel
	now := time.Unix(1000, 0)
	w.Set(Hold, now, 10*time.Second)
	w.Set(Keepalive, now, 5*time.Second)
	w.Set(IdleHold, now, 5*time.Second)

	w.StopAllExcept(IdleHold, IdleHoldReset)

	assert.False(t, w.Running(Hold))
	assert.False(t, w.Running(Keepalive))
	assert.True(t, w.Running(IdleHold))
}

func TestNextDeadlineTakesTheEarliest(t *testing.T) {
	var w Wheel
	now := time.Unix(1000, 0)
	w.Set(Hold, now, 90*time.Second)
	w.Set(Keepalive, now, 30*time.Second)

	d, ok := w.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), d)
}

func TestNextDeadlineEmptyWheel(t *testing.T) {
	var w Wheel
	_, ok := w.NextDeadline()
	assert.False(t, ok)
}
