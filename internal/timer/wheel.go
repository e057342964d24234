// Package timer implements a per-peer named-deadline wheel: a small
// fixed-size set of optional deadlines, no heap needed since each peer
// only ever has 8 possible timers armed at once.
//
// Grounded on taktv6/tbgp's server/fsm.go, which keeps one *time.Timer
// field per named timer (holdTimer, keepaliveTimer, connectRetryTimer,
// delayOpenTimer) plus ad hoc stop/reset helpers (stopTimer,
// resetConnectRetryTimer). This package generalizes those fields into one
// indexed array so the FSM can be a pure function instead of owning
// *time.Timer state itself.
package timer

import "time"

// Name identifies one of the eight timers a peer may have armed.
type Name int

const (
	Hold Name = iota
	SendHold
	Keepalive
	ConnectRetry
	IdleHold
	IdleHoldReset
	CarpUndemote
	RestartTimeout

	numTimers
)

func (n Name) String() string {
	switch n {
	case Hold:
		return "Hold"
	case SendHold:
		return "SendHold"
	case Keepalive:
		return "Keepalive"
	case ConnectRetry:
		return "ConnectRetry"
	case IdleHold:
		return "IdleHold"
	case IdleHoldReset:
		return "IdleHoldReset"
	case CarpUndemote:
		return "CarpUndemote"
	case RestartTimeout:
		return "RestartTimeout"
	}
	return "unknown"
}

// Wheel is one peer's set of named deadlines. The zero value is a valid,
// fully-disarmed wheel.
type Wheel struct {
	deadlines [numTimers]time.Time // zero Time means disarmed
}

// Set arms name to fire at now+in. The deadline is always strictly in the
// future, so in must be > 0; callers that want to fire "now" should
// deliver the event directly instead of arming a timer.
func (w *Wheel) Set(name Name, now time.Time, in time.Duration) {
	w.deadlines[name] = now.Add(in)
}

// Stop disarms name. Stopping an already-disarmed timer is a no-op.
func (w *Wheel) Stop(name Name) {
	w.deadlines[name] = time.Time{}
}

// StopAllExcept disarms every timer except those listed, used when a peer
// enters Idle.
func (w *Wheel) StopAllExcept(keep ...Name) {
	keepSet := make(map[Name]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for n := Name(0); n < numTimers; n++ {
		if !keepSet[n] {
			w.deadlines[n] = time.Time{}
		}
	}
}

// Running reports whether name is armed.
func (w *Wheel) Running(name Name) bool {
	return !w.deadlines[name].IsZero()
}

// Deadline returns name's absolute deadline and whether it is armed.
func (w *Wheel) Deadline(name Name) (time.Time, bool) {
	d := w.deadlines[name]
	return d, !d.IsZero()
}

// NextDueBefore returns the earliest-armed timer whose deadline is <= now,
// disarming it as a side effect so each expiry is delivered exactly once.
// Ties are broken by Name order, lowest first, for determinism.
func (w *Wheel) NextDueBefore(now time.Time) (Name, bool) {
	for n := Name(0); n < numTimers; n++ {
		d := w.deadlines[n]
		if d.IsZero() {
			continue
		}
		if !d.After(now) {
			w.deadlines[n] = time.Time{}
			return n, true
		}
	}
	return 0, false
}

// NextDeadline returns the earliest deadline across all armed timers, used
// by the I/O loop to size its poll timeout.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for n := Name(0); n < numTimers; n++ {
		d := w.deadlines[n]
		if d.IsZero() {
			continue
		}
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}
