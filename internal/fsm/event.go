// Package fsm implements the peer state machine as a pure transition
// function plus a separate effect runner, per the design note in
// server/fsm.go's Go reimagining: state and event are sum types, and
// (state, event, peer, now) -> (next_state, effects) never touches a
// socket or timer directly. internal/ioloop is the only caller of both
// Transition and the effect runner.
package fsm

import (
	"time"

	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/peer"
)

// EventKind identifies one FSM input (RFC 4271 §8.1's event list,
// simplified to what this engine actually distinguishes).
type EventKind int

const (
	EvStart EventKind = iota
	EvConnOpen
	EvConnOpenFail
	EvConnFatal
	EvConnClosed
	EvConnectRetryExpiry
	EvHoldExpiry
	EvKeepaliveExpiry
	EvIdleHoldExpiry
	EvIdleHoldResetExpiry
	EvRestartTimeoutExpiry
	EvRcvdOpen
	EvRcvdKeepalive
	EvRcvdUpdate
	EvRcvdNotification
	EvRcvdRouteRefresh
	EvStop
)

func (k EventKind) String() string {
	switch k {
	case EvStart:
		return "Start"
	case EvConnOpen:
		return "ConnOpen"
	case EvConnOpenFail:
		return "ConnOpenFail"
	case EvConnFatal:
		return "ConnFatal"
	case EvConnClosed:
		return "ConnClosed"
	case EvConnectRetryExpiry:
		return "ConnectRetryExpiry"
	case EvHoldExpiry:
		return "HoldExpiry"
	case EvKeepaliveExpiry:
		return "KeepaliveExpiry"
	case EvIdleHoldExpiry:
		return "IdleHoldExpiry"
	case EvIdleHoldResetExpiry:
		return "IdleHoldResetExpiry"
	case EvRestartTimeoutExpiry:
		return "RestartTimeoutExpiry"
	case EvRcvdOpen:
		return "RcvdOpen"
	case EvRcvdKeepalive:
		return "RcvdKeepalive"
	case EvRcvdUpdate:
		return "RcvdUpdate"
	case EvRcvdNotification:
		return "RcvdNotification"
	case EvRcvdRouteRefresh:
		return "RcvdRouteRefresh"
	case EvStop:
		return "Stop"
	}
	return "unknown"
}

// Event is one input delivered to Transition. Open/Update/Notification/
// RouteRefresh carry their decoded payload; other kinds leave Msg nil.
type Event struct {
	Kind EventKind
	Msg  *msg.Message
	Err  *bgp.Error // set for EvConnFatal and protocol-violation-derived EvConnClosed
}

// RolePolicy and restart-policy knobs the transition function needs but
// that live on the engine, not the peer, since they're process-wide
// configuration rather than per-session state.
type Policy struct {
	Role             capability.RolePolicy
	MinHoldtime      uint16
	IdleHoldCeiling  time.Duration
	IdleHoldResetAge time.Duration
	RestartTimeout   time.Duration
}
