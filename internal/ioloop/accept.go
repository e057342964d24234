package ioloop

import (
	"time"

	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/openbgpd-go/sessiond/internal/timer"
)

// AcceptAction is what the loop should do with a newly accepted fd once
// the peer it came from has been identified by source address.
//
// Grounded on server/fsm.go's isPassive/dumpCon/resolveCollision, but
// simplified: this system enforces "at most one TCP connection per
// peer" structurally (by the cases below) instead of RFC 1771's
// explicit collision-detection comparison of router IDs.
type AcceptAction int

const (
	// AcceptReject means log and close the accepted fd without touching
	// any peer state: either no peer/template matched the source
	// address, or the matching peer is in a state where a second
	// connection makes no sense.
	AcceptReject AcceptAction = iota
	// AcceptStartPassive starts an Idle, fast-reconnect-eligible peer
	// passively on the accepted fd (skips the outbound Connect/Active
	// states entirely).
	AcceptStartPassive
	// AcceptAdopt closes any in-flight outbound attempt and adopts the
	// accepted fd as the peer's connection, driving a ConnOpen event.
	AcceptAdopt
	// AcceptGracefulRestartThenAdopt means the peer is Established with
	// graceful restart negotiated: perform the graceful-restart
	// connection-loss transition first, then adopt the new fd as if it
	// were a fresh AcceptAdopt.
	AcceptGracefulRestartThenAdopt
)

// FastReconnectErrorCeiling bounds ErrorCount below which an Idle peer
// is still considered to be in its initial backoff rather than
// actively flapping, and so is allowed to accept a passive connection
// immediately instead of waiting out the rest of IdleHold.
const FastReconnectErrorCeiling = 2

// DecideAccept classifies an inbound connection for a peer that has
// already been resolved by source address (nil means no peer or
// template matched).
func DecideAccept(p *peer.Peer) AcceptAction {
	if p == nil {
		return AcceptReject
	}
	switch p.State {
	case peer.Idle:
		if p.ErrorCount < FastReconnectErrorCeiling && p.Timers.Running(timer.IdleHold) {
			return AcceptStartPassive
		}
		return AcceptReject
	case peer.Connect, peer.Active:
		return AcceptAdopt
	case peer.Established:
		if hasNegotiatedGR(p) {
			return AcceptGracefulRestartThenAdopt
		}
		return AcceptReject
	default:
		return AcceptReject
	}
}

func hasNegotiatedGR(p *peer.Peer) bool {
	for _, st := range p.GR {
		if st.IsPresent() {
			return true
		}
	}
	return false
}

// PauseAccept tracks the EMFILE/ENFILE back-off window during which the
// loop omits listeners from its poll set.
type PauseAccept struct {
	until time.Time
}

// Trigger starts (or extends) a pause of at least minPause from now.
func (pa *PauseAccept) Trigger(now time.Time, minPause time.Duration) {
	deadline := now.Add(minPause)
	if deadline.After(pa.until) {
		pa.until = deadline
	}
}

// Active reports whether listeners should currently be omitted from the
// poll set.
func (pa *PauseAccept) Active(now time.Time) bool {
	return now.Before(pa.until)
}
