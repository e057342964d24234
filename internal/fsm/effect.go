package fsm

import (
	"time"

	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/timer"
)

// Effect is one side effect Transition asks the caller to perform. Effects
// are data, not closures, so a test can assert on the exact sequence
// Transition produced without touching a socket, a timer, or the RDE pipe.
type Effect interface{ isEffect() }

// SendMessage queues raw wire bytes on the peer's output queue.
type SendMessage struct{ Bytes []byte }

// ArmTimer sets a named timer to fire In from now.
type ArmTimer struct {
	Name timer.Name
	In   time.Duration
}

// StopTimer disarms a named timer.
type StopTimer struct{ Name timer.Name }

// StopAllTimersExcept disarms every timer except those named.
type StopAllTimersExcept struct{ Keep []timer.Name }

// CloseSocket tears down the peer's current TCP connection, if any.
type CloseSocket struct{}

// InitiateConnect asks the I/O loop to start a non-blocking outbound
// connect to the peer's configured remote address.
type InitiateConnect struct{}

// ReleaseBuffers asks the caller to free the read buffer and output
// queue, mirroring peer.Peer.ReleaseBuffers.
type ReleaseBuffers struct{}

// AllocateBuffers asks the caller to allocate the read buffer and output
// queue, mirroring peer.Peer.AllocateBuffers.
type AllocateBuffers struct{}

// SessionUp notifies the RDE a session reached Established.
type SessionUp struct {
	Negotiated *capability.Set
	LocalAddr  string
	RemoteAddr string
}

// SessionDown notifies the RDE a session left Established without a
// graceful-restart transition.
type SessionDown struct{}

// SessionStale notifies the RDE to mark one AFI's routes stale but keep
// them, per the graceful-restart bookkeeping.
type SessionStale struct{ AFI capability.AFISAFI }

// SessionNograce notifies the RDE to flush one AFI's routes immediately
// because graceful restart was not negotiated for it.
type SessionNograce struct{ AFI capability.AFISAFI }

// SessionFlush notifies the RDE to flush one AFI's still-stale routes
// because RestartTimeout fired before the peer returned.
type SessionFlush struct{ AFI capability.AFISAFI }

// SessionRestarted notifies the RDE that re-establishment completed
// readvertisement for one AFI.
type SessionRestarted struct{ AFI capability.AFISAFI }

// ForwardUpdate passes a raw UPDATE body to the RDE.
type ForwardUpdate struct{ Body []byte }

// RequestRefresh asks the RDE to resend routes for one AFI/SAFI
// (ROUTE-REFRESH received from the peer).
type RequestRefresh struct{ AFI capability.AFISAFI }

// IncrementErrorCount bumps the peer's error counter and doubles its
// IdleHold backoff (capped).
type IncrementErrorCount struct{}

// SoftenIdleHold halves the peer's IdleHold backoff instead of doubling
// it — the capability-negotiation-error leniency.
type SoftenIdleHold struct{}

// ResetIdleHold clears the peer's error counter and IdleHold backoff.
type ResetIdleHold struct{}

// LogTransition records a state change for structured logging and any
// subscribed MRT dumper.
type LogTransition struct {
	From, To interface{ String() string }
	Event    EventKind
}

// NotificationPending marks that a NOTIFICATION was queued this
// transition, enforcing the "at most one per session" invariant on the
// peer's Stats.LastSentErrCode.
type NotificationPending struct {
	Code, Subcode uint8
}

func (SendMessage) isEffect()         {}
func (ArmTimer) isEffect()            {}
func (StopTimer) isEffect()           {}
func (StopAllTimersExcept) isEffect() {}
func (CloseSocket) isEffect()         {}
func (InitiateConnect) isEffect()     {}
func (ReleaseBuffers) isEffect()      {}
func (AllocateBuffers) isEffect()     {}
func (SessionUp) isEffect()           {}
func (SessionDown) isEffect()         {}
func (SessionStale) isEffect()        {}
func (SessionNograce) isEffect()      {}
func (SessionFlush) isEffect()        {}
func (SessionRestarted) isEffect()    {}
func (ForwardUpdate) isEffect()       {}
func (RequestRefresh) isEffect()      {}
func (IncrementErrorCount) isEffect() {}
func (SoftenIdleHold) isEffect()      {}
func (ResetIdleHold) isEffect()       {}
func (LogTransition) isEffect()       {}
func (NotificationPending) isEffect() {}

// notification builds the SendMessage+NotificationPending effect pair
// for a NOTIFICATION of the given code/subcode, with optional data.
func notification(code, subcode uint8, data []byte) []Effect {
	raw := msg.EncodeNotification(&msg.Notification{Code: code, Subcode: subcode, Data: data})
	return []Effect{
		SendMessage{Bytes: raw},
		NotificationPending{Code: code, Subcode: subcode},
	}
}
