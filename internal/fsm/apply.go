package fsm

import (
	"time"

	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/peer"
)

// Sink performs the side effects Transition cannot: anything touching a
// real socket, the RDE pipe, or a logger. Apply calls exactly one Sink
// method per effect that needs one; everything else (timers, the output
// queue, peer-local bookkeeping) Apply does directly against p.
type Sink interface {
	Log(p *peer.Peer, e LogTransition)
	CloseSocket(p *peer.Peer)
	InitiateConnect(p *peer.Peer)
	SessionUp(p *peer.Peer, e SessionUp)
	SessionDown(p *peer.Peer)
	SessionStale(p *peer.Peer, afi capability.AFISAFI)
	SessionNograce(p *peer.Peer, afi capability.AFISAFI)
	SessionFlush(p *peer.Peer, afi capability.AFISAFI)
	SessionRestarted(p *peer.Peer, afi capability.AFISAFI)
	ForwardUpdate(p *peer.Peer, body []byte)
	RequestRefresh(p *peer.Peer, afi capability.AFISAFI)
}

// Apply commits next as p.State and performs every effect in order. It is
// the only place besides Transition that reasons about FSM semantics;
// internal/ioloop calls Transition then Apply and otherwise stays out of
// FSM business.
func Apply(p *peer.Peer, next peer.State, effects []Effect, now time.Time, sink Sink) {
	p.PrevState = p.State
	p.State = next

	for _, e := range effects {
		switch eff := e.(type) {
		case SendMessage:
			if p.Out == nil {
				p.AllocateBuffers()
			}
			p.Out.Enqueue(eff.Bytes)

		case ArmTimer:
			p.Timers.Set(eff.Name, now, eff.In)
		case StopTimer:
			p.Timers.Stop(eff.Name)
		case StopAllTimersExcept:
			p.Timers.StopAllExcept(eff.Keep...)

		case CloseSocket:
			sink.CloseSocket(p)
		case InitiateConnect:
			sink.InitiateConnect(p)
		case AllocateBuffers:
			p.AllocateBuffers()
		case ReleaseBuffers:
			p.ReleaseBuffers()

		case SessionUp:
			sink.SessionUp(p, eff)
		case SessionDown:
			sink.SessionDown(p)
		case SessionStale:
			sink.SessionStale(p, eff.AFI)
		case SessionNograce:
			sink.SessionNograce(p, eff.AFI)
		case SessionFlush:
			sink.SessionFlush(p, eff.AFI)
		case SessionRestarted:
			sink.SessionRestarted(p, eff.AFI)
		case ForwardUpdate:
			sink.ForwardUpdate(p, eff.Body)
		case RequestRefresh:
			sink.RequestRefresh(p, eff.AFI)

		case IncrementErrorCount:
			p.ErrorCount++
			p.DoubleIdleHold()
		case SoftenIdleHold:
			p.HalveIdleHold()
		case ResetIdleHold:
			p.ResetIdleHold()

		case LogTransition:
			sink.Log(p, eff)

		case NotificationPending:
			if p.Stats.LastSentErrCode == 0 {
				p.Stats.LastSentErrCode = eff.Code
				p.Stats.LastSentErrSubcode = eff.Subcode
			}
		}
	}
}
