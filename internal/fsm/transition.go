package fsm

import (
	"time"

	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/gracefulrestart"
	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/openbgpd-go/sessiond/internal/timer"
)

// initialOpenSentHold is the RFC-mandated hold value used for the first
// Hold timer arm in OpenSent, before any holdtime has been negotiated.
const initialOpenSentHold = 240 * time.Second

const connectRetryDefault = 120 * time.Second

// Transition computes the next state and side effects for one event. It
// never touches a socket/timer directly — the caller applies every
// returned Effect (including committing the state itself) via Apply. It
// does write some session data on p: a received OPEN stores PeerCaps,
// Negotiated, NegotiatedHoldtime and the GR Restarting marks, and the
// graceful-restart paths update p.GR's Restarting marks.
func Transition(p *peer.Peer, ev Event, pol Policy, now time.Time) (peer.State, []Effect) {
	from := p.State

	next, effects := dispatch(p, ev, pol, now)

	if next != from {
		effects = append([]Effect{LogTransition{From: from, To: next, Event: ev.Kind}}, effects...)
	}
	if next == peer.Idle && from != peer.Idle {
		effects = append(effects, enterIdle(p, from, ev, pol, now)...)
	}
	if next == peer.Established && from != peer.Established {
		effects = append(effects, enterEstablished(p, pol, now)...)
	}
	return next, effects
}

func dispatch(p *peer.Peer, ev Event, pol Policy, now time.Time) (peer.State, []Effect) {
	switch p.State {
	case peer.None, peer.Idle:
		return onIdle(p, ev, now)
	case peer.Connect:
		return onConnect(p, ev, now)
	case peer.Active:
		return onActive(p, ev, now)
	case peer.OpenSent:
		return onOpenSent(p, ev, pol, now)
	case peer.OpenConfirm:
		return onOpenConfirm(p, ev, now)
	case peer.Established:
		return onEstablished(p, ev, now)
	}
	return p.State, nil
}

func onIdle(p *peer.Peer, ev Event, now time.Time) (peer.State, []Effect) {
	switch ev.Kind {
	case EvStart, EvIdleHoldExpiry:
		effects := []Effect{AllocateBuffers{}}
		if p.Passive {
			return peer.Active, effects
		}
		effects = append(effects, InitiateConnect{}, ArmTimer{Name: timer.ConnectRetry, In: connectRetryDefault})
		return peer.Connect, effects
	case EvConnFatal, EvConnClosed:
		return peer.Idle, nil
	case EvRestartTimeoutExpiry:
		flush := gracefulrestart.OnRestartTimeout(grAFIStates(p))
		effects := make([]Effect, 0, len(flush))
		for _, afi := range flush {
			effects = append(effects, SessionFlush{AFI: afi})
		}
		return peer.Idle, effects
	}
	return peer.Idle, nil
}

func onConnect(p *peer.Peer, ev Event, now time.Time) (peer.State, []Effect) {
	switch ev.Kind {
	case EvConnOpen:
		return openSentOnConnOpen(p)
	case EvConnOpenFail:
		return peer.Active, []Effect{CloseSocket{}, ArmTimer{Name: timer.ConnectRetry, In: connectRetryDefault}}
	case EvConnectRetryExpiry:
		return peer.Connect, []Effect{InitiateConnect{}, ArmTimer{Name: timer.ConnectRetry, In: connectRetryDefault}}
	case EvConnFatal, EvConnClosed:
		return peer.Idle, nil
	}
	return peer.Connect, nil
}

func onActive(p *peer.Peer, ev Event, now time.Time) (peer.State, []Effect) {
	switch ev.Kind {
	case EvConnOpen:
		return openSentOnConnOpen(p)
	case EvConnectRetryExpiry:
		return peer.Connect, []Effect{InitiateConnect{}, ArmTimer{Name: timer.ConnectRetry, In: connectRetryDefault}}
	case EvConnFatal, EvConnClosed:
		return peer.Idle, nil
	}
	return peer.Active, nil
}

func openSentOnConnOpen(p *peer.Peer) (peer.State, []Effect) {
	open := &msg.Open{
		Version:      bgp.Version,
		ASN:          shortAS(p.LocalAS),
		HoldTime:     p.ConfiguredHoldtime,
		Identifier:   0, // filled by the caller from the engine's router-id
		Capabilities: p.Announced,
	}
	return peer.OpenSent, []Effect{
		SendMessage{Bytes: msg.EncodeOpen(open)},
		ArmTimer{Name: timer.Hold, In: initialOpenSentHold},
	}
}

func shortAS(asn uint32) uint16 {
	if asn > 0xffff {
		return bgp.ASTrans
	}
	return uint16(asn)
}

func onOpenSent(p *peer.Peer, ev Event, pol Policy, now time.Time) (peer.State, []Effect) {
	switch ev.Kind {
	case EvRcvdOpen:
		return negotiateOnRcvdOpen(p, ev, pol)
	case EvHoldExpiry:
		return peer.Idle, notification(bgp.ErrHoldTimerExpired, 0, nil)
	case EvConnFatal, EvConnClosed:
		return peer.Idle, nil
	}
	return unexpectedEvent(p, ev, bgp.SubFSMUnexpectedOpenSent)
}

func negotiateOnRcvdOpen(p *peer.Peer, ev Event, pol Policy) (peer.State, []Effect) {
	open, ok := ev.Msg.Body.(*msg.Open)
	if !ok {
		return peer.Idle, notification(bgp.ErrOpen, 0, nil)
	}

	restarting := capability.RestartingAFIs{}
	for afi, st := range p.GR {
		if st.Restarting {
			restarting[afi] = st.Forward
		}
	}

	result, bgpErr := capability.Negotiate(p.Announced, open.Capabilities, restarting, pol.Role)
	if bgpErr != nil {
		return peer.Idle, notification(bgpErr.Code, bgpErr.Subcode, []byte(bgpErr.Msg))
	}

	p.PeerCaps = open.Capabilities
	p.Negotiated = result.Negotiated
	p.NegotiatedHoldtime = capability.NegotiateHoldtime(p.ConfiguredHoldtime, open.HoldTime)
	applyGRResult(p, result)

	effects := []Effect{SendMessage{Bytes: msg.EncodeKeepalive()}}
	if p.NegotiatedHoldtime > 0 {
		effects = append(effects, ArmTimer{Name: timer.Hold, In: time.Duration(p.NegotiatedHoldtime) * time.Second})
	} else {
		effects = append(effects, StopTimer{Name: timer.Hold})
	}
	return peer.OpenConfirm, effects
}

func applyGRResult(p *peer.Peer, result *capability.Result) {
	for _, afi := range result.FlushAFIs {
		if st := p.GR[afi]; st != nil {
			st.Restarting = false
		}
	}
	for _, afi := range result.PreserveRestartingAFIs {
		if st := p.GR[afi]; st != nil {
			st.Restarting = true
		}
	}
}

func onOpenConfirm(p *peer.Peer, ev Event, now time.Time) (peer.State, []Effect) {
	switch ev.Kind {
	case EvRcvdKeepalive:
		effects := []Effect{}
		if p.NegotiatedHoldtime > 0 {
			effects = append(effects, ArmTimer{Name: timer.Hold, In: time.Duration(p.NegotiatedHoldtime) * time.Second})
		}
		return peer.Established, effects
	case EvHoldExpiry:
		return peer.Idle, notification(bgp.ErrHoldTimerExpired, 0, nil)
	case EvRcvdNotification:
		return peer.Idle, nil
	case EvConnFatal, EvConnClosed:
		return peer.Idle, nil
	}
	return unexpectedEvent(p, ev, bgp.SubFSMUnexpectedOpenConfirm)
}

func onEstablished(p *peer.Peer, ev Event, now time.Time) (peer.State, []Effect) {
	switch ev.Kind {
	case EvKeepaliveExpiry:
		effects := []Effect{SendMessage{Bytes: msg.EncodeKeepalive()}}
		if kaIn, ok := keepaliveInterval(p); ok {
			effects = append(effects, ArmTimer{Name: timer.Keepalive, In: kaIn})
		}
		return peer.Established, effects
	case EvRcvdUpdate:
		effects := []Effect{}
		if p.NegotiatedHoldtime > 0 {
			effects = append(effects, ArmTimer{Name: timer.Hold, In: time.Duration(p.NegotiatedHoldtime) * time.Second})
		}
		u, _ := ev.Msg.Body.(*msg.Update)
		if u != nil {
			effects = append(effects, ForwardUpdate{Body: u.Body})
		}
		return peer.Established, effects
	case EvRcvdKeepalive:
		effects := []Effect{}
		if p.NegotiatedHoldtime > 0 {
			effects = append(effects, ArmTimer{Name: timer.Hold, In: time.Duration(p.NegotiatedHoldtime) * time.Second})
		}
		return peer.Established, effects
	case EvRcvdRouteRefresh:
		rr, _ := ev.Msg.Body.(*msg.RouteRefresh)
		if rr == nil {
			return peer.Established, nil
		}
		return peer.Established, []Effect{RequestRefresh{AFI: capability.AFISAFI{AFI: rr.AFI, SAFI: rr.SAFI}}}
	case EvIdleHoldResetExpiry:
		return peer.Established, []Effect{ResetIdleHold{}}
	case EvRcvdNotification:
		return peer.Idle, nil
	case EvHoldExpiry:
		return peer.Idle, notification(bgp.ErrHoldTimerExpired, 0, nil)
	case EvConnFatal, EvConnClosed:
		return peer.Idle, nil
	}
	return unexpectedEvent(p, ev, bgp.SubFSMUnexpectedEstablished)
}

func keepaliveInterval(p *peer.Peer) (time.Duration, bool) {
	if p.NegotiatedHoldtime == 0 {
		return 0, false
	}
	return time.Duration(p.NegotiatedHoldtime) * time.Second / 3, true
}

// unexpectedEvent handles an event with no meaning in an advanced state:
// NOTIFICATION(FSM, unexpected-for-state) and drop to Idle.
func unexpectedEvent(p *peer.Peer, ev Event, subcode uint8) (peer.State, []Effect) {
	switch ev.Kind {
	case EvStart, EvConnectRetryExpiry, EvIdleHoldExpiry, EvIdleHoldResetExpiry, EvStop:
		// Benign no-ops in advanced states: Start/ConnectRetry/IdleHold*
		// events simply have nothing to do once a session is past Connect.
		return p.State, nil
	}
	return peer.Idle, notification(bgp.ErrFSM, subcode, nil)
}

// enterIdle computes the effects fired on any transition into Idle,
// regardless of which state it came from.
func enterIdle(p *peer.Peer, from peer.State, ev Event, pol Policy, now time.Time) []Effect {
	effects := []Effect{
		CloseSocket{},
		ReleaseBuffers{},
		StopAllTimersExcept{Keep: []timer.Name{timer.IdleHold, timer.IdleHoldReset}},
	}

	if ev.Kind == EvStop {
		return effects
	}

	if isOptParamError(ev) {
		effects = append(effects, SoftenIdleHold{})
	} else {
		effects = append(effects, IncrementErrorCount{})
	}
	effects = append(effects, ArmTimer{Name: timer.IdleHold, In: p.IdleHoldInterval})

	if from == peer.Established {
		effects = append(effects, graceRestartOrSessionDown(p, ev, pol, now)...)
	}

	return effects
}

func isOptParamError(ev Event) bool {
	return ev.Err != nil && ev.Err.Code == bgp.ErrOpen && ev.Err.Subcode == bgp.SubOpenUnsupportedOptParam
}

// grAFIStates adapts p.GR to the map gracefulrestart's functions want,
// without that package importing peer.
func grAFIStates(p *peer.Peer) map[capability.AFISAFI]gracefulrestart.AFIState {
	out := make(map[capability.AFISAFI]gracefulrestart.AFIState, len(p.GR))
	for afi, st := range p.GR {
		out[afi] = st
	}
	return out
}

// graceRestartOrSessionDown implements the Established->Idle
// graceful-restart bookkeeping: on an eligible connection-loss event, stale
// the GR-capable AFIs and flush the rest instead of one blunt SESSION_DOWN.
func graceRestartOrSessionDown(p *peer.Peer, ev Event, pol Policy, now time.Time) []Effect {
	eligible := ev.Kind == EvConnFatal || ev.Kind == EvConnClosed
	if !eligible {
		return []Effect{SessionDown{}}
	}

	var negotiatedMP map[capability.AFISAFI]bool
	if p.Negotiated != nil {
		negotiatedMP = p.Negotiated.MP
	}
	res, anyGR := gracefulrestart.OnConnectionLoss(grAFIStates(p), negotiatedMP)
	if !anyGR {
		return []Effect{SessionDown{}}
	}

	var effects []Effect
	for _, afi := range res.Stale {
		effects = append(effects, SessionStale{AFI: afi})
	}
	for _, afi := range res.Nograce {
		effects = append(effects, SessionNograce{AFI: afi})
	}
	effects = append(effects, ArmTimer{Name: timer.RestartTimeout, In: pol.RestartTimeout})
	return effects
}

// enterEstablished computes the effects fired on any transition into
// Established.
func enterEstablished(p *peer.Peer, pol Policy, now time.Time) []Effect {
	effects := []Effect{
		ArmTimer{Name: timer.IdleHoldReset, In: pol.IdleHoldResetAge},
	}
	effects = append(effects, SessionUp{
		Negotiated: p.Negotiated,
		LocalAddr:  p.LocalAddr.String(),
		RemoteAddr: p.RemoteAddr.String(),
	})
	if kaIn, ok := keepaliveInterval(p); ok {
		effects = append(effects, ArmTimer{Name: timer.Keepalive, In: kaIn})
	}
	return effects
}
