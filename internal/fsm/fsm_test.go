package fsm

import (
	"net"
	"testing"
	"time"

	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/openbgpd-go/sessiond/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeer() *peer.Peer {
	p := peer.New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 90)
	p.Announced = capability.NewSet()
	p.Announced.MP[capability.DefaultIPv4Unicast] = true
	p.GR = map[capability.AFISAFI]*peer.GRAFIState{}
	return p
}

var testPolicy = Policy{MinHoldtime: 3, IdleHoldCeiling: 2 * time.Minute, IdleHoldResetAge: 15 * time.Minute, RestartTimeout: 120 * time.Second}

func TestIdleStartActive(t *testing.T) {
	p := testPeer()
	p.Passive = true
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvStart}, testPolicy, now)
	assert.Equal(t, peer.Active, next)
	assertHasEffect(t, effects, AllocateBuffers{})
}

func TestIdleStartActiveConnectsOutbound(t *testing.T) {
	p := testPeer()
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvStart}, testPolicy, now)
	assert.Equal(t, peer.Connect, next)
	assertHasEffect(t, effects, InitiateConnect{})
}

func TestConnectToOpenSentSendsOpenAndArmsHold(t *testing.T) {
	p := testPeer()
	p.State = peer.Connect
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvConnOpen}, testPolicy, now)
	assert.Equal(t, peer.OpenSent, next)

	var sawSend, sawHold bool
	for _, e := range effects {
		if _, ok := e.(SendMessage); ok {
			sawSend = true
		}
		if a, ok := e.(ArmTimer); ok && a.Name == timer.Hold {
			sawHold = true
			assert.Equal(t, initialOpenSentHold, a.In)
		}
	}
	assert.True(t, sawSend)
	assert.True(t, sawHold)
}

func TestOpenSentToOpenConfirmOnRcvdOpen(t *testing.T) {
	p := testPeer()
	p.State = peer.OpenSent
	now := time.Unix(1000, 0)

	peerCaps := capability.NewSet()
	peerCaps.MP[capability.DefaultIPv4Unicast] = true
	openMsg := &msg.Message{Body: &msg.Open{Version: 4, ASN: 65001, HoldTime: 90, Identifier: 1, Capabilities: peerCaps}}

	next, effects := Transition(p, Event{Kind: EvRcvdOpen, Msg: openMsg}, testPolicy, now)
	require.Equal(t, peer.OpenConfirm, next)
	assertHasEffect(t, effects, ArmTimer{Name: timer.Hold, In: 90 * time.Second})
}

func TestOpenSentHoldExpirySendsNotificationAndDropsToIdle(t *testing.T) {
	p := testPeer()
	p.State = peer.OpenSent
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvHoldExpiry}, testPolicy, now)
	assert.Equal(t, peer.Idle, next)

	notif := findNotification(effects)
	require.NotNil(t, notif)
	assert.Equal(t, bgp.ErrHoldTimerExpired, notif.Code)
}

func TestOpenConfirmToEstablishedOnKeepalive(t *testing.T) {
	p := testPeer()
	p.State = peer.OpenConfirm
	p.NegotiatedHoldtime = 90
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvRcvdKeepalive}, testPolicy, now)
	assert.Equal(t, peer.Established, next)
	assertHasEffectType(t, effects, SessionUp{})
	assertHasEffectType(t, effects, ArmTimer{})
}

func TestEstablishedZeroHoldtimeNeverArmsHold(t *testing.T) {
	p := testPeer()
	p.State = peer.Established
	p.NegotiatedHoldtime = 0
	now := time.Unix(1000, 0)

	_, effects := Transition(p, Event{Kind: EvRcvdKeepalive}, testPolicy, now)
	for _, e := range effects {
		if a, ok := e.(ArmTimer); ok {
			assert.NotEqual(t, timer.Hold, a.Name, "holdtime 0 must never arm the Hold timer")
		}
	}
}

func TestEstablishedUnexpectedStartIsBenignNoop(t *testing.T) {
	p := testPeer()
	p.State = peer.Established
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvStart}, testPolicy, now)
	assert.Equal(t, peer.Established, next)
	assert.Empty(t, effects)
}

func TestEstablishedGenuinelyUnexpectedEventDropsToIdle(t *testing.T) {
	p := testPeer()
	p.State = peer.Established
	now := time.Unix(1000, 0)

	// A kind with no meaning in Established and not in the benign list
	// still produces a NOTIFICATION(FSM, unexpected) and a drop to Idle.
	next, effects := Transition(p, Event{Kind: EventKind(999)}, testPolicy, now)
	assert.Equal(t, peer.Idle, next)
	notif := findNotification(effects)
	require.NotNil(t, notif)
	assert.Equal(t, bgp.ErrFSM, notif.Code)
	assert.Equal(t, bgp.SubFSMUnexpectedEstablished, notif.Subcode)
}

func TestEnteringIdleStopsTimersExceptIdleHoldAndDoublesBackoff(t *testing.T) {
	p := testPeer()
	p.State = peer.Connect
	now := time.Unix(1000, 0)

	_, effects := Transition(p, Event{Kind: EvConnFatal}, testPolicy, now)

	assertHasEffectType(t, effects, StopAllTimersExcept{})
	assertHasEffectType(t, effects, IncrementErrorCount{})
	assertHasEffectType(t, effects, ArmTimer{})
}

func TestUnsupportedOptParamSoftensInsteadOfDoubling(t *testing.T) {
	p := testPeer()
	p.State = peer.OpenSent
	now := time.Unix(1000, 0)

	ev := Event{Kind: EvConnFatal, Err: &bgp.Error{Code: bgp.ErrOpen, Subcode: bgp.SubOpenUnsupportedOptParam}}
	_, effects := Transition(p, ev, testPolicy, now)

	assertHasEffectType(t, effects, SoftenIdleHold{})
	for _, e := range effects {
		_, isIncrement := e.(IncrementErrorCount)
		assert.False(t, isIncrement, "opt-param errors must not double the backoff")
	}
}

func TestEstablishedConnFatalWithGRPresentEmitsStaleNotSessionDown(t *testing.T) {
	p := testPeer()
	p.State = peer.Established
	p.Negotiated = capability.NewSet()
	p.Negotiated.MP[capability.DefaultIPv4Unicast] = true
	p.GR[capability.DefaultIPv4Unicast] = &peer.GRAFIState{Present: true, Forward: true}
	now := time.Unix(1000, 0)

	_, effects := Transition(p, Event{Kind: EvConnFatal}, testPolicy, now)

	var sawStale, sawDown bool
	for _, e := range effects {
		switch e.(type) {
		case SessionStale:
			sawStale = true
		case SessionDown:
			sawDown = true
		}
	}
	assert.True(t, sawStale)
	assert.False(t, sawDown, "graceful-restart-eligible AFIs must not also get a blunt SESSION_DOWN")
}

func TestRestartTimeoutFlushesStillRestartingAFIs(t *testing.T) {
	p := testPeer()
	p.State = peer.Idle
	p.GR[capability.DefaultIPv4Unicast] = &peer.GRAFIState{Present: true, Restarting: true}
	now := time.Unix(1000, 0)

	next, effects := Transition(p, Event{Kind: EvRestartTimeoutExpiry}, testPolicy, now)
	assert.Equal(t, peer.Idle, next)

	var sawFlush bool
	for _, e := range effects {
		if f, ok := e.(SessionFlush); ok {
			sawFlush = true
			assert.Equal(t, capability.DefaultIPv4Unicast, f.AFI)
		}
	}
	assert.True(t, sawFlush)
	assert.False(t, p.GR[capability.DefaultIPv4Unicast].Restarting, "RestartTimeout clears the Restarting mark")
}

func TestEstablishedConnFatalWithoutGRSendsSessionDown(t *testing.T) {
	p := testPeer()
	p.State = peer.Established
	p.Negotiated = capability.NewSet()
	now := time.Unix(1000, 0)

	_, effects := Transition(p, Event{Kind: EvConnFatal}, testPolicy, now)
	assertHasEffectType(t, effects, SessionDown{})
}

func TestApplyCommitsStateAndEnforcesOneNotificationPerSession(t *testing.T) {
	p := testPeer()
	p.State = peer.OpenSent
	now := time.Unix(1000, 0)
	sink := &fakeSink{}

	next, effects := Transition(p, Event{Kind: EvHoldExpiry}, testPolicy, now)
	Apply(p, next, effects, now, sink)
	assert.Equal(t, peer.Idle, p.State)
	first := p.Stats.LastSentErrCode
	assert.NotZero(t, first)

	// A second NOTIFICATION-producing transition must not overwrite it.
	p.State = peer.OpenSent
	next2, effects2 := Transition(p, Event{Kind: EvHoldExpiry}, testPolicy, now)
	Apply(p, next2, effects2, now, sink)
	assert.Equal(t, first, p.Stats.LastSentErrCode)
}

func assertHasEffect(t *testing.T, effects []Effect, want Effect) {
	t.Helper()
	for _, e := range effects {
		if e == want {
			return
		}
	}
	t.Fatalf("expected effect %#v not found in %#v", want, effects)
}

func assertHasEffectType(t *testing.T, effects []Effect, want Effect) {
	t.Helper()
	wantType := want
	for _, e := range effects {
		if sameType(e, wantType) {
			return
		}
	}
	t.Fatalf("expected an effect of type %T not found in %#v", want, effects)
}

func sameType(a, b Effect) bool {
	switch a.(type) {
	case SessionUp:
		_, ok := b.(SessionUp)
		return ok
	case ArmTimer:
		_, ok := b.(ArmTimer)
		return ok
	case StopAllTimersExcept:
		_, ok := b.(StopAllTimersExcept)
		return ok
	case IncrementErrorCount:
		_, ok := b.(IncrementErrorCount)
		return ok
	case SoftenIdleHold:
		_, ok := b.(SoftenIdleHold)
		return ok
	case SessionDown:
		_, ok := b.(SessionDown)
		return ok
	}
	return false
}

func findNotification(effects []Effect) *bgp.Error {
	for _, e := range effects {
		if np, ok := e.(NotificationPending); ok {
			return &bgp.Error{Code: np.Code, Subcode: np.Subcode}
		}
	}
	return nil
}

type fakeSink struct{}

func (fakeSink) Log(*peer.Peer, LogTransition)                       {}
func (fakeSink) CloseSocket(*peer.Peer)                               {}
func (fakeSink) InitiateConnect(*peer.Peer)                            {}
func (fakeSink) SessionUp(*peer.Peer, SessionUp)                       {}
func (fakeSink) SessionDown(*peer.Peer)                                {}
func (fakeSink) SessionStale(*peer.Peer, capability.AFISAFI)           {}
func (fakeSink) SessionNograce(*peer.Peer, capability.AFISAFI)         {}
func (fakeSink) SessionFlush(*peer.Peer, capability.AFISAFI)           {}
func (fakeSink) SessionRestarted(*peer.Peer, capability.AFISAFI)       {}
func (fakeSink) ForwardUpdate(*peer.Peer, []byte)                      {}
func (fakeSink) RequestRefresh(*peer.Peer, capability.AFISAFI)         {}
