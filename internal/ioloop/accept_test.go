package ioloop

import (
	"net"
	"testing"
	"time"

	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/openbgpd-go/sessiond/internal/timer"
	"github.com/stretchr/testify/assert"
)

func newAcceptTestPeer() *peer.Peer {
	p := peer.New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 90)
	p.GR = map[capability.AFISAFI]*peer.GRAFIState{}
	return p
}

func TestDecideAcceptNoPeerRejects(t *testing.T) {
	assert.Equal(t, AcceptReject, DecideAccept(nil))
}

func TestDecideAcceptIdleFastReconnectEligible(t *testing.T) {
	p := newAcceptTestPeer()
	p.State = peer.Idle
	p.Timers.Set(timer.IdleHold, time.Unix(0, 0), 5*time.Second)

	assert.Equal(t, AcceptStartPassive, DecideAccept(p))
}

func TestDecideAcceptIdleTooManyErrorsRejects(t *testing.T) {
	p := newAcceptTestPeer()
	p.State = peer.Idle
	p.ErrorCount = FastReconnectErrorCeiling
	p.Timers.Set(timer.IdleHold, time.Unix(0, 0), 5*time.Second)

	assert.Equal(t, AcceptReject, DecideAccept(p))
}

func TestDecideAcceptConnectOrActiveAdopts(t *testing.T) {
	p := newAcceptTestPeer()
	p.State = peer.Connect
	assert.Equal(t, AcceptAdopt, DecideAccept(p))

	p.State = peer.Active
	assert.Equal(t, AcceptAdopt, DecideAccept(p))
}

func TestDecideAcceptEstablishedWithoutGRRejects(t *testing.T) {
	p := newAcceptTestPeer()
	p.State = peer.Established
	assert.Equal(t, AcceptReject, DecideAccept(p))
}

func TestDecideAcceptEstablishedWithGRTransitions(t *testing.T) {
	p := newAcceptTestPeer()
	p.State = peer.Established
	p.GR[capability.DefaultIPv4Unicast] = &peer.GRAFIState{Present: true}
	assert.Equal(t, AcceptGracefulRestartThenAdopt, DecideAccept(p))
}

func TestPauseAcceptWindowExtendsAndExpires(t *testing.T) {
	var pa PauseAccept
	now := time.Unix(1000, 0)
	assert.False(t, pa.Active(now))

	pa.Trigger(now, time.Second)
	assert.True(t, pa.Active(now.Add(500*time.Millisecond)))
	assert.False(t, pa.Active(now.Add(2*time.Second)))

	// Triggering again only extends, never shrinks, the window.
	pa.Trigger(now, 2*time.Second)
	pa.Trigger(now.Add(time.Second), time.Millisecond)
	assert.True(t, pa.Active(now.Add(1500*time.Millisecond)))
}
