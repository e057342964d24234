package ioloop

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/fsm"
	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/openbgpd-go/sessiond/internal/timer"
)

// maxPollTimeout caps how long one epoll_wait can block, matching the
// timer wheel's "minimum deadline across all peers, capped at 240s"
// rule — without the cap, an idle engine with no peers at all would
// otherwise block forever and never notice a newly added listener.
const maxPollTimeout = 240 * time.Second

// acceptPauseMinimum is both the minimum back-off applied to listener
// fds after accept() reports EMFILE/ENFILE and the poll-timeout cap
// while that back-off is active, so the loop rechecks at least once a
// second whether it has expired even when no peer timer is due sooner.
const acceptPauseMinimum = time.Second

// RDEBridge is the framed inter-process bridge to the route-decision
// engine: internal/rde implements this against the real pipe, tests
// against an in-memory fake.
type RDEBridge interface {
	SessionUp(p *peer.Peer, negotiated *capability.Set, localAddr, remoteAddr string)
	SessionDown(p *peer.Peer)
	SessionStale(p *peer.Peer, afi capability.AFISAFI)
	SessionNograce(p *peer.Peer, afi capability.AFISAFI)
	SessionFlush(p *peer.Peer, afi capability.AFISAFI)
	SessionRestarted(p *peer.Peer, afi capability.AFISAFI)
	ForwardUpdate(p *peer.Peer, body []byte)
	RequestRefresh(p *peer.Peer, afi capability.AFISAFI)
}

// Conn is the subset of socket operations the loop needs per peer
// connection; a real fd-backed implementation and a net.Pipe-backed
// fake for tests both satisfy it.
type Conn interface {
	Fd() int
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Engine is the single-threaded, readiness-driven loop: one poller
// covering every peer socket, one RDE bridge, one peer set. It is the
// rewrite of server/fsm.go's per-peer goroutine-and-tomb model into the
// explicit tick loop the FSM's pure Transition/Apply pair is driven
// from.
type Engine struct {
	Peers  *peer.Set
	Poller *Poller
	RDE    RDEBridge
	Policy fsm.Policy

	conns map[uint32]Conn
	pause PauseAccept

	// rearmImmediate is set when a peer's message pump hit PumpBudget
	// with more buffered bytes still pending: the next NextTimeout call
	// returns 0 so the loop rechecks that peer without waiting on fresh
	// socket readiness, then clears itself. Kept distinct from pause,
	// which governs listener accept back-off — the two conditions mean
	// different things and must not share one flag.
	rearmImmediate bool
}

// NewEngine wires a freshly created poller, peer set, and RDE bridge
// into an Engine ready to start ticking.
func NewEngine(poller *Poller, rde RDEBridge, pol fsm.Policy) *Engine {
	return &Engine{
		Peers:  peer.NewSet(),
		Poller: poller,
		RDE:    rde,
		Policy: pol,
		conns:  map[uint32]Conn{},
	}
}

// NextTimeout computes the poll timeout in milliseconds for the next
// Tick: the minimum deadline across every peer's timer wheel, capped at
// maxPollTimeout (or at acceptPauseMinimum while accept is paused, so
// the loop keeps checking whether the pause has expired), or 0 if a
// peer's message pump is still waiting on a budget-exhaustion recheck.
func (e *Engine) NextTimeout(now time.Time) int {
	if e.rearmImmediate {
		e.rearmImmediate = false
		return 0
	}

	cap := maxPollTimeout
	if e.pause.Active(now) {
		cap = acceptPauseMinimum
	}

	earliest := now.Add(cap)
	found := false
	for _, p := range e.Peers.All() {
		if d, ok := p.Timers.NextDeadline(); ok && d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	if !found {
		return int(cap.Milliseconds())
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > cap {
		wait = cap
	}
	return int(wait.Milliseconds())
}

// AcceptPaused reports whether listener fds should currently be omitted
// from the poll set (step 2, "resize poll set").
func (e *Engine) AcceptPaused(now time.Time) bool { return e.pause.Active(now) }

// PauseAcceptFor starts (or extends) the listener accept back-off, used
// after accept() reports EMFILE/ENFILE.
func (e *Engine) PauseAcceptFor(now time.Time, d time.Duration) { e.pause.Trigger(now, d) }

// FireExpiredTimers drains every peer's wheel of deadlines that have
// passed, drives each through Transition/Apply, and returns how many
// fired — matching the timer wheel's at-most-once delivery contract.
func (e *Engine) FireExpiredTimers(now time.Time) int {
	fired := 0
	for _, p := range e.Peers.All() {
		for {
			name, ok := p.Timers.NextDueBefore(now)
			if !ok {
				break
			}
			e.deliver(p, eventForTimer(name), now)
			fired++
		}
	}
	return fired
}

func eventForTimer(name timer.Name) fsm.Event {
	switch name {
	case timer.Hold:
		return fsm.Event{Kind: fsm.EvHoldExpiry}
	case timer.Keepalive:
		return fsm.Event{Kind: fsm.EvKeepaliveExpiry}
	case timer.ConnectRetry:
		return fsm.Event{Kind: fsm.EvConnectRetryExpiry}
	case timer.IdleHold:
		return fsm.Event{Kind: fsm.EvIdleHoldExpiry}
	case timer.IdleHoldReset:
		return fsm.Event{Kind: fsm.EvIdleHoldResetExpiry}
	case timer.RestartTimeout:
		return fsm.Event{Kind: fsm.EvRestartTimeoutExpiry}
	default:
		// SendHold and CarpUndemote have no FSM event: deliver drops the
		// expiry, and nothing else in the loop acts on it.
		return fsm.Event{Kind: fsm.EventKind(-1)}
	}
}

// deliver runs one event through Transition and Apply for p, the only
// path by which p.State is ever allowed to change.
func (e *Engine) deliver(p *peer.Peer, ev fsm.Event, now time.Time) {
	if ev.Kind == fsm.EventKind(-1) {
		return
	}
	next, effects := fsm.Transition(p, ev, e.Policy, now)
	fsm.Apply(p, next, effects, now, e)
}

// Deliver is deliver's exported form, used by internal/engine to drive
// FSM events (accept/reap/reconfig) that originate outside the I/O loop
// itself.
func (e *Engine) Deliver(p *peer.Peer, ev fsm.Event, now time.Time) { e.deliver(p, ev, now) }

// HandleReadable runs one peer's message pump, feeds every decoded
// message into the FSM as the matching event, and returns the pump
// result so the caller can tee the raw bytes to any open MRT sink.
func (e *Engine) HandleReadable(p *peer.Peer, now time.Time) (PumpResult, error) {
	conn, ok := e.conns[p.ID]
	if !ok {
		return PumpResult{}, nil
	}
	res, err := Pump(p, conn.Read, e.Policy.MinHoldtime)
	if err != nil {
		e.deliver(p, fsm.Event{Kind: fsm.EvConnFatal}, now)
		return res, err
	}
	for _, m := range res.Decoded {
		e.deliver(p, eventForMessage(m), now)
	}
	if res.ConnDead {
		e.deliver(p, fsm.Event{Kind: fsm.EvConnFatal}, now)
	}
	if res.Pending {
		// Budget exhausted with more buffered: re-arm for an immediate
		// (zero-timeout) recheck instead of waiting on fresh readiness,
		// since epoll level-triggers on EPOLLIN would do the same thing
		// less explicitly.
		e.rearmImmediate = true
	}
	return res, nil
}

// ConnFor exposes the fd registered for a peer, used by the engine to
// fold HandleReadable/HandleWritable into the per-event dispatch loop.
func (e *Engine) ConnFor(peerID uint32) (Conn, bool) {
	c, ok := e.conns[peerID]
	return c, ok
}

// Adopt registers an already-connected fd (e.g. from an accepted
// listener socket) as p's connection and arms it for read readiness.
func (e *Engine) Adopt(p *peer.Peer, conn Conn) error {
	e.conns[p.ID] = conn
	return e.Poller.Add(conn.Fd(), Interest{Readable: true})
}

// HandleWritable drains as much of a peer's output queue as the socket
// will currently accept, dropping EPOLLOUT interest once the queue is
// empty so the loop isn't woken for writability it doesn't need.
func (e *Engine) HandleWritable(p *peer.Peer) error {
	conn, ok := e.conns[p.ID]
	if !ok || p.Out == nil || p.Out.Len() == 0 {
		return nil
	}
	n, err := conn.Write(p.Out.Bytes())
	if err != nil {
		return err
	}
	if n > 0 {
		p.Out.Drain(n)
		p.Stats.LastWrite = time.Now()
	}
	if p.Out.Len() == 0 {
		return e.Poller.Modify(conn.Fd(), Interest{Readable: true})
	}
	return nil
}

// fsm.Sink implementation — the only bridge between FSM effects and
// real sockets/RDE/logging.

func (e *Engine) Log(p *peer.Peer, ev fsm.LogTransition) {
	log.WithFields(log.Fields{
		"peer":  p.ID,
		"from":  ev.From,
		"to":    ev.To,
		"event": ev.Event,
	}).Info("fsm transition")
}

func (e *Engine) CloseSocket(p *peer.Peer) {
	if c, ok := e.conns[p.ID]; ok {
		_ = e.Poller.Remove(c.Fd())
		_ = c.Close()
		delete(e.conns, p.ID)
	}
}

func (e *Engine) InitiateConnect(p *peer.Peer) {
	fd, err := DialOutbound(p.RemoteAddr, p.LocalAltAddr, SocketOptions{TOS: InternetworkControl})
	if err != nil {
		log.WithError(err).WithField("peer", p.ID).Warn("outbound connect failed")
		return
	}
	e.conns[p.ID] = &fdConn{fd: fd}
	_ = e.Poller.Add(fd, Interest{Writable: true})
}

func (e *Engine) SessionUp(p *peer.Peer, ev fsm.SessionUp) {
	e.RDE.SessionUp(p, ev.Negotiated, ev.LocalAddr, ev.RemoteAddr)
}

func (e *Engine) SessionDown(p *peer.Peer)                              { e.RDE.SessionDown(p) }
func (e *Engine) SessionStale(p *peer.Peer, afi capability.AFISAFI)     { e.RDE.SessionStale(p, afi) }
func (e *Engine) SessionNograce(p *peer.Peer, afi capability.AFISAFI)   { e.RDE.SessionNograce(p, afi) }
func (e *Engine) SessionFlush(p *peer.Peer, afi capability.AFISAFI)     { e.RDE.SessionFlush(p, afi) }
func (e *Engine) SessionRestarted(p *peer.Peer, afi capability.AFISAFI) { e.RDE.SessionRestarted(p, afi) }
func (e *Engine) ForwardUpdate(p *peer.Peer, body []byte)               { e.RDE.ForwardUpdate(p, body) }
func (e *Engine) RequestRefresh(p *peer.Peer, afi capability.AFISAFI)   { e.RDE.RequestRefresh(p, afi) }

func eventForMessage(m *msg.Message) fsm.Event {
	switch m.Body.(type) {
	case *msg.Open:
		return fsm.Event{Kind: fsm.EvRcvdOpen, Msg: m}
	case *msg.Update:
		return fsm.Event{Kind: fsm.EvRcvdUpdate, Msg: m}
	case *msg.Notification:
		return fsm.Event{Kind: fsm.EvRcvdNotification, Msg: m}
	case *msg.RouteRefresh:
		return fsm.Event{Kind: fsm.EvRcvdRouteRefresh, Msg: m}
	default: // nil body: KEEPALIVE
		return fsm.Event{Kind: fsm.EvRcvdKeepalive, Msg: m}
	}
}
