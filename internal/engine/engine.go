// Package engine threads configuration, peers, timers, the RDE/parent
// bridges and MRT sinks into the per-tick loop described for the
// session engine process: reap/init peers, resize the poll set, wait
// for readiness, drain the parent/RDE pipes, accept new connections
// (answering control-socket requests as they are accepted), run I/O and
// the message pump with its MRT tee, and flush queued RDE frames, in
// that fixed order every tick.
//
// Grounded on server/fsm.go's top-level tomb (fsm.t.Go/t.Kill/t.Wait/
// t.Dying, used here for a single top-level run/stop lifecycle rather
// than one tomb per peer goroutine, since the single-threaded
// readiness loop in internal/ioloop replaces that per-peer-goroutine
// model outright) and on internal/ioloop.Engine's already-built
// NextTimeout/FireExpiredTimers/HandleReadable/HandleWritable methods,
// which this package is the first caller to actually sequence.
package engine

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	tomb "gopkg.in/tomb.v2"
	"golang.org/x/sys/unix"

	"github.com/openbgpd-go/sessiond/internal/config"
	"github.com/openbgpd-go/sessiond/internal/ctrl"
	"github.com/openbgpd-go/sessiond/internal/fsm"
	"github.com/openbgpd-go/sessiond/internal/ioloop"
	"github.com/openbgpd-go/sessiond/internal/metrics"
	"github.com/openbgpd-go/sessiond/internal/mrt"
	"github.com/openbgpd-go/sessiond/internal/parent"
	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/openbgpd-go/sessiond/internal/rde"
)

// eventBufSize bounds how many readiness events one epoll_wait call can
// report at a time; sized generously above any realistic peer count.
const eventBufSize = 1024

// listenerBacklog is the TCP backlog passed to listen(2) for BGP
// listener sockets.
const listenerBacklog = 64

// Engine owns everything one session-engine process needs for its
// entire lifetime: the I/O loop, the staged configuration store, the
// RDE and parent bridges, MRT sinks, metrics, and the control socket.
type Engine struct {
	Loop    *ioloop.Engine
	Config  *config.Store
	RDE     *rde.Bridge
	Parent  *parent.Bridge
	MRT     *mrt.Manager
	Metrics *metrics.Registry
	Ctrl    *ctrl.Listener

	listeners map[int]string // fd -> bind address, currently in the poll set
	listenCfg map[int]string // fd -> bind address, every configured listener

	t     tomb.Tomb
	evBuf []unix.EpollEvent
}

// New wires an already-constructed ioloop.Engine and its surrounding
// bridges/sinks/metrics into a runnable Engine.
func New(loop *ioloop.Engine, cfg *config.Store, rdeBridge *rde.Bridge, parentBridge *parent.Bridge, mrtMgr *mrt.Manager, metricsReg *metrics.Registry, ctrlListener *ctrl.Listener) *Engine {
	return &Engine{
		Loop:      loop,
		Config:    cfg,
		RDE:       rdeBridge,
		Parent:    parentBridge,
		MRT:       mrtMgr,
		Metrics:   metricsReg,
		Ctrl:      ctrlListener,
		listeners: map[int]string{},
		listenCfg: map[int]string{},
		evBuf:     make([]unix.EpollEvent, eventBufSize),
	}
}

// Start registers the parent, RDE and control-socket fds with the poller
// and kicks off the single top-level tick loop as a tomb-governed
// goroutine.
func (e *Engine) Start() {
	if e.Parent != nil {
		_ = e.Loop.Poller.Add(e.Parent.Fd(), ioloop.Interest{Readable: true})
	}
	if e.RDE != nil {
		_ = e.Loop.Poller.Add(e.RDE.Fd(), ioloop.Interest{Readable: true})
	}
	if e.Ctrl != nil {
		_ = e.Loop.Poller.Add(e.Ctrl.Fd(), ioloop.Interest{Readable: true})
	}
	e.t.Go(e.run)
}

// Stop requests a graceful shutdown and blocks until the loop has
// finished its current tick and exited.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

func (e *Engine) run() error {
	for {
		select {
		case <-e.t.Dying():
			return e.shutdown()
		default:
		}
		if err := e.Tick(time.Now()); err != nil {
			log.WithError(err).Error("engine tick failed")
			return err
		}
	}
}

// deliver is the only path through Transition/Apply available to code
// outside internal/ioloop's own I/O dispatch (accept, reap, reconfig).
func (e *Engine) deliver(p *peer.Peer, ev fsm.Event, now time.Time) {
	e.Loop.Deliver(p, ev, now)
}

// shutdown sends NOTIFICATION(Cease, AdministrativeShutdown) to every
// established peer, drains writes best-effort, and closes the bridges —
// the exit-behavior contract for SIGINT/SIGTERM.
func (e *Engine) shutdown() error {
	now := time.Now()
	for _, p := range e.Loop.Peers.All() {
		if p.State == peer.Established || p.State == peer.OpenConfirm {
			e.deliver(p, fsm.Event{Kind: fsm.EvStop}, now)
		}
	}
	for _, p := range e.Loop.Peers.All() {
		e.Loop.HandleWritable(p)
	}
	if e.RDE != nil {
		e.RDE.Flush()
		e.RDE.Close()
	}
	if e.Parent != nil {
		e.Parent.Flush()
		e.Parent.Close()
	}
	if e.MRT != nil {
		e.MRT.CloseAll()
	}
	if e.Ctrl != nil {
		e.Ctrl.Close()
	}
	return nil
}

// Tick runs exactly one iteration of the per-tick order: reap/init
// peers, resize the poll set, compute the poll timeout, poll, fire
// expired timers, drain the parent/RDE pipes, accept on the control
// socket (answering each control connection as it is accepted) and then
// on listeners, dispatch ready peer I/O and the message pump (teeing
// each pumped message to the MRT sinks as it is decoded), and flush
// queued RDE frames.
func (e *Engine) Tick(now time.Time) error {
	e.reapAndInit(now)
	e.resizePollSet(now)

	timeout := e.Loop.NextTimeout(now)
	events, err := e.Loop.Poller.Wait(e.evBuf, timeout)
	if err != nil {
		return fmt.Errorf("engine: poll: %w", err)
	}
	e.Loop.FireExpiredTimers(now)

	byFd := make(map[int]ioloop.Event, len(events))
	for _, ev := range events {
		byFd[ev.Fd] = ev
	}

	e.drainPipes(byFd)
	e.acceptConnections(byFd, now)
	e.dispatchPeerIO(byFd, now)
	if e.RDE != nil {
		e.RDE.Flush()
	}

	if e.Metrics != nil {
		e.Metrics.Observe(e.Loop.Peers.All())
	}
	return nil
}

// reapAndInit drops peers the active configuration no longer lists
// (after a graceful NOTIFICATION(Cease, PeerUnconf), per the
// configuration-error error-handling table) and brings freshly
// configured peers into existence in state None→Idle.
func (e *Engine) reapAndInit(now time.Time) {
	cfg := e.Config.Active()
	configured := make(map[uint32]bool, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		configured[pc.ID] = true
		if e.Loop.Peers.Get(pc.ID) != nil {
			continue
		}
		np := peer.New(pc.ID, net.ParseIP(pc.RemoteAddr), pc.RemoteAS, pc.LocalAS, pc.Holdtime)
		np.Descriptor = pc.Descriptor
		np.Passive = pc.Passive
		e.Loop.Peers.Insert(np)
		if e.RDE != nil {
			e.RDE.SessionAdd(np)
		}
		e.deliver(np, fsm.Event{Kind: fsm.EvStart}, now)
	}
	for _, p := range e.Loop.Peers.All() {
		if configured[p.ID] || p.IsTemplate {
			continue
		}
		e.deliver(p, fsm.Event{Kind: fsm.EvStop}, now)
		e.Loop.Peers.Delete(p.ID)
	}
}

// resizePollSet adds every configured listener fd to the poll set, or
// drops them all while accept is paused, re-adding once the pause
// lifts.
func (e *Engine) resizePollSet(now time.Time) {
	paused := e.Loop.AcceptPaused(now)
	for fd, addr := range e.listenCfg {
		_, inSet := e.listeners[fd]
		switch {
		case paused && inSet:
			e.Loop.Poller.Remove(fd)
			delete(e.listeners, fd)
		case !paused && !inSet:
			if err := e.Loop.Poller.Add(fd, ioloop.Interest{Readable: true}); err == nil {
				e.listeners[fd] = addr
			}
		}
	}
}

// ListenBGP opens a non-blocking TCP listener bound to addr ("host:port",
// port defaults to 179) and enrolls it as a configured listener; called
// once per Listener entry when the configuration is first loaded or a
// RECONF_LISTENER adds one.
func (e *Engine) ListenBGP(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host, portStr = addr, strconv.Itoa(ioloop.BGPPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("engine: bad listener port in %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("engine: bad listener address %q", addr)
	}

	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("engine: listen socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		s := &unix.SockaddrInet6{Port: port}
		copy(s.Addr[:], ip.To16())
		sa = s
	} else {
		s := &unix.SockaddrInet4{Port: port}
		copy(s.Addr[:], ip.To4())
		sa = s
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("engine: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenerBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("engine: listen %s: %w", addr, err)
	}
	e.listenCfg[fd] = addr
	return nil
}

// drainPipes reads whatever the parent and RDE pipes have ready, in that
// fixed order.
func (e *Engine) drainPipes(byFd map[int]ioloop.Event) {
	if e.Parent != nil {
		if _, ready := byFd[e.Parent.Fd()]; ready {
			e.handleParentFrames()
		}
	}
	if e.RDE != nil {
		if _, ready := byFd[e.RDE.Fd()]; ready {
			e.handleRDEFrames()
		}
	}
}

func (e *Engine) handleParentFrames() {
	frames, err := e.Parent.ReadFrames()
	if err != nil {
		log.WithError(err).Warn("parent pipe read failed")
		return
	}
	for _, f := range frames {
		switch f.Type {
		case parent.MsgMRTOpen, parent.MsgMRTReopen, parent.MsgMRTClose:
			e.handleMRTControl(f)
		case parent.MsgReconfConf:
			e.Config.BeginReload(config.Config{})
		case parent.MsgReconfDrain:
			// Barrier: the engine holds here until RECONF_DONE arrives;
			// nothing to act on until then.
		case parent.MsgReconfDone:
			e.Config.Commit()
		case parent.MsgSocketConn, parent.MsgSocketConnCtl:
			if f.Fd >= 0 {
				unix.SetNonblock(f.Fd, true)
			}
		}
	}
}

func (e *Engine) handleMRTControl(f parent.Inbound) {
	if e.MRT == nil || len(f.Data) == 0 {
		return
	}
	name := string(f.Data)
	switch f.Type {
	case parent.MsgMRTOpen:
		e.MRT.Open(name, name, 0, 0, [4]byte{}, [4]byte{}, 0)
	case parent.MsgMRTReopen:
		e.MRT.Reopen(name)
	case parent.MsgMRTClose:
		e.MRT.Close(name)
	}
}

func (e *Engine) handleRDEFrames() {
	now := time.Now()
	frames, err := e.RDE.ReadFrames()
	if err != nil {
		log.WithError(err).Warn("RDE pipe read failed")
		return
	}
	for _, f := range frames {
		p := e.Loop.Peers.Get(f.PeerID)
		if p == nil {
			continue
		}
		switch f.Type {
		case rde.MsgUpdateErr:
			e.deliver(p, fsm.Event{Kind: fsm.EvConnFatal}, now)
		case rde.MsgXOFF:
			p.Throttled = true
		case rde.MsgXON:
			p.Throttled = false
		}
	}
}

// acceptConnections accepts on the control socket, then every listener
// currently in the poll set.
func (e *Engine) acceptConnections(byFd map[int]ioloop.Event, now time.Time) {
	if e.Ctrl != nil {
		if _, ready := byFd[e.Ctrl.Fd()]; ready {
			for {
				fd, err := e.Ctrl.Accept()
				if err != nil || fd < 0 {
					break
				}
				ctrl.Respond(fd, e.Loop.Peers.All())
			}
		}
	}

	for fd := range e.listeners {
		if _, ready := byFd[fd]; !ready {
			continue
		}
		e.acceptOn(fd, now)
	}
}

func (e *Engine) acceptOn(fd int, now time.Time) {
	for {
		nfd, _, err := unix.Accept(fd)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			if err == unix.EMFILE || err == unix.ENFILE {
				e.Loop.PauseAcceptFor(now, time.Second)
			}
			return
		}
		e.adoptAccepted(nfd, now)
	}
}

func (e *Engine) adoptAccepted(fd int, now time.Time) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		unix.Close(fd)
		return
	}
	remote := sockaddrIP(sa)
	if remote == nil {
		unix.Close(fd)
		return
	}

	p := e.Loop.Peers.ByRemoteAddr(remote)
	switch ioloop.DecideAccept(p) {
	case ioloop.AcceptReject:
		unix.Close(fd)
	case ioloop.AcceptStartPassive, ioloop.AcceptAdopt, ioloop.AcceptGracefulRestartThenAdopt:
		unix.SetNonblock(fd, true)
		p.AllocateBuffers()
		p.Direction = peer.DirInbound
		if err := e.Loop.Adopt(p, ioloop.NewConn(fd)); err != nil {
			unix.Close(fd)
			return
		}
		e.deliver(p, fsm.Event{Kind: fsm.EvConnOpen}, now)
	}
}

func sockaddrIP(sa unix.Sockaddr) net.IP {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(s.Addr[:])
	case *unix.SockaddrInet6:
		return net.IP(s.Addr[:])
	}
	return nil
}

// dispatchPeerIO runs one I/O step for every ready peer socket, also
// pumps peers whose socket is not ready but still hold buffered bytes,
// and tees each decoded
// message's raw bytes to any open MRT sink.
func (e *Engine) dispatchPeerIO(byFd map[int]ioloop.Event, now time.Time) {
	for _, p := range e.Loop.Peers.All() {
		conn, ok := e.Loop.ConnFor(p.ID)
		if !ok {
			continue
		}
		ev, ready := byFd[conn.Fd()]
		if !ready && p.RPos == 0 {
			continue
		}
		if ev.Error {
			e.deliver(p, fsm.Event{Kind: fsm.EvConnFatal}, now)
			continue
		}
		if ev.Writable {
			e.Loop.HandleWritable(p)
		}
		if (ev.Readable || !ready) && !p.Throttled {
			res, err := e.Loop.HandleReadable(p, now)
			if err == nil && e.MRT != nil {
				for _, raw := range res.Raw {
					e.MRT.Tee(raw, now)
				}
			}
		}
	}
}
