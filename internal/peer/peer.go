// Package peer holds the central Peer entity and the ordered
// peer-id keyed set it is stored in.
//
// Grounded on taktv6/tbgp's server/fsm.go FSM struct (con/con2, local/
// remote addresses, hold/keepalive/connectRetry timing, routerID/
// neighborID, msgRecv channels), reshaped from a struct a goroutine owns
// via channels into a plain struct the single-threaded internal/ioloop
// engine mutates directly.
package peer

import (
	"net"
	"time"

	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/timer"
)

// MaxMessageSize is the largest a single BGP message may be; the read
// buffer capacity equals this so a full message always fits contiguously
// after compaction.
const MaxMessageSize = bgp.MaxLen

// GRAFIState is the per-AFI/SAFI graceful-restart substate tracked on a
// peer.
type GRAFIState struct {
	Present    bool
	Forward    bool
	Restart    bool
	Restarting bool
}

// IsPresent, IsForwarding, SetRestarting and IsRestarting satisfy
// internal/gracefulrestart.AFIState without that package importing peer.
func (s *GRAFIState) IsPresent() bool        { return s.Present }
func (s *GRAFIState) IsForwarding() bool     { return s.Forward }
func (s *GRAFIState) SetRestarting(v bool)   { s.Restarting = v }
func (s *GRAFIState) IsRestarting() bool     { return s.Restarting }

// Stats are the per-peer message and error counters.
type Stats struct {
	MessagesSent     map[uint8]uint64
	MessagesReceived map[uint8]uint64
	LastRead         time.Time
	LastWrite        time.Time
	LastSentErrCode    uint8
	LastSentErrSubcode uint8
	LastRecvErrCode    uint8
	LastRecvErrSubcode uint8
	LastShutdownReason string // truncated to 255 bytes
}

func newStats() Stats {
	return Stats{
		MessagesSent:     map[uint8]uint64{},
		MessagesReceived: map[uint8]uint64{},
	}
}

// RecordSent increments the per-type sent counter and updates LastWrite.
func (s *Stats) RecordSent(typ uint8, now time.Time) {
	s.MessagesSent[typ]++
	s.LastWrite = now
}

// RecordReceived increments the per-type received counter and updates
// LastRead.
func (s *Stats) RecordReceived(typ uint8, now time.Time) {
	s.MessagesReceived[typ]++
	s.LastRead = now
}

// SetLastShutdownReason truncates reason to 255 bytes
func (s *Stats) SetLastShutdownReason(reason string) {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	s.LastShutdownReason = reason
}

// OutQueue is the ordered output byte stream for one peer, with a
// queued-byte counter used for back-pressure.
type OutQueue struct {
	buf         []byte
	HighWater   int
	LowWater    int
	XOFFSent    bool
}

// NewOutQueue returns a queue with the default 4:1 HIGH:LOW watermark ratio.
func NewOutQueue() *OutQueue {
	const high = 1 << 20 // 1 MiB
	return &OutQueue{HighWater: high, LowWater: high / 4}
}

// Enqueue appends b to the queue and reports whether the queue just
// crossed above HighWater (caller should send XOFF).
func (q *OutQueue) Enqueue(b []byte) (crossedHigh bool) {
	wasBelow := len(q.buf) < q.HighWater
	q.buf = append(q.buf, b...)
	return wasBelow && len(q.buf) >= q.HighWater
}

// Drain removes the first n bytes (successfully written) and reports
// whether the queue just dropped below LowWater (caller should send XON).
func (q *OutQueue) Drain(n int) (crossedLow bool) {
	wasAbove := len(q.buf) >= q.LowWater
	if n > len(q.buf) {
		n = len(q.buf)
	}
	q.buf = q.buf[n:]
	return wasAbove && len(q.buf) < q.LowWater
}

// Len reports the number of queued bytes.
func (q *OutQueue) Len() int { return len(q.buf) }

// Bytes returns the queued bytes (do not retain across a Drain).
func (q *OutQueue) Bytes() []byte { return q.buf }

// Peer is the central session entity.
type Peer struct {
	ID          uint32 // tree key
	TemplateID  uint32 // >0 for a clone; parent never points back
	IsTemplate  bool
	Descriptor  string

	RemoteAddr net.IP
	RemoteAS   uint32
	LocalAS    uint32
	Passive    bool // template/passive: wait for inbound rather than dial

	State         State
	PrevState     State
	ErrorCount    int
	LastErrReason string

	Conn      net.Conn
	Direction Direction
	ReadBuf   []byte // capacity MaxMessageSize
	RPos      int    // bytes valid in ReadBuf
	WPos      int    // not maintained by the pump; RPos is the buffered byte count
	Out       *OutQueue
	Throttled bool

	Timers timer.Wheel

	ConfiguredHoldtime  uint16
	NegotiatedHoldtime  uint16
	IdleHoldInterval    time.Duration // current backoff value
	IdleHoldCeiling     time.Duration

	Announced  *capability.Set
	PeerCaps   *capability.Set
	Negotiated *capability.Set

	Stats Stats

	LocalAddr    net.IP
	LocalAltAddr net.IP
	RemoteLearned net.IP
	IfIndex      int

	GR            map[capability.AFISAFI]*GRAFIState
	GRPeerTimeout uint16

	RestartIndicationClean bool // we completed our last restart cleanly
}

// DefaultIdleHold is the initial IdleHold interval.
const DefaultIdleHold = 5 * time.Second

// New returns a freshly configured peer in state None.
func New(id uint32, remote net.IP, remoteAS, localAS uint32, configuredHoldtime uint16) *Peer {
	return &Peer{
		ID:                 id,
		RemoteAddr:         remote,
		RemoteAS:           remoteAS,
		LocalAS:            localAS,
		State:              None,
		ConfiguredHoldtime: configuredHoldtime,
		IdleHoldInterval:   DefaultIdleHold,
		IdleHoldCeiling:    2 * time.Minute,
		Stats:              newStats(),
		GR:                 map[capability.AFISAFI]*GRAFIState{},
	}
}

// AllocateBuffers creates the read buffer and output queue; called on the
// Idle->Connect/Active transition, allocated a little earlier than strictly
// needed and released on return to Idle, matching the con/con2 lifecycle
// in taktv6/tbgp's FSM struct.
func (p *Peer) AllocateBuffers() {
	if p.ReadBuf == nil {
		p.ReadBuf = make([]byte, MaxMessageSize)
	}
	if p.Out == nil {
		p.Out = NewOutQueue()
	}
}

// ReleaseBuffers clears buffers on return to Idle.
func (p *Peer) ReleaseBuffers() {
	p.ReadBuf = nil
	p.RPos = 0
	p.WPos = 0
	p.Out = nil
}

// DoubleIdleHold doubles the backoff up to half of the configured ceiling
//.
func (p *Peer) DoubleIdleHold() {
	next := p.IdleHoldInterval * 2
	max := p.IdleHoldCeiling / 2
	if next > max {
		next = max
	}
	if next < DefaultIdleHold {
		next = DefaultIdleHold
	}
	p.IdleHoldInterval = next
}

// HalveIdleHold is the preserved source quirk from : after an
// "unsupported optional parameter" NOTIFICATION the IdleHold is halved
// rather than doubled, to be generous during capability probing.
func (p *Peer) HalveIdleHold() {
	next := p.IdleHoldInterval / 2
	if next < DefaultIdleHold {
		next = DefaultIdleHold
	}
	p.IdleHoldInterval = next
}

// ResetIdleHold clears the backoff back to its initial value, called after
// IdleHoldReset fires on a stable Established session.
func (p *Peer) ResetIdleHold() {
	p.IdleHoldInterval = DefaultIdleHold
	p.ErrorCount = 0
}
