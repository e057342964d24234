// Package rde implements the framed inter-process bridge to the
// route-decision engine process. Session lifecycle notifications and raw
// UPDATE bodies flow out over this pipe; NOTIFICATION requests and
// back-pressure signals flow back in.
//
// Grounded on transitorykris-kbgp's stream package (length-prefixed reads
// off a byte source) and queue package (a mutex-protected [][]byte FIFO),
// adapted from kBGP's loopback byte-stream idiom into this system's
// one-frame-per-message private IPC protocol, and on internal/ioloop's
// pump.go for the read/decode/compact loop shape — the RDE pipe is just
// another readiness-driven fd in the same poll set as peer sockets.
package rde

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/openbgpd-go/sessiond/internal/capability"
	"github.com/openbgpd-go/sessiond/internal/peer"
)

// Frame type octets carried on the RDE pipe.
const (
	MsgSessionAdd uint8 = iota + 1
	MsgSessionUp
	MsgSessionDown
	MsgUpdate
	MsgUpdateErr
	MsgSessionStale
	MsgSessionNograce
	MsgSessionFlush
	MsgSessionRestarted
	MsgRefresh
	MsgXON
	MsgXOFF
)

// frameHeaderLen is the 4-byte length prefix plus 1-byte type octet plus
// the 4-byte peer ID every frame carries.
const frameHeaderLen = 9

// maxFrameLen bounds a single RDE frame; an UPDATE body is at most
// bgp.MaxLen, so this leaves headroom for the framing overhead.
const maxFrameLen = 1 << 20

// Inbound is one decoded message read off the RDE pipe: UPDATE_ERR asks
// the engine to send a NOTIFICATION on the peer's behalf, XON/XOFF toggle
// read-side back-pressure.
type Inbound struct {
	Type    uint8
	PeerID  uint32
	Code    uint8 // UPDATE_ERR only
	Subcode uint8 // UPDATE_ERR only
	Data    []byte
}

// Bridge is the framed connection to the RDE process: a raw non-blocking
// fd so it can sit in the same epoll set as peer sockets, an output
// queue in queue.go's push/pop idiom, and an input buffer decoded the
// way pump.go decodes peer traffic.
type Bridge struct {
	fd int

	in    []byte
	inLen int

	outQ [][]byte
}

// Dial connects to the RDE process's Unix-domain socket at path and
// returns a Bridge ready to be registered with the poller.
func Dial(path string) (*Bridge, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("rde: socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rde: connect %s: %w", path, err)
	}
	return &Bridge{fd: fd, in: make([]byte, 64*1024)}, nil
}

// Fd exposes the bridge's socket so the engine can register it with its
// poller like any other fd.
func (b *Bridge) Fd() int { return b.fd }

func (b *Bridge) Close() error { return unix.Close(b.fd) }

func (b *Bridge) push(typ uint8, peerID uint32, payload []byte) {
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(5+len(payload)))
	frame[4] = typ
	binary.BigEndian.PutUint32(frame[5:9], peerID)
	copy(frame[9:], payload)
	b.outQ = append(b.outQ, frame)
}

// Flush writes as much of the queued outbound frames as the socket will
// currently accept, matching HandleWritable's partial-write handling for
// peer sockets.
func (b *Bridge) Flush() error {
	for len(b.outQ) > 0 {
		head := b.outQ[0]
		n, err := unix.Write(b.fd, head)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rde: write: %w", err)
		}
		if n < len(head) {
			b.outQ[0] = head[n:]
			return nil
		}
		b.outQ = b.outQ[1:]
	}
	return nil
}

// Pending reports whether Flush still has queued bytes to write, so the
// engine knows whether to keep EPOLLOUT interest armed on the bridge fd.
func (b *Bridge) Pending() bool { return len(b.outQ) > 0 }

// ReadFrames drains whatever is currently available on the bridge and
// decodes as many complete frames as are buffered, the same
// read-then-decode-then-compact shape as internal/ioloop.Pump.
func (b *Bridge) ReadFrames() ([]Inbound, error) {
	n, err := unix.Read(b.fd, b.in[b.inLen:])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		err = nil
	} else if err != nil {
		return nil, fmt.Errorf("rde: read: %w", err)
	}
	b.inLen += n

	var out []Inbound
	base := 0
	for {
		avail := b.inLen - base
		if avail < frameHeaderLen {
			break
		}
		length := binary.BigEndian.Uint32(b.in[base : base+4])
		if length < 5 || int(length) > maxFrameLen {
			return out, fmt.Errorf("rde: corrupt frame length %d", length)
		}
		total := 4 + int(length)
		if avail < total {
			if total > len(b.in) {
				grown := make([]byte, total)
				copy(grown, b.in[base:b.inLen])
				b.in = grown
				b.inLen -= base
				base = 0
			}
			break
		}

		typ := b.in[base+4]
		peerID := binary.BigEndian.Uint32(b.in[base+5 : base+9])
		payload := append([]byte(nil), b.in[base+9:base+total]...)

		frame := Inbound{Type: typ, PeerID: peerID, Data: payload}
		if typ == MsgUpdateErr && len(payload) >= 2 {
			frame.Code, frame.Subcode = payload[0], payload[1]
			frame.Data = payload[2:]
		}
		out = append(out, frame)
		base += total
	}

	if base > 0 {
		copy(b.in, b.in[base:b.inLen])
		b.inLen -= base
	}
	return out, nil
}

func encodeAFISAFI(afi capability.AFISAFI) []byte {
	return []byte{byte(afi.AFI >> 8), byte(afi.AFI), afi.SAFI}
}

func encodeString(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(s)))
	copy(b[2:], s)
	return b
}

// SessionAdd tells the RDE a new peer configuration exists, ahead of any
// SessionUp for it — sent once from internal/engine when a configured
// peer is first created rather than through the fsm.Sink interface.
func (b *Bridge) SessionAdd(p *peer.Peer) {
	payload := append(encodeString(p.RemoteAddr.String()), byte(p.RemoteAS>>24), byte(p.RemoteAS>>16), byte(p.RemoteAS>>8), byte(p.RemoteAS))
	b.push(MsgSessionAdd, p.ID, payload)
}

// The remaining methods implement internal/ioloop.RDEBridge.

func (b *Bridge) SessionUp(p *peer.Peer, negotiated *capability.Set, localAddr, remoteAddr string) {
	payload := append(encodeString(localAddr), encodeString(remoteAddr)...)
	b.push(MsgSessionUp, p.ID, payload)
}

func (b *Bridge) SessionDown(p *peer.Peer) {
	b.push(MsgSessionDown, p.ID, nil)
}

func (b *Bridge) SessionStale(p *peer.Peer, afi capability.AFISAFI) {
	b.push(MsgSessionStale, p.ID, encodeAFISAFI(afi))
}

func (b *Bridge) SessionNograce(p *peer.Peer, afi capability.AFISAFI) {
	b.push(MsgSessionNograce, p.ID, encodeAFISAFI(afi))
}

func (b *Bridge) SessionFlush(p *peer.Peer, afi capability.AFISAFI) {
	b.push(MsgSessionFlush, p.ID, encodeAFISAFI(afi))
}

func (b *Bridge) SessionRestarted(p *peer.Peer, afi capability.AFISAFI) {
	b.push(MsgSessionRestarted, p.ID, encodeAFISAFI(afi))
}

func (b *Bridge) ForwardUpdate(p *peer.Peer, body []byte) {
	b.push(MsgUpdate, p.ID, body)
}

func (b *Bridge) RequestRefresh(p *peer.Peer, afi capability.AFISAFI) {
	b.push(MsgRefresh, p.ID, encodeAFISAFI(afi))
}
