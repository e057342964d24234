// Package parent implements the framed bridge to the privileged parent
// process: listener and RDE socket descriptors arrive over this pipe via
// SCM_RIGHTS ancillary data, staged configuration reloads are driven by
// it, and MRT sink open/reopen/close requests arrive on it. PFKEY_RELOAD
// (asking the parent to push fresh TCP-MD5/IPsec key material to the
// kernel) is the only message this side sends.
//
// Grounded the same way as internal/rde: transitorykris-kbgp's stream/
// queue packages for the length-prefixed-frame idiom, internal/ioloop's
// pump.go for the read/decode/compact loop. FD passing uses
// golang.org/x/sys/unix's Recvmsg/Sendmsg and UnixRights helpers, the
// same package internal/ioloop already depends on for epoll and socket
// options — there is no precedent for SCM_RIGHTS handling anywhere in
// the reference pack, but it is the only way to receive a listening
// socket handed down by a privileged parent, and x/sys/unix is already a
// justified dependency for exactly this kind of raw syscall access.
package parent

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Frame type octets carried on the parent pipe.
const (
	MsgSocketConn uint8 = iota + 1
	MsgSocketConnCtl
	MsgReconfConf
	MsgReconfPeer
	MsgReconfListener
	MsgReconfCtrl
	MsgReconfDrain
	MsgReconfDone
	MsgMRTOpen
	MsgMRTReopen
	MsgMRTClose
	MsgPFKeyReload
)

const frameHeaderLen = 5 // 4-byte length prefix + 1-byte type

// Inbound is one message read off the parent pipe. Fd is set (and valid
// until the caller consumes it) only for SOCKET_CONN/SOCKET_CONN_CTL.
type Inbound struct {
	Type uint8
	Fd   int
	Data []byte
}

// Bridge is the framed connection to the parent process.
type Bridge struct {
	fd int

	in    []byte
	inLen int

	outQ [][]byte
}

// FromFd wraps an already-connected Unix-domain socket fd — the child
// process inherits this fd at exec time, it does not dial anything.
func FromFd(fd int) (*Bridge, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("parent: set nonblocking: %w", err)
	}
	return &Bridge{fd: fd, in: make([]byte, 64*1024)}, nil
}

func (b *Bridge) Fd() int      { return b.fd }
func (b *Bridge) Close() error { return unix.Close(b.fd) }

func (b *Bridge) push(typ uint8, payload []byte) {
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = typ
	copy(frame[5:], payload)
	b.outQ = append(b.outQ, frame)
}

// Flush writes queued outbound frames, matching rde.Bridge.Flush.
func (b *Bridge) Flush() error {
	for len(b.outQ) > 0 {
		head := b.outQ[0]
		n, err := unix.Write(b.fd, head)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parent: write: %w", err)
		}
		if n < len(head) {
			b.outQ[0] = head[n:]
			return nil
		}
		b.outQ = b.outQ[1:]
	}
	return nil
}

func (b *Bridge) Pending() bool { return len(b.outQ) > 0 }

// PFKeyReload asks the parent to (re)install TCP-MD5/IPsec key material
// for peerID — the only outbound message on this pipe.
func (b *Bridge) PFKeyReload(peerID uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, peerID)
	b.push(MsgPFKeyReload, payload)
}

// ReadFrames drains available bytes and decodes complete frames,
// receiving one passed fd via SCM_RIGHTS per SOCKET_CONN/
// SOCKET_CONN_CTL frame.
func (b *Bridge) ReadFrames() ([]Inbound, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(b.fd, b.in[b.inLen:], oob, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		err = nil
	} else if err != nil {
		return nil, fmt.Errorf("parent: recvmsg: %w", err)
	}
	b.inLen += n

	var passedFd int = -1
	if oobn > 0 {
		scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, scm := range scms {
				fds, rerr := unix.ParseUnixRights(&scm)
				if rerr == nil && len(fds) > 0 {
					passedFd = fds[0]
				}
			}
		}
	}

	var out []Inbound
	base := 0
	for {
		avail := b.inLen - base
		if avail < frameHeaderLen {
			break
		}
		length := binary.BigEndian.Uint32(b.in[base : base+4])
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
		payload := append([]byte(nil), b.in[base+5:base+total]...)
		frame := Inbound{Type: typ, Fd: -1, Data: payload}
		if typ == MsgSocketConn || typ == MsgSocketConnCtl {
			frame.Fd = passedFd
			passedFd = -1
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
