// Package ioloop implements the single-threaded, readiness-driven event
// loop: one process, one goroutine, one epoll set covering every peer
// socket, listener, and the parent/RDE pipes. It is the rewrite of
// server/fsm.go's per-peer goroutine-and-channel model (msgReceiver,
// tcpConnector, the fsm.t tomb) into the explicit tick-based engine the
// FSM's effects are applied against.
package ioloop

import (
	"github.com/openbgpd-go/sessiond/internal/bgp"
	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/peer"
)

// PumpBudget is the maximum number of complete messages drained from one
// peer's read buffer in a single tick, after which the loop rearms that
// peer for immediate (zero-timeout) re-polling instead of starving every
// other peer.
const PumpBudget = 100

// PumpResult reports what Pump did with one readability event.
type PumpResult struct {
	Decoded  []*msg.Message
	Raw      [][]byte // raw wire bytes for each entry in Decoded, same order — for MRT teeing
	Pending  bool     // hit PumpBudget; caller must rearm this peer for a zero-timeout poll
	ConnDead bool     // a fatal decode error occurred; caller must have already moved the FSM to Idle
}

// Pump reads available bytes into p.ReadBuf, then decodes as many
// complete messages as fit within PumpBudget, compacting the buffer
// afterward. It never blocks: read is expected to return io.EOF or
// whatever bytes are already available for a readiness-driven socket.
//
// read is injected so this stays unit-testable against an in-memory
// byte source instead of a real socket.
func Pump(p *peer.Peer, read func([]byte) (int, error), minHoldtime uint16) (PumpResult, error) {
	var result PumpResult

	n, err := read(p.ReadBuf[p.RPos:])
	if n > 0 {
		p.RPos += n
	}
	if err != nil && n == 0 {
		return result, err
	}

	decoded := 0
	base := 0
	for decoded < PumpBudget {
		avail := p.RPos - base
		if avail < bgp.HeaderLen {
			break
		}
		hdr, hdrErr := bgp.ParseHeader(p.ReadBuf[base:p.RPos])
		if hdrErr != nil {
			result.ConnDead = true
			break
		}
		if avail < int(hdr.Length) {
			break
		}

		m, decErr := msg.Decode(p.ReadBuf[base:base+int(hdr.Length)], minHoldtime)
		if decErr != nil {
			result.ConnDead = true
			break
		}
		result.Decoded = append(result.Decoded, m)
		result.Raw = append(result.Raw, append([]byte(nil), p.ReadBuf[base:base+int(hdr.Length)]...))
		base += int(hdr.Length)
		decoded++
	}

	if decoded >= PumpBudget {
		result.Pending = true
	}

	compact(p, base)
	return result, nil
}

// compact slides any unconsumed bytes (from consumed onward) down to the
// front of p.ReadBuf, so a subsequent read always appends after a
// contiguous prefix and a message of up to MaxMessageSize always fits
// without wrapping.
func compact(p *peer.Peer, consumed int) {
	if consumed == 0 {
		return
	}
	remaining := p.RPos - consumed
	if remaining > 0 {
		copy(p.ReadBuf, p.ReadBuf[consumed:p.RPos])
	}
	p.RPos = remaining
}
