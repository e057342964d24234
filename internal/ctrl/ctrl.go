// Package ctrl implements the minimal read-only control socket: a
// Unix-domain listener that, on each accepted connection, writes one
// JSON snapshot of every peer's state and closes. It stands in for the
// out-of-scope "control sockets" collaborator the external interfaces
// describe as out of scope beyond accept/close bookkeeping, supplying
// just enough of a read surface that the repository can report what it
// is doing.
//
// Grounded on server/fsm.go's plain net.Listener accept loop, rebuilt
// as a raw non-blocking fd so it can sit in the engine's own poll set
// (step 6: accept on control sockets then listeners) instead of owning
// its own goroutine. Uses stdlib net/encoding/json — no pack example
// defines a private control protocol, and this one is a handful of
// read-only fields, not a general RPC surface worth pulling in a
// library for.
package ctrl

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openbgpd-go/sessiond/internal/peer"
)

// PeerSnapshot is the read-only view of one peer exposed over the
// control socket.
type PeerSnapshot struct {
	ID           uint32 `json:"id"`
	Descriptor   string `json:"descriptor"`
	RemoteAddr   string `json:"remote_addr"`
	RemoteAS     uint32 `json:"remote_as"`
	State        string `json:"state"`
	ErrorCount   int    `json:"error_count"`
	LastRead     string `json:"last_read,omitempty"`
	LastWrite    string `json:"last_write,omitempty"`
	OutQueueLen  int    `json:"out_queue_len"`
}

// Snapshot returns one PeerSnapshot per peer, in ID order.
func Snapshot(peers []*peer.Peer) []PeerSnapshot {
	out := make([]PeerSnapshot, 0, len(peers))
	for _, p := range peers {
		s := PeerSnapshot{
			ID:         p.ID,
			Descriptor: p.Descriptor,
			RemoteAS:   p.RemoteAS,
			State:      p.State.String(),
			ErrorCount: p.ErrorCount,
		}
		if p.RemoteAddr != nil {
			s.RemoteAddr = p.RemoteAddr.String()
		}
		if !p.Stats.LastRead.IsZero() {
			s.LastRead = p.Stats.LastRead.Format(time.RFC3339)
		}
		if !p.Stats.LastWrite.IsZero() {
			s.LastWrite = p.Stats.LastWrite.Format(time.RFC3339)
		}
		if p.Out != nil {
			s.OutQueueLen = p.Out.Len()
		}
		out = append(out, s)
	}
	return out
}

// Listener is a non-blocking Unix-domain socket accepting control
// connections, registered with the engine's poller like any other fd.
type Listener struct {
	fd   int
	path string
}

// Listen creates (replacing any stale socket file) a control listener
// at path.
func Listen(path string) (*Listener, error) {
	unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrl: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrl: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrl: listen %s: %w", path, err)
	}
	return &Listener{fd: fd, path: path}, nil
}

func (l *Listener) Fd() int { return l.fd }

func (l *Listener) Close() error {
	unix.Unlink(l.path)
	return unix.Close(l.fd)
}

// Accept accepts one pending connection, returning (-1, nil) if none is
// ready — the EAGAIN case on a non-blocking listener fd.
func (l *Listener) Accept() (int, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("ctrl: accept: %w", err)
	}
	return nfd, nil
}

// Respond writes the JSON-encoded snapshot to the accepted connection fd
// and closes it. One best-effort write: a control client is expected to
// read promptly, and the engine's single-threaded loop cannot afford to
// block or re-queue a partial write for a diagnostic-only socket.
func Respond(fd int, peers []*peer.Peer) error {
	defer unix.Close(fd)
	body, err := json.Marshal(Snapshot(peers))
	if err != nil {
		return fmt.Errorf("ctrl: marshal snapshot: %w", err)
	}
	body = append(body, '\n')
	if _, err := unix.Write(fd, body); err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return fmt.Errorf("ctrl: write: %w", err)
	}
	return nil
}
