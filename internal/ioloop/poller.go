package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness events the loop wants notified for a
// registered fd.
type Interest struct {
	Readable bool
	Writable bool
}

func (i Interest) mask() uint32 {
	var m uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if i.Readable {
		m |= unix.EPOLLIN
	}
	if i.Writable {
		m |= unix.EPOLLOUT
	}
	return m
}

// Event is one readiness notification returned from Wait.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Error    bool // EPOLLERR or EPOLLHUP: the caller should treat the conn as dead
}

// Poller is a thin wrapper over Linux epoll covering every peer socket,
// listener, and the parent/RDE pipes in one set, matching the "one
// process, one goroutine" event-loop model this system replaces
// server/fsm.go's per-peer goroutine-and-channel design with.
type Poller struct {
	epfd int
}

// NewPoller creates the epoll instance backing the loop's single poll
// set for its entire lifetime.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Add registers fd for the given interest set.
func (p *Poller) Add(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: interest.mask(), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// Modify updates the interest set for an already-registered fd — used
// when a peer's output queue drains below LOW and EPOLLOUT interest is
// dropped, or a partial write means it must be added.
func (p *Poller) Modify(fd int, interest Interest) error {
	ev := &unix.EpollEvent{Events: interest.mask(), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// Remove drops fd from the poll set. Safe to call even if the fd was
// already closed out from under epoll (EBADF/ENOENT are swallowed)
// since a closed fd is implicitly dropped by the kernel anyway.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// Wait blocks up to timeoutMs (-1 blocks indefinitely, 0 returns
// immediately) and appends ready events into dst, returning the
// populated slice. dst is reused across calls to avoid per-tick
// allocation; its capacity bounds how many events one call can report,
// matching the "one epoll_wait per tick" shape of the loop.
func (p *Poller) Wait(dst []unix.EpollEvent, timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, dst[:cap(dst)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := dst[i]
		out = append(out, Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&unix.EPOLLIN != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Error:    raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}
