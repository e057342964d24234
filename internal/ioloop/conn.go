package ioloop

import "golang.org/x/sys/unix"

// fdConn adapts a raw non-blocking socket fd to the Conn interface the
// loop reads and writes peer traffic through.
type fdConn struct {
	fd int
}

// NewConn adapts an already-connected raw fd (e.g. from an accepted
// listener socket) to the Conn interface, for callers outside this
// package that need to register a fd the loop itself did not create.
func NewConn(fd int) Conn { return &fdConn{fd: fd} }

func (c *fdConn) Fd() int { return c.fd }

func (c *fdConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

func (c *fdConn) Write(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

func (c *fdConn) Close() error {
	return unix.Close(c.fd)
}
