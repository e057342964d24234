package ioloop

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// BGPPort is the well-known TCP port BGP sessions run on, matching
// server/fsm.go's BGPPORT constant.
const BGPPort = 179

// DialOutbound opens a non-blocking TCP socket toward remote:179 and
// issues a non-blocking connect(), the rewrite of server/fsm.go's
// tcpConnector (which ran net.DialTCP synchronously inside its own
// goroutine) for a single-threaded, readiness-driven loop: the socket
// is registered for writable readiness and completion is observed later
// via ConnectResult, never by blocking here.
//
// A non-nil localAddr binds the socket's source address before
// connecting, matching the optional bind to a configured local address.
// EINPROGRESS is the expected, non-error outcome of a connect that
// hasn't completed yet; DialOutbound returns the fd and a nil error in
// that case so the caller can register it with the poller.
func DialOutbound(remote net.IP, localAddr net.IP, opt SocketOptions) (fd int, err error) {
	return dial(remote, localAddr, BGPPort, opt)
}

// dial is DialOutbound with an explicit port, factored out so tests can
// connect to an ephemeral listener instead of requiring port 179.
func dial(remote net.IP, localAddr net.IP, port int, opt SocketOptions) (fd int, err error) {
	family := unix.AF_INET
	if remote.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}

	if err := ApplySocketOptions(fd, opt); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	if localAddr != nil {
		if err := bindLocal(fd, family, localAddr); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	sa, err := sockaddr(family, remote, port)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func bindLocal(fd, family int, addr net.IP) error {
	sa, err := sockaddr(family, addr, 0)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

func sockaddr(family int, ip net.IP, port int) (unix.Sockaddr, error) {
	if family == unix.AF_INET6 {
		var addr [16]byte
		copy(addr[:], ip.To16())
		return &unix.SockaddrInet6{Addr: addr, Port: port}, nil
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, errors.New("ioloop: not an IPv4 address")
	}
	var addr [4]byte
	copy(addr[:], v4)
	return &unix.SockaddrInet4{Addr: addr, Port: port}, nil
}

// ConnectResult inspects a non-blocking connect()'s outcome once its fd
// has signaled writable readiness: SO_ERROR is zero on success, or the
// errno the kernel recorded for the failed attempt.
func ConnectResult(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
