package ioloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// InternetworkControl is the TOS byte BGP sessions are conventionally
// marked with (RFC 1812 precedence 6 / DSCP CS6), matching the class of
// traffic treatment routing protocols expect from the network.
const InternetworkControl = 0xc0

// initialSendRecvBuf is the starting SO_SNDBUF/SO_RCVBUF size; on EINVAL
// (the kernel refusing a buffer this large) ApplySocketOptions halves it
// and retries down to minSendRecvBuf before giving up.
const (
	initialSendRecvBuf = 64 * 1024
	minSendRecvBuf     = 8 * 1024
)

// SocketOptions bundles the per-peer knobs applied to a freshly
// connected or accepted TCP socket before it joins the poll set.
type SocketOptions struct {
	TTL           int  // 0 leaves the kernel default
	GTSM          bool // RFC 5082 generalized TTL security: TTL=255, min-TTL enforced
	GTSMHops      int  // peer distance in hops when GTSM is set; min TTL on receive is 256-GTSMHops, so 1 means direct peers only
	TOS           int
	SendRecvBufKiB int // 0 uses initialSendRecvBuf
}

// ApplySocketOptions sets TTL/TOS/GTSM and send/recv buffer sizes on fd.
// Buffer sizing starts at the requested size (or initialSendRecvBuf) and
// halves on EINVAL until it succeeds or falls below minSendRecvBuf, since
// some kernels cap SO_SNDBUF/SO_RCVBUF well below what callers may ask
// for and a hard failure there shouldn't abort the whole connection.
func ApplySocketOptions(fd int, opt SocketOptions) error {
	ttl := opt.TTL
	minTTL := 0
	if opt.GTSM {
		ttl = 255
		minTTL = opt.GTSMHops
		if minTTL < 1 {
			minTTL = 1
		}
	}
	if ttl > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
			return err
		}
	}
	if opt.GTSM {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MINTTL, 256-minTTL); err != nil {
			return err
		}
	}
	if opt.TOS != 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, opt.TOS); err != nil {
			return err
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}

	want := opt.SendRecvBufKiB * 1024
	if want == 0 {
		want = initialSendRecvBuf
	}
	if err := setBufSizes(fd, want); err != nil {
		return err
	}
	return nil
}

func setBufSizes(fd int, want int) error {
	for size := want; size >= minSendRecvBuf; size /= 2 {
		errSnd := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
		errRcv := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		if errSnd == nil && errRcv == nil {
			return nil
		}
		if !errors.Is(errSnd, unix.EINVAL) && !errors.Is(errRcv, unix.EINVAL) {
			if errSnd != nil {
				return errSnd
			}
			return errRcv
		}
	}
	return nil // smallest size already attempted; leave the kernel default in place
}
