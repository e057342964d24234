package ioloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

func TestApplySocketOptionsPlain(t *testing.T) {
	fd := newTestSocket(t)
	err := ApplySocketOptions(fd, SocketOptions{TTL: 2, TOS: InternetworkControl})
	require.NoError(t, err)

	ttl, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL)
	require.NoError(t, err)
	assert.Equal(t, 2, ttl)

	tos, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS)
	require.NoError(t, err)
	assert.Equal(t, InternetworkControl, tos)
}

func TestApplySocketOptionsGTSM(t *testing.T) {
	fd := newTestSocket(t)
	err := ApplySocketOptions(fd, SocketOptions{GTSM: true, GTSMHops: 1})
	require.NoError(t, err)

	ttl, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL)
	require.NoError(t, err)
	assert.Equal(t, 255, ttl)

	minTTL, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MINTTL)
	require.NoError(t, err)
	assert.Equal(t, 255, minTTL)
}

func TestSetBufSizesSucceedsAtRequestedOrSmaller(t *testing.T) {
	fd := newTestSocket(t)
	err := setBufSizes(fd, initialSendRecvBuf)
	require.NoError(t, err)

	got, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, minSendRecvBuf)
}
