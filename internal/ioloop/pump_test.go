package ioloop

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/openbgpd-go/sessiond/internal/msg"
	"github.com/openbgpd-go/sessiond/internal/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeer() *peer.Peer {
	p := peer.New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 90)
	p.AllocateBuffers()
	return p
}

func readerFor(b []byte) func([]byte) (int, error) {
	r := bytes.NewReader(b)
	return func(dst []byte) (int, error) {
		n, err := r.Read(dst)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
}

func TestPumpDecodesOneKeepalive(t *testing.T) {
	p := testPeer()
	ka := msg.EncodeKeepalive()
	res, err := Pump(p, readerFor(ka), 3)
	require.NoError(t, err)
	require.Len(t, res.Decoded, 1)
	assert.False(t, res.Pending)
	assert.Equal(t, 0, p.RPos, "a fully consumed buffer compacts to empty")
}

func TestPumpDecodesMultipleAndCompactsPartial(t *testing.T) {
	p := testPeer()
	two := append(msg.EncodeKeepalive(), msg.EncodeKeepalive()...)
	partial := append(two, msg.EncodeKeepalive()[:10]...)

	res, err := Pump(p, readerFor(partial), 3)
	require.NoError(t, err)
	require.Len(t, res.Decoded, 2)
	assert.Equal(t, 10, p.RPos, "the trailing partial message survives compaction")
}

func TestPumpStopsAtBudgetAndFlagsPending(t *testing.T) {
	p := testPeer()
	var all []byte
	for i := 0; i < PumpBudget+5; i++ {
		all = append(all, msg.EncodeKeepalive()...)
	}

	res, err := Pump(p, readerFor(all), 3)
	require.NoError(t, err)
	assert.Len(t, res.Decoded, PumpBudget)
	assert.True(t, res.Pending)
}

func TestPumpFlagsConnDeadOnGarbage(t *testing.T) {
	p := testPeer()
	garbage := make([]byte, 19)
	res, err := Pump(p, readerFor(garbage), 3)
	require.NoError(t, err)
	assert.True(t, res.ConnDead)
}
