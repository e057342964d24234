package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutQueueWatermarks(t *testing.T) {
	q := &OutQueue{HighWater: 100, LowWater: 25}

	crossed := q.Enqueue(make([]byte, 50))
	assert.False(t, crossed)

	crossed = q.Enqueue(make([]byte, 60))
	assert.True(t, crossed, "queue should cross HighWater at 110 bytes")
	assert.Equal(t, 110, q.Len())

	low := q.Drain(70)
	assert.False(t, low, "40 bytes remain, still above LowWater=25")

	low = q.Drain(20)
	assert.True(t, low, "20 bytes remain, now below LowWater=25")
}

func TestIdleHoldDoublesAndCaps(t *testing.T) {
	p := New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 180)
	assert.Equal(t, DefaultIdleHold, p.IdleHoldInterval)

	p.DoubleIdleHold()
	assert.Equal(t, 2*DefaultIdleHold, p.IdleHoldInterval)

	for i := 0; i < 10; i++ {
		p.DoubleIdleHold()
	}
	assert.LessOrEqual(t, p.IdleHoldInterval, p.IdleHoldCeiling/2)
}

func TestHalveIdleHoldFloorsAtDefault(t *testing.T) {
	p := New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 180)
	p.IdleHoldInterval = DefaultIdleHold
	p.HalveIdleHold()
	assert.Equal(t, DefaultIdleHold, p.IdleHoldInterval, "halving never goes below the default")
}

func TestResetIdleHoldClearsBackoffAndErrors(t *testing.T) {
	p := New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 180)
	p.DoubleIdleHold()
	p.DoubleIdleHold()
	p.ErrorCount = 3

	p.ResetIdleHold()
	assert.Equal(t, DefaultIdleHold, p.IdleHoldInterval)
	assert.Equal(t, 0, p.ErrorCount)
}

func TestAllocateReleaseBuffers(t *testing.T) {
	p := New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 180)
	assert.Nil(t, p.ReadBuf)

	p.AllocateBuffers()
	require.NotNil(t, p.ReadBuf)
	require.NotNil(t, p.Out)
	assert.Len(t, p.ReadBuf, MaxMessageSize)

	p.RPos = 10
	p.ReleaseBuffers()
	assert.Nil(t, p.ReadBuf)
	assert.Nil(t, p.Out)
	assert.Equal(t, 0, p.RPos)
}

func TestStatsRecordSentReceived(t *testing.T) {
	p := New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 180)
	now := time.Unix(1000, 0)

	p.Stats.RecordSent(2, now)
	p.Stats.RecordReceived(2, now.Add(time.Second))

	assert.EqualValues(t, 1, p.Stats.MessagesSent[2])
	assert.EqualValues(t, 1, p.Stats.MessagesReceived[2])
	assert.Equal(t, now, p.Stats.LastWrite)
	assert.Equal(t, now.Add(time.Second), p.Stats.LastRead)
}

func TestStatsShutdownReasonTruncated(t *testing.T) {
	var s Stats
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	s.SetLastShutdownReason(string(long))
	assert.Len(t, s.LastShutdownReason, 255)
}

func TestSetInsertGetDeleteOrdered(t *testing.T) {
	s := NewSet()
	p3 := New(3, net.ParseIP("192.0.2.3"), 65003, 65000, 180)
	p1 := New(1, net.ParseIP("192.0.2.1"), 65001, 65000, 180)
	p2 := New(2, net.ParseIP("192.0.2.2"), 65002, 65000, 180)

	s.Insert(p3)
	s.Insert(p1)
	s.Insert(p2)

	require.Equal(t, 3, s.Len())
	ids := []uint32{}
	for _, p := range s.All() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []uint32{1, 2, 3}, ids)

	assert.Equal(t, p2, s.Get(2))
	assert.Equal(t, p2, s.ByRemoteAddr(net.ParseIP("192.0.2.2")))

	s.Delete(2)
	assert.Nil(t, s.Get(2))
	assert.Equal(t, 2, s.Len())
}

func TestSetEachStopsEarly(t *testing.T) {
	s := NewSet()
	for i := uint32(1); i <= 5; i++ {
		s.Insert(New(i, net.ParseIP("192.0.2.1"), 65000+i, 65000, 180))
	}
	var visited []uint32
	s.Each(func(p *Peer) bool {
		visited = append(visited, p.ID)
		return p.ID < 3
	})
	assert.Equal(t, []uint32{1, 2, 3}, visited)
}
