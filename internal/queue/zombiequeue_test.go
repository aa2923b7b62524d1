package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
)

func TestZombieQueueUnicastAddAndDequeue(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewZombieQueue(pool, 6 /* HighLatZLR */, 0, 0)

	zq.AddZombieBytes(2000, 0)
	require.EqualValues(t, 2000, zq.TotalDequeueSize())

	pkt := zq.Dequeue(1500, 0)
	require.NotNil(t, pkt)
	require.True(t, pkt.IsZombie)
	require.EqualValues(t, SingleDequeueLenBytes, pkt.VirtualLength)
	require.EqualValues(t, 2000-SingleDequeueLenBytes, zq.TotalDequeueSize())
}

func TestZombieQueueDequeueCapsAtSingleDequeueLen(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewZombieQueue(pool, 6, 0, 0)
	zq.AddZombieBytes(5000, 0)

	pkt := zq.Dequeue(999999, 0)
	require.EqualValues(t, SingleDequeueLenBytes, pkt.VirtualLength)
}

func TestZombieQueueDequeueNilWhenEmpty(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewZombieQueue(pool, 6, 0, 0)
	require.Nil(t, zq.Dequeue(1500, 0))
}

// exhaustedSynth models a packet pool with no free slots.
type exhaustedSynth struct{}

func (exhaustedSynth) TryGet(packetpool.RecvTimeMode) *packet.Packet { return nil }
func (exhaustedSynth) Recycle(*packet.Packet)                        {}

func TestZombieQueueDequeueSkipsSynthesisOnPoolExhaustion(t *testing.T) {
	zq := NewZombieQueue(exhaustedSynth{}, 6, 0, 0)
	zq.AddZombieBytes(2000, 0)

	require.Nil(t, zq.Dequeue(1500, 0))
	require.EqualValues(t, 2000, zq.TotalDequeueSize(), "skipped synthesis must leave the counter intact for a later round")
}

func TestZombieQueueEnqueueRecyclesRealPacket(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewZombieQueue(pool, 6, 0, 0)
	pkt := pool.Get(packetpool.RecvTimeNone)
	pkt.Data = append(pkt.Data, make([]byte, 300)...)

	require.True(t, zq.Enqueue(pkt))
	require.EqualValues(t, 300, zq.TotalDequeueSize())

	again := pool.Get(packetpool.RecvTimeNone)
	require.Equal(t, pkt.Slot(), again.Slot(), "enqueued packet's slot should have been recycled immediately")
}

func TestZombieQueueMulticastPerDestinationCounts(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewMulticastZombieQueue(pool, 6, 0, 0, 8)

	zq.AddZombieBytes(1000, 0b0001)
	zq.AddZombieBytes(2000, 0b0010)

	require.EqualValues(t, 1000, zq.TotalDequeueSizeForBin(0))
	require.EqualValues(t, 2000, zq.TotalDequeueSizeForBin(1))

	pkt := zq.Dequeue(1500, 0b0001)
	require.NotNil(t, pkt)
	require.EqualValues(t, 1000, pkt.VirtualLength)
	require.EqualValues(t, 0, zq.TotalDequeueSizeForBin(0))
	require.EqualValues(t, 2000, zq.TotalDequeueSizeForBin(1), "other destination's bytes must be untouched")
}

func TestZombieQueuePurgeZeroesCounts(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewZombieQueue(pool, 6, 0, 0)
	zq.AddZombieBytes(500, 0)
	zq.Purge()
	require.EqualValues(t, 0, zq.Count())
}

func TestZombieQueueDropPacketSubtractsBytes(t *testing.T) {
	pool := packetpool.New(16)
	zq := NewZombieQueue(pool, 6, 0, 0)
	zq.AddZombieBytes(1000, 0)
	dropped := zq.DropPacket(400, 0)
	require.EqualValues(t, 400, dropped)
	require.EqualValues(t, 600, zq.TotalDequeueSize())
}
