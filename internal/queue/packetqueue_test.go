package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galpt/ironcore/internal/packetpool"
)

func TestPacketQueueEnqueueDequeueFIFO(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueue(pool, false)

	a := pool.Get(packetpool.RecvTimeNone)
	a.Data = append(a.Data, 1, 2, 3)
	b := pool.Get(packetpool.RecvTimeNone)
	b.Data = append(b.Data, 4, 5)

	require.True(t, q.Enqueue(a))
	require.True(t, q.Enqueue(b))
	require.EqualValues(t, 2, q.Count())

	got := q.Dequeue(1500, 0)
	require.Same(t, a, got)
	require.EqualValues(t, 1, q.Count())
}

func TestPacketQueueDequeueRespectsMaxSize(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueue(pool, false)
	pkt := pool.Get(packetpool.RecvTimeNone)
	pkt.Data = append(pkt.Data, make([]byte, 100)...)
	q.Enqueue(pkt)

	require.Nil(t, q.Dequeue(10, 0), "packet larger than max_size_bytes must not be dequeued")
	require.NotNil(t, q.Dequeue(100, 0))
}

func TestPacketQueueDropHeadWhenFull(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueueWithLimits(pool, 2, DropHead, false)

	first := pool.Get(packetpool.RecvTimeNone)
	second := pool.Get(packetpool.RecvTimeNone)
	third := pool.Get(packetpool.RecvTimeNone)

	require.True(t, q.Enqueue(first))
	require.True(t, q.Enqueue(second))
	require.True(t, q.Enqueue(third))
	require.EqualValues(t, 2, q.Count())

	got := q.Dequeue(1500, 0)
	require.Same(t, second, got, "oldest packet should have been head-dropped")
}

func TestPacketQueueDropTailWhenFull(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueueWithLimits(pool, 2, DropTail, false)

	first := pool.Get(packetpool.RecvTimeNone)
	second := pool.Get(packetpool.RecvTimeNone)
	third := pool.Get(packetpool.RecvTimeNone)

	q.Enqueue(first)
	q.Enqueue(second)
	q.Enqueue(third)
	require.EqualValues(t, 2, q.Count())

	got := q.Dequeue(1500, 0)
	require.Same(t, first, got, "newest packet should have been tail-dropped, oldest survives")
}

func TestPacketQueueNoDropRejectsEnqueueWhenFull(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueueWithLimits(pool, 1, DropNone, false)

	first := pool.Get(packetpool.RecvTimeNone)
	second := pool.Get(packetpool.RecvTimeNone)

	require.True(t, q.Enqueue(first))
	require.False(t, q.Enqueue(second), "NO_DROP queue must reject enqueue when full")
}

func TestPacketQueuePurgeRecyclesEverything(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueue(pool, false)
	a := pool.Get(packetpool.RecvTimeNone)
	q.Enqueue(a)
	q.Purge()
	require.EqualValues(t, 0, q.Count())

	// The slot should be reusable after purge recycled it.
	got := pool.Get(packetpool.RecvTimeNone)
	require.Equal(t, a.Slot(), got.Slot())
}

func TestPacketQueueDequeuePartialMulticastClonesAndRetains(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueue(pool, false)

	pkt := pool.Get(packetpool.RecvTimeNone)
	pkt.Data = append(pkt.Data, 1, 2, 3)
	pkt.DstVec = 0b0111 // bins 0, 1, 2
	require.True(t, q.Enqueue(pkt))

	got := q.Dequeue(1500, 0b0001) // service only bin 0
	require.NotNil(t, got)
	require.NotSame(t, pkt, got, "a strict-subset dequeue must return a clone, not the original")
	require.EqualValues(t, 0b0001, got.DstVec)
	require.EqualValues(t, pkt.Data, got.Data)

	require.EqualValues(t, 1, q.Count(), "original packet must remain queued for its other destinations")
	require.EqualValues(t, 0b0110, q.Peek().DstVec, "serviced bit must be cleared from the original")

	rest := q.Dequeue(1500, 0b0110) // service the remaining bins, full match now
	require.Same(t, pkt, rest, "a full-match dequeue returns the original, not a clone")
	require.EqualValues(t, 0, q.Count())
}

func TestPacketQueueSetSizeLimitDropsExcess(t *testing.T) {
	pool := packetpool.New(16)
	q := NewPacketQueue(pool, false)
	for i := 0; i < 5; i++ {
		q.Enqueue(pool.Get(packetpool.RecvTimeNone))
	}
	require.EqualValues(t, 5, q.Count())
	q.SetSizeLimit(2)
	require.EqualValues(t, 2, q.Count())
}
