package binqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binmap"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/queue"
)

func newTestMgr(t *testing.T, dropPolicy queue.DropPolicy, maxBinDepthPkts uint32) (*BinQueueMgr, *packetpool.Pool, bin.Index) {
	t.Helper()
	pool := packetpool.New(64)
	bm := binmap.New(16, 4, 4)
	dst := bin.Index(7)
	now := time.Now()
	mgr := New(pool, bm, Config{
		MyBinIndex:      dst,
		NodeBinIndex:    0,
		DropPolicy:      dropPolicy,
		MaxBinDepthPkts: maxBinDepthPkts,
	}, now)
	return mgr, pool, dst
}

func mustEnqueuePacket(t *testing.T, pool *packetpool.Pool, mgr *BinQueueMgr, size int, now time.Time) *packet.Packet {
	t.Helper()
	pkt := pool.Get(packetpool.RecvTimeNow)
	pkt.Data = append(pkt.Data[:0], make([]byte, size)...)
	pkt.Latency = packet.NormalLatency
	require.True(t, mgr.Enqueue(pkt, now))
	return pkt
}

// Three 1000-byte NORMAL_LATENCY packets enqueued to one destination must
// dequeue in the same order, with the destination's total depth tracking
// the expected step sequence.
func TestFIFOPreservation(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropHead, 500)
	now := time.Now()

	require.EqualValues(t, 0, mgr.queueDepths.Get(dst).Total)

	p1 := mustEnqueuePacket(t, pool, mgr, 1000, now)
	require.EqualValues(t, 1000, mgr.queueDepths.Get(dst).Total)
	p2 := mustEnqueuePacket(t, pool, mgr, 1000, now)
	require.EqualValues(t, 2000, mgr.queueDepths.Get(dst).Total)
	p3 := mustEnqueuePacket(t, pool, mgr, 1000, now)
	require.EqualValues(t, 3000, mgr.queueDepths.Get(dst).Total)

	dstVec := packet.DstVec(1) << uint(dst&63)

	got1 := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p1, got1)
	require.EqualValues(t, 2000, mgr.queueDepths.Get(dst).Total)

	got2 := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p2, got2)
	require.EqualValues(t, 1000, mgr.queueDepths.Get(dst).Total)

	got3 := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p3, got3)
	require.EqualValues(t, 0, mgr.queueDepths.Get(dst).Total)
}

// With a two-packet depth limit, enqueuing three packets leaves the queue
// holding P2, P3 (P1 evicted by the HEAD drop policy), and the
// destination's total depth reflects only the two survivors.
func TestHeadDropOnOverflow(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropHead, 2)
	now := time.Now()

	_ = mustEnqueuePacket(t, pool, mgr, 1000, now)
	p2 := mustEnqueuePacket(t, pool, mgr, 1000, now)
	p3 := mustEnqueuePacket(t, pool, mgr, 1000, now)

	require.EqualValues(t, 2000, mgr.queueDepths.Get(dst).Total)

	dstVec := packet.DstVec(1) << uint(dst&63)
	got2 := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p2, got2)
	got3 := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p3, got3)
}

// Enqueue into a full PacketQueue with NO_DROP returns false, leaving the
// queue's accounting and the caller's ownership of the packet unchanged.
func TestNoDropEnqueueFailureRetainsOwnership(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropNone, 1)
	now := time.Now()

	_ = mustEnqueuePacket(t, pool, mgr, 1000, now)
	require.EqualValues(t, 1000, mgr.queueDepths.Get(dst).Total)

	overflow := pool.Get(packetpool.RecvTimeNow)
	overflow.Data = append(overflow.Data[:0], make([]byte, 500)...)
	overflow.Latency = packet.NormalLatency
	require.False(t, mgr.Enqueue(overflow, now))
	require.EqualValues(t, 1000, mgr.queueDepths.Get(dst).Total, "queue depth must be unchanged on rejected enqueue")
}

// The sum over classes of per-destination bytes must equal the
// destination's recorded total depth.
func TestByteAccountingInvariant(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropHead, 500)
	now := time.Now()

	mustEnqueuePacket(t, pool, mgr, 1000, now)
	mustEnqueuePacket(t, pool, mgr, 2000, now)

	var sum uint32
	for lat := range mgr.perDstPerLatClassBytes {
		sum += mgr.perDstPerLatClassBytes[lat][dst]
	}
	require.EqualValues(t, mgr.queueDepths.Get(dst).Total, sum)
}

func TestLSNeverExceedsTotal(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropHead, 500)
	now := time.Now()

	pkt := pool.Get(packetpool.RecvTimeNow)
	pkt.Data = append(pkt.Data[:0], make([]byte, 500)...)
	pkt.Latency = packet.CriticalLatency
	require.True(t, mgr.Enqueue(pkt, now))

	d := mgr.queueDepths.Get(dst)
	require.LessOrEqual(t, d.LS, d.Total)
}

// TestRequeueRestoresHeadAndAccounting: a packet handed back after a
// transport refusal must dequeue first again, with its depth accounting restored.
func TestRequeueRestoresHeadAndAccounting(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropHead, 500)
	now := time.Now()

	p1 := mustEnqueuePacket(t, pool, mgr, 1000, now)
	_ = mustEnqueuePacket(t, pool, mgr, 1000, now)
	require.EqualValues(t, 2000, mgr.queueDepths.Get(dst).Total)

	dstVec := packet.DstVec(1) << uint(dst&63)
	got := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p1, got)
	require.EqualValues(t, 1000, mgr.queueDepths.Get(dst).Total)

	mgr.Requeue(got, now)
	require.EqualValues(t, 2000, mgr.queueDepths.Get(dst).Total)
	require.EqualValues(t, 2000, mgr.NonZombieQueueDepthBytes(dst))

	again := mgr.Dequeue(1500, dstVec, now)
	require.Same(t, p1, again, "the requeued packet must come back off the head, preserving order")
}

// Anti-starvation injection must stay scoped to the manager's own
// destination bin: the zombie counter grows once, so letting the depth
// accounting grow for any other bin would inflate gradients the manager
// does not serve.
func TestPeriodicAdjustScopesInjectionToOwnBin(t *testing.T) {
	pool := packetpool.New(64)
	bm := binmap.New(16, 4, 4)
	dst := bin.Index(7)
	start := time.Unix(0, 0)
	mgr := New(pool, bm, Config{MyBinIndex: dst, NodeBinIndex: 0}, start)

	pkt := pool.Get(packetpool.RecvTimeNone)
	pkt.Data = append(pkt.Data[:0], make([]byte, 1000)...)
	pkt.Latency = packet.NormalLatency
	pkt.RecvTime = start
	require.True(t, mgr.Enqueue(pkt, start))

	mgr.PeriodicAdjustQueueValues(start.Add(6 * time.Millisecond))

	require.Greater(t, mgr.queueDepths.Get(dst).Total, uint32(1000),
		"the starved bin should have received anti-starvation bytes")
	for idx := bin.Index(0); idx < bm.MaxIndex(); idx++ {
		if idx == dst {
			continue
		}
		require.Zero(t, mgr.queueDepths.Get(idx).Total,
			"bin %d must not be inflated by another bin's injection", idx)
	}
}

func TestAreQueuesEmptyAndPurge(t *testing.T) {
	mgr, pool, dst := newTestMgr(t, queue.DropHead, 500)
	now := time.Now()
	require.True(t, mgr.AreQueuesEmpty())

	mustEnqueuePacket(t, pool, mgr, 100, now)
	require.False(t, mgr.AreQueuesEmpty())

	mgr.Purge()
	require.True(t, mgr.AreQueuesEmpty())
	require.EqualValues(t, 0, mgr.queueDepths.Get(dst).Total)
}
