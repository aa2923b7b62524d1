package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binmap"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/edge/pipeedge"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/qdepth"
	"github.com/galpt/ironcore/internal/transport"
	"github.com/galpt/ironcore/internal/transport/memtransport"
)

type allowClassifier struct{ dst bin.Index }

func (c allowClassifier) Classify(raw []byte, pkt *packet.Packet) (bin.Index, bool) {
	pkt.Latency = packet.NormalLatency
	pkt.DstVec = packet.DstVec(1) << uint(c.dst&63)
	return c.dst, true
}

type rejectClassifier struct{}

func (rejectClassifier) Classify(raw []byte, pkt *packet.Packet) (bin.Index, bool) {
	return 0, false
}

func newTestForwarder(t *testing.T) (*Forwarder, bin.Index, bin.Index, *pipeedge.Pipe, *memtransport.Transport, *memtransport.Transport) {
	t.Helper()
	bm := binmap.New(8, 8, 8)
	selfBin, err := bm.Assign(bin.KindInterior, "self")
	require.NoError(t, err)
	nbrBin, err := bm.Assign(bin.KindUnicast, "nbr")
	require.NoError(t, err)

	pool := packetpool.New(0)
	pipe := pipeedge.New()
	a, b := memtransport.Pair(selfBin, nbrBin, 1, 1)

	f := New(Config{MyBinIndex: selfBin}, bm, pool, pipe.In(), pipe.Out(), allowClassifier{dst: nbrBin})
	f.AddNeighbor(a)

	mgr := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: nbrBin, NodeBinIndex: selfBin}, time.Now())
	f.AddDestination(nbrBin, mgr)

	return f, selfBin, nbrBin, pipe, a, b
}

func TestDrainEdgeInEnqueuesClassifiedPacket(t *testing.T) {
	f, _, nbrBin, pipe, _, _ := newTestForwarder(t)

	pipe.Inject([]byte("payload"))
	f.drainEdgeIn(time.Now())

	mgr, ok := f.store.Get(nbrBin)
	require.True(t, ok)
	require.False(t, mgr.AreQueuesEmpty(), "enqueued packet should make the bin non-empty")
}

func TestDrainEdgeInDropsUnclassifiedFrame(t *testing.T) {
	bm := binmap.New(8, 8, 8)
	selfBin, _ := bm.Assign(bin.KindInterior, "self")
	pool := packetpool.New(0)
	pipe := pipeedge.New()

	f := New(Config{MyBinIndex: selfBin}, bm, pool, pipe.In(), pipe.Out(), rejectClassifier{})

	pipe.Inject([]byte("payload"))
	require.NotPanics(t, func() {
		f.drainEdgeIn(time.Now())
	})
}

func TestHandleTransportEventDataDeliversViaEdgeOut(t *testing.T) {
	f, selfBin, _, pipe, _, _ := newTestForwarder(t)
	pool := packetpool.New(0)

	pkt := pool.Get(packetpool.RecvTimeNow)
	pkt.Data = append(pkt.Data[:0], []byte("inbound")...)
	pkt.Latency = packet.NormalLatency
	pkt.DstVec = packet.DstVec(1) << uint(selfBin&63)

	f.handleTransportEvent(nil, transport.Event{Kind: transport.EventData, Packet: pkt}, time.Now())

	require.Equal(t, []byte("inbound"), pipe.Delivered())
}

func TestConsumeQLAMDropsMalformedFrame(t *testing.T) {
	f, _, nbrBin, _, _, _ := newTestForwarder(t)
	require.NotPanics(t, func() {
		f.consumeQLAM(nbrBin, []byte{0xFF, 0xFF})
	})
}

func TestConsumeQLAMRecordsNeighborDepths(t *testing.T) {
	f, _, nbrBin, _, _, _ := newTestForwarder(t)

	qd := qdepth.New(int(f.binMap.MaxIndex()))
	require.NoError(t, qd.SetBinDepthByIdx(nbrBin, 5000, 100))

	buf := make([]byte, qdepth.MaxPairsPerFrame*8+3)
	n, _, err := qd.Serialize(buf, len(buf))
	require.NoError(t, err)

	f.consumeQLAM(nbrBin, buf[:n])

	mgr, ok := f.store.Get(nbrBin)
	require.True(t, ok)
	got, ok := mgr.GetNbrQueueDepths(nbrBin)
	require.True(t, ok)
	total, ls := got.GetBinDepthByIdx(nbrBin)
	require.Equal(t, uint32(5000), total)
	require.Equal(t, uint32(100), ls)
}

func TestConsumeQLAMDiscardsStaleReorderedFrame(t *testing.T) {
	f, _, nbrBin, _, _, _ := newTestForwarder(t)

	buf := make([]byte, qdepth.MaxPairsPerFrame*8+3)

	// Advance the neighbor's sequence number well past the 128-entry
	// tolerance window.
	qd := qdepth.New(int(f.binMap.MaxIndex()))
	for i := 0; i < 200; i++ {
		require.NoError(t, qd.SetBinDepthByIdx(nbrBin, uint32(1000+i), 0))
		n, _, err := qd.Serialize(buf, len(buf))
		require.NoError(t, err)
		f.consumeQLAM(nbrBin, buf[:n])
	}

	mgr, ok := f.store.Get(nbrBin)
	require.True(t, ok)
	latest, ok := mgr.GetNbrQueueDepths(nbrBin)
	require.True(t, ok)
	latestTotal, _ := latest.GetBinDepthByIdx(nbrBin)

	// A frame with a sequence number just one behind the highest seen
	// (well within the 128-entry window) must be discarded without
	// mutating the recorded depths.
	stale := qdepth.New(int(f.binMap.MaxIndex()))
	require.NoError(t, stale.SetBinDepthByIdx(nbrBin, 999999, 0))
	n, _, err := stale.Serialize(buf, len(buf))
	require.NoError(t, err)
	staleFrame := append([]byte(nil), buf[:n]...)
	// Rewind the frame's sequence number to just behind the highest seen.
	staleSeq := latest.Seq() - 1
	staleFrame[0] = byte(staleSeq >> 8)
	staleFrame[1] = byte(staleSeq)

	f.consumeQLAM(nbrBin, staleFrame)

	after, ok := mgr.GetNbrQueueDepths(nbrBin)
	require.True(t, ok)
	afterTotal, _ := after.GetBinDepthByIdx(nbrBin)
	require.Equal(t, latestTotal, afterTotal, "stale/reordered QLAM frame must not mutate recorded neighbor depths")
}

func TestComputeGradientsSkipsWithoutNeighborAdvertisement(t *testing.T) {
	f, _, _, pipe, _, _ := newTestForwarder(t)
	pipe.Inject([]byte("payload"))
	f.drainEdgeIn(time.Now())

	grads := f.computeGradients(time.Now())
	require.Empty(t, grads, "no gradient should form until the neighbor has advertised its depth")
}

func TestComputeGradientsProducesPositiveGradient(t *testing.T) {
	f, _, nbrBin, pipe, _, _ := newTestForwarder(t)
	pipe.Inject([]byte("payload"))
	f.drainEdgeIn(time.Now())

	qd := qdepth.New(int(f.binMap.MaxIndex()))
	require.NoError(t, qd.SetBinDepthByIdx(nbrBin, 0, 0))
	buf := make([]byte, qdepth.MaxPairsPerFrame*8+3)
	n, _, err := qd.Serialize(buf, len(buf))
	require.NoError(t, err)
	f.consumeQLAM(nbrBin, buf[:n])

	grads := f.computeGradients(time.Now())
	require.Len(t, grads, 1)
	require.Greater(t, grads[0].Value, int64(0))
	require.Equal(t, nbrBin, grads[0].DstBin)
}

func TestEmitQLAMSendsFrameToNeighbor(t *testing.T) {
	f, _, nbrBin, pipe, _, b := newTestForwarder(t)
	pipe.Inject([]byte("payload"))
	f.drainEdgeIn(time.Now())

	f.emitQLAM(time.Now())

	select {
	case ev := <-b.Events():
		require.Equal(t, transport.EventQLAM, ev.Kind)
		qd := qdepth.New(int(f.binMap.MaxIndex()))
		_, _, err := qd.Deserialize(ev.QLAMPayload)
		require.NoError(t, err)
		total, _ := qd.GetBinDepthByIdx(nbrBin)
		require.Greater(t, total, uint32(0))
	default:
		t.Fatal("expected a QLAM frame on the neighbor's event channel")
	}
}

// refusingTransport reports an empty transmit queue but refuses every
// SendPacket, forcing the scheduler down the requeue-at-head path.
type refusingTransport struct {
	nbr      bin.Index
	pc       uint32
	events   chan transport.Event
	attempts int
}

func newRefusingTransport(nbr bin.Index, pc uint32) *refusingTransport {
	return &refusingTransport{nbr: nbr, pc: pc, events: make(chan transport.Event, 1)}
}

func (r *refusingTransport) SendPacket(pkt *packet.Packet) bool {
	r.attempts++
	return false
}
func (r *refusingTransport) SendQLAM(payload []byte) bool     { return true }
func (r *refusingTransport) GetXmitQueueSize() (uint32, bool) { return 0, true }
func (r *refusingTransport) Events() <-chan transport.Event   { return r.events }
func (r *refusingTransport) NeighborBin() bin.Index           { return r.nbr }
func (r *refusingTransport) PathCtrl() uint32                 { return r.pc }
func (r *refusingTransport) Close() error                     { return nil }

// A refused packet must return to the head of its queue with its depth
// accounting restored, available for the next tick's attempt.
func TestTransportRefusalRequeuesAtHead(t *testing.T) {
	bm := binmap.New(8, 8, 8)
	selfBin, err := bm.Assign(bin.KindInterior, "self")
	require.NoError(t, err)
	nbrBin, err := bm.Assign(bin.KindUnicast, "nbr")
	require.NoError(t, err)

	pool := packetpool.New(0)
	pipe := pipeedge.New()
	refuser := newRefusingTransport(nbrBin, 1)

	f := New(Config{MyBinIndex: selfBin}, bm, pool, pipe.In(), pipe.Out(), allowClassifier{dst: nbrBin})
	f.AddNeighbor(refuser)

	mgr := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: nbrBin, NodeBinIndex: selfBin}, time.Now())
	f.AddDestination(nbrBin, mgr)

	pipe.Inject([]byte("stubborn"))
	f.drainEdgeIn(time.Now())
	// The non-zombie component isolates the refused packet's own bytes from
	// any anti-starvation zombies the tick may add alongside it.
	depthBefore := mgr.NonZombieQueueDepthBytes(nbrBin)
	require.Greater(t, depthBefore, uint32(0))

	// Advertise zero depth so the gradient is positive and the solution is
	// selected; the transport then refuses the send.
	nbrQD := qdepth.New(int(bm.MaxIndex()))
	mgr.SetNbrQueueDepths(nbrBin, nbrQD)

	f.tick(time.Now())

	require.Equal(t, 1, refuser.attempts, "exactly one send attempt, then the batch terminates")
	require.Equal(t, depthBefore, mgr.NonZombieQueueDepthBytes(nbrBin), "the refused packet's bytes must be restored after the refusal")
	require.False(t, mgr.AreQueuesEmpty(), "the refused packet must be back in its queue")

	// The next tick retries the same head-of-line packet.
	f.tick(time.Now())
	require.Equal(t, 2, refuser.attempts)
}

// After a gradient round, a destination sitting below the maximum gradient
// must hold an ASAP cap equal to its distance from the maximum plus the
// hysteresis.
func TestTickDistributesASAPGradientCaps(t *testing.T) {
	bm := binmap.New(8, 8, 8)
	selfBin, err := bm.Assign(bin.KindInterior, "self")
	require.NoError(t, err)
	dstA, err := bm.Assign(bin.KindUnicast, "a")
	require.NoError(t, err)
	dstB, err := bm.Assign(bin.KindUnicast, "b")
	require.NoError(t, err)

	pool := packetpool.New(0)
	pipe := pipeedge.New()
	a, _ := memtransport.Pair(selfBin, dstA, 1, 2)

	f := New(Config{MyBinIndex: selfBin}, bm, pool, pipe.In(), pipe.Out(), allowClassifier{dst: dstA})
	f.AddNeighbor(a)

	now := time.Now()
	mgrA := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: dstA, NodeBinIndex: selfBin}, now)
	mgrB := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: dstB, NodeBinIndex: selfBin}, now)
	f.AddDestination(dstA, mgrA)
	f.AddDestination(dstB, mgrB)

	enqueue := func(mgr *binqueue.BinQueueMgr, dst bin.Index, size int) {
		pkt := pool.Get(packetpool.RecvTimeNow)
		pkt.Data = append(pkt.Data[:0], make([]byte, size)...)
		pkt.Latency = packet.NormalLatency
		pkt.DstVec = packet.DstVec(1) << uint(dst&63)
		require.True(t, mgr.Enqueue(pkt, now))
	}
	enqueue(mgrA, dstA, 900)
	enqueue(mgrB, dstB, 100)

	nbrQD := qdepth.New(int(bm.MaxIndex()))
	mgrA.SetNbrQueueDepths(dstA, nbrQD)
	mgrB.SetNbrQueueDepths(dstA, nbrQD)

	gradients := f.computeGradients(now)
	f.updateASAPCaps(now, gradients)

	capB, ok := mgrB.ASAPGradientCap(false)
	require.True(t, ok)
	require.EqualValues(t, (900-100)+1+asapCapHysteresisBytes, capB,
		"the losing destination's cap is its distance from the maximum gradient plus hysteresis")

	capA, ok := mgrA.ASAPGradientCap(false)
	require.True(t, ok)
	require.EqualValues(t, 1+asapCapHysteresisBytes, capA,
		"the winning destination keeps only the hysteresis slack")
}

// Every destination's depths must travel in one frame per emission, on a
// single sequence stream: the receiver keeps one reorder window per sending
// neighbor, so independent per-destination sequence streams would discard
// all but one destination's advertisements as stale.
func TestEmitQLAMAggregatesDestinationsIntoOneFrame(t *testing.T) {
	bm := binmap.New(8, 8, 8)
	selfBin, err := bm.Assign(bin.KindInterior, "self")
	require.NoError(t, err)
	dstA, err := bm.Assign(bin.KindUnicast, "a")
	require.NoError(t, err)
	dstB, err := bm.Assign(bin.KindUnicast, "b")
	require.NoError(t, err)

	pool := packetpool.New(0)
	pipe := pipeedge.New()
	link, peer := memtransport.Pair(selfBin, dstA, 1, 2)

	f := New(Config{MyBinIndex: selfBin}, bm, pool, pipe.In(), pipe.Out(), allowClassifier{dst: dstA})
	f.AddNeighbor(link)

	now := time.Now()
	mgrA := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: dstA, NodeBinIndex: selfBin}, now)
	mgrB := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: dstB, NodeBinIndex: selfBin}, now)
	f.AddDestination(dstA, mgrA)
	f.AddDestination(dstB, mgrB)

	enqueue := func(mgr *binqueue.BinQueueMgr, dst bin.Index, size int) {
		pkt := pool.Get(packetpool.RecvTimeNow)
		pkt.Data = append(pkt.Data[:0], make([]byte, size)...)
		pkt.Latency = packet.NormalLatency
		pkt.DstVec = packet.DstVec(1) << uint(dst&63)
		require.True(t, mgr.Enqueue(pkt, now))
	}
	enqueue(mgrA, dstA, 700)
	enqueue(mgrB, dstB, 300)

	f.emitQLAM(now)

	var frames [][]byte
drain:
	for {
		select {
		case ev := <-peer.Events():
			require.Equal(t, transport.EventQLAM, ev.Kind)
			frames = append(frames, ev.QLAMPayload)
		default:
			break drain
		}
	}
	require.Len(t, frames, 1, "one emission must produce exactly one frame")

	qd := qdepth.New(int(bm.MaxIndex()))
	_, _, err = qd.Deserialize(frames[0])
	require.NoError(t, err)
	totalA, _ := qd.GetBinDepthByIdx(dstA)
	totalB, _ := qd.GetBinDepthByIdx(dstB)
	require.EqualValues(t, 700, totalA)
	require.EqualValues(t, 300, totalB)

	// A second emission advances the single sequence stream by exactly one.
	seq1, err := qdepth.PeekSeq(frames[0])
	require.NoError(t, err)
	f.emitQLAM(now)
	ev := <-peer.Events()
	seq2, err := qdepth.PeekSeq(ev.QLAMPayload)
	require.NoError(t, err)
	require.Equal(t, seq1+1, seq2)
}

func TestNeighborForPathCtrlFindsRegisteredLink(t *testing.T) {
	f, _, _, _, a, _ := newTestForwarder(t)
	require.Equal(t, a, f.neighborForPathCtrl(1))
	require.Nil(t, f.neighborForPathCtrl(999))
}

func TestStoreExposesUnderlyingQueueStore(t *testing.T) {
	f, _, nbrBin, _, _, _ := newTestForwarder(t)
	_, ok := f.Store().Get(nbrBin)
	require.True(t, ok)
}
