// Package binqueue implements BinQueueMgr: the per-destination holder of
// one Queue per latency class, byte-accurate accounting, and the owned
// ZLR/ASAP (or NPLB) anti-starvation helpers.
package binqueue

import (
	"time"

	"github.com/galpt/ironcore/internal/asap"
	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/dqinfo"
	"github.com/galpt/ironcore/internal/nplb"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/qdepth"
	"github.com/galpt/ironcore/internal/queue"
	"github.com/galpt/ironcore/internal/zlr"
	"github.com/galpt/ironcore/pkg/ironlog"
)

// DefaultTotalSize and DefaultMaxBinDepthPkts bound a manager's aggregate
// byte budget and per-class packet depth when no override is configured.
const (
	DefaultTotalSize      = 2500
	DefaultMaxBinDepthPkts = 500
)

// antiStarvationTickInterval is the fixed anti-starvation cadence shared
// by every algorithm variant.
const antiStarvationTickInterval = 5 * time.Millisecond

// Algorithm selects which of the four depth-computation strategies a
// BinQueueMgr runs. A tag plus a switch replaces what would otherwise be a
// subclass hierarchy (base, heavy-ball, NPLB, EWMA).
type Algorithm uint8

const (
	AlgBase Algorithm = iota
	AlgHvyball
	AlgNPLB
	AlgEWMA
)

func (a Algorithm) String() string {
	switch a {
	case AlgBase:
		return "BASE"
	case AlgHvyball:
		return "HVYBALL"
	case AlgNPLB:
		return "NPLB"
	case AlgEWMA:
		return "EWMA"
	default:
		return "UNKNOWN"
	}
}

// BinMapper is the subset of BinMap BinQueueMgr depends on.
type BinMapper interface {
	MaxIndex() bin.Index
}

// PoolAccessor is the union of what BinQueueMgr's queues need from
// *packetpool.Pool: multicast partial-dequeue cloning (queue.Recycler) and
// non-fatal zombie synthesis (queue.Synthesizer).
type PoolAccessor interface {
	Clone(to *packet.Packet, fullCopy bool, mode packetpool.CloneTimeMode) *packet.Packet
	Recycle(pkt *packet.Packet)
	TryGet(mode packetpool.RecvTimeMode) *packet.Packet
}

// BinQueueMgr is the per-destination (or per-multicast-group) queue manager.
type BinQueueMgr struct {
	pool   PoolAccessor
	binMap BinMapper

	myBinIndex   bin.Index
	nodeBinIndex bin.Index
	isMulticast  bool
	algorithm    Algorithm

	queues [packet.NumLatencyClasses]queue.Queue

	queueDepths    *qdepth.QueueDepths
	nbrQueueDepths map[bin.Index]*qdepth.QueueDepths

	perDstPerLatClassBytes  [packet.NumLatencyClasses]map[bin.Index]uint32
	lastDequeueTime         map[bin.Index]time.Time
	nonZombieQueueDepthBytes map[bin.Index]uint32

	dropPolicy      queue.DropPolicy
	maxBinDepthPkts uint32

	doZLR   bool
	zlrMgr  *zlr.ZLR

	useASAP bool
	asapMgr *asap.ASAP
	nplbMgr *nplb.NPLB

	lastAntiStarvationTime time.Time

	// zombieBytesInjected accumulates AddZombieBytes totals per class, for
	// the metrics exporter; never consulted for forwarding decisions.
	zombieBytesInjected [packet.NumLatencyClasses]uint64

	ewma    *ewmaState
	hvyball *hvyballState
}

type ewmaState struct {
	alpha    float64
	smoothed map[bin.Index]float64
}

type hvyballState struct {
	momentum float64
	smoothed map[bin.Index]float64
	velocity map[bin.Index]float64
}

// Config bundles BinQueueMgr construction parameters. The zero value of
// the ZLR/ASAP/NPLB tuning fields keeps each algorithm's defaults.
type Config struct {
	MyBinIndex      bin.Index
	NodeBinIndex    bin.Index
	IsMulticast     bool
	Algorithm       Algorithm
	DropPolicy      queue.DropPolicy
	MaxBinDepthPkts uint32
	DstAddrNBO      uint32

	ZLRParams  zlr.Params
	ASAPParams asap.Params
	// NPLBStickinessThresh overrides nplb.DefaultDelayStickinessThreshold
	// when Algorithm is AlgNPLB; zero keeps the default.
	NPLBStickinessThresh time.Duration
}

// New builds a BinQueueMgr for one destination (or multicast group),
// allocating one Queue per LatencyClass per the packet-less compile-time
// table.
func New(pool PoolAccessor, binMap BinMapper, cfg Config, now time.Time) *BinQueueMgr {
	if cfg.MaxBinDepthPkts == 0 {
		cfg.MaxBinDepthPkts = DefaultMaxBinDepthPkts
	}
	// DstVec is a 64-bit vector, so unicast byte accounting can address
	// bins 0-63 only; a higher unicast bin would silently alias onto a low
	// bin's accounting. Configuration errors are fatal at construction.
	if !cfg.IsMulticast && cfg.MyBinIndex > 63 {
		log := ironlog.Component("binqueue")
		log.Fatal().Uint16("bin", uint16(cfg.MyBinIndex)).Msg("unicast bin index exceeds the 64-bin destination-vector ceiling")
	}

	m := &BinQueueMgr{
		pool:                     pool,
		binMap:                   binMap,
		myBinIndex:               cfg.MyBinIndex,
		nodeBinIndex:             cfg.NodeBinIndex,
		isMulticast:              cfg.IsMulticast,
		algorithm:                cfg.Algorithm,
		queueDepths:              qdepth.New(int(binMap.MaxIndex())),
		nbrQueueDepths:           make(map[bin.Index]*qdepth.QueueDepths),
		lastDequeueTime:          make(map[bin.Index]time.Time),
		nonZombieQueueDepthBytes: make(map[bin.Index]uint32),
		dropPolicy:               cfg.DropPolicy,
		maxBinDepthPkts:          cfg.MaxBinDepthPkts,
		doZLR:                    true,
		useASAP:                  cfg.Algorithm != AlgNPLB,
		lastAntiStarvationTime:   now,
	}
	for i := range m.perDstPerLatClassBytes {
		m.perDstPerLatClassBytes[i] = make(map[bin.Index]uint32)
	}

	maxBinIdx := int(binMap.MaxIndex())
	for lat := packet.LatencyClass(0); lat < packet.NumLatencyClasses; lat++ {
		if lat.IsZombieClass() {
			if cfg.IsMulticast {
				m.queues[lat] = queue.NewMulticastZombieQueue(pool, lat, cfg.NodeBinIndex, cfg.DstAddrNBO, maxBinIdx)
			} else {
				m.queues[lat] = queue.NewZombieQueue(pool, lat, cfg.NodeBinIndex, cfg.DstAddrNBO)
			}
			continue
		}
		m.queues[lat] = queue.NewPacketQueueWithLimits(pool, cfg.MaxBinDepthPkts, cfg.DropPolicy, false)
	}

	m.zlrMgr = zlr.NewWithParams(m, cfg.ZLRParams, now)

	switch cfg.Algorithm {
	case AlgNPLB:
		m.nplbMgr = nplb.New(m, m, 0)
		if cfg.NPLBStickinessThresh > 0 {
			m.nplbMgr.SetDelayStickinessThreshold(cfg.NPLBStickinessThresh)
		}
	case AlgEWMA:
		m.ewma = &ewmaState{alpha: 0.25, smoothed: make(map[bin.Index]float64)}
		m.asapMgr = asap.NewWithParams(m, m, cfg.ASAPParams, now)
	case AlgHvyball:
		m.hvyball = &hvyballState{momentum: 0.5, smoothed: make(map[bin.Index]float64), velocity: make(map[bin.Index]float64)}
		m.asapMgr = asap.NewWithParams(m, m, cfg.ASAPParams, now)
	default:
		m.asapMgr = asap.NewWithParams(m, m, cfg.ASAPParams, now)
	}

	return m
}

// AddZombieBytes satisfies zlr.ZombieSink/asap.ZombieSink/nplb.ZombieSink: it
// injects lat-classed zombie bytes directly into this manager's queues,
// exactly as Enqueue would for a packet-less class.
func (m *BinQueueMgr) AddZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec) {
	if numBytes == 0 {
		return
	}
	zq, ok := m.queues[lat].(interface {
		AddZombieBytes(uint32, packet.DstVec)
	})
	if !ok {
		return
	}
	zq.AddZombieBytes(numBytes, dstVec)
	m.zombieBytesInjected[lat] += uint64(numBytes)
	m.adjustByteChange(int64(numBytes), lat, dstVec)
}

// DropZombieBytes satisfies zlr.ZombieSink's reclamation side: it removes up
// to numBytes of lat-classed zombie mass and keeps the byte accounting
// consistent, returning how much was actually dropped.
func (m *BinQueueMgr) DropZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec) uint32 {
	if numBytes == 0 || !lat.IsZombieClass() {
		return 0
	}
	dropped := m.queues[lat].DropPacket(numBytes, dstVec)
	if dropped > 0 {
		m.adjustByteChange(-int64(dropped), lat, dstVec)
	}
	return dropped
}

// HeadOfLineRecvTime satisfies asap.HeadOfLineProbe: the receive time of the
// oldest packet across the LS (CRITICAL/CONTROL/LOW_LATENCY) or normal
// (NORMAL_LATENCY) packet queue.
func (m *BinQueueMgr) HeadOfLineRecvTime(isLS bool, dstVec packet.DstVec) (time.Time, bool) {
	classes := []packet.LatencyClass{packet.NormalLatency}
	if isLS {
		classes = []packet.LatencyClass{packet.CriticalLatency, packet.ControlLatency, packet.LowLatency}
	}
	var oldest time.Time
	found := false
	for _, lat := range classes {
		pq, ok := m.queues[lat].(interface{ Peek() *packet.Packet })
		if !ok {
			continue
		}
		pkt := pq.Peek()
		if pkt == nil {
			continue
		}
		if !found || pkt.RecvTime.Before(oldest) {
			oldest = pkt.RecvTime
			found = true
		}
	}
	return oldest, found
}

// OldestEnqueueAge satisfies nplb.QueueProbe.
func (m *BinQueueMgr) OldestEnqueueAge(now time.Time, dstVec packet.DstVec) (time.Duration, bool) {
	recvTime, ok := m.HeadOfLineRecvTime(false, dstVec)
	if !ok {
		return 0, false
	}
	return now.Sub(recvTime), true
}

func (m *BinQueueMgr) effectiveDstVec(pkt *packet.Packet) packet.DstVec {
	if m.isMulticast {
		return pkt.DstVec
	}
	// The constructor rejects unicast bins above 63, so this shift cannot
	// alias.
	return 1 << uint(m.myBinIndex)
}

// Enqueue classifies pkt by latency class, inserts it (transferring
// ownership on success), and updates all byte accounting.
func (m *BinQueueMgr) Enqueue(pkt *packet.Packet, now time.Time) bool {
	lat := pkt.Latency
	dstVec := m.effectiveDstVec(pkt)
	length := uint32(pkt.Len())
	if pkt.VirtualLength > 0 {
		length = pkt.VirtualLength
	}

	wasEmpty := m.binsEmpty(dstVec)

	var netDelta int64
	if lat.IsZombieClass() {
		m.queues[lat].Enqueue(pkt)
		netDelta = int64(length)
	} else {
		// A HEAD/TAIL drop policy can silently evict an older packet inside
		// this same Enqueue call; queueDepths must reflect the queue's net
		// byte change, not just the newly admitted packet's length.
		before := m.queues[lat].TotalBytes()
		if !m.queues[lat].Enqueue(pkt) {
			return false
		}
		netDelta = int64(m.queues[lat].TotalBytes() - before)
		forEachSetBit(dstVec, func(idx bin.Index) {
			if netDelta >= 0 {
				m.nonZombieQueueDepthBytes[idx] += uint32(netDelta)
			} else if m.nonZombieQueueDepthBytes[idx] >= uint32(-netDelta) {
				m.nonZombieQueueDepthBytes[idx] -= uint32(-netDelta)
			} else {
				m.nonZombieQueueDepthBytes[idx] = 0
			}
		})
	}

	m.adjustByteChange(netDelta, lat, dstVec)
	m.onEnqueue(length, lat, dstVec, now)

	if wasEmpty {
		forEachSetBit(dstVec, func(idx bin.Index) {
			if _, ok := m.lastDequeueTime[idx]; !ok {
				m.lastDequeueTime[idx] = now
			}
		})
	}
	return true
}

func (m *BinQueueMgr) binsEmpty(dstVec packet.DstVec) bool {
	empty := true
	forEachSetBit(dstVec, func(idx bin.Index) {
		if m.nonZombieQueueDepthBytes[idx] > 0 {
			empty = false
		}
	})
	return empty
}

// adjustByteChange applies a signed byte delta to both the per-(class,
// destination) accounting matrix and queueDepths, keeping
// queueDepths[B].total equal to the per-class sums after every
// Enqueue/Dequeue.
func (m *BinQueueMgr) adjustByteChange(deltaBytes int64, lat packet.LatencyClass, dstVec packet.DstVec) {
	forEachSetBit(dstVec, func(idx bin.Index) {
		cur := int64(m.perDstPerLatClassBytes[lat][idx]) + deltaBytes
		if cur < 0 {
			cur = 0
		}
		m.perDstPerLatClassBytes[lat][idx] = uint32(cur)
	})
	ls := lat.IsLatencySensitive()
	forEachSetBit(dstVec, func(idx bin.Index) {
		if ls {
			m.queueDepths.AdjustByAmt(idx, deltaBytes, deltaBytes)
		} else {
			m.queueDepths.AdjustByAmt(idx, deltaBytes, 0)
		}
	})
}

func (m *BinQueueMgr) onEnqueue(length uint32, lat packet.LatencyClass, dstVec packet.DstVec, now time.Time) {
	if m.doZLR {
		m.zlrMgr.OnEnqueue(length, lat, now)
	}
}

// PeekOrderedNonempty returns the first nonempty queue's latency class in
// dequeue-priority order.
func (m *BinQueueMgr) PeekOrderedNonempty() (packet.LatencyClass, bool) {
	for _, lat := range packet.DequeuePriority {
		if m.queues[lat].Count() > 0 {
			return lat, true
		}
	}
	return 0, false
}

// Dequeue removes up to maxSizeBytes from the first nonempty queue (in
// priority order) addressed to dstVec, running ZLR/ASAP/NPLB accounting.
func (m *BinQueueMgr) Dequeue(maxSizeBytes uint32, dstVec packet.DstVec, now time.Time) *packet.Packet {
	lat, ok := m.PeekOrderedNonempty()
	if !ok {
		return nil
	}
	pkt := m.queues[lat].Dequeue(maxSizeBytes, dstVec)
	if pkt == nil {
		return nil
	}

	length := pkt.VirtualLength
	if length == 0 {
		length = uint32(pkt.Len())
	}
	m.adjustByteChange(-int64(length), lat, dstVec)
	if !lat.IsZombieClass() {
		forEachSetBit(dstVec, func(idx bin.Index) {
			if m.nonZombieQueueDepthBytes[idx] >= length {
				m.nonZombieQueueDepthBytes[idx] -= length
			} else {
				m.nonZombieQueueDepthBytes[idx] = 0
			}
		})
	}

	dqInfo := dqinfo.FromPacket(pkt, dstVec)
	m.onDequeue(dqInfo, now, dstVec)
	forEachSetBit(dstVec, func(idx bin.Index) {
		m.lastDequeueTime[idx] = now
	})
	return pkt
}

// Requeue restores a just-dequeued packet at the head of its class queue
// after a transport refusal, reversing the dequeue's byte accounting
// exactly.
// ZLR/ASAP dequeue-side accounting is NOT re-run: the dequeue's OnDequeue
// already fired, and the matching enqueue bookkeeping below rebalances the
// dynamics tracker the same way an ordinary enqueue would.
func (m *BinQueueMgr) Requeue(pkt *packet.Packet, now time.Time) {
	lat := pkt.Latency
	dstVec := m.effectiveDstVec(pkt)
	length := pkt.VirtualLength
	if length == 0 {
		length = uint32(pkt.Len())
	}

	m.queues[lat].Requeue(pkt)
	m.adjustByteChange(int64(length), lat, dstVec)
	if !lat.IsZombieClass() {
		forEachSetBit(dstVec, func(idx bin.Index) {
			m.nonZombieQueueDepthBytes[idx] += length
		})
	}
	m.onEnqueue(length, lat, dstVec, now)
}

func (m *BinQueueMgr) onDequeue(dqInfo dqinfo.DequeuedInfo, now time.Time, dstVec packet.DstVec) {
	if m.doZLR {
		m.zlrMgr.OnDequeue(dqInfo, now)
	}
	if m.useASAP && m.asapMgr != nil {
		m.asapMgr.OnDequeue(dqInfo, now)
	}
	if m.nplbMgr != nil {
		nextRecvTime, haveNext := m.HeadOfLineRecvTime(dqInfo.Lat.IsLatencySensitive(), dstVec)
		m.nplbMgr.OnDequeue(dqInfo, now, nextRecvTime, haveNext)
	}
}

// ProcessCapacityUpdate forwards a path-controller capacity estimate to
// ASAP.
func (m *BinQueueMgr) ProcessCapacityUpdate(pcNum uint32, capacityBps float64) {
	if m.asapMgr != nil {
		m.asapMgr.ProcessCapacityUpdate(pcNum, capacityBps)
	}
}

// SetASAPCap forwards an updated gradient-based cap to ASAP.
func (m *BinQueueMgr) SetASAPCap(newCap uint32, isLS bool) {
	if m.asapMgr != nil {
		m.asapMgr.SetASAPCap(newCap, isLS)
	}
}

// ASAPGradientCap reports ASAP's current gradient-based cap for the side,
// or false when this manager runs NPLB instead.
func (m *BinQueueMgr) ASAPGradientCap(isLS bool) (uint32, bool) {
	if m.asapMgr == nil {
		return 0, false
	}
	return m.asapMgr.GradientCap(isLS), true
}

// tickDstVec returns the destination bits this manager's periodic
// adjustments apply to: the single owned bin for unicast, or the group
// members currently holding real bytes for multicast. Anti-starvation
// injection must never touch another manager's bins: the zombie counter
// grows once, so the depth accounting may only grow for bins this manager
// actually serves.
func (m *BinQueueMgr) tickDstVec() packet.DstVec {
	if !m.isMulticast {
		return 1 << uint(m.myBinIndex)
	}
	var v packet.DstVec
	for idx, bytes := range m.nonZombieQueueDepthBytes {
		if bytes > 0 {
			v |= 1 << uint(idx&63)
		}
	}
	return v
}

// PeriodicAdjustQueueValues is the tick entrypoint: runs anti-starvation at
// the fixed 5ms cadence, scoped to this manager's own destination vector;
// ZLR already runs inline on every enqueue/dequeue.
func (m *BinQueueMgr) PeriodicAdjustQueueValues(now time.Time) {
	if now.Sub(m.lastAntiStarvationTime) < antiStarvationTickInterval {
		return
	}
	m.lastAntiStarvationTime = now
	if m.useASAP && m.asapMgr != nil {
		m.asapMgr.AdjustQueueValuesForAntiStarvation(now, m.tickDstVec())
	}
}

// GetQueueDepthsForBpf returns the logical per-destination depths used for
// gradient computation, substituting an algorithm-specific view for the
// raw byte counts.
func (m *BinQueueMgr) GetQueueDepthsForBpf(now time.Time) *qdepth.QueueDepths {
	return m.adjustedDepths(now)
}

// GetQueueDepthsForBpfQlam returns the view advertised to neighbors via
// QLAM; it is the same adjusted view used for local gradient computation.
func (m *BinQueueMgr) GetQueueDepthsForBpfQlam(now time.Time) *qdepth.QueueDepths {
	return m.adjustedDepths(now)
}

// GetQueueDepthForProxies returns a single scalar depth for admission
// control: the depth of this manager's own bin index.
func (m *BinQueueMgr) GetQueueDepthForProxies(now time.Time) uint32 {
	d := m.adjustedDepths(now).Get(m.myBinIndex)
	return d.Total
}

func (m *BinQueueMgr) adjustedDepths(now time.Time) *qdepth.QueueDepths {
	switch m.algorithm {
	case AlgNPLB:
		return m.nplbAdjustedDepths(now)
	case AlgEWMA:
		return m.ewmaAdjustedDepths()
	case AlgHvyball:
		return m.hvyballAdjustedDepths()
	default:
		return m.queueDepths
	}
}

func (m *BinQueueMgr) nplbAdjustedDepths(now time.Time) *qdepth.QueueDepths {
	out := qdepth.New(int(m.binMap.MaxIndex()))
	for idx := bin.Index(0); idx < m.binMap.MaxIndex(); idx++ {
		raw := m.queueDepths.Get(idx)
		adjusted := m.nplbMgr.ComputeNPLB(raw.Total, now, 1<<uint(idx&63))
		out.SetBinDepthByIdx(idx, adjusted, raw.LS)
	}
	return out
}

// ewmaAdjustedDepths smooths each bin's raw total depth with a standard
// single-pole exponential moving average.
func (m *BinQueueMgr) ewmaAdjustedDepths() *qdepth.QueueDepths {
	out := qdepth.New(int(m.binMap.MaxIndex()))
	for idx := bin.Index(0); idx < m.binMap.MaxIndex(); idx++ {
		raw := m.queueDepths.Get(idx)
		prev, ok := m.ewma.smoothed[idx]
		if !ok {
			prev = float64(raw.Total)
		}
		smoothed := m.ewma.alpha*float64(raw.Total) + (1-m.ewma.alpha)*prev
		m.ewma.smoothed[idx] = smoothed
		out.SetBinDepthByIdx(idx, uint32(smoothed), raw.LS)
	}
	return out
}

// hvyballAdjustedDepths applies heavy-ball (momentum) smoothing: each step
// moves the smoothed estimate toward the raw depth by the raw delta plus a
// fraction of the prior step's velocity, damping oscillation without the lag
// a plain EWMA introduces.
func (m *BinQueueMgr) hvyballAdjustedDepths() *qdepth.QueueDepths {
	out := qdepth.New(int(m.binMap.MaxIndex()))
	for idx := bin.Index(0); idx < m.binMap.MaxIndex(); idx++ {
		raw := m.queueDepths.Get(idx)
		prevSmoothed, ok := m.hvyball.smoothed[idx]
		if !ok {
			prevSmoothed = float64(raw.Total)
		}
		prevVelocity := m.hvyball.velocity[idx]
		velocity := float64(raw.Total) - prevSmoothed + m.hvyball.momentum*prevVelocity
		smoothed := prevSmoothed + velocity
		m.hvyball.smoothed[idx] = smoothed
		m.hvyball.velocity[idx] = velocity
		if smoothed < 0 {
			smoothed = 0
		}
		out.SetBinDepthByIdx(idx, uint32(smoothed), raw.LS)
	}
	return out
}

// SetNbrQueueDepths stores qd as nbrBinIdx's most recent advertisement.
func (m *BinQueueMgr) SetNbrQueueDepths(nbrBinIdx bin.Index, qd *qdepth.QueueDepths) {
	m.nbrQueueDepths[nbrBinIdx] = qd
}

// GetNbrQueueDepths returns nbrBinIdx's most recently stored advertisement.
func (m *BinQueueMgr) GetNbrQueueDepths(nbrBinIdx bin.Index) (*qdepth.QueueDepths, bool) {
	qd, ok := m.nbrQueueDepths[nbrBinIdx]
	return qd, ok
}

// DeleteNbrQueueDepths forgets nbrBinIdx's advertisement (neighbor departed).
func (m *BinQueueMgr) DeleteNbrQueueDepths(nbrBinIdx bin.Index) {
	delete(m.nbrQueueDepths, nbrBinIdx)
}

// IsMulticast reports whether this manager serves a multicast group.
func (m *BinQueueMgr) IsMulticast() bool { return m.isMulticast }

// MaxBinDepthPkts returns the configured per-class packet depth limit.
func (m *BinQueueMgr) MaxBinDepthPkts() uint32 { return m.maxBinDepthPkts }

// PerClassBytes returns idx's current byte count in each latency class, for
// the metrics exporter's per-class depth gauges.
func (m *BinQueueMgr) PerClassBytes(idx bin.Index) [packet.NumLatencyClasses]uint32 {
	var out [packet.NumLatencyClasses]uint32
	for lat := range m.perDstPerLatClassBytes {
		out[lat] = m.perDstPerLatClassBytes[lat][idx]
	}
	return out
}

// ZombieBytesInjected returns the cumulative bytes AddZombieBytes has placed
// into lat's queue over this manager's lifetime.
func (m *BinQueueMgr) ZombieBytesInjected(lat packet.LatencyClass) uint64 {
	return m.zombieBytesInjected[lat]
}

// NonZombieQueueDepthBytes returns the total size of non-zombie packets
// queued for idx.
func (m *BinQueueMgr) NonZombieQueueDepthBytes(idx bin.Index) uint32 {
	return m.nonZombieQueueDepthBytes[idx]
}

// LastDequeueTime returns the last time a packet addressed to idx was
// dequeued (or the time it was first enqueued into an empty queue).
func (m *BinQueueMgr) LastDequeueTime(idx bin.Index) (time.Time, bool) {
	t, ok := m.lastDequeueTime[idx]
	return t, ok
}

// AreQueuesEmpty reports whether every latency class's queue is empty.
func (m *BinQueueMgr) AreQueuesEmpty() bool {
	for _, q := range m.queues {
		if q.Count() > 0 {
			return false
		}
	}
	return true
}

// Purge discards all queued packets/zombie bytes without transmitting,
// recycling any held real packets; shutdown drains every queue through it.
func (m *BinQueueMgr) Purge() {
	for _, q := range m.queues {
		q.Purge()
	}
	m.queueDepths.ClearAllBins()
	for idx := range m.nonZombieQueueDepthBytes {
		m.nonZombieQueueDepthBytes[idx] = 0
	}
	for lat := range m.perDstPerLatClassBytes {
		m.perDstPerLatClassBytes[lat] = make(map[bin.Index]uint32)
	}
}

func forEachSetBit(v packet.DstVec, fn func(idx bin.Index)) {
	for i := 0; i < 64; i++ {
		if v&(1<<uint(i)) != 0 {
			fn(bin.Index(i))
		}
	}
}
