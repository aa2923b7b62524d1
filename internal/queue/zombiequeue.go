package queue

import (
	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/qdepth"
)

// Synthesizer is the subset of *packetpool.Pool used to manufacture zombie
// packets on dequeue. TryGet returns nil on pool exhaustion, which Dequeue
// treats as "skip this synthesis this round".
type Synthesizer interface {
	TryGet(mode packetpool.RecvTimeMode) *packet.Packet
	Recycle(pkt *packet.Packet)
}

// SingleDequeueLenBytes bounds a zombie packet synthesized by one Dequeue
// call.
const SingleDequeueLenBytes = 1024

// ZombieQueue tracks a running count of zombie bytes enqueued for a
// destination without storing any physical Packets; real Packets are
// synthesized lazily on Dequeue.
type ZombieQueue struct {
	synth       Synthesizer
	isMulticast bool
	lat         packet.LatencyClass
	nodeBinIdx  bin.Index
	dstAddrNBO  uint32

	// unicastBytes holds the running total for a non-multicast ZombieQueue.
	unicastBytes uint32

	// perDst holds per-destination-bin running totals for a multicast
	// "packetless" ZombieQueue, reusing qdepth.QueueDepths as a dense
	// per-bin byte counter (only the Total field is used here).
	perDst *qdepth.QueueDepths
}

// NewZombieQueue builds a unicast ZombieQueue.
func NewZombieQueue(synth Synthesizer, lat packet.LatencyClass, nodeBinIdx bin.Index, dstAddrNBO uint32) *ZombieQueue {
	return &ZombieQueue{synth: synth, lat: lat, nodeBinIdx: nodeBinIdx, dstAddrNBO: dstAddrNBO}
}

// NewMulticastZombieQueue builds a packetless multicast ZombieQueue that
// tracks per-destination-bin byte counts, sized to maxBinIndex+1.
func NewMulticastZombieQueue(synth Synthesizer, lat packet.LatencyClass, nodeBinIdx bin.Index, dstAddrNBO uint32, maxBinIndex int) *ZombieQueue {
	return &ZombieQueue{
		synth:       synth,
		isMulticast: true,
		lat:         lat,
		nodeBinIdx:  nodeBinIdx,
		dstAddrNBO:  dstAddrNBO,
		perDst:      qdepth.New(maxBinIndex + 1),
	}
}

// AddZombieBytes adds numBytes of zombie mass for dstVec (0 for unicast).
func (q *ZombieQueue) AddZombieBytes(numBytes uint32, dstVec packet.DstVec) {
	if !q.isMulticast {
		q.unicastBytes += numBytes
		return
	}
	forEachSetBit(dstVec, func(idx bin.Index) {
		q.perDst.Increment(idx, numBytes, 0)
	})
}

// Enqueue transfers pkt's virtual length into the counter and immediately
// releases pkt back to the pool: a ZombieQueue never stores physical
// packets. A packet without a VirtualLength stamp counts as its actual
// byte length.
func (q *ZombieQueue) Enqueue(pkt *packet.Packet) bool {
	length := pkt.VirtualLength
	if length == 0 {
		length = uint32(pkt.Len())
	}
	q.AddZombieBytes(length, pkt.DstVec)
	q.synth.Recycle(pkt)
	return true
}

// Dequeue synthesizes a zombie Packet of up to maxSizeBytes (capped at
// SingleDequeueLenBytes and packet.MaxZombieLenBytes), or nil if no zombie
// bytes are available for dstVec.
func (q *ZombieQueue) Dequeue(maxSizeBytes uint32, dstVec packet.DstVec) *packet.Packet {
	if maxSizeBytes == 0 || maxSizeBytes > SingleDequeueLenBytes {
		maxSizeBytes = SingleDequeueLenBytes
	}
	if maxSizeBytes > packet.MaxZombieLenBytes {
		maxSizeBytes = packet.MaxZombieLenBytes
	}

	available := q.availableFor(dstVec)
	if available == 0 {
		return nil
	}
	take := maxSizeBytes
	if take > available {
		take = available
	}

	pkt := q.synth.TryGet(packetpool.RecvTimeNone)
	if pkt == nil {
		// Pool exhausted: skip this synthesis, leaving the counter intact so
		// the bytes stay dequeueable on a later round.
		return nil
	}
	q.consume(take, dstVec)
	pkt.IsZombie = true
	pkt.Latency = q.lat
	pkt.VirtualLength = take
	pkt.DstVec = dstVec
	return pkt
}

// Requeue returns a synthesized-but-refused zombie's virtual length to the
// counter and releases the packet: order is meaningless for counted bytes.
func (q *ZombieQueue) Requeue(pkt *packet.Packet) {
	q.AddZombieBytes(pkt.VirtualLength, pkt.DstVec)
	q.synth.Recycle(pkt)
}

// DropPacket discards up to maxSizeBytes of zombie mass without producing a
// Packet, returning the number of bytes actually dropped.
func (q *ZombieQueue) DropPacket(maxSizeBytes uint32, dstVec packet.DstVec) uint32 {
	available := q.availableFor(dstVec)
	if available == 0 {
		return 0
	}
	drop := maxSizeBytes
	if drop > available {
		drop = available
	}
	q.consume(drop, dstVec)
	return drop
}

// Purge zeroes all zombie byte counts.
func (q *ZombieQueue) Purge() {
	if q.isMulticast {
		q.perDst.ClearAllBins()
		return
	}
	q.unicastBytes = 0
}

// Count reports 1 if any zombie bytes are queued (any destination, for
// multicast), 0 otherwise — a ZombieQueue is never considered to hold more
// than one logical "packet" worth of backlog.
func (q *ZombieQueue) Count() uint32 {
	if q.isMulticast {
		return boolToCount(q.totalMulticastBytes() > 0)
	}
	return boolToCount(q.unicastBytes > 0)
}

// TotalBytes returns the running zombie byte count (summed across
// destinations for a multicast ZombieQueue).
func (q *ZombieQueue) TotalBytes() int {
	if q.isMulticast {
		return int(q.totalMulticastBytes())
	}
	return int(q.unicastBytes)
}

func boolToCount(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (q *ZombieQueue) totalMulticastBytes() uint32 {
	var sum uint32
	n := q.perDst.StoreSize()
	for i := 0; i < n; i++ {
		d := q.perDst.Get(bin.Index(i))
		sum += d.Total
	}
	return sum
}

// TotalDequeueSize returns the zombie bytes available for a unicast queue.
func (q *ZombieQueue) TotalDequeueSize() int {
	return int(q.unicastBytes)
}

// TotalDequeueSizeForBin returns the zombie bytes available for a specific
// destination bin of a multicast queue.
func (q *ZombieQueue) TotalDequeueSizeForBin(idx bin.Index) int {
	d := q.perDst.Get(idx)
	return int(d.Total)
}

// NextDequeueSize returns the size of the next zombie Packet Dequeue would
// synthesize for a unicast queue.
func (q *ZombieQueue) NextDequeueSize() int {
	avail := q.unicastBytes
	if avail > SingleDequeueLenBytes {
		avail = SingleDequeueLenBytes
	}
	return int(avail)
}

func (q *ZombieQueue) availableFor(dstVec packet.DstVec) uint32 {
	if !q.isMulticast {
		return q.unicastBytes
	}
	var total uint32
	forEachSetBit(dstVec, func(idx bin.Index) {
		d := q.perDst.Get(idx)
		if d.Total > total {
			total = d.Total
		}
	})
	return total
}

func (q *ZombieQueue) consume(n uint32, dstVec packet.DstVec) {
	if !q.isMulticast {
		if n > q.unicastBytes {
			n = q.unicastBytes
		}
		q.unicastBytes -= n
		return
	}
	forEachSetBit(dstVec, func(idx bin.Index) {
		d := q.perDst.Get(idx)
		amt := n
		if amt > d.Total {
			amt = d.Total
		}
		q.perDst.Decrement(idx, amt, 0)
	})
}

func forEachSetBit(v packet.DstVec, fn func(idx bin.Index)) {
	for i := 0; i < 64; i++ {
		if v&(1<<uint(i)) != 0 {
			fn(bin.Index(i))
		}
	}
}
