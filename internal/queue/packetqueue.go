package queue

import (
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
)

// Recycler is the subset of packetpool.Pool that PacketQueue needs to
// release ownership of dropped/purged packets, and to clone a multicast
// packet when a Dequeue is addressed to a strict subset of its DstVec.
type Recycler interface {
	Recycle(pkt *packet.Packet)
	Clone(src *packet.Packet, fullCopy bool, mode packetpool.CloneTimeMode) *packet.Packet
}

// PacketQueue is a FIFO queue of real Packets with a configurable size
// limit and drop policy.
type PacketQueue struct {
	recycler Recycler

	items    []*packet.Packet
	sizeLim  uint32
	dropPol  DropPolicy
	ordered  bool

	totalBytes int
}

// NewPacketQueue builds a PacketQueue using DefaultSizeLimit/DefaultDropPolicy.
func NewPacketQueue(recycler Recycler, ordered bool) *PacketQueue {
	return NewPacketQueueWithLimits(recycler, DefaultSizeLimit, DefaultDropPolicy, ordered)
}

// NewPacketQueueWithLimits builds a PacketQueue with an explicit size limit
// and drop policy. A zero sizeLimit substitutes DefaultSizeLimit.
func NewPacketQueueWithLimits(recycler Recycler, sizeLimit uint32, drop DropPolicy, ordered bool) *PacketQueue {
	if sizeLimit == 0 {
		sizeLimit = DefaultSizeLimit
	}
	return &PacketQueue{
		recycler: recycler,
		sizeLim:  sizeLimit,
		dropPol:  drop,
		ordered:  ordered,
	}
}

// Enqueue appends pkt to the tail, dropping per the configured policy first
// if the queue is already at its size limit. Returns false (caller retains
// ownership) only if NO_DROP is configured and the queue is full.
func (q *PacketQueue) Enqueue(pkt *packet.Packet) bool {
	if uint32(len(q.items)) >= q.sizeLim {
		if q.dropPol == DropNone {
			return false
		}
		q.dropOne(false)
	}
	q.items = append(q.items, pkt)
	q.totalBytes += pkt.Len()
	return true
}

// Dequeue removes and returns the front packet if it fits within
// maxSizeBytes. dstVec must be zero for a unicast PacketQueue.
//
// When dstVec is a strict subset of the front packet's own DstVec (a
// multicast packet being drained for only some of its destinations), the
// front packet is cloned for dstVec and left in the queue with the shipped
// bits cleared from its DstVec, rather than removed outright, so the
// remaining destinations still receive it.
func (q *PacketQueue) Dequeue(maxSizeBytes uint32, dstVec packet.DstVec) *packet.Packet {
	if len(q.items) == 0 {
		return nil
	}
	front := q.items[0]
	if uint32(front.Len()) > maxSizeBytes {
		return nil
	}

	if dstVec != 0 && front.DstVec&dstVec == dstVec && front.DstVec != dstVec {
		shipped := q.recycler.Clone(front, true, packetpool.CloneTimeCopy)
		shipped.DstVec = dstVec
		front.DstVec &^= dstVec
		return shipped
	}

	q.items = q.items[1:]
	q.totalBytes -= front.Len()
	return front
}

// Requeue re-inserts pkt at the head, preserving FIFO order for a packet the
// transport refused after it was already dequeued. No drop policy fires: the
// slot pkt vacated moments ago is simply reoccupied.
func (q *PacketQueue) Requeue(pkt *packet.Packet) {
	q.items = append([]*packet.Packet{pkt}, q.items...)
	q.totalBytes += pkt.Len()
}

// Peek returns the front packet without removing it, or nil if empty.
func (q *PacketQueue) Peek() *packet.Packet {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// DropPacket drops one packet per the configured drop policy and returns
// the number of bytes freed.
func (q *PacketQueue) DropPacket(maxSizeBytes uint32, dstVec packet.DstVec) uint32 {
	return q.dropOne(false)
}

// dropOne removes one packet per drop_policy_. If forceDrop is true, a
// NO_DROP policy is overridden with a HEAD drop.
func (q *PacketQueue) dropOne(forceDrop bool) uint32 {
	if len(q.items) == 0 {
		return 0
	}
	pol := q.dropPol
	if pol == DropNone {
		if !forceDrop {
			return 0
		}
		pol = DropHead
	}
	var victim *packet.Packet
	switch pol {
	case DropTail:
		last := len(q.items) - 1
		victim = q.items[last]
		q.items = q.items[:last]
	default: // DropHead
		victim = q.items[0]
		q.items = q.items[1:]
	}
	n := uint32(victim.Len())
	q.totalBytes -= victim.Len()
	if q.recycler != nil {
		q.recycler.Recycle(victim)
	}
	return n
}

// Purge drops every packet in the queue regardless of drop policy.
func (q *PacketQueue) Purge() {
	for _, pkt := range q.items {
		if q.recycler != nil {
			q.recycler.Recycle(pkt)
		}
	}
	q.items = q.items[:0]
	q.totalBytes = 0
}

// Count returns the number of packets currently enqueued.
func (q *PacketQueue) Count() uint32 {
	return uint32(len(q.items))
}

// TotalBytes returns the sum of every queued packet's length.
func (q *PacketQueue) TotalBytes() int {
	return q.totalBytes
}

// TotalDequeueSize returns the byte size of the next packet available to
// dequeue (PacketQueue has no batching, so this equals NextDequeueSize).
func (q *PacketQueue) TotalDequeueSize() int {
	return q.NextDequeueSize()
}

// NextDequeueSize returns the size in bytes of the packet at the front of
// the queue, or 0 if empty.
func (q *PacketQueue) NextDequeueSize() int {
	if len(q.items) == 0 {
		return 0
	}
	return q.items[0].Len()
}

// SetSizeLimit changes the queue's size limit, dropping packets per policy
// (forcing a HEAD drop if NO_DROP is configured) until the new limit holds.
func (q *PacketQueue) SetSizeLimit(sl uint32) {
	if sl == 0 {
		sl = DefaultSizeLimit
	}
	q.sizeLim = sl
	for uint32(len(q.items)) > q.sizeLim {
		q.dropOne(true)
	}
}

// DropPolicy returns the queue's current drop policy.
func (q *PacketQueue) DropPolicy() DropPolicy { return q.dropPol }

// SetDropPolicy changes the queue's drop policy.
func (q *PacketQueue) SetDropPolicy(pol DropPolicy) { q.dropPol = pol }

// IsOrdered reports whether this queue maintains insertion order by an
// external key rather than FIFO arrival order.
func (q *PacketQueue) IsOrdered() bool { return q.ordered }
