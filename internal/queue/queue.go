// Package queue implements the per-bin queue types backing BinQueueMgr:
// PacketQueue (a real FIFO of Packets) and ZombieQueue (a packet-less byte
// counter that synthesizes Packets on dequeue).
package queue

import "github.com/galpt/ironcore/internal/packet"

// DropPolicy controls which end of a PacketQueue sheds load when the size
// limit is reached.
type DropPolicy uint8

const (
	DropHead DropPolicy = iota
	DropTail
	DropNone
	dropUndefined
)

func (d DropPolicy) String() string {
	switch d {
	case DropHead:
		return "HEAD"
	case DropTail:
		return "TAIL"
	case DropNone:
		return "NO_DROP"
	default:
		return "UNDEFINED"
	}
}

// DefaultSizeLimit is the default queue size limit in packets.
const DefaultSizeLimit = 500

// DefaultDropPolicy is the drop policy used when none is configured.
const DefaultDropPolicy = DropHead

// Queue is the narrow contract both PacketQueue and ZombieQueue satisfy.
type Queue interface {
	Dequeue(maxSizeBytes uint32, dstVec packet.DstVec) *packet.Packet
	Enqueue(pkt *packet.Packet) bool
	// Requeue re-inserts a just-dequeued packet at the head of the queue,
	// preserving FIFO order after a transport refusal.
	Requeue(pkt *packet.Packet)
	DropPacket(maxSizeBytes uint32, dstVec packet.DstVec) uint32
	Purge()
	Count() uint32
	// TotalBytes reports the queue's current byte occupancy, used by
	// BinQueueMgr to compute the net byte delta an Enqueue causes — which,
	// under a HEAD/TAIL drop policy, can be less than the enqueued
	// packet's own length when an eviction happens in the same call.
	TotalBytes() int
	TotalDequeueSize() int
	NextDequeueSize() int
}
