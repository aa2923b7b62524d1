// Package dqinfo defines DequeuedInfo, the small bundle of facts about a
// just-dequeued packet (or zombie-queue byte removal) passed to ZLR, ASAP,
// and NPLB accounting.
package dqinfo

import (
	"time"

	"github.com/galpt/ironcore/internal/packet"
)

// DequeuedInfo carries what the queue-shaping algorithms need to know about
// a dequeue, without requiring a live *packet.Packet (a ZombieQueue dequeue
// has no backing packet until after this accounting runs).
type DequeuedInfo struct {
	Lat          packet.LatencyClass
	DequeuedSize uint32
	DstVec       packet.DstVec
	IsIP         bool
	DSCP         uint8
	RecvTime     time.Time
	DstAddr      uint32
}

// FromPacket builds a DequeuedInfo describing a real packet's dequeue.
// DequeuedSize falls back to the packet's actual byte length when
// VirtualLength is unset, matching BinQueueMgr.Dequeue's own byte
// accounting.
func FromPacket(pkt *packet.Packet, dstVec packet.DstVec) DequeuedInfo {
	length := pkt.VirtualLength
	if length == 0 {
		length = uint32(pkt.Len())
	}
	return DequeuedInfo{
		Lat:          pkt.Latency,
		DequeuedSize: length,
		DstVec:       dstVec,
		IsIP:         true,
		RecvTime:     pkt.RecvTime,
	}
}

// FromZombie builds a DequeuedInfo describing a zombie-queue byte removal
// that has no backing packet.
func FromZombie(lat packet.LatencyClass, size uint32, dstVec packet.DstVec) DequeuedInfo {
	return DequeuedInfo{Lat: lat, DequeuedSize: size, DstVec: dstVec}
}
