// Package packet defines the Packet type and its immutable-after-assembly
// byte buffer plus trailing metadata "Packet". Packets are
// never allocated ad hoc on the data path; they originate from the arena in
// internal/packetpool.
package packet

import (
	"time"
)

// Owner tags the component that currently holds exclusive write access to a
// Packet, used only for the debug "last location" tag. It never affects
// packet semantics.
type Owner uint8

const (
	OwnerNone Owner = iota
	OwnerEdgeIn
	OwnerBinQueueMgr
	OwnerForwarder
	OwnerTransport
	OwnerZLR
	OwnerASAP
)

// DstVec is a bit-vector over BinIndex values used to address a subset of a
// multicast group's destinations.
type DstVec uint64

// PktMemIndex identifies a Packet's slot in the PacketPool arena. It is
// the value transmitted over inter-process FIFOs between cooperating
// processes; locally it indexes internal/packetpool's backing slice.
type PktMemIndex uint32

// MaxZombieLenBytes bounds a single synthesized zombie Packet's actual
// wire length. Zombie compression is unsupported, so the bound always
// applies.
const MaxZombieLenBytes = 1024

// Packet is an immutable-after-assembly byte buffer with a small trailing
// metadata tail
type Packet struct {
	// Data holds the real bytes, mutated only by the enqueuing component up
	// to the moment of insertion into a queue, then read-only.
	Data []byte

	// Owner is the component currently responsible for the packet's
	// mutation discipline (debug/tracking only).
	Owner Owner

	// Latency is the forwarding priority class.
	Latency LatencyClass

	// RecvTime is the time the packet was stamped on ingress (or synthesis).
	RecvTime time.Time

	// ID is the 20-bit packet identifier.
	ID uint32

	// HasTTG reports whether TimeToGo holds a valid deadline.
	HasTTG bool
	// TimeToGo is an optional time-to-go deadline.
	TimeToGo time.Duration

	// DstVec is the destination-bit-vector for multicast; for unicast
	// packets exactly one bit is set.
	DstVec DstVec

	// VirtualLength diverges from len(Data) only for compressed zombies: it
	// is the length the packet should be accounted as for backpressure
	// purposes, not the number of bytes actually on the wire.
	VirtualLength uint32

	// IsZombie marks a packet synthesized by ZLR/ASAP/NPLB rather than
	// received on ingress.
	IsZombie bool

	// refcount is the packet's reference count; at zero the slot returns to
	// the pool. Mutated only through packetpool's atomic helpers.
	refcount int32

	// slot is this packet's index in the owning PacketPool's arena.
	slot PktMemIndex

	// lastLocation is the debug "last seen" tag: an index into a table of
	// (file, line, ...) entries maintained by the PacketPool.
	// Instrumentation only.
	lastLocation uint16
}

const maxPacketID = 1<<20 - 1

// ClampPacketID truncates id to the 20-bit packet-id space used on the wire.
func ClampPacketID(id uint32) uint32 {
	return id & maxPacketID
}

// Refcount returns the packet's current reference count.
func (p *Packet) Refcount() int32 {
	return p.refcount
}

// RefcountAddr returns the address of the packet's reference count, for use
// by internal/packetpool's atomic increment/decrement helpers. Exposed as a
// pointer rather than a mutator so packetpool can use sync/atomic directly
// without this package depending on it.
func (p *Packet) RefcountAddr() *int32 {
	return &p.refcount
}

// Slot returns the packet's arena slot index.
func (p *Packet) Slot() PktMemIndex {
	return p.slot
}

// SetSlot records the packet's arena slot index. Called once by
// internal/packetpool when a slot is first handed out.
func (p *Packet) SetSlot(slot PktMemIndex) {
	p.slot = slot
}

// SetLastLocation records the debug "last seen" location tag. It never
// affects packet semantics.
func (p *Packet) SetLastLocation(loc uint16) {
	p.lastLocation = loc
}

// LastLocation returns the debug "last seen" location tag.
func (p *Packet) LastLocation() uint16 {
	return p.lastLocation
}

// Len returns the number of real bytes currently held.
func (p *Packet) Len() int {
	return len(p.Data)
}

// Reset zeroes a packet's length and metadata so it can be reused from the
// pool's free ring. Data's backing array is kept (truncated to length 0) to
// avoid reallocation.
func (p *Packet) Reset() {
	p.Data = p.Data[:0]
	p.Owner = OwnerNone
	p.Latency = NormalLatency
	p.RecvTime = time.Time{}
	p.ID = 0
	p.HasTTG = false
	p.TimeToGo = 0
	p.DstVec = 0
	p.VirtualLength = 0
	p.IsZombie = false
	p.refcount = 0
	p.lastLocation = 0
}
