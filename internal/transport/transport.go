// Package transport defines the Transport contract the core consumes from
// whatever carries bytes between neighbor nodes. The core treats Transport
// as an opaque collaborator: it never parses a neighbor's wire protocol
// beyond the QLAM payload it hands back.
//
// Each Transport exposes a channel of inbound events, with the Forwarder
// selecting over all of them plus its own timers; concrete implementations
// (see internal/transport/memtransport and .../udptransport) run their own
// goroutine(s) that read the wire and push onto that channel.
package transport

import (
	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/packet"
)

// EventKind discriminates the union carried by Event.
type EventKind uint8

const (
	// EventData is an inbound data packet addressed to the local node.
	EventData EventKind = iota
	// EventQLAM is an inbound neighbor queue-depth advertisement frame.
	EventQLAM
	// EventCapacity is a path-controller capacity estimate update.
	EventCapacity
	// EventDrop reports a packet the transport discarded on its own.
	// Ownership of the
	// dropped packet remains with the transport; the core only observes
	// the drop for accounting.
	EventDrop
)

// Event is one inbound occurrence from a Transport, pushed onto its Events
// channel for the Forwarder's select loop to consume.
type Event struct {
	Kind EventKind

	// Packet is set for EventData; the receiver owns it.
	Packet *packet.Packet

	// QLAMPayload is the raw serialized QueueDepths frame for EventQLAM
	// (see internal/qdepth's wire codec).
	QLAMPayload []byte

	// PathCtrl identifies which path controller an EventCapacity or
	// EventDrop concerns.
	PathCtrl uint32
	// ChanBps/TransBps/CCLSec carry an EventCapacity update's payload: the
	// channel and transport bit rates plus the congestion control loop
	// period.
	ChanBps  float64
	TransBps float64
	CCLSec   float64
}

// Transport is the per-neighbor-link collaborator the core sends packets
// and QLAM frames to, and receives inbound events from.
type Transport interface {
	// SendPacket attempts to hand pkt to the link. A true return transfers
	// ownership to the transport; false leaves ownership with the caller.
	SendPacket(pkt *packet.Packet) bool

	// SendQLAM hands a serialized QueueDepths frame to the link for
	// delivery to the neighbor.
	SendQLAM(payload []byte) bool

	// GetXmitQueueSize reports the transport's pending byte count, used by
	// the Forwarder to detect back-pressure before selecting a solution.
	GetXmitQueueSize() (size uint32, ok bool)

	// Events returns the channel of inbound occurrences for this
	// transport; the Forwarder's select loop ranges over every configured
	// neighbor's Events channel alongside its own timers.
	Events() <-chan Event

	// NeighborBin identifies which BinIndex this transport's neighbor
	// corresponds to.
	NeighborBin() bin.Index

	// PathCtrl identifies the path controller number backing this
	// transport link, used for round-robin tie-breaking.
	PathCtrl() uint32

	// Close releases the transport's resources.
	Close() error
}
