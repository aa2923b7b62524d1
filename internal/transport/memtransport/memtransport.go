// Package memtransport implements an in-process, channel-based
// transport.Transport, used by unit tests to exchange QLAM/data frames
// without a socket. Two goroutine-safe channels are the idiomatic Go
// stand-in for a loopback wire.
package memtransport

import (
	"sync"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/transport"
)

// DefaultQueueCapacity bounds each direction's in-flight frame count,
// standing in for the real link's transmit queue.
const DefaultQueueCapacity = 256

// Pair builds two memtransport endpoints wired to each other: sends on a
// are delivered as Events on b, and vice versa.
func Pair(aBin, bBin bin.Index, aPathCtrl, bPathCtrl uint32) (a, b *Transport) {
	abData := make(chan transport.Event, DefaultQueueCapacity)
	baData := make(chan transport.Event, DefaultQueueCapacity)

	a = &Transport{
		neighborBin: bBin,
		pathCtrl:    aPathCtrl,
		out:         abData,
		in:          baData,
	}
	b = &Transport{
		neighborBin: aBin,
		pathCtrl:    bPathCtrl,
		out:         baData,
		in:          abData,
	}
	return a, b
}

// Transport is one endpoint of an in-process channel pair.
type Transport struct {
	neighborBin bin.Index
	pathCtrl    uint32

	mu     sync.Mutex
	closed bool

	out chan<- transport.Event
	in  <-chan transport.Event
}

// SendPacket pushes pkt as an EventData occurrence on the peer's Events
// channel. It fails (returning false, ownership retained by caller) only
// when the peer's queue is full, modeling real back-pressure.
func (t *Transport) SendPacket(pkt *packet.Packet) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	select {
	case t.out <- transport.Event{Kind: transport.EventData, Packet: pkt}:
		return true
	default:
		return false
	}
}

// SendQLAM pushes payload as an EventQLAM occurrence on the peer's Events
// channel, copying it first since the caller's buffer may be reused.
func (t *Transport) SendQLAM(payload []byte) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case t.out <- transport.Event{Kind: transport.EventQLAM, QLAMPayload: cp}:
		return true
	default:
		return false
	}
}

// GetXmitQueueSize reports how many frames are queued on the outbound
// channel, standing in for a byte count.
func (t *Transport) GetXmitQueueSize() (uint32, bool) {
	return uint32(len(t.out)), true
}

// Events returns the inbound channel this transport reads from.
func (t *Transport) Events() <-chan transport.Event { return t.in }

// NeighborBin returns the peer's bin index.
func (t *Transport) NeighborBin() bin.Index { return t.neighborBin }

// PathCtrl returns this link's path-controller number.
func (t *Transport) PathCtrl() uint32 { return t.pathCtrl }

// Close marks the transport closed; further sends fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

var _ transport.Transport = (*Transport)(nil)
