// Package pipeedge implements edge.In/edge.Out over in-process channels,
// used by tests in place of a real TUN device.
package pipeedge

import "github.com/galpt/ironcore/internal/edge"

// DefaultCapacity bounds the number of queued frames.
const DefaultCapacity = 64

// Pipe is a paired edge.In/edge.Out standing in for a local host interface:
// bytes written via Inject (test helper) appear for Recv, and bytes sent
// via Out.Send are read back with Delivered. The two directions are
// separate: nothing sent on Out reaches Recv.
type Pipe struct {
	toHost chan []byte
	toWire chan []byte
	// notify is signaled (non-blocking) every time a frame lands in
	// toHost, so InSide.Events() can wake a select loop without racing
	// Recv's own consumption of toHost.
	notify chan struct{}
}

// New builds a Pipe with both directions open.
func New() *Pipe {
	return &Pipe{
		toHost: make(chan []byte, DefaultCapacity),
		toWire: make(chan []byte, DefaultCapacity),
		notify: make(chan struct{}, 1),
	}
}

// In returns the ingress (edge.In) side: frames injected via Inject arrive
// here.
func (p *Pipe) In() *InSide { return &InSide{p: p} }

// Out returns the egress (edge.Out) side: frames sent here are delivered to
// the peer/local application that reads Delivered's counterpart.
func (p *Pipe) Out() *OutSide { return &OutSide{p: p} }

func (p *Pipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Inject pushes data as if it arrived from the kernel, for tests driving
// ingress without a real interface.
func (p *Pipe) Inject(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	p.toHost <- cp
	p.wake()
}

// Delivered drains one frame the core sent toward local delivery, for
// tests asserting on egress.
func (p *Pipe) Delivered() []byte {
	return <-p.toWire
}

// InSide is the edge.In half of a Pipe.
type InSide struct{ p *Pipe }

// Recv returns the next queued frame's bytes, or (0, nil) if none is
// currently available, matching edge.In's non-blocking poll semantics.
func (s *InSide) Recv(dst []byte, offset int) (int, error) {
	select {
	case frame := <-s.p.toHost:
		n := copy(dst[offset:], frame)
		return n, nil
	default:
		return 0, nil
	}
}

// Events returns the Pipe's shared wake channel: a receive here means at
// least one frame was injected since the last wake, signaling the
// Forwarder's select loop to call Recv.
func (s *InSide) Events() <-chan struct{} { return s.p.notify }

func (s *InSide) Close() error { return nil }

// OutSide is the edge.Out half of a Pipe.
type OutSide struct{ p *Pipe }

func (s *OutSide) Send(data []byte) (int, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.p.toWire <- cp
	return len(data), nil
}

func (s *OutSide) Close() error { return nil }

var (
	_ edge.In  = (*InSide)(nil)
	_ edge.Out = (*OutSide)(nil)
)
