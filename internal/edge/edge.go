// Package edge defines the EdgeIn/EdgeOut contract: the opaque
// collaborator that moves packets in and out of the local host, i.e. the
// kernel-facing side of the node as opposed to the neighbor-facing
// Transport (internal/transport). The core never parses link-layer framing
// itself; concrete adapters (tunedge, pipeedge) do that translation.
package edge

// In is the ingress side: Recv reads one packet's worth of bytes into dst
// starting at offset, returning the number of bytes written. A return of
// (0, nil) means no packet is currently available; callers treat this as
// non-blocking poll semantics, matching the Forwarder's cooperative select
// loop.
type In interface {
	Recv(dst []byte, offset int) (n int, err error)
	// Events exposes a channel the Forwarder can select on alongside its
	// timers, in place of a raw fd in a select(2) set.
	Events() <-chan struct{}
	Close() error
}

// Out is the egress side: Send writes one packet's bytes toward the local
// host's kernel/application stack.
type Out interface {
	Send(data []byte) (n int, err error)
	Close() error
}
