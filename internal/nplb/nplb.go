// Package nplb implements No Packet Left Behind, the alternative to ASAP:
// rather than injecting anti-starvation zombies directly, NPLB adds a delay term to the destination's advertised queue
// depth (so gradients already reflect dwell time) and only injects a
// corrective zombie when queuing delay swings sharply between successive
// dequeues. NPLB and ASAP are mutually exclusive per destination.
package nplb

import (
	"time"

	"github.com/galpt/ironcore/internal/dqinfo"
	"github.com/galpt/ironcore/internal/packet"
)

// DefaultDelayStickinessThreshold bounds the allowed swing between a
// just-dequeued packet's dwell time and the next head-of-line packet's
// dwell-so-far before a corrective zombie is injected. Matches ASAP's
// MinStarvationThresh scale: both bound how long a single destination may
// be starved before an anti-starvation mechanism reacts.
const DefaultDelayStickinessThreshold = 50 * time.Millisecond

// ZombieSink is how NPLB injects a corrective zombie into its owning
// BinQueueMgr's zombie queues without this package depending on binqueue.
type ZombieSink interface {
	AddZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec)
}

// QueueProbe reports how long the oldest packet at the head of a
// destination's queue has been waiting, used to compute the delay term.
type QueueProbe interface {
	OldestEnqueueAge(now time.Time, dstVec packet.DstVec) (age time.Duration, ok bool)
}

// NPLB is one destination's No Packet Left Behind state.
type NPLB struct {
	sink  ZombieSink
	probe QueueProbe

	// delayWeight scales microseconds of queuing delay into bytes,
	// "equally weighted to the queue depth term when set to
	// drain-rate / 1e6" per nplb_bin_queue_mgr.h.
	delayWeight float64

	delayStickinessThreshold time.Duration

	lastDequeuedRecvTime time.Time
	haveLastDequeued     bool
}

// New builds an NPLB instance with the given drain-rate-derived delay
// weight (bytes per microsecond of queuing delay).
func New(sink ZombieSink, probe QueueProbe, delayWeight float64) *NPLB {
	return &NPLB{
		sink:                     sink,
		probe:                    probe,
		delayWeight:              delayWeight,
		delayStickinessThreshold: DefaultDelayStickinessThreshold,
	}
}

// SetDelayWeight updates the drain-rate-derived delay weight, called when
// the path controller's drain rate estimate changes.
func (n *NPLB) SetDelayWeight(delayWeight float64) { n.delayWeight = delayWeight }

// SetDelayStickinessThreshold overrides the default stickiness threshold.
func (n *NPLB) SetDelayStickinessThreshold(d time.Duration) { n.delayStickinessThreshold = d }

// ComputeNPLB adds the delay term to rawDepthBytes: the oldest queued
// packet's age in microseconds, scaled by delayWeight. Returns
// rawDepthBytes unchanged if the queue is empty.
func (n *NPLB) ComputeNPLB(rawDepthBytes uint32, now time.Time, dstVec packet.DstVec) uint32 {
	age, ok := n.probe.OldestEnqueueAge(now, dstVec)
	if !ok {
		return rawDepthBytes
	}
	delayTerm := uint32(n.delayWeight * float64(age.Microseconds()))
	return rawDepthBytes + delayTerm
}

// OnDequeue implements the stickiness check: if the
// just-dequeued packet's total dwell time differs from the new head-of-line
// packet's dwell-so-far by more than delayStickinessThreshold, a corrective
// zombie equal to the dequeued size is injected to drive queuing delay back
// down. nextHeadRecvTime/haveNext describe the packet now at the head of
// the queue, if any.
func (n *NPLB) OnDequeue(dqInfo dqinfo.DequeuedInfo, now time.Time, nextHeadRecvTime time.Time, haveNext bool) {
	defer func() {
		n.lastDequeuedRecvTime = dqInfo.RecvTime
		n.haveLastDequeued = true
	}()

	if !n.haveLastDequeued || !haveNext || dqInfo.RecvTime.IsZero() {
		return
	}

	justDequeuedDwell := now.Sub(dqInfo.RecvTime)
	nextDwellSoFar := now.Sub(nextHeadRecvTime)
	diff := justDequeuedDwell - nextDwellSoFar
	if diff < 0 {
		diff = -diff
	}
	if diff <= n.delayStickinessThreshold {
		return
	}

	zombieLat := packet.HighLatNPLB
	if dqInfo.Lat.IsLatencySensitive() {
		zombieLat = packet.HighLatNPLBLS
	}
	n.sink.AddZombieBytes(zombieLat, dqInfo.DequeuedSize, dqInfo.DstVec)
}
