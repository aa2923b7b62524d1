// Package asap implements Anti-Starvation with Artificial Packets: on each
// forwarding tick, a destination whose head-of-line packet has waited
// unusually long gets synthetic bytes injected so its gradient grows until
// it wins arbitration, bounded by a gradient-based cap so ASAP never
// outweighs an actually-preferable destination.
package asap

import (
	"math"
	"time"

	"github.com/galpt/ironcore/internal/dqinfo"
	"github.com/galpt/ironcore/internal/packet"
)

// Algorithm constants.
const (
	// ASZCoefficient is the quadratic delay-to-bytes coefficient.
	ASZCoefficient = 2.0
	// MaxPktSizeBits anticipates the largest real packet (Ethernet MTU),
	// used as a fallback bit rate before any capacity estimate has arrived.
	MaxPktSizeBits = 1500 * 8
	// ThresholdSleepTime: a gap between ticks wider than this is credited
	// to accumulated sleep time rather than counted as starvation.
	ThresholdSleepTime = 10 * time.Millisecond
	// MinStarvationThresh floors the injected byte target at 50ms worth of
	// bytes at the average path-controller capacity.
	MinStarvationThresh = 50 * time.Millisecond
)

// Params bundles ASAP's tunables: the quadratic coefficient and the
// starvation threshold. Zero fields take the package defaults.
type Params struct {
	Coefficient      float64
	StarvationThresh time.Duration
}

func (p Params) withDefaults() Params {
	if p.Coefficient == 0 {
		p.Coefficient = ASZCoefficient
	}
	if p.StarvationThresh == 0 {
		p.StarvationThresh = MinStarvationThresh
	}
	return p
}

// ZombieSink is how ASAP injects synthetic bytes into its owning
// BinQueueMgr's zombie queues without this package depending on binqueue.
type ZombieSink interface {
	AddZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec)
}

// HeadOfLineProbe reports the receive time of the head-of-line packet in
// either the latency-sensitive or normal queue group for a destination.
type HeadOfLineProbe interface {
	HeadOfLineRecvTime(isLS bool, dstVec packet.DstVec) (recvTime time.Time, ok bool)
}

// side holds one latency-group's worth of ASAP bookkeeping; ASAP runs two,
// matching ZLR's normal/LS split.
type side struct {
	zombieLat         packet.LatencyClass
	delayBytesAdded   uint32
	gradientBasedCap  uint32
	timeOfLastDequeue time.Time
}

// ASAP is one destination's anti-starvation state.
type ASAP struct {
	sink   ZombieSink
	probe  HeadOfLineProbe
	params Params

	normal side
	ls     side

	sleepTimeAccumulated time.Duration
	timeOfLastASAPCall   time.Time

	// capacityEstimates maps path-controller number to its last reported
	// bps; a map rather than a fixed-size array so no maximum controller
	// count needs declaring.
	capacityEstimates map[uint32]float64
	averageCapacity   float64
}

// New builds an ASAP instance wired to sink and probe, with default tuning.
func New(sink ZombieSink, probe HeadOfLineProbe, now time.Time) *ASAP {
	return NewWithParams(sink, probe, Params{}, now)
}

// NewWithParams builds an ASAP instance with explicit tuning; zero Params
// fields take the defaults.
func NewWithParams(sink ZombieSink, probe HeadOfLineProbe, params Params, now time.Time) *ASAP {
	return &ASAP{
		sink:               sink,
		probe:              probe,
		params:             params.withDefaults(),
		normal:             side{zombieLat: packet.HighLatRcvd},
		ls:                 side{zombieLat: packet.HighLatExp},
		timeOfLastASAPCall: now,
		capacityEstimates:  make(map[uint32]float64),
	}
}

// ProcessCapacityUpdate records pcNum's current bps estimate and recomputes
// the mean over all non-zero entries.
func (a *ASAP) ProcessCapacityUpdate(pcNum uint32, capacityBps float64) {
	a.capacityEstimates[pcNum] = capacityBps
	var sum float64
	var n int
	for _, v := range a.capacityEstimates {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n > 0 {
		a.averageCapacity = sum / float64(n)
	} else {
		a.averageCapacity = 0
	}
}

// SetASAPCap updates the gradient-based cap for the normal or LS side.
func (a *ASAP) SetASAPCap(newCap uint32, isLS bool) {
	if isLS {
		a.ls.gradientBasedCap = newCap
	} else {
		a.normal.gradientBasedCap = newCap
	}
}

// AdjustQueueValuesForAntiStarvation is the per-tick entrypoint, called
// by BinQueueMgr at most every 5ms from the Forwarder's periodic backstop.
func (a *ASAP) AdjustQueueValuesForAntiStarvation(now time.Time, dstVec packet.DstVec) {
	delta := now.Sub(a.timeOfLastASAPCall)
	a.timeOfLastASAPCall = now
	if delta > ThresholdSleepTime {
		a.sleepTimeAccumulated += delta - ThresholdSleepTime
		return
	}
	a.adjustSide(&a.normal, false, now, dstVec)
	a.adjustSide(&a.ls, true, now, dstVec)
}

func (a *ASAP) adjustSide(s *side, isLS bool, now time.Time, dstVec packet.DstVec) {
	headRecvTime, ok := a.probe.HeadOfLineRecvTime(isLS, dstVec)
	if !ok {
		return
	}

	sinceDequeue := now.Sub(s.timeOfLastDequeue)
	sinceRecv := now.Sub(headRecvTime)
	delay := sinceDequeue
	if sinceRecv < delay {
		delay = sinceRecv
	}
	if delay < 0 {
		delay = 0
	}

	bytesTarget := a.bytesToAddGivenDelay(delay)
	// A zero cap means "no gradient round has reported yet", not "inject
	// nothing": every distributed cap carries at least the hysteresis
	// slack, so a real cap is never zero. Until the first report arrives,
	// injection runs uncapped.
	if s.gradientBasedCap > 0 && bytesTarget > s.gradientBasedCap {
		bytesTarget = s.gradientBasedCap
	}

	if bytesTarget > s.delayBytesAdded {
		a.sink.AddZombieBytes(s.zombieLat, bytesTarget-s.delayBytesAdded, dstVec)
		s.delayBytesAdded = bytesTarget
	}
}

// bytesToAddGivenDelay computes the quadratic delay-to-bytes target,
// floored by MinStarvationThresh worth of bytes at the average capacity.
// capacityBps falls back to MaxPktSizeBits bits per second (one
// Ethernet-MTU-sized packet per second) before any real capacity estimate
// has arrived, so starvation
// accounting isn't simply zero at startup.
func (a *ASAP) bytesToAddGivenDelay(delay time.Duration) uint32 {
	capacityBps := a.averageCapacity
	if capacityBps <= 0 {
		capacityBps = MaxPktSizeBits
	}

	delaySec := delay.Seconds()
	targetBits := a.params.Coefficient * delaySec * delaySec * capacityBps
	target := targetBits / 8

	minBits := a.params.StarvationThresh.Seconds() * capacityBps
	min := minBits / 8
	if target < min {
		target = min
	}
	return uint32(math.Ceil(target))
}

// OnDequeue clears the per-side delay accounting after a real dequeue.
func (a *ASAP) OnDequeue(dqInfo dqinfo.DequeuedInfo, now time.Time) {
	s := &a.normal
	if dqInfo.Lat.IsLatencySensitive() {
		s = &a.ls
	}
	s.delayBytesAdded = 0
	a.sleepTimeAccumulated = 0
	s.timeOfLastDequeue = now
}

// SleepTimeAccumulated reports the time credited to scheduler preemption
// rather than starvation, for tests/introspection.
func (a *ASAP) SleepTimeAccumulated() time.Duration { return a.sleepTimeAccumulated }

// GradientCap reports the side's current gradient-based injection cap, for
// tests/introspection.
func (a *ASAP) GradientCap(isLS bool) uint32 {
	if isLS {
		return a.ls.gradientBasedCap
	}
	return a.normal.gradientBasedCap
}
