package zlr

import (
	"time"

	"github.com/galpt/ironcore/internal/dqinfo"
	"github.com/galpt/ironcore/internal/packet"
)

// Algorithm constants.
const (
	DefaultWindow      = 1000 * time.Millisecond
	LowerBoundWindow   = 200 * time.Millisecond
	UpperBoundWindow   = 5000 * time.Millisecond
	HighWaterMarkBytes = 6000
	LowWaterMarkBytes  = 2000
	// QChangeMinThreshBytesPerS: below this rate of change, ZLR withholds
	// zombie injection (queue is draining, not steady/growing).
	QChangeMinThreshBytesPerS = -2000

	FastRecoveryStartThreshBytes = 10000
	FastRecoveryDipThreshBytes   = 40000
	FastRecoveryDipThreshTime    = 500 * time.Millisecond
	FastRecoveryResetTime        = 3000 * time.Millisecond

	// windowChangeCooldown bounds how often the observation window may
	// widen or narrow, preventing oscillation.
	windowChangeCooldown = 100 * time.Millisecond
)

// FastRecoveryState is ZLR's per-destination oscillation-detection state
// machine: STEADY → QUEUE_DEPTH_DIP → RECOVERY → RECOVERED, with
// OSCILLATORY entered when a second dip follows too quickly.
type FastRecoveryState uint8

const (
	Steady FastRecoveryState = iota
	QueueDepthDip
	Recovery
	Recovered
	Oscillatory
)

func (s FastRecoveryState) String() string {
	switch s {
	case Steady:
		return "STEADY_STATE"
	case QueueDepthDip:
		return "QUEUE_DEPTH_DIP"
	case Recovery:
		return "RECOVERY"
	case Recovered:
		return "RECOVERED"
	case Oscillatory:
		return "OSCILLATORY"
	default:
		return "UNKNOWN"
	}
}

// fastRecoveryData is one track's fast-recovery bookkeeping.
type fastRecoveryData struct {
	state                    FastRecoveryState
	deqBytes                 uint32
	deqStartTime             time.Time
	recoveryZombieDepthBytes uint32
	fastRecoveryStartTime    time.Time
}

func newFastRecoveryData(now time.Time) fastRecoveryData {
	return fastRecoveryData{state: Steady, deqBytes: 0, deqStartTime: now, fastRecoveryStartTime: now}
}

// Params bundles the per-track tunables: watermarks, window bounds, and
// the fast-recovery enable. Zero fields take the package defaults, so a
// zero Params reproduces the constants above exactly.
type Params struct {
	WindowInitial      time.Duration
	WindowLower        time.Duration
	WindowUpper        time.Duration
	HighWaterMarkBytes uint32
	LowWaterMarkBytes  uint32
	// DisableFastRecovery turns the dip/recovery sub-state-machine off;
	// inverted so the zero value keeps fast recovery enabled.
	DisableFastRecovery bool
}

func (p Params) withDefaults() Params {
	if p.WindowInitial == 0 {
		p.WindowInitial = DefaultWindow
	}
	if p.WindowLower == 0 {
		p.WindowLower = LowerBoundWindow
	}
	if p.WindowUpper == 0 {
		p.WindowUpper = UpperBoundWindow
	}
	if p.HighWaterMarkBytes == 0 {
		p.HighWaterMarkBytes = HighWaterMarkBytes
	}
	if p.LowWaterMarkBytes == 0 {
		p.LowWaterMarkBytes = LowWaterMarkBytes
	}
	return p
}

// ZombieSink is how a ZLR track injects synthetic bytes back into its owning
// BinQueueMgr's zombie queue (and reclaims them when the floor collapses)
// without this package depending on binqueue.
type ZombieSink interface {
	AddZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec)
	// DropZombieBytes removes up to numBytes of lat-classed zombie mass,
	// returning the number of bytes actually dropped.
	DropZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec) uint32
}

// track holds one instance's worth of ZLR state. ZLR runs two per
// destination: one over normal non-zombie bytes, one over
// latency-sensitive non-zombie bytes.
type track struct {
	sink       ZombieSink
	params     Params
	zombieLat  packet.LatencyClass
	isDecision func(packet.LatencyClass) bool
	isZombie   func(packet.LatencyClass) bool

	window           time.Duration
	dyn              *QueueDepthDynamics
	lastZombieDqTime time.Time
	lastNonZombieDq  time.Time
	lastWindowChange time.Time
	fr               fastRecoveryData
	havePriorDq      bool
	lastQueueDepth   uint32
	lastDepthSetTime time.Time
}

func newTrack(sink ZombieSink, params Params, zombieLat packet.LatencyClass, isDecision, isZombie func(packet.LatencyClass) bool, now time.Time) *track {
	return &track{
		sink:       sink,
		params:     params,
		zombieLat:  zombieLat,
		isDecision: isDecision,
		isZombie:   isZombie,
		window:     params.WindowInitial,
		dyn:        NewQueueDepthDynamics(),
		fr:         newFastRecoveryData(now),
	}
}

// onEnqueue is bookkeeping only: update the dynamics
// object with the new running depth if this latency class contributes to
// this track's decision set.
func (tr *track) onEnqueue(bytes uint32, lat packet.LatencyClass, now time.Time) {
	if !tr.isDecision(lat) {
		return
	}
	tr.lastQueueDepth += bytes
	tr.dyn.Record(now, tr.lastQueueDepth)
}

// onDequeue runs the injection decision plus the fast-recovery state
// machine, for whichever latency classes this track governs.
func (tr *track) onDequeue(dqInfo dqinfo.DequeuedInfo, now time.Time, dstVec packet.DstVec) {
	isZombieDq := tr.isZombie(dqInfo.Lat)
	isRealDq := tr.isDecision(dqInfo.Lat)
	if !isZombieDq && !isRealDq {
		return
	}

	// Fast-recovery reset: if enough time has passed since entering a
	// non-STEADY state without further movement, fall back to STEADY.
	if tr.fr.state != Steady && now.Sub(tr.fr.fastRecoveryStartTime) > FastRecoveryResetTime {
		tr.fr.state = Steady
	}

	if isRealDq {
		if tr.lastQueueDepth >= dqInfo.DequeuedSize {
			tr.lastQueueDepth -= dqInfo.DequeuedSize
		} else {
			tr.lastQueueDepth = 0
		}
		tr.dyn.Record(now, tr.lastQueueDepth)
		tr.lastNonZombieDq = now

		// Fast recovery: STEADY -> QUEUE_DEPTH_DIP when a burst of dequeues
		// within FastRecoveryDipThreshTime exceeds FastRecoveryDipThreshBytes.
		if !tr.params.DisableFastRecovery && (tr.fr.state == Steady || tr.fr.state == Oscillatory) {
			if tr.fr.deqStartTime.IsZero() || now.Sub(tr.fr.deqStartTime) > FastRecoveryDipThreshTime {
				tr.fr.deqStartTime = now
				tr.fr.deqBytes = 0
			}
			tr.fr.deqBytes += dqInfo.DequeuedSize
			if tr.fr.deqBytes >= FastRecoveryDipThreshBytes && now.Sub(tr.fr.deqStartTime) <= FastRecoveryDipThreshTime {
				wasOscillatory := tr.fr.state == Oscillatory
				tr.fr.recoveryZombieDepthBytes = tr.dyn.Current()
				tr.fr.fastRecoveryStartTime = now
				if wasOscillatory {
					tr.fr.state = Oscillatory
				} else {
					tr.fr.state = QueueDepthDip
				}
			}
		}

		switch tr.fr.state {
		case QueueDepthDip:
			if tr.lastQueueDepth >= FastRecoveryStartThreshBytes {
				tr.fr.state = Recovery
			}
		case Recovery:
			// Every non-zombie dequeue in RECOVERY immediately triggers a
			// zombie enqueue of equal size, capped by the pre-dip snapshot.
			cap := tr.fr.recoveryZombieDepthBytes
			add := dqInfo.DequeuedSize
			if add > cap {
				add = cap
			}
			if add > 0 {
				tr.sink.AddZombieBytes(tr.zombieLat, add, dstVec)
				tr.fr.recoveryZombieDepthBytes -= add
			}
			if tr.fr.recoveryZombieDepthBytes == 0 {
				tr.fr.state = Recovered
			}
			return
		}

		// Only inject when the queue is steady or growing and the observed
		// minimum non-zombie floor is high enough. Below the low
		// water mark the floor has collapsed: reclaim padding instead, so the
		// zombie mass tracks the real floor down as well as up.
		minDepth := tr.dyn.MinOverWindow(now, tr.window)
		rate := tr.currentRateBytesPerSec(now)
		switch {
		case minDepth >= tr.params.HighWaterMarkBytes && rate >= QChangeMinThreshBytesPerS && tr.fr.state != Oscillatory:
			tr.sink.AddZombieBytes(tr.zombieLat, dqInfo.DequeuedSize, dstVec)
		case minDepth < tr.params.LowWaterMarkBytes:
			tr.sink.DropZombieBytes(tr.zombieLat, dqInfo.DequeuedSize, dstVec)
		}

		tr.maybeContractWindow(now)
		return
	}

	// Zombie dequeue path.
	tr.lastZombieDqTime = now
	if tr.fr.state == Recovered {
		tr.fr.state = Oscillatory
		tr.fr.fastRecoveryStartTime = now
	}
	if (tr.fr.state == Steady || tr.fr.state == Oscillatory) && now.Sub(tr.lastWindowChange) > windowChangeCooldown {
		tr.expandWindow(now)
	}
}

func (tr *track) currentRateBytesPerSec(now time.Time) int64 {
	if tr.lastDepthSetTime.IsZero() {
		tr.lastDepthSetTime = now
		return 0
	}
	elapsed := now.Sub(tr.lastDepthSetTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(int64(tr.lastQueueDepth)) / elapsed)
}

func (tr *track) expandWindow(now time.Time) {
	tr.window += 100 * time.Millisecond
	if tr.window > tr.params.WindowUpper {
		tr.window = tr.params.WindowUpper
	}
	tr.lastWindowChange = now
}

func (tr *track) maybeContractWindow(now time.Time) {
	if now.Sub(tr.lastZombieDqTime) < 500*time.Millisecond {
		return
	}
	if now.Sub(tr.lastWindowChange) <= windowChangeCooldown {
		return
	}
	tr.window -= 50 * time.Millisecond
	if tr.window < tr.params.WindowLower {
		tr.window = tr.params.WindowLower
	}
	tr.lastWindowChange = now
}

// State returns the current fast-recovery state, for tests/introspection.
func (tr *track) State() FastRecoveryState { return tr.fr.state }

// Window returns the current dynamic observation window, for tests.
func (tr *track) Window() time.Duration { return tr.window }
