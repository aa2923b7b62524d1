package zlr

import (
	"time"

	"github.com/galpt/ironcore/internal/dqinfo"
	"github.com/galpt/ironcore/internal/packet"
)

func isNormalDecision(lat packet.LatencyClass) bool {
	return lat == packet.NormalLatency
}

func isLSDecision(lat packet.LatencyClass) bool {
	return lat == packet.CriticalLatency || lat == packet.ControlLatency || lat == packet.LowLatency
}

func isNormalZombie(lat packet.LatencyClass) bool {
	return lat == packet.HighLatRcvd || lat == packet.HighLatNPLB || lat == packet.HighLatZLR
}

func isLSZombie(lat packet.LatencyClass) bool {
	return lat == packet.HighLatExp || lat == packet.HighLatNPLBLS || lat == packet.HighLatZLRLS
}

// ZLR is one destination's Zombie Latency Reduction state: two independent
// tracks, one over NORMAL_LATENCY bytes (producing HIGH_LAT_ZLR zombies),
// one over latency-sensitive bytes (producing HIGH_LAT_ZLR_LS zombies).
type ZLR struct {
	normal *track
	ls     *track
}

// New builds a ZLR instance for one destination with the default tuning,
// wired to sink for zombie injection.
func New(sink ZombieSink, now time.Time) *ZLR {
	return NewWithParams(sink, Params{}, now)
}

// NewWithParams builds a ZLR instance with explicit tuning; zero Params
// fields take the defaults.
func NewWithParams(sink ZombieSink, params Params, now time.Time) *ZLR {
	params = params.withDefaults()
	return &ZLR{
		normal: newTrack(sink, params, packet.HighLatZLR, isNormalDecision, isNormalZombie, now),
		ls:     newTrack(sink, params, packet.HighLatZLRLS, isLSDecision, isLSZombie, now),
	}
}

// OnEnqueue is bookkeeping only: update both tracks' dynamics objects
// (each ignores latency classes outside its decision set).
func (z *ZLR) OnEnqueue(bytes uint32, lat packet.LatencyClass, now time.Time) {
	z.normal.onEnqueue(bytes, lat, now)
	z.ls.onEnqueue(bytes, lat, now)
}

// OnDequeue runs both tracks' dequeue processing for dqInfo.
func (z *ZLR) OnDequeue(dqInfo dqinfo.DequeuedInfo, now time.Time) {
	z.normal.onDequeue(dqInfo, now, dqInfo.DstVec)
	z.ls.onDequeue(dqInfo, now, dqInfo.DstVec)
}

// NormalState returns the normal track's fast-recovery state, for tests.
func (z *ZLR) NormalState() FastRecoveryState { return z.normal.State() }

// LSState returns the LS track's fast-recovery state, for tests.
func (z *ZLR) LSState() FastRecoveryState { return z.ls.State() }

// NormalWindow returns the normal track's current observation window.
func (z *ZLR) NormalWindow() time.Duration { return z.normal.Window() }

// LSWindow returns the LS track's current observation window.
func (z *ZLR) LSWindow() time.Duration { return z.ls.Window() }
