package zlr

import (
	"testing"
	"time"

	"github.com/galpt/ironcore/internal/dqinfo"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	calls []fakeZombieCall
	drops []fakeZombieCall
}

type fakeZombieCall struct {
	lat    packet.LatencyClass
	bytes  uint32
	dstVec packet.DstVec
}

func (s *fakeSink) AddZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec) {
	s.calls = append(s.calls, fakeZombieCall{lat: lat, bytes: numBytes, dstVec: dstVec})
}

func (s *fakeSink) DropZombieBytes(lat packet.LatencyClass, numBytes uint32, dstVec packet.DstVec) uint32 {
	s.drops = append(s.drops, fakeZombieCall{lat: lat, bytes: numBytes, dstVec: dstVec})
	return numBytes
}

func TestZLRInjectsZombiesWhenQueueStaysAboveHighWaterMark(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := New(sink, now)

	z.OnEnqueue(HighWaterMarkBytes+2000, packet.NormalLatency, now)

	now = now.Add(10 * time.Millisecond)
	z.OnDequeue(dqinfo.FromPacket(&packet.Packet{Latency: packet.NormalLatency, VirtualLength: 500}, 1), now)

	require.NotEmpty(t, sink.calls, "expected ZLR to inject zombie bytes once the floor stays above the high water mark")
	require.Equal(t, packet.HighLatZLR, sink.calls[0].lat)
}

func TestZLRWithholdsZombiesBelowLowWaterMark(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := New(sink, now)

	z.OnEnqueue(LowWaterMarkBytes-500, packet.NormalLatency, now)
	now = now.Add(10 * time.Millisecond)
	z.OnDequeue(dqinfo.FromPacket(&packet.Packet{Latency: packet.NormalLatency, VirtualLength: 100}, 1), now)

	require.Empty(t, sink.calls, "ZLR must not inject zombies when the observed floor is below the water mark")
	require.NotEmpty(t, sink.drops, "below the low water mark, ZLR reclaims zombie padding instead")
	require.Equal(t, packet.HighLatZLR, sink.drops[0].lat)
}

func TestZLRParamsOverrideWaterMarks(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := NewWithParams(sink, Params{HighWaterMarkBytes: 100, LowWaterMarkBytes: 50}, now)

	// 500 bytes is below the default 6000-byte mark but above the override.
	z.OnEnqueue(500, packet.NormalLatency, now)
	now = now.Add(10 * time.Millisecond)
	z.OnDequeue(dqinfo.FromPacket(&packet.Packet{Latency: packet.NormalLatency, VirtualLength: 100}, 1), now)

	require.NotEmpty(t, sink.calls, "a lowered high water mark must take effect")
}

func TestZLRDisableFastRecoveryKeepsStateSteady(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := NewWithParams(sink, Params{DisableFastRecovery: true}, now)

	z.OnEnqueue(FastRecoveryStartThreshBytes+FastRecoveryDipThreshBytes, packet.NormalLatency, now)
	remaining := uint32(FastRecoveryDipThreshBytes)
	for remaining > 0 {
		chunk := uint32(10000)
		if chunk > remaining {
			chunk = remaining
		}
		now = now.Add(50 * time.Millisecond)
		z.OnDequeue(dqinfo.FromPacket(&packet.Packet{Latency: packet.NormalLatency, VirtualLength: chunk}, 1), now)
		remaining -= chunk
	}

	require.Equal(t, Steady, z.NormalState(), "with fast recovery disabled no dip may be recorded")
}

func TestZLRLSTrackIndependentOfNormalTrack(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := New(sink, now)

	z.OnEnqueue(HighWaterMarkBytes+5000, packet.CriticalLatency, now)
	now = now.Add(10 * time.Millisecond)
	z.OnDequeue(dqinfo.FromPacket(&packet.Packet{Latency: packet.CriticalLatency, VirtualLength: 500}, 2), now)

	require.NotEmpty(t, sink.calls)
	require.Equal(t, packet.HighLatZLRLS, sink.calls[0].lat, "critical-latency traffic must feed the LS track, not the normal track")
}

func TestZLRFastRecoveryDipTriggersRecoveryState(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := New(sink, now)

	z.OnEnqueue(FastRecoveryStartThreshBytes+FastRecoveryDipThreshBytes, packet.NormalLatency, now)

	remaining := uint32(FastRecoveryDipThreshBytes)
	for remaining > 0 {
		chunk := uint32(10000)
		if chunk > remaining {
			chunk = remaining
		}
		now = now.Add(50 * time.Millisecond)
		z.OnDequeue(dqinfo.FromPacket(&packet.Packet{Latency: packet.NormalLatency, VirtualLength: chunk}, 1), now)
		remaining -= chunk
	}

	require.Equal(t, Recovery, z.NormalState(), "a burst exceeding the dip threshold within the dip window must enter RECOVERY once depth clears the start threshold")
}

func TestZLRZombieDequeueExpandsWindowFromSteady(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := New(sink, now)

	start := z.NormalWindow()
	require.Equal(t, DefaultWindow, start)

	now = now.Add(200 * time.Millisecond)
	z.OnDequeue(dqinfo.FromZombie(packet.HighLatZLR, 200, 1), now)

	require.Greater(t, z.NormalWindow(), start, "a zombie dequeue while steady should widen the observation window")
	require.LessOrEqual(t, z.NormalWindow(), UpperBoundWindow)
}

func TestZLRRecoveredTransitionsToOscillatoryOnZombieDequeue(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(0, 0)
	z := New(sink, now)

	z.normal.fr.state = Recovered
	now = now.Add(10 * time.Millisecond)
	z.OnDequeue(dqinfo.FromZombie(packet.HighLatZLR, 100, 1), now)

	require.Equal(t, Oscillatory, z.NormalState())
}

func TestQueueDepthDynamicsMinOverWindow(t *testing.T) {
	d := NewQueueDepthDynamics()
	base := time.Unix(0, 0)

	d.Record(base, 10000)
	d.Record(base.Add(100*time.Millisecond), 3000)
	d.Record(base.Add(200*time.Millisecond), 8000)

	min := d.MinOverWindow(base.Add(200*time.Millisecond), 300*time.Millisecond)
	require.Equal(t, uint32(3000), min)
}

func TestQueueDepthDynamicsFallsBackToCurrentWhenWindowEmpty(t *testing.T) {
	d := NewQueueDepthDynamics()
	base := time.Unix(0, 0)
	d.Record(base, 4000)

	min := d.MinOverWindow(base.Add(time.Hour), 10*time.Millisecond)
	require.Equal(t, uint32(4000), min)
}
