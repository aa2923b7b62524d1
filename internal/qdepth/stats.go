package qdepth

// ShmStats is the optional statistics sidecar recording the size of each
// depth adjustment. It is deliberately simple: AdjustByAmt reports every
// bin's before/after total and it keeps the largest delta, the mean
// absolute delta and the observation count. It tracks no stale time and no
// drift against a shared-memory copy.
type ShmStats struct {
	maxDeltaBytes    uint32
	numObservations  uint64
	sumAbsDeltaBytes uint64
}

// NewShmStats returns a zeroed sidecar.
func NewShmStats() *ShmStats {
	return &ShmStats{}
}

// Observe records one before/after transition of a bin's total byte count.
func (s *ShmStats) Observe(before, after uint32) {
	var delta uint32
	if after > before {
		delta = after - before
	} else {
		delta = before - after
	}
	if delta > s.maxDeltaBytes {
		s.maxDeltaBytes = delta
	}
	s.numObservations++
	s.sumAbsDeltaBytes += uint64(delta)
}

// MaxDeltaBytes returns the largest single adjustment observed so far.
func (s *ShmStats) MaxDeltaBytes() uint32 {
	return s.maxDeltaBytes
}

// AvgAbsDeltaBytes returns the mean absolute adjustment size, or 0 if no
// observations have been recorded.
func (s *ShmStats) AvgAbsDeltaBytes() float64 {
	if s.numObservations == 0 {
		return 0
	}
	return float64(s.sumAbsDeltaBytes) / float64(s.numObservations)
}

// NumObservations returns the number of AdjustByAmt calls recorded.
func (s *ShmStats) NumObservations() uint64 {
	return s.numObservations
}
