// Package queuestore implements QueueStore: the container of
// per-destination BinQueueMgr instances that multiplexes capacity, gradient,
// and periodic-tick events across all of them.
package queuestore

import (
	"time"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/qdepth"
)

// Store is the BinIndex-keyed container of BinQueueMgr instances.
// QueueStore exclusively owns every BinQueueMgr it holds.
type Store struct {
	bins map[bin.Index]*binqueue.BinQueueMgr
}

// New builds an empty Store.
func New() *Store {
	return &Store{bins: make(map[bin.Index]*binqueue.BinQueueMgr)}
}

// Add registers mgr as the BinQueueMgr for idx, replacing any prior one.
func (s *Store) Add(idx bin.Index, mgr *binqueue.BinQueueMgr) {
	s.bins[idx] = mgr
}

// Get returns the BinQueueMgr for idx, if any.
func (s *Store) Get(idx bin.Index) (*binqueue.BinQueueMgr, bool) {
	mgr, ok := s.bins[idx]
	return mgr, ok
}

// Remove drops idx's BinQueueMgr from the store.
func (s *Store) Remove(idx bin.Index) {
	delete(s.bins, idx)
}

// Len reports how many destinations/groups currently have a BinQueueMgr.
func (s *Store) Len() int { return len(s.bins) }

// ForEach calls fn once per (index, BinQueueMgr) pair. Iteration order is
// unspecified, matching the underlying map.
func (s *Store) ForEach(fn func(idx bin.Index, mgr *binqueue.BinQueueMgr)) {
	for idx, mgr := range s.bins {
		fn(idx, mgr)
	}
}

// GetQueueDepthsForBpfQlam returns idx's algorithm-adjusted QLAM view, or
// false if idx has no BinQueueMgr.
func (s *Store) GetQueueDepthsForBpfQlam(idx bin.Index, now time.Time) (*qdepth.QueueDepths, bool) {
	mgr, ok := s.bins[idx]
	if !ok {
		return nil, false
	}
	return mgr.GetQueueDepthsForBpfQlam(now), true
}

// GetQueueDepthsForBpf returns idx's algorithm-adjusted BPF-facing view, or
// false if idx has no BinQueueMgr.
func (s *Store) GetQueueDepthsForBpf(idx bin.Index, now time.Time) (*qdepth.QueueDepths, bool) {
	mgr, ok := s.bins[idx]
	if !ok {
		return nil, false
	}
	return mgr.GetQueueDepthsForBpf(now), true
}

// SetNbrQueueDepths records the last-received QueueDepths for the
// (destination idx, neighbor nbrIdx) pair. The store owns the recorded
// object until DeleteNbrQueueDepths.
func (s *Store) SetNbrQueueDepths(idx, nbrIdx bin.Index, qd *qdepth.QueueDepths) bool {
	mgr, ok := s.bins[idx]
	if !ok {
		return false
	}
	mgr.SetNbrQueueDepths(nbrIdx, qd)
	return true
}

// DeleteNbrQueueDepths drops the recorded (destination idx, neighbor
// nbrIdx) pair, e.g. when a neighbor link goes down.
func (s *Store) DeleteNbrQueueDepths(idx, nbrIdx bin.Index) bool {
	mgr, ok := s.bins[idx]
	if !ok {
		return false
	}
	mgr.DeleteNbrQueueDepths(nbrIdx)
	return true
}

// ProcessCapacityUpdate broadcasts a capacity estimate for path-controller
// pcNum to every BinQueueMgr in the store
func (s *Store) ProcessCapacityUpdate(pcNum uint32, capacityBps float64) {
	for _, mgr := range s.bins {
		mgr.ProcessCapacityUpdate(pcNum, capacityBps)
	}
}

// GradientUpdate is one destination's local-side (or link-shared) and
// per-destination ASAP cap recommendation, as produced by the Forwarder's
// per-tick cap computation from that tick's gradients.
type GradientUpdate struct {
	Dst     bin.Index
	NewCap  uint32
	IsLS    bool
}

// ProcessGradientUpdate distributes the supplied caps to each named
// destination's ASAP instance.
func (s *Store) ProcessGradientUpdate(updates []GradientUpdate) {
	for _, u := range updates {
		if mgr, ok := s.bins[u.Dst]; ok {
			mgr.SetASAPCap(u.NewCap, u.IsLS)
		}
	}
}

// PeriodicAdjustQueueValues runs every BinQueueMgr's periodic
// anti-starvation tick; each manager scopes the tick to its own
// destination vector.
func (s *Store) PeriodicAdjustQueueValues(now time.Time) {
	for _, mgr := range s.bins {
		mgr.PeriodicAdjustQueueValues(now)
	}
}

// AreQueuesEmpty reports whether every destination's BinQueueMgr is empty.
func (s *Store) AreQueuesEmpty() bool {
	for _, mgr := range s.bins {
		if !mgr.AreQueuesEmpty() {
			return false
		}
	}
	return true
}

// IsBinEmpty reports whether idx's BinQueueMgr (if present) is empty; a
// missing BinQueueMgr counts as empty.
func (s *Store) IsBinEmpty(idx bin.Index) bool {
	mgr, ok := s.bins[idx]
	if !ok {
		return true
	}
	return mgr.AreQueuesEmpty()
}
