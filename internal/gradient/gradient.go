// Package gradient defines Gradient, the backpressure value computed per
// (destination, neighbor) pair, and the ordered selection helpers the
// Forwarder uses to pick transmission solutions.
package gradient

import (
	"sort"

	"github.com/galpt/ironcore/internal/bin"
)

// Gradient is {value, dst_bin, path_ctrl, is_dst, mcast_dst_vec,
// is_zombie_dominated} Gradients form a totally ordered
// list keyed by Value.
type Gradient struct {
	Value             int64
	DstBin            bin.Index
	PathCtrl          uint32
	IsDst             bool
	McastDstVec       uint64
	IsZombieDominated bool
}

// Solution is one (neighbor, destination) pair, with its gradient, that the
// Forwarder selected for this tick.
type Solution struct {
	Gradient Gradient
	NbrIdx   bin.Index
}

// SortDescending orders gs by Value, highest gradient first.
func SortDescending(gs []Gradient) {
	sort.SliceStable(gs, func(i, j int) bool {
		return gs[i].Value > gs[j].Value
	})
}

// SelectTopK returns up to k strictly-positive gradients from gs in
// descending order; negative and zero gradients are rejected. gs is sorted
// in place.
func SelectTopK(gs []Gradient, k int) []Gradient {
	SortDescending(gs)
	var out []Gradient
	for _, g := range gs {
		if g.Value <= 0 {
			continue
		}
		out = append(out, g)
		if len(out) >= k {
			break
		}
	}
	return out
}

// DefaultK is the Forwarder's per-tick solution-batch limit.
const DefaultK = 127
