// Package binmap provides a reference BinMap: a dense-index allocator over
// three disjoint ranges (unicast, interior, multicast). The core never
// depends on this concrete type directly — only on the opaque contract of
// cheap "all destination bins" iteration — but it is what cmd/ironfwd and
// the tests wire in.
package binmap

import (
	"errors"
	"fmt"

	"github.com/galpt/ironcore/internal/bin"
)

// ErrOutOfRange is returned for lookups and writes outside the configured
// ranges. Callers treat this as a non-fatal warning and leave stored state
// unchanged.
var ErrOutOfRange = errors.New("binmap: bin index out of range")

// Range describes one of the three disjoint index bands.
type Range struct {
	Kind  bin.Kind
	Start bin.Index
	Count int
}

// BinMap is a reference, in-process implementation of the opaque BinMap
// collaborator: it allocates dense indices for unicast endpoints, interior
// nodes, and multicast groups, and translates between an external string
// identifier and its compact index.
type BinMap struct {
	ranges     [3]Range
	idToName   map[bin.Index]string
	nameToID   map[string]bin.Index
	maxIndex   bin.Index
}

// New builds a BinMap with the given per-kind capacities, laid out in the
// order unicast, interior, multicast so indices never overlap.
func New(unicastCap, interiorCap, multicastCap int) *BinMap {
	bm := &BinMap{
		idToName: make(map[bin.Index]string),
		nameToID: make(map[string]bin.Index),
	}
	next := bin.Index(0)
	bm.ranges[bin.KindUnicast] = Range{Kind: bin.KindUnicast, Start: next, Count: unicastCap}
	next += bin.Index(unicastCap)
	bm.ranges[bin.KindInterior] = Range{Kind: bin.KindInterior, Start: next, Count: interiorCap}
	next += bin.Index(interiorCap)
	bm.ranges[bin.KindMulticast] = Range{Kind: bin.KindMulticast, Start: next, Count: multicastCap}
	next += bin.Index(multicastCap)
	bm.maxIndex = next
	return bm
}

// MaxIndex returns one past the largest BinIndex this map can allocate; it
// sizes the dense arrays used by QueueDepths and QueueStore.
func (bm *BinMap) MaxIndex() bin.Index {
	return bm.maxIndex
}

// Assign binds name to the next free index within kind's range, or returns
// the index already assigned to name.
func (bm *BinMap) Assign(kind bin.Kind, name string) (bin.Index, error) {
	if id, ok := bm.nameToID[name]; ok {
		return id, nil
	}
	r := bm.ranges[kind]
	count := 0
	for id := r.Start; id < r.Start+bin.Index(r.Count); id++ {
		if _, used := bm.idToName[id]; !used {
			bm.idToName[id] = name
			bm.nameToID[name] = id
			return id, nil
		}
		count++
	}
	return bin.Invalid, fmt.Errorf("binmap: no free %s slots (capacity %d)", kind, r.Count)
}

// Lookup returns the index for a previously assigned name.
func (bm *BinMap) Lookup(name string) (bin.Index, bool) {
	id, ok := bm.nameToID[name]
	return id, ok
}

// Name returns the external identifier for idx, or ok=false if unassigned.
func (bm *BinMap) Name(idx bin.Index) (string, bool) {
	name, ok := bm.idToName[idx]
	return name, ok
}

// KindOf classifies idx by which range it falls in.
func (bm *BinMap) KindOf(idx bin.Index) (bin.Kind, error) {
	for _, r := range bm.ranges {
		if idx >= r.Start && idx < r.Start+bin.Index(r.Count) {
			return r.Kind, nil
		}
	}
	return 0, ErrOutOfRange
}

// AllBins calls fn for every assigned BinIndex across all three ranges.
// Cost is O(assigned bins), not O(address space), so whole-table iteration
// stays cheap on the data path.
func (bm *BinMap) AllBins(fn func(bin.Index)) {
	for idx := range bm.idToName {
		fn(idx)
	}
}
