// Package qdepth implements QueueDepths, the {destination-bin → (total,
// latency-sensitive) byte count} map the backpressure core accounts in,
// its QLAM wire codec, and a drift-statistics sidecar.
package qdepth

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/galpt/ironcore/internal/bin"
)

// Depth is one bin's (total, latency-sensitive) byte pair.
type Depth struct {
	Total uint32
	LS    uint32
}

// Store is the backing contract shared by the local and shared-memory
// variants of QueueDepths storage.
type Store interface {
	Get(idx bin.Index) Depth
	// SetBoth writes both fields atomically from this Store's point of view.
	// Implementations backed by a real two-word non-atomic shared segment
	// must reject this — see ShmStore.
	SetBoth(idx bin.Index, total, ls uint32) error
	SetTotal(idx bin.Index, total uint32)
	SetLS(idx bin.Index, ls uint32)
	ClearAll()
	Size() int
}

// LocalStore is a dense, directly-indexed, unlocked QueueDepths backing
// store, for depths owned by a single goroutine.
type LocalStore struct {
	depths []Depth
}

// NewLocalStore allocates a dense store sized to the BinMap's maximum index.
func NewLocalStore(size int) *LocalStore {
	return &LocalStore{depths: make([]Depth, size)}
}

func (s *LocalStore) Get(idx bin.Index) Depth {
	if int(idx) >= len(s.depths) {
		return Depth{}
	}
	return s.depths[idx]
}

func (s *LocalStore) SetBoth(idx bin.Index, total, ls uint32) error {
	if int(idx) >= len(s.depths) {
		return fmt.Errorf("qdepth: bin %d out of range (size %d)", idx, len(s.depths))
	}
	s.depths[idx] = Depth{Total: total, LS: ls}
	return nil
}

func (s *LocalStore) SetTotal(idx bin.Index, total uint32) {
	if int(idx) >= len(s.depths) {
		return
	}
	s.depths[idx].Total = total
}

func (s *LocalStore) SetLS(idx bin.Index, ls uint32) {
	if int(idx) >= len(s.depths) {
		return
	}
	s.depths[idx].LS = ls
}

func (s *LocalStore) ClearAll() {
	for i := range s.depths {
		s.depths[i] = Depth{}
	}
}

func (s *LocalStore) Size() int { return len(s.depths) }

// ErrShmSetBothForbidden is returned by ShmStore.SetBoth: a two-word update
// is non-atomic under a shared-memory segment lock of this shape, so only
// one-field updates are legal there.
var ErrShmSetBothForbidden = fmt.Errorf("qdepth: SetBoth is forbidden in shared-memory mode; use SetTotal/SetLS")

// ShmStore places the same dense vector in a segment guarded by a
// single-writer/multi-reader lock, standing in for the real shared-memory
// segment's lock. Every read and write is bracketed
// by that lock.
type ShmStore struct {
	mu     sync.RWMutex
	depths []Depth
}

// NewShmStore allocates a lock-guarded store sized to the BinMap's maximum
// index.
func NewShmStore(size int) *ShmStore {
	return &ShmStore{depths: make([]Depth, size)}
}

func (s *ShmStore) Get(idx bin.Index) Depth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(idx) >= len(s.depths) {
		return Depth{}
	}
	return s.depths[idx]
}

// SetBoth always fails for ShmStore: see ErrShmSetBothForbidden.
func (s *ShmStore) SetBoth(bin.Index, uint32, uint32) error {
	return ErrShmSetBothForbidden
}

func (s *ShmStore) SetTotal(idx bin.Index, total uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.depths) {
		return
	}
	s.depths[idx].Total = total
}

func (s *ShmStore) SetLS(idx bin.Index, ls uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.depths) {
		return
	}
	s.depths[idx].LS = ls
}

func (s *ShmStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.depths {
		s.depths[i] = Depth{}
	}
}

func (s *ShmStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.depths)
}

// QueueDepths is logically a mapping BinIndex → (bytes, ls_bytes). It owns
// a Store (local or shared-memory) and a monotonically advancing 16-bit
// sequence number used on the wire.
type QueueDepths struct {
	store Store
	seq   uint16
	stats *ShmStats
}

// New builds a QueueDepths over a freshly allocated LocalStore.
func New(size int) *QueueDepths {
	return &QueueDepths{store: NewLocalStore(size)}
}

// NewOverStore builds a QueueDepths over a caller-supplied Store (e.g. a
// ShmStore shared across processes).
func NewOverStore(store Store) *QueueDepths {
	return &QueueDepths{store: store}
}

// EnableStats attaches the optional statistics sidecar.
func (q *QueueDepths) EnableStats() *ShmStats {
	q.stats = NewShmStats()
	return q.stats
}

// Get returns the (total, ls) pair for idx.
func (q *QueueDepths) Get(idx bin.Index) Depth {
	return q.store.Get(idx)
}

// GetBinDepthByIdx returns the pair as separate values, equivalent to Get.
func (q *QueueDepths) GetBinDepthByIdx(idx bin.Index) (total, ls uint32) {
	d := q.store.Get(idx)
	return d.Total, d.LS
}

// SetBinDepthByIdx overwrites both fields for idx, enforcing ls ≤ total.
func (q *QueueDepths) SetBinDepthByIdx(idx bin.Index, total, ls uint32) error {
	if ls > total {
		ls = total
	}
	return q.store.SetBoth(idx, total, ls)
}

// AdjustByAmt is the sole mutator used from the data path:
// it applies signed deltas to both the total and latency-sensitive byte
// counts for idx, clamping at zero and enforcing ls ≤ total.
func (q *QueueDepths) AdjustByAmt(idx bin.Index, deltaBytes, deltaLSBytes int64) {
	d := q.store.Get(idx)
	total := clampAdd(d.Total, deltaBytes)
	ls := clampAdd(d.LS, deltaLSBytes)
	if ls > total {
		ls = total
	}
	if q.stats != nil {
		q.stats.Observe(d.Total, total)
	}
	q.store.SetTotal(idx, total)
	q.store.SetLS(idx, ls)
}

// Increment is a convenience wrapper around AdjustByAmt for positive deltas.
func (q *QueueDepths) Increment(idx bin.Index, incrBytes, incrLSBytes uint32) {
	q.AdjustByAmt(idx, int64(incrBytes), int64(incrLSBytes))
}

// Decrement is a convenience wrapper around AdjustByAmt for negative deltas.
func (q *QueueDepths) Decrement(idx bin.Index, decrBytes, decrLSBytes uint32) {
	q.AdjustByAmt(idx, -int64(decrBytes), -int64(decrLSBytes))
}

// ClearAllBins zeroes every bin without deleting them.
func (q *QueueDepths) ClearAllBins() {
	q.store.ClearAll()
}

// Seq returns the current sequence number (the value the next Serialize
// call will advance past).
func (q *QueueDepths) Seq() uint16 {
	return q.seq
}

// StoreSize returns the number of bins the backing Store is sized for.
func (q *QueueDepths) StoreSize() int {
	return q.store.Size()
}

func clampAdd(base uint32, delta int64) uint32 {
	v := int64(base) + delta
	if v < 0 {
		return 0
	}
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

// --- Shared-memory dense-array copy -------------------------

// ShmEntryLen is the per-bin footprint of the dense shared-memory layout:
// 4 bytes total + 4 bytes ls, big-endian, one entry per bin index.
const ShmEntryLen = 8

// ShmBytesFor returns the segment size the dense layout needs for binCount
// bins.
func ShmBytesFor(binCount int) int { return binCount * ShmEntryLen }

// CopyToShm writes every bin into dst using the dense array layout the
// admission proxies read. The
// caller brackets the call with the segment's lock.
func (q *QueueDepths) CopyToShm(dst []byte) error {
	size := q.store.Size()
	if len(dst) < ShmBytesFor(size) {
		return fmt.Errorf("qdepth: shm segment needs %d bytes for %d bins, have %d", ShmBytesFor(size), size, len(dst))
	}
	for i := 0; i < size; i++ {
		d := q.store.Get(bin.Index(i))
		off := i * ShmEntryLen
		binary.BigEndian.PutUint32(dst[off:off+4], d.Total)
		binary.BigEndian.PutUint32(dst[off+4:off+8], d.LS)
	}
	return nil
}

// CopyFromShm reads as many dense entries from src as both src and the
// backing store can hold, the reader-side inverse of CopyToShm.
func (q *QueueDepths) CopyFromShm(src []byte) {
	size := q.store.Size()
	if avail := len(src) / ShmEntryLen; avail < size {
		size = avail
	}
	for i := 0; i < size; i++ {
		off := i * ShmEntryLen
		total := binary.BigEndian.Uint32(src[off : off+4])
		ls := binary.BigEndian.Uint32(src[off+4 : off+8])
		if ls > total {
			ls = total
		}
		idx := bin.Index(i)
		if err := q.store.SetBoth(idx, total, ls); err != nil {
			q.store.SetTotal(idx, total)
			q.store.SetLS(idx, ls)
		}
	}
}

// --- QLAM wire codec ---------------------------------------

// MaxPairsPerFrame bounds the 8-bit pair count field.
const MaxPairsPerFrame = 255

// recordLen is the per-entry wire size: 1 byte bin id + 4 bytes total +
// 3 bytes ls. The ls field is 24 bits on every wire path; there is exactly
// one record layout.
const recordLen = 1 + 4 + 3

// headerLen is 2 bytes seq + 1 byte count.
const headerLen = 2 + 1

// Serialize encodes every non-zero bin into dst (zero-length bins are
// suppressed), advancing the sequence
// number. It returns the number of bytes written and the pair count, or an
// error if more than MaxPairsPerFrame bins are non-zero or dst is too
// small.
func (q *QueueDepths) Serialize(dst []byte, maxLen int) (n int, numPairs uint8, err error) {
	size := q.store.Size()
	type pair struct {
		idx bin.Index
		d   Depth
	}
	var pairs []pair
	for i := 0; i < size; i++ {
		idx := bin.Index(i)
		d := q.store.Get(idx)
		if d.Total != 0 || d.LS != 0 {
			pairs = append(pairs, pair{idx: idx, d: d})
		}
	}
	if len(pairs) > MaxPairsPerFrame {
		return 0, 0, fmt.Errorf("qdepth: %d non-zero bins exceeds max %d per frame", len(pairs), MaxPairsPerFrame)
	}
	need := headerLen + len(pairs)*recordLen
	if need > maxLen || need > len(dst) {
		return 0, 0, fmt.Errorf("qdepth: frame needs %d bytes, have %d", need, min(maxLen, len(dst)))
	}
	q.seq++
	binary.BigEndian.PutUint16(dst[0:2], q.seq)
	dst[2] = uint8(len(pairs))
	off := headerLen
	for _, p := range pairs {
		if p.idx > 0xFF {
			return 0, 0, fmt.Errorf("qdepth: bin id %d does not fit in one byte on the wire", p.idx)
		}
		dst[off] = uint8(p.idx)
		binary.BigEndian.PutUint32(dst[off+1:off+5], p.d.Total)
		putUint24(dst[off+5:off+8], p.d.LS)
		off += recordLen
	}
	return off, uint8(len(pairs)), nil
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func uint24(src []byte) uint32 {
	return uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
}

// PeekSeq reads just the sequence number from a QLAM frame without
// applying it, so a caller can consult a SeqWindow before committing to a
// full Deserialize.
func PeekSeq(frame []byte) (uint16, error) {
	if len(frame) < headerLen {
		return 0, fmt.Errorf("qdepth: frame shorter than header (%d bytes)", len(frame))
	}
	return binary.BigEndian.Uint16(frame[0:2]), nil
}

// Deserialize reads a QLAM frame previously produced by Serialize and
// writes the bins it contains, leaving other bins untouched.
// It returns the frame's sequence number and the number of pairs applied,
// or an error for a malformed frame. The caller is responsible for sequence-window reorder checking
// (see SeqWindow) before calling Deserialize.
func (q *QueueDepths) Deserialize(src []byte) (seq uint16, numPairs uint8, err error) {
	if len(src) < headerLen {
		return 0, 0, fmt.Errorf("qdepth: frame shorter than header (%d bytes)", len(src))
	}
	seq = binary.BigEndian.Uint16(src[0:2])
	count := src[2]
	need := headerLen + int(count)*recordLen
	if len(src) < need {
		return 0, 0, fmt.Errorf("qdepth: frame declares %d pairs but only has %d bytes", count, len(src))
	}
	off := headerLen
	for i := 0; i < int(count); i++ {
		idx := bin.Index(src[off])
		total := binary.BigEndian.Uint32(src[off+1 : off+5])
		ls := uint24(src[off+5 : off+8])
		if ls > total {
			ls = total
		}
		if err := q.store.SetBoth(idx, total, ls); err != nil {
			q.store.SetTotal(idx, total)
			q.store.SetLS(idx, ls)
		}
		off += recordLen
	}
	q.seq = seq
	return seq, count, nil
}
