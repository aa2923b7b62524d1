// Package packetpool implements PacketPool, a fixed-count arena of packet
// slots. It is a two-layer allocator: a process-local ring of free indices
// backed by a cross-process ring of free indices standing in for a
// System-V-semaphore-guarded shared-memory ring. Get pops from the local
// ring, refilling a batch from the shared ring when empty; Recycle pushes
// to the local ring, spilling a batch back to the shared ring when full.
package packetpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/pkg/ironlog"
)

// RecvTimeMode controls whether Get stamps a new receive time.
type RecvTimeMode uint8

const (
	RecvTimeNone RecvTimeMode = iota
	RecvTimeNow
)

// CloneTimeMode controls how Clone treats the receive time of the copy.
type CloneTimeMode uint8

const (
	CloneTimeNone CloneTimeMode = iota
	CloneTimeNow
	CloneTimeCopy
)

const (
	// localRingCapacity is the process-local free-index ring size.
	localRingCapacity = 1024
	// sharedRingCapacity stands in for the real cross-process ring.
	sharedRingCapacity = 135168
	// refillBatch is how many indices move local<->shared at a time.
	refillBatch = 128
)

// locationEntry is one row of the debug "last seen" table: (file, line,
// expected-to-hold-long, expected-drop-site). Instrumentation only; it
// MUST NOT affect packet semantics.
type locationEntry struct {
	file             string
	line             int
	expectHoldLong   bool
	expectDropSite   bool
	dropCount        int64
}

// Pool is a fixed-count arena of Packet slots.
type Pool struct {
	id  xid.ID
	log zerolog.Logger

	slots []packet.Packet

	// localMu guards localFree; it stands in for the fact that, in the real
	// design, only the Forwarder's single goroutine ever calls Get/Recycle.
	// Kept as a mutex rather than assumed single-threaded so tests may
	// exercise the pool directly from multiple goroutines.
	localMu   sync.Mutex
	localFree []packet.PktMemIndex

	// sharedMu stands in for the System-V semaphore guarding the
	// cross-process free ring.
	sharedMu   sync.Mutex
	sharedFree []packet.PktMemIndex

	packetIDCounter uint32

	// locMu guards locations, the process-local debug "last seen" table
	// keyed by the xid-tagged pool instance.
	locMu     sync.Mutex
	locations []locationEntry
}

// New builds a Pool with size slots, with the shared ring pre-seeded with
// every slot index (mirroring the real two-layer design: the local ring
// starts empty and is refilled lazily).
func New(size int) *Pool {
	if size <= 0 {
		size = sharedRingCapacity
	}
	p := &Pool{
		id:         xid.New(),
		log:        ironlog.Component("packetpool"),
		slots:      make([]packet.Packet, size),
		localFree:  make([]packet.PktMemIndex, 0, localRingCapacity),
		sharedFree: make([]packet.PktMemIndex, 0, size),
	}
	for i := 0; i < size; i++ {
		p.sharedFree = append(p.sharedFree, packet.PktMemIndex(i))
	}
	return p
}

// Get returns a slot of zero length from the pool. Fails fatally on
// exhaustion: an ingress path with no packet slots left cannot continue.
func (p *Pool) Get(mode RecvTimeMode) *packet.Packet {
	pkt, ok := p.get(mode)
	if !ok {
		p.log.Fatal().Msg("packet pool exhausted on Get")
		panic("unreachable: Fatal exits the process")
	}
	return pkt
}

// TryGet is the non-fatal variant of Get, for zombie synthesis: pool
// exhaustion on synthesis is recoverable — the caller skips the injection
// this round. Exhaustion is logged at info and nil is returned.
func (p *Pool) TryGet(mode RecvTimeMode) *packet.Packet {
	pkt, ok := p.get(mode)
	if !ok {
		p.log.Info().Msg("packet pool exhausted, skipping synthesis")
		return nil
	}
	return pkt
}

func (p *Pool) get(mode RecvTimeMode) (*packet.Packet, bool) {
	idx, ok := p.popLocal()
	if !ok {
		if !p.refillLocal() {
			return nil, false
		}
		idx, ok = p.popLocal()
		if !ok {
			return nil, false
		}
	}
	pkt := &p.slots[idx]
	pkt.Reset()
	pkt.Data = pkt.Data[:0]
	pkt.SetSlot(idx)
	atomic.StoreInt32(pkt.RefcountAddr(), 1)
	if mode == RecvTimeNow {
		pkt.RecvTime = time.Now()
	}
	pkt.ID = packet.ClampPacketID(atomic.AddUint32(&p.packetIDCounter, 1))
	return pkt, true
}

// Clone deep-copies to.Data into a fresh packet. fullCopy additionally
// copies internal transmission state (here, the multicast DstVec); when
// false only the header/data bytes are copied
func (p *Pool) Clone(to *packet.Packet, fullCopy bool, mode CloneTimeMode) *packet.Packet {
	cp := p.Get(RecvTimeNone)
	cp.Data = append(cp.Data[:0], to.Data...)
	cp.Latency = to.Latency
	cp.VirtualLength = to.VirtualLength
	cp.IsZombie = to.IsZombie
	cp.HasTTG = to.HasTTG
	cp.TimeToGo = to.TimeToGo
	if fullCopy {
		cp.DstVec = to.DstVec
	}
	switch mode {
	case CloneTimeNow:
		cp.RecvTime = time.Now()
	case CloneTimeCopy:
		cp.RecvTime = to.RecvTime
	}
	return cp
}

// CloneHeaderOnly clones only the header/metadata, leaving Data empty.
func (p *Pool) CloneHeaderOnly(to *packet.Packet, mode CloneTimeMode) *packet.Packet {
	cp := p.Get(RecvTimeNone)
	cp.Latency = to.Latency
	cp.VirtualLength = to.VirtualLength
	cp.IsZombie = to.IsZombie
	switch mode {
	case CloneTimeNow:
		cp.RecvTime = time.Now()
	case CloneTimeCopy:
		cp.RecvTime = to.RecvTime
	}
	return cp
}

// ShallowCopy increments pkt's reference count, used when two components
// must hand a packet down a shared pipeline. Refcount updates are atomic
//
func (p *Pool) ShallowCopy(pkt *packet.Packet) *packet.Packet {
	atomic.AddInt32(pkt.RefcountAddr(), 1)
	return pkt
}

// Recycle decrements pkt's reference count; at zero, the slot returns to the
// pool's free ring.
func (p *Pool) Recycle(pkt *packet.Packet) {
	if atomic.AddInt32(pkt.RefcountAddr(), -1) > 0 {
		return
	}
	p.pushLocal(pkt.Slot())
}

// PacketFromIndex is the inverse mapping of Packet.Slot, used to translate
// references sent over inter-process FIFOs.
func (p *Pool) PacketFromIndex(idx packet.PktMemIndex) *packet.Packet {
	if int(idx) >= len(p.slots) {
		return nil
	}
	return &p.slots[idx]
}

// Size returns the total number of slots in the arena.
func (p *Pool) Size() int {
	return len(p.slots)
}

func (p *Pool) popLocal() (packet.PktMemIndex, bool) {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	n := len(p.localFree)
	if n == 0 {
		return 0, false
	}
	idx := p.localFree[n-1]
	p.localFree = p.localFree[:n-1]
	return idx, true
}

func (p *Pool) pushLocal(idx packet.PktMemIndex) {
	p.localMu.Lock()
	full := len(p.localFree) >= localRingCapacity
	if !full {
		p.localFree = append(p.localFree, idx)
		p.localMu.Unlock()
		return
	}
	// Spill a batch back to the shared ring before inserting.
	spillN := refillBatch
	if spillN > len(p.localFree) {
		spillN = len(p.localFree)
	}
	spill := append([]packet.PktMemIndex(nil), p.localFree[:spillN]...)
	p.localFree = append(p.localFree[:0], p.localFree[spillN:]...)
	p.localFree = append(p.localFree, idx)
	p.localMu.Unlock()

	p.sharedMu.Lock()
	p.sharedFree = append(p.sharedFree, spill...)
	p.sharedMu.Unlock()
}

// refillLocal pulls a batch of free indices from the shared ring into the
// local ring. Returns false if the shared ring is also exhausted.
func (p *Pool) refillLocal() bool {
	p.sharedMu.Lock()
	n := len(p.sharedFree)
	if n == 0 {
		p.sharedMu.Unlock()
		return false
	}
	take := refillBatch
	if take > n {
		take = n
	}
	batch := append([]packet.PktMemIndex(nil), p.sharedFree[n-take:]...)
	p.sharedFree = p.sharedFree[:n-take]
	p.sharedMu.Unlock()

	p.localMu.Lock()
	p.localFree = append(p.localFree, batch...)
	p.localMu.Unlock()
	return true
}

// GetLocationRef returns an index into this pool's process-local table of
// (file, line, expectHoldLong, expectDropSite) entries, suitable for storing
// in a Packet via SetLastLocation. The table grows without bound across the
// process lifetime (call sites are static), mirroring the real
// per-process registry rather than a package-scope mutable singleton — it is
// owned by this Pool instance and passed explicitly
func (p *Pool) GetLocationRef(file string, line int, expectHoldLong, expectDropSite bool) uint16 {
	p.locMu.Lock()
	defer p.locMu.Unlock()
	for i, e := range p.locations {
		if e.file == file && e.line == line {
			return uint16(i)
		}
	}
	p.locations = append(p.locations, locationEntry{
		file: file, line: line, expectHoldLong: expectHoldLong, expectDropSite: expectDropSite,
	})
	return uint16(len(p.locations) - 1)
}

// DerefLocation renders a location table index back to a "file:line" string
// for logging.
func (p *Pool) DerefLocation(loc uint16) string {
	p.locMu.Lock()
	defer p.locMu.Unlock()
	if int(loc) >= len(p.locations) {
		return "unknown"
	}
	e := p.locations[loc]
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

// RecordDrop increments the per-site drop counter for loc. Instrumentation
// only; never consulted for forwarding decisions.
func (p *Pool) RecordDrop(loc uint16) {
	p.locMu.Lock()
	defer p.locMu.Unlock()
	if int(loc) < len(p.locations) {
		p.locations[loc].dropCount++
	}
}

// DropCount returns the number of recorded drops at loc, for tests/metrics.
func (p *Pool) DropCount(loc uint16) int64 {
	p.locMu.Lock()
	defer p.locMu.Unlock()
	if int(loc) >= len(p.locations) {
		return 0
	}
	return p.locations[loc].dropCount
}

// String identifies this pool instance for logging.
func (p *Pool) String() string {
	return fmt.Sprintf("packetpool[%s]", p.id.String())
}
