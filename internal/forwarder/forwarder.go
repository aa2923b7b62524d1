// Package forwarder implements the gradient scheduler: the single-threaded
// cooperative main loop that drains edge and transport events, runs
// QueueStore's periodic accounting, computes per-(neighbor, destination)
// gradients, and dequeues/sends the top-K solutions each tick.
package forwarder

import (
	"context"
	"time"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binmap"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/gradient"
	"github.com/galpt/ironcore/internal/latencycache"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/qdepth"
	"github.com/galpt/ironcore/internal/queuestore"
	"github.com/galpt/ironcore/internal/transport"
	"github.com/galpt/ironcore/pkg/ironlog"
)

// Periodic-event defaults: QLAM emission 1 s, LSA timer 1 s, GRAM timer
// 10 s, statistics roll-up 5 s. ASAP's 5 ms cadence rides the backstop.
const (
	BackstopInterval = time.Millisecond
	QLAMInterval     = time.Second
	LSAInterval      = time.Second
	GRAMInterval     = 10 * time.Second
	StatsInterval    = 5 * time.Second
)

// EdgeIn is the local-ingress side the Forwarder polls, satisfied by
// internal/edge.In.
type EdgeIn interface {
	Recv(dst []byte, offset int) (int, error)
	Events() <-chan struct{}
}

// EdgeOut is the local-egress side the Forwarder delivers locally-destined
// traffic to, satisfied by internal/edge.Out.
type EdgeOut interface {
	Send(data []byte) (int, error)
}

// Classifier turns a raw ingress frame into a *packet.Packet ready for
// Enqueue: setting its LatencyClass and DstVec. The Forwarder has already
// copied the frame's bytes into pkt before calling Classify. Concrete edge
// adapters (e.g. tunedge) supply this;
// the core treats it as an opaque collaborator
type Classifier interface {
	Classify(raw []byte, pkt *packet.Packet) (dst bin.Index, ok bool)
}

// StatsSink receives a periodic roll-up, e.g. for pkg/ironmetrics to
// publish as Prometheus gauges.
type StatsSink interface {
	Observe(now time.Time, store *queuestore.Store)
}

// GradientObserver receives each tick's selected solutions, e.g. for
// pkg/adminserver to publish over its /api/gradients endpoint and SSE
// stream, or for pkg/ironmetrics to count selections per path controller.
type GradientObserver interface {
	PublishGradients(gs []gradient.Gradient)
}

// QLAMObserver is notified of QLAM frame traffic, e.g. for pkg/ironmetrics'
// sent/dropped counters.
type QLAMObserver interface {
	QLAMFrameSent(nbr bin.Index)
	QLAMFrameDropped()
}

// Config bundles the Forwarder's fixed construction parameters. Zero
// interval fields take the package defaults.
type Config struct {
	MyBinIndex    bin.Index
	SolutionK     int
	QLAMInterval  time.Duration
	StatsInterval time.Duration
}

// Forwarder is the Gradient Scheduler's runtime state: one BinMap, one
// PacketPool, one QueueStore, and the set of configured neighbor
// Transports and local EdgeIn/EdgeOut pairs.
type Forwarder struct {
	cfg      Config
	binMap   *binmap.BinMap
	pool     *packetpool.Pool
	store    *queuestore.Store
	edgeIn   EdgeIn
	edgeOut  EdgeOut
	classify Classifier
	nbrs     []transport.Transport
	stats    []StatsSink
	gradObs  []GradientObserver
	qlamObs  QLAMObserver
	latCache *latencycache.Cache

	pcRoundRobin  map[bin.Index]int
	pathHistory   map[bin.Index]uint64
	nbrSeqWindows map[bin.Index]*qdepth.SeqWindow

	// qlamDepths is the reusable aggregation target for emitQLAM. It is
	// persistent so its sequence counter forms one monotonic stream across
	// emissions: the receiver filters per neighbor, so every frame this
	// node sends must share a single sequence space.
	qlamDepths *qdepth.QueueDepths
}

// New builds a Forwarder. Callers register neighbors with AddNeighbor and
// per-destination queues with AddDestination before calling Run.
func New(cfg Config, binMap *binmap.BinMap, pool *packetpool.Pool, edgeIn EdgeIn, edgeOut EdgeOut, classify Classifier) *Forwarder {
	if cfg.SolutionK <= 0 {
		cfg.SolutionK = gradient.DefaultK
	}
	if cfg.QLAMInterval <= 0 {
		cfg.QLAMInterval = QLAMInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = StatsInterval
	}
	return &Forwarder{
		cfg:           cfg,
		binMap:        binMap,
		pool:          pool,
		store:         queuestore.New(),
		edgeIn:        edgeIn,
		edgeOut:       edgeOut,
		classify:      classify,
		pcRoundRobin:  make(map[bin.Index]int),
		pathHistory:   make(map[bin.Index]uint64),
		nbrSeqWindows: make(map[bin.Index]*qdepth.SeqWindow),
		qlamDepths:    qdepth.New(int(binMap.MaxIndex())),
	}
}

// AddNeighbor registers a Transport link the scheduler will send solutions
// over and consume QLAM/capacity events from.
func (f *Forwarder) AddNeighbor(t transport.Transport) {
	f.nbrs = append(f.nbrs, t)
}

// AddDestination registers dst's BinQueueMgr with the QueueStore.
func (f *Forwarder) AddDestination(idx bin.Index, mgr *binqueue.BinQueueMgr) {
	f.store.Add(idx, mgr)
}

// AddStatsSink registers a periodic stats roll-up observer.
func (f *Forwarder) AddStatsSink(sink StatsSink) { f.stats = append(f.stats, sink) }

// AddGradientObserver registers a per-tick gradient-selection observer.
func (f *Forwarder) AddGradientObserver(obs GradientObserver) {
	f.gradObs = append(f.gradObs, obs)
}

// SetQLAMObserver installs the QLAM frame traffic observer.
func (f *Forwarder) SetQLAMObserver(obs QLAMObserver) { f.qlamObs = obs }

// SetLatencyCache installs the read-only (destination, path-history) → best
// path cache the scheduler consults when breaking gradient ties. The
// scheduler never writes to it. Without one, ties fall to plain
// path-controller round-robin.
func (f *Forwarder) SetLatencyCache(c *latencycache.Cache) { f.latCache = c }

// Store exposes the underlying QueueStore for read-only consultation by
// pkg/adminserver and pkg/ironmetrics, which only ever read a
// point-in-time snapshot through it.
func (f *Forwarder) Store() *queuestore.Store { return f.store }

// Run executes the gradient scheduler's main loop until ctx is canceled.
func (f *Forwarder) Run(ctx context.Context) error {
	log := ironlog.Component("forwarder")

	backstop := time.NewTicker(BackstopInterval)
	defer backstop.Stop()
	qlamTicker := time.NewTicker(f.cfg.QLAMInterval)
	defer qlamTicker.Stop()
	lsaTicker := time.NewTicker(LSAInterval)
	defer lsaTicker.Stop()
	gramTicker := time.NewTicker(GRAMInterval)
	defer gramTicker.Stop()
	statsTicker := time.NewTicker(f.cfg.StatsInterval)
	defer statsTicker.Stop()

	log.Info().Int("bin", int(f.cfg.MyBinIndex)).Msg("forwarder starting")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("forwarder stopping")
			return ctx.Err()

		case <-f.edgeIn.Events():
			f.drainEdgeIn(time.Now())
			f.tick(time.Now())

		case <-backstop.C:
			f.tick(time.Now())

		case <-qlamTicker.C:
			f.emitQLAM(time.Now())

		case <-lsaTicker.C:
			// LSA (link-state advertisement) population is owned by the
			// external topology collaborator, not the forwarding core
			//; the timer fires so a future LSA hook has a
			// place to attach without restructuring the select loop.

		case <-gramTicker.C:
			// GRAM (group membership) population is likewise external;
			// same placeholder rationale as the LSA case above.

		case <-statsTicker.C:
			now := time.Now()
			for _, sink := range f.stats {
				sink.Observe(now, f.store)
			}
		}
	}
}

// maxFrameBytes bounds one read from EdgeIn; large enough for any realistic
// link MTU plus the TUN/Ethernet headers an adapter may still be carrying.
const maxFrameBytes = 65536

// dequeueSizeCapBytes bounds a single Dequeue call from sendSolutions,
// sized to one Ethernet-MTU packet (matching internal/asap's
// MaxPktSizeBits fallback assumption).
const dequeueSizeCapBytes = 1500

// drainEdgeIn reads every immediately-available ingress frame, classifies
// it, and enqueues it.
func (f *Forwarder) drainEdgeIn(now time.Time) {
	log := ironlog.Component("forwarder")
	var scratch [maxFrameBytes]byte
	for {
		n, err := f.edgeIn.Recv(scratch[:], 0)
		if err != nil {
			log.Error().Err(err).Msg("edge recv failed")
			return
		}
		if n == 0 {
			return
		}
		pkt := f.pool.Get(packetpool.RecvTimeNow)
		pkt.Data = append(pkt.Data[:0], scratch[:n]...)
		pkt.VirtualLength = uint32(n)
		dst, ok := f.classify.Classify(pkt.Data, pkt)
		if !ok {
			f.pool.Recycle(pkt)
			continue
		}
		mgr, ok := f.store.Get(dst)
		if !ok {
			f.pool.Recycle(pkt)
			continue
		}
		if !mgr.Enqueue(pkt, now) {
			f.pool.Recycle(pkt)
		}
	}
}

// pollNeighbors drains every immediately-available event from each
// neighbor's channel without blocking; the 1 ms backstop bounds how stale
// a pending event can go. Using a non-blocking
// select-per-neighbor (rather than a single fan-in channel) keeps each
// Transport's backpressure signal (GetXmitQueueSize) attributable to its own
// link.
func (f *Forwarder) pollNeighbors(now time.Time) {
	for _, nbr := range f.nbrs {
	drain:
		for {
			select {
			case ev, ok := <-nbr.Events():
				if !ok {
					break drain
				}
				f.handleTransportEvent(nbr, ev, now)
			default:
				break drain
			}
		}
	}
}

func (f *Forwarder) handleTransportEvent(nbr transport.Transport, ev transport.Event, now time.Time) {
	log := ironlog.Component("forwarder")
	switch ev.Kind {
	case transport.EventQLAM:
		f.consumeQLAM(nbr.NeighborBin(), ev.QLAMPayload)
	case transport.EventData:
		if ev.Packet == nil {
			return
		}
		// A data frame arriving over Transport has reached this node from
		// the overlay; EdgeOut delivers it to the local host rather than
		// re-entering a BinQueueMgr, which only holds traffic this node
		// still needs to forward onward.
		if _, err := f.edgeOut.Send(ev.Packet.Data); err != nil {
			log.Error().Err(err).Msg("edge send failed")
		}
		f.pool.Recycle(ev.Packet)
	case transport.EventCapacity:
		f.store.ProcessCapacityUpdate(ev.PathCtrl, ev.TransBps)
	case transport.EventDrop:
		log.Debug().Uint32("path_ctrl", ev.PathCtrl).Msg("transport reported packet drop")
	}
}

// consumeQLAM deserializes an inbound QLAM frame into the sending
// neighbor's recorded QueueDepths. A malformed frame is logged and
// dropped, and the neighbor's previous depths are retained. Before
// deserializing, the frame's sequence number is checked against that
// neighbor's SeqWindow: a stale reorder within the 128-before window is
// discarded without mutating state.
func (f *Forwarder) consumeQLAM(nbrIdx bin.Index, payload []byte) {
	log := ironlog.Component("forwarder")

	seq, err := qdepth.PeekSeq(payload)
	if err != nil {
		log.Warn().Err(err).Uint16("nbr", uint16(nbrIdx)).Msg("dropping malformed QLAM frame")
		if f.qlamObs != nil {
			f.qlamObs.QLAMFrameDropped()
		}
		return
	}
	win, ok := f.nbrSeqWindows[nbrIdx]
	if !ok {
		win = qdepth.NewSeqWindow(qdepth.DefaultWindowSize)
		f.nbrSeqWindows[nbrIdx] = win
	}
	if !win.Accept(seq) {
		log.Debug().Uint16("nbr", uint16(nbrIdx)).Uint16("seq", seq).Msg("discarding stale/reordered QLAM frame")
		return
	}

	qd := qdepth.New(int(f.binMap.MaxIndex()))
	if _, _, err := qd.Deserialize(payload); err != nil {
		log.Warn().Err(err).Uint16("nbr", uint16(nbrIdx)).Msg("dropping malformed QLAM frame")
		if f.qlamObs != nil {
			f.qlamObs.QLAMFrameDropped()
		}
		return
	}
	// Serialize omits zero bins, so a bin absent from the frame is an
	// advertised depth of zero and is recorded like any other.
	f.store.ForEach(func(_ bin.Index, mgr *binqueue.BinQueueMgr) {
		mgr.SetNbrQueueDepths(nbrIdx, qd)
	})
}

// tick drains pending transport events, runs QueueStore's periodic
// accounting, computes this round's gradients, distributes the ASAP
// gradient-based caps, and sends the top-K solutions.
func (f *Forwarder) tick(now time.Time) {
	f.pollNeighbors(now)
	f.store.PeriodicAdjustQueueValues(now)

	gradients := f.computeGradients(now)
	f.updateASAPCaps(now, gradients)
	solutions := gradient.SelectTopK(gradients, f.cfg.SolutionK)
	for _, obs := range f.gradObs {
		obs.PublishGradients(solutions)
	}
	f.sendSolutions(solutions, now)
}

// computeGradients builds one Gradient per (neighbor, destination) pair
// with a neighbor advertisement on record. Negative gradients survive into the returned slice (SelectTopK rejects them) so
// updateASAPCaps can see how far a losing destination sits behind the
// maximum. Ties between equal-valued candidates for a destination fall to
// path-controller round-robin — the per-destination start offset rotates
// each call, and SelectTopK's stable sort preserves the rotated order —
// unless the latency cache names a preferred path, which then moves to the
// front of the destination's candidate list.
func (f *Forwarder) computeGradients(now time.Time) []gradient.Gradient {
	var out []gradient.Gradient
	f.store.ForEach(func(dst bin.Index, mgr *binqueue.BinQueueMgr) {
		localTotal, _ := mgr.GetQueueDepthsForBpf(now).GetBinDepthByIdx(dst)
		var candidates []gradient.Gradient
		n := len(f.nbrs)
		if n == 0 {
			return
		}
		start := f.pcRoundRobin[dst] % n
		f.pcRoundRobin[dst] = start + 1
		for i := 0; i < n; i++ {
			nbr := f.nbrs[(start+i)%n]
			nbrQD, ok := mgr.GetNbrQueueDepths(nbr.NeighborBin())
			if !ok {
				continue
			}
			nbrTotal, _ := nbrQD.GetBinDepthByIdx(dst)
			candidates = append(candidates, gradient.Gradient{
				Value:    int64(localTotal) - int64(nbrTotal),
				DstBin:   dst,
				PathCtrl: nbr.PathCtrl(),
				IsDst:    dst == nbr.NeighborBin(),
			})
		}
		f.preferCachedPath(dst, candidates)
		out = append(out, candidates...)
	})
	return out
}

// preferCachedPath consults the read-only LatencyCache for dst's recent path
// history and, when the preferred path controller is among the equal-best
// candidates, rotates it to the front so the stable top-K sort selects it.
func (f *Forwarder) preferCachedPath(dst bin.Index, candidates []gradient.Gradient) {
	if f.latCache == nil || len(candidates) < 2 {
		return
	}
	preferred, ok := f.latCache.Get(dst, f.pathHistory[dst])
	if !ok {
		return
	}
	best := candidates[0].Value
	for _, c := range candidates {
		if c.Value > best {
			best = c.Value
		}
	}
	for i, c := range candidates {
		if c.PathCtrl == preferred && c.Value == best {
			copy(candidates[1:i+1], candidates[:i])
			candidates[0] = c
			return
		}
	}
}

// asapCapHysteresisBytes is the slack added on top of the exact
// catch-the-maximum byte count when computing ASAP's gradient-based cap.
const asapCapHysteresisBytes = 512

// updateASAPCaps distributes each destination's gradient-based injection
// cap: the minimum byte count that would make the
// destination's best gradient strictly exceed the current maximum, plus
// hysteresis. Destinations already at the maximum get one byte plus the
// hysteresis.
func (f *Forwarder) updateASAPCaps(now time.Time, gradients []gradient.Gradient) {
	if len(gradients) == 0 {
		return
	}
	best := make(map[bin.Index]int64)
	maxVal := gradients[0].Value
	for _, g := range gradients {
		if g.Value > maxVal {
			maxVal = g.Value
		}
		if v, ok := best[g.DstBin]; !ok || g.Value > v {
			best[g.DstBin] = g.Value
		}
	}
	updates := make([]queuestore.GradientUpdate, 0, 2*len(best))
	for dst, v := range best {
		capBytes := maxVal - v + 1 + asapCapHysteresisBytes
		updates = append(updates,
			queuestore.GradientUpdate{Dst: dst, NewCap: uint32(capBytes), IsLS: false},
			queuestore.GradientUpdate{Dst: dst, NewCap: uint32(capBytes), IsLS: true},
		)
	}
	f.store.ProcessGradientUpdate(updates)
}

// sendSolutions dequeues and transmits each selected solution in order,
// re-enqueueing at head on transport refusal and terminating the batch.
func (f *Forwarder) sendSolutions(solutions []gradient.Gradient, now time.Time) {
	for _, sol := range solutions {
		mgr, ok := f.store.Get(sol.DstBin)
		if !ok {
			continue
		}
		nbr := f.neighborForPathCtrl(sol.PathCtrl)
		if nbr == nil {
			continue
		}
		if size, ok := nbr.GetXmitQueueSize(); ok && size > 0 {
			continue
		}
		pkt := mgr.Dequeue(dequeueSizeCapBytes, packet.DstVec(1)<<uint(sol.DstBin&63), now)
		if pkt == nil {
			continue
		}
		if !nbr.SendPacket(pkt) {
			mgr.Requeue(pkt, now)
			break
		}
		// Record which path carried dst's traffic, the history key the
		// LatencyCache's external estimator also computes.
		f.pathHistory[sol.DstBin] = f.pathHistory[sol.DstBin]<<8 | uint64(sol.PathCtrl&0xFF)
	}
}

func (f *Forwarder) neighborForPathCtrl(pc uint32) transport.Transport {
	for _, nbr := range f.nbrs {
		if nbr.PathCtrl() == pc {
			return nbr
		}
	}
	return nil
}

// emitQLAM merges every destination's advertised depths into one frame and
// sends it to every neighbor. A single frame with a single sequence number
// is required: the receiver filters with one reorder window per sending
// neighbor, so independent per-destination sequence streams would discard
// each other as stale.
func (f *Forwarder) emitQLAM(now time.Time) {
	log := ironlog.Component("forwarder")

	f.qlamDepths.ClearAllBins()
	f.store.ForEach(func(_ bin.Index, mgr *binqueue.BinQueueMgr) {
		qd := mgr.GetQueueDepthsForBpfQlam(now)
		// A multicast manager holds bytes for several bins; merge every
		// non-zero entry, summing where managers overlap.
		for i := 0; i < qd.StoreSize(); i++ {
			idx := bin.Index(i)
			total, ls := qd.GetBinDepthByIdx(idx)
			if total == 0 && ls == 0 {
				continue
			}
			f.qlamDepths.Increment(idx, total, ls)
		}
	})

	buf := make([]byte, qdepth.MaxPairsPerFrame*8+3)
	n, _, err := f.qlamDepths.Serialize(buf, len(buf))
	if err != nil {
		log.Warn().Err(err).Msg("QLAM serialize failed")
		return
	}
	frame := make([]byte, n)
	copy(frame, buf[:n])
	for _, nbr := range f.nbrs {
		if nbr.SendQLAM(frame) && f.qlamObs != nil {
			f.qlamObs.QLAMFrameSent(nbr.NeighborBin())
		}
	}
}
