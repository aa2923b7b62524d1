// Package ironmetrics exports the Forwarder's runtime counters and gauges
// to Prometheus over a /metrics handler.
package ironmetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/gradient"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/queuestore"
)

// Metrics bundles every counter/gauge the Forwarder and its queue-shaping
// algorithms update: per-class byte depths, ZLR zombie-injection bytes,
// ASAP bytes-added, gradient-selection counts per path controller, and
// QLAM frames sent/dropped. It satisfies internal/forwarder's StatsSink,
// GradientObserver, and QLAMObserver contracts.
type Metrics struct {
	registry *prometheus.Registry

	ClassBytes          *prometheus.GaugeVec
	ZLRZombieBytes      *prometheus.CounterVec
	ASAPBytesAdded      *prometheus.CounterVec
	GradientSelections  *prometheus.CounterVec
	QLAMFramesSent      *prometheus.CounterVec
	QLAMFramesDropped   prometheus.Counter
	BinQueueDepthBytes  *prometheus.GaugeVec

	// lastInjected remembers each (bin, class)'s cumulative injection total
	// from the previous Observe, so the counters above receive deltas.
	lastInjected map[injectedKey]uint64
}

type injectedKey struct {
	idx bin.Index
	lat packet.LatencyClass
}

// New builds and registers every metric on a fresh registry (never the
// global default registry, so multiple Forwarder instances in one process
// don't collide during tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry:     reg,
		lastInjected: make(map[injectedKey]uint64),
		ClassBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ironcore",
			Name:      "class_bytes",
			Help:      "Current queued bytes per destination bin and latency class.",
		}, []string{"bin", "class"}),
		ZLRZombieBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironcore",
			Name:      "zlr_zombie_bytes_total",
			Help:      "Zombie bytes injected by ZLR, per destination bin.",
		}, []string{"bin"}),
		ASAPBytesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironcore",
			Name:      "asap_bytes_added_total",
			Help:      "Synthetic bytes injected by ASAP's anti-starvation pass, per destination bin.",
		}, []string{"bin"}),
		GradientSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironcore",
			Name:      "gradient_selections_total",
			Help:      "Solutions selected by the gradient scheduler, per path controller.",
		}, []string{"path_ctrl"}),
		QLAMFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironcore",
			Name:      "qlam_frames_sent_total",
			Help:      "QLAM frames emitted, per neighbor.",
		}, []string{"neighbor"}),
		QLAMFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironcore",
			Name:      "qlam_frames_dropped_total",
			Help:      "Inbound QLAM frames dropped for failing to deserialize.",
		}),
		BinQueueDepthBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ironcore",
			Name:      "bin_queue_depth_bytes",
			Help:      "Current total queue depth in bytes, per destination bin.",
		}, []string{"bin"}),
	}
	reg.MustRegister(
		m.ClassBytes,
		m.ZLRZombieBytes,
		m.ASAPBytesAdded,
		m.GradientSelections,
		m.QLAMFramesSent,
		m.QLAMFramesDropped,
		m.BinQueueDepthBytes,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// zlrClasses and asapClasses name which zombie classes each algorithm's
// injection counter aggregates over.
var (
	zlrClasses  = []packet.LatencyClass{packet.HighLatZLR, packet.HighLatZLRLS}
	asapClasses = []packet.LatencyClass{packet.HighLatRcvd, packet.HighLatExp}
)

// Observe satisfies internal/forwarder.StatsSink: it refreshes the depth
// gauges from a point-in-time snapshot of the store and rolls each
// BinQueueMgr's cumulative injection totals forward into the counters.
func (m *Metrics) Observe(now time.Time, store *queuestore.Store) {
	store.ForEach(func(idx bin.Index, mgr *binqueue.BinQueueMgr) {
		total, _ := mgr.GetQueueDepthsForBpf(now).GetBinDepthByIdx(idx)
		m.BinQueueDepthBytes.WithLabelValues(label(idx)).Set(float64(total))

		perClass := mgr.PerClassBytes(idx)
		for lat, bytes := range perClass {
			m.ClassBytes.WithLabelValues(label(idx), packet.LatencyClass(lat).String()).Set(float64(bytes))
		}

		m.addInjectedDelta(m.ZLRZombieBytes, idx, mgr, zlrClasses)
		m.addInjectedDelta(m.ASAPBytesAdded, idx, mgr, asapClasses)
	})
}

func (m *Metrics) addInjectedDelta(counter *prometheus.CounterVec, idx bin.Index, mgr *binqueue.BinQueueMgr, classes []packet.LatencyClass) {
	for _, lat := range classes {
		cur := mgr.ZombieBytesInjected(lat)
		key := injectedKey{idx: idx, lat: lat}
		if cur > m.lastInjected[key] {
			counter.WithLabelValues(label(idx)).Add(float64(cur - m.lastInjected[key]))
			m.lastInjected[key] = cur
		}
	}
}

// PublishGradients satisfies internal/forwarder.GradientObserver, counting
// each selected solution against its path controller.
func (m *Metrics) PublishGradients(gs []gradient.Gradient) {
	for _, g := range gs {
		m.GradientSelections.WithLabelValues(strconv.FormatUint(uint64(g.PathCtrl), 10)).Inc()
	}
}

// QLAMFrameSent satisfies internal/forwarder.QLAMObserver.
func (m *Metrics) QLAMFrameSent(nbr bin.Index) {
	m.QLAMFramesSent.WithLabelValues(label(nbr)).Inc()
}

// QLAMFrameDropped satisfies internal/forwarder.QLAMObserver.
func (m *Metrics) QLAMFrameDropped() {
	m.QLAMFramesDropped.Inc()
}

// label renders a BinIndex as a Prometheus label value.
func label(idx bin.Index) string {
	return strconv.Itoa(int(idx))
}
