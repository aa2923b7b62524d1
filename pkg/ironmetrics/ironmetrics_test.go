package ironmetrics

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binmap"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/queuestore"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m.ClassBytes)
	require.NotNil(t, m.ZLRZombieBytes)
	require.NotNil(t, m.ASAPBytesAdded)
	require.NotNil(t, m.GradientSelections)
	require.NotNil(t, m.QLAMFramesSent)
	require.NotNil(t, m.QLAMFramesDropped)
	require.NotNil(t, m.BinQueueDepthBytes)
}

func TestHandlerServesMetricsPage(t *testing.T) {
	m := New()
	m.QLAMFramesDropped.Add(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "ironcore_qlam_frames_dropped_total 3")
}

func TestObserveSetsGaugePerBin(t *testing.T) {
	bm := binmap.New(4, 4, 4)
	dst, err := bm.Assign(bin.KindUnicast, "a")
	require.NoError(t, err)

	pool := packetpool.New(0)
	mgr := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: dst}, time.Now())

	store := queuestore.New()
	store.Add(dst, mgr)

	m := New()
	require.NotPanics(t, func() {
		m.Observe(time.Now(), store)
	})
}

func TestObserveRollsInjectionCountersForwardOnce(t *testing.T) {
	bm := binmap.New(4, 4, 4)
	dst, err := bm.Assign(bin.KindUnicast, "a")
	require.NoError(t, err)

	pool := packetpool.New(0)
	mgr := binqueue.New(pool, bm, binqueue.Config{MyBinIndex: dst}, time.Now())
	dstVec := packet.DstVec(1) << uint(dst&63)
	mgr.AddZombieBytes(packet.HighLatZLR, 1234, dstVec)

	store := queuestore.New()
	store.Add(dst, mgr)

	m := New()
	m.Observe(time.Now(), store)
	m.Observe(time.Now(), store)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), `ironcore_zlr_zombie_bytes_total{bin="`+strconv.Itoa(int(dst))+`"} 1234`,
		"a second Observe with no new injections must not double-count")
}
