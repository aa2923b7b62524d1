// Command ironfwd runs one forwarding-core node: a TUN-device edge, a UDP
// transport to one statically configured neighbor, the admin HTTP server,
// and the Prometheus exporter, all run under one errgroup.Group.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binmap"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/edge/tunedge"
	"github.com/galpt/ironcore/internal/forwarder"
	"github.com/galpt/ironcore/internal/latencycache"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/qdepth"
	"github.com/galpt/ironcore/internal/queuestore"
	"github.com/galpt/ironcore/internal/shm"
	"github.com/galpt/ironcore/internal/transport/udptransport"
	"github.com/galpt/ironcore/pkg/adminserver"
	"github.com/galpt/ironcore/pkg/ironcfg"
	"github.com/galpt/ironcore/pkg/ironlog"
	"github.com/galpt/ironcore/pkg/ironmetrics"
)

// Version is overridden at build-time.
var Version = "dev"

// tunClassifier routes every ingress frame to the single configured
// neighbor's destination bin, DSCP-tagging its LatencyClass. A real
// deployment's classifier would consult the external topology/BinMap
// collaborator; this reference wiring exists to exercise the core end to
// end over one link.
type tunClassifier struct {
	destBin bin.Index
}

func (c tunClassifier) Classify(raw []byte, pkt *packet.Packet) (dst bin.Index, ok bool) {
	dscp, _ := tunedge.ClassifyDSCP(raw)
	pkt.Latency = tunedge.DSCPToLatencyClass(dscp)
	pkt.DstVec = packet.DstVec(1) << uint(c.destBin&63)
	return c.destBin, true
}

func main() {
	cfg := ironcfg.Default()
	ironcfg.RegisterFlags(&cfg)
	tunName := flag.String("tun", "iron0", "TUN interface name")
	remoteAddr := flag.String("remote", "", "neighbor's UDP address (host:port)")
	shmKey := flag.Int("shm-key", 0, "System-V shared-memory key for publishing queue depths to admission proxies (0 disables)")
	shmLockPath := flag.String("shm-lock", "/tmp/ironfwd-depths.lock", "lock file guarding the shared queue-depths segment")
	showVer := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ironfwd %s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVer {
		fmt.Printf("ironfwd %s\n", Version)
		os.Exit(0)
	}

	ironlog.Logger = ironlog.Logger.Level(zerolog.InfoLevel).With().Str("version", Version).Logger()
	log := ironlog.Component("main")

	if err := ironcfg.Load(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *remoteAddr == "" {
		log.Fatal().Msg("-remote is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	binMap := binmap.New(64, 16, 8)
	selfBin, err := binMap.Assign(bin.KindInterior, "self")
	if err != nil {
		log.Fatal().Err(err).Msg("binmap self assignment failed")
	}
	nbrBin, err := binMap.Assign(bin.KindUnicast, *remoteAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("binmap neighbor assignment failed")
	}

	pool := packetpool.New(0)

	mgr := binqueue.New(pool, binMap, binqueue.Config{
		MyBinIndex:           nbrBin,
		NodeBinIndex:         selfBin,
		IsMulticast:          cfg.Multicast,
		Algorithm:            cfg.Algorithm,
		DropPolicy:           cfg.DropPolicy,
		MaxBinDepthPkts:      cfg.MaxBinDepthPkts,
		ZLRParams:            cfg.ZLRParams(),
		ASAPParams:           cfg.ASAPParams(),
		NPLBStickinessThresh: cfg.NPLBStickiness(),
	}, time.Now())

	tun, err := tunedge.Open(*tunName)
	if err != nil {
		log.Fatal().Err(err).Str("tun", *tunName).Msg("failed to open TUN device")
	}
	defer tun.Close()

	localAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	link, err := udptransport.New(localAddr, *remoteAddr, nbrBin, 0, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start UDP transport")
	}
	defer link.Close()

	fwd := forwarder.New(forwarder.Config{
		MyBinIndex:    selfBin,
		QLAMInterval:  cfg.QLAMInterval,
		StatsInterval: cfg.StatsInterval,
	}, binMap, pool, tun, tun, tunClassifier{destBin: nbrBin})
	fwd.AddNeighbor(link)
	fwd.AddDestination(nbrBin, mgr)
	fwd.SetLatencyCache(latencycache.New(0))

	metrics := ironmetrics.New()
	fwd.AddStatsSink(metrics)
	fwd.AddGradientObserver(metrics)
	fwd.SetQLAMObserver(metrics)

	if *shmKey != 0 {
		pub, err := newShmDepthsPublisher(*shmKey, *shmLockPath, int(binMap.MaxIndex()))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create queue-depths shared-memory segment")
		}
		defer pub.Close()
		fwd.AddStatsSink(pub)
	}

	admin := adminserver.New(fwd.Store(), binMap)
	fwd.AddGradientObserver(admin)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return fwd.Run(gctx) })
	group.Go(func() error {
		return admin.Run(gctx, fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort))
	})
	group.Go(func() error {
		return runMetricsServer(gctx, metrics, fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort))
	})

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		log.Fatal().Err(err).Msg("fatal")
	}
	log.Info().Msg("shutdown complete")
}

// shmDepthsPublisher copies the node's per-destination depths into a
// System-V shared-memory segment on each stats tick: this process is the
// single writer, admission proxies are the readers. Every copy is
// bracketed by the segment's flock-backed lock.
type shmDepthsPublisher struct {
	seg      *shm.Segment
	lock     *shm.Lock
	binCount int
}

func newShmDepthsPublisher(key int, lockPath string, binCount int) (*shmDepthsPublisher, error) {
	seg, err := shm.Create(key, qdepth.ShmBytesFor(binCount))
	if err != nil {
		return nil, err
	}
	lock, err := shm.NewLock(lockPath)
	if err != nil {
		seg.Close()
		return nil, err
	}
	return &shmDepthsPublisher{seg: seg, lock: lock, binCount: binCount}, nil
}

// Observe satisfies forwarder.StatsSink.
func (p *shmDepthsPublisher) Observe(now time.Time, store *queuestore.Store) {
	qd := qdepth.New(p.binCount)
	store.ForEach(func(idx bin.Index, mgr *binqueue.BinQueueMgr) {
		total, ls := mgr.GetQueueDepthsForBpf(now).GetBinDepthByIdx(idx)
		_ = qd.SetBinDepthByIdx(idx, total, ls)
	})
	if err := p.lock.Lock(); err != nil {
		return
	}
	defer p.lock.Unlock()
	_ = qd.CopyToShm(p.seg.Bytes())
}

func (p *shmDepthsPublisher) Close() {
	id := p.seg.ID()
	_ = p.seg.Close()
	_ = shm.Unlink(id)
	_ = p.lock.Close()
}

// runMetricsServer serves metrics' /metrics handler until ctx is canceled,
// mirroring admin's own Run shutdown pattern.
func runMetricsServer(ctx context.Context, metrics *ironmetrics.Metrics, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
