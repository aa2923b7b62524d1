// Package adminserver is the read-only HTTP introspection surface for the
// forwarding core: current queue depths, the last-computed gradient list,
// neighbor state, and an SSE stream of gradient-selection decisions.
package adminserver

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	recovermiddleware "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/binmap"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/gradient"
	"github.com/galpt/ironcore/internal/queuestore"
	"github.com/galpt/ironcore/pkg/ironlog"
)

const sseBufSize = 4

// DepthEntry is one bin's current queue-depth snapshot, the /api/depths
// response element.
type DepthEntry struct {
	Bin   uint16 `json:"bin"`
	Name  string `json:"name,omitempty"`
	Total uint32 `json:"total_bytes"`
	LS    uint32 `json:"ls_bytes"`
}

// NeighborEntry is one neighbor's last-recorded advertisement, the
// /api/neighbors response element.
type NeighborEntry struct {
	DestBin uint16 `json:"dest_bin"`
	NbrBin  uint16 `json:"nbr_bin"`
	Total   uint32 `json:"total_bytes"`
	LS      uint32 `json:"ls_bytes"`
}

// GradientEntry mirrors internal/gradient.Gradient for JSON/SSE encoding.
type GradientEntry struct {
	Value    int64  `json:"value"`
	DstBin   uint16 `json:"dst_bin"`
	PathCtrl uint32 `json:"path_ctrl"`
	IsDst    bool   `json:"is_dst"`
}

// Server is the Fiber-based introspection HTTP server. It never mutates
// the store; every handler reads a point-in-time snapshot through the
// store's own accessors and never touches BinQueueMgr/QueueStore
// internals directly.
type Server struct {
	app    *fiber.App
	id     uuid.UUID
	store  *queuestore.Store
	binMap *binmap.BinMap

	lastGradMu sync.RWMutex
	lastGrad   []gradient.Gradient

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}
}

// New builds a Server wired to store and binMap.
func New(store *queuestore.Store, binMap *binmap.BinMap) *Server {
	s := &Server{
		id:      uuid.New(),
		store:   store,
		binMap:  binMap,
		clients: make(map[chan []byte]struct{}),
	}

	app := fiber.New(fiber.Config{
		ServerHeader: "ironfwd-admin",
	})
	app.Use(recovermiddleware.New())

	app.Get("/api/depths", s.handleDepths)
	app.Get("/api/gradients", s.handleGradients)
	app.Get("/api/neighbors", s.handleNeighbors)
	app.Get("/events", s.handleSSE)

	s.app = app
	return s
}

// Run listens on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	log := ironlog.Component("adminserver")
	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()
	log.Info().Str("addr", addr).Str("server_id", s.id.String()).Msg("admin listening")
	return s.app.Listen(addr)
}

// PublishGradients records this tick's selected solutions for /api/gradients
// and broadcasts them over SSE, called by the Forwarder once per tick.
func (s *Server) PublishGradients(gs []gradient.Gradient) {
	s.lastGradMu.Lock()
	s.lastGrad = gs
	s.lastGradMu.Unlock()

	entries := toGradientEntries(gs)
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	s.broadcast(payload)
}

func toGradientEntries(gs []gradient.Gradient) []GradientEntry {
	entries := make([]GradientEntry, len(gs))
	for i, g := range gs {
		entries[i] = GradientEntry{
			Value:    g.Value,
			DstBin:   uint16(g.DstBin),
			PathCtrl: g.PathCtrl,
			IsDst:    g.IsDst,
		}
	}
	return entries
}

func (s *Server) broadcast(payload []byte) {
	event := buildSSEEvent(payload)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func buildSSEEvent(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+32)
	buf = append(buf, "retry: 2000\ndata: "...)
	buf = append(buf, payload...)
	buf = append(buf, "\n\n"...)
	return buf
}

func (s *Server) handleDepths(c fiber.Ctx) error {
	now := time.Now()
	var entries []DepthEntry
	s.store.ForEach(func(idx bin.Index, mgr *binqueue.BinQueueMgr) {
		total, ls := mgr.GetQueueDepthsForBpf(now).GetBinDepthByIdx(idx)
		name, _ := s.binMap.Name(idx)
		entries = append(entries, DepthEntry{Bin: uint16(idx), Name: name, Total: total, LS: ls})
	})
	c.Set("Content-Type", "application/json; charset=utf-8")
	b, _ := json.Marshal(entries)
	return c.Send(b)
}

func (s *Server) handleGradients(c fiber.Ctx) error {
	s.lastGradMu.RLock()
	gs := s.lastGrad
	s.lastGradMu.RUnlock()
	c.Set("Content-Type", "application/json; charset=utf-8")
	b, _ := json.Marshal(toGradientEntries(gs))
	return c.Send(b)
}

func (s *Server) handleNeighbors(c fiber.Ctx) error {
	var entries []NeighborEntry
	s.binMap.AllBins(func(nbrIdx bin.Index) {
		s.store.ForEach(func(dstIdx bin.Index, mgr *binqueue.BinQueueMgr) {
			qd, ok := mgr.GetNbrQueueDepths(nbrIdx)
			if !ok {
				return
			}
			total, ls := qd.GetBinDepthByIdx(dstIdx)
			entries = append(entries, NeighborEntry{
				DestBin: uint16(dstIdx),
				NbrBin:  uint16(nbrIdx),
				Total:   total,
				LS:      ls,
			})
		})
	})
	c.Set("Content-Type", "application/json; charset=utf-8")
	b, _ := json.Marshal(entries)
	return c.Send(b)
}

func (s *Server) handleSSE(c fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, sseBufSize)
	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()

	connID := uuid.New()
	log := ironlog.Component("adminserver")
	log.Debug().Str("conn_id", connID.String()).Msg("SSE client connected")

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, ch)
			s.clientsMu.Unlock()
		}()
		for event := range ch {
			if _, err := w.Write(event); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}
