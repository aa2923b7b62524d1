// Package udptransport implements transport.Transport over a UDP socket:
// a thin length-prefixed frame carries QLAM and data payloads between two
// node processes over loopback or a real link. It is deliberately not a
// reliability layer. Datagrams may be dropped or reordered by the network,
// which is exactly the reorder tolerance internal/qdepth's SeqWindow
// exists to absorb.
package udptransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/packet"
	"github.com/galpt/ironcore/internal/packetpool"
	"github.com/galpt/ironcore/internal/transport"
	"github.com/galpt/ironcore/pkg/ironlog"
)

// frameKind is the 1-byte wire type tag.
type frameKind uint8

const (
	frameData frameKind = iota
	frameQLAM
)

// dataHeaderLen is the fixed data-frame header: 1 byte latency class, 8
// bytes dst vec, 4 bytes virtual length.
const dataHeaderLen = 1 + 8 + 4

// maxDatagramBytes bounds a single read, comfortably above any real packet
// plus header.
const maxDatagramBytes = 65507

// Transport is a UDP-backed transport.Transport.
type Transport struct {
	conn        *net.UDPConn
	remote      *net.UDPAddr
	neighborBin bin.Index
	pathCtrl    uint32
	pool        *packetpool.Pool

	events       chan transport.Event
	pendingBytes int64 // atomic

	log zerolog.Logger
}

// New opens a UDP socket bound to localAddr (with SO_REUSEPORT so several
// node processes can share a host during testing) that sends to remote,
// and starts the background reader goroutine.
func New(localAddr, remoteAddr string, neighborBin bin.Index, pathCtrl uint32, pool *packetpool.Pool) (*Transport, error) {
	remote, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolve remote: %w", err)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: listen %s: %w", localAddr, err)
	}
	conn := pc.(*net.UDPConn)

	t := &Transport{
		conn:        conn,
		remote:      remote,
		neighborBin: neighborBin,
		pathCtrl:    pathCtrl,
		pool:        pool,
		events:      make(chan transport.Event, 256),
		log:         ironlog.Component("udptransport"),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		t.handleFrame(buf[:n])
	}
}

func (t *Transport) handleFrame(frame []byte) {
	if len(frame) < 1 {
		return
	}
	switch frameKind(frame[0]) {
	case frameQLAM:
		payload := make([]byte, len(frame)-1)
		copy(payload, frame[1:])
		t.push(transport.Event{Kind: transport.EventQLAM, QLAMPayload: payload})
	case frameData:
		if len(frame) < 1+dataHeaderLen {
			return
		}
		body := frame[1:]
		lat := packet.LatencyClass(body[0])
		dstVec := packet.DstVec(binary.BigEndian.Uint64(body[1:9]))
		vlen := binary.BigEndian.Uint32(body[9:13])
		data := body[dataHeaderLen:]

		pkt := t.pool.Get(packetpool.RecvTimeNow)
		pkt.Data = append(pkt.Data[:0], data...)
		pkt.Latency = lat
		pkt.DstVec = dstVec
		pkt.VirtualLength = vlen
		if pkt.VirtualLength == 0 {
			pkt.VirtualLength = uint32(len(data))
		}
		t.push(transport.Event{Kind: transport.EventData, Packet: pkt})
	}
}

func (t *Transport) push(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn().Msg("udptransport: event channel full, dropping inbound frame")
	}
}

// SendPacket writes pkt to the remote address as a data frame. It reports
// success (ownership transfers) unless the UDP write fails, in which case
// it returns false; back-pressure is reported separately via
// GetXmitQueueSize.
func (t *Transport) SendPacket(pkt *packet.Packet) bool {
	header := make([]byte, 1+dataHeaderLen)
	header[0] = byte(frameData)
	header[1] = byte(pkt.Latency)
	binary.BigEndian.PutUint64(header[2:10], uint64(pkt.DstVec))
	binary.BigEndian.PutUint32(header[10:14], pkt.VirtualLength)

	frame := append(header, pkt.Data...)
	atomic.AddInt64(&t.pendingBytes, int64(len(frame)))
	_, err := t.conn.WriteToUDP(frame, t.remote)
	atomic.AddInt64(&t.pendingBytes, -int64(len(frame)))
	if err != nil {
		t.log.Warn().Err(err).Msg("udptransport: send failed")
		return false
	}
	t.pool.Recycle(pkt)
	return true
}

// SendQLAM writes payload to the remote address as a QLAM frame.
func (t *Transport) SendQLAM(payload []byte) bool {
	frame := append([]byte{byte(frameQLAM)}, payload...)
	_, err := t.conn.WriteToUDP(frame, t.remote)
	return err == nil
}

// GetXmitQueueSize reports bytes currently mid-flight in WriteToUDP calls.
func (t *Transport) GetXmitQueueSize() (uint32, bool) {
	return uint32(atomic.LoadInt64(&t.pendingBytes)), true
}

// Events returns the inbound event channel fed by the reader goroutine.
func (t *Transport) Events() <-chan transport.Event { return t.events }

// NeighborBin returns the neighbor's bin index.
func (t *Transport) NeighborBin() bin.Index { return t.neighborBin }

// PathCtrl returns this link's path-controller number.
func (t *Transport) PathCtrl() uint32 { return t.pathCtrl }

// Close shuts down the UDP socket, terminating the reader goroutine.
func (t *Transport) Close() error {
	return t.conn.Close()
}

var _ transport.Transport = (*Transport)(nil)
