// Package tunedge implements edge.In/edge.Out over a Linux TUN device.
// Before wiring EdgeIn/EdgeOut it queries the interface's MTU and link
// state over rtnetlink instead of shelling out to `ip link show`, avoiding
// a fork/exec on the startup path. Ingress frames are classified into a
// LatencyClass hint from their IPv4 DSCP/TOS byte via golang.org/x/net/ipv4
// before the core's own classifier runs.
package tunedge

import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/galpt/ironcore/internal/edge"
	"github.com/galpt/ironcore/internal/packet"
)

const (
	ifReqSize  = unix.IFNAMSIZ + 64
	tunDevPath = "/dev/net/tun"
)

// LinkInfo is the subset of an interface's rtnetlink-reported state tunedge
// checks before use.
type LinkInfo struct {
	MTU  uint32
	Up   bool
	Name string
}

// QueryLink looks up ifaceName's MTU and operational state over rtnetlink,
// in place of shelling out to `ip link show`.
func QueryLink(ifaceName string) (LinkInfo, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return LinkInfo{}, fmt.Errorf("tunedge: rtnetlink dial: %w", err)
	}
	defer conn.Close()

	msg, err := conn.Link.Get(ifaceIndexOrZero(ifaceName))
	if err != nil {
		return LinkInfo{}, fmt.Errorf("tunedge: rtnetlink link get %s: %w", ifaceName, err)
	}
	return LinkInfo{
		MTU:  msg.Attributes.MTU,
		Up:   msg.Attributes.OperationalState == rtnetlink.OperStateUp,
		Name: msg.Attributes.Name,
	}, nil
}

func ifaceIndexOrZero(name string) uint32 {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return uint32(iface.Index)
}

// frameQueueCapacity bounds the frames buffered between the device's reader
// goroutine and the Forwarder's select loop.
const frameQueueCapacity = 64

// Device is a Linux TUN device opened in IFF_TUN|IFF_NO_PI mode, satisfying
// both edge.In and edge.Out. A dedicated reader goroutine pumps the device's
// blocking Reads into a frame queue so Recv keeps the non-blocking poll
// semantics the Forwarder's select loop expects (matching pipeedge's
// channel-backed stand-in).
type Device struct {
	file   *os.File
	name   string
	mtu    int
	frames chan []byte
	notify chan struct{}
}

// Open creates (or attaches to) the named TUN interface and starts its
// reader goroutine.
func Open(name string) (*Device, error) {
	f, err := os.OpenFile(tunDevPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tunedge: open %s: %w", tunDevPath, err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:unix.IFNAMSIZ], name)
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	ifr[unix.IFNAMSIZ] = byte(flags)
	ifr[unix.IFNAMSIZ+1] = byte(flags >> 8)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tunedge: TUNSETIFF: %w", errno)
	}

	dev := &Device{
		file:   f,
		name:   name,
		mtu:    1500,
		frames: make(chan []byte, frameQueueCapacity),
		notify: make(chan struct{}, 1),
	}
	if link, err := QueryLink(name); err == nil && link.MTU > 0 {
		dev.mtu = int(link.MTU)
	}
	go dev.readLoop()
	return dev, nil
}

// readLoop pumps the device's blocking Reads into the frame queue,
// signaling Events after each arrival. It exits when Close shuts the file.
func (d *Device) readLoop() {
	for {
		buf := make([]byte, d.mtu+4)
		n, err := d.file.Read(buf)
		if err != nil {
			return
		}
		select {
		case d.frames <- buf[:n]:
		default:
			// Queue full: shed the oldest frame rather than block the pump.
			select {
			case <-d.frames:
			default:
			}
			select {
			case d.frames <- buf[:n]:
			default:
			}
		}
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
}

// Recv copies the next buffered frame into dst[offset:], returning (0, nil)
// when no frame is pending, per edge.In's non-blocking poll contract.
func (d *Device) Recv(dst []byte, offset int) (int, error) {
	select {
	case frame := <-d.frames:
		return copy(dst[offset:], frame), nil
	default:
		return 0, nil
	}
}

// Events wakes the Forwarder's select loop whenever the reader goroutine
// queues at least one new frame.
func (d *Device) Events() <-chan struct{} { return d.notify }

// Send writes data out the TUN device toward the kernel's IP stack.
func (d *Device) Send(data []byte) (int, error) {
	return d.file.Write(data)
}

// Close releases the TUN device's file descriptor.
func (d *Device) Close() error {
	return d.file.Close()
}

// MTU returns the interface's negotiated MTU.
func (d *Device) MTU() int { return d.mtu }

// ClassifyDSCP inspects data's IPv4 header (if any) and returns the
// DSCP/TOS byte, for use as a LatencyClass hint ahead of the core's own
// per-destination classifier.
func ClassifyDSCP(data []byte) (dscp uint8, ok bool) {
	hdr, err := ipv4.ParseHeader(data)
	if err != nil || hdr == nil {
		return 0, false
	}
	return uint8(hdr.TOS), true
}

// DSCPToLatencyClass maps the TOS byte returned by ClassifyDSCP to a
// LatencyClass hint. Its top three bits (the legacy IP-precedence field)
// select: 6-7 (network/
// internetwork control) -> CRITICAL, 5 (express forwarding-ish) -> CONTROL,
// 4 -> LOW_LATENCY, everything else -> NORMAL_LATENCY. This is a coarse,
// coarse default; the classifier that owns ingress policy can override the
// hint before enqueue.
func DSCPToLatencyClass(dscp uint8) packet.LatencyClass {
	switch dscp >> 5 {
	case 6, 7:
		return packet.CriticalLatency
	case 5:
		return packet.ControlLatency
	case 4:
		return packet.LowLatency
	default:
		return packet.NormalLatency
	}
}

var (
	_ edge.In  = (*Device)(nil)
	_ edge.Out = (*Device)(nil)
)
