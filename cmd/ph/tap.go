package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/subgraph/ph/internal/devices/virtio"
)

// tapBackend implements virtio.NetBackend over a host TAP device: guest
// transmits are written straight to the tap fd, and a background reader
// goroutine feeds host-side frames back into the virtio-net rx queue via
// EnqueueRxPacket, following net.go's netDeviceBinder hook so this backend
// learns the *virtio.Net it was attached to without a constructor cycle.
type tapBackend struct {
	file *os.File
	net  *virtio.Net
}

// openTap creates (or reuses) a persistent TAP device, brings the host-side
// link up via netlink, and returns a backend ready to hand to
// VirtioBus.AttachNet. Grounded on mirendev-runtime's
// ensureBridge/LinkAdd→LinkByName→LinkSetUp idiom for host link setup.
func openTap(name string) (*tapBackend, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	ifr := tapIfreq(name)
	if err := tapIoctl(fd, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: set nonblocking: %w", err)
	}

	link := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(link); err != nil && err != unix.EEXIST {
		slog.Warn("tap: netlink LinkAdd failed, continuing with raw fd only", "device", name, "err", err)
	} else {
		if iface, err := netlink.LinkByName(name); err == nil {
			if err := netlink.LinkSetUp(iface); err != nil {
				slog.Warn("tap: bring link up", "device", name, "err", err)
			}
		}
	}

	return &tapBackend{file: os.NewFile(uintptr(fd), name)}, nil
}

// BindNetDevice implements the unexported netDeviceBinder hook in
// internal/devices/virtio/net.go: NewNetPCI calls this once so the backend
// can later call EnqueueRxPacket on its own device.
func (t *tapBackend) BindNetDevice(n *virtio.Net) {
	t.net = n
	go t.readLoop()
}

// HandleTx implements virtio.NetBackend.
func (t *tapBackend) HandleTx(packet []byte, release func()) error {
	defer release()
	_, err := t.file.Write(packet)
	return err
}

func (t *tapBackend) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			slog.Warn("tap: read loop exiting", "err", err)
			return
		}
		if n == 0 || t.net == nil {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if err := t.net.EnqueueRxPacket(pkt); err != nil {
			slog.Warn("tap: enqueue rx packet", "err", err)
		}
	}
}

var _ interface {
	BindNetDevice(*virtio.Net)
} = (*tapBackend)(nil)
