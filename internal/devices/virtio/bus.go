package virtio

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/subgraph/ph/internal/devices/amd64/pci"
	"github.com/subgraph/ph/internal/hv"
)

// VirtioBus assigns PCI bus/device/function slots to virtio devices attached
// to a single host bridge. Every virtio device in this hypervisor lives on
// PCI bus 0, one function per device, mirroring how a real machine exposes
// paravirtual devices to the guest without any ACPI or device-tree
// enumeration support.
type VirtioBus struct {
	vm       hv.VirtualMachine
	host     *pci.HostBridge
	nextSlot uint8
}

// NewVirtioBus creates a VirtioBus over the given PCI host bridge. Device
// numbers are handed out starting at 1 (device 0, function 0 is the host
// bridge itself).
func NewVirtioBus(vm hv.VirtualMachine, host *pci.HostBridge) *VirtioBus {
	return &VirtioBus{vm: vm, host: host, nextSlot: 1}
}

func (b *VirtioBus) allocateSlot() uint8 {
	slot := b.nextSlot
	b.nextSlot++
	return slot
}

// AttachBlk creates a virtio-blk device on the next free PCI slot and
// registers it with the virtual machine.
func (b *VirtioBus) AttachBlk(file *os.File, readOnly bool) (*Blk, error) {
	slot := b.allocateSlot()
	dev, err := b.vm.AddDeviceFromTemplate(BlkPCITemplate{
		Host:     b.host,
		Bus:      0,
		Device:   slot,
		Function: 0,
		File:     file,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("virtio-bus: attach blk at slot %d: %w", slot, err)
	}
	blk, ok := dev.(*Blk)
	if !ok {
		return nil, fmt.Errorf("virtio-bus: unexpected device type %T for blk", dev)
	}
	return blk, nil
}

// AttachNet creates a virtio-net device on the next free PCI slot and
// registers it with the virtual machine.
func (b *VirtioBus) AttachNet(mac net.HardwareAddr, backend NetBackend) (*Net, error) {
	slot := b.allocateSlot()
	netdev, err := NewNetPCI(b.vm, b.host, 0, slot, 0, mac, backend)
	if err != nil {
		return nil, fmt.Errorf("virtio-bus: attach net at slot %d: %w", slot, err)
	}
	if err := b.vm.AddDevice(netdev); err != nil {
		return nil, fmt.Errorf("virtio-bus: register net at slot %d: %w", slot, err)
	}
	return netdev, nil
}

// AttachConsole creates a virtio-console device on the next free PCI slot
// and registers it with the virtual machine.
func (b *VirtioBus) AttachConsole(out io.Writer, in io.Reader) (*Console, error) {
	slot := b.allocateSlot()
	dev, err := b.vm.AddDeviceFromTemplate(ConsolePCITemplate{
		Host:     b.host,
		Bus:      0,
		Device:   slot,
		Function: 0,
		Out:      out,
		In:       in,
	})
	if err != nil {
		return nil, fmt.Errorf("virtio-bus: attach console at slot %d: %w", slot, err)
	}
	console, ok := dev.(*Console)
	if !ok {
		return nil, fmt.Errorf("virtio-bus: unexpected device type %T for console", dev)
	}
	return console, nil
}

// AttachRng creates a virtio-rng entropy device on the next free PCI slot
// and registers it with the virtual machine. source may be nil to use the
// host's default entropy source.
func (b *VirtioBus) AttachRng(source io.Reader) (*Rng, error) {
	slot := b.allocateSlot()
	dev, err := b.vm.AddDeviceFromTemplate(RngPCITemplate{
		Host:     b.host,
		Bus:      0,
		Device:   slot,
		Function: 0,
		Source:   source,
	})
	if err != nil {
		return nil, fmt.Errorf("virtio-bus: attach rng at slot %d: %w", slot, err)
	}
	rng, ok := dev.(*Rng)
	if !ok {
		return nil, fmt.Errorf("virtio-bus: unexpected device type %T for rng", dev)
	}
	return rng, nil
}

// AttachP9 creates a virtio-9p device on the next free PCI slot, exporting
// root under the given mount tag, and registers it with the virtual
// machine.
func (b *VirtioBus) AttachP9(tag, root string, readOnly bool) (*P9, error) {
	return b.attachP9(P9PCITemplate{Tag: tag, Root: root, ReadOnly: readOnly})
}

// AttachP9Synthetic creates a virtio-9p device serving an in-memory tree
// instead of a host directory.
func (b *VirtioBus) AttachP9Synthetic(tag string, fs *p9SyntheticFS) (*P9, error) {
	return b.attachP9(P9PCITemplate{Tag: tag, Synthetic: fs})
}

func (b *VirtioBus) attachP9(t P9PCITemplate) (*P9, error) {
	slot := b.allocateSlot()
	t.Host = b.host
	t.Bus = 0
	t.Device = slot
	t.Function = 0
	dev, err := b.vm.AddDeviceFromTemplate(t)
	if err != nil {
		return nil, fmt.Errorf("virtio-bus: attach 9p %q at slot %d: %w", t.Tag, slot, err)
	}
	p9, ok := dev.(*P9)
	if !ok {
		return nil, fmt.Errorf("virtio-bus: unexpected device type %T for 9p", dev)
	}
	return p9, nil
}

// AttachWl creates a virtio-wl device on the next free PCI slot, proxying
// socketPath (a host Wayland compositor's control socket) to the guest,
// and registers it with the virtual machine. shmBase is the guest-physical
// base address of the window reserved for VFD_NEW shared-memory VFDs; it
// must not overlap any other region the machine builder has handed out.
func (b *VirtioBus) AttachWl(socketPath string, shmBase uint64) (*Wl, error) {
	slot := b.allocateSlot()
	dev, err := b.vm.AddDeviceFromTemplate(WlPCITemplate{
		Host:       b.host,
		Bus:        0,
		Device:     slot,
		Function:   0,
		SocketPath: socketPath,
		ShmBase:    shmBase,
	})
	if err != nil {
		return nil, fmt.Errorf("virtio-bus: attach wl at slot %d: %w", slot, err)
	}
	wl, ok := dev.(*Wl)
	if !ok {
		return nil, fmt.Errorf("virtio-bus: unexpected device type %T for wl", dev)
	}
	return wl, nil
}
