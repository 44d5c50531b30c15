package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/subgraph/ph/internal/debug"
	"github.com/subgraph/ph/internal/devices/amd64/pci"
	"github.com/subgraph/ph/internal/hv"
)

const (
	p9QueueCount      = 1
	p9QueueNumMax     = 128
	p9VendorID        = 0x554d4551 // "QEMU"
	p9Version         = 2
	p9DeviceID        = 9
	p9InterruptBit    = 0x1
	p9QueueRequest    = 0
	p9FeatureMountTag = 1 << 0
)

// P9PCITemplate creates a virtio-9p transport backend on the PCI
// transport, exporting either a host directory or a synthetic in-memory
// tree, per spec.md §4.7.
type P9PCITemplate struct {
	Host     *pci.HostBridge
	Bus      uint8
	Device   uint8
	Function uint8

	// Tag is the mount tag the guest passes to `mount -t 9p`.
	Tag string
	// Root is the host directory to export. Ignored when Synthetic is set.
	Root     string
	ReadOnly bool
	// Synthetic, when non-nil, serves an in-memory tree instead of Root.
	Synthetic *p9SyntheticFS
}

// Create implements hv.DeviceTemplate.
func (t P9PCITemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	if t.Host == nil {
		return nil, fmt.Errorf("virtio-9p: PCI template requires a host bridge")
	}
	if t.Tag == "" {
		return nil, fmt.Errorf("virtio-9p: mount tag required")
	}

	var server *p9Server
	var err error
	if t.Synthetic != nil {
		server = newSyntheticP9Server(t.Tag, t.Synthetic)
	} else {
		server, err = newP9Server(t.Tag, t.Root, t.ReadOnly)
		if err != nil {
			return nil, err
		}
	}

	p9 := &P9{server: server, configBytes: p9TagConfigBytes(t.Tag)}
	p9.config = &MMIODeviceConfig{
		DeviceID:     p9DeviceID,
		VendorID:     p9VendorID,
		Version:      p9Version,
		QueueCount:   p9QueueCount,
		QueueMaxSize: p9QueueNumMax,
		FeatureBits:  []uint64{virtioFeatureVersion1 | p9FeatureMountTag},
		DeviceName:   "virtio-9p",
	}
	if err := p9.InitBasePCI(vm, t.Host, t.Bus, t.Device, t.Function, p9DeviceID, p9); err != nil {
		return nil, err
	}
	return p9, nil
}

var _ hv.DeviceTemplate = P9PCITemplate{}

// p9TagConfigBytes builds the device config window: a little-endian u16
// tag length followed by the raw tag bytes, per the virtio-9p
// specification's struct virtio_9p_config.
func p9TagConfigBytes(tag string) []byte {
	cfg := make([]byte, 2+len(tag))
	binary.LittleEndian.PutUint16(cfg[0:2], uint16(len(tag)))
	copy(cfg[2:], tag)
	return cfg
}

// P9 is the virtio-9p transport backend: it frames PDUs off a single
// request queue and hands them to a p9Server for the actual filesystem
// work.
type P9 struct {
	MMIODeviceBase
	server      *p9Server
	configBytes []byte
}

// Init implements hv.MemoryMappedIODevice.
func (d *P9) Init(vm hv.VirtualMachine) error {
	if d.Device() != nil {
		if mmio, ok := d.Device().(*mmioDevice); ok && vm != nil {
			mmio.vm = vm
		}
		return nil
	}
	return d.InitBase(vm, d)
}

func (d *P9) OnReset(device) {
	d.server.fids = make(map[uint32]*p9Fid)
}

func (d *P9) OnQueueNotify(ctx hv.ExitContext, dev device, queue int) error {
	if queue != p9QueueRequest {
		return nil
	}
	q := dev.queue(queue)
	processed, err := ProcessQueueNotifications(dev, q, d.handleChain)
	if err != nil {
		return err
	}
	if ShouldRaiseInterrupt(dev, q, processed) {
		return dev.raiseInterrupt(p9InterruptBit)
	}
	return nil
}

// handleChain reads a PDU header, dispatches it to the server, and
// returns the chain's accumulated write length so ProcessQueueNotifications
// can post the used element — the chain itself is never explicitly
// closed, since its header back-patching already wrote everything the
// guest needs.
func (d *P9) handleChain(dev device, q *queue, head uint16) (uint32, error) {
	chain, err := OpenChain(dev, q, head)
	if err != nil {
		return 0, err
	}
	defer chain.Discard()

	pdu := &p9Pdu{chain: chain}
	pdu.r = p9Reader{chain: chain}
	pdu.w = p9Writer{chain: chain}

	_ = pdu.r.u32() // size, recomputed on reply
	pdu.cmd = pdu.r.u8()
	pdu.tag = pdu.r.u16()
	if pdu.r.err != nil {
		debug.Writef("virtio-9p.dispatch", "header read error: %v", pdu.r.err)
		return chain.wlen, pdu.r.err
	}

	if err := pdu.readDone(); err != nil {
		return chain.wlen, err
	}
	d.server.handle(pdu)
	return chain.wlen, nil
}

func (d *P9) ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, d.configBytes)
}

func (d *P9) WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

var (
	_ hv.MemoryMappedIODevice = (*P9)(nil)
	_ deviceHandler           = (*P9)(nil)
)
