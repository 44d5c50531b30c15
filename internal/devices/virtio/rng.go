package virtio

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/subgraph/ph/internal/debug"
	"github.com/subgraph/ph/internal/devices/amd64/pci"
	"github.com/subgraph/ph/internal/hv"
)

const (
	rngQueueCount   = 1
	rngQueueNumMax  = 256
	rngVendorID     = 0x554d4551 // "QEMU"
	rngVersion      = 2
	rngDeviceID     = 4
	rngInterruptBit = 0x1
	rngQueueRequest = 0

	// rngChunkSize bounds each host read so a single huge writeable span
	// doesn't hold up the queue for an unbounded /dev/urandom read.
	rngChunkSize = 256
)

// rngDeviceConfig is the shared configuration for entropy devices. The
// device exposes no device-specific configuration space.
var rngDeviceConfig = &MMIODeviceConfig{
	DeviceID:   rngDeviceID,
	VendorID:   rngVendorID,
	Version:    rngVersion,
	QueueCount: rngQueueCount,
	QueueMaxSize: rngQueueNumMax,
	FeatureBits: []uint64{virtioFeatureVersion1},
	DeviceName:  "virtio-rng",
}

// RngPCITemplate creates a virtio-rng (entropy) device on the PCI
// transport.
type RngPCITemplate struct {
	Host     *pci.HostBridge
	Bus      uint8
	Device   uint8
	Function uint8

	// Source supplies entropy bytes. When nil, /dev/urandom is opened; if
	// that fails, crypto/rand.Reader is used instead.
	Source io.Reader
}

// Create implements hv.DeviceTemplate.
func (t RngPCITemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	if t.Host == nil {
		return nil, fmt.Errorf("virtio-rng: PCI template requires a host bridge")
	}
	r := &Rng{source: t.Source}
	if r.source == nil {
		r.source = openEntropySource()
	}
	r.config = rngDeviceConfig
	if err := r.InitBasePCI(vm, t.Host, t.Bus, t.Device, t.Function, rngDeviceID, r); err != nil {
		return nil, err
	}
	return r, nil
}

var _ hv.DeviceTemplate = RngPCITemplate{}

// Rng implements a virtio entropy source backed by the host's random
// number generator. It has no device-specific configuration space; any
// available descriptor in its single queue is filled with random bytes as
// soon as it is posted, mirroring how the guest kernel drains
// /dev/hwrng.
type Rng struct {
	MMIODeviceBase
	source io.Reader
}

// Init implements hv.MemoryMappedIODevice.
func (r *Rng) Init(vm hv.VirtualMachine) error {
	if r.Device() != nil {
		if mmio, ok := r.Device().(*mmioDevice); ok && vm != nil {
			mmio.vm = vm
		}
		return nil
	}
	if r.source == nil {
		r.source = openEntropySource()
	}
	return r.InitBase(vm, r)
}

// openEntropySource opens /dev/urandom, matching a real hypervisor's
// virtio-rng backend. If the host doesn't have it, crypto/rand.Reader is
// used so the device still functions under a restricted sandbox.
func openEntropySource() io.Reader {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return rand.Reader
	}
	return f
}

func (r *Rng) OnReset(device) {}

func (r *Rng) OnQueueNotify(ctx hv.ExitContext, dev device, queue int) error {
	if queue != rngQueueRequest {
		return nil
	}
	q := dev.queue(queue)
	processed, err := ProcessQueueNotifications(dev, q, r.fillChain)
	if err != nil {
		return err
	}
	if ShouldRaiseInterrupt(dev, q, processed) {
		return dev.raiseInterrupt(rngInterruptBit)
	}
	return nil
}

func (r *Rng) fillChain(dev device, q *queue, head uint16) (uint32, error) {
	chain, err := OpenChain(dev, q, head)
	if err != nil {
		return 0, err
	}
	defer chain.Discard()

	var total uint32
	for chain.RemainingWrite() > 0 {
		n, err := chain.CopyFromReader(r.source, rngChunkSize)
		if err != nil {
			debug.Writef("virtio-rng.fill", "err=%v", err)
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func (r *Rng) ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, nil)
}

func (r *Rng) WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

var (
	_ hv.MemoryMappedIODevice = (*Rng)(nil)
	_ deviceHandler           = (*Rng)(nil)
)
