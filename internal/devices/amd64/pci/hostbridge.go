package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/subgraph/ph/internal/hv"
	"github.com/subgraph/ph/internal/memory"
)

// ConfigSpace is implemented by anything that can serve PCI configuration
// space reads and writes for a single function. offset is relative to the
// start of the 256-byte configuration space; size is 1, 2, or 4.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a PCI function that can be registered on a HostBridge.
// OnBARReprogram is invoked whenever the guest writes a new address into one
// of the function's base address registers, so the endpoint can relocate its
// MMIO regions to match.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// DeviceHandle is returned by RegisterEndpoint and lets the endpoint
// allocate guest-physical address space for its BARs and learn which
// legacy INTx line it has been assigned.
type DeviceHandle struct {
	hb  *HostBridge
	loc pciLocation
	irq uint32
}

// AllocateMemoryBAR reserves a size-byte, align-aligned span of guest
// physical address space for the BAR at index and returns its base address.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size, align uint32) (uint64, error) {
	base, err := h.hb.alloc.AllocateDeviceMemoryAligned(uint64(size), uint64(align))
	if err != nil {
		return 0, fmt.Errorf("pci host bridge: allocate BAR %d for %s: %w", index, h.loc, err)
	}
	return base, nil
}

// LegacyIRQ returns the INTx line assigned to this function.
func (h *DeviceHandle) LegacyIRQ() uint32 {
	return h.irq
}

// HostBridge implements a minimal PCI host bridge that services legacy
// configuration space accesses through ports 0xCF8-0xCFF and hands out
// guest-physical address space for BARs. Devices register themselves as
// Endpoints at a chosen bus/device/function; bus 0, device 0, function 0 is
// reserved for the bridge itself. This is sufficient for Linux to enumerate
// PCI early in boot without ACPI MCFG support.
type HostBridge struct {
	vm      hv.VirtualMachine
	address uint32
	alloc   *memory.SystemAllocator

	endpoints map[pciLocation]Endpoint
	config    map[pciLocation][]byte
	readOnly  map[pciLocation]map[uint32]struct{}

	nextIRQ   uint32
	irqBase   uint32
	irqCount  uint32
	irqByLoc  map[pciLocation]uint32
}

type pciLocation struct {
	bus      uint8
	device   uint8
	function uint8
}

func (l pciLocation) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.bus, l.device, l.function)
}

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc

	// defaultBARWindowBase/Size reserve a 512MiB region of guest physical
	// address space, above typical low-memory guest RAM, for BAR
	// allocation. Grounded on the hypervisor's MMIO hole placement for
	// device memory below the 4GiB boundary.
	defaultBARWindowBase = 0xc0000000
	defaultBARWindowSize = 0x20000000

	// legacyIRQBase/Count mirror the PIIX3-style INTA-INTD rotation: each
	// PCI slot is wired to one of four shared legacy interrupt lines.
	legacyIRQBase  = 10
	legacyIRQCount = 4
)

// NewHostBridge creates a host bridge that allocates BAR address space from
// a default 512MiB window above the typical guest RAM ceiling.
func NewHostBridge() *HostBridge {
	return NewHostBridgeWithAllocator(memory.NewSystemAllocator(
		memory.MustAddressRange(defaultBARWindowBase, defaultBARWindowSize),
	))
}

// NewHostBridgeWithAllocator creates a host bridge that allocates BAR
// address space from the given allocator, letting callers share a single
// device-memory window across the host bridge and other MMIO devices.
func NewHostBridgeWithAllocator(alloc *memory.SystemAllocator) *HostBridge {
	hb := &HostBridge{
		alloc:     alloc,
		endpoints: make(map[pciLocation]Endpoint),
		config:    make(map[pciLocation][]byte),
		readOnly:  make(map[pciLocation]map[uint32]struct{}),
		irqBase:   legacyIRQBase,
		irqCount:  legacyIRQCount,
		irqByLoc:  make(map[pciLocation]uint32),
	}

	// PCI host bridge (bus 0, device 0, function 0)
	host := make([]byte, 256)
	binary.LittleEndian.PutUint16(host[0x00:], 0x8086) // Vendor ID
	binary.LittleEndian.PutUint16(host[0x02:], 0x1237) // Device ID (82441FX)
	host[0x08] = 0x02                                  // Revision
	host[0x09] = 0x00                                  // Prog IF
	host[0x0A] = 0x00                                  // Subclass: host bridge
	host[0x0B] = 0x06                                  // Class: bridge
	host[0x0E] = 0x00                                  // Header type
	hb.addStaticDevice(pciLocation{bus: 0, device: 0, function: 0}, host)
	hb.setReadOnlyRange(pciLocation{bus: 0, device: 0, function: 0}, 0x00, 0x03)
	hb.setReadOnlyRange(pciLocation{bus: 0, device: 0, function: 0}, 0x08, 0x0B)
	hb.setReadOnlyRange(pciLocation{bus: 0, device: 0, function: 0}, 0x0E, 0x0E)

	return hb
}

// RegisterEndpoint attaches a PCI function at bus/device/function and
// assigns it a legacy INTx line. Configuration space reads and writes for
// that location are forwarded to endpoint's ConfigSpace.
func (hb *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	loc := pciLocation{bus: bus, device: device, function: function}
	if _, exists := hb.endpoints[loc]; exists {
		return nil, fmt.Errorf("pci host bridge: %s already registered", loc)
	}
	hb.endpoints[loc] = endpoint

	irq := hb.irqBase + (hb.nextIRQ % hb.irqCount)
	hb.nextIRQ++
	hb.irqByLoc[loc] = irq

	return &DeviceHandle{hb: hb, loc: loc, irq: irq}, nil
}

// Init implements hv.Device.
func (hb *HostBridge) Init(vm hv.VirtualMachine) error {
	if _, ok := vm.(hv.VirtualMachineAmd64); !ok {
		return fmt.Errorf("pci host bridge requires an x86_64 VM")
	}
	hb.vm = vm
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (hb *HostBridge) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			value, err := hb.readConfigByte(uint16(cur - pciConfigDataPort))
			if err != nil {
				return err
			}
			data[i] = value
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (hb *HostBridge) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			if err := hb.writeConfigByte(uint16(cur-pciConfigDataPort), b); err != nil {
				return err
			}
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
	}
	return nil
}

func (hb *HostBridge) readConfigByte(offset uint16) (byte, error) {
	loc, ok := hb.currentLocation()
	if !ok {
		return 0xFF, nil
	}
	reg := (hb.address & 0xFC) + uint32(offset)

	if endpoint, ok := hb.endpoints[loc]; ok {
		dword, err := endpoint.ConfigSpace().ReadConfig(uint16(reg&^0x3), 4)
		if err != nil {
			return 0, fmt.Errorf("pci host bridge: read config for %s: %w", loc, err)
		}
		shift := (reg & 0x3) * 8
		return byte(dword >> shift), nil
	}

	cfg, ok := hb.config[loc]
	if !ok || reg >= uint32(len(cfg)) {
		return 0xFF, nil
	}
	return cfg[reg], nil
}

func (hb *HostBridge) writeConfigByte(offset uint16, value byte) error {
	loc, ok := hb.currentLocation()
	if !ok {
		return nil
	}
	reg := (hb.address & 0xFC) + uint32(offset)

	if endpoint, ok := hb.endpoints[loc]; ok {
		base := reg &^ 0x3
		existing, err := endpoint.ConfigSpace().ReadConfig(uint16(base), 4)
		if err != nil {
			return fmt.Errorf("pci host bridge: read-modify-write config for %s: %w", loc, err)
		}
		shift := (reg & 0x3) * 8
		mask := uint32(0xFF) << shift
		merged := (existing &^ mask) | (uint32(value) << shift)
		if err := endpoint.ConfigSpace().WriteConfig(uint16(base), 4, merged); err != nil {
			return fmt.Errorf("pci host bridge: write config for %s: %w", loc, err)
		}
		return nil
	}

	if hb.isReadOnly(loc, reg) {
		return nil
	}
	cfg, ok := hb.config[loc]
	if !ok || reg >= uint32(len(cfg)) {
		return nil
	}
	cfg[reg] = value
	return nil
}

func (hb *HostBridge) currentLocation() (pciLocation, bool) {
	if hb.address&(1<<31) == 0 {
		return pciLocation{}, false
	}
	loc := pciLocation{
		bus:      uint8((hb.address >> 16) & 0xFF),
		device:   uint8((hb.address >> 11) & 0x1F),
		function: uint8((hb.address >> 8) & 0x7),
	}
	if _, isEndpoint := hb.endpoints[loc]; isEndpoint {
		return loc, true
	}
	if _, isStatic := hb.config[loc]; isStatic {
		return loc, true
	}
	return loc, false
}

func (hb *HostBridge) addStaticDevice(loc pciLocation, cfg []byte) {
	hb.config[loc] = cfg
}

func (hb *HostBridge) setReadOnlyRange(loc pciLocation, start, end uint32) {
	if hb.readOnly[loc] == nil {
		hb.readOnly[loc] = make(map[uint32]struct{})
	}
	for offset := start; offset <= end; offset++ {
		hb.readOnly[loc][offset] = struct{}{}
	}
}

func (hb *HostBridge) isReadOnly(loc pciLocation, offset uint32) bool {
	entries, ok := hb.readOnly[loc]
	if !ok {
		return false
	}
	_, ro := entries[offset]
	return ro
}

var (
	_ hv.Device          = (*HostBridge)(nil)
	_ hv.X86IOPortDevice = (*HostBridge)(nil)
)
