package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/subgraph/ph/internal/hv"
)

// ErrAddress is returned when an operation addresses guest memory outside
// any backing region.
var ErrAddress = errors.New("memory: invalid guest address")

// HimemBase is the guest physical address at which high memory begins when
// RAM extends past the PCI/MMIO hole below 4GB.
const HimemBase uint64 = 1 << 32

// PCIMMIOReservedSize is the size of the low-memory hole reserved for
// PCI/MMIO below HimemBase.
const PCIMMIOReservedSize uint64 = 512 << 20

// PCIMMIOReservedBase is the first guest physical address of the reserved
// PCI/MMIO hole.
const PCIMMIOReservedBase uint64 = HimemBase - PCIMMIOReservedSize

// GuestRam is a typed view over a hv.VirtualMachine's guest-physical memory,
// validating every access against the set of backing regions before issuing
// the underlying ReadAt/WriteAt call.
type GuestRam struct {
	vm      hv.VirtualMachine
	ramSize uint64
	regions []AddressRange
}

// NewGuestRam builds a GuestRam over vm's backing memory, split into
// low/high regions around the PCI/MMIO hole exactly as ram.rs's
// create_regions does: a low region from 0 up to min(ramSize,
// PCIMMIOReservedBase), and if ramSize exceeds that, a high region
// starting at HimemBase holding the remainder.
func NewGuestRam(vm hv.VirtualMachine, ramSize uint64) (*GuestRam, error) {
	if ramSize == 0 {
		return nil, fmt.Errorf("memory: ram size must be greater than 0")
	}

	lowSize := ramSize
	if lowSize > PCIMMIOReservedBase {
		lowSize = PCIMMIOReservedBase
	}

	lowRange, err := NewAddressRange(0, lowSize)
	if err != nil {
		return nil, fmt.Errorf("memory: low ram region: %w", err)
	}
	regions := []AddressRange{lowRange}

	if lowSize < ramSize {
		himemSize := ramSize - lowSize
		highRange, err := NewAddressRange(HimemBase, himemSize)
		if err != nil {
			return nil, fmt.Errorf("memory: high ram region: %w", err)
		}
		regions = append(regions, highRange)
	}

	return &GuestRam{vm: vm, ramSize: ramSize, regions: regions}, nil
}

// RAMSize returns the total guest RAM size in bytes, across all regions.
func (r *GuestRam) RAMSize() uint64 { return r.ramSize }

// RegionCount returns the number of backing regions (1 unless RAM extends
// into high memory above the PCI hole).
func (r *GuestRam) RegionCount() int { return len(r.regions) }

// EndAddr returns the highest guest physical address one past the end of
// any backing region.
func (r *GuestRam) EndAddr() uint64 {
	var end uint64
	for _, region := range r.regions {
		if region.End() > end {
			end = region.End()
		}
	}
	return end
}

// IsValidRange reports whether the size-byte span at guestAddr lies
// entirely within a single backing region.
func (r *GuestRam) IsValidRange(guestAddr uint64, size uint64) bool {
	_, err := r.findRegion(guestAddr, size)
	return err == nil
}

func (r *GuestRam) findRegion(guestAddr uint64, size uint64) (AddressRange, error) {
	for _, region := range r.regions {
		if region.Contains(guestAddr, size) {
			return region, nil
		}
	}
	return AddressRange{}, fmt.Errorf("%w: 0x%x (size %d)", ErrAddress, guestAddr, size)
}

// WriteBytes copies bytes into guest memory starting at guestAddr.
func (r *GuestRam) WriteBytes(guestAddr uint64, bytes []byte) error {
	if len(bytes) == 0 {
		return nil
	}
	if _, err := r.findRegion(guestAddr, uint64(len(bytes))); err != nil {
		return err
	}
	n, err := r.vm.WriteAt(bytes, int64(guestAddr))
	if err != nil {
		return fmt.Errorf("memory: write 0x%x: %w", guestAddr, err)
	}
	if n != len(bytes) {
		return fmt.Errorf("memory: short write at 0x%x: wrote %d of %d bytes", guestAddr, n, len(bytes))
	}
	return nil
}

// ReadBytes fills bytes from guest memory starting at guestAddr.
func (r *GuestRam) ReadBytes(guestAddr uint64, bytes []byte) error {
	if len(bytes) == 0 {
		return nil
	}
	if _, err := r.findRegion(guestAddr, uint64(len(bytes))); err != nil {
		return err
	}
	n, err := r.vm.ReadAt(bytes, int64(guestAddr))
	if err != nil {
		return fmt.Errorf("memory: read 0x%x: %w", guestAddr, err)
	}
	if n != len(bytes) {
		return fmt.Errorf("memory: short read at 0x%x: read %d of %d bytes", guestAddr, n, len(bytes))
	}
	return nil
}

// Slice copies and returns size bytes of guest memory starting at
// guestAddr. Unlike the Rust original's zero-copy slice() (which aliases
// the host mmap directly), this allocates: Go has no safe way to hand out a
// slice aliasing another goroutine-shared mmap without risking a racy
// read/write on a concurrently-running vCPU.
func (r *GuestRam) Slice(guestAddr uint64, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if err := r.ReadBytes(guestAddr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteUint16 writes a little-endian uint16 at guestAddr.
func (r *GuestRam) WriteUint16(guestAddr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return r.WriteBytes(guestAddr, buf[:])
}

// ReadUint16 reads a little-endian uint16 from guestAddr.
func (r *GuestRam) ReadUint16(guestAddr uint64) (uint16, error) {
	var buf [2]byte
	if err := r.ReadBytes(guestAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// WriteUint32 writes a little-endian uint32 at guestAddr.
func (r *GuestRam) WriteUint32(guestAddr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return r.WriteBytes(guestAddr, buf[:])
}

// ReadUint32 reads a little-endian uint32 from guestAddr.
func (r *GuestRam) ReadUint32(guestAddr uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadBytes(guestAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteUint64 writes a little-endian uint64 at guestAddr.
func (r *GuestRam) WriteUint64(guestAddr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return r.WriteBytes(guestAddr, buf[:])
}

// ReadUint64 reads a little-endian uint64 from guestAddr.
func (r *GuestRam) ReadUint64(guestAddr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadBytes(guestAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// sortRegions is used by tests to assert a canonical, base-address-ordered
// view of the region list.
func sortRegions(regions []AddressRange) []AddressRange {
	out := append([]AddressRange(nil), regions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Base() < out[j].Base() })
	return out
}
