package memory

import (
	"fmt"
	"sync"
)

// SystemAllocator hands out device-MMIO address ranges from a single
// reserved window of guest physical address space, used to place virtio PCI
// BARs and other device-owned MMIO regions without colliding with guest RAM
// or each other.
type SystemAllocator struct {
	deviceMemory *addressAllocator
}

// NewSystemAllocator creates a SystemAllocator that places device memory
// within deviceRange, 4KB-aligned by default.
func NewSystemAllocator(deviceRange AddressRange) *SystemAllocator {
	return &SystemAllocator{
		deviceMemory: newAddressAllocator(deviceRange, 4096),
	}
}

// AllocateDeviceMemory reserves a size-byte span and returns its base
// address, or an error if the range is exhausted or size is 0.
func (s *SystemAllocator) AllocateDeviceMemory(size uint64) (uint64, error) {
	return s.deviceMemory.allocate(size)
}

// AllocateDeviceMemoryAligned reserves a size-byte span aligned to
// alignment (must be a power of two) and returns its base address.
func (s *SystemAllocator) AllocateDeviceMemoryAligned(size, alignment uint64) (uint64, error) {
	return s.deviceMemory.allocateAligned(size, alignment)
}

// FreeDeviceMemory releases a previously allocated span by its base
// address. Reports whether an allocation at that base existed.
func (s *SystemAllocator) FreeDeviceMemory(base uint64) bool {
	return s.deviceMemory.free(base)
}

// addressAllocator is a first-fit bump allocator over a fixed AddressRange,
// tracking live allocations so freed spans can be reused. Grounded on
// allocator.rs's AddressAllocator: a BTreeMap of base->range kept in
// ascending order, walked to find the first gap that fits.
type addressAllocator struct {
	mu                sync.Mutex
	rng               AddressRange
	defaultAlignment  uint64
	allocationsByBase map[uint64]AddressRange
	order             []uint64 // bases, kept sorted ascending
}

func newAddressAllocator(rng AddressRange, defaultAlignment uint64) *addressAllocator {
	return &addressAllocator{
		rng:               rng,
		defaultAlignment:  defaultAlignment,
		allocationsByBase: make(map[uint64]AddressRange),
	}
}

func alignTo(addr, alignment uint64) uint64 {
	if alignment == 0 {
		return addr
	}
	if rem := addr % alignment; rem != 0 {
		return addr + (alignment - rem)
	}
	return addr
}

func (a *addressAllocator) allocate(size uint64) (uint64, error) {
	return a.allocateAligned(size, a.defaultAlignment)
}

func (a *addressAllocator) allocateAligned(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("memory: cannot allocate zero-size device memory")
	}
	if alignment == 0 {
		alignment = a.defaultAlignment
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.firstAvailableBase(size, alignment)
	if !a.rng.Contains(base, size) {
		return 0, fmt.Errorf("memory: device memory range %s exhausted (requested %d bytes)", a.rng, size)
	}

	sub, err := NewAddressRange(base, size)
	if err != nil {
		return 0, err
	}
	a.allocationsByBase[base] = sub
	a.insertSorted(base)

	return base, nil
}

func (a *addressAllocator) free(base uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocationsByBase[base]; !ok {
		return false
	}
	delete(a.allocationsByBase, base)
	for i, b := range a.order {
		if b == base {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

func (a *addressAllocator) insertSorted(base uint64) {
	i := 0
	for ; i < len(a.order); i++ {
		if a.order[i] > base {
			break
		}
	}
	a.order = append(a.order, 0)
	copy(a.order[i+1:], a.order[i:])
	a.order[i] = base
}

// firstAvailableBase returns the lowest alignment-satisfying base address
// that does not overlap any currently tracked allocation.
func (a *addressAllocator) firstAvailableBase(size, alignment uint64) uint64 {
	base := alignTo(a.rng.Base(), alignment)
	for _, existing := range a.order {
		alloc := a.allocationsByBase[existing]
		if alloc.Base() >= base {
			if gap := alloc.Base() - base; gap >= size {
				return base
			}
		}
		if base < alloc.End() {
			base = alignTo(alloc.End(), alignment)
		}
	}
	return base
}
