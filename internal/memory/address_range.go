// Package memory implements the guest physical address space: address-range
// arithmetic, the guest RAM abstraction backed by a hv.VirtualMachine, and a
// device-MMIO address allocator.
package memory

import "fmt"

// AddressRange is a half-open interval [Base, Base+Size) of guest physical
// addresses.
type AddressRange struct {
	base uint64
	end  uint64 // exclusive
}

// NewAddressRange constructs an AddressRange, or an error if base+size
// overflows a uint64 or size is zero.
func NewAddressRange(base uint64, size uint64) (AddressRange, error) {
	if size == 0 {
		return AddressRange{}, fmt.Errorf("memory: address range size cannot be 0")
	}
	end := base + size
	if end < base {
		return AddressRange{}, fmt.Errorf("memory: address range overflows base=0x%x size=%d", base, size)
	}
	return AddressRange{base: base, end: end}, nil
}

// MustAddressRange is NewAddressRange but panics on error, for use with
// compile-time-known constants.
func MustAddressRange(base, size uint64) AddressRange {
	r, err := NewAddressRange(base, size)
	if err != nil {
		panic(err)
	}
	return r
}

func (r AddressRange) Base() uint64 { return r.base }
func (r AddressRange) End() uint64  { return r.end }
func (r AddressRange) Size() uint64 { return r.end - r.base }

func (r AddressRange) String() string {
	return fmt.Sprintf("AddressRange(0x%x-0x%x) [size: %d]", r.base, r.end-1, r.Size())
}

// ContainsAddress reports whether addr falls within the range.
func (r AddressRange) ContainsAddress(addr uint64) bool {
	return addr >= r.base && addr < r.end
}

// Contains reports whether the size-byte span starting at addr lies
// entirely within the range.
func (r AddressRange) Contains(addr uint64, size uint64) bool {
	if size == 0 {
		return false
	}
	end, overflow := addAddr(addr, size)
	if overflow {
		return false
	}
	return r.ContainsAddress(addr) && r.ContainsAddress(end-1)
}

// OffsetOf returns the offset of addr within the range, and false if addr is
// not contained in it.
func (r AddressRange) OffsetOf(addr uint64) (uint64, bool) {
	if !r.ContainsAddress(addr) {
		return 0, false
	}
	return addr - r.base, true
}

// Subrange returns the AddressRange of the size-byte span at offset within
// this range, and false if it would extend past the range.
func (r AddressRange) Subrange(offset uint64, size uint64) (AddressRange, bool) {
	addr, overflow := addAddr(r.base, offset)
	if overflow || !r.ContainsAddress(addr) || !r.Contains(addr, size) {
		return AddressRange{}, false
	}
	sub, err := NewAddressRange(addr, size)
	if err != nil {
		return AddressRange{}, false
	}
	return sub, true
}

func addAddr(a, b uint64) (sum uint64, overflow bool) {
	sum = a + b
	return sum, sum < a
}
