package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/subgraph/ph/internal/hv"
)

// fakeVM implements only the hv.VirtualMachine methods GuestRam calls
// (ReadAt/WriteAt); every other method panics via the nil embedded
// interface if exercised, which none of these tests do.
type fakeVM struct {
	hv.VirtualMachine
	mem []byte
}

func (f *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.mem) {
		return 0, errors.New("fakeVM: out of bounds read")
	}
	return copy(p, f.mem[off:]), nil
}

func (f *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.mem) {
		return 0, errors.New("fakeVM: out of bounds write")
	}
	return copy(f.mem[off:], p), nil
}

func TestGuestRamSingleRegion(t *testing.T) {
	vm := &fakeVM{mem: make([]byte, 0x10000)}
	ram, err := NewGuestRam(vm, 0x10000)
	if err != nil {
		t.Fatalf("new guest ram: %v", err)
	}

	if ram.RegionCount() != 1 {
		t.Fatalf("expected a single low region, got %d", ram.RegionCount())
	}
	if !ram.IsValidRange(0, 0x10000) {
		t.Fatalf("expected the whole low region to validate")
	}
	if ram.IsValidRange(0x10000, 1) {
		t.Fatalf("expected one byte past the end to be invalid")
	}
}

func TestGuestRamSplitAcrossPCIHole(t *testing.T) {
	ramSize := PCIMMIOReservedBase + 0x1000
	vm := &fakeVM{mem: make([]byte, ramSize)}
	ram, err := NewGuestRam(vm, ramSize)
	if err != nil {
		t.Fatalf("new guest ram: %v", err)
	}

	if ram.RegionCount() != 2 {
		t.Fatalf("expected ram extending past the PCI hole to split into two regions, got %d", ram.RegionCount())
	}
	if !ram.IsValidRange(PCIMMIOReservedBase-0x10, 0x10) {
		t.Fatalf("expected end of low region to validate")
	}
	if ram.IsValidRange(PCIMMIOReservedBase-0x10, 0x20) {
		t.Fatalf("expected a span straddling the PCI hole to be invalid")
	}
	if !ram.IsValidRange(HimemBase, 0x1000) {
		t.Fatalf("expected high region to validate")
	}
}

func TestGuestRamReadWriteBytes(t *testing.T) {
	vm := &fakeVM{mem: make([]byte, 0x1000)}
	ram, err := NewGuestRam(vm, 0x1000)
	if err != nil {
		t.Fatalf("new guest ram: %v", err)
	}

	payload := []byte("virtio descriptor table")
	if err := ram.WriteBytes(0x100, payload); err != nil {
		t.Fatalf("write bytes: %v", err)
	}

	out, err := ram.Slice(0x100, uint64(len(payload)))
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("read back %q, want %q", out, payload)
	}
}

func TestGuestRamWriteOutOfRangeFails(t *testing.T) {
	vm := &fakeVM{mem: make([]byte, 0x1000)}
	ram, err := NewGuestRam(vm, 0x1000)
	if err != nil {
		t.Fatalf("new guest ram: %v", err)
	}

	err = ram.WriteBytes(0x1000, []byte{1})
	if err == nil {
		t.Fatalf("expected write past end of region to fail")
	}
	if !errors.Is(err, ErrAddress) {
		t.Fatalf("expected ErrAddress, got %v", err)
	}
}

func TestGuestRamUintRoundTrip(t *testing.T) {
	vm := &fakeVM{mem: make([]byte, 0x1000)}
	ram, err := NewGuestRam(vm, 0x1000)
	if err != nil {
		t.Fatalf("new guest ram: %v", err)
	}

	if err := ram.WriteUint32(0x40, 0xdeadbeef); err != nil {
		t.Fatalf("write uint32: %v", err)
	}
	v, err := ram.ReadUint32(0x40)
	if err != nil {
		t.Fatalf("read uint32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("got 0x%x, want 0xdeadbeef", v)
	}

	if err := ram.WriteUint64(0x80, 0x1122334455667788); err != nil {
		t.Fatalf("write uint64: %v", err)
	}
	v64, err := ram.ReadUint64(0x80)
	if err != nil {
		t.Fatalf("read uint64: %v", err)
	}
	if v64 != 0x1122334455667788 {
		t.Fatalf("got 0x%x, want 0x1122334455667788", v64)
	}
}

func TestSortRegionsOrdersByBase(t *testing.T) {
	regions := []AddressRange{
		MustAddressRange(HimemBase, 0x1000),
		MustAddressRange(0, 0x1000),
	}
	sorted := sortRegions(regions)
	if sorted[0].Base() != 0 || sorted[1].Base() != HimemBase {
		t.Fatalf("regions not sorted by base: %v", sorted)
	}
}
