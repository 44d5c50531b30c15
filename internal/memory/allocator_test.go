package memory

import "testing"

func TestSystemAllocatorFirstFit(t *testing.T) {
	alloc := NewSystemAllocator(MustAddressRange(0xF0000000, 0x10000000))

	a, err := alloc.AllocateDeviceMemory(0x1000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := alloc.AllocateDeviceMemory(0x1000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct allocations, got the same base 0x%x twice", a)
	}
	if b < a+0x1000 {
		t.Fatalf("second allocation 0x%x overlaps first allocation ending at 0x%x", b, a+0x1000)
	}
}

func TestSystemAllocatorReusesFreedSpace(t *testing.T) {
	alloc := NewSystemAllocator(MustAddressRange(0x1000, 0x2000))

	a, err := alloc.AllocateDeviceMemory(0x1000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !alloc.FreeDeviceMemory(a) {
		t.Fatalf("expected free to report an existing allocation")
	}
	if alloc.FreeDeviceMemory(a) {
		t.Fatalf("expected double-free to report no allocation")
	}

	b, err := alloc.AllocateDeviceMemory(0x1000)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if b != a {
		t.Fatalf("expected freed space to be reused, got base 0x%x want 0x%x", b, a)
	}
}

func TestSystemAllocatorExhaustion(t *testing.T) {
	alloc := NewSystemAllocator(MustAddressRange(0x1000, 0x1000))

	if _, err := alloc.AllocateDeviceMemory(0x1000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := alloc.AllocateDeviceMemory(1); err == nil {
		t.Fatalf("expected allocation beyond the range to fail")
	}
}

func TestSystemAllocatorAlignment(t *testing.T) {
	alloc := NewSystemAllocator(MustAddressRange(0x10, 0x10000))

	base, err := alloc.AllocateDeviceMemoryAligned(0x100, 0x1000)
	if err != nil {
		t.Fatalf("allocate aligned: %v", err)
	}
	if base%0x1000 != 0 {
		t.Fatalf("base 0x%x not aligned to 0x1000", base)
	}
}

func TestSystemAllocatorZeroSizeRejected(t *testing.T) {
	alloc := NewSystemAllocator(MustAddressRange(0, 0x1000))
	if _, err := alloc.AllocateDeviceMemory(0); err == nil {
		t.Fatalf("expected zero-size allocation to fail")
	}
}
