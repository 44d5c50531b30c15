package memory

import "testing"

func TestAddressRangeContains(t *testing.T) {
	r := MustAddressRange(0x1000, 0x1000)

	if !r.ContainsAddress(0x1000) {
		t.Fatalf("expected range to contain its base address")
	}
	if r.ContainsAddress(0x2000) {
		t.Fatalf("end address is exclusive, should not be contained")
	}
	if !r.Contains(0x1000, 0x1000) {
		t.Fatalf("expected range to contain itself")
	}
	if r.Contains(0x1800, 0x1000) {
		t.Fatalf("span extending past the end should not be contained")
	}
}

func TestAddressRangeOverflowRejected(t *testing.T) {
	_, err := NewAddressRange(^uint64(0)-1, 10)
	if err == nil {
		t.Fatalf("expected overflow to be rejected")
	}
}

func TestAddressRangeZeroSizeRejected(t *testing.T) {
	if _, err := NewAddressRange(0, 0); err == nil {
		t.Fatalf("expected zero-size range to be rejected")
	}
}

func TestAddressRangeSubrange(t *testing.T) {
	r := MustAddressRange(0x1000, 0x2000)

	sub, ok := r.Subrange(0x100, 0x200)
	if !ok {
		t.Fatalf("expected subrange to succeed")
	}
	if sub.Base() != 0x1100 || sub.Size() != 0x200 {
		t.Fatalf("unexpected subrange: %s", sub)
	}

	if _, ok := r.Subrange(0x1f00, 0x200); ok {
		t.Fatalf("expected subrange extending past range end to fail")
	}
}

func TestAddressRangeOffsetOf(t *testing.T) {
	r := MustAddressRange(0x4000, 0x1000)

	off, ok := r.OffsetOf(0x4100)
	if !ok || off != 0x100 {
		t.Fatalf("unexpected offset: %d ok=%v", off, ok)
	}

	if _, ok := r.OffsetOf(0x5000); ok {
		t.Fatalf("expected out-of-range address to fail")
	}
}
