package reprobe

import "testing"

func TestNewClampsUnderSize(t *testing.T) {
	tab := New(64, 62)
	for i := 0; i <= tab.Limit(); i++ {
		if tab.At(i) >= 64 {
			t.Fatalf("R[%d] = %d, want < 64", i, tab.At(i))
		}
	}
}

func TestAllOffsetsDistinct(t *testing.T) {
	tab := New(1024, 100)
	seen := map[uint64]bool{}
	for i := 0; i <= tab.Limit(); i++ {
		off := tab.At(i)
		if seen[off] {
			t.Fatalf("duplicate offset R[%d] = %d", i, off)
		}
		seen[off] = true
	}
}

func TestBitWidthCoversLimit(t *testing.T) {
	tab := New(64, 7)
	w := tab.BitWidth()
	if max := uint64(1) << uint(w); max <= uint64(tab.Limit()+1) {
		t.Fatalf("BitWidth()=%d cannot represent limit+1=%d", w, tab.Limit()+1)
	}
}
