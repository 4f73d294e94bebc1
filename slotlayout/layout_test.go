package slotlayout

import "testing"

func TestComputeProducesAtLeastOneSlot(t *testing.T) {
	l := Compute(28, 4, 3)
	if l.SlotsPerBlock == 0 {
		t.Fatal("expected at least one slot per block")
	}
	if l.WordsPerBlock == 0 {
		t.Fatal("expected at least one word per block")
	}
}

func TestAtIsWithinBlock(t *testing.T) {
	l := Compute(28, 4, 3)
	for i := uint64(0); i < uint64(l.SlotsPerBlock)*3; i++ {
		blockWord, desc := l.At(i)
		if desc == nil {
			t.Fatalf("nil descriptor at slot %d", i)
		}
		if blockWord%uint64(l.WordsPerBlock) != 0 {
			t.Fatalf("slot %d: block word offset %d not block-aligned (words/block=%d)", i, blockWord, l.WordsPerBlock)
		}
	}
}

func TestOverflowValBitsReclaimsResidual(t *testing.T) {
	l := Compute(28, 4, 3)
	if l.OverflowValBits < l.ValBits {
		t.Fatalf("overflow value width %d must be >= normal value width %d (spec I4)", l.OverflowValBits, l.ValBits)
	}
}

func TestSmallFieldsFitOneWord(t *testing.T) {
	// With small key/val widths every slot should comfortably fit one
	// word without ever straddling, for the first descriptor at least.
	l := Compute(8, 4, 3)
	d := l.Descriptors[0]
	if d.Normal.Key.Straddles() {
		t.Fatal("first slot's key field should not straddle for small widths")
	}
}
