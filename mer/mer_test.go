package mer

import "testing"

func TestFromStringRoundTrip(t *testing.T) {
	tests := []string{"ACGT", "AAAA", "TTTT", "ACGTACGTACGTACGT", "GATTACA"}
	for _, s := range tests {
		m, err := FromString(s)
		if err != nil {
			t.Fatalf("FromString(%q): %v", s, err)
		}
		if got := m.String(); got != s {
			t.Fatalf("String() = %q, want %q", got, s)
		}
	}
}

func TestFromStringInvalidBase(t *testing.T) {
	if _, err := FromString("ACGN"); err == nil {
		t.Fatal("expected error for non-ACGT base")
	}
}

func TestReverseComplement(t *testing.T) {
	m, _ := FromString("ACGT")
	rc := m.ReverseComplement()
	if got := rc.String(); got != "ACGT" {
		t.Fatalf("revcomp(ACGT) = %q, want ACGT (self-complementary)", got)
	}

	m2, _ := FromString("AAAAAAAAAAAAAAAC")
	rc2 := m2.ReverseComplement()
	if got := rc2.String(); got != "GTTTTTTTTTTTTTTT" {
		t.Fatalf("revcomp = %q, want GTTTTTTTTTTTTTTT", got)
	}
	if got := rc2.ReverseComplement().String(); got != m2.String() {
		t.Fatalf("revcomp(revcomp(m)) = %q, want %q", got, m2.String())
	}
}

func TestCanonical(t *testing.T) {
	m, _ := FromString("AAAAAAAAAAAAAAAC")
	rc, _ := FromString("GTTTTTTTTTTTTTTT")

	if !m.Canonical().Equal(rc.Canonical()) {
		t.Fatalf("canonical forms disagree: %s vs %s", m.Canonical(), rc.Canonical())
	}
}

func TestShiftLeftWindow(t *testing.T) {
	m, _ := FromString("ACGT")
	dropped, next := m.ShiftLeft(uint64(Code('A')))
	if dropped != uint64(Code('T')) {
		t.Fatalf("dropped base = %d, want T's code", dropped)
	}
	if got := next.String(); got != "AACG" {
		t.Fatalf("shift left = %q, want AACG", got)
	}
}

func TestShiftRightWindow(t *testing.T) {
	m, _ := FromString("ACGT")
	dropped, next := m.ShiftRight(uint64(Code('A')))
	if dropped != uint64(Code('A')) {
		t.Fatalf("dropped base = %d, want A's code", dropped)
	}
	if got := next.String(); got != "CGTA" {
		t.Fatalf("shift right = %q, want CGTA", got)
	}
}

func TestEqualAndClone(t *testing.T) {
	m, _ := FromString("ACGTACGT")
	c := m.Clone()
	if !m.Equal(c) {
		t.Fatal("clone should equal original")
	}
	_, shifted := c.ShiftLeft(0)
	if m.Equal(shifted) {
		t.Fatal("shifting the clone must not affect the original and must change value")
	}
}

func TestBitRange(t *testing.T) {
	m, _ := FromString("ACGT")
	if got := m.BitRange(0, 8); got != m.Words()[0]&0xff {
		t.Fatalf("BitRange(0,8) = %d, want %d", got, m.Words()[0]&0xff)
	}
}
