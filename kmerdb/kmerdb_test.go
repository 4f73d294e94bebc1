package kmerdb

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/hasharray"
	"github.com/flashkmer/kmerdb/mer"
)

func newTestArray(t *testing.T, k, valBits int, size uint64, reprobeLimit int) *hasharray.Array {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	m, inv, err := gf2.RandomizePseudoInverse(2*k, rng)
	if err != nil {
		t.Fatalf("RandomizePseudoInverse: %v", err)
	}
	a, err := hasharray.New(k, valBits, size, reprobeLimit, m, inv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	a := newTestArray(t, 8, 5, 256, 30)

	want := map[string]uint64{}
	rng := rand.New(rand.NewSource(12))
	bases := "ACGT"
	for i := 0; i < 30; i++ {
		buf := make([]byte, 8)
		for j := range buf {
			buf[j] = bases[rng.Intn(4)]
		}
		s := string(buf)
		if _, ok := want[s]; ok {
			continue
		}
		m, err := mer.FromString(s)
		if err != nil {
			t.Fatalf("FromString: %v", err)
		}
		amt := uint64(1 + rng.Intn(20))
		if _, ok := a.Add(m, amt); !ok {
			t.Fatalf("Add(%s) failed", s)
		}
		want[s] = amt
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "out.jf")

	w, err := Create(path, 30)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stats, err := w.DumpArray(a)
	if err != nil {
		t.Fatalf("DumpArray: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stats.Distinct != uint64(len(want)) {
		t.Fatalf("stats.Distinct = %d, want %d", stats.Distinct, len(want))
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Header().Distinct != uint64(len(want)) {
		t.Fatalf("header.Distinct = %d, want %d", r.Header().Distinct, len(want))
	}
	if r.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", r.Len(), len(want))
	}

	for s, amt := range want {
		m, _ := mer.FromString(s)
		val, found := r.Get(m)
		if !found {
			t.Fatalf("Get(%s): not found", s)
		}
		if val != amt {
			t.Fatalf("Get(%s) = %d, want %d", s, val, amt)
		}
	}

	missing, _ := mer.FromString("GGGGGGGG")
	if _, found := r.Get(missing); found {
		t.Fatalf("Get(missing key) reported found")
	}

	seen := map[string]uint64{}
	for m, val := range r.All() {
		seen[m.String()] = val
	}
	if len(seen) != len(want) {
		t.Fatalf("All() yielded %d entries, want %d", len(seen), len(want))
	}
	for s, amt := range want {
		if seen[s] != amt {
			t.Fatalf("All()[%s] = %d, want %d", s, seen[s], amt)
		}
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jf")
	if err := os.WriteFile(path, []byte("not a kmerdb file at all, padded out"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open succeeded on a non-kmerdb file")
	}
}

func TestGetCanonicalFindsReverseComplementEntry(t *testing.T) {
	a := newTestArray(t, 4, 4, 64, 20)

	m, _ := mer.FromString("ACGT")
	canon := m.Canonical()
	if _, ok := a.Add(canon, 7); !ok {
		t.Fatal("Add failed")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "canon.jf")
	w, err := Create(path, 20)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.DumpArray(a); err != nil {
		t.Fatalf("DumpArray: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	rc := m.ReverseComplement()
	val, found := r.GetCanonical(rc)
	if !found || val != 7 {
		t.Fatalf("GetCanonical(rc) = %d,%v want 7,true", val, found)
	}
}

func TestGenericHeaderRoundTrips(t *testing.T) {
	a := newTestArray(t, 4, 4, 64, 20)
	m, _ := mer.FromString("ACGT")
	if _, ok := a.Add(m, 3); !ok {
		t.Fatal("Add failed")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "meta.jf")
	w, err := Create(path, 20, WithGenericHeader(map[string]any{"producer": "kmerdb-test", "version": 1.0}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.DumpArray(a); err != nil {
		t.Fatalf("DumpArray: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open with generic header: %v", err)
	}
	defer r.Close()

	val, found := r.Get(m)
	if !found || val != 3 {
		t.Fatalf("Get(ACGT) = %d,%v want 3,true", val, found)
	}
}
