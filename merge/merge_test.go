package merge

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/hasharray"
	"github.com/flashkmer/kmerdb/kmerdb"
	"github.com/flashkmer/kmerdb/mer"
)

func buildContainer(t *testing.T, dir, name string, m *gf2.Matrix, inv *gf2.Matrix, k, valBits int, size uint64, reprobeLimit int, entries map[string]uint64) string {
	t.Helper()
	a, err := hasharray.New(k, valBits, size, reprobeLimit, m, inv)
	if err != nil {
		t.Fatalf("hasharray.New: %v", err)
	}
	for s, v := range entries {
		mk, err := mer.FromString(s)
		if err != nil {
			t.Fatalf("FromString(%s): %v", s, err)
		}
		if _, ok := a.Add(mk, v); !ok {
			t.Fatalf("Add(%s) failed", s)
		}
	}

	path := filepath.Join(dir, name)
	w, err := kmerdb.Create(path, reprobeLimit)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.DumpArray(a); err != nil {
		t.Fatalf("DumpArray: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestMergeSumsMatchingKeysAcrossInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m, inv, err := gf2.RandomizePseudoInverse(2*6, rng)
	if err != nil {
		t.Fatalf("RandomizePseudoInverse: %v", err)
	}

	dir := t.TempDir()
	p1 := buildContainer(t, dir, "a.jf", m, inv, 6, 5, 64, 20, map[string]uint64{
		"ACGTAC": 3, "TTTTTT": 1,
	})
	p2 := buildContainer(t, dir, "b.jf", m, inv, 6, 5, 64, 20, map[string]uint64{
		"ACGTAC": 4, "AAAAAA": 2,
	})

	r1, err := kmerdb.Open(p1)
	if err != nil {
		t.Fatalf("Open p1: %v", err)
	}
	defer r1.Close()
	r2, err := kmerdb.Open(p2)
	if err != nil {
		t.Fatalf("Open p2: %v", err)
	}
	defer r2.Close()

	got := map[uint64]uint64{}
	err = Merge([]*kmerdb.Reader{r1, r2}, func(e MergedEntry) error {
		got[e.KeyBits] = e.Value
		return nil
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	want := map[string]uint64{"ACGTAC": 7, "TTTTTT": 1, "AAAAAA": 2}
	if len(got) != len(want) {
		t.Fatalf("merged %d distinct keys, want %d", len(got), len(want))
	}
	for s, amt := range want {
		mk, _ := mer.FromString(s)
		if got[mk.Words()[0]] != amt {
			t.Fatalf("merged[%s] = %d, want %d", s, got[mk.Words()[0]], amt)
		}
	}
}

func TestMergeRejectsMismatchedHeaders(t *testing.T) {
	dir := t.TempDir()

	rng1 := rand.New(rand.NewSource(1))
	m1, inv1, _ := gf2.RandomizePseudoInverse(2*6, rng1)
	p1 := buildContainer(t, dir, "a.jf", m1, inv1, 6, 5, 64, 20, map[string]uint64{"ACGTAC": 1})

	rng2 := rand.New(rand.NewSource(2))
	m2, inv2, _ := gf2.RandomizePseudoInverse(2*6, rng2)
	p2 := buildContainer(t, dir, "b.jf", m2, inv2, 6, 5, 64, 20, map[string]uint64{"ACGTAC": 1})

	r1, err := kmerdb.Open(p1)
	if err != nil {
		t.Fatalf("Open p1: %v", err)
	}
	defer r1.Close()
	r2, err := kmerdb.Open(p2)
	if err != nil {
		t.Fatalf("Open p2: %v", err)
	}
	defer r2.Close()

	err = Merge([]*kmerdb.Reader{r1, r2}, func(MergedEntry) error { return nil })
	if err == nil {
		t.Fatal("Merge succeeded despite mismatched matrices")
	}
}

func TestMergeToContainerProducesQueryableOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	m, inv, err := gf2.RandomizePseudoInverse(2*6, rng)
	if err != nil {
		t.Fatalf("RandomizePseudoInverse: %v", err)
	}

	dir := t.TempDir()
	p1 := buildContainer(t, dir, "a.jf", m, inv, 6, 5, 64, 20, map[string]uint64{
		"ACGTAC": 3, "TTTTTT": 1,
	})
	p2 := buildContainer(t, dir, "b.jf", m, inv, 6, 5, 64, 20, map[string]uint64{
		"ACGTAC": 4, "AAAAAA": 2,
	})

	r1, err := kmerdb.Open(p1)
	if err != nil {
		t.Fatalf("Open p1: %v", err)
	}
	defer r1.Close()
	r2, err := kmerdb.Open(p2)
	if err != nil {
		t.Fatalf("Open p2: %v", err)
	}
	defer r2.Close()

	outPath := filepath.Join(dir, "merged.jf")
	if err := MergeToContainer([]*kmerdb.Reader{r1, r2}, outPath); err != nil {
		t.Fatalf("MergeToContainer: %v", err)
	}

	out, err := kmerdb.Open(outPath)
	if err != nil {
		t.Fatalf("Open merged output: %v", err)
	}
	defer out.Close()

	want := map[string]uint64{"ACGTAC": 7, "TTTTTT": 1, "AAAAAA": 2}
	if out.Header().Distinct != uint64(len(want)) {
		t.Fatalf("merged header.Distinct = %d, want %d", out.Header().Distinct, len(want))
	}
	for s, amt := range want {
		mk, _ := mer.FromString(s)
		val, found := out.Get(mk)
		if !found || val != amt {
			t.Fatalf("merged Get(%s) = %d,%v want %d,true", s, val, found, amt)
		}
	}
}
