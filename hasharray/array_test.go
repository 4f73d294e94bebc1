package hasharray

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/mer"
)

func newTestArray(t *testing.T, k, valBits int, size uint64, reprobeLimit int) *Array {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	m, inv, err := gf2.RandomizePseudoInverse(2*k, rng)
	if err != nil {
		t.Fatalf("RandomizePseudoInverse: %v", err)
	}
	a, err := New(k, valBits, size, reprobeLimit, m, inv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func mustMer(t *testing.T, s string) mer.K {
	t.Helper()
	m, err := mer.FromString(s)
	if err != nil {
		t.Fatalf("FromString(%q): %v", s, err)
	}
	return m
}

func TestAddAndGetRoundTrip(t *testing.T) {
	a := newTestArray(t, 8, 5, 1024, 62)

	mers := []string{"ACGTACGT", "TTTTTTTT", "GGGGCCCC", "AAAACCCC"}
	for _, s := range mers {
		m := mustMer(t, s)
		isNew, ok := a.Add(m, 3)
		if !ok {
			t.Fatalf("Add(%s) failed", s)
		}
		if !isNew {
			t.Fatalf("Add(%s): expected isNew", s)
		}
	}

	for _, s := range mers {
		m := mustMer(t, s)
		val, found := a.GetValForKey(m)
		if !found {
			t.Fatalf("GetValForKey(%s): not found", s)
		}
		if val != 3 {
			t.Fatalf("GetValForKey(%s) = %d, want 3", s, val)
		}
	}

	missing := mustMer(t, "CCCCGGGG")
	if _, found := a.GetValForKey(missing); found {
		t.Fatal("GetValForKey on absent key: found")
	}
}

func TestAddAccumulates(t *testing.T) {
	a := newTestArray(t, 6, 4, 256, 30)
	m := mustMer(t, "ACGTAC")

	isNew, ok := a.Add(m, 1)
	if !ok || !isNew {
		t.Fatalf("first Add: isNew=%v ok=%v", isNew, ok)
	}
	isNew, ok = a.Add(m, 1)
	if !ok {
		t.Fatal("second Add failed")
	}
	if isNew {
		t.Fatal("second Add reported isNew")
	}

	val, found := a.GetValForKey(m)
	if !found || val != 2 {
		t.Fatalf("GetValForKey = %d,%v want 2,true", val, found)
	}
}

func TestOverflowChainCarriesPastFieldWidth(t *testing.T) {
	// valBits=3 means a single slot saturates at 7; push well past that so
	// the counter must spill into at least one overflow link (spec I4).
	a := newTestArray(t, 10, 3, 2048, 62)
	m := mustMer(t, "ACGTACGTAC")

	const total = uint64(500)
	const step = uint64(5)
	for added := uint64(0); added < total; added += step {
		if _, ok := a.Add(m, step); !ok {
			t.Fatalf("Add failed after %d", added)
		}
	}

	val, found := a.GetValForKey(m)
	if !found {
		t.Fatal("GetValForKey: not found")
	}
	if val != total {
		t.Fatalf("GetValForKey = %d, want %d", val, total)
	}
}

func TestSetMarksPresenceOnly(t *testing.T) {
	a := newTestArray(t, 6, 4, 256, 30)
	m := mustMer(t, "GGGCCC")

	isNew, ok := a.Set(m)
	if !ok || !isNew {
		t.Fatalf("Set: isNew=%v ok=%v", isNew, ok)
	}
	val, found := a.GetValForKey(m)
	if !found || val != 0 {
		t.Fatalf("GetValForKey after Set = %d,%v want 0,true", val, found)
	}
}

func TestUpdateAddNoopOnMissingKey(t *testing.T) {
	a := newTestArray(t, 6, 4, 256, 30)
	m := mustMer(t, "TTTTTT")

	isNew, ok := a.UpdateAdd(m, 5)
	if !ok {
		t.Fatal("UpdateAdd on missing key should report ok=true (no-op)")
	}
	if isNew {
		t.Fatal("UpdateAdd on missing key should not report isNew")
	}
	if _, found := a.GetValForKey(m); found {
		t.Fatal("UpdateAdd must not create an entry")
	}
}

func TestUpdateAddOnExistingKey(t *testing.T) {
	a := newTestArray(t, 6, 4, 256, 30)
	m := mustMer(t, "AACCGG")
	if _, ok := a.Add(m, 2); !ok {
		t.Fatal("Add failed")
	}
	isNew, ok := a.UpdateAdd(m, 4)
	if !ok || isNew {
		t.Fatalf("UpdateAdd on existing key: isNew=%v ok=%v", isNew, ok)
	}
	val, found := a.GetValForKey(m)
	if !found || val != 6 {
		t.Fatalf("GetValForKey = %d,%v want 6,true", val, found)
	}
}

func TestIteratorAllVisitsEveryEntryOnce(t *testing.T) {
	a := newTestArray(t, 8, 5, 512, 40)

	want := map[string]uint64{}
	rng := rand.New(rand.NewSource(2))
	bases := "ACGT"
	for i := 0; i < 60; i++ {
		buf := make([]byte, 8)
		for j := range buf {
			buf[j] = bases[rng.Intn(4)]
		}
		s := string(buf)
		if _, already := want[s]; already {
			continue
		}
		m := mustMer(t, s)
		amt := uint64(1 + rng.Intn(20))
		if _, ok := a.Add(m, amt); !ok {
			t.Fatalf("Add(%s) failed", s)
		}
		want[s] = amt
	}

	seen := map[string]uint64{}
	for m, val := range a.IteratorAll() {
		s := m.String()
		if _, dup := seen[s]; dup {
			t.Fatalf("IteratorAll visited %s twice", s)
		}
		seen[s] = val
	}

	if len(seen) != len(want) {
		t.Fatalf("IteratorAll saw %d entries, want %d", len(seen), len(want))
	}
	for s, amt := range want {
		if seen[s] != amt {
			t.Fatalf("entry %s: got %d, want %d", s, seen[s], amt)
		}
	}
}

func TestIteratorSlicePartitionsWithoutOverlapOrGaps(t *testing.T) {
	a := newTestArray(t, 8, 5, 512, 40)

	rng := rand.New(rand.NewSource(3))
	bases := "ACGT"
	added := map[string]bool{}
	for i := 0; i < 80; i++ {
		buf := make([]byte, 8)
		for j := range buf {
			buf[j] = bases[rng.Intn(4)]
		}
		s := string(buf)
		if added[s] {
			continue
		}
		m := mustMer(t, s)
		if _, ok := a.Add(m, 1); !ok {
			t.Fatalf("Add(%s) failed", s)
		}
		added[s] = true
	}

	const slices = 4
	seen := map[string]int{}
	for slice := 0; slice < slices; slice++ {
		for m := range a.IteratorSlice(slice, slices) {
			seen[m.String()]++
		}
	}

	if len(seen) != len(added) {
		t.Fatalf("sliced iteration saw %d distinct keys, want %d", len(seen), len(added))
	}
	for s, n := range seen {
		if n != 1 {
			t.Fatalf("key %s visited %d times across slices, want 1", s, n)
		}
	}
}

func TestConcurrentAddNoLostUpdates(t *testing.T) {
	a := newTestArray(t, 10, 6, 4096, 62)
	m := mustMer(t, "ACGTACGTAC")

	const goroutines = 16
	const perGoroutine = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if _, ok := a.Add(m, 1); !ok {
					t.Errorf("concurrent Add failed")
					return
				}
			}
		}()
	}
	wg.Wait()

	val, found := a.GetValForKey(m)
	if !found {
		t.Fatal("GetValForKey: not found after concurrent adds")
	}
	if want := uint64(goroutines * perGoroutine); val != want {
		t.Fatalf("GetValForKey = %d, want %d", val, want)
	}
}

func TestGetKeyValAtIDRecoversKey(t *testing.T) {
	a := newTestArray(t, 8, 5, 512, 40)
	m := mustMer(t, "ACGTACGT")
	if _, ok := a.Add(m, 9); !ok {
		t.Fatal("Add failed")
	}

	pos, _ := a.hashAndResidual(m)
	for hop := 0; hop <= a.reprobes.Limit(); hop++ {
		q := (pos + a.reprobes.At(hop)) & a.sizeMask
		got, val, state := a.GetKeyValAtID(q)
		if state != StateFilled {
			continue
		}
		if !got.Equal(m) {
			t.Fatalf("GetKeyValAtID(%d) recovered %s, want %s", q, got, m)
		}
		if val != 9 {
			t.Fatalf("GetKeyValAtID(%d) val = %d, want 9", q, val)
		}
		return
	}
	t.Fatal("never found the slot Add claimed")
}

func TestKeyTooWideRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	m, inv, err := gf2.RandomizePseudoInverse(70, rng)
	if err != nil {
		t.Fatalf("RandomizePseudoInverse: %v", err)
	}
	if _, err := New(35, 4, 256, 30, m, inv); err != ErrKeyTooWide {
		t.Fatalf("New with k=35: err = %v, want ErrKeyTooWide", err)
	}
}
