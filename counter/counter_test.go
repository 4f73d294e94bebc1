package counter

import (
	"sync"
	"testing"

	"github.com/flashkmer/kmerdb/mer"
)

func TestConcurrentAddsOfOneKeyPreserveCount(t *testing.T) {
	const nThreads = 4
	c, err := New(8, 4, 16, nThreads, WithReprobeLimit(30))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(nThreads)
	for t0 := 0; t0 < nThreads; t0++ {
		go func() {
			defer wg.Done()
			m, err := mer.FromString("ACGTACGT")
			if err != nil {
				t.Errorf("FromString: %v", err)
				return
			}
			for i := 0; i < 1000; i++ {
				if err := c.Add(m, 1); err != nil {
					t.Errorf("Add: %v", err)
					return
				}
			}
			c.Done()
		}()
	}
	wg.Wait()

	m, _ := mer.FromString("ACGTACGT")
	a := c.Array()
	val, found := a.GetValForKey(m)
	if !found {
		t.Fatal("key not found after concurrent inserts")
	}
	if want := uint64(nThreads * 1000); val != want {
		t.Fatalf("final count = %d, want %d", val, want)
	}

	n := 0
	for range a.IteratorAll() {
		n++
	}
	if n != 1 {
		t.Fatalf("IteratorAll yielded %d entries, want 1", n)
	}
}

func TestManyDistinctKeysForceResize(t *testing.T) {
	const nThreads = 1
	c, err := New(10, 3, 8, nThreads, WithReprobeLimit(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bases := "ACGT"
	want := map[string]bool{}
	for i := 0; i < 200; i++ {
		buf := make([]byte, 10)
		v := i
		for j := range buf {
			buf[j] = bases[v%4]
			v /= 4
		}
		s := string(buf)
		if want[s] {
			continue
		}
		want[s] = true
		m, err := mer.FromString(s)
		if err != nil {
			t.Fatalf("FromString(%s): %v", s, err)
		}
		if err := c.Add(m, 1); err != nil {
			t.Fatalf("Add(%s): %v", s, err)
		}
	}
	c.Done()

	a := c.Array()
	if a.Size() <= 8 {
		t.Fatalf("expected the table to have grown past its initial size 8, got %d", a.Size())
	}

	seen := map[string]bool{}
	for m := range a.IteratorAll() {
		seen[m.String()] = true
	}
	for s := range want {
		if !seen[s] {
			t.Fatalf("key %s missing after resize", s)
		}
	}
}

func TestSetOnlyMarksPresence(t *testing.T) {
	c, err := New(6, 4, 64, 1, WithReprobeLimit(20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m, _ := mer.FromString("ACGTAC")
	if err := c.Set(m); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.Done()

	val, found := c.Array().GetValForKey(m)
	if !found || val != 0 {
		t.Fatalf("GetValForKey = %d,%v want 0,true", val, found)
	}
}
