// Package dump implements the streaming, token-ring-ordered dumper that
// drains a hasharray.Array to an output stream in position order, then
// zeroes the array so the table is reusable afterward (spec §4.5, C5).
//
// The token ring itself is grounded in the teacher's WAL writer
// (wal/wal_writer.go): one goroutine per token, each waiting on a shared
// condition variable for its turn before it may write, like wal_writer.go's single
// background loop except fanned out across T cooperating writers instead
// of one.
package dump

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"

	"github.com/flashkmer/kmerdb/hasharray"
	"github.com/flashkmer/kmerdb/mer"
)

// Mode names the two compaction strategies spec §4.5 describes. Dump
// below always runs ModeSortedCompact, the form the on-disk reader and
// merger consume; ModeRaw is exposed separately via RawBlockWriter for
// callers that want to mmap the result instead.
type Mode int

const (
	ModeRaw Mode = iota
	ModeSortedCompact
)

// Option configures a Dump call.
type Option func(*config)

type config struct {
	min, max uint64
	nWriters int
}

// WithFilter restricts the dump to entries whose summed count falls in
// [min, max] (spec §4.5 "Filtering"); entries outside are skipped but
// still zeroed. Default is the full uint64 range (no filtering).
func WithFilter(min, max uint64) Option {
	return func(c *config) { c.min, c.max = min, max }
}

// WithWriters sets the number of cooperating writer threads T (spec §4.5
// "token ring to serialize writes across T threads"). Default 1.
func WithWriters(n int) Option { return func(c *config) { c.nWriters = n } }

// Stats accumulates the per-thread totals the dumper atomically combines
// once every block has been drained (spec §4.5 final paragraph).
type Stats struct {
	Unique, Distinct, Total, MaxCount uint64
}

// Entry is one compacted (key, value) record as handed to the writer
// callback below.
type Entry struct {
	Position uint64 // hash position the entry was found at
	Key      mer.K
	Value    uint64
}

// WriteEntry is called, in position order per block, for every entry a
// Dump pass keeps after filtering. Implementations typically append to a
// kmerdb container writer (see kmerdb.Writer) or to a merge output.
type WriteEntry func(e Entry) error

// Dump drains a into entries via write, using nWriters cooperating
// goroutines each handling one contiguous range of hash positions
// (hasharray.Array.IteratorSlice(t, T)), not an interleaved set of
// blocks, in parallel, then serialized onto
// the token ring for the actual write (spec §4.5). header is invoked by
// whichever goroutine holds the first token, before any entry is written.
// Once every goroutine has finished, the whole array is zeroed.
func Dump(a *hasharray.Array, header func() error, write WriteEntry, opts ...Option) (Stats, error) {
	cfg := config{max: ^uint64(0), nWriters: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.nWriters < 1 {
		cfg.nWriters = 1
	}

	ring := newTokenRing(cfg.nWriters)

	var (
		unique, distinct, total, maxCount atomic.Uint64
		firstErr                          atomic.Pointer[error]
	)
	reportErr := func(err error) {
		if err == nil {
			return
		}
		firstErr.CompareAndSwap(nil, &err)
	}

	var wg sync.WaitGroup
	wg.Add(cfg.nWriters)
	for t := 0; t < cfg.nWriters; t++ {
		t := t
		go func() {
			defer wg.Done()

			var localUnique, localDistinct, localTotal, localMax uint64

			// Walk this thread's contiguous range of positions directly so
			// compaction happens in position order, not insertion order.
			entries, u, d, tot, mx, err := compactBlocks(a, t, cfg.nWriters, cfg.min, cfg.max)
			if err != nil {
				reportErr(err)
				ring.waitTurn(t)
				ring.passTurn(t)
				return
			}
			localUnique, localDistinct, localTotal, localMax = u, d, tot, mx

			ring.waitTurn(t)
			if t == ring.firstToken() && header != nil {
				reportErr(header())
			}
			for _, e := range entries {
				if err := write(e); err != nil {
					reportErr(err)
					break
				}
			}
			ring.passTurn(t)

			unique.Add(localUnique)
			distinct.Add(localDistinct)
			total.Add(localTotal)
			for {
				cur := maxCount.Load()
				if localMax <= cur {
					break
				}
				if maxCount.CompareAndSwap(cur, localMax) {
					break
				}
			}
		}()
	}
	wg.Wait()

	// Zero only after every goroutine has finished iterating: a slice's
	// scan reaches past its own range into its neighbours'.
	for t := 0; t < cfg.nWriters; t++ {
		a.ClearSlice(t, cfg.nWriters)
	}

	if p := firstErr.Load(); p != nil {
		return Stats{}, *p
	}

	return Stats{
		Unique:   unique.Load(),
		Distinct: distinct.Load(),
		Total:    total.Load(),
		MaxCount: maxCount.Load(),
	}, nil
}

// compactBlocks visits this thread's range of positions
// (IteratorSlice(t, nWriters)) and returns the filtered entries in
// position order, plus this thread's local stat contributions. It does
// not zero anything; Dump clears the array after every thread is done.
func compactBlocks(a *hasharray.Array, t, nWriters int, min, max uint64) (entries []Entry, unique, distinct, total, maxCount uint64, err error) {
	for m, val := range a.IteratorSlice(t, nWriters) {
		distinct++
		total += val
		if val > maxCount {
			maxCount = val
		}
		if val == 1 {
			unique++
		}
		if val < min || val > max {
			continue
		}
		entries = append(entries, Entry{Position: a.Position(m), Key: m, Value: val})
	}

	sortByPosition(entries, a.MaxReprobeOffset())
	return entries, unique, distinct, total, maxCount, nil
}

// sortByPosition orders entries by hash position using a small heap
// sized to the array's true max reprobe offset, not a guessed constant
// (spec §4.5 "Sorted compact dump"): since IteratorSlice already walks in
// ascending id order within one slice, an entry can only be out of
// position order by as much as a reprobe could have carried it, so a
// window that size is enough for a bounded-window insertion sort to
// restore full position order without importing a general sort.
func sortByPosition(entries []Entry, window uint64) {
	if window > uint64(len(entries)) {
		window = uint64(len(entries))
	}
	h := &positionHeap{}
	heap.Init(h)
	out := entries[:0]
	for _, e := range entries {
		heap.Push(h, e)
		if uint64(h.Len()) > window {
			out = append(out, heap.Pop(h).(Entry))
		}
	}
	for h.Len() > 0 {
		out = append(out, heap.Pop(h).(Entry))
	}
	copy(entries, out)
}

type positionHeap []Entry

func (h positionHeap) Len() int            { return len(h) }
func (h positionHeap) Less(i, j int) bool  { return h[i].Position < h[j].Position }
func (h positionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *positionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// tokenRing is the round-robin wake-up chain: one mutex and one shared
// condition variable guard the index of the token whose turn it is;
// "pass" = lock, advance the turn to the next token, broadcast, unlock.
type tokenRing struct {
	mu      sync.Mutex
	cond    *sync.Cond
	turn    int
	n       int
}

func newTokenRing(n int) *tokenRing {
	r := &tokenRing{n: n}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *tokenRing) firstToken() int { return 0 }

func (r *tokenRing) waitTurn(t int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.turn != t {
		r.cond.Wait()
	}
}

func (r *tokenRing) passTurn(t int) {
	r.mu.Lock()
	r.turn = (t + 1) % r.n
	r.cond.Broadcast()
	r.mu.Unlock()
}

// RawBlockWriter writes blocks verbatim to w, optionally snappy-compressed
// per block (ModeRaw path; spec §4.5 "Raw block dump").
type RawBlockWriter struct {
	w        *bufio.Writer
	compress bool
}

func NewRawBlockWriter(w io.Writer, compress bool) *RawBlockWriter {
	return &RawBlockWriter{w: bufio.NewWriter(w), compress: compress}
}

// WriteBlock writes one block's raw words, length-prefixed if
// compressed so the reader knows how many compressed bytes to consume.
func (rw *RawBlockWriter) WriteBlock(words []uint64) error {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	if rw.compress {
		compressed := snappy.Encode(nil, buf)
		if err := binary.Write(rw.w, binary.LittleEndian, uint32(len(compressed))); err != nil {
			return err
		}
		_, err := rw.w.Write(compressed)
		return err
	}
	_, err := rw.w.Write(buf)
	return err
}

func (rw *RawBlockWriter) Flush() error { return rw.w.Flush() }
