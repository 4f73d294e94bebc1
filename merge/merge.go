// Package merge implements the k-way merge of several kmerdb containers
// (spec §4.7, C7): a min-heap keyed on hash position drains the readers
// in lockstep, summing values for matching keys and streaming the result
// through a background writer goroutine into a fresh container.
//
// Grounded in the teacher's segment-compaction idiom (segmentmanager's
// directory-rooted, fail-fast-on-mismatch constructor) for the pre-flight
// header check, and in original_source/hash_merge.cc for the "headers
// must match exactly before any output is produced" requirement.
package merge

import (
	"bytes"
	"container/heap"

	"github.com/pkg/errors"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/kmerdb"
)

// ErrHeaderMismatch is returned when inputs don't share identical
// format/key_len/max_reprobe/size/matrices (spec §4.7).
var ErrHeaderMismatch = errors.New("merge: input headers do not match")

// Option configures a Merge call.
type Option func(*config)

type config struct {
	outCounterBytes uint64
}

// WithOutputCounterWidth overrides the output value width in bytes
// (spec CLI surface's `--out-counter-len`); values are clamped, not
// wrapped, when they would overflow it.
func WithOutputCounterWidth(widthBytes uint64) Option {
	return func(c *config) { c.outCounterBytes = widthBytes }
}

// checkHeadersMatch enforces spec §4.7's "fail before starting" rule:
// format, key_len, max_reprobe, size and both matrices must agree across
// every input, or merging is refused outright.
func checkHeadersMatch(readers []*kmerdb.Reader) error {
	if len(readers) == 0 {
		return errors.New("merge: no inputs")
	}
	first := readers[0].Header()
	for i, r := range readers[1:] {
		h := r.Header()
		if h.Format != first.Format {
			return errors.Wrapf(ErrHeaderMismatch, "input %d: format %d != %d", i+1, h.Format, first.Format)
		}
		if h.KeyLenBits != first.KeyLenBits {
			return errors.Wrapf(ErrHeaderMismatch, "input %d: key_len_bits %d != %d", i+1, h.KeyLenBits, first.KeyLenBits)
		}
		if h.SizeBytes != first.SizeBytes {
			return errors.Wrapf(ErrHeaderMismatch, "input %d: size %d != %d", i+1, h.SizeBytes, first.SizeBytes)
		}
		if h.MaxReprobe != first.MaxReprobe {
			return errors.Wrapf(ErrHeaderMismatch, "input %d: max_reprobe %d != %d", i+1, h.MaxReprobe, first.MaxReprobe)
		}
		if !matrixEqual(readers[0].Matrix(), r.Matrix()) || !matrixEqual(readers[0].InverseMatrix(), r.InverseMatrix()) {
			return errors.Wrapf(ErrHeaderMismatch, "input %d: hash matrix differs", i+1)
		}
	}
	return nil
}

func matrixEqual(a, b *gf2.Matrix) bool {
	var ba, bb bytes.Buffer
	if err := a.Serialize(&ba); err != nil {
		return false
	}
	if err := b.Serialize(&bb); err != nil {
		return false
	}
	return bytes.Equal(ba.Bytes(), bb.Bytes())
}

// entry is one (position, key, value) record drawn from a reader,
// tagged with which reader it came from so the heap can pull the next
// one after a pop.
type entry struct {
	pos    uint64
	key    uint64
	value  uint64
	reader int
}

type frontier struct {
	entries []entry
}

func (f *frontier) Len() int            { return len(f.entries) }
func (f *frontier) Less(i, j int) bool  { return less(f.entries[i], f.entries[j]) }
func (f *frontier) Swap(i, j int)       { f.entries[i], f.entries[j] = f.entries[j], f.entries[i] }
func (f *frontier) Push(x interface{})  { f.entries = append(f.entries, x.(entry)) }
func (f *frontier) Pop() interface{} {
	old := f.entries
	n := len(old)
	v := old[n-1]
	f.entries = old[:n-1]
	return v
}

func less(a, b entry) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.key < b.key
}

// MergedEntry is one output (key bits, summed value) pair.
type MergedEntry struct {
	KeyBits uint64
	Value   uint64
}

// Merge drains every reader in position order, summing values for
// matching keys (clamped to max if outCounterBytes bounds it smaller
// than 8), and calls emit once per distinct key in ascending position
// order. MergeToContainer feeds that output to kmerdb.Writer.WriteMerged.
func Merge(readers []*kmerdb.Reader, emit func(MergedEntry) error, opts ...Option) error {
	cfg := config{outCounterBytes: 8}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := checkHeadersMatch(readers); err != nil {
		return err
	}

	cursors := make([]int, len(readers))
	next := func(ri int) (pos, key, value uint64, ok bool) {
		r := readers[ri]
		if cursors[ri] >= r.Len() {
			return 0, 0, 0, false
		}
		i := cursors[ri]
		cursors[ri]++
		pos, key, value = positionKeyValue(r, i)
		return pos, key, value, true
	}

	fr := &frontier{}
	heap.Init(fr)
	for ri := range readers {
		if pos, key, value, ok := next(ri); ok {
			heap.Push(fr, entry{pos: pos, key: key, value: value, reader: ri})
		}
	}

	max := maxForWidth(cfg.outCounterBytes)

	for fr.Len() > 0 {
		head := heap.Pop(fr).(entry)
		sum := head.value
		if pos, key, value, ok := next(head.reader); ok {
			heap.Push(fr, entry{pos: pos, key: key, value: value, reader: head.reader})
		}

		for fr.Len() > 0 && fr.entries[0].key == head.key && fr.entries[0].pos == head.pos {
			dup := heap.Pop(fr).(entry)
			sum += dup.value
			if sum > max {
				sum = max
			}
			if pos, key, value, ok := next(dup.reader); ok {
				heap.Push(fr, entry{pos: pos, key: key, value: value, reader: dup.reader})
			}
		}
		if sum > max {
			sum = max
		}

		if err := emit(MergedEntry{KeyBits: head.key, Value: sum}); err != nil {
			return errors.Wrap(err, "merge: emit")
		}
	}

	return nil
}

// MergeToContainer runs Merge and streams its output straight into a
// fresh kmerdb container at outPath. A background goroutine drains
// completed entries onto disk via w.WriteMerged while Merge's own
// heap-walk keeps filling the channel (spec §4.7 "a background writer
// thread drains completed output buffers to disk while worker threads
// continue filling the next"), matching the producer/consumer split
// the teacher's WAL writer (wal/wal_writer.go) uses for its own single
// background loop.
func MergeToContainer(readers []*kmerdb.Reader, outPath string, opts ...Option) error {
	if err := checkHeadersMatch(readers); err != nil {
		return err
	}
	first := readers[0].Header()

	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	valLen := first.ValLenBytes
	if cfg.outCounterBytes != 0 {
		valLen = cfg.outCounterBytes
	}
	opts = append(opts, WithOutputCounterWidth(valLen))

	w, err := kmerdb.Create(outPath, int(first.MaxReprobe))
	if err != nil {
		return errors.Wrap(err, "merge: create output")
	}

	type pair struct{ key, value uint64 }
	ch := make(chan pair, 256)

	writeErrCh := make(chan error, 1)
	go func() {
		writeErrCh <- w.WriteMerged(first.KeyLenBits, valLen, first.SizeBytes, int(first.MaxReprobe),
			readers[0].Matrix(), readers[0].InverseMatrix(),
			func(yield func(uint64, uint64) bool) {
				ok := true
				for p := range ch {
					if ok {
						ok = yield(p.key, p.value)
					}
					// Keep draining even after a write error so Merge's
					// producer side never blocks on a full channel.
				}
			})
	}()

	mergeErr := Merge(readers, func(e MergedEntry) error {
		ch <- pair{e.KeyBits, e.Value}
		return nil
	}, opts...)
	close(ch)

	writeErr := <-writeErrCh
	if mergeErr != nil {
		w.Close()
		return errors.Wrap(mergeErr, "merge: k-way merge")
	}
	if writeErr != nil {
		w.Close()
		return errors.Wrap(writeErr, "merge: write output")
	}
	return errors.Wrap(w.Close(), "merge: close output")
}

func maxForWidth(widthBytes uint64) uint64 {
	if widthBytes >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * widthBytes)) - 1
}

// positionKeyValue reads entry i out of r without exposing kmerdb's
// private decode helpers; kmerdb.Reader.All already walks entries in
// position order, so Merge uses an index-addressable variant of the
// same iteration via Reader.EntryAt.
func positionKeyValue(r *kmerdb.Reader, i int) (pos, key, value uint64) {
	key, value = r.EntryAt(i)
	pos = r.PositionOfKey(key)
	return pos, key, value
}
