// Package prefilter implements the saturating (0/1/2-or-more) bloom
// counter spec.md §1 names as an external collaborator for the CLI's
// --bf flag: a mer only starts claiming a slot in the main hash array
// once it has been observed at least twice elsewhere, so the singleton
// k-mers a sequencer's error rate produces never cost a slot at all.
//
// Grounded in original_source/include/jellyfish/bloom_counter2.hpp's
// "three value" counter (0, 1, or saturate at 2) and count_main.cc's
// filter_bf ("counter_.check(m) > 1" gates whether a mer is counted).
// Built here from two stacked bits-and-blooms/bloom/v3 membership
// filters rather than bloom_counter2's own packed 2-bit-per-slot array,
// since v3 only exposes single-bit membership -- the same library the
// teacher's sst.diskSSTWriter already depends on for its own filter.
package prefilter

import (
	"encoding/binary"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

// Filter tracks, per key, whether it has been observed 0, 1, or 2-or-more
// times. It is not safe for concurrent use; a single priming pass builds
// it before the counting pass reads it.
type Filter struct {
	seenOnce  *bloom.BloomFilter
	seenTwice *bloom.BloomFilter
}

// New allocates a Filter sized for n distinct keys at false-positive rate
// fp, mirroring bloom_counter2's own (n, fp) constructor.
func New(n uint, fp float64) *Filter {
	return &Filter{
		seenOnce:  bloom.NewWithEstimates(n, fp),
		seenTwice: bloom.NewWithEstimates(n, fp),
	}
}

// Observe records one occurrence of keyBits, saturating at "2 or more".
func (f *Filter) Observe(keyBits uint64) {
	key := keyBytes(keyBits)
	switch {
	case f.seenTwice.Test(key):
		return
	case f.seenOnce.Test(key):
		f.seenTwice.Add(key)
	default:
		f.seenOnce.Add(key)
	}
}

// ObserveAll runs Observe over every key keys yields, the priming pass a
// --bf file is built from before the real counting pass begins.
func ObserveAll(f *Filter, keys func(yield func(uint64) bool)) {
	keys(func(k uint64) bool {
		f.Observe(k)
		return true
	})
}

// Check reports whether keyBits has already been observed at least twice
// (count_main.cc's filter_bf: only a 2-or-more mer is allowed through to
// the counting pass).
func (f *Filter) Check(keyBits uint64) bool {
	return f.seenTwice.Test(keyBytes(keyBits))
}

func keyBytes(keyBits uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], keyBits)
	return b[:]
}

// WriteTo serializes both membership filters back to back (hash count,
// bit count, packed bits, repeated twice), the same section shape
// sst.diskSSTWriter's own writeBloomFilter uses for its single filter.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, bf := range [2]*bloom.BloomFilter{f.seenOnce, f.seenTwice} {
		if err := binary.Write(w, binary.LittleEndian, uint32(bf.K())); err != nil {
			return total, errors.Wrap(err, "prefilter: write hash count")
		}
		total += 4
		if err := binary.Write(w, binary.LittleEndian, uint32(bf.Cap())); err != nil {
			return total, errors.Wrap(err, "prefilter: write bit count")
		}
		total += 4
		n, err := bf.WriteTo(w)
		total += n
		if err != nil {
			return total, errors.Wrap(err, "prefilter: write bits")
		}
	}
	return total, nil
}

// ReadFrom reverses WriteTo.
func ReadFrom(r io.Reader) (*Filter, error) {
	f := &Filter{}
	dsts := [2]**bloom.BloomFilter{&f.seenOnce, &f.seenTwice}
	for i, dst := range dsts {
		var k, m uint32
		if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
			return nil, errors.Wrapf(err, "prefilter: read hash count (filter %d)", i)
		}
		if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
			return nil, errors.Wrapf(err, "prefilter: read bit count (filter %d)", i)
		}
		bf := bloom.New(uint(m), uint(k))
		if _, err := bf.ReadFrom(r); err != nil {
			return nil, errors.Wrapf(err, "prefilter: read bits (filter %d)", i)
		}
		*dst = bf
	}
	return f, nil
}
