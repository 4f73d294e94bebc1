// Package mer implements the fixed-length, 2-bit-packed DNA k-mer used
// throughout the counter: encoding, shifting a base in or out of the
// window, reverse complement, and canonical form.
package mer

import (
	"fmt"
	"math/bits"
)

const wordBits = 64

// code maps an ASCII base to its 2-bit code. Case-insensitive; anything
// else is not a base (callers check IsBase first).
var code = [256]int8{}

// base maps a 2-bit code back to its uppercase ASCII base.
var base = [4]byte{'A', 'C', 'G', 'T'}

func init() {
	for i := range code {
		code[i] = -1
	}
	code['a'], code['A'] = 0, 0
	code['c'], code['C'] = 1, 1
	code['g'], code['G'] = 2, 2
	code['t'], code['T'] = 3, 3
}

// IsBase reports whether b is one of A/C/G/T, case-insensitive.
func IsBase(b byte) bool { return code[b] >= 0 }

// Code returns the 2-bit code for a base; -1 if b is not a base.
func Code(b byte) int8 { return code[b] }

// K is a fixed-length 2-bit encoded DNA word. The zero value is the
// all-A mer of length 0; use New to build one of a given length.
type K struct {
	k     int
	words []uint64
}

// New returns the all-A mer of length k.
func New(k int) K {
	if k <= 0 {
		panic("mer: k must be positive")
	}
	return K{k: k, words: make([]uint64, wordCount(k))}
}

func wordCount(k int) int {
	bitsNeeded := 2 * k
	return (bitsNeeded + wordBits - 1) / wordBits
}

// FromString parses a string of k A/C/G/T bases (case-insensitive) into a mer.
func FromString(s string) (K, error) {
	m := New(len(s))
	for i := 0; i < len(s); i++ {
		c := code[s[i]]
		if c < 0 {
			return K{}, fmt.Errorf("mer: invalid base %q at offset %d", s[i], i)
		}
		m.setBase(i, uint64(c))
	}
	return m, nil
}

// K returns the mer length.
func (m K) K() int { return m.k }

// Words returns the raw 2-bit-packed backing words, low word first. The
// caller must not mutate the returned slice.
func (m K) Words() []uint64 { return m.words }

// FromWords reconstructs a mer of length k from raw packed words, as
// produced by Words or by inverting a hash matrix (gf2.Matrix.Times).
func FromWords(k int, words []uint64) K {
	m := New(k)
	copy(m.words, words)
	m.mask()
	return m
}

// mask clears any bits beyond the 2k used bits in the top word.
func (m K) mask() {
	total := 2 * m.k
	top := total % wordBits
	if top == 0 {
		return
	}
	last := len(m.words) - 1
	m.words[last] &= (uint64(1) << uint(top)) - 1
}

func (m K) baseAt(i int) uint64 {
	bitpos := 2 * i
	w := bitpos / wordBits
	off := uint(bitpos % wordBits)
	return (m.words[w] >> off) & 3
}

func (m K) setBase(i int, code uint64) {
	bitpos := 2 * i
	w := bitpos / wordBits
	off := uint(bitpos % wordBits)
	m.words[w] &^= 3 << off
	m.words[w] |= (code & 3) << off
}

// String renders the mer as uppercase A/C/G/T, position 0 first.
func (m K) String() string {
	out := make([]byte, m.k)
	for i := 0; i < m.k; i++ {
		out[i] = base[m.baseAt(i)]
	}
	return string(out)
}

// Equal reports whether two mers encode the same bases over [0, k).
func (m K) Equal(o K) bool {
	if m.k != o.k {
		return false
	}
	for i := range m.words {
		if m.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (m K) Clone() K {
	out := K{k: m.k, words: make([]uint64, len(m.words))}
	copy(out.words, m.words)
	return out
}

// ShiftLeft drops the highest base (position k-1) and shifts in c as the
// new base at position 0. It returns the dropped base's code.
func (m K) ShiftLeft(c uint64) (dropped uint64, next K) {
	out := m.Clone()
	dropped = out.baseAt(out.k - 1)

	for i := out.k - 1; i > 0; i-- {
		out.setBase(i, out.baseAt(i-1))
	}
	out.setBase(0, c)
	out.mask()
	return dropped, out
}

// ShiftRight drops the lowest base (position 0) and shifts in c as the
// new highest base (position k-1). It returns the dropped base's code.
func (m K) ShiftRight(c uint64) (dropped uint64, next K) {
	out := m.Clone()
	dropped = out.baseAt(0)

	for i := 0; i < out.k-1; i++ {
		out.setBase(i, out.baseAt(i+1))
	}
	out.setBase(out.k-1, c)
	out.mask()
	return dropped, out
}

// complementCode returns the 2-bit code of the Watson-Crick complement.
func complementCode(c uint64) uint64 { return c ^ 3 }

// ReverseComplement returns the reverse complement of m.
func (m K) ReverseComplement() K {
	out := New(m.k)
	for i := 0; i < m.k; i++ {
		out.setBase(m.k-1-i, complementCode(m.baseAt(i)))
	}
	return out
}

// Canonical returns the lexicographically smaller of m and its reverse
// complement, comparing base-by-base from position 0.
func (m K) Canonical() K {
	rc := m.ReverseComplement()
	if m.less(rc) {
		return m
	}
	return rc
}

// less compares two same-length mers base by base, position 0 first.
func (m K) less(o K) bool {
	for i := 0; i < m.k; i++ {
		a, b := m.baseAt(i), o.baseAt(i)
		if a != b {
			return a < b
		}
	}
	return false
}

// BitRange reads [lo, hi) bits (0-indexed from the low bit of the packed
// word vector) as a right-aligned value. hi-lo must be <= 64.
func (m K) BitRange(lo, hi int) uint64 {
	if hi-lo > wordBits {
		panic("mer: BitRange width exceeds one word")
	}
	var v uint64
	for b := lo; b < hi; b++ {
		w := b / wordBits
		off := uint(b % wordBits)
		bit := (m.words[w] >> off) & 1
		v |= bit << uint(b-lo)
	}
	return v
}

// PopCount returns the total number of set bits across the packed words.
func (m K) PopCount() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}
