// Package reprobe implements the deterministic reprobe-offset table R[]
// used by the large hash array to probe successive candidate slots on a
// collision (spec §3 "Reprobe sequence", §4.3).
//
// Ported from the quadratic step sequence in jellyfish's hash.hpp: R[0] is
// always 0 (the base slot itself); each subsequent hop adds the next odd
// step (1, 3, 5, ...), so R[i] = i*i mod size and a short run of
// collisions still spreads out across the table instead of clustering.
package reprobe

import "math/bits"

// Table holds R[0..limit] and the bit width needed to store a reprobe
// index in [0, limit].
type Table struct {
	offsets []uint64
	maxOff  uint64
}

// step returns the i'th step (i >= 1): the odd number 2*i-1, so the
// offsets it sums to are squares, matching jellyfish's default quadratic reprobing
// strategy (odd increments sum to squares, so partial sums of step(i)
// give good coverage modulo a power-of-two table size).
func step(i int) uint64 {
	return uint64(2*i - 1)
}

// New builds a reprobe table with hops 0..limit, clamping limit so that
// every offset stays strictly less than size (spec invariant I7). size
// must be a power of two.
func New(size uint64, requestedLimit int) *Table {
	offsets := make([]uint64, 1, requestedLimit+1)
	offsets[0] = 0

	var cur, maxOff uint64
	for i := 1; i <= requestedLimit; i++ {
		cur = (cur + step(i)) % size
		if cur == 0 {
			// Wrapped back to the base slot; further hops would revisit
			// earlier ground, so stop clamping here.
			break
		}
		offsets = append(offsets, cur)
		if cur > maxOff {
			maxOff = cur
		}
	}
	return &Table{offsets: offsets, maxOff: maxOff}
}

// Limit returns the clamped reprobe limit (len(R) - 1).
func (t *Table) Limit() int { return len(t.offsets) - 1 }

// At returns R[i]. Panics if i is out of [0, Limit()].
func (t *Table) At(i int) uint64 { return t.offsets[i] }

// MaxOffset returns max(R[0..Limit()]), the farthest a reprobed slot can
// land from its base position. Offsets wrap modulo size and are not
// monotonic in hop index (the quadratic step can overshoot and wrap
// before settling), so this is not simply At(Limit()); it is the true
// max over every hop, computed once at construction time.
func (t *Table) MaxOffset() uint64 { return t.maxOff }

// BitWidth returns the number of bits needed to store a claimed reprobe
// index: the stored field holds k+1 for hop k in [0, limit], so the field
// must represent values in [1, limit+1] (the "+1" keeps a claimed slot's
// key field non-zero; see spec §4.3 step 4).
func (t *Table) BitWidth() int {
	return bits.Len(uint(t.Limit() + 1))
}
