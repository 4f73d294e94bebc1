// Package hasharray implements the bit-packed, lock-free, open-addressed
// hash array at the core of the counter (spec §3, §4.3, C3): an
// invertible hash picks the slot, only the residual key bits are stored,
// and a counter that saturates a slot's value field continues into an
// overflow chain.
//
// This implementation covers mers up to 32 bases (c = 2k <= 64 bits), so
// a mer's packed bits and its hash both fit in a single machine word.
// Extending to wider mers is a mechanical generalization of the same
// claim/increment protocol (one more word to CAS through) and was left
// out to keep the core lock-free path readable; see DESIGN.md.
package hasharray

import (
	"errors"
	"iter"
	"math/bits"
	"sync/atomic"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/internal/reprobe"
	"github.com/flashkmer/kmerdb/mer"
	"github.com/flashkmer/kmerdb/slotlayout"
)

// ErrAllocation is returned when the backing word storage cannot be
// obtained (spec §4.3 "Failure modes").
var ErrAllocation = errors.New("hasharray: allocation failed")

// ErrKeyTooWide is returned by New when 2*k exceeds 64 bits.
var ErrKeyTooWide = errors.New("hasharray: key width exceeds 64 bits (k > 32)")

// State is the result of a position lookup (spec §4.3 get_key_val_at_id).
type State int

const (
	StateEmpty State = iota
	StateFilled
	StateLargeChain
)

// Array is the bit-packed, lock-free, open-addressed hash array.
type Array struct {
	k       int
	keyBits int // c = 2k, width of a mer vector and of the hash
	valBits int

	size     uint64 // table size, power of two
	sizeMask uint64
	r        int // log2(size)

	matrix  *gf2.Matrix
	inverse *gf2.Matrix

	reprobes *reprobe.Table
	layout   *slotlayout.Layout

	words         []atomic.Uint64
	wordsPerBlock uint64

	unique   atomic.Uint64
	distinct atomic.Uint64
	total    atomic.Uint64
	maxCount atomic.Uint64
}

// New allocates an empty array of the given size (must be a power of
// two) for mers of length k with valBits bits of in-slot counter, using
// matrix/inverse as the invertible hash pair (normally produced once via
// gf2.RandomizePseudoInverse and reused, possibly pre-extended, across
// resizes; see counter.Counter).
func New(k, valBits int, size uint64, reprobeLimit int, matrix, inverse *gf2.Matrix) (*Array, error) {
	c := 2 * k
	if c > 64 {
		return nil, ErrKeyTooWide
	}
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.New("hasharray: size must be a power of two")
	}

	r := bits.Len64(size - 1)
	rt := reprobe.New(size, reprobeLimit)
	residualBits := c - r
	keyFieldBits := residualBits + rt.BitWidth()
	layout := slotlayout.Compute(keyFieldBits, valBits, rt.BitWidth())

	blocks := (size + uint64(layout.SlotsPerBlock) - 1) / uint64(layout.SlotsPerBlock)
	nWords := blocks * uint64(layout.WordsPerBlock)

	words := make([]atomic.Uint64, nWords)
	if words == nil {
		return nil, ErrAllocation
	}

	return &Array{
		k:             k,
		keyBits:       c,
		valBits:       valBits,
		size:          size,
		sizeMask:      size - 1,
		r:             r,
		matrix:        matrix,
		inverse:       inverse,
		reprobes:      rt,
		layout:        layout,
		words:         words,
		wordsPerBlock: uint64(layout.WordsPerBlock),
	}, nil
}

// Size returns the number of slots in the table.
func (a *Array) Size() uint64 { return a.size }

// K returns the mer length this array was built for.
func (a *Array) K() int { return a.k }

// ValBits returns the normal-entry value field width in bits.
func (a *Array) ValBits() int { return a.valBits }

// ReprobeLimit returns the maximum reprobe count this array was built
// with (the kmerdb container header's MaxReprobe field comes straight
// from this, so a dumped file round-trips the same collision bound).
func (a *Array) ReprobeLimit() int { return a.reprobes.Limit() }

// MaxReprobeOffset returns the farthest a reprobed slot can land from its
// base position -- the bound IteratorSlice/ClearSlice scan past a
// slice's own boundary, and the window callers like dump's sortByPosition
// need when reordering a nearly-sorted, by-position sequence of entries.
func (a *Array) MaxReprobeOffset() uint64 { return a.reprobes.MaxOffset() }

// Matrix and InverseMatrix are stable accessors for the life of the array.
func (a *Array) Matrix() *gf2.Matrix        { return a.matrix }
func (a *Array) InverseMatrix() *gf2.Matrix { return a.inverse }

// Stats returns the running totals maintained incidentally by Add/Set
// (exact only once the caller has stopped concurrent mutation, as with
// the rest of this type's iteration operations). Add/Set do not track
// unique, so it reads 0 here; dump.Dump counts it while draining.
func (a *Array) Stats() (unique, distinct, total, maxCount uint64) {
	return a.unique.Load(), a.distinct.Load(), a.total.Load(), a.maxCount.Load()
}

func (a *Array) hashAndResidual(m mer.K) (pos uint64, residual uint64) {
	words := m.Words()
	var v uint64
	if len(words) > 0 {
		v = words[0]
	}
	h := a.matrix.TimesVec(v)
	pos = h & a.sizeMask
	residual = h >> uint(a.r)
	return pos, residual
}

// recoverMer reassembles the original mer from a claimed slot's base
// position and residual bits: hash = residual<<r | base, m = M^-1 * hash
// (spec §4.3 "Position recovery for iteration").
func (a *Array) recoverMer(base, residual uint64) mer.K {
	hash := (residual << uint(a.r)) | base
	v := a.inverse.TimesVec(hash)
	return mer.FromWords(a.k, []uint64{v})
}

func loWidth(mask uint64) int { return bits.OnesCount64(mask) }

// readField returns the current value of a (possibly straddling) field.
func readField(words []atomic.Uint64, base uint64, f slotlayout.Field) uint64 {
	w1 := words[base+uint64(f.WordOff)].Load()
	lowShift := bits.TrailingZeros64(orOne(f.Mask1))
	low := (w1 & f.Mask1) >> uint(lowShift)
	if !f.Straddles() {
		return low
	}
	w2 := words[base+uint64(f.WordOff)+1].Load()
	high := (w2 & f.Mask2) >> uint(bits.TrailingZeros64(orOne(f.Mask2)))
	return low | (high << uint(loWidth(f.Mask1)))
}

func orOne(m uint64) uint64 {
	if m == 0 {
		return 1
	}
	return m
}

// casField attempts to transition a (possibly straddling) field from old
// to new. For a straddling field this is the two-step protocol described
// in spec §4.3: the first word is CASed, then the second; if the second
// step loses to a conflicting neighbor, the first word's CAS is rolled
// back and the whole attempt is reported as failed (the caller should
// treat this exactly like an ordinary collision and reprobe).
func casField(words []atomic.Uint64, base uint64, f slotlayout.Field, old, new uint64) bool {
	lowLen := loWidth(f.Mask1)
	lowShift := bits.TrailingZeros64(orOne(f.Mask1))

	oldLow := (old & ((uint64(1) << uint(lowLen)) - 1)) << uint(lowShift)
	newLow := (new & ((uint64(1) << uint(lowLen)) - 1)) << uint(lowShift)

	w1idx := base + uint64(f.WordOff)
	cur1 := words[w1idx].Load()
	want1 := (cur1 &^ f.Mask1) | oldLow
	if cur1 != want1 {
		return false
	}
	set1 := (cur1 &^ f.Mask1) | newLow
	if !words[w1idx].CompareAndSwap(cur1, set1) {
		return false
	}

	if !f.Straddles() {
		return true
	}

	highShift := bits.TrailingZeros64(orOne(f.Mask2))
	oldHigh := (old >> uint(lowLen)) << uint(highShift)
	newHigh := (new >> uint(lowLen)) << uint(highShift)

	w2idx := w1idx + 1
	cur2 := words[w2idx].Load()
	want2 := (cur2 &^ f.Mask2) | oldHigh
	if cur2 != want2 || !words[w2idx].CompareAndSwap(cur2, (cur2&^f.Mask2)|newHigh) {
		// second step lost to a conflicting neighbor: roll back word1.
		words[w1idx].CompareAndSwap(set1, cur1)
		return false
	}
	return true
}

// claimKey attempts to install a normal-entry key field at slot q with
// the given large-bit state. Returns (claimed, alreadyOurs).
func (a *Array) claimKey(q uint64, v slotlayout.Variant, large bool, payload uint64) (claimed, existed bool) {
	base, _ := a.layout.At(q)

	for {
		w1idx := base + uint64(v.LargeBitWord)
		cur1 := a.words[w1idx].Load()
		curLarge := cur1&v.LargeBitMask != 0
		curPayload := readField(a.words, base, v.Key)

		empty := !curLarge && curPayload == 0
		sameKey := curLarge == large && curPayload == payload

		switch {
		case empty:
			if a.tryClaim(base, v, large, payload) {
				return true, false
			}
			// lost the race; re-read and re-decide on the next loop iteration.
		case sameKey:
			return false, true
		default:
			return false, false
		}
	}
}

func (a *Array) tryClaim(base uint64, v slotlayout.Variant, large bool, payload uint64) bool {
	if !casField(a.words, base, v.Key, 0, payload) {
		return false
	}
	if large {
		w1idx := base + uint64(v.LargeBitWord)
		for {
			cur := a.words[w1idx].Load()
			if cur&v.LargeBitMask != 0 {
				break
			}
			if a.words[w1idx].CompareAndSwap(cur, cur|v.LargeBitMask) {
				break
			}
		}
	}
	return true
}

// addToField atomically adds delta to a value field, returning the
// carry (the amount that didn't fit in the field's width).
func addToField(words []atomic.Uint64, base uint64, f slotlayout.Field, width int, delta uint64) (carry uint64) {
	fieldMask := (uint64(1) << uint(width)) - 1
	for {
		cur := readField(words, base, f)
		sum := cur + delta
		stored := sum & fieldMask
		carry = sum >> uint(width)
		if casField(words, base, f, cur, stored) {
			return carry
		}
	}
}

// Add atomically increments the counter for m by increment. It returns
// false only when the table is full (reprobe exhausted, or an overflow
// entry could not be allocated); on false it has rolled back any partial
// effect (spec §4.3 "strong guarantee").
func (a *Array) Add(m mer.K, increment uint64) (isNew bool, ok bool) {
	return a.add(m, increment, true)
}

// Set marks presence only; the value field is left untouched except for
// bookkeeping identical to Add with increment 0 (this module fixes the
// convention that Set never writes the continue-chain bit — see
// DESIGN.md's resolution of spec.md §9's first Open Question).
func (a *Array) Set(m mer.K) (isNew bool, ok bool) {
	return a.add(m, 0, true)
}

// UpdateAdd behaves like Add but is a no-op returning ok=true, isNew=false
// when m is not already present (see DESIGN.md's resolution of spec.md
// §9's third Open Question).
func (a *Array) UpdateAdd(m mer.K, delta uint64) (isNew bool, ok bool) {
	return a.add(m, delta, false)
}

func (a *Array) add(m mer.K, increment uint64, createIfMissing bool) (isNew bool, ok bool) {
	pos, residual := a.hashAndResidual(m)

	for hop := 0; hop <= a.reprobes.Limit(); hop++ {
		q := (pos + a.reprobes.At(hop)) & a.sizeMask
		base, desc := a.layout.At(q)

		payload := (residual << uint(a.reprobes.BitWidth())) | uint64(hop+1)

		var claimed, existed bool
		if createIfMissing {
			claimed, existed = a.claimKey(q, desc.Normal, false, payload)
			if !claimed && !existed {
				continue // collision at this hop, reprobe
			}
		} else {
			curPayload := readField(a.words, base, desc.Normal.Key)
			switch {
			case curPayload == payload:
				existed = true
			case curPayload == 0:
				return false, true // key absent: UpdateAdd on a missing key is a no-op
			default:
				continue // occupied by a different key, reprobe
			}
		}

		if claimed {
			isNew = true
			a.distinct.Add(1)
		}

		carry := addToField(a.words, base, desc.Normal.Val, a.valBits, increment)
		a.total.Add(increment)
		if carry > 0 {
			if !a.addOverflow(q, carry) {
				// roll back the primary increment and report failure.
				fieldMod := uint64(1) << uint(a.valBits)
				addToField(a.words, base, desc.Normal.Val, a.valBits, (fieldMod-(increment%fieldMod))%fieldMod)
				a.total.Add(^(increment - 1))
				return isNew, false
			}
		}
		a.bumpMax(q)
		_ = existed
		return isNew, true
	}

	return false, false
}

// addOverflow places (or extends) an overflow-chain entry carrying
// amount, searching for a free or matching slot starting at basePos
// (spec I5: an overflow entry records, as its key, its own reprobe
// distance from basePos, so the chain can be walked forward without
// scanning the whole table — see findOverflow).
func (a *Array) addOverflow(basePos uint64, amount uint64) bool {
	for hop := 0; hop <= a.reprobes.Limit(); hop++ {
		q := (basePos + a.reprobes.At(hop)) & a.sizeMask
		base, desc := a.layout.At(q)

		payload := uint64(hop + 1)
		claimed, existed := a.claimKey(q, desc.Overflow, true, payload)
		if !claimed && !existed {
			continue
		}

		carry := addToField(a.words, base, desc.Overflow.Val, a.layout.OverflowValBits, amount)
		if carry > 0 {
			return a.addOverflow(q, carry) // next level's base = this link's own slot
		}
		return true
	}
	return false
}

// findOverflow searches, starting at basePos, for the overflow-chain
// link placed there (spec I5). It returns the slot it found, that
// slot's summed-so-far value, and whether one exists at all — absence
// (found=false) means the chain ends at basePos.
func (a *Array) findOverflow(basePos uint64) (slot uint64, val uint64, found bool) {
	for hop := 0; hop <= a.reprobes.Limit(); hop++ {
		q := (basePos + a.reprobes.At(hop)) & a.sizeMask
		base, desc := a.layout.At(q)

		w1 := a.words[base+uint64(desc.Overflow.LargeBitWord)].Load()
		if w1&desc.Overflow.LargeBitMask == 0 {
			if readField(a.words, base, desc.Normal.Key) == 0 {
				return 0, 0, false // a genuinely empty slot: no link here
			}
			continue // a normal entry (such as the chain's own base) holds this hop
		}
		payload := readField(a.words, base, desc.Overflow.Key)
		if payload == uint64(hop+1) {
			return q, readField(a.words, base, desc.Overflow.Val), true
		}
		// occupied, but by an unrelated chain that happened to collide
		// here at this hop; keep probing.
	}
	return 0, 0, false
}

func (a *Array) bumpMax(q uint64) {
	_, val, state := a.getAt(q)
	if state == StateEmpty {
		return
	}
	for {
		cur := a.maxCount.Load()
		if val <= cur {
			return
		}
		if a.maxCount.CompareAndSwap(cur, val) {
			return
		}
	}
}

// GetValForKey performs a point lookup of m's full counter value.
func (a *Array) GetValForKey(m mer.K) (val uint64, found bool) {
	pos, residual := a.hashAndResidual(m)
	for hop := 0; hop <= a.reprobes.Limit(); hop++ {
		q := (pos + a.reprobes.At(hop)) & a.sizeMask
		base, desc := a.layout.At(q)

		w1 := a.words[base+uint64(desc.Normal.LargeBitWord)].Load()
		if w1&desc.Normal.LargeBitMask != 0 {
			continue // occupied by an overflow link, not a normal entry
		}
		curPayload := readField(a.words, base, desc.Normal.Key)
		if curPayload == 0 {
			return 0, false // empty slot reached before a match: absent
		}
		wantPayload := (residual << uint(a.reprobes.BitWidth())) | uint64(hop+1)
		if curPayload != wantPayload {
			continue
		}
		_, val, _ := a.getAt(q)
		return val, true
	}
	return 0, false
}

// getAt reads the (possibly chained) value stored at normal-entry
// position q and walks its overflow chain, summing contributions per
// spec I4: value(p) + sum_k overflow_k(m) * 2^(v + k*lv).
func (a *Array) getAt(q uint64) (key uint64, val uint64, state State) {
	base, desc := a.layout.At(q)
	w1 := a.words[base+uint64(desc.Normal.LargeBitWord)].Load()
	if w1&desc.Normal.LargeBitMask != 0 {
		return 0, 0, StateLargeChain
	}
	payload := readField(a.words, base, desc.Normal.Key)
	if payload == 0 {
		return 0, 0, StateEmpty
	}
	val = readField(a.words, base, desc.Normal.Val)

	total := val
	basePos := q
	level := 0
	for {
		nextSlot, cval, found := a.findOverflow(basePos)
		if !found {
			break
		}
		total += cval << uint(a.valBits+level*a.layout.OverflowValBits)
		level++
		basePos = nextSlot
	}
	return payload, total, StateFilled
}

// GetKeyValAtID walks slot id (its overflow chain, if any) and returns
// its reconstructed key and summed value.
func (a *Array) GetKeyValAtID(id uint64) (m mer.K, val uint64, state State) {
	payload, val, state := a.getAt(id)
	if state != StateFilled {
		return mer.K{}, 0, state
	}
	reprobeBits := a.reprobes.BitWidth()
	hop := int(payload&((uint64(1)<<uint(reprobeBits))-1)) - 1
	residual := payload >> uint(reprobeBits)

	base := (id - a.reprobes.At(hop) + a.size) & a.sizeMask
	return a.recoverMer(base, residual), val, StateFilled
}

// IteratorAll visits every filled normal slot exactly once, in ascending
// slot order (not sorted by hash position: an entry that reprobed past
// the end of the table is visited first), reconstructing each key
// (spec P2).
func (a *Array) IteratorAll() iter.Seq2[mer.K, uint64] {
	return a.IteratorSlice(0, 1)
}

// IteratorSlice visits the n'th of n contiguous, non-overlapping position
// ranges (spec §4.3, §9 "Iterators": the slice includes the overlap
// needed to catch entries that reprobed across its boundary, so the
// union over all n slices equals IteratorAll with no duplicates or gaps,
// because every entry is attributed to the range containing its *base*
// position, not the range containing the slot it finally occupies).
func (a *Array) IteratorSlice(slice, n int) iter.Seq2[mer.K, uint64] {
	span := a.size / uint64(n)
	start := uint64(slice) * span
	end := start + span
	if slice == n-1 {
		end = a.size
	}
	// The overlap must cover the farthest a reprobed slot can land from
	// its base position, not the reprobe hop count: offsets wrap modulo
	// size and grow quadratically, so the hop count badly underestimates
	// the true max displacement once the table has reprobed much.
	overlap := a.reprobes.MaxOffset()

	// An entry is attributed to the range containing its *base* position
	// (hop 0), not the slot it ended up occupying after reprobing. Scan
	// [start, end+overlap) to catch entries whose base is in range but
	// that reprobed past end. When overlap is large enough that
	// end+overlap wraps past a.size (true for any slice once overlap
	// approaches the table size, not just the last one), the part of the
	// window that wrapped lands at low physical ids below start and has
	// to be picked up by an explicit second scan of [0, wrapped); capped
	// at start so it never re-scans ids the first scan already covered.
	scan := func(yield func(mer.K, uint64) bool, lo, hi uint64) bool {
		for q := lo; q < hi; q++ {
			m, val, state := a.GetKeyValAtID(q)
			if state != StateFilled {
				continue
			}
			base, _ := a.hashAndResidual(m)
			if base < start || base >= end {
				continue
			}
			if !yield(m, val) {
				return false
			}
		}
		return true
	}

	return func(yield func(mer.K, uint64) bool) {
		limit := end + overlap
		var wrapped uint64
		if limit > a.size {
			wrapped = limit - a.size
			limit = a.size
		}
		if !scan(yield, start, limit) {
			return
		}
		if wrapped > start {
			wrapped = start
		}
		if wrapped > 0 {
			scan(yield, 0, wrapped)
		}
	}
}

// Position returns the hash position (slot p = M*m mod size) a mer
// would have claimed as its base, regardless of whether it is present.
// Used by the dumper to sort compacted entries by position (spec §4.5).
func (a *Array) Position(m mer.K) uint64 {
	pos, _ := a.hashAndResidual(m)
	return pos
}

// ClearSlice zeroes the words belonging to the n'th of n contiguous
// position ranges, including the same reprobe overlap IteratorSlice
// scans, so a sequence of ClearSlice(t, n) for t in [0, n) zeroes every
// word IteratorAll could have reported and leaves the array empty once
// all slices are cleared (spec §4.5 "zeros memory as it goes").
func (a *Array) ClearSlice(slice, n int) {
	span := a.size / uint64(n)
	start := uint64(slice) * span
	end := start + span
	if slice == n-1 {
		end = a.size
	}
	overlap := a.reprobes.MaxOffset()

	limit := end + overlap
	var wrapped uint64
	if limit > a.size {
		wrapped = limit - a.size
		limit = a.size
	}
	a.zeroRange(start, limit)
	if wrapped > start {
		wrapped = start
	}
	if wrapped > 0 {
		a.zeroRange(0, wrapped)
	}
}

// zeroRange zeroes the normal-entry and any chained overflow words for
// every slot id in [lo, hi).
func (a *Array) zeroRange(lo, hi uint64) {
	for q := lo; q < hi; q++ {
		base, desc := a.layout.At(q)
		a.words[base+uint64(desc.Normal.LargeBitWord)].Store(0)
		a.words[base+uint64(desc.Normal.Key.WordOff)].Store(0)
		if desc.Normal.Key.Straddles() {
			a.words[base+uint64(desc.Normal.Key.WordOff)+1].Store(0)
		}
		a.words[base+uint64(desc.Normal.Val.WordOff)].Store(0)
		if desc.Normal.Val.Straddles() {
			a.words[base+uint64(desc.Normal.Val.WordOff)+1].Store(0)
		}
	}
}

// Clear zeroes every word, resetting the array to empty.
func (a *Array) Clear() {
	for i := range a.words {
		a.words[i].Store(0)
	}
	a.unique.Store(0)
	a.distinct.Store(0)
	a.total.Store(0)
	a.maxCount.Store(0)
}
