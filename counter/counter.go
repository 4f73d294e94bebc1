// Package counter wraps a hasharray.Array with the cooperative,
// barrier-synchronized resize protocol that keeps adds lock-free while
// letting the table grow when it fills up (spec §4.4, C4).
package counter

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/hasharray"
	"github.com/flashkmer/kmerdb/mer"
)

// ErrAllocation is returned by a resize round that cannot obtain memory
// for the doubled array.
var ErrAllocation = errors.New("counter: resize allocation failed")

// resizeState names the phases every worker passes through during one
// double-size round (spec §9 Design Notes: "explicit state machine").
type resizeState int

const (
	stateRunning resizeState = iota
	stateResizePending
	stateResizeCopying
	stateResizeSwapping
	stateTerminating
)

// Option configures a Counter at construction.
type Option func(*Counter)

// WithReprobeLimit overrides the reprobe limit used for the array (and
// any array produced by a later resize). Default is 126, matching the
// reference implementation's usual ceiling.
func WithReprobeLimit(limit int) Option {
	return func(c *Counter) { c.reprobeLimit = limit }
}

// WithRand supplies the random source New uses to find the invertible
// hash matrix; resizes reuse that matrix. Defaults to a rand.Rand of the
// Counter's own, seeded with 1.
func WithRand(rng *rand.Rand) Option {
	return func(c *Counter) { c.rng = rng }
}

// Counter is the thread-facing wrapper around the lock-free array: every
// producer thread calls Add (or Set) and Done exactly once, and the
// Counter coordinates table doublings transparently via a barrier shared
// by all registered threads (spec §4.4).
type Counter struct {
	k       int
	valBits int

	reprobeLimit int
	rng          *rand.Rand

	ary atomic.Pointer[hasharray.Array]

	nThreads int
	barrier  *barrier

	mu          sync.Mutex // guards the fields below during a resize round
	doneThreads int
	newAry      *hasharray.Array
	roundTid    atomic.Int64 // next slice index to hand out during copy phase
}

// New builds a Counter over an initial array of initialSize slots (must
// be a power of two), for nThreads cooperating producer/consumer
// threads, each of which must call Done exactly once when it finishes
// producing.
func New(k, valBits int, initialSize uint64, nThreads int, opts ...Option) (*Counter, error) {
	c := &Counter{
		k:            k,
		valBits:      valBits,
		reprobeLimit: 126,
		rng:          rand.New(rand.NewSource(1)),
		nThreads:     nThreads,
	}
	for _, opt := range opts {
		opt(c)
	}

	m, inv, err := gf2.RandomizePseudoInverse(2*k, c.rng)
	if err != nil {
		return nil, err
	}
	a, err := hasharray.New(k, valBits, initialSize, c.reprobeLimit, m, inv)
	if err != nil {
		return nil, err
	}
	c.ary.Store(a)
	c.barrier = newBarrier(nThreads)
	return c, nil
}

// Array returns the currently active backing array. Only safe to inspect
// between resize rounds (i.e. not concurrently with Add/Done from other
// threads racing a resize).
func (c *Counter) Array() *hasharray.Array { return c.ary.Load() }

// Add increments m's counter by v, retrying through as many resize
// rounds as it takes for the table to have room (spec §4.4 "add").
func (c *Counter) Add(m mer.K, v uint64) error {
	for {
		a := c.ary.Load()
		if _, ok := a.Add(m, v); ok {
			return nil
		}
		if err := c.resizeRound(a); err != nil {
			return err
		}
	}
}

// Set behaves like Add but only marks presence (spec §4.3 set).
func (c *Counter) Set(m mer.K) error {
	for {
		a := c.ary.Load()
		if _, ok := a.Set(m); ok {
			return nil
		}
		if err := c.resizeRound(a); err != nil {
			return err
		}
	}
}

// Done is called exactly once by every producer thread when it has no
// more work. It participates in any remaining resize rounds until every
// registered thread has called Done, at which point the counter is
// quiescent.
func (c *Counter) Done() {
	c.mu.Lock()
	c.doneThreads++
	c.mu.Unlock()

	for {
		if err := c.resizeRound(c.ary.Load()); err != nil {
			return
		}
		// The round's serial thread leaves newAry nil once every thread
		// has called Done. No later round can start without this thread,
		// so the value read here is still this round's.
		if c.newAry == nil {
			return
		}
	}
}

// resizeRound drives one double-size round (spec §4.4 steps 1-5). old
// is the array the caller observed as full; every caller that raced into
// the same full array converges on the same round via the barrier.
func (c *Counter) resizeRound(old *hasharray.Array) error {
	// step 1: barrier. The thread the barrier elects "serial" allocates
	// the doubled array (or nil, if every thread has already called Done).
	c.barrier.do(func() {
		c.mu.Lock()
		allDone := c.doneThreads >= c.nThreads
		c.mu.Unlock()

		if allDone {
			c.newAry = nil
			return
		}

		na, err := doubleSize(old, c.reprobeLimit)
		if err != nil {
			c.newAry = nil
			return
		}
		c.newAry = na
		c.roundTid.Store(0)
	})

	// step 2: barrier. Every thread observes the serial thread's result.
	newAry := c.newAry
	c.barrier.wait()

	if newAry == nil {
		// step 5 (early exit): nothing to copy, nothing to swap; caller
		// retries its failed op against the (still current) old array.
		return nil
	}

	// step 3: each thread claims a disjoint slice of the old array and
	// re-inserts every filled entry into newAry. No synchronization is
	// needed across threads here because the slices are disjoint and
	// newAry is not yet visible to Add/Set callers.
	tid := int(c.roundTid.Add(1) - 1)
	if tid < c.nThreads {
		for m, val := range old.IteratorSlice(tid, c.nThreads) {
			if _, ok := newAry.Add(m, val); !ok {
				return ErrAllocation
			}
		}
	}

	// step 4: barrier, then the serial thread swaps old <- new.
	c.barrier.do(func() {
		c.ary.Store(newAry)
	})

	// step 5: barrier, then every thread retries its failed op.
	c.barrier.wait()
	return nil
}

// doubleSize allocates a new array at 2x old's size, reusing old's
// matrix and inverse unchanged. Because C2's matrix is always the full
// c x c square (spec §4.2), rather than just the r x c slice a table of
// the old size happened to use, doubling the table to use r+1 low bits
// as the slot index is already "the same matrix pre-extended by one
// row" (spec §4.4 step 1) -- row r of M was computed when the matrix was
// built and was simply unused while size was smaller.
func doubleSize(old *hasharray.Array, reprobeLimit int) (*hasharray.Array, error) {
	return hasharray.New(old.K(), old.ValBits(), old.Size()*2, reprobeLimit, old.Matrix(), old.InverseMatrix())
}
