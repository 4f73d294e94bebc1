// Package gf2 implements a square binary matrix over GF(2) and its
// inverse, used as the invertible hash that lets the large hash array
// store only a key's residual bits (spec §4.2).
package gf2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"math/rand"

	"github.com/bits-and-blooms/bitset"
)

// ErrSingularMatrix is returned by Inverse when the matrix has rank < size.
var ErrSingularMatrix = errors.New("gf2: singular matrix")

// Matrix is a size x size binary matrix. Each row is stored as a bitset
// of length size; column j of row i is bit j of rows[i].
type Matrix struct {
	size int
	rows []*bitset.BitSet
}

// New allocates a zero size x size matrix.
func New(size int) *Matrix {
	rows := make([]*bitset.BitSet, size)
	for i := range rows {
		rows[i] = bitset.New(uint(size))
	}
	return &Matrix{size: size, rows: rows}
}

// Size returns the matrix dimension.
func (m *Matrix) Size() int { return m.size }

// Randomize fills the matrix with random bits from rng.
func (m *Matrix) Randomize(rng *rand.Rand) {
	words := (m.size + 63) / 64
	buf := make([]uint64, words)
	for i := 0; i < m.size; i++ {
		for w := range buf {
			buf[w] = rng.Uint64()
		}
		row := bitset.New(uint(m.size))
		for b := 0; b < m.size; b++ {
			if buf[b/64]&(1<<uint(b%64)) != 0 {
				row.Set(uint(b))
			}
		}
		m.rows[i] = row
	}
}

// Times computes M*v over GF(2): bit i of the result is the parity of
// the bitwise AND of row i with v.
func (m *Matrix) Times(v []uint64) []uint64 {
	out := make([]uint64, (m.size+63)/64)
	for i := 0; i < m.size; i++ {
		parity := 0
		words := m.rows[i].Bytes()
		for w, word := range words {
			var vw uint64
			if w < len(v) {
				vw = v[w]
			}
			parity ^= bits.OnesCount64(word & vw)
		}
		if parity&1 == 1 {
			out[i/64] |= 1 << uint(i%64)
		}
	}
	return out
}

// TimesVec is a convenience wrapper returning only the low 64 result bits,
// used when size <= 64 (the common case for k small enough that 2k and
// log2(table size) both fit a machine word).
func (m *Matrix) TimesVec(v uint64) uint64 {
	r := m.Times([]uint64{v})
	if len(r) == 0 {
		return 0
	}
	return r[0]
}

// set/get helpers operating directly on a row's bits (columns).
func (m *Matrix) get(i, j int) bool { return m.rows[i].Test(uint(j)) }
func (m *Matrix) set(i, j int, v bool) {
	if v {
		m.rows[i].Set(uint(j))
	} else {
		m.rows[i].Clear(uint(j))
	}
}

// Inverse computes the GF(2) inverse via Gauss-Jordan elimination.
// Returns ErrSingularMatrix if the matrix has rank < size.
func (m *Matrix) Inverse() (*Matrix, error) {
	n := m.size
	a := m.cloneRows()
	inv := New(n)
	for i := 0; i < n; i++ {
		inv.set(i, i, true)
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for row := col; row < n; row++ {
			if a[row].Test(uint(col)) {
				pivot = row
				break
			}
		}
		if pivot < 0 {
			return nil, ErrSingularMatrix
		}
		a[col], a[pivot] = a[pivot], a[col]
		inv.rows[col], inv.rows[pivot] = inv.rows[pivot], inv.rows[col]

		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			if a[row].Test(uint(col)) {
				a[row].InPlaceSymmetricDifference(a[col])
				inv.rows[row].InPlaceSymmetricDifference(inv.rows[col])
			}
		}
	}

	return inv, nil
}

func (m *Matrix) cloneRows() []*bitset.BitSet {
	out := make([]*bitset.BitSet, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.Clone()
	}
	return out
}

// RandomizePseudoInverse repeatedly randomizes m until it is invertible,
// returning the inverse. m is left holding the invertible matrix that was
// found.
func RandomizePseudoInverse(size int, rng *rand.Rand) (m, inv *Matrix, err error) {
	m = New(size)
	for attempt := 0; attempt < 10000; attempt++ {
		m.Randomize(rng)
		inv, err = m.Inverse()
		if err == nil {
			return m, inv, nil
		}
	}
	return nil, nil, fmt.Errorf("gf2: failed to find invertible %dx%d matrix after 10000 attempts", size, size)
}

// Serialize writes size (as uint32) then size rows, each as
// ceil(size/64) little-endian uint64 words.
func (m *Matrix) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(m.size)); err != nil {
		return err
	}
	words := (m.size + 63) / 64
	for i := 0; i < m.size; i++ {
		rowWords := m.rows[i].Bytes()
		for wi := 0; wi < words; wi++ {
			var v uint64
			if wi < len(rowWords) {
				v = rowWords[wi]
			}
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Deserialize reads a matrix previously written by Serialize.
func Deserialize(r io.Reader) (*Matrix, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	m := New(int(size))
	words := (int(size) + 63) / 64
	for i := 0; i < int(size); i++ {
		buf := make([]uint64, words)
		for wi := 0; wi < words; wi++ {
			if err := binary.Read(r, binary.LittleEndian, &buf[wi]); err != nil {
				return nil, err
			}
		}
		row := bitset.New(uint(size))
		for b := 0; b < int(size); b++ {
			if buf[b/64]&(1<<uint(b%64)) != 0 {
				row.Set(uint(b))
			}
		}
		m.rows[i] = row
	}
	return m, nil
}
