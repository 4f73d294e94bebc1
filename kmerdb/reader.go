package kmerdb

import (
	"bytes"
	"fmt"
	"iter"
	"sort"
	"syscall"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/mer"
)

// Reader is a memory-mapped, read-only view of a kmerdb container.
// Entries are queried by binary search over the compacted (position-
// sorted) body. Each entry stores the mer's packed bits as is, so no
// inverse matrix is applied on read; the hash matrix M only recomputes
// an entry's position (spec §4.6 "Querying the dump directly").
//
// Grounded in the teacher's pack reference slotcache.Cache.Open:
// syscall.Open/Fstat/Mmap directly, no os.File in the hot read path.
type Reader struct {
	fd   int
	data []byte

	header    Header
	matrix    *gf2.Matrix
	inverse   *gf2.Matrix
	bodyStart int64
	entrySize int
	count     int
}

// Open mmaps path and validates its header (spec §7 "Corruption on
// disk": bad magic or a size that isn't a power of two is reported
// immediately, not on first query).
func Open(path string) (*Reader, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("kmerdb: open %s: %w", path, err)
	}

	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("kmerdb: fstat %s: %w", path, err)
	}
	size := int(stat.Size)
	if size <= 0 {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("kmerdb: %s: %w", path, ErrCorrupt)
	}

	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("kmerdb: mmap %s: %w", path, err)
	}

	h, m, inv, bodyStart, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		_ = syscall.Munmap(data)
		_ = syscall.Close(fd)
		return nil, err
	}

	entrySize := compactedEntryBytes(h)
	body := int64(size) - bodyStart
	if h.bodyFormat() == BodyCompacted && (body < 0 || body%int64(entrySize) != 0) {
		_ = syscall.Munmap(data)
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("kmerdb: %s: truncated body: %w", path, ErrCorrupt)
	}
	if h.bodyFormat() == BodyCompacted {
		if got := uint64(crcOf(data[bodyStart:])); got != h.BodyCRC32 {
			_ = syscall.Munmap(data)
			_ = syscall.Close(fd)
			return nil, fmt.Errorf("kmerdb: %s: crc mismatch (got %x want %x): %w", path, got, h.BodyCRC32, ErrCorrupt)
		}
	}

	r := &Reader{
		fd: fd, data: data,
		header: h, matrix: m, inverse: inv,
		bodyStart: bodyStart, entrySize: entrySize,
	}
	if h.bodyFormat() == BodyCompacted {
		r.count = int(body / int64(entrySize))
	}
	return r, nil
}

func (r *Reader) Close() error {
	if err := syscall.Munmap(r.data); err != nil {
		return err
	}
	return syscall.Close(r.fd)
}

// Header returns the container's fixed header.
func (r *Reader) Header() Header { return r.header }

// Matrix and InverseMatrix return the hash matrix this container's
// positions and Get/GetCanonical queries are computed against.
func (r *Reader) Matrix() *gf2.Matrix        { return r.matrix }
func (r *Reader) InverseMatrix() *gf2.Matrix { return r.inverse }

// Len returns the number of compacted entries (0 for a raw-format
// container, which Reader does not index).
func (r *Reader) Len() int { return r.count }

func (r *Reader) entryAt(i int) (keyBits, value uint64) {
	off := r.bodyStart + int64(i)*int64(r.entrySize)
	return decodeEntry(r.header, r.data[off:off+int64(r.entrySize)])
}

func (r *Reader) positionAt(i int) uint64 {
	keyBits, _ := r.entryAt(i)
	return r.matrix.TimesVec(keyBits) & (r.header.SizeBytes - 1)
}

// EntryAt returns the raw key bits and value of the i'th compacted
// entry in on-disk (position) order, for callers like merge that need
// index-addressable access instead of the All iterator.
func (r *Reader) EntryAt(i int) (keyBits, value uint64) { return r.entryAt(i) }

// PositionOfKey computes the hash position for a raw key-bits value
// using this container's matrix, masked down to the low bits the body
// is actually sorted by (hasharray.Array.Position's convention: the
// full M*m product modulo the table size, not the raw product).
func (r *Reader) PositionOfKey(keyBits uint64) uint64 {
	return r.matrix.TimesVec(keyBits) & (r.header.SizeBytes - 1)
}

// Get looks up m's stored value by binary-searching the compacted body
// on hash position, the same key the writer sorted by (spec §4.5
// "Sorted compact dump").
func (r *Reader) Get(m mer.K) (value uint64, found bool) {
	words := m.Words()
	var kv uint64
	if len(words) > 0 {
		kv = words[0]
	}
	target := r.matrix.TimesVec(kv) & (r.header.SizeBytes - 1)

	i := sort.Search(r.count, func(i int) bool { return r.positionAt(i) >= target })
	for ; i < r.count; i++ {
		pos := r.positionAt(i)
		if pos != target {
			break
		}
		keyBits, value := r.entryAt(i)
		if keyBits == kv {
			return value, true
		}
	}
	return 0, false
}

// GetCanonical looks up m under its canonical form (spec §4.1
// "Canonical mode"): it searches only for m.Canonical(), the smaller of
// m and its reverse complement; the other form is not searched.
func (r *Reader) GetCanonical(m mer.K) (value uint64, found bool) {
	return r.Get(m.Canonical())
}

// All iterates every compacted entry in on-disk (position) order.
func (r *Reader) All() iter.Seq2[mer.K, uint64] {
	return func(yield func(mer.K, uint64) bool) {
		for i := 0; i < r.count; i++ {
			keyBits, value := r.entryAt(i)
			m := mer.FromWords(int(r.header.KeyLenBits/2), []uint64{keyBits})
			if !yield(m, value) {
				return
			}
		}
	}
}
