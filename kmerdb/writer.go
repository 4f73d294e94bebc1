package kmerdb

import (
	"bufio"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/flashkmer/kmerdb/dump"
	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/hasharray"
	"github.com/flashkmer/kmerdb/mer"
)

// Writer assembles a kmerdb container file: a header, then a compacted
// entry list written in dump order. The header's stat fields are
// unknown until the body is fully written, so Close seeks back and
// rewrites them before the file is copied into place (spec §4.6).
//
// Grounded in the teacher's diskSSTWriter (sst/writer.go): write the
// body first, then patch in the fields that depended on it.
type Writer struct {
	path string
	tmp  *os.File
	buf  *bufio.Writer

	maxReprobe      int
	meta            map[string]any
	outCounterBytes uint64 // 0 means "derive from the array's ValBits"

	header  Header
	matrix  *gf2.Matrix
	inverse *gf2.Matrix

	crc  hash.Hash32
	body io.Writer // io.MultiWriter(buf, crc), set up once the header is written
}

// Option configures a Writer created by Create.
type Option func(*Writer)

// WithGenericHeader attaches a small JSON-ish metadata blob ahead of the
// binary header (spec §9 Design Notes' "generic generic header"); old
// readers that only know the binary magic skip straight past it.
func WithGenericHeader(meta map[string]any) Option {
	return func(w *Writer) { w.meta = meta }
}

// WithOutputCounterWidth overrides the on-disk value width in bytes
// (CLI `--out-counter-len`), clamping rather than truncating any value
// that would not fit, the same convention merge.WithOutputCounterWidth
// uses.
func WithOutputCounterWidth(widthBytes uint64) Option {
	return func(w *Writer) { w.outCounterBytes = widthBytes }
}

func maxForWidth(widthBytes uint64) uint64 {
	if widthBytes == 0 || widthBytes >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * widthBytes)) - 1
}

// Create opens a scratch file alongside path for writing. Close copies
// its contents to path atomically via github.com/natefinch/atomic (which
// writes a temp file and renames it over path), then removes the
// scratch file, matching
// the teacher's convention of never leaving a half-written file at its
// final name.
func Create(path string, maxReprobe int, opts ...Option) (*Writer, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kmerdb-*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, "kmerdb: create scratch file")
	}
	w := &Writer{path: path, tmp: tmp, buf: bufio.NewWriter(tmp), maxReprobe: maxReprobe}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// writeHeader writes the generic header (if any) followed by the fixed
// binary header and matrices to dst.
func (w *Writer) writeHeader(dst io.Writer, h Header) (int64, error) {
	if len(w.meta) > 0 {
		return WriteHeaderWithMeta(dst, w.meta, h, w.matrix, w.inverse)
	}
	return WriteHeader(dst, h, w.matrix, w.inverse)
}

// DumpArray runs dump.Dump over a and streams the result straight into
// the container. The header written up front carries zeroed stat
// fields; they are filled in from dump's own Stats and rewritten by
// Close once the body is done.
func (w *Writer) DumpArray(a *hasharray.Array, opts ...dump.Option) (dump.Stats, error) {
	h := Header{
		KeyLenBits:  uint64(2 * a.K()),
		ValLenBytes: uint64((a.ValBits() + 7) / 8),
		SizeBytes:   a.Size(),
		MaxReprobe:  uint64(w.maxReprobe),
		Format:      uint64(BodyCompacted),
	}
	if h.ValLenBytes == 0 {
		h.ValLenBytes = 1
	}
	if w.outCounterBytes != 0 {
		h.ValLenBytes = w.outCounterBytes
	}
	w.matrix, w.inverse = a.Matrix(), a.InverseMatrix()

	writeHeader := func() error {
		if _, err := w.writeHeader(w.buf, h); err != nil {
			return err
		}
		// Body CRC covers only the entries, computed as they stream
		// past (sst/writer.go's appendDataBlock pattern), so it can be
		// folded into the header that Close patches back in afterward.
		w.crc = crc32.NewIEEE()
		w.body = io.MultiWriter(w.buf, w.crc)
		return nil
	}

	max := maxForWidth(h.ValLenBytes)
	stats, err := dump.Dump(a, writeHeader, func(e dump.Entry) error {
		if e.Value > max {
			e.Value = max
		}
		_, err := w.body.Write(encodeEntry(h, e.Key, e.Value))
		return err
	}, opts...)
	if err != nil {
		return stats, errors.Wrap(err, "kmerdb: dump")
	}

	h.Unique, h.Distinct, h.Total, h.MaxCount = stats.Unique, stats.Distinct, stats.Total, stats.MaxCount
	h.BodyCRC32 = uint64(w.crc.Sum32())
	w.header = h
	return stats, nil
}

// WriteMerged writes a container whose body comes from an already
// position-sorted sequence of (keyBits, value) pairs rather than from
// draining a live hasharray.Array -- the shape merge.Merge needs to
// stream its k-way merge straight into a fresh container (spec §4.7
// "emit into a new compacted dumper"). entries must already be in
// ascending hash-position order; WriteMerged does not re-sort them.
func (w *Writer) WriteMerged(keyLenBits, valLenBytes, sizeBytes uint64, maxReprobe int, matrix, inverse *gf2.Matrix, entries func(yield func(keyBits, value uint64) bool)) error {
	h := Header{
		KeyLenBits:  keyLenBits,
		ValLenBytes: valLenBytes,
		SizeBytes:   sizeBytes,
		MaxReprobe:  uint64(maxReprobe),
		Format:      uint64(BodyCompacted),
	}
	w.matrix, w.inverse = matrix, inverse

	if _, err := w.writeHeader(w.buf, h); err != nil {
		return errors.Wrap(err, "kmerdb: write header")
	}
	w.crc = crc32.NewIEEE()
	w.body = io.MultiWriter(w.buf, w.crc)

	var unique, distinct, total, maxCount uint64
	var writeErr error
	entries(func(keyBits, value uint64) bool {
		distinct++
		total += value
		if value > maxCount {
			maxCount = value
		}
		if value == 1 {
			unique++
		}
		m := mer.FromWords(int(keyLenBits/2), []uint64{keyBits})
		if _, err := w.body.Write(encodeEntry(h, m, value)); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return errors.Wrap(writeErr, "kmerdb: write merged entry")
	}

	h.Unique, h.Distinct, h.Total, h.MaxCount = unique, distinct, total, maxCount
	h.BodyCRC32 = uint64(w.crc.Sum32())
	w.header = h
	return nil
}

// Close patches the final header in at offset 0, fsyncs, copies the
// scratch file to its final path with atomic.WriteFile, and removes the
// scratch file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.tmp.Close()
		return errors.Wrap(err, "kmerdb: flush body")
	}
	if _, err := w.tmp.Seek(0, 0); err != nil {
		w.tmp.Close()
		return errors.Wrap(err, "kmerdb: seek header")
	}
	if _, err := w.writeHeader(w.tmp, w.header); err != nil {
		w.tmp.Close()
		return errors.Wrap(err, "kmerdb: patch header")
	}
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		return errors.Wrap(err, "kmerdb: fsync")
	}
	tmpName := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		return errors.Wrap(err, "kmerdb: close scratch file")
	}
	defer os.Remove(tmpName)

	f, err := os.Open(tmpName)
	if err != nil {
		return errors.Wrap(err, "kmerdb: reopen scratch file")
	}
	defer f.Close()
	if err := atomic.WriteFile(w.path, f); err != nil {
		return errors.Wrap(err, "kmerdb: atomic rename")
	}
	return nil
}
