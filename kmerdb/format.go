// Package kmerdb implements the on-disk container format for a dumped
// table and a memory-mapped reader over it (spec §4.6, C6):
//
//	offset 0 : 8-byte magic ("JFLISTDN")
//	offset 8 : fixed-size header (key_len_bits, val_len_bytes,
//	           size_bytes, max_reprobe, unique, distinct, total, max_count)
//	then     : serialized hash matrix, then its inverse
//	padding  : to 8-byte alignment
//	then     : raw blocks, or a compacted (position-sorted) entry list
//
// The writer side is grounded in the teacher's sst.diskSSTWriter
// (sst/writer.go): a single os.File, fixed binary.Write fields, and a
// header, carrying the body's CRC32, patched in after the body is known.
package kmerdb

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/flashkmer/kmerdb/gf2"
	"github.com/flashkmer/kmerdb/mer"
)

// Magic identifies a kmerdb container file.
var Magic = [8]byte{'J', 'F', 'L', 'I', 'S', 'T', 'D', 'N'}

// ErrBadMagic is returned when a file does not begin with Magic.
var ErrBadMagic = errors.New("kmerdb: bad magic")

// ErrCorrupt covers structural corruption detected on open: size not a
// power of two, truncated body, or a CRC mismatch (spec §7 "Corruption
// on disk").
var ErrCorrupt = errors.New("kmerdb: corrupt file")

// ErrKeyTooWide is returned when a header declares a key length that
// this implementation cannot mmap-query (> 64 bits; spec §7).
var ErrKeyTooWide = errors.New("kmerdb: key length exceeds 64 bits")

// BodyFormat distinguishes the two body encodings spec §4.6 describes.
type BodyFormat uint8

const (
	BodyRaw BodyFormat = iota
	BodyCompacted
)

// Header is the fixed binary header following the magic.
type Header struct {
	KeyLenBits  uint64
	ValLenBytes uint64
	SizeBytes   uint64 // table size (power of two), in slots
	MaxReprobe  uint64
	Format      uint64 // BodyFormat
	Unique      uint64
	Distinct    uint64
	Total       uint64
	MaxCount    uint64
	BodyCRC32   uint64 // crc32.ChecksumIEEE of the body, widened to 8 bytes
}

func (h *Header) bodyFormat() BodyFormat { return BodyFormat(h.Format) }

// WriteHeaderWithMeta writes an optional length-prefixed, 8-byte-aligned
// JSON-ish "generic header" ahead of the usual magic+fixed header (spec
// §9 Design Notes' "generic generic header" -- self-describing metadata
// later readers may want without breaking ones that only know the
// binary layout). A nil or empty meta writes nothing extra; this is
// exactly WriteHeader in that case.
func WriteHeaderWithMeta(w io.Writer, meta map[string]any, h Header, m, inv *gf2.Matrix) (int64, error) {
	var written int64
	if len(meta) > 0 {
		body, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("kmerdb: encode generic header: %w", err)
		}
		prefix := strconv.Itoa(len(body)) + ":"
		if _, err := io.WriteString(w, prefix); err != nil {
			return written, err
		}
		written += int64(len(prefix))
		if _, err := w.Write(body); err != nil {
			return written, err
		}
		written += int64(len(body))
		if pad := (8 - written%8) % 8; pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return written, err
			}
			written += pad
		}
	}
	n, err := WriteHeader(w, h, m, inv)
	return written + n, err
}

// WriteHeader writes magic, the fixed header, then M and M^-1, padding
// the whole prefix to 8-byte alignment (spec §4.6).
func WriteHeader(w io.Writer, h Header, m, inv *gf2.Matrix) (int64, error) {
	var written int64

	n, err := w.Write(Magic[:])
	written += int64(n)
	if err != nil {
		return written, err
	}

	fields := []uint64{
		h.KeyLenBits, h.ValLenBytes, h.SizeBytes, h.MaxReprobe,
		h.Format, h.Unique, h.Distinct, h.Total, h.MaxCount, h.BodyCRC32,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return written, err
		}
		written += 8
	}

	cw := &countingWriter{w: w}
	if err := m.Serialize(cw); err != nil {
		return written, err
	}
	written += cw.n
	cw.n = 0
	if err := inv.Serialize(cw); err != nil {
		return written, err
	}
	written += cw.n

	if pad := (8 - written%8) % 8; pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return written, err
		}
		written += pad
	}

	return written, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ReadHeader reads and validates the magic and fixed header, then the
// two matrices, from r (which must be positioned at the start of the
// file). A leading digit means a length-prefixed JSON generic header
// precedes the binary layout (spec §9 Design Notes); readers that only
// know the binary magic skip straight past it. It returns the byte
// offset where the body begins.
func ReadHeader(r io.Reader) (Header, *gf2.Matrix, *gf2.Matrix, int64, error) {
	br := bufio.NewReader(r)
	var read int64

	if first, err := br.Peek(1); err == nil && first[0] >= '0' && first[0] <= '9' {
		n, err := skipGenericHeader(br)
		if err != nil {
			return Header{}, nil, nil, 0, err
		}
		read += n
	}

	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return Header{}, nil, nil, 0, fmt.Errorf("kmerdb: read magic: %w", err)
	}
	if magic != Magic {
		return Header{}, nil, nil, 0, ErrBadMagic
	}
	read += 8
	r = br

	var h Header
	fields := []*uint64{
		&h.KeyLenBits, &h.ValLenBytes, &h.SizeBytes, &h.MaxReprobe,
		&h.Format, &h.Unique, &h.Distinct, &h.Total, &h.MaxCount, &h.BodyCRC32,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Header{}, nil, nil, 0, fmt.Errorf("kmerdb: read header: %w", err)
		}
		read += 8
	}

	if h.SizeBytes == 0 || h.SizeBytes&(h.SizeBytes-1) != 0 {
		return Header{}, nil, nil, 0, fmt.Errorf("kmerdb: size %d not a power of two: %w", h.SizeBytes, ErrCorrupt)
	}
	if h.KeyLenBits > 64 {
		return Header{}, nil, nil, 0, ErrKeyTooWide
	}

	cr := &countingReader{r: r}
	m, err := gf2.Deserialize(cr)
	if err != nil {
		return Header{}, nil, nil, 0, fmt.Errorf("kmerdb: read matrix: %w", err)
	}
	read += cr.n
	cr.n = 0
	inv, err := gf2.Deserialize(cr)
	if err != nil {
		return Header{}, nil, nil, 0, fmt.Errorf("kmerdb: read inverse matrix: %w", err)
	}
	read += cr.n

	if pad := (8 - read%8) % 8; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, pad); err != nil {
			return Header{}, nil, nil, 0, err
		}
		read += pad
	}

	return h, m, inv, read, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// compactedEntryBytes returns the on-disk size of one compacted entry:
// ceil(keyLenBits/8) bytes of key, then valLenBytes bytes of value
// (spec §4.6 body format (b)).
func compactedEntryBytes(h Header) int {
	return (int(h.KeyLenBits)+7)/8 + int(h.ValLenBytes)
}

// encodeEntry packs one (key, value) compacted record using exactly
// compactedEntryBytes(h) bytes, little-endian.
func encodeEntry(h Header, m mer.K, value uint64) []byte {
	keyBytes := (int(h.KeyLenBits) + 7) / 8
	buf := make([]byte, keyBytes+int(h.ValLenBytes))

	words := m.Words()
	var kv uint64
	if len(words) > 0 {
		kv = words[0]
	}
	for i := 0; i < keyBytes; i++ {
		buf[i] = byte(kv >> uint(8*i))
	}
	for i := 0; i < int(h.ValLenBytes); i++ {
		buf[keyBytes+i] = byte(value >> uint(8*i))
	}
	return buf
}

// decodeEntry is encodeEntry's inverse, returning the packed key bits
// (the mer's own bits, stored unhashed) and the value.
func decodeEntry(h Header, buf []byte) (keyBits uint64, value uint64) {
	keyBytes := (int(h.KeyLenBits) + 7) / 8
	for i := 0; i < keyBytes && i < len(buf); i++ {
		keyBits |= uint64(buf[i]) << uint(8*i)
	}
	for i := 0; i < int(h.ValLenBytes) && keyBytes+i < len(buf); i++ {
		value |= uint64(buf[keyBytes+i]) << uint(8*i)
	}
	return keyBits, value
}

// crcOf is a small helper matching the teacher's sst writer's per-section
// CRC32 trailers (sst/writer.go appendDataBlock).
func crcOf(buf []byte) uint32 { return crc32.ChecksumIEEE(buf) }

// skipGenericHeader consumes a "<decimal length>:<json bytes>" prefix,
// padded to 8-byte alignment, tolerating the relaxed JSON
// (github.com/tailscale/hujson) comments/trailing-commas give later hand-
// edited headers room to be convenient rather than strict.
func skipGenericHeader(br *bufio.Reader) (int64, error) {
	var read int64
	var digits []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return read, fmt.Errorf("kmerdb: read generic header length: %w", err)
		}
		read++
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return read, fmt.Errorf("kmerdb: malformed generic header length prefix: %w", ErrCorrupt)
		}
		digits = append(digits, b)
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return read, fmt.Errorf("kmerdb: malformed generic header length: %w", err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return read, fmt.Errorf("kmerdb: read generic header body: %w", err)
	}
	read += int64(n)

	if _, err := hujson.Standardize(body); err != nil {
		return read, fmt.Errorf("kmerdb: parse generic header: %w", err)
	}

	if pad := (8 - read%8) % 8; pad > 0 {
		if _, err := io.CopyN(io.Discard, br, pad); err != nil {
			return read, err
		}
		read += pad
	}
	return read, nil
}
