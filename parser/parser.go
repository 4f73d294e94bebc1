// Package parser implements the bounded-overlap sequence tokenizer spec
// §6 describes as the core's external producer contract (C8): it hands
// a stream of byte ranges to callers such that any k-mer window fully
// inside one range never needs to look at the next, because adjacent
// ranges share k-1 bytes of overlap.
//
// Grounded in original_source/include/jellyfish/mer_overlap_sequence_parser.hpp's
// read_fasta/read_fastq: a fixed buffer reused per call, a "seam" of the
// trailing k-1 bytes carried forward from the previous buffer, and an
// 'N' byte spliced between consecutive records to force a window reset
// at record boundaries.
package parser

import (
	"bufio"
	"bytes"
	"io"

	"github.com/flashkmer/kmerdb/mer"
)

// Format names the two supported record framings.
type Format int

const (
	FASTA Format = iota
	FASTQ
)

// Reader tokenizes r into overlapped byte buffers. Each call to Next
// returns a buffer whose first k-1 bytes repeat the previous buffer's
// last k-1 bytes (the "seam"), so callers never need to straddle a call
// boundary to complete a k-mer window.
//
// Reader is not safe for concurrent use; parallel parsing is achieved by
// giving each worker its own Reader over a disjoint slice of the input
// file list, exactly as mer_overlap_sequence_parser hands one
// stream_status per producer thread.
type Reader struct {
	src    *bufio.Reader
	format Format
	k      int

	buf      []byte
	seam     []byte
	haveSeam bool
	atEOF    bool
}

// NewReader wraps r, tokenizing it as format with overlap sized to k-1
// bytes (spec §6: "adjacent buffers share k-1 bytes of overlap").
// bufSize bounds how much sequence one Next call returns, including the
// seam.
func NewReader(r io.Reader, format Format, k, bufSize int) *Reader {
	if bufSize < 2*k {
		bufSize = 2 * k
	}
	p := &Reader{
		src:    bufio.NewReader(r),
		format: format,
		k:      k,
		buf:    make([]byte, bufSize),
		seam:   make([]byte, k-1),
	}
	// Every stream opens pointed at a header line, never at sequence
	// (mer_overlap_sequence_parser.hpp's open_next_file skips it once,
	// eagerly, the same way).
	p.skipLine()
	return p
}

// Next returns the next overlapped buffer, or io.EOF once the stream is
// exhausted and no seam remains to flush.
func (p *Reader) Next() ([]byte, error) {
	if p.atEOF && !p.haveSeam {
		return nil, io.EOF
	}

	n := 0
	if p.haveSeam {
		n = copy(p.buf, p.seam)
		p.haveSeam = false
	}

	limit := len(p.buf) - p.k - 1
	if limit < n {
		limit = n
	}

	for n < limit {
		read, atRecordBoundary, err := p.readSequence(p.buf[n:limit])
		n += read
		if atRecordBoundary && n > 0 && n < len(p.buf) {
			p.buf[n] = 'N'
			n++
		}
		if err != nil {
			p.atEOF = true
			break
		}
		if !atRecordBoundary {
			break
		}
	}

	if n == 0 {
		p.atEOF = true
		return nil, io.EOF
	}

	if n >= p.k-1 {
		copy(p.seam, p.buf[n-(p.k-1):n])
		p.haveSeam = !p.atEOF
	}

	return p.buf[:n], nil
}

// readSequence copies raw sequence bytes (letters only, up to the next
// header marker or EOF) into dst, returning how many bytes it wrote and
// whether it stopped because it hit the next record's header line
// (meaning the caller should splice an 'N' and keep going).
func (p *Reader) readSequence(dst []byte) (n int, atRecordBoundary bool, err error) {
	stop := byte('>')
	if p.format == FASTQ {
		stop = '+'
	}

	seqStart := n
	for n < len(dst) {
		b, err := p.src.ReadByte()
		if err != nil {
			return n, false, err
		}
		if b == '\n' || b == '\r' {
			continue
		}
		if b == stop {
			if p.format == FASTQ {
				// b was the '+' separator: skip the rest of that line,
				// then the quality string itself (which may wrap
				// several lines), then the next record's '@' header.
				if err := p.skipLine(); err != nil && err != io.EOF {
					return n, false, err
				}
				if err := p.skipQualityBlock(n - seqStart); err != nil {
					return n, false, err
				}
			}
			// b was '>' (FASTA) or the header line following a FASTQ
			// quality block: skip it so the next call starts on
			// sequence, not on a header line.
			if err := p.skipLine(); err != nil && err != io.EOF {
				return n, false, err
			}
			return n, true, nil
		}
		dst[n] = b
		n++
	}
	return n, false, nil
}

func (p *Reader) skipLine() error {
	_, err := p.src.ReadString('\n')
	if err == io.EOF {
		return nil
	}
	return err
}

// skipQualityBlock reads and discards a FASTQ quality string of length
// seqLen (the '+' separator line itself is skipped by the caller).
func (p *Reader) skipQualityBlock(seqLen int) error {
	remaining := seqLen
	for remaining > 0 {
		line, err := p.src.ReadString('\n')
		remaining -= len(bytes.TrimRight([]byte(line), "\r\n"))
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// Tokenize walks buf base by base, maintaining a rolling k-mer window
// (spec §6 "the producer maintains a rolling 2-bit encoded mer"),
// calling add once per full window. Any non-ACGT byte (including the
// 'N' record separator Reader splices in) resets the window. If
// canonical is set, add receives min(m, reverse_complement(m)).
func Tokenize(buf []byte, k int, canonical bool, add func(mer.K)) {
	window := mer.New(k)
	have := 0

	for _, b := range buf {
		code := mer.Code(b)
		if code < 0 {
			have = 0
			continue
		}
		_, window = window.ShiftRight(uint64(code))
		if have < k {
			have++
			if have < k {
				continue
			}
		}
		m := window
		if canonical {
			m = m.Canonical()
		}
		add(m)
	}
}
