package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/flashkmer/kmerdb/parser"
)

// inputSource names one stream to tokenize: a file on disk, or the
// stdout of a --generator subprocess. open is called exactly once, on
// whichever worker goroutine the source lands in after splitSources.
type inputSource struct {
	name string
	open func() (io.ReadCloser, parser.Format, error)
}

// streamCloser pairs a reader (possibly already holding a peeked byte
// in its own buffer) with the underlying Closer that actually owns the
// file descriptor or pipe.
type streamCloser struct {
	io.Reader
	closer io.Closer
}

func (s *streamCloser) Close() error { return s.closer.Close() }

// sniffFormat peeks the first byte of br without consuming
// it, the same '>' vs '@' framing jellyfish's read_parser dispatches
// on (original_source/include/jellyfish/mer_overlap_sequence_parser.hpp).
func sniffFormat(br *bufio.Reader) (parser.Format, error) {
	b, err := br.Peek(1)
	if err != nil {
		return 0, err
	}
	switch b[0] {
	case '>':
		return parser.FASTA, nil
	case '@':
		return parser.FASTQ, nil
	default:
		return 0, fmt.Errorf("unrecognized format (expected '>' or '@', got %q)", b[0])
	}
}

// fileSources turns a list of file paths into inputSources that open
// lazily, one os.File per source, detecting FASTA vs FASTQ from the
// leading byte.
func fileSources(paths []string) []inputSource {
	srcs := make([]inputSource, 0, len(paths))
	for _, p := range paths {
		p := p
		srcs = append(srcs, inputSource{
			name: p,
			open: func() (io.ReadCloser, parser.Format, error) {
				f, err := os.Open(p)
				if err != nil {
					return nil, 0, err
				}
				br := bufio.NewReader(f)
				format, err := sniffFormat(br)
				if err != nil {
					f.Close()
					return nil, 0, fmt.Errorf("%s: %w", p, err)
				}
				return &streamCloser{Reader: br, closer: f}, format, nil
			},
		})
	}
	return srcs
}

// splitSources distributes sources round-robin across n buckets, the
// disjoint per-thread work lists countAction's worker pool drains --
// each bucket's goroutine is one of the counter.Counter's nThreads
// registered producers.
func splitSources(srcs []inputSource, n int) [][]inputSource {
	if n < 1 {
		n = 1
	}
	buckets := make([][]inputSource, n)
	for i, s := range srcs {
		t := i % n
		buckets[t] = append(buckets[t], s)
	}
	return buckets
}
