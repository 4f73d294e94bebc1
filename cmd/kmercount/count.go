package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/urfave/cli"

	"github.com/flashkmer/kmerdb/counter"
	"github.com/flashkmer/kmerdb/dump"
	"github.com/flashkmer/kmerdb/kmerdb"
	"github.com/flashkmer/kmerdb/mer"
	"github.com/flashkmer/kmerdb/parser"
	"github.com/flashkmer/kmerdb/prefilter"
)

var countCommand = cli.Command{
	Name:      "count",
	Usage:     "build a database from FASTA/FASTQ inputs",
	ArgsUsage: "file [file ...]",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "m", Usage: "mer length", Required: true},
		cli.Uint64Flag{Name: "s", Value: 1 << 20, Usage: "initial hash size"},
		cli.IntFlag{Name: "t", Value: 1, Usage: "number of threads"},
		cli.IntFlag{Name: "c", Value: 7, Usage: "bits per counter slot"},
		cli.Uint64Flag{Name: "out-counter-len", Value: 4, Usage: "bytes per counter in the output database"},
		cli.StringFlag{Name: "o", Value: "mer_counts.jf", Usage: "output database path"},
		cli.BoolFlag{Name: "canonical", Usage: "count a mer and its reverse complement as one"},
		cli.StringFlag{Name: "bf", Usage: "bloom pre-filter file: skip mers seen fewer than twice"},
		cli.StringFlag{Name: "if", Usage: "include-set file: only count mers listed in it"},
		cli.Uint64Flag{Name: "lower-count", Usage: "drop entries below this count from the output"},
		cli.Uint64Flag{Name: "upper-count", Value: ^uint64(0), Usage: "drop entries above this count from the output"},
		cli.BoolFlag{Name: "no-merge", Usage: "accepted for CLI compatibility; has no effect"},
		cli.BoolFlag{Name: "disk", Usage: "accepted for CLI compatibility; has no effect"},
		cli.StringFlag{Name: "generator", Usage: "shell command whose stdout is read as an additional input"},
	},
	Action: countAction,
}

func countAction(c *cli.Context) error {
	k := c.Int("m")
	if k <= 0 || k > 32 {
		return cli.NewExitError(fmt.Sprintf("kmercount: -m %d out of range (1..32)", k), 1)
	}

	inputs := append([]string{}, c.Args()...)
	var generators []*generatorProc
	if g := c.String("generator"); g != "" {
		gp, err := startGenerator(g)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("kmercount: generator: %v", err), 1)
		}
		generators = append(generators, gp)
	}
	if len(inputs) == 0 && len(generators) == 0 {
		return cli.NewExitError("kmercount: no input files or generator given", 1)
	}

	var filter *prefilter.Filter
	if bf := c.String("bf"); bf != "" {
		f, err := os.Open(bf)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("kmercount: open bloom filter: %v", err), 1)
		}
		defer f.Close()
		filter, err = prefilter.ReadFrom(bufio.NewReader(f))
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("kmercount: read bloom filter: %v", err), 1)
		}
	}

	var includeSet map[uint64]bool
	if inc := c.String("if"); inc != "" {
		var err error
		includeSet, err = loadIncludeSet(inc)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("kmercount: read include-set: %v", err), 1)
		}
	}

	nThreads := c.Int("t")
	if nThreads < 1 {
		nThreads = 1
	}

	cnt, err := counter.New(k, c.Int("c"), c.Uint64("s"), nThreads)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("kmercount: %v", err), 1)
	}

	canonical := c.Bool("canonical")
	sources := append([]inputSource{}, fileSources(inputs)...)
	for _, g := range generators {
		sources = append(sources, inputSource{name: g.name, open: g.open})
	}
	buckets := splitSources(sources, nThreads)

	var wg sync.WaitGroup
	errs := make([]error, nThreads)
	for t := 0; t < nThreads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			defer cnt.Done()
			for _, src := range buckets[t] {
				if err := countSource(cnt, src, k, canonical, filter, includeSet); err != nil {
					errs[t] = err
					return
				}
			}
		}(t)
	}
	wg.Wait()

	for _, gp := range generators {
		gp.wait()
	}
	for _, err := range errs {
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("kmercount: %v", err), 1)
		}
	}

	w, err := kmerdb.Create(c.String("o"), cnt.Array().ReprobeLimit(), kmerdb.WithOutputCounterWidth(c.Uint64("out-counter-len")))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("kmercount: %v", err), 1)
	}
	lower, upper := c.Uint64("lower-count"), c.Uint64("upper-count")
	if _, err := w.DumpArray(cnt.Array(), dump.WithFilter(lower, upper)); err != nil {
		w.Close()
		return cli.NewExitError(fmt.Sprintf("kmercount: dump: %v", err), 1)
	}
	if err := w.Close(); err != nil {
		return cli.NewExitError(fmt.Sprintf("kmercount: %v", err), 1)
	}
	return nil
}

// countSource tokenizes one input and feeds every full k-mer window into
// cnt, honoring the optional bloom pre-filter and include-set gates
// (spec §6's `--bf`/`--if`).
func countSource(cnt *counter.Counter, src inputSource, k int, canonical bool, filter *prefilter.Filter, includeSet map[uint64]bool) error {
	r, format, err := src.open()
	if err != nil {
		return fmt.Errorf("open %s: %w", src.name, err)
	}
	defer r.Close()

	p := parser.NewReader(r, format, k, 1<<16)
	for {
		buf, err := p.Next()
		if len(buf) > 0 {
			var addErr error
			parser.Tokenize(buf, k, canonical, func(m mer.K) {
				if addErr != nil {
					return
				}
				keyBits := uint64(0)
				if words := m.Words(); len(words) > 0 {
					keyBits = words[0]
				}
				if filter != nil && !filter.Check(keyBits) {
					return
				}
				if includeSet != nil && !includeSet[keyBits] {
					return
				}
				addErr = cnt.Add(m, 1)
			})
			if addErr != nil {
				return fmt.Errorf("%s: %w", src.name, addErr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: %w", src.name, err)
		}
	}
}

func loadIncludeSet(path string) (map[uint64]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := map[uint64]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		m, err := mer.FromString(line)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
		var keyBits uint64
		if words := m.Words(); len(words) > 0 {
			keyBits = words[0]
		}
		set[keyBits] = true
	}
	return set, sc.Err()
}
