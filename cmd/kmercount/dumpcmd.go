package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/flashkmer/kmerdb/kmerdb"
)

// dump's `-c`/`-t`/`-f` flags pick the separator between a pair's key and
// value; `-f` additionally switches to two-line FASTA-style records
// (">count\nkmer"), mirroring jellyfish's dump_main column/fasta choice.
var dumpCommand = cli.Command{
	Name:      "dump",
	Usage:     "emit human-readable k-mer/count pairs",
	ArgsUsage: "file",
	Flags: []cli.Flag{
		cli.Uint64Flag{Name: "L", Usage: "drop entries below this count"},
		cli.Uint64Flag{Name: "U", Value: ^uint64(0), Usage: "drop entries above this count"},
		cli.BoolFlag{Name: "c", Usage: "column output: \"kmer count\" (default)"},
		cli.BoolFlag{Name: "t", Usage: "tab-separated output: \"kmer\\tcount\""},
		cli.BoolFlag{Name: "f", Usage: "FASTA-style output: \">count\\nkmer\""},
	},
	Action: dumpAction,
}

func dumpAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("kmercount: dump needs a database path", 1)
	}

	r, err := kmerdb.Open(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("kmercount: open %s: %v", path, err), 1)
	}
	defer r.Close()

	lower, upper := c.Uint64("L"), c.Uint64("U")
	sep := " "
	fasta := c.Bool("f")
	if c.Bool("t") {
		sep = "\t"
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for m, val := range r.All() {
		if val < lower || val > upper {
			continue
		}
		if fasta {
			fmt.Fprintf(out, ">%d\n%s\n", val, m.String())
			continue
		}
		fmt.Fprintf(out, "%s%s%d\n", m.String(), sep, val)
	}
	return nil
}
