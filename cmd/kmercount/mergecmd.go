package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/flashkmer/kmerdb/kmerdb"
	"github.com/flashkmer/kmerdb/merge"
)

var mergeCommand = cli.Command{
	Name:      "merge",
	Usage:     "k-way merge several databases into one",
	ArgsUsage: "file [file ...]",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "o", Value: "mer_counts_merged.jf", Usage: "output database path"},
		cli.Uint64Flag{Name: "out-counter-len", Value: 4, Usage: "bytes per counter in the output database"},
	},
	Action: mergeAction,
}

func mergeAction(c *cli.Context) error {
	paths := c.Args()
	if len(paths) < 2 {
		return cli.NewExitError("kmercount: merge needs at least 2 input databases", 1)
	}

	readers := make([]*kmerdb.Reader, 0, len(paths))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, p := range paths {
		r, err := kmerdb.Open(p)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("kmercount: open %s: %v", p, err), 1)
		}
		readers = append(readers, r)
	}

	opts := []merge.Option{merge.WithOutputCounterWidth(c.Uint64("out-counter-len"))}
	if err := merge.MergeToContainer(readers, c.String("o"), opts...); err != nil {
		return cli.NewExitError(fmt.Sprintf("kmercount: merge: %v", err), 1)
	}
	return nil
}
