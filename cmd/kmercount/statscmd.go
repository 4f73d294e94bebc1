package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/flashkmer/kmerdb/kmerdb"
)

var statsCommand = cli.Command{
	Name:      "stats",
	Usage:     "print the header counters of a database",
	ArgsUsage: "file",
	Action:    statsAction,
}

func statsAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("kmercount: stats needs a database path", 1)
	}

	r, err := kmerdb.Open(path)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("kmercount: open %s: %v", path, err), 1)
	}
	defer r.Close()

	h := r.Header()
	fmt.Printf("Unique:   %d\n", h.Unique)
	fmt.Printf("Distinct: %d\n", h.Distinct)
	fmt.Printf("Total:    %d\n", h.Total)
	fmt.Printf("Max_count: %d\n", h.MaxCount)
	return nil
}
