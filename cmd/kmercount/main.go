// Command kmercount is the CLI surface spec.md §6 describes: count
// builds a database from FASTA/FASTQ inputs, merge combines several,
// stats prints the summary counters, and dump emits human-readable
// k-mer/count pairs.
//
// Wired with github.com/urfave/cli, the same CLI library and
// Commands-plus-Flags shape the teacher's sibling pack repo
// (xtaci-kcptun) uses for its own server/client entry points.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "kmercount"
	app.Usage = "count, merge, and query k-mer databases"
	app.Commands = []cli.Command{
		countCommand,
		mergeCommand,
		statsCommand,
		dumpCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kmercount:", err)
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}
