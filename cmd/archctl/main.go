// Command archctl is a thin inspection CLI for an ArchEngine data
// directory: reporting whether a file is
// worth compacting, and replaying a WAL file's records. A thin
// urfave/cli.v1 wrapper around a few packages' read-only inspection
// entry points.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/archengine/archengine/block"
	"github.com/archengine/archengine/config"
	"github.com/archengine/archengine/wal"
)

func main() {
	app := cli.NewApp()
	app.Name = "archctl"
	app.Usage = "inspect an ArchEngine data file or log"
	app.Commands = []cli.Command{
		compactSkipCommand,
		replayCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var compactSkipCommand = cli.Command{
	Name:      "compact-skip",
	Usage:     "report whether a data file is worth compacting",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		cli.Uint64Flag{Name: "allocation-size", Value: 4096},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("expected exactly one path argument", 1)
		}
		m, err := block.Open(c.Args().Get(0), config.Block{
			AllocationSize: c.Uint64("allocation-size"),
			Allocation:     config.AllocFirstFit,
		})
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		defer m.Close()

		skip, err := m.CompactSkip()
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		fmt.Printf("skip=%v file_size=%d\n", skip, m.FileSize())
		return nil
	},
}

var replayCommand = cli.Command{
	Name:      "replay",
	Usage:     "print every record in a WAL file",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		cli.Uint64Flag{Name: "file-number", Value: 1},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("expected exactly one path argument", 1)
		}
		count := 0
		err := wal.Recover(c.Args().Get(0), uint32(c.Uint64("file-number")), func(r wal.Record) error {
			count++
			fmt.Printf("lsn=%d:%d type=%d flags=%d len=%d\n", r.LSN.File, r.LSN.Offset, r.Type, r.Flags, len(r.Payload))
			return nil
		})
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		fmt.Printf("%d records\n", count)
		return nil
	},
}
