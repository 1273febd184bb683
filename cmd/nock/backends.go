package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-nock/internal/backend"
	"github.com/23skdu/longbow-nock/internal/kernel"
)

func backendsCmd() *cli.Command {
	return &cli.Command{
		Name:  "backends",
		Usage: "List tensor backends and compute kernels of this build",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			caps, err := backend.Probe(disableBackends...)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tAVAILABLE\tREASON")
			for _, c := range caps.Entries() {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", c.Adapter.Name(), c.Available, c.Reason)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "KERNEL\tTILES")
			reg := kernel.Default()
			for _, id := range reg.IDs() {
				k, err := reg.Lookup(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\n", id, len(k.Tiles))
			}
			return tw.Flush()
		},
	}
}
