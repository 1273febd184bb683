package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show which pass would transform each unit, without transforming",
		Flags: []cli.Flag{
			inputFlag(),
			rulesFlag(),
			reportFlag("write the plan manifest (CBOR) to this file"),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := newSession(rulesPath)
			if err != nil {
				return err
			}
			coll, _, err := loadCollection(inputPath)
			if err != nil {
				return err
			}
			rep, err := rt.driver.DryRun(coll)
			if err != nil {
				return err
			}
			if reportPath != "" {
				if err := writeReport(reportPath, rep); err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT\tRULE\tPASS\tINPUTS\tOUTPUTS")
			for _, u := range rep.Units {
				inputs := make([]string, len(u.Inputs))
				for i, in := range u.Inputs {
					inputs[i] = in.Name + ":" + in.Kind
				}
				pass := u.Pass
				if pass == "" {
					pass = "-"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", u.Primary, u.Rule, pass, strings.Join(inputs, ","), strings.Join(u.Outputs, ","))
			}
			return tw.Flush()
		},
	}
}
