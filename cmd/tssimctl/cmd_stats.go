package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/tssim/internal/stats"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show rolling simulation throughput of a tssim server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Windows []stats.Aggregate `json:"windows"`
			}
			if err := getJSON(baseURL()+"/v1/stats", &body); err != nil {
				return err
			}
			if len(body.Windows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no simulations in the last 24h")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WINDOW\tRUNS\tERRORS\tUSERS\tSHARE_B\tAVG_MS\tP95_MS\tUSERS/S")
			for _, a := range body.Windows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.3f\t%.2f\t%.2f\t%.1f\n",
					a.Window, a.Runs, a.Errors, a.Users, a.ShareB,
					a.AvgDurationMs, a.P95DurationMs, a.UsersPerSecond)
			}
			return w.Flush()
		},
	}
}
