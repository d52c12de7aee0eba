package main

import (
	"github.com/spf13/cobra"

	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/sim"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate one universe and print its record",
		Example: `  tssimctl simulate --users 1000 --theta-a 0.10 --theta-b 0.12 --out csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, _ := cmd.Flags().GetInt("users")
			thetaA, _ := cmd.Flags().GetFloat64("theta-a")
			thetaB, _ := cmd.Flags().GetFloat64("theta-b")
			universe, _ := cmd.Flags().GetInt("universe")
			out, _ := cmd.Flags().GetString("out")
			if err := checkFormat(out); err != nil {
				return err
			}

			run, stats, err := newService(cmd, 1).Simulate(cmd.Context(), experiment.SimulateRequest{
				Users:    users,
				ThetaA:   thetaA,
				ThetaB:   thetaB,
				Universe: universe,
			})
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), out, []sim.Record{run.Record()}, stats)
		},
	}
	cmd.Flags().Int("users", 1000, "Number of users")
	cmd.Flags().Float64("theta-a", 0.1, "True conversion rate of arm A")
	cmd.Flags().Float64("theta-b", 0.12, "True conversion rate of arm B")
	cmd.Flags().Int("universe", 1, "Universe number (selects the random stream)")
	cmd.Flags().String("out", "csv", "Output format: csv or json")
	return cmd
}
