package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/tssim/internal/beta"
)

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Print P(B > A) for two Beta posteriors",
		Example: `  tssimctl compare --alpha-a 3 --beta-a 7 --alpha-b 5 --beta-b 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			aa, _ := cmd.Flags().GetFloat64("alpha-a")
			ba, _ := cmd.Flags().GetFloat64("beta-a")
			ab, _ := cmd.Flags().GetFloat64("alpha-b")
			bb, _ := cmd.Flags().GetFloat64("beta-b")

			p, err := newService(cmd, 1).Compare(
				beta.Posterior{Alpha: aa, Beta: ba},
				beta.Posterior{Alpha: ab, Beta: bb},
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.10g\n", p)
			return nil
		},
	}
	cmd.Flags().Float64("alpha-a", 1, "Alpha of arm A")
	cmd.Flags().Float64("beta-a", 1, "Beta of arm A")
	cmd.Flags().Float64("alpha-b", 1, "Alpha of arm B (positive integer)")
	cmd.Flags().Float64("beta-b", 1, "Beta of arm B")
	return cmd
}
