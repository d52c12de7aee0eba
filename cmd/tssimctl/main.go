package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tssimctl",
		Short: "Thompson sampling A/B test simulator",
		Long: `tssimctl simulates two-arm Bernoulli experiments in which every user is
sent to arm B with the exact posterior probability that B converts better.

Simulations run locally. The batches and stats commands talk to a running tssim
server at $TSSIM_URL (default http://localhost:8080).`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Uint64("seed", 1, "Base random seed")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		if _, err := logging.ParseLevel(level); err != nil {
			return err
		}
		// Logs go to stderr; stdout carries records.
		logging.SetupWriter(cmd.ErrOrStderr(), level, true)
		return nil
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newCompareCmd(),
		newSimulateCmd(),
		newBatchCmd(),
		newBatchesCmd(),
		newStatsCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tssimctl version %s\n", version)
		},
	}
}

// newService builds a local, storage-free simulation service.
func newService(cmd *cobra.Command, workers int, opts ...experiment.Option) *experiment.Service {
	seed, _ := cmd.Flags().GetUint64("seed")
	return experiment.New(experiment.Config{Seed: seed, Workers: workers}, opts...)
}
