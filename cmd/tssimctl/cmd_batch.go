package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/tssim/internal/events"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/sim"
)

var validate = validator.New()

// Scenario is a batch described in YAML.
type Scenario struct {
	Users   int      `yaml:"users" validate:"required,gt=0"`
	Reps    int      `yaml:"reps" validate:"required,gt=0"`
	ThetaA  *float64 `yaml:"theta_a" validate:"required,gte=0,lte=1"`
	ThetaB  *float64 `yaml:"theta_b" validate:"required,gte=0,lte=1"`
	Seed    *uint64  `yaml:"seed,omitempty"`
	Workers int      `yaml:"workers,omitempty" validate:"gte=0,lte=256"`
}

// loadScenario reads and validates a scenario file.
func loadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return sc, nil
}

// scenarioFromFlags starts from the scenario file, when given, and applies
// every flag the user set explicitly.
func scenarioFromFlags(cmd *cobra.Command) (Scenario, error) {
	var sc Scenario
	if path, _ := cmd.Flags().GetString("scenario"); path != "" {
		var err error
		if sc, err = loadScenario(path); err != nil {
			return Scenario{}, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("users") || sc.Users == 0 {
		sc.Users, _ = flags.GetInt("users")
	}
	if flags.Changed("reps") || sc.Reps == 0 {
		sc.Reps, _ = flags.GetInt("reps")
	}
	if flags.Changed("theta-a") || sc.ThetaA == nil {
		v, _ := flags.GetFloat64("theta-a")
		sc.ThetaA = &v
	}
	if flags.Changed("theta-b") || sc.ThetaB == nil {
		v, _ := flags.GetFloat64("theta-b")
		sc.ThetaB = &v
	}
	if flags.Changed("workers") || sc.Workers == 0 {
		sc.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("seed") || sc.Seed == nil {
		v, _ := flags.GetUint64("seed")
		sc.Seed = &v
	}
	if err := validate.Struct(sc); err != nil {
		return Scenario{}, fmt.Errorf("invalid scenario: %w", err)
	}
	return sc, nil
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Simulate many universes and print every record",
		Example: `  tssimctl batch --users 1000 --reps 100 --theta-a 0.10 --theta-b 0.12
  tssimctl batch --scenario scenario.yaml --out json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if err := checkFormat(out); err != nil {
				return err
			}
			quiet, _ := cmd.Flags().GetBool("quiet")
			sc, err := scenarioFromFlags(cmd)
			if err != nil {
				return err
			}

			bus := events.NewBus()
			stopProgress := func() {}
			if !quiet {
				stopProgress = printProgress(cmd.ErrOrStderr(), bus)
			}
			svc := newService(cmd, sc.Workers, experiment.WithEvents(bus))
			outcome, err := svc.RunBatch(cmd.Context(), experiment.BatchRequest{
				Users:   sc.Users,
				Reps:    sc.Reps,
				ThetaA:  *sc.ThetaA,
				ThetaB:  *sc.ThetaB,
				Seed:    sc.Seed,
				Workers: sc.Workers,
			})
			stopProgress()
			var be *sim.BatchError
			if errors.As(err, &be) {
				// Print what completed before failing.
				_ = writeRecords(cmd.OutOrStdout(), out, outcome.Result.Records(), outcome.Stats)
				return err
			}
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), out, outcome.Result.Records(), outcome.Stats)
		},
	}
	cmd.Flags().String("scenario", "", "YAML scenario file; explicit flags override it")
	cmd.Flags().Int("users", 1000, "Users per universe")
	cmd.Flags().Int("reps", 100, "Number of universes")
	cmd.Flags().Float64("theta-a", 0.1, "True conversion rate of arm A")
	cmd.Flags().Float64("theta-b", 0.12, "True conversion rate of arm B")
	cmd.Flags().Int("workers", 1, "Universes simulated concurrently")
	cmd.Flags().String("out", "csv", "Output format: csv or json")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print progress to stderr")
	return cmd
}

// printProgress writes each progress fraction to w on its own line until the
// returned stop function is called.
func printProgress(w io.Writer, bus *events.Bus) (stop func()) {
	sub := bus.Subscribe(1024)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		show := func(e events.Event) {
			if e.Type == events.EventBatchProgress {
				fmt.Fprintf(w, "%g\n", e.Progress)
			}
		}
		for {
			select {
			case e := <-sub.C:
				show(e)
			case <-done:
				for {
					select {
					case e := <-sub.C:
						show(e)
					default:
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		bus.Unsubscribe(sub)
	}
}
