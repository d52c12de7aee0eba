package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/tssim/internal/analysis"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/sim"
	"github.com/jordanhubbard/tssim/internal/store"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Service *experiment.Service
}

// RunUniverse simulates one universe of a prepared batch and records it.
// Universes are deterministic, so a retried activity writes the same row.
func (a *Activities) RunUniverse(ctx context.Context, input UniverseInput) (analysis.RunStats, error) {
	activity.RecordHeartbeat(ctx, input.Universe)
	stats, err := a.Service.RunUniverse(ctx, input.BatchID, input.Universe)
	if err != nil {
		if errors.Is(err, sim.ErrInvalidParameter) || errors.Is(err, experiment.ErrNotFound) {
			return analysis.RunStats{}, temporal.NewNonRetryableApplicationError(err.Error(), "invalid_batch", err)
		}
		return analysis.RunStats{}, fmt.Errorf("run universe %d: %w", input.Universe, err)
	}
	return stats, nil
}

// ReportProgress publishes the fraction of completed universes.
func (a *Activities) ReportProgress(_ context.Context, input ProgressInput) error {
	a.Service.ReportProgress(input.BatchID, input.Fraction)
	return nil
}

// FinishBatch records the final batch status.
func (a *Activities) FinishBatch(ctx context.Context, input FinishInput) (store.BatchRecord, error) {
	var runErr error
	switch {
	case input.Cancelled:
		runErr = fmt.Errorf("workflow cancelled: %w", context.Canceled)
	case input.Error != "":
		runErr = errors.New(input.Error)
	}
	return a.Service.FinishBatch(ctx, input.BatchID, input.CompletedRuns, runErr)
}
