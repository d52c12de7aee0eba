package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/tssim/internal/analysis"
	"github.com/jordanhubbard/tssim/internal/store"
)

const (
	activityTimeout      = 5 * time.Minute
	defaultProgressEvery = 10
	progressQuery        = "progress"
)

// BatchWorkflow runs every universe of a prepared batch as its own activity.
// Universes complete in order: on the first failure the workflow stops and
// records the completed prefix.
func BatchWorkflow(ctx workflow.Context, input BatchInput) (BatchOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	progress := Progress{Reps: input.Reps}
	if err := workflow.SetQueryHandler(ctx, progressQuery, func() (Progress, error) {
		return progress, nil
	}); err != nil {
		return BatchOutput{BatchID: input.BatchID, Error: err.Error()}, err
	}

	every := input.ProgressEvery
	if every <= 0 {
		every = defaultProgressEvery
	}
	parallel := max(input.Parallelism, 1)

	runs := make([]analysis.RunStats, 0, input.Reps)
	var runErr error
	for next := 1; next <= input.Reps && runErr == nil; {
		end := min(next+parallel-1, input.Reps)
		futures := make([]workflow.Future, 0, end-next+1)
		for u := next; u <= end; u++ {
			// Same cadence as sim.Runner: r/reps before universe r+1 starts.
			if r := u - 1; r%every == 0 {
				_ = workflow.ExecuteActivity(ctx, (*Activities).ReportProgress, ProgressInput{
					BatchID:  input.BatchID,
					Fraction: float64(r) / float64(input.Reps),
				}).Get(ctx, nil)
			}
			futures = append(futures, workflow.ExecuteActivity(ctx, (*Activities).RunUniverse,
				UniverseInput{BatchID: input.BatchID, Universe: u}))
		}
		for _, f := range futures {
			var st analysis.RunStats
			if err := f.Get(ctx, &st); err != nil {
				runErr = err
				break
			}
			runs = append(runs, st)
			progress.CompletedRuns = len(runs)
		}
		next = end + 1
	}

	finish := FinishInput{BatchID: input.BatchID, CompletedRuns: len(runs)}
	finishCtx := ctx
	if runErr != nil {
		finish.Error = runErr.Error()
		if temporal.IsCanceledError(runErr) || ctx.Err() != nil {
			finish.Cancelled = true
			// Status must be recorded even though the workflow is cancelled.
			finishCtx, _ = workflow.NewDisconnectedContext(ctx)
		}
		logger.Warn("batch stopped", "batch_id", input.BatchID, "completed_runs", len(runs), "error", runErr)
	}

	var rec store.BatchRecord
	if err := workflow.ExecuteActivity(finishCtx, (*Activities).FinishBatch, finish).Get(finishCtx, &rec); err != nil {
		return BatchOutput{BatchID: input.BatchID, CompletedRuns: len(runs), Error: err.Error()}, err
	}

	out := BatchOutput{
		BatchID:       input.BatchID,
		Status:        string(rec.Status),
		CompletedRuns: len(runs),
		MeanRegret:    analysis.Aggregate(runs).MeanRegret,
		Error:         finish.Error,
	}
	return out, runErr
}
