package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/jordanhubbard/tssim/internal/analysis"
	"github.com/jordanhubbard/tssim/internal/experiment"
	"github.com/jordanhubbard/tssim/internal/store"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name, so no method body runs.
var actsRef *Activities

func universeStats(_ context.Context, in UniverseInput) (analysis.RunStats, error) {
	return analysis.RunStats{Universe: in.Universe, Users: 10, Regret: float64(in.Universe)}, nil
}

func TestBatchWorkflow_Success(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	var finished FinishInput
	var fractions []float64
	env.OnActivity(actsRef.RunUniverse, mock.Anything, mock.Anything).Return(universeStats)
	env.OnActivity(actsRef.ReportProgress, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in ProgressInput) error {
			fractions = append(fractions, in.Fraction)
			return nil
		}).Times(3)
	env.OnActivity(actsRef.FinishBatch, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in FinishInput) (store.BatchRecord, error) {
			finished = in
			return store.BatchRecord{ID: in.BatchID, Status: store.StatusCompleted, CompletedRuns: in.CompletedRuns}, nil
		})

	env.ExecuteWorkflow(BatchWorkflow, BatchInput{BatchID: "b1", Reps: 25})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BatchOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "completed", out.Status)
	require.Equal(t, 25, out.CompletedRuns)
	require.InDelta(t, 13.0, out.MeanRegret, 1e-9)
	require.Empty(t, out.Error)

	require.Equal(t, 25, finished.CompletedRuns)
	require.Empty(t, finished.Error)
	require.False(t, finished.Cancelled)
	require.Equal(t, []float64{0, 0.4, 0.8}, fractions)

	env.AssertExpectations(t)
}

func TestBatchWorkflow_FailureKeepsPrefix(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	var finished FinishInput
	env.OnActivity(actsRef.RunUniverse, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, in UniverseInput) (analysis.RunStats, error) {
			if in.Universe == 4 {
				return analysis.RunStats{}, temporal.NewNonRetryableApplicationError("numeric instability", "numeric", nil)
			}
			return universeStats(ctx, in)
		})
	env.OnActivity(actsRef.ReportProgress, mock.Anything, mock.Anything).Return(nil).Once()
	env.OnActivity(actsRef.FinishBatch, mock.Anything, mock.Anything).Return(
		func(_ context.Context, in FinishInput) (store.BatchRecord, error) {
			finished = in
			return store.BatchRecord{ID: in.BatchID, Status: store.StatusFailed, CompletedRuns: in.CompletedRuns}, nil
		})

	env.ExecuteWorkflow(BatchWorkflow, BatchInput{BatchID: "b1", Reps: 8})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, 3, finished.CompletedRuns)
	require.Contains(t, finished.Error, "numeric instability")
	require.False(t, finished.Cancelled)
}

func TestBatchWorkflow_ProgressMatchesRunner(t *testing.T) {
	for _, tc := range []struct {
		name        string
		reps, every int
		parallelism int
		want        []float64
	}{
		{name: "multiple of cadence", reps: 20, want: []float64{0, 0.5}},
		{name: "parallel", reps: 10, every: 5, parallelism: 4, want: []float64{0, 0.5}},
		{name: "single run", reps: 1, want: []float64{0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			suite := &testsuite.WorkflowTestSuite{}
			env := suite.NewTestWorkflowEnvironment()

			var fractions []float64
			env.OnActivity(actsRef.RunUniverse, mock.Anything, mock.Anything).Return(universeStats)
			env.OnActivity(actsRef.ReportProgress, mock.Anything, mock.Anything).Return(
				func(_ context.Context, in ProgressInput) error {
					fractions = append(fractions, in.Fraction)
					return nil
				})
			env.OnActivity(actsRef.FinishBatch, mock.Anything, mock.Anything).Return(
				store.BatchRecord{ID: "b1", Status: store.StatusCompleted, CompletedRuns: tc.reps}, nil)

			env.ExecuteWorkflow(BatchWorkflow, BatchInput{
				BatchID: "b1", Reps: tc.reps, ProgressEvery: tc.every, Parallelism: tc.parallelism,
			})

			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())
			require.Equal(t, tc.want, fractions)
			for _, f := range fractions {
				require.GreaterOrEqual(t, f, 0.0)
				require.Less(t, f, 1.0)
			}
		})
	}
}

func TestBatchWorkflow_ParallelKeepsOrder(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.RunUniverse, mock.Anything, mock.Anything).Return(universeStats)
	env.OnActivity(actsRef.ReportProgress, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(actsRef.FinishBatch, mock.Anything, mock.Anything).Return(
		store.BatchRecord{ID: "b1", Status: store.StatusCompleted, CompletedRuns: 10}, nil)

	env.ExecuteWorkflow(BatchWorkflow, BatchInput{BatchID: "b1", Reps: 10, Parallelism: 4, ProgressEvery: 5})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BatchOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, 10, out.CompletedRuns)
	require.InDelta(t, 5.5, out.MeanRegret, 1e-9)

	val, err := env.QueryWorkflow(progressQuery)
	require.NoError(t, err)
	var p Progress
	require.NoError(t, val.Get(&p))
	require.Equal(t, Progress{CompletedRuns: 10, Reps: 10}, p)
}

func newService(t *testing.T) *experiment.Service {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	traj, err := trajectory.New(st.DB())
	require.NoError(t, err)

	return experiment.New(experiment.Config{Seed: 11, Workers: 3, StoreTrajectories: true},
		experiment.WithStore(st),
		experiment.WithTrajectories(traj),
		experiment.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestBatchWorkflow_MatchesInProcessBatch(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	req := experiment.BatchRequest{Users: 60, Reps: 12, ThetaA: 0.3, ThetaB: 0.45}
	inProcess, err := svc.RunBatch(ctx, experiment.BatchRequest{ID: "local", Users: req.Users, Reps: req.Reps, ThetaA: req.ThetaA, ThetaB: req.ThetaB})
	require.NoError(t, err)

	req.ID = "durable"
	rec, err := svc.PrepareBatch(ctx, req)
	require.NoError(t, err)

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(&Activities{Service: svc})
	env.ExecuteWorkflow(BatchWorkflow, BatchInput{BatchID: rec.ID, Reps: rec.Reps, Parallelism: 3})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	durable, err := svc.Summary(ctx, "durable")
	require.NoError(t, err)
	require.Equal(t, inProcess.Stats, durable)

	stored, err := svc.Batch(ctx, "durable")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, stored.Status)
	require.Equal(t, 12, stored.CompletedRuns)

	localTraj, err := svc.Trajectory(ctx, "local", 7)
	require.NoError(t, err)
	durableTraj, err := svc.Trajectory(ctx, "durable", 7)
	require.NoError(t, err)
	require.Equal(t, localTraj.BIsBetter, durableTraj.BIsBetter)
}

func TestActivities_FinishBatchCancelled(t *testing.T) {
	svc := newService(t)
	rec, err := svc.PrepareBatch(context.Background(), experiment.BatchRequest{ID: "b", Users: 5, Reps: 4, ThetaA: 0.1, ThetaB: 0.2})
	require.NoError(t, err)

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	acts := &Activities{Service: svc}
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.FinishBatch, FinishInput{BatchID: rec.ID, CompletedRuns: 2, Error: "cancelled", Cancelled: true})
	require.NoError(t, err)
	var got store.BatchRecord
	require.NoError(t, val.Get(&got))
	require.Equal(t, store.StatusCancelled, got.Status)
	require.Equal(t, 2, got.CompletedRuns)
}

func TestActivities_RunUniverseOutOfRangeIsNonRetryable(t *testing.T) {
	svc := newService(t)
	rec, err := svc.PrepareBatch(context.Background(), experiment.BatchRequest{ID: "b", Users: 5, Reps: 2, ThetaA: 0.1, ThetaB: 0.2})
	require.NoError(t, err)

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	acts := &Activities{Service: svc}
	env.RegisterActivity(acts)

	_, err = env.ExecuteActivity(acts.RunUniverse, UniverseInput{BatchID: rec.ID, Universe: 3})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	require.True(t, appErr.NonRetryable())
}

// fakeClient records ExecuteWorkflow calls. Other client methods are not used.
type fakeClient struct {
	client.Client
	opts  client.StartWorkflowOptions
	input BatchInput
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string { return r.id }

func (c *fakeClient) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	c.opts = opts
	c.input = args[0].(BatchInput)
	return fakeRun{id: opts.ID}, nil
}

func TestManager_StartBatch(t *testing.T) {
	svc := newService(t)
	rec, err := svc.PrepareBatch(context.Background(), experiment.BatchRequest{ID: "b9", Users: 5, Reps: 6, ThetaA: 0.1, ThetaB: 0.2, Workers: 2})
	require.NoError(t, err)

	fc := &fakeClient{}
	m := &Manager{client: fc, acts: &Activities{Service: svc}, cfg: Config{TaskQueue: "q"}}

	id, err := m.StartBatch(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, "batch-b9", id)
	require.Equal(t, "q", fc.opts.TaskQueue)
	require.Equal(t, BatchInput{BatchID: "b9", Reps: 6, Parallelism: 2}, fc.input)

	_, err = m.StartBatch(context.Background(), "missing")
	require.ErrorIs(t, err, experiment.ErrNotFound)
}
