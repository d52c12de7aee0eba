package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProgress struct {
	mu     sync.Mutex
	values []float64
}

func (p *recordingProgress) ReportProgress(f float64) {
	p.mu.Lock()
	p.values = append(p.values, f)
	p.mu.Unlock()
}

func TestSimulateMany_UniversesInOrder(t *testing.T) {
	runner := NewRunner(WithSources(PCGFactory(3)))
	res, err := runner.SimulateMany(context.Background(), BatchParams{Users: 15, Reps: 25, ThetaA: 0.2, ThetaB: 0.25})
	require.NoError(t, err)
	require.Len(t, res.Runs, 25)
	for i, run := range res.Runs {
		assert.Equal(t, i+1, run.Summary.Universe)
		assert.Len(t, run.Trajectory, 15)
		assert.Equal(t, DefaultArmState(), run.Prior)
	}

	recs := res.Records()
	require.Len(t, recs, 25)
	assert.Equal(t, 25, recs[24].Universe)
}

func TestSimulateMany_ProgressCadence(t *testing.T) {
	progress := &recordingProgress{}
	runner := NewRunner(WithProgress(progress))
	_, err := runner.SimulateMany(context.Background(), BatchParams{Users: 2, Reps: 35, ThetaA: 0.5, ThetaB: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10.0 / 35, 20.0 / 35, 30.0 / 35}, progress.values)
}

func TestSimulateMany_CustomProgressCadence(t *testing.T) {
	var got []float64
	runner := NewRunner(WithProgress(ProgressFunc(func(f float64) { got = append(got, f) })), WithProgressEvery(2))
	_, err := runner.SimulateMany(context.Background(), BatchParams{Users: 1, Reps: 5, ThetaA: 0.5, ThetaB: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.4, 0.8}, got)
}

func TestSimulateMany_ConcurrentMatchesSequential(t *testing.T) {
	params := BatchParams{Users: 40, Reps: 23, ThetaA: 0.1, ThetaB: 0.2}

	seq, err := NewRunner(WithSources(PCGFactory(77))).SimulateMany(context.Background(), params)
	require.NoError(t, err)

	progress := &recordingProgress{}
	par, err := NewRunner(WithSources(PCGFactory(77)), WithWorkers(4), WithProgress(progress)).SimulateMany(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, seq, par)
	assert.Equal(t, []float64{0, 10.0 / 23, 20.0 / 23}, progress.values)
}

func TestSimulateMany_InvalidParamsFailFast(t *testing.T) {
	progress := &recordingProgress{}
	runner := NewRunner(WithProgress(progress))

	for _, p := range []BatchParams{
		{Users: 10, Reps: 0, ThetaA: 0.5, ThetaB: 0.5},
		{Users: 0, Reps: 3, ThetaA: 0.5, ThetaB: 0.5},
		{Users: 10, Reps: 3, ThetaA: 2, ThetaB: 0.5},
	} {
		res, err := runner.SimulateMany(context.Background(), p)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidParameter))
		assert.Empty(t, res.Runs)
	}
	assert.Empty(t, progress.values)
}

// cancellingFactory cancels the batch context once universe 3 starts drawing.
func cancellingFactory(cancel context.CancelFunc) SourceFactory {
	base := PCGFactory(1)
	return func(universe int) Source {
		src := base(universe)
		if universe == 3 {
			return sourceFunc(func() float64 {
				cancel()
				return src.Float64()
			})
		}
		return src
	}
}

// sourceFunc adapts a function to Source.
type sourceFunc func() float64

func (f sourceFunc) Float64() float64 { return f() }

func TestSimulateMany_CancellationSurfacesPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := NewRunner(WithSources(cancellingFactory(cancel)))
	res, err := runner.SimulateMany(ctx, BatchParams{Users: 5, Reps: 10, ThetaA: 0.5, ThetaB: 0.5})
	require.Error(t, err)

	var be *BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 3, be.Universe)
	assert.Len(t, be.Completed, 2)
	assert.Equal(t, be.Completed, res.Runs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Runs[0].Summary.Universe)
	assert.Equal(t, 2, res.Runs[1].Summary.Universe)
}

func TestSimulateMany_ConcurrentCancellationKeepsOrderedPrefix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(WithWorkers(3)).SimulateMany(ctx, BatchParams{Users: 5, Reps: 10, ThetaA: 0.5, ThetaB: 0.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var be *BatchError
	require.True(t, errors.As(err, &be))
	for i, run := range res.Runs {
		assert.Equal(t, i+1, run.Summary.Universe)
	}
	assert.Less(t, len(res.Runs), 10)
}

func TestBatchError_Message(t *testing.T) {
	err := &BatchError{Universe: 4, Completed: make([]Run, 3), Err: ErrNumericInstability}
	assert.Contains(t, err.Error(), "universe 4")
	assert.Contains(t, err.Error(), "3 runs completed")
	assert.ErrorIs(t, err, ErrNumericInstability)
}

func TestSimulateMany_ObserverSeesEveryUniverse(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}
	observer := func(universe int, run Run, elapsed time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, err)
		assert.Equal(t, universe, run.Summary.Universe)
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		seen[universe]++
	}

	_, err := NewRunner(WithWorkers(3), WithObserver(observer)).
		SimulateMany(context.Background(), BatchParams{Users: 8, Reps: 12, ThetaA: 0.3, ThetaB: 0.4})
	require.NoError(t, err)
	require.Len(t, seen, 12)
	for u := 1; u <= 12; u++ {
		assert.Equal(t, 1, seen[u], "universe %d", u)
	}
}

func TestSimulateMany_ObserverSeesFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failed []int
	observer := func(universe int, _ Run, _ time.Duration, err error) {
		if err != nil {
			failed = append(failed, universe)
		}
	}
	_, err := NewRunner(WithSources(cancellingFactory(cancel)), WithObserver(observer)).
		SimulateMany(ctx, BatchParams{Users: 5, Reps: 10, ThetaA: 0.5, ThetaB: 0.5})
	require.Error(t, err)
	assert.Equal(t, []int{3}, failed)
}
