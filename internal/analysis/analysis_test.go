package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/tssim/internal/sim"
)

func handRun(thetaA, thetaB float64, steps ...sim.Step) sim.Run {
	return sim.Run{
		Summary:    sim.RunSummary{ThetaA: thetaA, ThetaB: thetaB, Universe: 1},
		Prior:      sim.DefaultArmState(),
		Trajectory: steps,
	}
}

func TestSummarize_CountsAndRegret(t *testing.T) {
	run := handRun(0.2, 0.6,
		sim.Step{NthUser: 1, BIsBetter: 0.5, AlphaA: 2, BetaA: 1, AlphaB: 1, BetaB: 1, Arm: sim.ArmA, Success: true},
		sim.Step{NthUser: 2, BIsBetter: 0.33, AlphaA: 2, BetaA: 1, AlphaB: 2, BetaB: 1, Arm: sim.ArmB, Success: true},
		sim.Step{NthUser: 3, BIsBetter: 0.5, AlphaA: 2, BetaA: 1, AlphaB: 2, BetaB: 2, Arm: sim.ArmB, Success: false},
	)
	s := Summarize(run)
	assert.Equal(t, 3, s.Users)
	assert.Equal(t, 1, s.UsersA)
	assert.Equal(t, 2, s.UsersB)
	assert.Equal(t, 1, s.SuccessesA)
	assert.Equal(t, 1, s.SuccessesB)
	assert.InDelta(t, 0.4, s.Regret, 1e-12)
	assert.InDelta(t, 2.0/3.0, s.ShareB(), 1e-12)
	// Final state A=Beta(2,1), B=Beta(2,2): A looks better, so B is not chosen.
	assert.Less(t, s.FinalBIsBetter, 0.5)
	assert.False(t, s.CorrectArm)
	assert.Equal(t, 0, s.ConvergenceStep)
}

func TestSummarize_ConvergenceStep(t *testing.T) {
	run := handRun(0.1, 0.9,
		sim.Step{NthUser: 1, BIsBetter: 0.96, Arm: sim.ArmB, AlphaA: 1, BetaA: 1, AlphaB: 2, BetaB: 1},
		sim.Step{NthUser: 2, BIsBetter: 0.80, Arm: sim.ArmB, AlphaA: 1, BetaA: 1, AlphaB: 3, BetaB: 1},
		sim.Step{NthUser: 3, BIsBetter: 0.97, Arm: sim.ArmB, AlphaA: 1, BetaA: 1, AlphaB: 4, BetaB: 1},
		sim.Step{NthUser: 4, BIsBetter: 0.99, Arm: sim.ArmB, AlphaA: 1, BetaA: 1, AlphaB: 5, BetaB: 1},
	)
	s := Summarize(run)
	assert.Equal(t, 3, s.ConvergenceStep)
	assert.True(t, s.CorrectArm)
	assert.Equal(t, 0.0, s.Regret)

	assert.Equal(t, 1, SummarizeWithThreshold(run, 0.75).ConvergenceStep)
}

func TestSummarize_ConvergenceTowardA(t *testing.T) {
	run := handRun(0.7, 0.1,
		sim.Step{NthUser: 1, BIsBetter: 0.5, Arm: sim.ArmA, AlphaA: 2, BetaA: 1, AlphaB: 1, BetaB: 1},
		sim.Step{NthUser: 2, BIsBetter: 0.02, Arm: sim.ArmA, AlphaA: 3, BetaA: 1, AlphaB: 1, BetaB: 1},
	)
	s := Summarize(run)
	assert.Equal(t, 2, s.ConvergenceStep)
	assert.True(t, s.CorrectArm)
}

func TestSummarize_EqualThetasAlwaysCorrect(t *testing.T) {
	run := handRun(0.5, 0.5, sim.Step{NthUser: 1, BIsBetter: 0.5, Arm: sim.ArmA, AlphaA: 2, BetaA: 1, AlphaB: 1, BetaB: 1})
	s := Summarize(run)
	assert.True(t, s.CorrectArm)
	assert.Equal(t, 0, s.ConvergenceStep)
	assert.Equal(t, 0.0, s.Regret)
}

func TestSummarize_EmptyRunUsesPrior(t *testing.T) {
	s := Summarize(handRun(0.1, 0.2))
	assert.Equal(t, 0, s.Users)
	assert.Equal(t, 0.0, s.ShareB())
	assert.InDelta(t, 0.5, s.FinalBIsBetter, 1e-15)
}

func TestSummarizeBatch_ClearWinnerIsIdentified(t *testing.T) {
	runner := sim.NewRunner(sim.WithSources(sim.PCGFactory(2024)))
	res, err := runner.SimulateMany(context.Background(), sim.BatchParams{Users: 400, Reps: 20, ThetaA: 0.1, ThetaB: 0.5})
	require.NoError(t, err)

	stats := SummarizeBatch(res)
	assert.Equal(t, 20, stats.Runs)
	assert.GreaterOrEqual(t, stats.CorrectShare, 0.95)
	assert.Greater(t, stats.MeanShareB, 0.8)
	assert.GreaterOrEqual(t, stats.ConvergedShare, 0.8)
	assert.Greater(t, stats.MeanConvergenceStep, 0.0)
	assert.Greater(t, stats.MeanRegret, 0.0)
	// Always playing the worse arm would cost 0.4 per user.
	assert.Less(t, stats.MeanRegret, 0.4*400*0.2)
	assert.Equal(t, DefaultConvergenceThreshold, stats.ConvergenceThreshold)
}

func TestAggregate(t *testing.T) {
	stats := Aggregate([]RunStats{
		{Users: 10, UsersB: 5, Regret: 1, CorrectArm: true, ConvergenceStep: 4, FinalBIsBetter: 0.9},
		{Users: 10, UsersB: 10, Regret: 3, CorrectArm: false, FinalBIsBetter: 0.3},
	})
	assert.Equal(t, 2, stats.Runs)
	assert.InDelta(t, 2.0, stats.MeanRegret, 1e-12)
	assert.InDelta(t, 1.4142135623730951, stats.StdDevRegret, 1e-12)
	assert.InDelta(t, 0.5, stats.CorrectShare, 1e-12)
	assert.InDelta(t, 0.5, stats.ConvergedShare, 1e-12)
	assert.InDelta(t, 4.0, stats.MeanConvergenceStep, 1e-12)
	assert.InDelta(t, 0.75, stats.MeanShareB, 1e-12)
	assert.InDelta(t, 0.6, stats.MeanFinalBIsBetter, 1e-12)

	assert.Equal(t, BatchStats{ConvergenceThreshold: DefaultConvergenceThreshold}, Aggregate(nil))
}
