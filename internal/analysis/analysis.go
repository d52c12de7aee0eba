// Package analysis derives offline statistics from simulated runs: regret,
// allocation shares, whether the better arm was identified and how quickly
// the allocation probability settled.
package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/jordanhubbard/tssim/internal/beta"
	"github.com/jordanhubbard/tssim/internal/sim"
)

// DefaultConvergenceThreshold is the allocation probability (toward the
// truly better arm) a run must hold from some step onward to count as
// converged.
const DefaultConvergenceThreshold = 0.95

// RunStats summarises one universe.
type RunStats struct {
	Universe        int     `json:"universe"`
	Users           int     `json:"users"`
	UsersA          int     `json:"users_a"`
	UsersB          int     `json:"users_b"`
	SuccessesA      int     `json:"successes_a"`
	SuccessesB      int     `json:"successes_b"`
	Regret          float64 `json:"regret"`
	FinalBIsBetter  float64 `json:"final_b_is_better"`
	CorrectArm      bool    `json:"correct_arm"`
	ConvergenceStep int     `json:"convergence_step"` // 0 when never converged
}

// ShareB returns the fraction of users allocated to arm B.
func (s RunStats) ShareB() float64 {
	if s.Users == 0 {
		return 0
	}
	return float64(s.UsersB) / float64(s.Users)
}

// BatchStats aggregates RunStats across universes.
type BatchStats struct {
	Runs                 int     `json:"runs"`
	MeanRegret           float64 `json:"mean_regret"`
	StdDevRegret         float64 `json:"stddev_regret"`
	CorrectShare         float64 `json:"correct_share"`
	ConvergedShare       float64 `json:"converged_share"`
	MeanConvergenceStep  float64 `json:"mean_convergence_step"` // over converged runs only
	MeanShareB           float64 `json:"mean_share_b"`
	MeanFinalBIsBetter   float64 `json:"mean_final_b_is_better"`
	ConvergenceThreshold float64 `json:"convergence_threshold"`
}

// Summarize computes RunStats with DefaultConvergenceThreshold.
func Summarize(run sim.Run) RunStats {
	return SummarizeWithThreshold(run, DefaultConvergenceThreshold)
}

// SummarizeWithThreshold computes RunStats for one run.
//
// The final allocation probability is recomputed from the last posterior
// because each step stores the pre-update probability. A run identifies the
// correct arm when that probability favours the arm with the higher theta;
// with equal thetas either arm is correct.
func SummarizeWithThreshold(run sim.Run, threshold float64) RunStats {
	thetaA, thetaB := run.Summary.ThetaA, run.Summary.ThetaB
	best := math.Max(thetaA, thetaB)

	stats := RunStats{
		Universe: run.Summary.Universe,
		Users:    len(run.Trajectory),
	}
	for _, step := range run.Trajectory {
		switch step.Arm {
		case sim.ArmB:
			stats.UsersB++
			stats.Regret += best - thetaB
			if step.Success {
				stats.SuccessesB++
			}
		default:
			stats.UsersA++
			stats.Regret += best - thetaA
			if step.Success {
				stats.SuccessesA++
			}
		}
	}

	final := run.Final()
	stats.FinalBIsBetter = beta.ProbBBetterThanA(final.A, final.B)
	switch {
	case thetaB > thetaA:
		stats.CorrectArm = stats.FinalBIsBetter > 0.5
	case thetaA > thetaB:
		stats.CorrectArm = stats.FinalBIsBetter < 0.5
	default:
		stats.CorrectArm = true
	}
	stats.ConvergenceStep = convergenceStep(run, threshold)
	return stats
}

// convergenceStep returns the first user from which the allocation
// probability toward the better arm stays at or above threshold until the
// end of the run. Runs with equal thetas never converge.
func convergenceStep(run sim.Run, threshold float64) int {
	thetaA, thetaB := run.Summary.ThetaA, run.Summary.ThetaB
	if thetaA == thetaB {
		return 0
	}
	toward := func(p float64) float64 {
		if thetaB > thetaA {
			return p
		}
		return 1 - p
	}

	step := 0
	for i := len(run.Trajectory) - 1; i >= 0; i-- {
		if toward(run.Trajectory[i].BIsBetter) < threshold {
			break
		}
		step = run.Trajectory[i].NthUser
	}
	return step
}

// SummarizeBatch aggregates every run of a batch.
func SummarizeBatch(result sim.BatchResult) BatchStats {
	return SummarizeBatchWithThreshold(result, DefaultConvergenceThreshold)
}

// SummarizeBatchWithThreshold aggregates every run of a batch.
func SummarizeBatchWithThreshold(result sim.BatchResult, threshold float64) BatchStats {
	all := make([]RunStats, len(result.Runs))
	for i, run := range result.Runs {
		all[i] = SummarizeWithThreshold(run, threshold)
	}
	out := Aggregate(all)
	out.ConvergenceThreshold = threshold
	return out
}

// Aggregate combines per-run statistics.
func Aggregate(all []RunStats) BatchStats {
	out := BatchStats{Runs: len(all), ConvergenceThreshold: DefaultConvergenceThreshold}
	if len(all) == 0 {
		return out
	}

	n := float64(len(all))
	regrets := make([]float64, len(all))
	var correct, converged int
	var convergenceSum float64
	for i, s := range all {
		regrets[i] = s.Regret
		out.MeanShareB += s.ShareB()
		out.MeanFinalBIsBetter += s.FinalBIsBetter
		if s.CorrectArm {
			correct++
		}
		if s.ConvergenceStep > 0 {
			converged++
			convergenceSum += float64(s.ConvergenceStep)
		}
	}
	out.MeanShareB /= n
	out.MeanFinalBIsBetter /= n
	out.CorrectShare = float64(correct) / n
	out.ConvergedShare = float64(converged) / n
	if converged > 0 {
		out.MeanConvergenceStep = convergenceSum / float64(converged)
	}

	if len(all) > 1 {
		out.MeanRegret, out.StdDevRegret = stat.MeanStdDev(regrets, nil)
	} else {
		out.MeanRegret = regrets[0]
	}
	return out
}
