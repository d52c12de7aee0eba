// Package sim drives sequential two-arm Bernoulli experiments in which every
// user is allocated to arm B with the exact posterior probability that B
// converts better than A.
package sim

import (
	"context"
	"fmt"
	"math"

	"github.com/jordanhubbard/tssim/internal/beta"
)

// Errors shared with the comparator so callers only need this package.
var (
	ErrInvalidParameter   = beta.ErrInvalidParameter
	ErrNumericInstability = beta.ErrNumericInstability
)

// Arm identifies one side of the experiment.
type Arm string

const (
	ArmA Arm = "A"
	ArmB Arm = "B"
)

// ArmState holds both posteriors at one point of a run. It is a value: a
// step returns a new ArmState instead of mutating the old one.
type ArmState struct {
	A beta.Posterior `json:"a"`
	B beta.Posterior `json:"b"`
}

// DefaultArmState returns uniform priors on both arms.
func DefaultArmState() ArmState {
	return ArmState{A: beta.Uniform(), B: beta.Uniform()}
}

// Validate checks both priors; B's alpha must be a positive integer.
func (s ArmState) Validate() error {
	if err := s.A.Validate(); err != nil {
		return fmt.Errorf("arm a prior: %w", err)
	}
	if err := s.B.ValidateComparable(); err != nil {
		return fmt.Errorf("arm b prior: %w", err)
	}
	return nil
}

// Step is one user's record. BIsBetter is the probability that made the
// allocation decision (pre-update); the posteriors are the ones after the
// observed outcome.
type Step struct {
	NthUser   int     `json:"nth_user"`
	BIsBetter float64 `json:"b_is_better"`
	AlphaA    float64 `json:"alpha_a"`
	BetaA     float64 `json:"beta_a"`
	AlphaB    float64 `json:"alpha_b"`
	BetaB     float64 `json:"beta_b"`
	Arm       Arm     `json:"arm"`
	Success   bool    `json:"success"`
}

// State returns the post-update ArmState recorded in the step.
func (s Step) State() ArmState {
	return ArmState{
		A: beta.Posterior{Alpha: s.AlphaA, Beta: s.BetaA},
		B: beta.Posterior{Alpha: s.AlphaB, Beta: s.BetaB},
	}
}

// RunSummary identifies a run. Thetas are the hidden true rates.
type RunSummary struct {
	ThetaA   float64 `json:"theta_a"`
	ThetaB   float64 `json:"theta_b"`
	Universe int     `json:"universe"`
}

// Run is one simulated experiment.
type Run struct {
	Summary    RunSummary `json:"summary"`
	Prior      ArmState   `json:"prior"`
	Trajectory []Step     `json:"trajectory"`
}

// Final returns the posterior state after the last user, or the prior for an
// empty trajectory.
func (r Run) Final() ArmState {
	if len(r.Trajectory) == 0 {
		return r.Prior
	}
	return r.Trajectory[len(r.Trajectory)-1].State()
}

// Params configures one run.
type Params struct {
	Users    int
	ThetaA   float64
	ThetaB   float64
	Universe int
	// Prior defaults to DefaultArmState when zero.
	Prior ArmState
}

// Validate checks Params before any draw is consumed.
func (p Params) Validate() error {
	if p.Users <= 0 {
		return fmt.Errorf("%w: users must be > 0, got %d", ErrInvalidParameter, p.Users)
	}
	if err := validateTheta("theta_a", p.ThetaA); err != nil {
		return err
	}
	if err := validateTheta("theta_b", p.ThetaB); err != nil {
		return err
	}
	prior := p.prior()
	if err := prior.Validate(); err != nil {
		return err
	}
	if prior.B.Alpha+float64(p.Users) > beta.MaxAlphaB {
		return fmt.Errorf("%w: prior alpha_b %v plus %d users exceeds %d",
			ErrInvalidParameter, prior.B.Alpha, p.Users, beta.MaxAlphaB)
	}
	return nil
}

func (p Params) prior() ArmState {
	if p.Prior == (ArmState{}) {
		return DefaultArmState()
	}
	return p.Prior
}

func validateTheta(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidParameter, name, v)
	}
	return nil
}

// Transition applies one allocation decision. It is a pure function of the
// current state and the two draws: u1 selects the arm against p, u2 decides
// the outcome against the chosen arm's theta.
func Transition(state ArmState, p, u1, u2, thetaA, thetaB float64) (ArmState, Arm, bool) {
	if u1 < p {
		success := u2 < thetaB
		if success {
			state.B = state.B.Success()
		} else {
			state.B = state.B.Failure()
		}
		return state, ArmB, success
	}
	success := u2 < thetaA
	if success {
		state.A = state.A.Success()
	} else {
		state.A = state.A.Failure()
	}
	return state, ArmA, success
}

// Advance runs user i (1-based) from state: it computes the allocation
// probability, consumes the allocation draw then the outcome draw from src,
// and returns the new state with the step record.
func Advance(state ArmState, i int, thetaA, thetaB float64, src Source) (ArmState, Step, error) {
	p := beta.ProbBBetterThanA(state.A, state.B)
	if err := beta.CheckFinite(p); err != nil {
		return state, Step{}, fmt.Errorf("user %d: %w", i, err)
	}
	u1 := src.Float64()
	u2 := src.Float64()

	next, arm, success := Transition(state, p, u1, u2, thetaA, thetaB)
	return next, Step{
		NthUser:   i,
		BIsBetter: p,
		AlphaA:    next.A.Alpha,
		BetaA:     next.A.Beta,
		AlphaB:    next.B.Alpha,
		BetaB:     next.B.Beta,
		Arm:       arm,
		Success:   success,
	}, nil
}

// Simulate runs params.Users sequential allocations. Invalid params fail
// before the loop starts; a non-finite probability or a cancelled context
// aborts the run.
func Simulate(ctx context.Context, params Params, src Source) (Run, error) {
	if err := params.Validate(); err != nil {
		return Run{}, err
	}
	if src == nil {
		return Run{}, fmt.Errorf("%w: nil random source", ErrInvalidParameter)
	}

	prior := params.prior()
	state := prior
	trajectory := make([]Step, 0, params.Users)
	for i := 1; i <= params.Users; i++ {
		if err := ctx.Err(); err != nil {
			return Run{}, fmt.Errorf("universe %d aborted at user %d: %w", params.Universe, i, err)
		}
		var step Step
		var err error
		state, step, err = Advance(state, i, params.ThetaA, params.ThetaB, src)
		if err != nil {
			return Run{}, fmt.Errorf("universe %d: %w", params.Universe, err)
		}
		trajectory = append(trajectory, step)
	}

	return Run{
		Summary: RunSummary{
			ThetaA:   params.ThetaA,
			ThetaB:   params.ThetaB,
			Universe: params.Universe,
		},
		Prior:      prior,
		Trajectory: trajectory,
	}, nil
}

// Record is the column-oriented form of a Run: every slice has one entry
// per user.
type Record struct {
	ThetaA    float64   `json:"theta_a"`
	ThetaB    float64   `json:"theta_b"`
	Universe  int       `json:"universe"`
	NthUser   []int     `json:"nth_user"`
	BIsBetter []float64 `json:"b_is_better"`
	AlphaA    []float64 `json:"alpha_a"`
	BetaA     []float64 `json:"beta_a"`
	AlphaB    []float64 `json:"alpha_b"`
	BetaB     []float64 `json:"beta_b"`
}

// Record converts the run to columns.
func (r Run) Record() Record {
	n := len(r.Trajectory)
	rec := Record{
		ThetaA:    r.Summary.ThetaA,
		ThetaB:    r.Summary.ThetaB,
		Universe:  r.Summary.Universe,
		NthUser:   make([]int, n),
		BIsBetter: make([]float64, n),
		AlphaA:    make([]float64, n),
		BetaA:     make([]float64, n),
		AlphaB:    make([]float64, n),
		BetaB:     make([]float64, n),
	}
	for i, s := range r.Trajectory {
		rec.NthUser[i] = s.NthUser
		rec.BIsBetter[i] = s.BIsBetter
		rec.AlphaA[i] = s.AlphaA
		rec.BetaA[i] = s.BetaA
		rec.AlphaB[i] = s.AlphaB
		rec.BetaB[i] = s.BetaB
	}
	return rec
}

// Len returns the number of users in the record.
func (r Record) Len() int { return len(r.NthUser) }
