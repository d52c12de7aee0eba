// Package beta computes the exact probability that one Beta-distributed
// conversion rate exceeds another.
//
// The closed form sums alpha_b terms of Beta-function ratios. Every term is
// evaluated in log space and exponentiated before summation so that large
// posteriors neither overflow nor underflow.
package beta

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
)

var (
	// ErrInvalidParameter is returned for non-positive, non-finite or
	// non-integral parameters.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNumericInstability is returned when the summation is not finite.
	ErrNumericInstability = errors.New("numeric instability")
)

// MaxAlphaB is the largest alpha_b accepted by ValidateComparable. The
// closed form sums alpha_b terms, so a call costs time linear in it.
const MaxAlphaB = 1 << 24

// Posterior is a Beta(Alpha, Beta) belief about a Bernoulli success rate.
type Posterior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Uniform returns the uninformative Beta(1, 1) prior.
func Uniform() Posterior {
	return Posterior{Alpha: 1, Beta: 1}
}

// Mean returns the posterior mean alpha / (alpha + beta).
func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// Success returns the posterior after observing one success.
func (p Posterior) Success() Posterior {
	p.Alpha++
	return p
}

// Failure returns the posterior after observing one failure.
func (p Posterior) Failure() Posterior {
	p.Beta++
	return p
}

// Validate checks that both parameters are finite and strictly positive.
func (p Posterior) Validate() error {
	if !positiveFinite(p.Alpha) {
		return fmt.Errorf("%w: alpha must be positive and finite, got %v", ErrInvalidParameter, p.Alpha)
	}
	if !positiveFinite(p.Beta) {
		return fmt.Errorf("%w: beta must be positive and finite, got %v", ErrInvalidParameter, p.Beta)
	}
	return nil
}

// ValidateComparable checks a (challenger) posterior for use as the B side
// of ProbBBetterThanA: on top of Validate, Alpha must be an integer no
// larger than MaxAlphaB because the closed form sums exactly Alpha terms.
func (p Posterior) ValidateComparable() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Alpha != math.Trunc(p.Alpha) {
		return fmt.Errorf("%w: alpha_b must be an integer, got %v", ErrInvalidParameter, p.Alpha)
	}
	if p.Alpha > MaxAlphaB {
		return fmt.Errorf("%w: alpha_b must be <= %d, got %v", ErrInvalidParameter, MaxAlphaB, p.Alpha)
	}
	return nil
}

// ProbBBetterThanA returns P(X_B > X_A) for X_A ~ Beta(a.Alpha, a.Beta) and
// X_B ~ Beta(b.Alpha, b.Beta):
//
//	sum_{i=0}^{b.Alpha-1} B(a.Alpha+i, a.Beta+b.Beta) /
//	    ((b.Beta+i) * B(1+i, b.Beta) * B(a.Alpha, a.Beta))
//
// Inputs are not checked. b.Alpha must be a positive integer for the
// identity to hold; b.Alpha <= 0 gives the empty sum 0. Values above
// MaxAlphaB are not supported. Use Compare for a validated call.
func ProbBBetterThanA(a, b Posterior) float64 {
	lbetaA := mathext.Lbeta(a.Alpha, a.Beta)
	terms := int(b.Alpha)

	p := 0.0
	for i := 0; i < terms; i++ {
		fi := float64(i)
		p += math.Exp(mathext.Lbeta(a.Alpha+fi, a.Beta+b.Beta) -
			math.Log(b.Beta+fi) - mathext.Lbeta(1+fi, b.Beta) - lbetaA)
	}
	return p
}

// Compare validates both posteriors, computes ProbBBetterThanA and rejects a
// non-finite result.
func Compare(a, b Posterior) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("arm a: %w", err)
	}
	if err := b.ValidateComparable(); err != nil {
		return 0, fmt.Errorf("arm b: %w", err)
	}
	p := ProbBBetterThanA(a, b)
	if err := CheckFinite(p); err != nil {
		return 0, err
	}
	return p, nil
}

// CheckFinite returns ErrNumericInstability for NaN or infinite p.
func CheckFinite(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("%w: probability evaluated to %v", ErrNumericInstability, p)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
