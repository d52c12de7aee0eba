package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jordanhubbard/tssim/internal/beta"
	"github.com/jordanhubbard/tssim/internal/sim"
)

// maxBodyBytes bounds request bodies; every request here is a few numbers.
const maxBodyBytes = 64 * 1024

var validate = validator.New()

// PosteriorDTO is a Beta(alpha, beta) posterior on the wire.
type PosteriorDTO struct {
	Alpha float64 `json:"alpha" validate:"gt=0,lte=16777216"`
	Beta  float64 `json:"beta" validate:"gt=0"`
}

func (p PosteriorDTO) posterior() beta.Posterior {
	return beta.Posterior{Alpha: p.Alpha, Beta: p.Beta}
}

// CompareRequest is the body of POST /v1/compare.
type CompareRequest struct {
	A PosteriorDTO `json:"a"`
	B PosteriorDTO `json:"b"`
}

// SimulateRequest is the body of POST /v1/simulate.
type SimulateRequest struct {
	Users    int           `json:"users" validate:"required,gt=0"`
	ThetaA   *float64      `json:"theta_a" validate:"required,gte=0,lte=1"`
	ThetaB   *float64      `json:"theta_b" validate:"required,gte=0,lte=1"`
	Universe int           `json:"universe" validate:"gte=0"`
	Seed     *uint64       `json:"seed,omitempty"`
	PriorA   *PosteriorDTO `json:"prior_a,omitempty" validate:"omitempty"`
	PriorB   *PosteriorDTO `json:"prior_b,omitempty" validate:"omitempty"`
}

func (r SimulateRequest) prior() sim.ArmState {
	state := sim.DefaultArmState()
	if r.PriorA != nil {
		state.A = r.PriorA.posterior()
	}
	if r.PriorB != nil {
		state.B = r.PriorB.posterior()
	}
	return state
}

// BatchRequest is the body of POST /v1/batches.
type BatchRequest struct {
	Users   int      `json:"users" validate:"required,gt=0"`
	Reps    int      `json:"reps" validate:"required,gt=0"`
	ThetaA  *float64 `json:"theta_a" validate:"required,gte=0,lte=1"`
	ThetaB  *float64 `json:"theta_b" validate:"required,gte=0,lte=1"`
	Seed    *uint64  `json:"seed,omitempty"`
	Workers int      `json:"workers" validate:"gte=0,lte=256"`
	Async   bool     `json:"async"`
}

// decodeJSON reads a single JSON object into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
