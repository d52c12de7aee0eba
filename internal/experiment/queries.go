package experiment

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/tssim/internal/analysis"
	"github.com/jordanhubbard/tssim/internal/sim"
	"github.com/jordanhubbard/tssim/internal/store"
	"github.com/jordanhubbard/tssim/internal/trajectory"
)

// RunRecord converts per-run statistics to their stored form.
func RunRecord(batchID string, summary sim.RunSummary, st analysis.RunStats) store.RunRecord {
	return store.RunRecord{
		BatchID:         batchID,
		Universe:        summary.Universe,
		ThetaA:          summary.ThetaA,
		ThetaB:          summary.ThetaB,
		Users:           st.Users,
		UsersA:          st.UsersA,
		UsersB:          st.UsersB,
		SuccessesA:      st.SuccessesA,
		SuccessesB:      st.SuccessesB,
		Regret:          st.Regret,
		FinalBIsBetter:  st.FinalBIsBetter,
		CorrectArm:      st.CorrectArm,
		ConvergenceStep: st.ConvergenceStep,
	}
}

// RunStats converts a stored run back to statistics.
func RunStats(r store.RunRecord) analysis.RunStats {
	return analysis.RunStats{
		Universe:        r.Universe,
		Users:           r.Users,
		UsersA:          r.UsersA,
		UsersB:          r.UsersB,
		SuccessesA:      r.SuccessesA,
		SuccessesB:      r.SuccessesB,
		Regret:          r.Regret,
		FinalBIsBetter:  r.FinalBIsBetter,
		CorrectArm:      r.CorrectArm,
		ConvergenceStep: r.ConvergenceStep,
	}
}

// Batch returns a stored batch or ErrNotFound.
func (s *Service) Batch(ctx context.Context, id string) (store.BatchRecord, error) {
	if s.store == nil {
		return store.BatchRecord{}, ErrNoStore
	}
	rec, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return store.BatchRecord{}, err
	}
	if rec == nil {
		return store.BatchRecord{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return *rec, nil
}

// Batches lists stored batches, newest first.
func (s *Service) Batches(ctx context.Context, limit, offset int) ([]store.BatchRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListBatches(ctx, limit, offset)
}

// Runs returns the stored per-universe statistics of a batch.
func (s *Service) Runs(ctx context.Context, id string) ([]analysis.RunStats, error) {
	if _, err := s.Batch(ctx, id); err != nil {
		return nil, err
	}
	recs, err := s.store.ListRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]analysis.RunStats, len(recs))
	for i, r := range recs {
		out[i] = RunStats(r)
	}
	return out, nil
}

// Summary aggregates every stored run of a batch.
func (s *Service) Summary(ctx context.Context, id string) (analysis.BatchStats, error) {
	runs, err := s.Runs(ctx, id)
	if err != nil {
		return analysis.BatchStats{}, err
	}
	stats := analysis.Aggregate(runs)
	stats.ConvergenceThreshold = s.cfg.ConvergenceThreshold
	return stats, nil
}

// Trajectory returns the stored column-oriented record of one universe.
func (s *Service) Trajectory(ctx context.Context, id string, universe int) (sim.Record, error) {
	if s.traj == nil {
		return sim.Record{}, ErrNoStore
	}
	rec, err := s.traj.Run(ctx, id, universe)
	if err != nil {
		return sim.Record{}, err
	}
	if rec == nil {
		return sim.Record{}, fmt.Errorf("batch %s universe %d: %w", id, universe, ErrNotFound)
	}
	return *rec, nil
}

// TrajectoryUniverses lists the universes of a batch with stored steps.
func (s *Service) TrajectoryUniverses(ctx context.Context, id string) ([]int, error) {
	if _, err := s.Batch(ctx, id); err != nil {
		return nil, err
	}
	if s.traj == nil {
		return nil, ErrNoStore
	}
	return s.traj.Universes(ctx, id)
}

// Mean averages a trajectory field across the universes of a batch.
func (s *Service) Mean(ctx context.Context, id, field string, step int) ([]trajectory.DataPt, error) {
	if s.traj == nil {
		return nil, ErrNoStore
	}
	return s.traj.Mean(ctx, trajectory.MeanParams{BatchID: id, Field: field, Step: step})
}

// DeleteBatch removes a batch with its runs and trajectories.
func (s *Service) DeleteBatch(ctx context.Context, id string) error {
	if _, err := s.Batch(ctx, id); err != nil {
		return err
	}
	if s.traj != nil {
		if err := s.traj.DeleteBatch(ctx, id); err != nil {
			return err
		}
	}
	return s.store.DeleteBatch(ctx, id)
}
