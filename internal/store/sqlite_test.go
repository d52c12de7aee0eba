package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrate(t *testing.T) {
	s := newTestStore(t)
	// Running migrate twice should be idempotent.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestBatchesCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := BatchRecord{
		ID: "batch-1", Users: 1000, Reps: 50, ThetaA: 0.1, ThetaB: 0.12,
		Seed: 1<<63 + 5, Workers: 4,
	}
	if err := s.CreateBatch(ctx, b); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected batch, got nil")
	}
	if got.Status != StatusRunning {
		t.Errorf("expected default status running, got %q", got.Status)
	}
	if got.Seed != 1<<63+5 {
		t.Errorf("seed did not round-trip: %d", got.Seed)
	}
	if got.ThetaB != 0.12 || got.Reps != 50 || got.Workers != 4 {
		t.Errorf("unexpected batch fields: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	if err := s.UpdateBatchStatus(ctx, "batch-1", StatusFailed, 17, "numeric instability"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := s.SetWorkflowID(ctx, "batch-1", "batch-batch-1"); err != nil {
		t.Fatalf("set workflow failed: %v", err)
	}
	got, _ = s.GetBatch(ctx, "batch-1")
	if got.Status != StatusFailed || got.CompletedRuns != 17 || got.Error != "numeric instability" {
		t.Errorf("status update not persisted: %+v", got)
	}
	if got.WorkflowID != "batch-batch-1" {
		t.Errorf("expected workflow id, got %q", got.WorkflowID)
	}

	if err := s.DeleteBatch(ctx, "batch-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err = s.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("get after delete failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestGetBatchNotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetBatch(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestListBatchesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.CreateBatch(ctx, BatchRecord{
			ID: fmt.Sprintf("b%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Users: 10, Reps: 1, ThetaA: 0.5, ThetaB: 0.5,
		})
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	all, err := s.ListBatches(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 batches, got %d", len(all))
	}
	if all[0].ID != "b4" || all[4].ID != "b0" {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[4].ID)
	}

	page, err := s.ListBatches(ctx, 2, 1)
	if err != nil {
		t.Fatalf("paged list failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "b3" || page[1].ID != "b2" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestRunsSaveAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateBatch(ctx, BatchRecord{ID: "b", Users: 100, Reps: 3, ThetaA: 0.2, ThetaB: 0.4}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, u := range []int{3, 1, 2} {
		err := s.SaveRun(ctx, RunRecord{
			BatchID: "b", Universe: u, ThetaA: 0.2, ThetaB: 0.4, Users: 100,
			UsersA: 30, UsersB: 70, SuccessesA: 6, SuccessesB: 28,
			Regret: 6, FinalBIsBetter: 0.97, CorrectArm: true, ConvergenceStep: 40 + u,
		})
		if err != nil {
			t.Fatalf("save run %d failed: %v", u, err)
		}
	}

	// Saving a universe again replaces it.
	if err := s.SaveRun(ctx, RunRecord{BatchID: "b", Universe: 2, Users: 100, Regret: 1.5}); err != nil {
		t.Fatalf("resave failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, "b")
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, r := range runs {
		if r.Universe != i+1 {
			t.Errorf("expected universe %d at index %d, got %d", i+1, i, r.Universe)
		}
	}
	if !runs[0].CorrectArm || runs[0].ConvergenceStep != 41 || runs[0].UsersB != 70 {
		t.Errorf("unexpected run 1: %+v", runs[0])
	}
	if runs[1].Regret != 1.5 || runs[1].CorrectArm {
		t.Errorf("expected run 2 to be replaced: %+v", runs[1])
	}

	if err := s.DeleteBatch(ctx, "b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	runs, err = s.ListRuns(ctx, "b")
	if err != nil {
		t.Fatalf("list after delete failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected runs deleted with batch, got %d", len(runs))
	}
}
