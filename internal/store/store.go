package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for simulation batches.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, b BatchRecord) error
	UpdateBatchStatus(ctx context.Context, id string, status BatchStatus, completedRuns int, errMsg string) error
	SetWorkflowID(ctx context.Context, id, workflowID string) error
	GetBatch(ctx context.Context, id string) (*BatchRecord, error)
	ListBatches(ctx context.Context, limit int, offset int) ([]BatchRecord, error)
	DeleteBatch(ctx context.Context, id string) error

	// Per-universe summaries
	SaveRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, batchID string) ([]RunRecord, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	StatusRunning   BatchStatus = "running"
	StatusCompleted BatchStatus = "completed"
	StatusFailed    BatchStatus = "failed"
	StatusCancelled BatchStatus = "cancelled"
)

// BatchRecord is the persisted form of one SimulateMany invocation.
type BatchRecord struct {
	ID            string      `json:"id"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Users         int         `json:"users"`
	Reps          int         `json:"reps"`
	ThetaA        float64     `json:"theta_a"`
	ThetaB        float64     `json:"theta_b"`
	Seed          uint64      `json:"seed"`
	Workers       int         `json:"workers"`
	Status        BatchStatus `json:"status"`
	CompletedRuns int         `json:"completed_runs"`
	Error         string      `json:"error,omitempty"`
	WorkflowID    string      `json:"workflow_id,omitempty"` // set when run by Temporal
}

// RunRecord is the persisted summary of one universe.
type RunRecord struct {
	BatchID         string  `json:"batch_id"`
	Universe        int     `json:"universe"`
	ThetaA          float64 `json:"theta_a"`
	ThetaB          float64 `json:"theta_b"`
	Users           int     `json:"users"`
	UsersA          int     `json:"users_a"`
	UsersB          int     `json:"users_b"`
	SuccessesA      int     `json:"successes_a"`
	SuccessesB      int     `json:"successes_b"`
	Regret          float64 `json:"regret"`
	FinalBIsBetter  float64 `json:"final_b_is_better"`
	CorrectArm      bool    `json:"correct_arm"`
	ConvergenceStep int     `json:"convergence_step"`
}
