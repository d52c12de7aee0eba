package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// An in-memory database exists per connection, so a single connection
	// keeps every caller on the same data.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (shared with the trajectory store).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			users INTEGER NOT NULL,
			reps INTEGER NOT NULL,
			theta_a REAL NOT NULL,
			theta_b REAL NOT NULL,
			seed INTEGER NOT NULL DEFAULT 0,
			workers INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'running',
			completed_runs INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			batch_id TEXT NOT NULL,
			universe INTEGER NOT NULL,
			theta_a REAL NOT NULL,
			theta_b REAL NOT NULL,
			users INTEGER NOT NULL,
			users_a INTEGER NOT NULL DEFAULT 0,
			users_b INTEGER NOT NULL DEFAULT 0,
			successes_a INTEGER NOT NULL DEFAULT 0,
			successes_b INTEGER NOT NULL DEFAULT 0,
			regret REAL NOT NULL DEFAULT 0,
			final_b_is_better REAL NOT NULL DEFAULT 0,
			correct_arm INTEGER NOT NULL DEFAULT 0,
			convergence_step INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (batch_id, universe)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Batches

func (s *SQLiteStore) CreateBatch(ctx context.Context, b BatchRecord) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	if b.Status == "" {
		b.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, created_at, updated_at, users, reps, theta_a, theta_b, seed, workers, status, completed_runs, error, workflow_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.CreatedAt.Format(time.RFC3339Nano), b.UpdatedAt.Format(time.RFC3339Nano),
		b.Users, b.Reps, b.ThetaA, b.ThetaB, int64(b.Seed), b.Workers,
		string(b.Status), b.CompletedRuns, b.Error, b.WorkflowID)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, id string, status BatchStatus, completedRuns int, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, completed_runs = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), completedRuns, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

func (s *SQLiteStore) SetWorkflowID(ctx context.Context, id, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET workflow_id = ? WHERE id = ?`, workflowID, id)
	return err
}

const batchColumns = `id, created_at, updated_at, users, reps, theta_a, theta_b, seed, workers, status, completed_runs, error, workflow_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (BatchRecord, error) {
	var b BatchRecord
	var created, updated, status string
	var seed int64
	if err := row.Scan(&b.ID, &created, &updated, &b.Users, &b.Reps, &b.ThetaA, &b.ThetaB,
		&seed, &b.Workers, &status, &b.CompletedRuns, &b.Error, &b.WorkflowID); err != nil {
		return BatchRecord{}, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	b.Seed = uint64(seed)
	b.Status = BatchStatus(status)
	return b, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int, offset int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var batches []BatchRecord
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE batch_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Runs

func (s *SQLiteStore) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (batch_id, universe, theta_a, theta_b, users, users_a, users_b, successes_a, successes_b, regret, final_b_is_better, correct_arm, convergence_step)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id, universe) DO UPDATE SET
		   theta_a=excluded.theta_a,
		   theta_b=excluded.theta_b,
		   users=excluded.users,
		   users_a=excluded.users_a,
		   users_b=excluded.users_b,
		   successes_a=excluded.successes_a,
		   successes_b=excluded.successes_b,
		   regret=excluded.regret,
		   final_b_is_better=excluded.final_b_is_better,
		   correct_arm=excluded.correct_arm,
		   convergence_step=excluded.convergence_step`,
		r.BatchID, r.Universe, r.ThetaA, r.ThetaB, r.Users, r.UsersA, r.UsersB, r.SuccessesA, r.SuccessesB,
		r.Regret, r.FinalBIsBetter, r.CorrectArm, r.ConvergenceStep)
	if err != nil {
		return fmt.Errorf("save run %s/%d: %w", r.BatchID, r.Universe, err)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, batchID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, universe, theta_a, theta_b, users, users_a, users_b, successes_a, successes_b, regret, final_b_is_better, correct_arm, convergence_step
		 FROM runs WHERE batch_id = ? ORDER BY universe ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.BatchID, &r.Universe, &r.ThetaA, &r.ThetaB, &r.Users, &r.UsersA, &r.UsersB,
			&r.SuccessesA, &r.SuccessesB, &r.Regret, &r.FinalBIsBetter, &r.CorrectArm, &r.ConvergenceStep); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
