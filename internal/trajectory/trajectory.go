// Package trajectory is an embedded store for per-user simulation steps,
// backed by the same SQLite handle as the batch store.
package trajectory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jordanhubbard/tssim/internal/sim"
)

// ErrUnknownField is returned by Mean for a column that cannot be averaged.
var ErrUnknownField = errors.New("unknown trajectory field")

// Point is one stored user step of one universe.
type Point struct {
	BatchID  string
	Universe int
	ThetaA   float64
	ThetaB   float64
	Step     sim.Step
	Written  time.Time
}

// DataPt is a bucket start and its cross-universe average.
type DataPt struct {
	NthUser int     `json:"nth_user"`
	Value   float64 `json:"v"`
}

// MeanParams controls which averaged series Mean returns.
type MeanParams struct {
	BatchID string
	Field   string
	Step    int // bucket width in users (<= 1 = every user)
}

// fields maps averageable names to SQL expressions.
var fields = map[string]string{
	"b_is_better": "b_is_better",
	"alpha_a":     "alpha_a",
	"beta_a":      "beta_a",
	"alpha_b":     "alpha_b",
	"beta_b":      "beta_b",
	"share_b":     "CASE WHEN arm = 'B' THEN 1.0 ELSE 0.0 END",
	"success":     "CAST(success AS REAL)",
}

// Store buffers trajectory points and writes them in transactions.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// Retention: auto-delete points older than this.
	retention time.Duration

	buf    []Point
	bufMax int
}

// New creates a trajectory store using the given SQLite DB handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:        db,
		retention: 7 * 24 * time.Hour,
		bufMax:    1000,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention sets the data retention period.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trajectory_points (
			batch_id TEXT NOT NULL,
			universe INTEGER NOT NULL,
			nth_user INTEGER NOT NULL,
			theta_a REAL NOT NULL,
			theta_b REAL NOT NULL,
			b_is_better REAL NOT NULL,
			alpha_a REAL NOT NULL,
			beta_a REAL NOT NULL,
			alpha_b REAL NOT NULL,
			beta_b REAL NOT NULL,
			arm TEXT NOT NULL,
			success INTEGER NOT NULL,
			written_ms INTEGER NOT NULL,
			PRIMARY KEY (batch_id, universe, nth_user)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trajectory_written ON trajectory_points(written_ms)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("trajectory migrate: %w", err)
		}
	}
	return nil
}

// WriteRun buffers every step of run under batchID. Buffers reaching the
// high-water mark are flushed before returning.
func (s *Store) WriteRun(batchID string, run sim.Run) error {
	now := time.Now().UTC()
	s.mu.Lock()
	for _, step := range run.Trajectory {
		s.buf = append(s.buf, Point{
			BatchID:  batchID,
			Universe: run.Summary.Universe,
			ThetaA:   run.Summary.ThetaA,
			ThetaB:   run.Summary.ThetaB,
			Step:     step,
			Written:  now,
		})
	}
	if len(s.buf) < s.bufMax {
		s.mu.Unlock()
		return nil
	}
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	return s.flush(buf)
}

// Flush forces all buffered points to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	return s.flush(buf)
}

func (s *Store) flush(points []Point) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("trajectory flush: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO trajectory_points
		(batch_id, universe, nth_user, theta_a, theta_b, b_is_better, alpha_a, beta_a, alpha_b, beta_b, arm, success, written_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trajectory flush: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		st := p.Step
		if _, err := stmt.Exec(p.BatchID, p.Universe, st.NthUser, p.ThetaA, p.ThetaB, st.BIsBetter,
			st.AlphaA, st.BetaA, st.AlphaB, st.BetaB, string(st.Arm), st.Success, p.Written.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("trajectory flush: %w", err)
		}
	}
	return tx.Commit()
}

// Run reassembles the column-oriented record of one universe. It returns
// nil when nothing was stored for it.
func (s *Store) Run(ctx context.Context, batchID string, universe int) (*sim.Record, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT nth_user, theta_a, theta_b, b_is_better, alpha_a, beta_a, alpha_b, beta_b
		 FROM trajectory_points WHERE batch_id = ? AND universe = ?
		 ORDER BY nth_user ASC`, batchID, universe)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rec *sim.Record
	for rows.Next() {
		var nth int
		var thetaA, thetaB, p, aa, ba, ab, bb float64
		if err := rows.Scan(&nth, &thetaA, &thetaB, &p, &aa, &ba, &ab, &bb); err != nil {
			return nil, err
		}
		if rec == nil {
			rec = &sim.Record{ThetaA: thetaA, ThetaB: thetaB, Universe: universe}
		}
		rec.NthUser = append(rec.NthUser, nth)
		rec.BIsBetter = append(rec.BIsBetter, p)
		rec.AlphaA = append(rec.AlphaA, aa)
		rec.BetaA = append(rec.BetaA, ba)
		rec.AlphaB = append(rec.AlphaB, ab)
		rec.BetaB = append(rec.BetaB, bb)
	}
	return rec, rows.Err()
}

// Mean averages a field across every universe of a batch, bucketed by
// user index. Each bucket is labelled with its first nth_user.
func (s *Store) Mean(ctx context.Context, q MeanParams) ([]DataPt, error) {
	expr, ok := fields[q.Field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, q.Field)
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	step := q.Step
	if step < 1 {
		step = 1
	}

	query := fmt.Sprintf(
		`SELECT ((nth_user - 1) / %d) * %d + 1 AS bucket, AVG(%s)
		 FROM trajectory_points WHERE batch_id = ?
		 GROUP BY bucket
		 ORDER BY bucket ASC`, step, step, expr)
	rows, err := s.db.QueryContext(ctx, query, q.BatchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DataPt
	for rows.Next() {
		var pt DataPt
		if err := rows.Scan(&pt.NthUser, &pt.Value); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// Universes returns the stored universe numbers of a batch.
func (s *Store) Universes(ctx context.Context, batchID string) ([]int, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT universe FROM trajectory_points WHERE batch_id = ? ORDER BY universe`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int
	for rows.Next() {
		var u int
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteBatch removes every point of a batch.
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	if err := s.Flush(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM trajectory_points WHERE batch_id = ?`, batchID)
	return err
}

// Prune removes points older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	s.mu.Unlock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM trajectory_points WHERE written_ms < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
