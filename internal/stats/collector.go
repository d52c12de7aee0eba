// Package stats keeps rolling-window throughput figures for simulated
// universes, served by GET /v1/stats.
package stats

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Snapshot describes one finished (or failed) universe.
type Snapshot struct {
	Timestamp  time.Time
	BatchID    string // empty for standalone simulations
	Users      int
	UsersB     int
	DurationMs float64
	Success    bool
}

// Window is a named aggregation window.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds the figures for one window.
type Aggregate struct {
	Window         string  `json:"window"`
	BatchID        string  `json:"batch_id,omitempty"`
	Runs           int     `json:"runs"`
	Errors         int     `json:"errors"`
	ErrorRate      float64 `json:"error_rate"`
	Users          int     `json:"users"`
	ShareB         float64 `json:"share_b"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	P95DurationMs  float64 `json:"p95_duration_ms"`
	UsersPerSecond float64 `json:"users_per_second"`
}

// Collector keeps snapshots for the largest window. Snapshots must be
// recorded in time order.
type Collector struct {
	mu        sync.Mutex
	snapshots []Snapshot
	maxAge    time.Duration
	windows   []Window

	now func() time.Time
}

func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour,
		now:     time.Now,
	}
}

// Record adds a snapshot, stamping it with the current time when unset.
func (c *Collector) Record(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	c.snapshots = append(c.snapshots, s)
}

// Prune drops snapshots older than the largest window.
func (c *Collector) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
}

// Len returns the number of stored snapshots.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots)
}

func (c *Collector) pruneLocked() {
	cutoff := c.now().Add(-c.maxAge)
	i := sort.Search(len(c.snapshots), func(i int) bool {
		return !c.snapshots[i].Timestamp.Before(cutoff)
	})
	if i > 0 {
		c.snapshots = append(c.snapshots[:0:0], c.snapshots[i:]...)
	}
}

// view prunes and copies the snapshots under one lock.
func (c *Collector) view() ([]Snapshot, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	return cp, c.now()
}

// Global aggregates every universe per window. Empty windows are omitted.
func (c *Collector) Global() []Aggregate {
	snapshots, now := c.view()
	var out []Aggregate
	for _, w := range c.windows {
		snaps := within(snapshots, now.Add(-w.Duration))
		if len(snaps) > 0 {
			out = append(out, aggregate(w, "", snaps))
		}
	}
	return out
}

// ByBatch aggregates per batch, keyed by window name. Standalone
// simulations are grouped under the empty batch ID.
func (c *Collector) ByBatch() map[string][]Aggregate {
	snapshots, now := c.view()
	out := make(map[string][]Aggregate)
	for _, w := range c.windows {
		groups := make(map[string][]Snapshot)
		var ids []string
		for _, s := range within(snapshots, now.Add(-w.Duration)) {
			if _, ok := groups[s.BatchID]; !ok {
				ids = append(ids, s.BatchID)
			}
			groups[s.BatchID] = append(groups[s.BatchID], s)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out[w.Name] = append(out[w.Name], aggregate(w, id, groups[id]))
		}
	}
	return out
}

func within(snapshots []Snapshot, cutoff time.Time) []Snapshot {
	i := sort.Search(len(snapshots), func(i int) bool {
		return snapshots[i].Timestamp.After(cutoff)
	})
	return snapshots[i:]
}

func aggregate(w Window, batchID string, snaps []Snapshot) Aggregate {
	a := Aggregate{Window: w.Name, BatchID: batchID, Runs: len(snaps)}

	durations := make([]float64, len(snaps))
	usersB := 0
	for i, s := range snaps {
		durations[i] = s.DurationMs
		a.Users += s.Users
		usersB += s.UsersB
		if !s.Success {
			a.Errors++
		}
	}
	a.ErrorRate = float64(a.Errors) / float64(a.Runs)
	if a.Users > 0 {
		a.ShareB = float64(usersB) / float64(a.Users)
	}
	a.UsersPerSecond = float64(a.Users) / w.Duration.Seconds()

	a.AvgDurationMs = stat.Mean(durations, nil)
	sort.Float64s(durations)
	a.P95DurationMs = stat.Quantile(0.95, stat.Empirical, durations, nil)
	return a
}
