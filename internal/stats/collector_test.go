package stats

import (
	"testing"
	"time"
)

// newTestCollector returns a collector whose clock only moves on advance.
func newTestCollector() (*Collector, func(time.Duration)) {
	c := NewCollector()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, func(d time.Duration) { now = now.Add(d) }
}

func window(t *testing.T, aggs []Aggregate, name string) Aggregate {
	t.Helper()
	for _, a := range aggs {
		if a.Window == name {
			return a
		}
	}
	t.Fatalf("window %s missing from %+v", name, aggs)
	return Aggregate{}
}

func TestRecordAndGlobal(t *testing.T) {
	c, _ := newTestCollector()
	c.Record(Snapshot{BatchID: "b1", Users: 100, UsersB: 70, DurationMs: 2, Success: true})
	c.Record(Snapshot{BatchID: "b1", Users: 100, UsersB: 30, DurationMs: 4, Success: true})

	a := window(t, c.Global(), "1m")
	if a.Runs != 2 || a.Users != 200 {
		t.Errorf("runs/users = %d/%d, want 2/200", a.Runs, a.Users)
	}
	if a.ShareB != 0.5 {
		t.Errorf("share_b = %v, want 0.5", a.ShareB)
	}
	if a.AvgDurationMs != 3 {
		t.Errorf("avg duration = %v, want 3", a.AvgDurationMs)
	}
	if want := 200.0 / 60; a.UsersPerSecond != want {
		t.Errorf("users/s = %v, want %v", a.UsersPerSecond, want)
	}
}

func TestWindowsExcludeOldRuns(t *testing.T) {
	c, advance := newTestCollector()
	c.Record(Snapshot{Users: 10, Success: true})
	advance(2 * time.Minute)
	c.Record(Snapshot{Users: 10, Success: true})

	global := c.Global()
	if got := window(t, global, "1m").Runs; got != 1 {
		t.Errorf("1m runs = %d, want 1", got)
	}
	if got := window(t, global, "5m").Runs; got != 2 {
		t.Errorf("5m runs = %d, want 2", got)
	}
}

func TestByBatch(t *testing.T) {
	c, _ := newTestCollector()
	c.Record(Snapshot{BatchID: "b2", Users: 5, Success: true})
	c.Record(Snapshot{BatchID: "b1", Users: 5, Success: false})
	c.Record(Snapshot{BatchID: "b1", Users: 5, Success: true})

	oneMin := c.ByBatch()["1m"]
	if len(oneMin) != 2 {
		t.Fatalf("expected 2 batch groups, got %d", len(oneMin))
	}
	if oneMin[0].BatchID != "b1" || oneMin[1].BatchID != "b2" {
		t.Fatalf("groups not sorted by batch: %+v", oneMin)
	}
	if oneMin[0].Errors != 1 || oneMin[0].ErrorRate != 0.5 {
		t.Errorf("b1 errors = %d rate %v, want 1 and 0.5", oneMin[0].Errors, oneMin[0].ErrorRate)
	}
}

func TestPrune(t *testing.T) {
	c, advance := newTestCollector()
	c.Record(Snapshot{BatchID: "old", Success: true})
	advance(26 * time.Hour)
	c.Record(Snapshot{BatchID: "new", Success: true})

	c.Prune()
	if c.Len() != 1 {
		t.Errorf("expected 1 snapshot after prune, got %d", c.Len())
	}
}

func TestP95Duration(t *testing.T) {
	c, _ := newTestCollector()
	// 18 fast + 2 slow: the 95th percentile lands on a slow run.
	for i := 0; i < 18; i++ {
		c.Record(Snapshot{DurationMs: 10, Success: true})
	}
	c.Record(Snapshot{DurationMs: 500, Success: true})
	c.Record(Snapshot{DurationMs: 400, Success: true})

	if got := window(t, c.Global(), "1m").P95DurationMs; got != 400 {
		t.Errorf("p95 = %v, want 400", got)
	}
}

func TestEmptyCollector(t *testing.T) {
	c := NewCollector()
	if got := c.Global(); len(got) != 0 {
		t.Errorf("expected no windows, got %d", len(got))
	}
}
