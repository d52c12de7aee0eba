package sim

import (
	"math/rand/v2"
	"sync"
)

// Source supplies independent uniform draws in [0, 1). *rand.Rand satisfies
// it. A Source is owned by one run and need not be safe for concurrent use.
type Source interface {
	Float64() float64
}

// SourceFactory returns the random stream for one universe. Each call must
// return an independent stream so universes never share draws.
type SourceFactory func(universe int) Source

// PCGFactory derives a reproducible PCG stream per universe from a base seed.
// The universe number is the stream selector, so the same (seed, universe)
// pair always replays the same draws regardless of scheduling.
func PCGFactory(seed uint64) SourceFactory {
	return func(universe int) Source {
		return rand.New(rand.NewPCG(seed, uint64(universe)))
	}
}

// Sequence replays a fixed list of draws, cycling when exhausted. It is the
// deterministic source used to pin down a run exactly.
type Sequence struct {
	mu    sync.Mutex
	draws []float64
	next  int
}

// NewSequence returns a Sequence over draws. draws must be non-empty.
func NewSequence(draws ...float64) *Sequence {
	cp := make([]float64, len(draws))
	copy(cp, draws)
	return &Sequence{draws: cp}
}

// Float64 returns the next draw.
func (s *Sequence) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.draws[s.next%len(s.draws)]
	s.next++
	return v
}

// Consumed reports how many draws have been taken.
func (s *Sequence) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
