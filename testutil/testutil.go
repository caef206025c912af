package testutil

import (
	"math/rand"
	"sync"
)

// RNG generates reproducible allocation workloads. It is safe for
// concurrent use.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG returns an RNG seeded with seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Seed returns the seed the RNG was created with, for failure messages.
func (r *RNG) Seed() int64 { return r.seed }

// Sizes returns n request sizes in [1, max].
func (r *RNG) Sizes(n int, max uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, n)
	for i := range out {
		out[i] = 1 + uint64(r.rand.Int63n(int64(max)))
	}
	return out
}

// WorkloadStep is one step of a random workload.
type WorkloadStep struct {
	// Free is true when the step releases the allocation at Index instead of
	// reserving Size bytes.
	Free  bool
	Index int
	Size  uint64
}

// Workload returns n steps mixing reserves of up to max bytes with frees of
// earlier reservations. freeRatio is the probability of a free when at
// least one reservation is live.
func (r *RNG) Workload(n int, max uint64, freeRatio float64) []WorkloadStep {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make([]WorkloadStep, 0, n)
	live := 0
	for range n {
		if live > 0 && r.rand.Float64() < freeRatio {
			ops = append(ops, WorkloadStep{Free: true, Index: r.rand.Intn(live)})
			live--
			continue
		}
		ops = append(ops, WorkloadStep{Size: 1 + uint64(r.rand.Int63n(int64(max)))})
		live++
	}
	return ops
}
