package domain

import (
	"math/rand"
	"sync"
)

// LockedRandom is a goroutine-safe Random backed by math/rand.
type LockedRandom struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLockedRandom returns a Random seeded with seed.
func NewLockedRandom(seed int64) *LockedRandom {
	return &LockedRandom{rnd: rand.New(rand.NewSource(seed))}
}

func (r *LockedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

func (r *LockedRandom) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// Chance draws once from r and reports whether the draw landed under p.
// p is clamped to [0, 1], so Chance(r, 0) is always false and
// Chance(r, 1) always true.
func Chance(r Random, p float64) bool {
	p = Clamp01(p)
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.Float64() < p
}
