package services

import (
	"math/rand"
	"sync"
	"time"
)

// RandomSource is the randomness the engine draws on. Tests inject a seeded
// source to make cold-start shuffles and substitute vectors reproducible.
type RandomSource interface {
	Shuffle(n int, swap func(i, j int))
	NormFloat64() float64
}

// LockedRand makes a *rand.Rand safe for concurrent use.
type LockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLockedRand seeds from the clock when seed is 0.
func NewLockedRand(seed int64) *LockedRand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &LockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *LockedRand) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rnd.Shuffle(n, swap)
}

func (r *LockedRand) NormFloat64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.NormFloat64()
}

func shuffleStrings(src RandomSource, s []string) {
	src.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
