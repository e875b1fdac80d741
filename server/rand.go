package server

import (
	"math/rand/v2"
	"sync"
)

// LockedRand serializes access to a *rand.Rand so that one seeded source
// can be shared by concurrent request handlers and forge batches.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand returns a source seeded with seed. Runs with the same seed
// and the same request order draw the same values.
func NewLockedRand(seed uint64) *LockedRand {
	return &LockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
}

func (l *LockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
