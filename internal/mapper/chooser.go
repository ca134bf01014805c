package mapper

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Chooser is the randomness policy behind write mirror tie-breaks and pool
// set picks. Both decisions are unweighted coin flips that ignore actual
// free space and load; swap the Chooser to change that.
type Chooser interface {
	// Coin returns true with probability 1/2.
	Coin() bool
	// Intn returns a value in [0, n). n must be > 0.
	Intn(n int) int
}

// RandChooser is a seedable Chooser safe for concurrent use.
type RandChooser struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandChooser returns a Chooser seeded with seed. A zero seed picks one
// from the clock.
func NewRandChooser(seed uint64) *RandChooser {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandChooser{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *RandChooser) Coin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.IntN(2) == 0
}

func (c *RandChooser) Intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.IntN(n)
}
