package humanoid

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer produces randomized delays and sleeps that honor cancellation. A
// zero-delay pacer keeps the randomness but never sleeps.
type Pacer struct {
	mu     sync.Mutex
	rng    *rand.Rand
	noWait bool
}

// NewPacer uses rng for every random decision. A nil rng is seeded from the
// clock.
func NewPacer(rng *rand.Rand) *Pacer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pacer{rng: rng}
}

// NoDelay returns a pacer whose sleeps return immediately.
func NoDelay(rng *rand.Rand) *Pacer {
	p := NewPacer(rng)
	p.noWait = true
	return p
}

// Between returns a duration uniformly distributed in [min, max].
func (p *Pacer) Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return min + time.Duration(p.rng.Int63n(int64(max-min)+1))
}

// Intn returns a uniform int in [0, n). n must be positive.
func (p *Pacer) Intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}

// Float64 returns a uniform float in [0, 1).
func (p *Pacer) Float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// Sleep waits for d or until ctx is done.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.noWait || d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause sleeps for a random duration in [min, max].
func (p *Pacer) Pause(ctx context.Context, min, max time.Duration) error {
	return p.Sleep(ctx, p.Between(min, max))
}
