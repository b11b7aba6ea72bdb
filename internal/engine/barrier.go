package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrBarrierBroken is returned by Wait once any party broke the barrier.
var ErrBarrierBroken = errors.New("barrier broken")

type generation struct {
	done   chan struct{}
	broken bool
}

// Barrier is a reusable rendezvous for a fixed number of parties. Breaking
// it releases every current and future waiter with ErrBarrierBroken.
type Barrier struct {
	mu      sync.Mutex
	parties int
	waiting int
	trips   int
	broken  bool
	gen     *generation
}

func NewBarrier(parties int) *Barrier {
	if parties < 1 {
		parties = 1
	}
	return &Barrier{parties: parties, gen: &generation{done: make(chan struct{})}}
}

// Wait blocks until all parties arrived, the barrier breaks, or ctx is done.
// A cancelled waiter breaks the barrier for everyone else.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBarrierBroken
	}
	if err := ctx.Err(); err != nil {
		b.breakLocked()
		b.mu.Unlock()
		return err
	}
	g := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.trips++
		close(g.done)
		b.gen = &generation{done: make(chan struct{})}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		if g.broken {
			return ErrBarrierBroken
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		// The generation may have tripped while ctx fired.
		select {
		case <-g.done:
			if !g.broken {
				return nil
			}
			return ErrBarrierBroken
		default:
		}
		b.breakLocked()
		return ctx.Err()
	}
}

// Break releases all waiters. It is idempotent.
func (b *Barrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakLocked()
}

func (b *Barrier) breakLocked() {
	if b.broken {
		return
	}
	b.broken = true
	b.waiting = 0
	b.gen.broken = true
	close(b.gen.done)
}

func (b *Barrier) Broken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

// Trips counts completed rendezvous.
func (b *Barrier) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Waiting is the number of parties blocked in the current generation.
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}

func (b *Barrier) Parties() int {
	return b.parties
}
