package limiter

import (
	"context"
	"sync"

	"flac2mp3/metrics"
)

// Gate bounds the number of conversions running at once. Capacity is fixed
// at construction.
type Gate struct {
	sem chan struct{}
}

// NewGate returns a gate with the given capacity. Values below one are
// raised to one.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: make(chan struct{}, capacity)}
}

func (g *Gate) Capacity() int { return cap(g.sem) }

// InUse reports how many permits are currently held.
func (g *Gate) InUse() int { return len(g.sem) }

// Acquire blocks until a permit is free or ctx ends. The returned permit
// must be released exactly once; callers should defer Release right away.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case g.sem <- struct{}{}:
		return g.newPermit(), nil
	default:
	}

	metrics.GateWaiting.Inc()
	defer metrics.GateWaiting.Dec()

	select {
	case g.sem <- struct{}{}:
		return g.newPermit(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) newPermit() *Permit {
	metrics.GateInFlight.Inc()
	return &Permit{release: func() {
		<-g.sem
		metrics.GateInFlight.Dec()
	}}
}

// Permit is one slot of a Gate.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the slot. Calls after the first are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}
