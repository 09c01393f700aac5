package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chorus/internal/domain"
)

// Gate is a one-shot future for the response generator. It resolves the
// first time a generator is attached; later attachments are ignored.
type Gate struct {
	once  sync.Once
	ready chan struct{}
	gen   atomic.Pointer[domain.ResponseGenerator]
}

// NewGate returns an unresolved Gate.
func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Attach resolves the gate with gen. It reports false if the gate was
// already resolved or gen is nil.
func (g *Gate) Attach(gen domain.ResponseGenerator) bool {
	if gen == nil {
		return false
	}
	attached := false
	g.once.Do(func() {
		g.gen.Store(&gen)
		close(g.ready)
		attached = true
	})
	return attached
}

// Ready returns the generator without waiting.
func (g *Gate) Ready() (domain.ResponseGenerator, bool) {
	p := g.gen.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Wait blocks until a generator is attached, timeout elapses or ctx ends.
// A timeout yields ErrGeneratorUnavailable.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) (domain.ResponseGenerator, error) {
	if gen, ok := g.Ready(); ok {
		return gen, nil
	}
	if timeout <= 0 {
		return nil, domain.NewDomainError("Gate.Wait", domain.ErrGeneratorUnavailable, "no generator attached")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.ready:
		gen, _ := g.Ready()
		return gen, nil
	case <-timer.C:
		return nil, domain.NewDomainError("Gate.Wait", domain.ErrGeneratorUnavailable, "not ready after "+timeout.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
