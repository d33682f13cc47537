package pacing

import "context"

// Gate admits one holder at a time. Unlike a mutex, waiting for it can be
// abandoned through ctx.
type Gate struct {
	sem chan struct{}
}

// NewGate creates an open Gate
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Acquire waits for the gate. The returned release must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.sem <- struct{}{}:
		return func() { <-g.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
