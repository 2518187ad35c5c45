package ble

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// flowGate paces unacknowledged writes on the host's "ready to send"
// signal. The signal may arrive while nobody is waiting; it is then kept as
// pending and consumed by the next wait, otherwise that wait would stall.
type flowGate struct {
	mu      sync.Mutex
	pending bool
	waiter  chan struct{}
	closed  bool
}

// newFlowGate returns a gate; ready reports whether the first write may go
// without waiting.
func newFlowGate(ready bool) *flowGate {
	return &flowGate{pending: ready}
}

// signal records that the host has buffer space.
func (g *flowGate) signal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if g.waiter != nil {
		close(g.waiter)
		g.waiter = nil
		return
	}
	g.pending = true
}

// wait blocks until buffer space is available, the gate closes, timeout
// elapses or ctx ends. Only one waiter is expected at a time.
func (g *flowGate) wait(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrDisconnected
	}
	if g.pending {
		g.pending = false
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.waiter = ch
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return ErrDisconnected
		}
		return nil
	case <-timer.C:
		g.abandon(ch)
		return fmt.Errorf("%w: no transmit buffer space after %s", ErrWriteFailed, timeout)
	case <-ctx.Done():
		g.abandon(ch)
		return ctx.Err()
	}
}

// abandon withdraws a waiter. If a signal already consumed it, the signal
// is put back as pending.
func (g *flowGate) abandon(ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiter == ch {
		g.waiter = nil
		return
	}
	if !g.closed {
		g.pending = true
	}
}

// close fails the current and all future waits with ErrDisconnected.
func (g *flowGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.pending = false
	if g.waiter != nil {
		close(g.waiter)
		g.waiter = nil
	}
}

type result[T any] struct {
	v   T
	err error
}

// await bridges a blocking host call into a bounded wait. op runs on its own
// goroutine; its result channel has room for one value so a late result
// never blocks it.
func await[T any](ctx context.Context, timeout time.Duration, op func() (T, error)) (T, error) {
	ch := make(chan result[T], 1)
	go func() {
		v, err := op()
		ch <- result[T]{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		return zero, errOpTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
