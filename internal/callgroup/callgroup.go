// Package callgroup collapses concurrent calls that share a key.
//
// While a call for a key is running, further calls for the same key do not
// start new work; they wait for the running call and receive its result.
// Once it finishes the key is forgotten, so the next call runs again. The
// audit uses this to fold bursts of triggers (a cron tick landing during a
// storm of file events) into one store scan.
package callgroup

import (
	"context"
	"sync"
)

// Group deduplicates concurrent function calls by key. The zero value is
// ready to use.
type Group[K comparable] struct {
	mu    sync.Mutex
	calls map[K]*call
}

type call struct {
	done   chan struct{}
	err    error
	shared int
}

// start returns the in-flight call for key, creating and launching one if
// there is none. leader is true when this caller started the work.
func (g *Group[K]) start(key K, fn func() error) (c *call, leader bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if c, ok := g.calls[key]; ok {
		c.shared++
		g.mu.Unlock()
		return c, false
	}
	c = &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.err = fn()
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()
	return c, true
}

// DoChan executes fn if no call is in flight for key. If a call is
// already in flight, the returned channel will receive the result of
// that existing call. The channel receives exactly one value and is
// never closed.
func (g *Group[K]) DoChan(key K, fn func() error) <-chan error {
	c, _ := g.start(key, fn)
	ch := make(chan error, 1)
	go func() {
		<-c.done
		ch <- c.err
	}()
	return ch
}

// Do runs fn as DoChan does and waits for the result. shared reports
// whether the result came from a call started by someone else. If ctx
// ends first Do returns ctx.Err(); the shared call keeps running.
func (g *Group[K]) Do(ctx context.Context, key K, fn func() error) (shared bool, err error) {
	c, leader := g.start(key, fn)
	select {
	case <-c.done:
		return !leader, c.err
	case <-ctx.Done():
		return !leader, ctx.Err()
	}
}

// InFlight reports whether a call for key is running.
func (g *Group[K]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
