// Package inflight coalesces concurrent fetches of the same cache key so the
// upstream is called once and the cache entry is written once.
package inflight

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Func performs the fetch. The context it receives is detached from any
// single caller so one caller giving up does not abort the fetch for the
// others; Func applies its own timeout.
type Func func(ctx context.Context) (any, error)

// Group deduplicates concurrent fetches by key using singleflight. It uses
// DoChan so each caller can respect its own context without cancelling the
// shared fetch.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]int
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger:  slog.Default(),
		running: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn for key unless a fetch for key is already running, in which case
// it waits for that fetch. It returns the value, whether it was shared with
// another caller, and any error. If ctx ends first Do returns ctx.Err() and
// the fetch carries on for the remaining waiters.
func (g *Group) Do(ctx context.Context, key string, fn Func) (any, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		g.enter(key)
		defer g.leave(key)
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("joined in-flight fetch", "cache_key", key)
		}
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InFlight reports whether a fetch for key is running.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[key] > 0
}

// Forget drops key so the next Do starts a new fetch even if one is running.
func (g *Group) Forget(key string) {
	g.group.Forget(key)
}

func (g *Group) enter(key string) {
	g.mu.Lock()
	g.running[key]++
	g.mu.Unlock()
}

func (g *Group) leave(key string) {
	g.mu.Lock()
	if g.running[key]--; g.running[key] <= 0 {
		delete(g.running, key)
	}
	g.mu.Unlock()
}

// Do is the typed form of Group.Do.
func Do[T any](ctx context.Context, g *Group, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	v, shared, err := g.Do(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, shared, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, shared, fmt.Errorf("inflight: key %q shared a %T, want %T", key, v, zero)
	}
	return t, shared, nil
}
