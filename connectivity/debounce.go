package connectivity

import (
	"context"
	"sync"
	"time"
)

// Debounced wraps a monitor and only reports a transition once the new
// state has held for the settle period. A flap that reverts inside the
// window produces no transition.
type Debounced struct {
	hub    *hub
	src    Monitor
	settle time.Duration
	unsub  func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	target  bool
	closed  bool
}

// Debounce subscribes to src and republishes its settled transitions.
// The first state from src is published immediately.
func Debounce(src Monitor, settle time.Duration, opts ...Option) *Debounced {
	d := &Debounced{
		hub:    newHub("debounce", buildOptions(opts)),
		src:    src,
		settle: settle,
	}
	d.unsub = src.Subscribe(d.observe)
	return d
}

func (d *Debounced) observe(online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	st, known := d.hub.snapshot()
	if !known {
		d.hub.publish(online)
		return
	}

	if online == st.Online {
		d.cancelLocked()
		return
	}
	if d.pending && d.target == online {
		return
	}

	d.cancelLocked()
	d.pending = true
	d.target = online
	d.timer = time.AfterFunc(d.settle, func() { d.fire(online) })
}

func (d *Debounced) fire(online bool) {
	d.mu.Lock()
	if d.closed || !d.pending || d.target != online {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	d.hub.publish(online)
}

func (d *Debounced) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
}

// Current returns the settled state, asking the source when none is known.
func (d *Debounced) Current(ctx context.Context) (State, error) {
	if st, known := d.hub.snapshot(); known {
		if err := ctx.Err(); err != nil {
			return State{}, err
		}
		return st, nil
	}
	return d.src.Current(ctx)
}

// Subscribe implements Monitor.
func (d *Debounced) Subscribe(fn func(online bool)) func() {
	return d.hub.subscribe(fn)
}

// Close stops following the source.
func (d *Debounced) Close() {
	d.mu.Lock()
	d.closed = true
	d.cancelLocked()
	d.mu.Unlock()
	d.unsub()
}

var _ Monitor = (*Debounced)(nil)
