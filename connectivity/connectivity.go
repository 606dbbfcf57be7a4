// Package connectivity reports network reachability and notifies
// subscribers when it changes.
package connectivity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/medlink/medsync/telemetry"
)

// State is a point-in-time reachability sample.
type State struct {
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
}

// Monitor observes reachability.
type Monitor interface {
	// Current returns the current state. It may block on a slow network
	// and returns ctx.Err() if ctx ends first.
	Current(ctx context.Context) (State, error)

	// Subscribe registers fn for transitions. fn is called with the current
	// state if one is known, then once per change. The returned func
	// unsubscribes and is safe to call more than once.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Option configures a monitor.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// hub tracks the last published state and fans transitions out to
// subscribers. Deliveries are serialised so every subscriber sees
// transitions in the order they were published.
type hub struct {
	name   string
	logger *slog.Logger
	now    func() time.Time

	deliverMu sync.Mutex

	mu        sync.Mutex
	known     bool
	state     State
	nextID    int
	listeners map[int]func(bool)
}

func newHub(name string, o options) *hub {
	return &hub{
		name:      name,
		logger:    o.logger.With("component", "connectivity", "monitor", name),
		now:       o.now,
		listeners: make(map[int]func(bool)),
	}
}

func (h *hub) snapshot() (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.known
}

func (h *hub) subscribe(fn func(bool)) func() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	known, online := h.known, h.state.Online
	h.mu.Unlock()

	if known {
		fn(online)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// publish records a sample and notifies subscribers when it is a transition.
// Repeated identical samples only refresh CheckedAt.
func (h *hub) publish(online bool) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	changed := !h.known || h.state.Online != online
	h.known = true
	h.state = State{Online: online, CheckedAt: h.now()}
	if !changed {
		h.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.listeners[id])
	}
	h.mu.Unlock()

	h.logger.Info("connectivity changed", "online", online, "subscribers", len(fns))
	telemetry.RecordConnectivityTransition(context.Background(), h.name, online)

	for _, fn := range fns {
		fn(online)
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
