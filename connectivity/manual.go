package connectivity

import "context"

// Manual is a monitor whose state is pushed by its owner, such as a host
// shell forwarding the platform reachability API. Subscribers are notified
// synchronously from Set.
type Manual struct {
	hub *hub
}

// NewManual creates a manual monitor with an initial state.
func NewManual(online bool, opts ...Option) *Manual {
	m := &Manual{hub: newHub("manual", buildOptions(opts))}
	m.hub.publish(online)
	return m
}

// Set updates the state, notifying subscribers if it changed.
func (m *Manual) Set(online bool) {
	m.hub.publish(online)
}

// Current implements Monitor.
func (m *Manual) Current(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	st, _ := m.hub.snapshot()
	return st, nil
}

// Subscribe implements Monitor.
func (m *Manual) Subscribe(fn func(online bool)) func() {
	return m.hub.subscribe(fn)
}

// Subscribers returns the number of active subscriptions.
func (m *Manual) Subscribers() int {
	return m.hub.subscribers()
}

var _ Monitor = (*Manual)(nil)
