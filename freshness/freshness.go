// Package freshness decides whether a cached entry may be served without
// revalidation.
package freshness

import (
	"time"

	"github.com/medlink/medsync"
)

// Decision is the outcome of a freshness check.
type Decision int

const (
	Stale Decision = iota
	Fresh
)

func (d Decision) String() string {
	if d == Fresh {
		return "FRESH"
	}
	return "STALE"
}

// Default expiry windows per entity kind.
const (
	DefaultListWindow    = 6 * time.Hour
	DefaultDetailWindow  = 2 * time.Hour
	DefaultSummaryWindow = 2 * time.Hour
)

// Decide reports whether an entry stored at storedAt is still fresh at now.
// A zero storedAt means no entry and is always stale. Only the millisecond
// epoch values are compared, so time zones and monotonic readings do not
// affect the result.
func Decide(storedAt, now time.Time, window time.Duration) Decision {
	if storedAt.IsZero() {
		return Stale
	}
	age := now.UnixMilli() - storedAt.UnixMilli()
	if age > window.Milliseconds() {
		return Stale
	}
	return Fresh
}

// Policy maps entity kinds to expiry windows.
type Policy struct {
	windows map[medsync.Kind]time.Duration
}

// NewPolicy builds a policy from explicit windows.
func NewPolicy(windows map[medsync.Kind]time.Duration) Policy {
	p := Policy{windows: make(map[medsync.Kind]time.Duration, len(windows))}
	for k, w := range windows {
		p.windows[k] = w
	}
	return p
}

// DefaultPolicy returns the standard windows: lists 6h, detail and summary 2h.
func DefaultPolicy() Policy {
	return NewPolicy(map[medsync.Kind]time.Duration{
		medsync.KindReportList:    DefaultListWindow,
		medsync.KindReportDetail:  DefaultDetailWindow,
		medsync.KindReportSummary: DefaultSummaryWindow,
	})
}

// Window returns the expiry window for kind, zero when unknown.
func (p Policy) Window(kind medsync.Kind) time.Duration {
	return p.windows[kind]
}

// Decide applies the window for kind. Unknown kinds are always stale once
// any time has passed.
func (p Policy) Decide(kind medsync.Kind, storedAt, now time.Time) Decision {
	return Decide(storedAt, now, p.Window(kind))
}
