package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medlink/medsync"
	"github.com/medlink/medsync/cachestore"
	"github.com/medlink/medsync/freshness"
	"github.com/medlink/medsync/inflight"
	"github.com/medlink/medsync/telemetry"
)

// Resource describes one entity a view synchronizes. T is the primary
// payload and L the ledger payload.
type Resource[T, L any] struct {
	Kind medsync.Kind
	ID   string

	// Fetch loads T from the primary source. It runs under Timeout.
	Fetch   func(ctx context.Context) (T, error)
	Timeout time.Duration

	// Ledger, when set, loads the ledger section. It never touches the
	// cache. LedgerBacked decides from the current data whether there is a
	// ledger section at all; nil means always.
	Ledger       func(ctx context.Context, data *T) (L, error)
	LedgerBacked func(data *T) bool
	Join         func(data *T, ledger L) []medsync.MergedRecord

	// ScopeKeys are removed together with the entity key on Clear.
	ScopeKeys []string

	// Detail views leave the screen after Clear.
	Detail bool

	// ManualOnly resources are fetched only by Refresh, or on reconnect
	// when they already hold data.
	ManualOnly bool
}

// Key is the cache key of the resource.
func (r Resource[T, L]) Key() string {
	return medsync.Key(r.Kind, r.ID)
}

func (r Resource[T, L]) hasLedger(data *T) bool {
	if r.Ledger == nil {
		return false
	}
	return r.LedgerBacked == nil || r.LedgerBacked(data)
}

type fetched[T any] struct {
	data     T
	storedAt time.Time
}

// View is one mounted instance of a resource on screen. All state is per
// instance; only the cache store is shared.
//
// Listeners registered with OnChange are called in order of state changes
// and must not call back into the view synchronously.
type View[T, L any] struct {
	s      *Synchronizer
	res    Resource[T, L]
	key    string
	id     string
	logger *slog.Logger

	mu       sync.Mutex
	state    State[T]
	ledger   L
	ledgerOK bool
	// gen changes on Clear so results started before it are dropped.
	gen         uint64
	mounted     bool
	active      bool
	fetchDone   chan struct{}
	ledgerBusy  bool
	online      bool
	onlineKnown bool
	// transitions counts connectivity changes delivered by the monitor.
	transitions uint64
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	notifyMu  sync.Mutex
	listeners map[int]func(State[T])
	nextID    int

	wg sync.WaitGroup
}

// NewView creates an unmounted view of res.
func NewView[T, L any](s *Synchronizer, res Resource[T, L]) *View[T, L] {
	if res.Timeout <= 0 {
		res.Timeout = s.cfg.DetailTimeout
	}
	id := uuid.NewString()
	key := res.Key()
	v := &View[T, L]{
		s:         s,
		res:       res,
		key:       key,
		id:        id,
		logger:    s.logger.With("view_id", id, "kind", res.Kind, "cache_key", key),
		listeners: make(map[int]func(State[T])),
	}
	v.state = v.initialState()
	return v
}

func (v *View[T, L]) initialState() State[T] {
	return State[T]{ViewID: v.id, Kind: v.res.Kind, Key: v.key, Phase: PhaseInit}
}

// ID returns the view instance id.
func (v *View[T, L]) ID() string {
	return v.id
}

// State returns a snapshot of the view state.
func (v *View[T, L]) State() State[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// OnChange registers fn to receive every state change. The returned func
// removes it.
func (v *View[T, L]) OnChange(fn func(State[T])) func() {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			v.notifyMu.Lock()
			delete(v.listeners, id)
			v.notifyMu.Unlock()
		})
	}
}

// Mount loads the cache synchronously, so State reflects cached data as
// soon as Mount returns, then checks connectivity and freshness and
// fetches in the background. Wait blocks until that work settles.
func (v *View[T, L]) Mount(ctx context.Context) {
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = true
	v.active = true
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))
	v.loadCacheLocked(ctx)
	v.commitLocked()

	unsubscribe := v.s.monitor.Subscribe(v.onConnectivity)

	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		unsubscribe()
		return
	}
	v.unsubscribe = unsubscribe
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		v.sync(v.ctx)
	}()
}

// Wait blocks until background work started by the view has finished.
func (v *View[T, L]) Wait() {
	v.wg.Wait()
}

// Refresh fetches regardless of freshness. Offline, it leaves the data
// alone, sets a notice and returns NO_CONNECTIVITY. A refresh while a fetch
// is running waits for that fetch instead of starting another.
func (v *View[T, L]) Refresh(ctx context.Context) error {
	if !v.isActive() {
		return errors.New("view is not mounted")
	}
	online := v.lockOnline(ctx)
	if !online {
		v.state.Notice = NoticeOfflineRefresh
		v.commitLocked()
		v.logger.Info("refresh skipped while offline")
		return medsync.NewError(medsync.CodeNoConnectivity, "refresh", nil)
	}
	v.launchLedgerLocked()
	v.mu.Unlock()

	return v.fetch(ctx, "refresh")
}

// Retry runs the mount sequence again: cache, connectivity, freshness.
func (v *View[T, L]) Retry(ctx context.Context) error {
	if !v.isActive() {
		return errors.New("view is not mounted")
	}
	v.mu.Lock()
	v.loadCacheLocked(ctx)
	v.commitLocked()
	return v.sync(ctx)
}

// Clear removes every cache key of the entity and resets the view to INIT.
// It reports whether the screen should be left, which is true for detail
// views. Clearing an already empty entity succeeds.
func (v *View[T, L]) Clear(ctx context.Context) (leave bool, err error) {
	err = v.s.clearKeys(ctx, append([]string{v.key}, v.res.ScopeKeys...))

	v.mu.Lock()
	v.gen++
	v.state = v.initialState()
	v.state.IsOffline = v.onlineKnown && !v.online
	var zero L
	v.ledger, v.ledgerOK = zero, false
	v.commitLocked()

	v.logger.Info("cache cleared", "scope_keys", len(v.res.ScopeKeys))
	return v.res.Detail, err
}

// Unmount detaches the view. Results that arrive later are discarded.
func (v *View[T, L]) Unmount() {
	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		return
	}
	v.active = false
	unsubscribe, cancel := v.unsubscribe, v.cancel
	v.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	v.logger.Debug("unmounted")
}

func (v *View[T, L]) isActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

func (v *View[T, L]) loadCacheLocked(ctx context.Context) {
	data, storedAt, ok := cachestore.Load[T](ctx, v.s.store, v.key)
	if !ok {
		if v.state.Data == nil {
			v.setPhaseLocked(PhaseCacheEmpty)
		}
		return
	}
	v.setPhaseLocked(PhaseCacheLoaded)
	v.state.Data = &data
	v.state.Source = SourceCache
	if v.ledgerOK {
		v.state.Source = SourceMerged
	}
	v.state.LastSyncedAt = storedAt
	v.state.Err = nil
	v.setPhaseLocked(PhaseServingCache)
	v.mergeLocked()
	v.logger.Debug("rendering from cache", "stored_at", storedAt)
}

// sync decides after a cache load whether to fetch.
func (v *View[T, L]) sync(ctx context.Context) error {
	online := v.lockOnline(ctx)
	if !v.active {
		v.mu.Unlock()
		return nil
	}

	if !online {
		if v.state.Data == nil {
			v.state.Err = medsync.NewError(medsync.CodeNoCacheAvailable, string(v.res.Kind), errors.New("no cached data while offline"))
			v.setPhaseLocked(PhaseError)
			v.logger.Warn("offline without cached data")
		} else {
			v.logger.Debug("offline, serving cache")
		}
		err := v.state.Err
		v.commitLocked()
		return err
	}

	v.launchLedgerLocked()

	if v.res.ManualOnly {
		v.commitLocked()
		return nil
	}
	if v.state.Data != nil {
		window := v.s.policy.Window(v.res.Kind)
		if freshness.Decide(v.state.LastSyncedAt, v.s.now(), window) == freshness.Fresh {
			v.logger.Debug("cache is fresh, not fetching", "window", window)
			v.commitLocked()
			return nil
		}
	}
	v.commitLocked()

	return v.fetch(ctx, "stale")
}

func (v *View[T, L]) onConnectivity(online bool) {
	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		return
	}
	v.transitions++
	regained := v.onlineKnown && !v.online && online
	v.setOnlineLocked(online)

	if !online {
		if v.state.Ledger.Loading || (!v.ledgerOK && v.res.hasLedger(v.state.Data)) {
			v.state.Notice = NoticeLedgerOffline
		}
		v.logger.Info("went offline")
		v.commitLocked()
		return
	}
	if v.state.Notice == NoticeLedgerOffline || v.state.Notice == NoticeOfflineRefresh {
		v.state.Notice = ""
	}
	if !regained || (v.res.ManualOnly && v.state.Data == nil) {
		v.commitLocked()
		return
	}
	v.wg.Add(1)
	ctx := v.ctx
	v.commitLocked()

	v.logger.Info("connectivity regained, reconciling")
	go func() {
		defer v.wg.Done()
		_ = v.fetch(ctx, "reconnect")
		v.mu.Lock()
		v.launchLedgerLocked()
		v.mu.Unlock()
	}()
}

// lockOnline asks the monitor for connectivity without holding mu and
// returns with mu held. A transition delivered while the check ran is newer
// than its answer and wins.
func (v *View[T, L]) lockOnline(ctx context.Context) bool {
	v.mu.Lock()
	seen := v.transitions
	v.mu.Unlock()

	online := v.s.online(ctx)

	v.mu.Lock()
	if v.transitions != seen {
		return v.online
	}
	v.setOnlineLocked(online)
	return online
}

func (v *View[T, L]) setOnlineLocked(online bool) {
	v.online, v.onlineKnown = online, true
	v.state.IsOffline = !online
}

// fetch loads the primary payload and writes it to the cache. Concurrent
// fetches of the same key, from this view or another, share one request.
func (v *View[T, L]) fetch(ctx context.Context, reason string) error {
	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		return nil
	}
	if done := v.fetchDone; done != nil {
		v.mu.Unlock()
		v.logger.Debug("joining running fetch", "reason", reason)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return v.State().Err
	}
	if v.onlineKnown && !v.online {
		v.mu.Unlock()
		return medsync.NewError(medsync.CodeNoConnectivity, string(v.res.Kind), nil)
	}
	done := make(chan struct{})
	v.fetchDone = done
	gen, prev := v.gen, v.state.Phase
	epoch := v.s.clearEpoch(v.key)
	v.state.Loading = true
	v.setPhaseLocked(PhaseFetching)
	v.commitLocked()
	v.logger.Debug("fetching", "reason", reason)

	res, _, err := inflight.Do(ctx, v.s.group, v.key, func(ctx context.Context) (fetched[T], error) {
		data, err := fetchWithTimeout(ctx, v.res.Kind, v.res.Timeout, v.res.Fetch)
		if err != nil {
			return fetched[T]{}, err
		}
		out := fetched[T]{data: data, storedAt: v.s.now()}
		entry, saved, err := saveUnlessCleared(ctx, v.s, v.key, epoch, data)
		switch {
		case err != nil:
			v.logger.Warn("cache write failed", "code", medsync.CodeCacheIO, "error", err)
		case !saved:
			v.logger.Debug("cache cleared during fetch, not writing result")
		default:
			out.storedAt = entry.StoredAt
		}
		return out, nil
	})

	v.mu.Lock()
	v.fetchDone = nil
	close(done)
	if !v.active || gen != v.gen {
		v.mu.Unlock()
		v.logger.Debug("discarding fetch result")
		return err
	}
	v.state.Loading = false

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The caller gave up; the shared fetch may still land in the cache.
		v.setPhaseLocked(prev)
		v.commitLocked()
		return err
	}
	if err != nil {
		if v.onlineKnown && !v.online && isTransport(err) {
			err = medsync.NewError(medsync.CodeNoConnectivity, string(v.res.Kind), err)
		}
		v.state.Err = err
		if v.state.Data != nil {
			v.state.Notice = NoticeRefreshFailed
			if medsync.CodeOf(err) == medsync.CodeNetworkTimeout {
				v.state.Notice = NoticeRefreshTimeout
			}
			v.setPhaseLocked(PhaseServingCacheWithError)
		} else {
			v.setPhaseLocked(PhaseError)
		}
		v.logger.Warn("fetch failed", "reason", reason, "code", medsync.CodeOf(err), "error", err)
		v.commitLocked()
		return err
	}

	data := res.data
	v.state.Data = &data
	v.state.Source = SourceNetwork
	if v.ledgerOK {
		v.state.Source = SourceMerged
	}
	v.state.Err = nil
	v.state.Notice = ""
	v.state.LastSyncedAt = res.storedAt
	v.setPhaseLocked(PhaseServingFresh)
	v.mergeLocked()
	v.launchLedgerLocked()
	v.logger.Info("fetched", "reason", reason)
	v.commitLocked()
	return nil
}

// isTransport reports whether err is a failure to reach the backend rather
// than an answer from it.
func isTransport(err error) bool {
	var e *medsync.Error
	if !errors.As(err, &e) || e.Status != 0 {
		return false
	}
	return e.Code == medsync.CodeUpstream5xx || e.Code == medsync.CodeNetworkTimeout
}

// launchLedgerLocked starts the ledger fetch unless it already succeeded,
// is running, or does not apply to the current data.
func (v *View[T, L]) launchLedgerLocked() {
	if !v.active || v.ledgerOK || v.ledgerBusy || !v.res.hasLedger(v.state.Data) {
		return
	}
	if v.onlineKnown && !v.online {
		return
	}
	v.ledgerBusy = true
	v.state.Ledger.Loading = true
	v.state.Ledger.Err = nil
	data, gen, ctx := v.state.Data, v.gen, v.ctx
	v.wg.Add(1)

	go func() {
		defer v.wg.Done()
		lctx, cancel := context.WithTimeout(telemetry.WithKind(ctx, string(v.res.Kind)), v.s.cfg.LedgerTimeout)
		defer cancel()

		start := time.Now()
		l, err := v.res.Ledger(lctx, data)
		if err != nil && medsync.CodeOf(err) != medsync.CodeLedgerUnavailable {
			err = medsync.NewError(medsync.CodeLedgerUnavailable, "ledger", err)
		}
		outcome := "success"
		if err != nil {
			outcome = string(medsync.CodeLedgerUnavailable)
		}
		telemetry.RecordFetch(lctx, string(v.res.Kind), "ledger", outcome, time.Since(start))

		v.mu.Lock()
		v.ledgerBusy = false
		if !v.active || gen != v.gen {
			v.mu.Unlock()
			return
		}
		v.state.Ledger.Loading = false
		if err != nil {
			v.state.Ledger.Err = err
			v.logger.Warn("ledger fetch failed", "error", err)
		} else {
			v.ledger, v.ledgerOK = l, true
			v.state.Ledger.Err = nil
			v.state.Ledger.FetchedAt = v.s.now()
			v.state.Source = SourceMerged
			if v.state.Notice == NoticeLedgerOffline {
				v.state.Notice = ""
			}
			v.mergeLocked()
			v.logger.Info("ledger section loaded", "records", len(v.state.Merged))
		}
		v.commitLocked()
	}()
}

func (v *View[T, L]) mergeLocked() {
	if !v.ledgerOK || v.res.Join == nil {
		return
	}
	v.state.Merged = v.res.Join(v.state.Data, v.ledger)
}

func (v *View[T, L]) setPhaseLocked(p Phase) {
	if v.state.Phase == p {
		return
	}
	v.state.Phase = p
	telemetry.RecordViewTransition(context.Background(), string(v.res.Kind), string(p))
	v.logger.Debug("phase", "phase", p)
}

// commitLocked releases mu and delivers the new state to listeners.
func (v *View[T, L]) commitLocked() {
	v.notifyMu.Lock()
	st := v.state
	v.mu.Unlock()
	defer v.notifyMu.Unlock()
	v.deliver(st)
}

func (v *View[T, L]) deliver(st State[T]) {
	ids := make([]int, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		v.listeners[id](st)
	}
}
