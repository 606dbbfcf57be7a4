// Package orchestrator is the offline-first synchronizer behind the report
// screens. A View renders from the cache first, decides with the freshness
// policy whether to fetch, merges the ledger section in separately and
// reacts to connectivity changes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/cachestore"
	"github.com/medlink/medsync/connectivity"
	"github.com/medlink/medsync/credentials"
	"github.com/medlink/medsync/freshness"
	"github.com/medlink/medsync/inflight"
	"github.com/medlink/medsync/ledger"
	"github.com/medlink/medsync/telemetry"
)

// Default timeouts.
const (
	DefaultListTimeout         = 15 * time.Second
	DefaultDetailTimeout       = 15 * time.Second
	DefaultSummaryTimeout      = 30 * time.Second
	DefaultLedgerTimeout       = 15 * time.Second
	DefaultConnectivityTimeout = 5 * time.Second
	DefaultApprovalInterval    = 5 * time.Second
)

// Primary is the backend API as the synchronizer consumes it.
type Primary interface {
	Reports(ctx context.Context) (medsync.ReportList, error)
	Report(ctx context.Context, id string) (medsync.ReportDetail, error)
	Summary(ctx context.Context, id string) ([]medsync.MedicationSummary, error)
	CheckApproval(ctx context.Context, emergencyID string) (medsync.ApprovalStatus, error)
}

// Config holds the collaborators shared by every view.
type Config struct {
	Store   cachestore.Store
	Monitor connectivity.Monitor
	Primary Primary

	// Ledger defaults to a reader that is always unavailable.
	Ledger   ledger.Reader
	Gateways ledger.Gateways

	// Policy defaults to freshness.DefaultPolicy.
	Policy *freshness.Policy

	// Tokens supplies the signed-in user id when the primary data does not
	// carry one. Optional.
	Tokens credentials.TokenSource

	ListTimeout         time.Duration
	DetailTimeout       time.Duration
	SummaryTimeout      time.Duration
	LedgerTimeout       time.Duration
	ConnectivityTimeout time.Duration
	ApprovalInterval    time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Synchronizer builds views over shared collaborators.
type Synchronizer struct {
	store    cachestore.Store
	monitor  connectivity.Monitor
	primary  Primary
	ledger   ledger.Reader
	gateways ledger.Gateways
	policy   freshness.Policy
	tokens   credentials.TokenSource
	group    *inflight.Group
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	// clearMu orders post-fetch cache writes against Clear. cleared counts
	// clears per key.
	clearMu sync.Mutex
	cleared map[string]uint64
}

// New creates a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Monitor == nil {
		return nil, errors.New("orchestrator: connectivity monitor is required")
	}
	if cfg.Primary == nil {
		return nil, errors.New("orchestrator: primary source is required")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.Unavailable{}
	}
	if cfg.Gateways == (ledger.Gateways{}) {
		cfg.Gateways = ledger.DefaultGateways()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	setDefault(&cfg.ListTimeout, DefaultListTimeout)
	setDefault(&cfg.DetailTimeout, DefaultDetailTimeout)
	setDefault(&cfg.SummaryTimeout, DefaultSummaryTimeout)
	setDefault(&cfg.LedgerTimeout, DefaultLedgerTimeout)
	setDefault(&cfg.ConnectivityTimeout, DefaultConnectivityTimeout)
	setDefault(&cfg.ApprovalInterval, DefaultApprovalInterval)

	policy := freshness.DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	logger := cfg.Logger.With("component", "orchestrator")
	return &Synchronizer{
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		primary:  cfg.Primary,
		ledger:   cfg.Ledger,
		gateways: cfg.Gateways,
		policy:   policy,
		tokens:   cfg.Tokens,
		group:    inflight.New(inflight.WithLogger(logger)),
		cfg:      cfg,
		logger:   logger,
		now:      cfg.Now,
		cleared:  make(map[string]uint64),
	}, nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Store returns the cache store views read and write.
func (s *Synchronizer) Store() cachestore.Store {
	return s.store
}

// Monitor returns the connectivity monitor views subscribe to.
func (s *Synchronizer) Monitor() connectivity.Monitor {
	return s.monitor
}

// ReportListResource describes the signed-in user's report list.
func (s *Synchronizer) ReportListResource() Resource[medsync.ReportList, []medsync.LedgerRecord] {
	return Resource[medsync.ReportList, []medsync.LedgerRecord]{
		Kind:    medsync.KindReportList,
		ID:      medsync.SelfScope,
		Fetch:   s.primary.Reports,
		Timeout: s.cfg.ListTimeout,
		Ledger: func(ctx context.Context, list *medsync.ReportList) ([]medsync.LedgerRecord, error) {
			var userID string
			if list != nil {
				userID = list.UserID
			}
			userID, err := s.userID(ctx, userID)
			if err != nil {
				return nil, err
			}
			return s.ledger.GetReports(ctx, userID, 0)
		},
		Join: func(list *medsync.ReportList, records []medsync.LedgerRecord) []medsync.MergedRecord {
			return JoinReports(list, records, s.gateways)
		},
	}
}

// ReportDetailResource describes one report. Only web3 reports have a
// ledger section.
func (s *Synchronizer) ReportDetailResource(id string) Resource[medsync.ReportDetail, []medsync.FileRecord] {
	return Resource[medsync.ReportDetail, []medsync.FileRecord]{
		Kind: medsync.KindReportDetail,
		ID:   id,
		Fetch: func(ctx context.Context) (medsync.ReportDetail, error) {
			return s.primary.Report(ctx, id)
		},
		Timeout:   s.cfg.DetailTimeout,
		ScopeKeys: []string{medsync.Key(medsync.KindReportSummary, id)},
		Detail:    true,
		LedgerBacked: func(d *medsync.ReportDetail) bool {
			return d != nil && d.IsLedgerBacked()
		},
		Ledger: func(ctx context.Context, d *medsync.ReportDetail) ([]medsync.FileRecord, error) {
			userID, err := s.userID(ctx, d.OwnerID())
			if err != nil {
				return nil, err
			}
			return s.ledger.GetReportFiles(ctx, userID, d.ID)
		},
		Join: func(d *medsync.ReportDetail, files []medsync.FileRecord) []medsync.MergedRecord {
			return JoinFiles(d, files, s.gateways)
		},
	}
}

// SummaryResource describes the AI medication summary of a report. It is
// only fetched on explicit refresh.
func (s *Synchronizer) SummaryResource(id string) Resource[[]medsync.MedicationSummary, struct{}] {
	return Resource[[]medsync.MedicationSummary, struct{}]{
		Kind: medsync.KindReportSummary,
		ID:   id,
		Fetch: func(ctx context.Context) ([]medsync.MedicationSummary, error) {
			return s.primary.Summary(ctx, id)
		},
		Timeout:    s.cfg.SummaryTimeout,
		ManualOnly: true,
	}
}

// ReportList creates a view of the report list.
func (s *Synchronizer) ReportList() *View[medsync.ReportList, []medsync.LedgerRecord] {
	return NewView(s, s.ReportListResource())
}

// ReportDetail creates a view of one report.
func (s *Synchronizer) ReportDetail(id string) *View[medsync.ReportDetail, []medsync.FileRecord] {
	return NewView(s, s.ReportDetailResource(id))
}

// Summary creates a view of a report's AI summary.
func (s *Synchronizer) Summary(id string) *View[[]medsync.MedicationSummary, struct{}] {
	return NewView(s, s.SummaryResource(id))
}

// userID returns known, or the user id from the session token.
func (s *Synchronizer) userID(ctx context.Context, known string) (string, error) {
	if known != "" {
		return known, nil
	}
	if s.tokens != nil {
		claims, err := credentials.ClaimsFrom(ctx, s.tokens)
		if err == nil && claims.UserID != "" {
			return claims.UserID, nil
		}
	}
	return "", medsync.NewError(medsync.CodeLedgerUnavailable, "ledger", errors.New("user id unknown"))
}

// online asks the monitor for the current state. A check that errors or
// does not answer within the connectivity timeout counts as offline.
func (s *Synchronizer) online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectivityTimeout)
	defer cancel()
	st, err := s.monitor.Current(ctx)
	if err != nil {
		s.logger.Debug("connectivity check failed", "error", err)
		return false
	}
	return st.Online
}

// clearEpoch returns how many times key has been cleared.
func (s *Synchronizer) clearEpoch(key string) uint64 {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()
	return s.cleared[key]
}

// clearKeys removes keys from the cache. Fetches of those keys that are
// still running will not write their result back.
func (s *Synchronizer) clearKeys(ctx context.Context, keys []string) error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	var errs []error
	for _, key := range keys {
		s.cleared[key]++
		if s.group.InFlight(key) {
			s.logger.Debug("clearing key with a fetch in flight", "cache_key", key)
			s.group.Forget(key)
		}
		if err := s.store.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// saveUnlessCleared writes data at key unless key was cleared after epoch
// was read. It reports whether the write happened.
func saveUnlessCleared[T any](ctx context.Context, s *Synchronizer, key string, epoch uint64, data T) (cachestore.Entry, bool, error) {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()
	if s.cleared[key] != epoch {
		return cachestore.Entry{}, false, nil
	}
	entry, err := cachestore.Save(ctx, s.store, key, data)
	return entry, true, err
}

// fetchWithTimeout runs fn under timeout and records the outcome.
func fetchWithTimeout[T any](ctx context.Context, kind medsync.Kind, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(telemetry.WithKind(ctx, string(kind)), timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	if err != nil && medsync.CodeOf(err) == "" {
		if errors.Is(err, context.DeadlineExceeded) {
			err = medsync.NewError(medsync.CodeNetworkTimeout, string(kind), err)
		} else {
			err = medsync.NewError(medsync.CodeUpstream5xx, string(kind), err)
		}
	}
	outcome := "success"
	if err != nil {
		outcome = string(medsync.CodeOf(err))
	}
	telemetry.RecordFetch(ctx, string(kind), "primary", outcome, time.Since(start))
	return v, err
}

// CheckApproval asks once for the state of an emergency access request.
func (s *Synchronizer) CheckApproval(ctx context.Context, emergencyID string) (medsync.ApprovalStatus, error) {
	return fetchWithTimeout(ctx, "approval", s.cfg.DetailTimeout, func(ctx context.Context) (medsync.ApprovalStatus, error) {
		return s.primary.CheckApproval(ctx, emergencyID)
	})
}

// AwaitApproval polls the emergency access request until it is approved or
// rejected, ctx ends, or the backend rejects the session. Transient
// failures keep polling. onPoll, if set, sees every answer.
func (s *Synchronizer) AwaitApproval(ctx context.Context, emergencyID string, onPoll func(medsync.ApprovalStatus, error)) (medsync.ApprovalStatus, error) {
	logger := s.logger.With("emergency_id", emergencyID)
	ticker := time.NewTicker(s.cfg.ApprovalInterval)
	defer ticker.Stop()

	for {
		st, err := s.CheckApproval(ctx, emergencyID)
		if onPoll != nil {
			onPoll(st, err)
		}
		switch {
		case err == nil && st.Done():
			logger.Info("emergency request settled", "status", st.State)
			return st, nil
		case medsync.NeedsReauth(err):
			return st, err
		case err != nil:
			logger.Warn("approval check failed", "error", err)
		default:
			logger.Debug("emergency request pending")
		}

		select {
		case <-ctx.Done():
			return st, fmt.Errorf("waiting for approval: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
