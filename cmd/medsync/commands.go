package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/config"
	"github.com/medlink/medsync/orchestrator"
	"github.com/medlink/medsync/server"
	"github.com/medlink/medsync/telemetry"
)

// ServeCmd runs the bridge API.
type ServeCmd struct {
	Address   string `help:"Address to listen on." env:"MEDSYNC_ADDRESS"`
	AuthToken string `help:"Bearer token required by the bridge API." env:"MEDSYNC_AUTH_TOKEN"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	if cfg.Metrics.Prometheus || cfg.Metrics.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "medsync",
			ServiceVersion:   version,
			OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
			EnablePrometheus: cfg.Metrics.Prometheus,
			FlushInterval:    cfg.Metrics.Interval,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}

	override(&cfg.Server.Address, c.Address)
	if c.AuthToken != "" {
		cfg.Server.Auth = config.AuthConfig{Mode: config.AuthModeToken, Token: c.AuthToken}
	}
	var authToken string
	if cfg.Server.Auth.AuthEnabled() {
		authToken = cfg.Server.Auth.Token
	}

	srv, err := server.New(server.Config{
		Address:      cfg.Server.Address,
		AuthToken:    authToken,
		Synchronizer: rt.sync,
		Manual:       rt.manual,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("bridge ready",
		"address", srv.Address(),
		"cache", cfg.Cache.Path,
		"connectivity", cfg.Connectivity.Mode,
		"ledger", cfg.Ledger.RPCURL != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ReportsCmd prints the report list.
type ReportsCmd struct {
	Refresh bool `help:"Fetch even when the cached list is fresh."`
}

func (c *ReportsCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return show(ctx, os.Stdout, rt.sync.ReportList(), c.Refresh)
}

// ReportCmd prints one report.
type ReportCmd struct {
	ID      string `arg:"" help:"Report id."`
	Refresh bool   `help:"Fetch even when the cached report is fresh."`
}

func (c *ReportCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return show(ctx, os.Stdout, rt.sync.ReportDetail(c.ID), c.Refresh)
}

// SummaryCmd prints the cached AI summary, generating it with --refresh.
type SummaryCmd struct {
	ID      string `arg:"" help:"Report id."`
	Refresh bool   `help:"Generate the summary now."`
}

func (c *SummaryCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return show(ctx, os.Stdout, rt.sync.Summary(c.ID), c.Refresh)
}

// ClearCmd removes cached entities.
type ClearCmd struct {
	Reports ClearReportsCmd `cmd:"" help:"Clear the cached report list."`
	Report  ClearReportCmd  `cmd:"" help:"Clear one cached report and its summary."`
}

// ClearReportsCmd clears the report list.
type ClearReportsCmd struct{}

func (c *ClearReportsCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return clearEntity(ctx, os.Stdout, rt.sync.ReportList())
}

// ClearReportCmd clears one report.
type ClearReportCmd struct {
	ID string `arg:"" help:"Report id."`
}

func (c *ClearReportCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	return clearEntity(ctx, os.Stdout, rt.sync.ReportDetail(c.ID))
}

// StatsCmd prints cache statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	stats, err := rt.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}
	byKind := make(map[medsync.Kind]int)
	for _, kind := range []medsync.Kind{medsync.KindReportList, medsync.KindReportDetail, medsync.KindReportSummary} {
		keys, err := rt.store.Keys(ctx, string(kind)+"_")
		if err != nil {
			return fmt.Errorf("listing %s keys: %w", kind, err)
		}
		byKind[kind] = len(keys)
	}
	return printJSON(os.Stdout, map[string]any{
		"driver":  rt.cfg.Cache.Driver,
		"path":    rt.cfg.Cache.Path,
		"stats":   stats,
		"by_kind": byKind,
	})
}

// ApprovalCmd waits for an emergency access request to be decided.
type ApprovalCmd struct {
	ID      string        `arg:"" help:"Emergency request id."`
	Timeout time.Duration `help:"Give up after this long." default:"10m"`
}

func (c *ApprovalCmd) Run(ctx context.Context, g *Globals) error {
	rt, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	st, err := rt.sync.AwaitApproval(ctx, c.ID, func(st medsync.ApprovalStatus, err error) {
		if err == nil {
			rt.logger.Debug("approval polled", "status", st.State)
		}
	})
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, st); err != nil {
		return err
	}
	if st.State == medsync.ApprovalRejected {
		return fmt.Errorf("emergency request %s rejected", c.ID)
	}
	return nil
}

// show mounts v, waits for it to settle, optionally refreshes, and prints
// the resulting state. A view that ends in ERROR fails the command.
func show[T, L any](ctx context.Context, w io.Writer, v *orchestrator.View[T, L], refresh bool) error {
	v.Mount(ctx)
	defer func() {
		v.Unmount()
		v.Wait()
	}()
	v.Wait()

	var refreshErr error
	if refresh {
		refreshErr = v.Refresh(ctx)
		v.Wait()
	}

	st := v.State()
	if err := printJSON(w, st); err != nil {
		return err
	}
	switch {
	case st.Phase == orchestrator.PhaseError:
		return fmt.Errorf("%s: %w", st.Key, st.Err)
	case refreshErr != nil && !errors.Is(refreshErr, medsync.ErrNoConnectivity):
		return fmt.Errorf("refresh %s: %w", st.Key, refreshErr)
	}
	return nil
}

// clearEntity removes v's entity from the cache without fetching anything.
func clearEntity[T, L any](ctx context.Context, w io.Writer, v *orchestrator.View[T, L]) error {
	leave, err := v.Clear(ctx)
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return printJSON(w, map[string]any{
		"cleared": v.State().Key,
		"leave":   leave,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
