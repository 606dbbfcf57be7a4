package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/cachestore"
	"github.com/medlink/medsync/config"
	"github.com/medlink/medsync/connectivity"
	"github.com/medlink/medsync/credentials"
	"github.com/medlink/medsync/orchestrator"
)

func TestParseCommands(t *testing.T) {
	tests := []struct {
		args    []string
		command string
	}{
		{[]string{"serve", "--address", ":9000"}, "serve"},
		{[]string{"reports", "--refresh"}, "reports"},
		{[]string{"report", "R1"}, "report <id>"},
		{[]string{"summary", "R1", "--refresh"}, "summary <id>"},
		{[]string{"clear", "reports"}, "clear reports"},
		{[]string{"clear", "report", "R1"}, "clear report <id>"},
		{[]string{"stats"}, "stats"},
		{[]string{"approval", "E1", "--timeout", "30s"}, "approval <id>"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			var cli CLI
			parser, err := kong.New(&cli, kong.Name("medsync"), kong.Exit(func(int) {}))
			require.NoError(t, err)
			kctx, err := parser.Parse(tt.args)
			require.NoError(t, err)
			require.Equal(t, tt.command, kctx.Command())
		})
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	g := Globals{
		Config:    filepath.Join(t.TempDir(), defaultConfigFile),
		LogLevel:  "debug",
		CachePath: "/tmp/medsync-test.db",
		Token:     "tok",
		Offline:   true,
	}
	// Only the literal default name is optional.
	_, err := g.loadConfig()
	require.Error(t, err)

	g.Config = defaultConfigFile
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, cfg.Log.Level)
	require.Equal(t, "/tmp/medsync-test.db", cfg.Cache.Path)
	require.Equal(t, "tok", cfg.Primary.Token)
	require.Equal(t, config.ConnectivityManual, cfg.Connectivity.Mode)
	require.False(t, cfg.Connectivity.InitialOnline)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	g := Globals{Config: defaultConfigFile, CacheDriver: "sqlite"}
	_, err := g.loadConfig()
	require.ErrorContains(t, err, "cache")

	g = Globals{Config: defaultConfigFile, LogLevel: "loud"}
	_, err = g.loadConfig()
	require.ErrorContains(t, err, "invalid log level")
}

func TestApplyCredentials(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Primary.Token = "from-config"

	applyCredentials(cfg, &credentials.Credentials{
		AuthToken: "bridge",
		Primary:   &credentials.PrimaryAuth{TokenFile: "/run/secrets/session"},
		Ledger:    &credentials.LedgerAuth{RPCURL: "https://rpc.example.test"},
	})

	require.True(t, cfg.Server.Auth.AuthEnabled())
	require.Equal(t, "bridge", cfg.Server.Auth.Token)
	require.Equal(t, "from-config", cfg.Primary.Token)
	require.Equal(t, "/run/secrets/session", cfg.Primary.TokenFile)
	require.Equal(t, "https://rpc.example.test", cfg.Ledger.RPCURL)
}

type stubPrimary struct {
	err error
}

func (s stubPrimary) Reports(context.Context) (medsync.ReportList, error) {
	return medsync.ReportList{Web2Reports: []medsync.Report{{ID: "R1", Title: "X-ray"}}}, s.err
}

func (s stubPrimary) Report(_ context.Context, id string) (medsync.ReportDetail, error) {
	return medsync.ReportDetail{Report: medsync.Report{ID: id}}, s.err
}

func (s stubPrimary) Summary(context.Context, string) ([]medsync.MedicationSummary, error) {
	return nil, s.err
}

func (s stubPrimary) CheckApproval(context.Context, string) (medsync.ApprovalStatus, error) {
	return medsync.ApprovalStatus{State: medsync.ApprovalApproved}, s.err
}

func newSynchronizer(t *testing.T, online bool, p orchestrator.Primary) *orchestrator.Synchronizer {
	t.Helper()
	store, err := cachestore.OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s, err := orchestrator.New(orchestrator.Config{
		Store:   store,
		Monitor: connectivity.NewManual(online),
		Primary: p,
		Logger:  slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return s
}

func TestShow(t *testing.T) {
	ctx := context.Background()

	t.Run("prints fresh state", func(t *testing.T) {
		s := newSynchronizer(t, true, stubPrimary{})
		var out bytes.Buffer
		require.NoError(t, show(ctx, &out, s.ReportList(), false))

		var st map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &st))
		require.Equal(t, "SERVING_FRESH", st["phase"])
	})

	t.Run("error phase fails", func(t *testing.T) {
		s := newSynchronizer(t, false, stubPrimary{})
		var out bytes.Buffer
		err := show(ctx, &out, s.ReportList(), false)
		require.ErrorIs(t, err, medsync.ErrNoCacheAvailable)
		require.Contains(t, out.String(), "NO_CACHE_AVAILABLE")
	})

	t.Run("offline refresh keeps cache", func(t *testing.T) {
		s := newSynchronizer(t, true, stubPrimary{})
		require.NoError(t, show(ctx, &bytes.Buffer{}, s.ReportDetail("R1"), false))

		offline, err := orchestrator.New(orchestrator.Config{
			Store:   s.Store(),
			Monitor: connectivity.NewManual(false),
			Primary: stubPrimary{err: errors.New("unreachable")},
			Logger:  slog.New(slog.DiscardHandler),
		})
		require.NoError(t, err)

		var out bytes.Buffer
		require.NoError(t, show(ctx, &out, offline.ReportDetail("R1"), true))
		require.Contains(t, out.String(), orchestrator.NoticeOfflineRefresh)
	})
}

func TestClearEntity(t *testing.T) {
	ctx := context.Background()
	s := newSynchronizer(t, true, stubPrimary{})
	require.NoError(t, show(ctx, &bytes.Buffer{}, s.ReportDetail("R1"), false))

	var out bytes.Buffer
	require.NoError(t, clearEntity(ctx, &out, s.ReportDetail("R1")))

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	require.Equal(t, "report_detail_R1", body["cleared"])
	require.Equal(t, true, body["leave"])

	_, ok := s.Store().Get(ctx, "report_detail_R1")
	require.False(t, ok)
}
