package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/medlink/medsync/cachestore"
	"github.com/medlink/medsync/config"
	"github.com/medlink/medsync/connectivity"
	"github.com/medlink/medsync/credentials"
	"github.com/medlink/medsync/ledger"
	"github.com/medlink/medsync/orchestrator"
	"github.com/medlink/medsync/primary"
)

const defaultConfigFile = "medsync.yaml"

// Globals are the flags shared by every command. Non-empty values override
// the configuration file.
type Globals struct {
	Config      string `short:"c" help:"Path to the YAML config file." default:"medsync.yaml" env:"MEDSYNC_CONFIG"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." env:"MEDSYNC_LOG_LEVEL"`
	LogFormat   string `help:"Log format (text, json)." env:"MEDSYNC_LOG_FORMAT"`
	CacheDriver string `help:"Cache driver (bolt, fs)." env:"MEDSYNC_CACHE_DRIVER"`
	CachePath   string `help:"Cache file (bolt) or directory (fs)." env:"MEDSYNC_CACHE_PATH"`
	BaseURL     string `help:"Primary API base URL." env:"MEDSYNC_BASE_URL"`
	Token       string `help:"Session bearer token for the primary API." env:"MEDSYNC_TOKEN"`
	TokenFile   string `help:"File holding the session token; reloaded on change." type:"path" env:"MEDSYNC_TOKEN_FILE"`
	RPCURL      string `name:"rpc-url" help:"Ethereum RPC endpoint for the records contract." env:"MEDSYNC_RPC_URL"`
	Offline     bool   `help:"Treat the network as unreachable."`
}

// loadConfig reads the config file and applies flag overrides.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(g.Config, g.Config == defaultConfigFile)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		if err := cfg.Log.Level.UnmarshalText([]byte(g.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", g.LogLevel, err)
		}
	}
	override(&cfg.Log.Format, g.LogFormat)
	override(&cfg.Cache.Driver, g.CacheDriver)
	override(&cfg.Cache.Path, g.CachePath)
	override(&cfg.Primary.BaseURL, g.BaseURL)
	override(&cfg.Primary.Token, g.Token)
	override(&cfg.Primary.TokenFile, g.TokenFile)
	override(&cfg.Ledger.RPCURL, g.RPCURL)
	if g.Offline {
		cfg.Connectivity.Mode = config.ConnectivityManual
		cfg.Connectivity.InitialOnline = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// newLogger builds the root logger. Logs go to stderr so command output on
// stdout stays machine readable.
func newLogger(cfg config.LogConfig) *slog.Logger {
	if cfg.Format == config.FormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.Level,
		TimeFormat: time.TimeOnly,
	}))
}

// runtime holds the wired collaborators of one invocation.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *cachestore.Cache
	sync    *orchestrator.Synchronizer
	manual  *connectivity.Manual
	closers []func()
}

// setup wires the synchronizer from configuration. Call close when done.
func (g *Globals) setup(ctx context.Context) (*runtime, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger}
	if err := rt.wire(ctx); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context) error {
	cfg, logger := rt.cfg, rt.logger

	if cfg.CredentialsFile != "" {
		creds, err := credentials.NewResolver(credentials.WithLogger(logger)).ResolveFile(ctx, cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
		applyCredentials(cfg, creds)
	}

	tokens, err := rt.tokenSource()
	if err != nil {
		return err
	}

	store, err := cachestore.Open(cfg.Cache.Driver, cfg.Cache.Path,
		cachestore.WithLogger(logger),
		cachestore.WithNoSync(cfg.Cache.NoSync),
	)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })

	client := primary.NewClient(
		primary.WithBaseURL(cfg.Primary.BaseURL),
		primary.WithTokenSource(tokens),
		primary.WithLogger(logger),
	)

	var reader ledger.Reader = ledger.Unavailable{}
	if cfg.Ledger.RPCURL != "" {
		contract, err := ledger.NewContract(ledger.Config{
			RPCURL:  cfg.Ledger.RPCURL,
			Address: cfg.Ledger.Address,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("configuring ledger: %w", err)
		}
		reader = contract
		rt.closers = append(rt.closers, contract.Close)
	}

	monitor, err := rt.monitor(ctx)
	if err != nil {
		return err
	}

	policy := cfg.Freshness.Policy()
	rt.sync, err = orchestrator.New(orchestrator.Config{
		Store:               store,
		Monitor:             monitor,
		Primary:             client,
		Ledger:              reader,
		Gateways:            cfg.Ledger.Gateways(),
		Policy:              &policy,
		Tokens:              tokens,
		ListTimeout:         cfg.Timeouts.List,
		DetailTimeout:       cfg.Timeouts.Detail,
		SummaryTimeout:      cfg.Timeouts.Summary,
		LedgerTimeout:       cfg.Timeouts.Ledger,
		ConnectivityTimeout: cfg.Connectivity.CheckTimeout,
		ApprovalInterval:    cfg.Timeouts.Approval,
		Logger:              logger,
	})
	return err
}

// tokenSource prefers the watched token file over a static token. Without
// either, primary requests fail as unauthenticated without touching the
// network.
func (rt *runtime) tokenSource() (credentials.TokenSource, error) {
	p := rt.cfg.Primary
	switch {
	case p.TokenFile != "":
		ft, err := credentials.NewFileToken(p.TokenFile, rt.logger)
		if err != nil {
			return nil, fmt.Errorf("loading token file: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = ft.Close() })
		return ft, nil
	case p.Token != "":
		return credentials.StaticToken(p.Token), nil
	default:
		rt.logger.Warn("no session token configured; primary requests will be rejected")
		return nil, nil
	}
}

// monitor builds the connectivity monitor. Probed state is debounced by the
// settle window; host-driven state is used as pushed.
func (rt *runtime) monitor(ctx context.Context) (connectivity.Monitor, error) {
	c := rt.cfg.Connectivity
	opts := []connectivity.Option{connectivity.WithLogger(rt.logger)}

	if c.Mode == config.ConnectivityManual {
		rt.manual = connectivity.NewManual(c.InitialOnline, opts...)
		return rt.manual, nil
	}

	prober := connectivity.NewProber(connectivity.ProberConfig{
		URL:      c.ProbeURL,
		Interval: c.Interval,
		Timeout:  c.ProbeTimeout,
		Logger:   rt.logger,
	}, opts...)
	if err := prober.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting connectivity prober: %w", err)
	}
	rt.closers = append(rt.closers, prober.Stop)

	if c.Settle <= 0 {
		return prober, nil
	}
	debounced := connectivity.Debounce(prober, c.Settle, opts...)
	rt.closers = append(rt.closers, debounced.Close)
	return debounced, nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// applyCredentials overlays resolved credentials on cfg.
func applyCredentials(cfg *config.Config, creds *credentials.Credentials) {
	if creds.AuthToken != "" {
		cfg.Server.Auth.Mode = config.AuthModeToken
		cfg.Server.Auth.Token = creds.AuthToken
	}
	if creds.Primary != nil {
		override(&cfg.Primary.Token, creds.Primary.Token)
		override(&cfg.Primary.TokenFile, creds.Primary.TokenFile)
	}
	if creds.Ledger != nil {
		override(&cfg.Ledger.RPCURL, creds.Ledger.RPCURL)
	}
}
