package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/freshness"
	"github.com/medlink/medsync/ledger"
	"github.com/medlink/medsync/orchestrator"
	"github.com/medlink/medsync/primary"
)

// Auth modes for the bridge server.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Cache drivers.
const (
	DriverBolt = "bolt"
	DriverFS   = "fs"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// DefaultProbeURL is checked for reachability when no probe URL is set.
const DefaultProbeURL = "https://medlink-bh5c.onrender.com/"

// Config is the complete medsync configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Cache        CacheConfig        `yaml:"cache"`
	Freshness    FreshnessConfig    `yaml:"freshness"`
	Timeouts     TimeoutConfig      `yaml:"timeouts"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Primary      PrimaryConfig      `yaml:"primary"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Server       ServerConfig       `yaml:"server"`
	Metrics      MetricsConfig      `yaml:"metrics"`

	// CredentialsFile is an optional template resolved at startup. Values it
	// yields override the token and RPC settings above.
	CredentialsFile string `yaml:"credentials_file"`
}

// Validate validates every section.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    Validator
	}{
		{"log", &c.Log},
		{"cache", &c.Cache},
		{"freshness", &c.Freshness},
		{"timeouts", &c.Timeouts},
		{"connectivity", &c.Connectivity},
		{"primary", &c.Primary},
		{"ledger", &c.Ledger},
		{"server", &c.Server},
		{"metrics", &c.Metrics},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  slog.Level `yaml:"level"`
	Format string     `yaml:"format"`
}

// Validate validates the log configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Format, validation.Required, validation.In(FormatText, FormatJSON)),
	)
}

// CacheConfig selects the cache store driver.
type CacheConfig struct {
	Driver string `yaml:"driver"`
	// Path is the bbolt file for the bolt driver and a directory for fs.
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverBolt, DriverFS)),
		validation.Field(&c.Path, validation.Required),
	)
}

// FreshnessConfig holds the expiry window per data kind.
type FreshnessConfig struct {
	List    time.Duration `yaml:"list"`
	Detail  time.Duration `yaml:"detail"`
	Summary time.Duration `yaml:"summary"`
}

// Validate validates the freshness windows.
func (c *FreshnessConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.List, validation.Min(time.Duration(0))),
		validation.Field(&c.Detail, validation.Min(time.Duration(0))),
		validation.Field(&c.Summary, validation.Min(time.Duration(0))),
	)
}

// Policy builds the freshness policy for these windows.
func (c *FreshnessConfig) Policy() freshness.Policy {
	return freshness.NewPolicy(map[medsync.Kind]time.Duration{
		medsync.KindReportList:    c.List,
		medsync.KindReportDetail:  c.Detail,
		medsync.KindReportSummary: c.Summary,
	})
}

// TimeoutConfig bounds each fetch.
type TimeoutConfig struct {
	List     time.Duration `yaml:"list"`
	Detail   time.Duration `yaml:"detail"`
	Summary  time.Duration `yaml:"summary"`
	Ledger   time.Duration `yaml:"ledger"`
	Approval time.Duration `yaml:"approval_interval"`
}

// Validate validates the timeouts.
func (c *TimeoutConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.List, validation.Required),
		validation.Field(&c.Detail, validation.Required),
		validation.Field(&c.Summary, validation.Required),
		validation.Field(&c.Ledger, validation.Required),
		validation.Field(&c.Approval, validation.Required),
	)
}

// ConnectivityConfig controls how reachability is observed.
//
// Mode selects the monitor:
//   - "probe" (default): HEAD ProbeURL every Interval.
//   - "manual": the host pushes state through the bridge server.
type ConnectivityConfig struct {
	Mode         string        `yaml:"mode"`
	ProbeURL     string        `yaml:"probe_url"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Settle       time.Duration `yaml:"settle"`
	// CheckTimeout bounds a state query; an unanswered query is offline.
	CheckTimeout time.Duration `yaml:"check_timeout"`
	// InitialOnline seeds the manual monitor.
	InitialOnline bool `yaml:"initial_online"`
}

// Connectivity modes.
const (
	ConnectivityProbe  = "probe"
	ConnectivityManual = "manual"
)

// Validate validates the connectivity configuration.
func (c *ConnectivityConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(ConnectivityProbe, ConnectivityManual)),
		validation.Field(&c.ProbeURL, validation.When(c.Mode == ConnectivityProbe, validation.Required, validation.By(absoluteURL))),
		validation.Field(&c.Interval, validation.Required),
		validation.Field(&c.ProbeTimeout, validation.Required),
		validation.Field(&c.Settle, validation.Min(time.Duration(0))),
		validation.Field(&c.CheckTimeout, validation.Required),
	)
}

// PrimaryConfig points at the backend API.
type PrimaryConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the session bearer token. TokenFile, when set, is watched
	// for changes and wins over Token.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// Validate validates the primary configuration.
func (c *PrimaryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.By(absoluteURL)),
	)
}

// LedgerConfig points at the records contract and IPFS gateways. An empty
// RPCURL leaves the ledger section unavailable.
type LedgerConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	Address         string `yaml:"address"`
	Gateway         string `yaml:"gateway"`
	FallbackGateway string `yaml:"fallback_gateway"`
}

// Validate validates the ledger configuration.
func (c *LedgerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.RPCURL, validation.By(urlRule("http", "https", "ws", "wss"))),
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.Gateway, validation.Required, validation.By(absoluteURL)),
		validation.Field(&c.FallbackGateway, validation.By(absoluteURL)),
	)
}

// Gateways returns the configured IPFS gateways.
func (c *LedgerConfig) Gateways() ledger.Gateways {
	return ledger.Gateways{Primary: c.Gateway, Fallback: c.FallbackGateway}
}

// ServerConfig configures the bridge HTTP server.
type ServerConfig struct {
	Address string     `yaml:"address"`
	Auth    AuthConfig `yaml:"auth"`
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Address, validation.Required),
	); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// AuthConfig holds bridge authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication, for a loopback-only bridge.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	Prometheus   bool          `yaml:"prometheus"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Interval     time.Duration `yaml:"interval"`
}

// Validate validates the metrics configuration.
func (c *MetricsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
	)
}

// NewDefaultConfig returns a Config with the standard defaults.
func NewDefaultConfig() *Config {
	gw := ledger.DefaultGateways()
	return &Config{
		Log: LogConfig{
			Level:  slog.LevelInfo,
			Format: FormatText,
		},
		Cache: CacheConfig{
			Driver: DriverBolt,
			Path:   "./medsync.db",
		},
		Freshness: FreshnessConfig{
			List:    freshness.DefaultListWindow,
			Detail:  freshness.DefaultDetailWindow,
			Summary: freshness.DefaultSummaryWindow,
		},
		Timeouts: TimeoutConfig{
			List:     orchestrator.DefaultListTimeout,
			Detail:   orchestrator.DefaultDetailTimeout,
			Summary:  orchestrator.DefaultSummaryTimeout,
			Ledger:   orchestrator.DefaultLedgerTimeout,
			Approval: orchestrator.DefaultApprovalInterval,
		},
		Connectivity: ConnectivityConfig{
			Mode:         ConnectivityProbe,
			ProbeURL:     DefaultProbeURL,
			Interval:     10 * time.Second,
			ProbeTimeout: 5 * time.Second,
			Settle:       2 * time.Second,
			CheckTimeout: orchestrator.DefaultConnectivityTimeout,
		},
		Primary: PrimaryConfig{
			BaseURL: primary.DefaultBaseURL,
		},
		Ledger: LedgerConfig{
			Address:         ledger.DefaultAddress,
			Gateway:         gw.Primary,
			FallbackGateway: gw.Fallback,
		},
		Server: ServerConfig{
			Address: "127.0.0.1:8484",
			Auth: AuthConfig{
				Mode: AuthModeDisabled,
			},
		},
		Metrics: MetricsConfig{
			Interval: 10 * time.Second,
		},
	}
}

var absoluteURL = urlRule("http", "https")

// urlRule accepts empty values and absolute URLs with one of schemes.
func urlRule(schemes ...string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" || !slices.Contains(schemes, u.Scheme) {
			return fmt.Errorf("must be an absolute %s URL", strings.Join(schemes, "|"))
		}
		return nil
	}
}
