// Package config loads the YAML configuration file. Values may reference
// environment variables as ${NAME} or ${NAME:-default}; expansion happens on
// the raw bytes before parsing.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/switchgear-ln/switchgear/internal/balancer"
	"github.com/switchgear-ln/switchgear/internal/logging"
	"github.com/switchgear-ln/switchgear/internal/selector"
)

// Defaults applied when the file omits a value.
const (
	DefaultHealthCheckFrequency   = 10 * time.Second
	DefaultBackendUpdateFrequency = 10 * time.Second
	DefaultInvoiceExpiry          = 3600 * time.Second
	DefaultLnClientTimeout        = 5 * time.Second
	DefaultMaxPageSize            = 100
	DefaultQRScale                = 4
)

// TLS holds an optional certificate pair; both paths must be set together.
type TLS struct {
	CertPath string `yaml:"cert-path"`
	KeyPath  string `yaml:"key-path"`
}

// Enabled reports whether the service binds HTTPS.
func (t TLS) Enabled() bool {
	return t.CertPath != "" || t.KeyPath != ""
}

func (t TLS) validate() error {
	if (t.CertPath == "") != (t.KeyPath == "") {
		return fmt.Errorf("tls cert-path and key-path must be set together")
	}
	return nil
}

// Backoff mirrors the lnurl-service.backoff section.
type Backoff struct {
	Type                string  `yaml:"type"`
	InitialIntervalSecs float64 `yaml:"initial-interval-secs"`
	RandomizationFactor float64 `yaml:"randomization-factor"`
	Multiplier          float64 `yaml:"multiplier"`
	MaxIntervalSecs     float64 `yaml:"max-interval-secs"`
	MaxElapsedTimeSecs  float64 `yaml:"max-elapsed-time-secs"`
}

// BackoffConfig converts the section into the dispatcher's form.
func (b Backoff) BackoffConfig() balancer.BackoffConfig {
	return balancer.BackoffConfig{
		Type:                b.Type,
		InitialInterval:     secs(b.InitialIntervalSecs),
		RandomizationFactor: b.RandomizationFactor,
		Multiplier:          b.Multiplier,
		MaxInterval:         secs(b.MaxIntervalSecs),
		MaxElapsedTime:      secs(b.MaxElapsedTimeSecs),
	}
}

// Selection mirrors lnurl-service.backend-selection, which is either a bare
// policy name or a mapping for the consistent policy.
type Selection struct {
	Type          string
	MaxIterations int
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (s *Selection) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&s.Type)
	}
	var raw struct {
		Type          string `yaml:"type"`
		MaxIterations int    `yaml:"max-iterations"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Type = raw.Type
	s.MaxIterations = raw.MaxIterations
	return nil
}

// LNURLService configures the public surface and the backend pool.
type LNURLService struct {
	Address                  string         `yaml:"address"`
	TLS                      TLS            `yaml:"tls"`
	Partitions               []string       `yaml:"partitions"`
	HealthCheckFrequencySecs float64        `yaml:"health-check-frequency-secs"`
	ParallelHealthCheck      bool           `yaml:"parallel-health-check"`
	SuccessesToHealthy       int            `yaml:"health-check-consecutive-success-to-healthy"`
	FailuresToUnhealthy      int            `yaml:"health-check-consecutive-failure-to-unhealthy"`
	BackendUpdateFreqSecs    float64        `yaml:"backend-update-frequency-secs"`
	InvoiceExpirySecs        int            `yaml:"invoice-expiry-secs"`
	LnClientTimeoutSecs      float64        `yaml:"ln-client-timeout-secs"`
	AllowedHosts             []string       `yaml:"allowed-hosts"`
	Backoff                  Backoff        `yaml:"backoff"`
	BackendSelection         Selection      `yaml:"backend-selection"`
	SelectionCapacityBias    *float64       `yaml:"selection-capacity-bias"`
	CommentAllowed           uint16         `yaml:"comment-allowed"`
	Bech32QRScale            int            `yaml:"bech32-qr-scale"`
	Bech32QRLight            string         `yaml:"bech32-qr-light"`
	Bech32QRDark             string         `yaml:"bech32-qr-dark"`
	Log                      logging.Config `yaml:"log"`
}

// HealthCheckFrequency returns the probe interval.
func (s LNURLService) HealthCheckFrequency() time.Duration {
	return secs(s.HealthCheckFrequencySecs)
}

// BackendUpdateFrequency returns the registration refresh interval.
func (s LNURLService) BackendUpdateFrequency() time.Duration {
	return secs(s.BackendUpdateFreqSecs)
}

// InvoiceExpiry returns the expiry stamped on generated invoices.
func (s LNURLService) InvoiceExpiry() time.Duration {
	return time.Duration(s.InvoiceExpirySecs) * time.Second
}

// LnClientTimeout returns the per-RPC deadline.
func (s LNURLService) LnClientTimeout() time.Duration {
	return secs(s.LnClientTimeoutSecs)
}

// DiscoveryService configures the backend-registration admin surface.
type DiscoveryService struct {
	Address       string         `yaml:"address"`
	TLS           TLS            `yaml:"tls"`
	AuthAuthority string         `yaml:"auth-authority"`
	Log           logging.Config `yaml:"log"`
}

// OfferService configures the offer admin surface.
type OfferService struct {
	Address       string         `yaml:"address"`
	TLS           TLS            `yaml:"tls"`
	AuthAuthority string         `yaml:"auth-authority"`
	MaxPageSize   int            `yaml:"max-page-size"`
	Log           logging.Config `yaml:"log"`
}

// Store backend type names.
const (
	StoreMemory   = "memory"
	StoreDatabase = "database"
	StoreHTTP     = "http"
)

// DatabaseStore configures a SQL-backed store.
type DatabaseStore struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max-connections"`
}

// HTTPStore configures a store proxied to another instance's admin API.
type HTTPStore struct {
	BaseURL          string  `yaml:"base-url"`
	TokenPath        string  `yaml:"token-path"`
	TrustedRootsPath string  `yaml:"trusted-roots-path"`
	TimeoutSecs      float64 `yaml:"timeout-secs"`
}

// StoreBackend selects one store implementation.
type StoreBackend struct {
	Type     string        `yaml:"type"`
	Database DatabaseStore `yaml:"database"`
	HTTP     HTTPStore     `yaml:"http"`
}

func (s StoreBackend) validate(name string) error {
	switch s.Type {
	case StoreMemory:
		return nil
	case StoreDatabase:
		if s.Database.URL == "" {
			return fmt.Errorf("store.%s.database.url is required", name)
		}
		return nil
	case StoreHTTP:
		if s.HTTP.BaseURL == "" {
			return fmt.Errorf("store.%s.http.base-url is required", name)
		}
		return nil
	default:
		return fmt.Errorf("store.%s.type must be one of memory, database, http, got %q", name, s.Type)
	}
}

// Stores selects the discovery and offer store implementations.
type Stores struct {
	Discovery StoreBackend `yaml:"discovery"`
	Offer     StoreBackend `yaml:"offer"`
}

// Config is the root of the YAML file.
type Config struct {
	LNURL     LNURLService     `yaml:"lnurl-service"`
	Discovery DiscoveryService `yaml:"discovery-service"`
	Offer     OfferService     `yaml:"offer-service"`
	Store     Stores           `yaml:"store"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandEnv substitutes ${NAME} and ${NAME:-default} references with the
// process environment.
func ExpandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(groups[2]) > 0 {
			return groups[2][2:]
		}
		return nil
	})
}

// Load reads, expands, parses, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse builds a configuration from raw YAML bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LNURL.HealthCheckFrequencySecs == 0 {
		c.LNURL.HealthCheckFrequencySecs = DefaultHealthCheckFrequency.Seconds()
	}
	if c.LNURL.BackendUpdateFreqSecs == 0 {
		c.LNURL.BackendUpdateFreqSecs = DefaultBackendUpdateFrequency.Seconds()
	}
	if c.LNURL.InvoiceExpirySecs == 0 {
		c.LNURL.InvoiceExpirySecs = int(DefaultInvoiceExpiry.Seconds())
	}
	if c.LNURL.LnClientTimeoutSecs == 0 {
		c.LNURL.LnClientTimeoutSecs = DefaultLnClientTimeout.Seconds()
	}
	if c.LNURL.SuccessesToHealthy == 0 {
		c.LNURL.SuccessesToHealthy = 1
	}
	if c.LNURL.FailuresToUnhealthy == 0 {
		c.LNURL.FailuresToUnhealthy = 1
	}
	if c.LNURL.BackendSelection.Type == "" {
		c.LNURL.BackendSelection.Type = selector.PolicyRoundRobin
	}
	if c.LNURL.Backoff.Type == "" {
		c.LNURL.Backoff.Type = balancer.BackoffStop
	}
	if c.LNURL.Bech32QRScale == 0 {
		c.LNURL.Bech32QRScale = DefaultQRScale
	}
	if c.Offer.MaxPageSize == 0 {
		c.Offer.MaxPageSize = DefaultMaxPageSize
	}
	if c.Store.Discovery.Type == "" {
		c.Store.Discovery.Type = StoreMemory
	}
	if c.Store.Offer.Type == "" {
		c.Store.Offer.Type = StoreMemory
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.LNURL.Address == "" {
		return fmt.Errorf("lnurl-service.address is required")
	}
	if len(c.LNURL.Partitions) == 0 {
		return fmt.Errorf("lnurl-service.partitions must not be empty")
	}
	for _, t := range []struct {
		name string
		tls  TLS
	}{
		{"lnurl-service", c.LNURL.TLS},
		{"discovery-service", c.Discovery.TLS},
		{"offer-service", c.Offer.TLS},
	} {
		if err := t.tls.validate(); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
	}
	switch c.LNURL.BackendSelection.Type {
	case selector.PolicyRoundRobin, selector.PolicyRandom, selector.PolicyConsistent:
	default:
		return fmt.Errorf("lnurl-service.backend-selection must be one of round-robin, random, consistent, got %q",
			c.LNURL.BackendSelection.Type)
	}
	switch c.LNURL.Backoff.Type {
	case balancer.BackoffStop, balancer.BackoffExponential:
	default:
		return fmt.Errorf("lnurl-service.backoff.type must be stop or exponential, got %q", c.LNURL.Backoff.Type)
	}
	if b := c.LNURL.Backoff; b.Type == balancer.BackoffExponential {
		if b.RandomizationFactor < 0 || b.RandomizationFactor > 1 {
			return fmt.Errorf("lnurl-service.backoff.randomization-factor must be within [0, 1]")
		}
		if b.Multiplier < 1 {
			return fmt.Errorf("lnurl-service.backoff.multiplier must be at least 1")
		}
	}
	if c.Discovery.Address != "" && c.Discovery.AuthAuthority == "" {
		return fmt.Errorf("discovery-service.auth-authority is required")
	}
	if c.Offer.Address != "" && c.Offer.AuthAuthority == "" {
		return fmt.Errorf("offer-service.auth-authority is required")
	}
	if c.Offer.MaxPageSize < 1 {
		return fmt.Errorf("offer-service.max-page-size must be positive")
	}
	if err := c.Store.Discovery.validate("discovery"); err != nil {
		return err
	}
	return c.Store.Offer.validate("offer")
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
