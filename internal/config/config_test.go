package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/switchgear-ln/switchgear/internal/balancer"
	"github.com/switchgear-ln/switchgear/internal/selector"
)

const minimalYAML = `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.LNURL.Address)
	require.Equal(t, []string{"default"}, cfg.LNURL.Partitions)
	require.Equal(t, DefaultHealthCheckFrequency, cfg.LNURL.HealthCheckFrequency())
	require.Equal(t, DefaultBackendUpdateFrequency, cfg.LNURL.BackendUpdateFrequency())
	require.Equal(t, DefaultInvoiceExpiry, cfg.LNURL.InvoiceExpiry())
	require.Equal(t, DefaultLnClientTimeout, cfg.LNURL.LnClientTimeout())
	require.Equal(t, 1, cfg.LNURL.SuccessesToHealthy)
	require.Equal(t, 1, cfg.LNURL.FailuresToUnhealthy)
	require.Equal(t, selector.PolicyRoundRobin, cfg.LNURL.BackendSelection.Type)
	require.Equal(t, balancer.BackoffStop, cfg.LNURL.Backoff.Type)
	require.Equal(t, DefaultQRScale, cfg.LNURL.Bech32QRScale)
	require.Equal(t, DefaultMaxPageSize, cfg.Offer.MaxPageSize)
	require.Equal(t, StoreMemory, cfg.Store.Discovery.Type)
	require.Equal(t, StoreMemory, cfg.Store.Offer.Type)
	require.False(t, cfg.LNURL.TLS.Enabled())
}

func TestParseFullDocument(t *testing.T) {
	cfg, err := Parse([]byte(`
lnurl-service:
  address: 0.0.0.0:8080
  tls:
    cert-path: /etc/tls/cert.pem
    key-path: /etc/tls/key.pem
  partitions: [us, ca]
  health-check-frequency-secs: 2.5
  parallel-health-check: true
  health-check-consecutive-success-to-healthy: 3
  health-check-consecutive-failure-to-unhealthy: 2
  backend-update-frequency-secs: 5
  invoice-expiry-secs: 600
  ln-client-timeout-secs: 1.5
  allowed-hosts: [pay.example.com]
  comment-allowed: 140
  selection-capacity-bias: -0.2
  bech32-qr-scale: 8
  bech32-qr-light: "#ffffff"
  bech32-qr-dark: "#000000"
  backend-selection:
    type: consistent
    max-iterations: 32
  backoff:
    type: exponential
    initial-interval-secs: 0.5
    randomization-factor: 0.3
    multiplier: 1.5
    max-interval-secs: 10
    max-elapsed-time-secs: 30
  log:
    level: debug
    format: console
discovery-service:
  address: 0.0.0.0:8081
  auth-authority: /etc/keys/discovery.pub
offer-service:
  address: 0.0.0.0:8082
  auth-authority: /etc/keys/offer.pub
  max-page-size: 25
store:
  discovery:
    type: database
    database:
      url: sqlite://data/switchgear.db
      max-connections: 4
  offer:
    type: http
    http:
      base-url: https://peer.example:8082
      token-path: /etc/keys/offer.token
      timeout-secs: 2
`))
	require.NoError(t, err)

	require.Equal(t, 2500*time.Millisecond, cfg.LNURL.HealthCheckFrequency())
	require.True(t, cfg.LNURL.ParallelHealthCheck)
	require.Equal(t, 3, cfg.LNURL.SuccessesToHealthy)
	require.Equal(t, 600*time.Second, cfg.LNURL.InvoiceExpiry())
	require.Equal(t, 1500*time.Millisecond, cfg.LNURL.LnClientTimeout())
	require.Equal(t, []string{"pay.example.com"}, cfg.LNURL.AllowedHosts)
	require.Equal(t, uint16(140), cfg.LNURL.CommentAllowed)
	require.NotNil(t, cfg.LNURL.SelectionCapacityBias)
	require.Equal(t, -0.2, *cfg.LNURL.SelectionCapacityBias)
	require.True(t, cfg.LNURL.TLS.Enabled())

	require.Equal(t, selector.PolicyConsistent, cfg.LNURL.BackendSelection.Type)
	require.Equal(t, 32, cfg.LNURL.BackendSelection.MaxIterations)

	backoff := cfg.LNURL.Backoff.BackoffConfig()
	require.Equal(t, balancer.BackoffExponential, backoff.Type)
	require.Equal(t, 500*time.Millisecond, backoff.InitialInterval)
	require.Equal(t, 0.3, backoff.RandomizationFactor)
	require.Equal(t, 1.5, backoff.Multiplier)
	require.Equal(t, 10*time.Second, backoff.MaxInterval)
	require.Equal(t, 30*time.Second, backoff.MaxElapsedTime)

	require.Equal(t, "debug", cfg.LNURL.Log.Level)
	require.Equal(t, 25, cfg.Offer.MaxPageSize)
	require.Equal(t, StoreDatabase, cfg.Store.Discovery.Type)
	require.Equal(t, "sqlite://data/switchgear.db", cfg.Store.Discovery.Database.URL)
	require.Equal(t, StoreHTTP, cfg.Store.Offer.Type)
	require.Equal(t, "https://peer.example:8082", cfg.Store.Offer.HTTP.BaseURL)
}

func TestSelectionScalarForm(t *testing.T) {
	cfg, err := Parse([]byte(`
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  backend-selection: random
`))
	require.NoError(t, err)
	require.Equal(t, selector.PolicyRandom, cfg.LNURL.BackendSelection.Type)
	require.Zero(t, cfg.LNURL.BackendSelection.MaxIterations)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SWITCHGEAR_TEST_ADDR", "10.0.0.1:9000")

	expanded := ExpandEnv([]byte("addr: ${SWITCHGEAR_TEST_ADDR}"))
	require.Equal(t, "addr: 10.0.0.1:9000", string(expanded))

	expanded = ExpandEnv([]byte("addr: ${SWITCHGEAR_TEST_UNSET:-0.0.0.0:8080}"))
	require.Equal(t, "addr: 0.0.0.0:8080", string(expanded))

	expanded = ExpandEnv([]byte("addr: ${SWITCHGEAR_TEST_UNSET}"))
	require.Equal(t, "addr: ", string(expanded))

	// Set variables win over inline defaults.
	expanded = ExpandEnv([]byte("addr: ${SWITCHGEAR_TEST_ADDR:-fallback}"))
	require.Equal(t, "addr: 10.0.0.1:9000", string(expanded))
}

func TestParseExpandsEnvReferences(t *testing.T) {
	t.Setenv("SWITCHGEAR_TEST_PARTITION", "eu")

	cfg, err := Parse([]byte(`
lnurl-service:
  address: ${SWITCHGEAR_TEST_LISTEN:-0.0.0.0:8080}
  partitions: [${SWITCHGEAR_TEST_PARTITION}]
`))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.LNURL.Address)
	require.Equal(t, []string{"eu"}, cfg.LNURL.Partitions)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing address", `
lnurl-service:
  partitions: [default]
`},
		{"missing partitions", `
lnurl-service:
  address: 0.0.0.0:8080
`},
		{"half tls pair", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  tls:
    cert-path: /etc/tls/cert.pem
`},
		{"unknown policy", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  backend-selection: fastest
`},
		{"unknown backoff", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  backoff:
    type: linear
`},
		{"randomization factor out of range", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  backoff:
    type: exponential
    randomization-factor: 1.5
    multiplier: 1.5
`},
		{"multiplier below one", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  backoff:
    type: exponential
    multiplier: 0.5
`},
		{"admin surface without auth authority", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
discovery-service:
  address: 0.0.0.0:8081
`},
		{"database store without url", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
store:
  discovery:
    type: database
`},
		{"unknown store type", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
store:
  offer:
    type: redis
`},
		{"unknown key", `
lnurl-service:
  address: 0.0.0.0:8080
  partitions: [default]
  listen-port: 8080
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}
