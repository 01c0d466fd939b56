package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/ln"
	"github.com/switchgear-ln/switchgear/internal/lnurl"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/selector"
)

type scriptedClient struct {
	invoice func(ctx context.Context, params ln.InvoiceParams) (string, error)
}

func (c *scriptedClient) CreateInvoice(ctx context.Context, params ln.InvoiceParams) (string, error) {
	return c.invoice(ctx, params)
}

func (c *scriptedClient) Metrics(ctx context.Context) (ln.NodeMetrics, error) {
	return ln.NodeMetrics{}, nil
}

func (c *scriptedClient) Close() error { return nil }

type countingRefresher struct {
	calls int
}

func (r *countingRefresher) Refresh(ctx context.Context) { r.calls++ }

func scriptedPool(clients map[string]*scriptedClient) *ln.ClientPool {
	factory := func(impl model.BackendImplementation, timeout time.Duration) (ln.NodeClient, error) {
		client, ok := clients[impl.ClnGrpc.URL]
		if !ok {
			return nil, errors.New("unknown backend")
		}
		return client, nil
	}
	return ln.NewClientPool(time.Second, factory)
}

func publishBackends(sel *selector.Selector, urls ...string) {
	entries := make([]selector.BackendCapacity, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, selector.BackendCapacity{
			Backend: model.DiscoveryBackend{
				Address: model.URLAddress(u),
				DiscoveryBackendSparse: model.DiscoveryBackendSparse{
					Partitions: []string{"default"},
					Weight:     1,
					Enabled:    true,
					Implementation: model.BackendImplementation{
						ClnGrpc: &model.ClnGrpcImplementation{URL: u},
					},
				},
			},
		})
	}
	sel.Publish(map[string][]selector.BackendCapacity{"default": entries})
}

func testRequest() Request {
	return Request{
		Partition: "default",
		Offer: model.OfferRecord{
			Partition: "default",
			ID:        uuid.New(),
			OfferSparse: model.OfferSparse{
				MinSendable: 1000,
				MaxSendable: 100000,
				MetadataID:  uuid.New(),
				Timestamp:   time.Now().Add(-time.Hour),
			},
		},
		Metadata:   model.MetadataSparse{Text: "Payment"},
		AmountMsat: 5000,
	}
}

func retryConfig() Config {
	return Config{
		Backoff: BackoffConfig{
			Type:                BackoffExponential,
			InitialInterval:     time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          1.5,
			MaxInterval:         10 * time.Millisecond,
			MaxElapsedTime:      time.Second,
		},
		InvoiceExpiry: time.Hour,
	}
}

func TestDispatchReturnsInvoice(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	publishBackends(sel, "https://node-a")

	var got ln.InvoiceParams
	clients := scriptedPool(map[string]*scriptedClient{
		"https://node-a": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			got = params
			return "lnbc1good", nil
		}},
	})

	refresher := &countingRefresher{}
	d := New(retryConfig(), sel, clients, refresher, zap.NewNop())

	req := testRequest()
	pr, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "lnbc1good", pr)

	encoded, err := lnurl.EncodeMetadata(req.Metadata)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), got.AmountMsat)
	require.Equal(t, encoded, got.Metadata)
	require.Equal(t, lnurl.MetadataHash(encoded), got.DescriptionHash)
	require.Equal(t, time.Hour, got.Expiry)
	require.Empty(t, got.Memo)
	require.Zero(t, refresher.calls)
}

func TestDispatchRetriesNextCandidate(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	publishBackends(sel, "https://bad", "https://good")

	clients := scriptedPool(map[string]*scriptedClient{
		"https://bad": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			return "", errors.New("node offline")
		}},
		"https://good": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			return "lnbc1good", nil
		}},
	})

	refresher := &countingRefresher{}
	d := New(retryConfig(), sel, clients, refresher, zap.NewNop())

	pr, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "lnbc1good", pr)
	require.Equal(t, 1, refresher.calls)
}

func TestDispatchStopBackoffFailsFast(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	publishBackends(sel, "https://bad", "https://good")

	clients := scriptedPool(map[string]*scriptedClient{
		"https://bad": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			return "", errors.New("node offline")
		}},
		"https://good": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			return "lnbc1good", nil
		}},
	})

	refresher := &countingRefresher{}
	cfg := retryConfig()
	cfg.Backoff = BackoffConfig{Type: BackoffStop}
	d := New(cfg, sel, clients, refresher, zap.NewNop())

	_, err := d.Dispatch(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrNoBackendAvailable)
	require.Zero(t, refresher.calls)
}

func TestDispatchExhaustsCandidates(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	publishBackends(sel, "https://bad")

	clients := scriptedPool(map[string]*scriptedClient{
		"https://bad": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			return "", errors.New("node offline")
		}},
	})

	d := New(retryConfig(), sel, clients, &countingRefresher{}, zap.NewNop())

	_, err := d.Dispatch(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestDispatchEmptyPartition(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	d := New(retryConfig(), sel, scriptedPool(nil), &countingRefresher{}, zap.NewNop())

	_, err := d.Dispatch(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestDispatchValidatesAmount(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	d := New(retryConfig(), sel, scriptedPool(nil), &countingRefresher{}, zap.NewNop())

	low := testRequest()
	low.AmountMsat = 500
	_, err := d.Dispatch(context.Background(), low)
	require.ErrorIs(t, err, ErrInvalidAmount)

	high := testRequest()
	high.AmountMsat = 200000
	_, err = d.Dispatch(context.Background(), high)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDispatchForwardsComment(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	publishBackends(sel, "https://node-a")

	var got ln.InvoiceParams
	clients := scriptedPool(map[string]*scriptedClient{
		"https://node-a": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			got = params
			return "lnbc1good", nil
		}},
	})

	cfg := retryConfig()
	cfg.CommentAllowed = 8
	d := New(cfg, sel, clients, &countingRefresher{}, zap.NewNop())

	req := testRequest()
	req.Comment = "thanks"
	_, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "thanks", got.Memo)

	// Over the limit the comment is ignored, not truncated.
	req.Comment = "a comment far beyond the configured limit"
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, got.Memo)
}

func TestDispatchHonorsContext(t *testing.T) {
	sel := selector.New(selector.Config{Policy: selector.PolicyRoundRobin})
	publishBackends(sel, "https://bad")

	ctx, cancel := context.WithCancel(context.Background())
	clients := scriptedPool(map[string]*scriptedClient{
		"https://bad": {invoice: func(ctx context.Context, params ln.InvoiceParams) (string, error) {
			cancel()
			return "", errors.New("node offline")
		}},
	})

	d := New(retryConfig(), sel, clients, &countingRefresher{}, zap.NewNop())

	_, err := d.Dispatch(ctx, testRequest())
	require.ErrorIs(t, err, context.Canceled)
}
