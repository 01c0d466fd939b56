package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// HTTPClientConfig describes how to reach a remote admin API. The bearer
// token and trust roots are pre-provisioned files.
type HTTPClientConfig struct {
	BaseURL          string
	TokenPath        string
	TrustedRootsPath string
	Timeout          time.Duration
}

// httpClient is the shared transport for the HTTP store implementations. A
// request that fails at the transport layer is retried once.
type httpClient struct {
	base   *url.URL
	token  string
	client *http.Client
}

func newHTTPClient(cfg HTTPClientConfig) (*httpClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid store base url %q: %w", cfg.BaseURL, err)
	}

	token, err := os.ReadFile(cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("read authorization token: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TrustedRootsPath != "" {
		pem, err := os.ReadFile(cfg.TrustedRootsPath)
		if err != nil {
			return nil, fmt.Errorf("read trusted roots: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in trusted roots bundle %s", cfg.TrustedRootsPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: roots}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &httpClient{
		base:  base,
		token: strings.TrimSpace(string(token)),
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body any, headers http.Header) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	build := func() (*http.Request, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	// One retry on transport failure; the admin APIs are idempotent for
	// everything except POST, and a failed POST never reached the server.
	req, buildErr := build()
	if buildErr != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// statusError maps admin API status codes onto the store sentinels.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrReferentialIntegrity
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("store request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
}

func decodeInto(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPDiscovery proxies the discovery admin API. Change detection polls the
// collection etag, coalescing bursts into one callback per tick.
type HTTPDiscovery struct {
	c *httpClient

	mu       sync.Mutex
	lastEtag string
	observers
}

// NewHTTPDiscovery returns a discovery store backed by a remote admin API.
func NewHTTPDiscovery(cfg HTTPClientConfig) (*HTTPDiscovery, error) {
	c, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPDiscovery{c: c}, nil
}

var _ DiscoveryStore = (*HTTPDiscovery)(nil)

func (s *HTTPDiscovery) GetBackends(ctx context.Context) (model.DiscoveryBackends, error) {
	resp, err := s.c.do(ctx, http.MethodGet, "/discovery", nil, nil)
	if err != nil {
		return model.DiscoveryBackends{}, err
	}
	var backends model.DiscoveryBackends
	if err := decodeInto(resp, &backends); err != nil {
		return model.DiscoveryBackends{}, err
	}
	return backends, nil
}

func addressPath(addr model.BackendAddress) string {
	kind, value := addr.PathSegments()
	return "/discovery/" + kind + "/" + url.PathEscape(value)
}

func (s *HTTPDiscovery) GetBackend(ctx context.Context, addr model.BackendAddress) (model.DiscoveryBackend, error) {
	resp, err := s.c.do(ctx, http.MethodGet, addressPath(addr), nil, nil)
	if err != nil {
		return model.DiscoveryBackend{}, err
	}
	var backend model.DiscoveryBackend
	if err := decodeInto(resp, &backend); err != nil {
		return model.DiscoveryBackend{}, err
	}
	return backend, nil
}

func (s *HTTPDiscovery) CreateBackend(ctx context.Context, backend model.DiscoveryBackend) error {
	resp, err := s.c.do(ctx, http.MethodPost, "/discovery", backend, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPDiscovery) UpdateBackend(ctx context.Context, backend model.DiscoveryBackend) error {
	resp, err := s.c.do(ctx, http.MethodPut, addressPath(backend.Address), backend, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPDiscovery) PatchBackend(ctx context.Context, patch model.DiscoveryBackendPatch) (model.DiscoveryBackend, error) {
	resp, err := s.c.do(ctx, http.MethodPatch, addressPath(patch.Address), patch, nil)
	if err != nil {
		return model.DiscoveryBackend{}, err
	}
	var backend model.DiscoveryBackend
	if err := decodeInto(resp, &backend); err != nil {
		return model.DiscoveryBackend{}, err
	}
	s.notify()
	return backend, nil
}

func (s *HTTPDiscovery) DeleteBackend(ctx context.Context, addr model.BackendAddress) error {
	resp, err := s.c.do(ctx, http.MethodDelete, addressPath(addr), nil, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Poll runs until the context is cancelled, checking the remote etag on
// every tick and firing change callbacks when it moves.
func (s *HTTPDiscovery) Poll(ctx context.Context, frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *HTTPDiscovery) pollOnce(ctx context.Context) {
	s.mu.Lock()
	etag := s.lastEtag
	s.mu.Unlock()

	headers := http.Header{}
	if etag != "" {
		headers.Set("If-None-Match", etag)
	}
	resp, err := s.c.do(ctx, http.MethodGet, "/discovery", nil, headers)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotModified {
		return
	}
	current := resp.Header.Get("ETag")

	s.mu.Lock()
	changed := current != s.lastEtag
	s.lastEtag = current
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// HTTPOffers proxies the offer admin API for both offers and metadata.
type HTTPOffers struct {
	c *httpClient
	observers
}

// NewHTTPOffers returns offer and metadata stores backed by a remote admin
// API.
func NewHTTPOffers(cfg HTTPClientConfig) (*HTTPOffers, error) {
	c, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTPOffers{c: c}, nil
}

var (
	_ OfferStore    = (*HTTPOffers)(nil)
	_ MetadataStore = (*HTTPOffers)(nil)
)

func listQuery(page, pageSize int) string {
	return fmt.Sprintf("?page=%d&page_size=%d", page, pageSize)
}

func (s *HTTPOffers) GetOffer(ctx context.Context, partition string, id uuid.UUID) (model.OfferRecord, error) {
	path := "/offers/" + url.PathEscape(partition) + "/" + id.String()
	resp, err := s.c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return model.OfferRecord{}, err
	}
	var offer model.OfferRecord
	if err := decodeInto(resp, &offer); err != nil {
		return model.OfferRecord{}, err
	}
	return offer, nil
}

func (s *HTTPOffers) ListOffers(ctx context.Context, partition string, page, pageSize int) ([]model.OfferRecord, error) {
	path := "/offers/" + url.PathEscape(partition) + listQuery(page, pageSize)
	resp, err := s.c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var offers []model.OfferRecord
	if err := decodeInto(resp, &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

func (s *HTTPOffers) CreateOffer(ctx context.Context, offer *model.OfferRecord) error {
	path := "/offers/" + url.PathEscape(offer.Partition)
	resp, err := s.c.do(ctx, http.MethodPost, path, offer, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, offer); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPOffers) PutOffer(ctx context.Context, offer model.OfferRecord) error {
	path := "/offers/" + url.PathEscape(offer.Partition) + "/" + offer.ID.String()
	resp, err := s.c.do(ctx, http.MethodPut, path, offer, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPOffers) DeleteOffer(ctx context.Context, partition string, id uuid.UUID) error {
	path := "/offers/" + url.PathEscape(partition) + "/" + id.String()
	resp, err := s.c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPOffers) GetMetadata(ctx context.Context, partition string, id uuid.UUID) (model.OfferMetadata, error) {
	path := "/metadata/" + url.PathEscape(partition) + "/" + id.String()
	resp, err := s.c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return model.OfferMetadata{}, err
	}
	var metadata model.OfferMetadata
	if err := decodeInto(resp, &metadata); err != nil {
		return model.OfferMetadata{}, err
	}
	return metadata, nil
}

func (s *HTTPOffers) ListMetadata(ctx context.Context, partition string, page, pageSize int) ([]model.OfferMetadata, error) {
	path := "/metadata/" + url.PathEscape(partition) + listQuery(page, pageSize)
	resp, err := s.c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var metadata []model.OfferMetadata
	if err := decodeInto(resp, &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func (s *HTTPOffers) CreateMetadata(ctx context.Context, metadata *model.OfferMetadata) error {
	path := "/metadata/" + url.PathEscape(metadata.Partition)
	resp, err := s.c.do(ctx, http.MethodPost, path, metadata, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, metadata); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPOffers) PutMetadata(ctx context.Context, metadata model.OfferMetadata) error {
	path := "/metadata/" + url.PathEscape(metadata.Partition) + "/" + metadata.ID.String()
	resp, err := s.c.do(ctx, http.MethodPut, path, metadata, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *HTTPOffers) DeleteMetadata(ctx context.Context, partition string, id uuid.UUID) error {
	path := "/metadata/" + url.PathEscape(partition) + "/" + id.String()
	resp, err := s.c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return err
	}
	s.notify()
	return nil
}
