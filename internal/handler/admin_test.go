package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/auth"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/store"
)

type adminFixture struct {
	router http.Handler
	token  string
}

func (f *adminFixture) do(t *testing.T, method, path string, body any, authorize bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorize {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func newDiscoveryFixture(t *testing.T) *adminFixture {
	t.Helper()
	key, err := auth.GenerateKey()
	require.NoError(t, err)
	token, err := auth.Mint(key, auth.AudienceDiscovery, time.Now().Add(time.Hour))
	require.NoError(t, err)

	h := NewDiscovery(store.NewMemory(), auth.NewVerifier(&key.PublicKey, auth.AudienceDiscovery), zap.NewNop())
	return &adminFixture{router: h.Routes(), token: token}
}

func newOffersFixture(t *testing.T, maxPageSize int) *adminFixture {
	t.Helper()
	key, err := auth.GenerateKey()
	require.NoError(t, err)
	token, err := auth.Mint(key, auth.AudienceOffer, time.Now().Add(time.Hour))
	require.NoError(t, err)

	memory := store.NewMemory()
	h := NewOffers(memory, memory, auth.NewVerifier(&key.PublicKey, auth.AudienceOffer), maxPageSize, zap.NewNop())
	return &adminFixture{router: h.Routes(), token: token}
}

func adminBackend(url string) model.DiscoveryBackend {
	return model.DiscoveryBackend{
		Address: model.URLAddress(url),
		DiscoveryBackendSparse: model.DiscoveryBackendSparse{
			Name:       "node-a",
			Partitions: []string{"default"},
			Weight:     1,
			Enabled:    true,
			Implementation: model.BackendImplementation{
				ClnGrpc: &model.ClnGrpcImplementation{URL: url},
			},
		},
	}
}

func TestDiscoveryRequiresBearerToken(t *testing.T) {
	f := newDiscoveryFixture(t)

	rec := f.do(t, http.MethodGet, "/discovery", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	req := httptest.NewRequest(http.MethodGet, "/discovery", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil, false).Code)
}

func TestDiscoveryRejectsForeignAudience(t *testing.T) {
	key, err := auth.GenerateKey()
	require.NoError(t, err)
	offerToken, err := auth.Mint(key, auth.AudienceOffer, time.Now().Add(time.Hour))
	require.NoError(t, err)

	h := NewDiscovery(store.NewMemory(), auth.NewVerifier(&key.PublicKey, auth.AudienceDiscovery), zap.NewNop())
	f := &adminFixture{router: h.Routes(), token: offerToken}

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/discovery", nil, true).Code)
}

func TestDiscoveryCRUD(t *testing.T) {
	f := newDiscoveryFixture(t)
	backend := adminBackend("https://node-a")
	kind, value := backend.Address.PathSegments()
	path := "/discovery/" + kind + "/" + value

	rec := f.do(t, http.MethodPost, "/discovery", backend, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, path, rec.Header().Get("Location"))

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/discovery", backend, true).Code)

	invalid := adminBackend("https://node-b")
	invalid.Partitions = nil
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/discovery", invalid, true).Code)

	rec = f.do(t, http.MethodGet, "/discovery", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	var list model.DiscoveryBackends
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Backends, 1)

	req := httptest.NewRequest(http.MethodGet, "/discovery", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Equal(t, etag, rec.Header().Get("ETag"))
	require.Empty(t, rec.Body.Bytes())

	rec = f.do(t, http.MethodGet, path, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.DiscoveryBackend
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, backend, got)

	replacement := backend.DiscoveryBackendSparse
	replacement.Weight = 4
	rec = f.do(t, http.MethodPut, path, replacement, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 4, got.Weight)

	rec = f.do(t, http.MethodPatch, path, map[string]any{"weight": 7, "enabled": false}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 7, got.Weight)
	require.False(t, got.Enabled)
	require.Equal(t, "node-a", got.Name)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, nil, true).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, nil, true).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, nil, true).Code)
}

func TestDiscoveryBadPathAddress(t *testing.T) {
	f := newDiscoveryFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/discovery/pk/zz", nil, true).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/discovery/dns/host", nil, true).Code)
}

func TestOffersCRUD(t *testing.T) {
	f := newOffersFixture(t, 100)

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/offers/default", nil, false).Code)

	meta := model.MetadataSparse{Text: "Payment"}
	rec := f.do(t, http.MethodPost, "/metadata/default", meta, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var createdMeta model.OfferMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &createdMeta))
	require.NotEqual(t, uuid.Nil, createdMeta.ID)
	require.Equal(t, "/metadata/default/"+createdMeta.ID.String(), rec.Header().Get("Location"))

	orphan := model.OfferSparse{
		MinSendable: 1000,
		MaxSendable: 100000,
		MetadataID:  uuid.New(),
		Timestamp:   time.Now().Add(-time.Hour),
	}
	require.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/offers/default", orphan, true).Code)

	sparse := orphan
	sparse.MetadataID = createdMeta.ID
	rec = f.do(t, http.MethodPost, "/offers/default", sparse, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created model.OfferRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEqual(t, uuid.Nil, created.ID)
	require.Equal(t, "/offers/default/"+created.ID.String(), rec.Header().Get("Location"))

	invalid := sparse
	invalid.MinSendable = 0
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/offers/default", invalid, true).Code)

	offerPath := "/offers/default/" + created.ID.String()
	rec = f.do(t, http.MethodGet, offerPath, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	updated := sparse
	updated.MaxSendable = 200000
	rec = f.do(t, http.MethodPut, offerPath, updated, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.OfferRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, uint64(200000), got.MaxSendable)

	metaPath := "/metadata/default/" + createdMeta.ID.String()
	require.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodDelete, metaPath, nil, true).Code)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, offerPath, nil, true).Code)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, metaPath, nil, true).Code)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/offers/default/not-a-uuid", nil, true).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, offerPath, nil, true).Code)
}

func TestOffersListPagination(t *testing.T) {
	f := newOffersFixture(t, 100)

	meta := model.MetadataSparse{Text: "Payment"}
	rec := f.do(t, http.MethodPost, "/metadata/default", meta, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var createdMeta model.OfferMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &createdMeta))

	for i := 0; i < 3; i++ {
		sparse := model.OfferSparse{
			MinSendable: 1000,
			MaxSendable: 100000,
			MetadataID:  createdMeta.ID,
			Timestamp:   time.Now().Add(-time.Hour),
		}
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/offers/default", sparse, true).Code)
	}

	listLen := func(path string) int {
		rec := f.do(t, http.MethodGet, path, nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		var offers []model.OfferRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offers))
		return len(offers)
	}

	require.Equal(t, 3, listLen("/offers/default"))
	require.Equal(t, 2, listLen("/offers/default?page=0&page_size=2"))
	require.Equal(t, 1, listLen("/offers/default?page=1&page_size=2"))
	require.Equal(t, 0, listLen("/offers/default?page=5&page_size=2"))
	require.Equal(t, 0, listLen("/offers/other"))

	// An empty partition still lists as an array.
	rec = f.do(t, http.MethodGet, "/offers/other", nil, true)
	require.JSONEq(t, "[]", rec.Body.String())
}
