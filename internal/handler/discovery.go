package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/auth"
	"github.com/switchgear-ln/switchgear/internal/middleware"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/store"
)

// Discovery serves the backend-registration admin API.
type Discovery struct {
	store    store.DiscoveryStore
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewDiscovery wires the discovery admin surface.
func NewDiscovery(s store.DiscoveryStore, verifier *auth.Verifier, logger *zap.Logger) *Discovery {
	return &Discovery{store: s, verifier: verifier, logger: logger}
}

// Routes returns the admin router. Everything but /health requires a bearer
// token for the discovery audience.
func (h *Discovery) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.AccessLog(h.logger))
	r.Use(adminCORS())
	r.Get("/health", Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.verifier))
		r.Post("/discovery", h.Create)
		r.Get("/discovery", h.List)
		r.Route("/discovery/{kind}/{value}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Put)
			r.Patch("/", h.Patch)
			r.Delete("/", h.Delete)
		})
	})
	return r
}

// pathAddress decodes the pk/{hex} or url/{base64url} route segments.
func pathAddress(w http.ResponseWriter, r *http.Request) (model.BackendAddress, bool) {
	addr, err := model.AddressFromPath(chi.URLParam(r, "kind"), chi.URLParam(r, "value"))
	if err != nil {
		Error(w, http.StatusNotFound, "not found")
		return model.BackendAddress{}, false
	}
	return addr, true
}

// Create registers a new backend. An existing address is a conflict.
func (h *Discovery) Create(w http.ResponseWriter, r *http.Request) {
	var backend model.DiscoveryBackend
	if err := decodeJSON(r, &backend); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := backend.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.CreateBackend(r.Context(), backend); err != nil {
		storeError(w, err)
		return
	}
	kind, value := backend.Address.PathSegments()
	w.Header().Set("Location", "/discovery/"+kind+"/"+value)
	JSON(w, http.StatusCreated, backend)
}

// List returns the full registration set with its etag.
func (h *Discovery) List(w http.ResponseWriter, r *http.Request) {
	backends, err := h.store.GetBackends(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	etag := backends.EtagString()
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	JSON(w, http.StatusOK, backends)
}

func (h *Discovery) Get(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	backend, err := h.store.GetBackend(r.Context(), addr)
	if err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, backend)
}

// Put replaces an existing registration. The address comes from the path;
// an address in the body is ignored.
func (h *Discovery) Put(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	var sparse model.DiscoveryBackendSparse
	if err := decodeJSON(r, &sparse); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	backend := model.DiscoveryBackend{Address: addr, DiscoveryBackendSparse: sparse}
	if err := backend.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpdateBackend(r.Context(), backend); err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, backend)
}

// Patch applies a partial update; only the provided fields change.
func (h *Discovery) Patch(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	var patch model.DiscoveryBackendPatch
	if err := decodeJSON(r, &patch); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	patch.Address = addr
	backend, err := h.store.PatchBackend(r.Context(), patch)
	if err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, backend)
}

func (h *Discovery) Delete(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteBackend(r.Context(), addr); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
