package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/auth"
	"github.com/switchgear-ln/switchgear/internal/middleware"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/store"
)

// Offers serves the offer and metadata admin API.
type Offers struct {
	offers      store.OfferStore
	metadata    store.MetadataStore
	verifier    *auth.Verifier
	maxPageSize int
	logger      *zap.Logger
}

// NewOffers wires the offer admin surface.
func NewOffers(offers store.OfferStore, metadata store.MetadataStore, verifier *auth.Verifier, maxPageSize int, logger *zap.Logger) *Offers {
	return &Offers{
		offers:      offers,
		metadata:    metadata,
		verifier:    verifier,
		maxPageSize: maxPageSize,
		logger:      logger,
	}
}

// Routes returns the admin router. Everything but /health requires a bearer
// token for the offer audience.
func (h *Offers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.AccessLog(h.logger))
	r.Use(adminCORS())
	r.Get("/health", Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.verifier))
		r.Route("/offers/{partition}", func(r chi.Router) {
			r.Post("/", h.CreateOffer)
			r.Get("/", h.ListOffers)
			r.Get("/{id}", h.GetOffer)
			r.Put("/{id}", h.PutOffer)
			r.Delete("/{id}", h.DeleteOffer)
		})
		r.Route("/metadata/{partition}", func(r chi.Router) {
			r.Post("/", h.CreateMetadata)
			r.Get("/", h.ListMetadata)
			r.Get("/{id}", h.GetMetadata)
			r.Put("/{id}", h.PutMetadata)
			r.Delete("/{id}", h.DeleteMetadata)
		})
	})
	return r
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}
	return id, true
}

// CreateOffer stores a new offer in the partition, assigning an id when the
// body omits one.
func (h *Offers) CreateOffer(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	var offer model.OfferRecord
	if err := decodeJSON(r, &offer); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	offer.Partition = partition
	if err := offer.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.offers.CreateOffer(r.Context(), &offer); err != nil {
		storeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/offers/%s/%s", partition, offer.ID))
	JSON(w, http.StatusCreated, offer)
}

func (h *Offers) ListOffers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r, h.maxPageSize)
	offers, err := h.offers.ListOffers(r.Context(), chi.URLParam(r, "partition"), page, pageSize)
	if err != nil {
		storeError(w, err)
		return
	}
	if offers == nil {
		offers = []model.OfferRecord{}
	}
	JSON(w, http.StatusOK, offers)
}

func (h *Offers) GetOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offer, err := h.offers.GetOffer(r.Context(), chi.URLParam(r, "partition"), id)
	if err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, offer)
}

// PutOffer creates or replaces the offer at its (partition, id) key.
func (h *Offers) PutOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var sparse model.OfferSparse
	if err := decodeJSON(r, &sparse); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	offer := model.OfferRecord{
		Partition:   chi.URLParam(r, "partition"),
		ID:          id,
		OfferSparse: sparse,
	}
	if err := offer.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.offers.PutOffer(r.Context(), offer); err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, offer)
}

func (h *Offers) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.offers.DeleteOffer(r.Context(), chi.URLParam(r, "partition"), id); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateMetadata stores a new metadata row in the partition.
func (h *Offers) CreateMetadata(w http.ResponseWriter, r *http.Request) {
	partition := chi.URLParam(r, "partition")
	var sparse model.MetadataSparse
	if err := decodeJSON(r, &sparse); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	meta := model.OfferMetadata{Partition: partition, MetadataSparse: sparse}
	if err := meta.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.metadata.CreateMetadata(r.Context(), &meta); err != nil {
		storeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/metadata/%s/%s", partition, meta.ID))
	JSON(w, http.StatusCreated, meta)
}

func (h *Offers) ListMetadata(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r, h.maxPageSize)
	metas, err := h.metadata.ListMetadata(r.Context(), chi.URLParam(r, "partition"), page, pageSize)
	if err != nil {
		storeError(w, err)
		return
	}
	if metas == nil {
		metas = []model.OfferMetadata{}
	}
	JSON(w, http.StatusOK, metas)
}

func (h *Offers) GetMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	meta, err := h.metadata.GetMetadata(r.Context(), chi.URLParam(r, "partition"), id)
	if err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, meta)
}

// PutMetadata creates or replaces the metadata at its (partition, id) key.
func (h *Offers) PutMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var sparse model.MetadataSparse
	if err := decodeJSON(r, &sparse); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	meta := model.OfferMetadata{
		Partition:      chi.URLParam(r, "partition"),
		ID:             id,
		MetadataSparse: sparse,
	}
	if err := meta.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.metadata.PutMetadata(r.Context(), meta); err != nil {
		storeError(w, err)
		return
	}
	JSON(w, http.StatusOK, meta)
}

// DeleteMetadata removes a metadata row unless an offer still references it.
func (h *Offers) DeleteMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.metadata.DeleteMetadata(r.Context(), chi.URLParam(r, "partition"), id); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
