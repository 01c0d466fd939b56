package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/balancer"
	"github.com/switchgear-ln/switchgear/internal/lnurl"
	"github.com/switchgear-ln/switchgear/internal/middleware"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/selector"
	"github.com/switchgear-ln/switchgear/internal/store"
)

// LNURLConfig scopes the public surface to its partitions and hosts.
type LNURLConfig struct {
	Partitions     []string
	AllowedHosts   []string
	CommentAllowed uint16
	QR             lnurl.QROptions
}

// LNURL serves the public LUD-06 endpoints.
type LNURL struct {
	cfg        LNURLConfig
	offers     store.OfferStore
	metadata   store.MetadataStore
	dispatcher *balancer.Dispatcher
	sel        *selector.Selector
	logger     *zap.Logger
}

// NewLNURL wires the public surface.
func NewLNURL(cfg LNURLConfig, offers store.OfferStore, metadata store.MetadataStore, dispatcher *balancer.Dispatcher, sel *selector.Selector, logger *zap.Logger) *LNURL {
	return &LNURL{
		cfg:        cfg,
		offers:     offers,
		metadata:   metadata,
		dispatcher: dispatcher,
		sel:        sel,
		logger:     logger,
	}
}

// Routes returns the public router.
func (h *LNURL) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.AccessLog(h.logger))
	r.Get("/health", Health)
	r.Get("/health/full", h.HealthFull)
	r.Route("/offers/{partition}/{id}", func(r chi.Router) {
		r.Get("/", h.PayRequest)
		r.Get("/invoice", h.Invoice)
		r.Get("/bech32", h.Bech32)
		r.Get("/bech32/qr", h.Bech32QR)
	})
	return r
}

// HealthFull reports readiness: 200 only while at least one backend is
// selectable somewhere.
func (h *LNURL) HealthFull(w http.ResponseWriter, _ *http.Request) {
	if !h.sel.HasHealthy() {
		JSON(w, http.StatusInternalServerError, map[string]string{"status": "no healthy backend"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *LNURL) servesPartition(partition string) bool {
	for _, p := range h.cfg.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}

func (h *LNURL) hostAllowed(host string) bool {
	if len(h.cfg.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedHosts {
		if allowed == host {
			return true
		}
	}
	return false
}

// resolveOffer loads the offer behind a request, treating foreign
// partitions, unknown ids, and expired offers all as 404.
func (h *LNURL) resolveOffer(ctx context.Context, w http.ResponseWriter, r *http.Request) (model.OfferRecord, bool) {
	partition := chi.URLParam(r, "partition")
	if !h.servesPartition(partition) {
		Error(w, http.StatusNotFound, "not found")
		return model.OfferRecord{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, http.StatusNotFound, "not found")
		return model.OfferRecord{}, false
	}
	offer, err := h.offers.GetOffer(ctx, partition, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "not found")
		} else {
			h.logger.Error("offer lookup failed", zap.String("partition", partition),
				zap.String("id", id.String()), zap.Error(err))
			Error(w, http.StatusInternalServerError, "internal error")
		}
		return model.OfferRecord{}, false
	}
	if offer.ExpiredAt(time.Now()) {
		Error(w, http.StatusNotFound, "not found")
		return model.OfferRecord{}, false
	}
	return offer, true
}

// serviceURL synthesizes the offer's public URL from the request Host.
func (h *LNURL) serviceURL(w http.ResponseWriter, r *http.Request, offer model.OfferRecord) (string, bool) {
	if !h.hostAllowed(r.Host) {
		Error(w, http.StatusNotFound, "not found")
		return "", false
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/offers/%s/%s", scheme, r.Host, offer.Partition, offer.ID), true
}

// cacheHeaders advertises the offer's remaining validity to caches.
func cacheHeaders(w http.ResponseWriter, offer model.OfferRecord, now time.Time) {
	if offer.Expires == nil {
		return
	}
	maxAge := int(offer.Expires.Sub(now) / time.Second)
	if maxAge < 0 {
		maxAge = 0
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", maxAge))
	w.Header().Set("Expires", offer.Expires.UTC().Format(http.TimeFormat))
}

// PayRequest returns the LUD-06 descriptor for one offer.
func (h *LNURL) PayRequest(w http.ResponseWriter, r *http.Request) {
	offer, ok := h.resolveOffer(r.Context(), w, r)
	if !ok {
		return
	}
	meta, err := h.metadata.GetMetadata(r.Context(), offer.Partition, offer.MetadataID)
	if err != nil {
		h.logger.Error("metadata lookup failed", zap.String("partition", offer.Partition),
			zap.String("metadataId", offer.MetadataID.String()), zap.Error(err))
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	encoded, err := lnurl.EncodeMetadata(meta.MetadataSparse)
	if err != nil {
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	callback, ok := h.serviceURL(w, r, offer)
	if !ok {
		return
	}

	cacheHeaders(w, offer, time.Now())
	JSON(w, http.StatusOK, lnurl.PayRequest{
		Callback:       callback + "/invoice",
		MinSendable:    offer.MinSendable,
		MaxSendable:    offer.MaxSendable,
		Metadata:       encoded,
		Tag:            lnurl.PayRequestTag,
		CommentAllowed: h.cfg.CommentAllowed,
	})
}

// Invoice produces a BOLT-11 for one offer. User errors come back as LUD-06
// ERROR objects with status 200.
func (h *LNURL) Invoice(w http.ResponseWriter, r *http.Request) {
	offer, ok := h.resolveOffer(r.Context(), w, r)
	if !ok {
		return
	}
	meta, err := h.metadata.GetMetadata(r.Context(), offer.Partition, offer.MetadataID)
	if err != nil {
		h.logger.Error("metadata lookup failed", zap.String("partition", offer.Partition),
			zap.String("metadataId", offer.MetadataID.String()), zap.Error(err))
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		JSON(w, http.StatusOK, lnurl.NewErrorResponse("invalid amount"))
		return
	}

	bolt11, err := h.dispatcher.Dispatch(r.Context(), balancer.Request{
		Partition:  offer.Partition,
		Offer:      offer,
		Metadata:   meta.MetadataSparse,
		AmountMsat: amount,
		Comment:    r.URL.Query().Get("comment"),
	})
	switch {
	case err == nil:
		JSON(w, http.StatusOK, lnurl.NewInvoiceResponse(bolt11))
	case errors.Is(err, balancer.ErrInvalidAmount):
		JSON(w, http.StatusOK, lnurl.NewErrorResponse("invalid amount"))
	case errors.Is(err, balancer.ErrNoBackendAvailable):
		JSON(w, http.StatusOK, lnurl.NewErrorResponse("no backend available"))
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.logger.Error("invoice dispatch failed", zap.String("partition", offer.Partition),
			zap.String("id", offer.ID.String()), zap.Error(err))
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// Bech32 returns the LUD-17 encoding of the offer's pay request URL.
func (h *LNURL) Bech32(w http.ResponseWriter, r *http.Request) {
	offer, ok := h.resolveOffer(r.Context(), w, r)
	if !ok {
		return
	}
	serviceURL, ok := h.serviceURL(w, r, offer)
	if !ok {
		return
	}
	encoded, err := lnurl.Encode(serviceURL)
	if err != nil {
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	cacheHeaders(w, offer, time.Now())
	w.Write([]byte(encoded))
}

// Bech32QR renders the bech32 encoding as a PNG QR code.
func (h *LNURL) Bech32QR(w http.ResponseWriter, r *http.Request) {
	offer, ok := h.resolveOffer(r.Context(), w, r)
	if !ok {
		return
	}
	serviceURL, ok := h.serviceURL(w, r, offer)
	if !ok {
		return
	}
	png, err := lnurl.EncodeQR(serviceURL, h.cfg.QR)
	if err != nil {
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	cacheHeaders(w, offer, time.Now())
	w.Write(png)
}
