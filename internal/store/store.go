// Package store defines the persistence contracts for backend registrations,
// offers, and offer metadata, with in-memory, SQL, and HTTP implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// Common errors
var (
	ErrNotFound             = errors.New("record not found")
	ErrConflict             = errors.New("record already exists")
	ErrReferentialIntegrity = errors.New("record is referenced or references a missing record")
)

// Observable exposes change notification. Registered callbacks fire at least
// once after every successful mutation; callers coalesce as needed.
type Observable interface {
	OnChange(fn func())
}

// DiscoveryStore persists backend registrations.
type DiscoveryStore interface {
	Observable

	GetBackends(ctx context.Context) (model.DiscoveryBackends, error)
	GetBackend(ctx context.Context, addr model.BackendAddress) (model.DiscoveryBackend, error)
	CreateBackend(ctx context.Context, backend model.DiscoveryBackend) error
	UpdateBackend(ctx context.Context, backend model.DiscoveryBackend) error
	PatchBackend(ctx context.Context, patch model.DiscoveryBackendPatch) (model.DiscoveryBackend, error)
	DeleteBackend(ctx context.Context, addr model.BackendAddress) error
}

// OfferStore persists offers. Create fills in a random id when the record's
// id is zero.
type OfferStore interface {
	Observable

	GetOffer(ctx context.Context, partition string, id uuid.UUID) (model.OfferRecord, error)
	ListOffers(ctx context.Context, partition string, page, pageSize int) ([]model.OfferRecord, error)
	CreateOffer(ctx context.Context, offer *model.OfferRecord) error
	PutOffer(ctx context.Context, offer model.OfferRecord) error
	DeleteOffer(ctx context.Context, partition string, id uuid.UUID) error
}

// MetadataStore persists offer metadata. Metadata referenced by an offer
// cannot be deleted.
type MetadataStore interface {
	Observable

	GetMetadata(ctx context.Context, partition string, id uuid.UUID) (model.OfferMetadata, error)
	ListMetadata(ctx context.Context, partition string, page, pageSize int) ([]model.OfferMetadata, error)
	CreateMetadata(ctx context.Context, metadata *model.OfferMetadata) error
	PutMetadata(ctx context.Context, metadata model.OfferMetadata) error
	DeleteMetadata(ctx context.Context, partition string, id uuid.UUID) error
}

// ComputeEtag hashes the sorted registration set. Equal sets produce equal
// etags across processes, which is what HTTP conditional requests rely on.
func ComputeEtag(backends []model.DiscoveryBackend) uint64 {
	sorted := append([]model.DiscoveryBackend(nil), backends...)
	model.SortBackends(sorted)
	h := fnv.New64a()
	for _, b := range sorted {
		raw, err := json.Marshal(b)
		if err != nil {
			continue
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// observers is the shared change-callback registry embedded by the
// implementations.
type observers struct {
	fns []func()
}

func (o *observers) OnChange(fn func()) {
	o.fns = append(o.fns, fn)
}

func (o *observers) notify() {
	for _, fn := range o.fns {
		fn()
	}
}
