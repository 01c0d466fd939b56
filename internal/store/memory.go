package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/switchgear-ln/switchgear/internal/model"
)

type offerKey struct {
	Partition string
	ID        uuid.UUID
}

// Memory is a mutex-guarded in-process implementation of all three store
// contracts. It backs tests and single-process deployments.
type Memory struct {
	mu       sync.Mutex
	backends map[string]model.DiscoveryBackend
	offers   map[offerKey]model.OfferRecord
	metadata map[offerKey]model.OfferMetadata
	observers
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		backends: make(map[string]model.DiscoveryBackend),
		offers:   make(map[offerKey]model.OfferRecord),
		metadata: make(map[offerKey]model.OfferMetadata),
	}
}

var (
	_ DiscoveryStore = (*Memory)(nil)
	_ OfferStore     = (*Memory)(nil)
	_ MetadataStore  = (*Memory)(nil)
)

func (m *Memory) GetBackends(ctx context.Context) (model.DiscoveryBackends, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backends := make([]model.DiscoveryBackend, 0, len(m.backends))
	for _, b := range m.backends {
		backends = append(backends, b)
	}
	model.SortBackends(backends)
	return model.DiscoveryBackends{Etag: ComputeEtag(backends), Backends: backends}, nil
}

func (m *Memory) GetBackend(ctx context.Context, addr model.BackendAddress) (model.DiscoveryBackend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.backends[addr.String()]
	if !ok {
		return model.DiscoveryBackend{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) CreateBackend(ctx context.Context, backend model.DiscoveryBackend) error {
	if err := backend.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	key := backend.Address.String()
	if _, ok := m.backends[key]; ok {
		m.mu.Unlock()
		return ErrConflict
	}
	m.backends[key] = backend
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) UpdateBackend(ctx context.Context, backend model.DiscoveryBackend) error {
	if err := backend.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	key := backend.Address.String()
	if _, ok := m.backends[key]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.backends[key] = backend
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) PatchBackend(ctx context.Context, patch model.DiscoveryBackendPatch) (model.DiscoveryBackend, error) {
	m.mu.Lock()
	key := patch.Address.String()
	b, ok := m.backends[key]
	if !ok {
		m.mu.Unlock()
		return model.DiscoveryBackend{}, ErrNotFound
	}
	patch.Apply(&b)
	if err := b.Validate(); err != nil {
		m.mu.Unlock()
		return model.DiscoveryBackend{}, err
	}
	m.backends[key] = b
	m.mu.Unlock()

	m.notify()
	return b, nil
}

func (m *Memory) DeleteBackend(ctx context.Context, addr model.BackendAddress) error {
	m.mu.Lock()
	key := addr.String()
	if _, ok := m.backends[key]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.backends, key)
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) GetOffer(ctx context.Context, partition string, id uuid.UUID) (model.OfferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[offerKey{partition, id}]
	if !ok {
		return model.OfferRecord{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) ListOffers(ctx context.Context, partition string, page, pageSize int) ([]model.OfferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]model.OfferRecord, 0)
	for k, o := range m.offers {
		if k.Partition == partition {
			all = append(all, o)
		}
	}
	sortOffers(all)
	return pageOf(all, page, pageSize), nil
}

func (m *Memory) CreateOffer(ctx context.Context, offer *model.OfferRecord) error {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	if err := offer.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	key := offerKey{offer.Partition, offer.ID}
	if _, ok := m.offers[key]; ok {
		m.mu.Unlock()
		return ErrConflict
	}
	if _, ok := m.metadata[offerKey{offer.Partition, offer.MetadataID}]; !ok {
		m.mu.Unlock()
		return ErrReferentialIntegrity
	}
	m.offers[key] = *offer
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) PutOffer(ctx context.Context, offer model.OfferRecord) error {
	if err := offer.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.metadata[offerKey{offer.Partition, offer.MetadataID}]; !ok {
		m.mu.Unlock()
		return ErrReferentialIntegrity
	}
	m.offers[offerKey{offer.Partition, offer.ID}] = offer
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) DeleteOffer(ctx context.Context, partition string, id uuid.UUID) error {
	m.mu.Lock()
	key := offerKey{partition, id}
	if _, ok := m.offers[key]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.offers, key)
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) GetMetadata(ctx context.Context, partition string, id uuid.UUID) (model.OfferMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.metadata[offerKey{partition, id}]
	if !ok {
		return model.OfferMetadata{}, ErrNotFound
	}
	return md, nil
}

func (m *Memory) ListMetadata(ctx context.Context, partition string, page, pageSize int) ([]model.OfferMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]model.OfferMetadata, 0)
	for k, md := range m.metadata {
		if k.Partition == partition {
			all = append(all, md)
		}
	}
	sortMetadata(all)
	return pageOf(all, page, pageSize), nil
}

func (m *Memory) CreateMetadata(ctx context.Context, metadata *model.OfferMetadata) error {
	if metadata.ID == uuid.Nil {
		metadata.ID = uuid.New()
	}
	if err := metadata.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	key := offerKey{metadata.Partition, metadata.ID}
	if _, ok := m.metadata[key]; ok {
		m.mu.Unlock()
		return ErrConflict
	}
	m.metadata[key] = *metadata
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) PutMetadata(ctx context.Context, metadata model.OfferMetadata) error {
	if err := metadata.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.metadata[offerKey{metadata.Partition, metadata.ID}] = metadata
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) DeleteMetadata(ctx context.Context, partition string, id uuid.UUID) error {
	m.mu.Lock()
	if _, ok := m.metadata[offerKey{partition, id}]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	for k, o := range m.offers {
		if k.Partition == partition && o.MetadataID == id {
			m.mu.Unlock()
			return ErrReferentialIntegrity
		}
	}
	delete(m.metadata, offerKey{partition, id})
	m.mu.Unlock()

	m.notify()
	return nil
}
