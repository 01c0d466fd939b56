package ln

import (
	"fmt"
	"sync"
	"time"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// Factory builds a NodeClient for a backend registration.
type Factory func(impl model.BackendImplementation, timeout time.Duration) (NodeClient, error)

// NewNodeClient is the default factory, dispatching on the implementation
// variant.
func NewNodeClient(impl model.BackendImplementation, timeout time.Duration) (NodeClient, error) {
	switch {
	case impl.ClnGrpc != nil:
		return NewClnClient(*impl.ClnGrpc, timeout)
	case impl.LndGrpc != nil:
		return NewLndClient(*impl.LndGrpc, timeout)
	default:
		return nil, fmt.Errorf("backend implementation is empty")
	}
}

// ClientPool keeps one long-lived client per backend address. Clients are
// created on first use and survive until the registration disappears or the
// pool is closed.
type ClientPool struct {
	timeout time.Duration
	factory Factory

	mu      sync.Mutex
	clients map[string]NodeClient
}

// NewClientPool returns a pool using the given per-RPC timeout. A nil
// factory uses NewNodeClient.
func NewClientPool(timeout time.Duration, factory Factory) *ClientPool {
	if factory == nil {
		factory = NewNodeClient
	}
	return &ClientPool{
		timeout: timeout,
		factory: factory,
		clients: make(map[string]NodeClient),
	}
}

// Get returns the client for a backend, creating it if needed.
func (p *ClientPool) Get(backend model.DiscoveryBackend) (NodeClient, error) {
	key := backend.Address.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client, nil
	}
	client, err := p.factory(backend.Implementation, p.timeout)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", key, err)
	}
	p.clients[key] = client
	return client, nil
}

// Release closes and removes the client for an address, if any.
func (p *ClientPool) Release(addr model.BackendAddress) {
	p.mu.Lock()
	client, ok := p.clients[addr.String()]
	delete(p.clients, addr.String())
	p.mu.Unlock()
	if ok {
		client.Close()
	}
}

// Sync drops clients for addresses no longer in the registration set.
func (p *ClientPool) Sync(backends []model.DiscoveryBackend) {
	current := make(map[string]bool, len(backends))
	for _, b := range backends {
		current[b.Address.String()] = true
	}

	p.mu.Lock()
	var stale []NodeClient
	for key, client := range p.clients {
		if !current[key] {
			stale = append(stale, client)
			delete(p.clients, key)
		}
	}
	p.mu.Unlock()

	for _, client := range stale {
		client.Close()
	}
}

// Close releases every client.
func (p *ClientPool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]NodeClient)
	p.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
