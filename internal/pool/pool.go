// Package pool maintains the runtime view of registered backends: it tracks
// registrations from the discovery store, probes node health and inbound
// capacity, and publishes selection snapshots.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/switchgear-ln/switchgear/internal/ln"
	"github.com/switchgear-ln/switchgear/internal/model"
	"github.com/switchgear-ln/switchgear/internal/selector"
	"github.com/switchgear-ln/switchgear/internal/store"
)

// Health is the probe-driven state of one backend.
type Health int

const (
	Unknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config tunes the monitor's tickers and hysteresis.
type Config struct {
	Partitions          []string
	UpdateFrequency     time.Duration
	ProbeFrequency      time.Duration
	ParallelHealthCheck bool
	SuccessesToHealthy  int
	FailuresToUnhealthy int
}

// maxParallelProbes bounds concurrent probes when parallel checking is on.
const maxParallelProbes = 16

type entry struct {
	backend      model.DiscoveryBackend
	health       Health
	successes    int
	failures     int
	capacityMsat uint64
	lastProbe    time.Time
}

// Monitor owns the backend runtime state. Request handlers never read it
// directly; they see only the snapshots it publishes.
type Monitor struct {
	cfg       Config
	discovery store.DiscoveryStore
	clients   *ln.ClientPool
	sel       *selector.Selector
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry

	notifyCh chan struct{}
}

// NewMonitor wires a monitor to its stores and selector. Store change
// callbacks wake the registration loop immediately instead of waiting for
// the next tick.
func NewMonitor(cfg Config, discovery store.DiscoveryStore, clients *ln.ClientPool, sel *selector.Selector, logger *zap.Logger) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		discovery: discovery,
		clients:   clients,
		sel:       sel,
		logger:    logger,
		entries:   make(map[string]*entry),
		notifyCh:  make(chan struct{}, 1),
	}
	discovery.OnChange(func() {
		select {
		case m.notifyCh <- struct{}{}:
		default:
		}
	})
	return m
}

// Run drives the registration and probe tickers until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Refresh(ctx)

	updateTicker := time.NewTicker(m.cfg.UpdateFrequency)
	defer updateTicker.Stop()
	probeTicker := time.NewTicker(m.cfg.ProbeFrequency)
	defer probeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notifyCh:
			m.updateRegistrations(ctx)
		case <-updateTicker.C:
			m.updateRegistrations(ctx)
		case <-probeTicker.C:
			m.probeAll(ctx)
		}
	}
}

// Refresh synchronously re-reads registrations and probes every backend.
// The dispatcher calls this between retry attempts.
func (m *Monitor) Refresh(ctx context.Context) {
	m.updateRegistrations(ctx)
	m.probeAll(ctx)
}

// servesPartition reports whether the backend overlaps the partitions this
// instance serves. Backends registered only in foreign partitions are
// ignored, not an error.
func (m *Monitor) servesPartition(b model.DiscoveryBackend) bool {
	if len(m.cfg.Partitions) == 0 {
		return true
	}
	for _, p := range m.cfg.Partitions {
		if b.InPartition(p) {
			return true
		}
	}
	return false
}

func (m *Monitor) updateRegistrations(ctx context.Context) {
	backends, err := m.discovery.GetBackends(ctx)
	if err != nil {
		// Keep the previous registration set; a flaky store must not
		// tear down a working pool.
		m.logger.Warn("discovery store read failed", zap.Error(err))
		return
	}

	current := make(map[string]model.DiscoveryBackend)
	for _, b := range backends.Backends {
		if m.servesPartition(b) {
			current[b.Address.String()] = b
		}
	}

	var added []model.DiscoveryBackend

	m.mu.Lock()
	for key, b := range current {
		e, ok := m.entries[key]
		if !ok {
			m.entries[key] = &entry{backend: b, health: Unknown}
			added = append(added, b)
			continue
		}
		if !implementationEqual(e.backend.Implementation, b.Implementation) {
			// Credentials or endpoint changed; drop the cached client so
			// the next call dials fresh.
			m.clients.Release(b.Address)
		}
		e.backend = b
	}
	for key, e := range m.entries {
		if _, ok := current[key]; !ok {
			delete(m.entries, key)
			m.clients.Release(e.backend.Address)
			m.logger.Info("backend deregistered", zap.String("address", key))
		}
	}
	m.mu.Unlock()

	for _, b := range added {
		m.logger.Info("backend registered", zap.String("address", b.Address.String()))
		m.probeOne(ctx, b)
	}

	m.publish()
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.Lock()
	backends := make([]model.DiscoveryBackend, 0, len(m.entries))
	for _, e := range m.entries {
		backends = append(backends, e.backend)
	}
	m.mu.Unlock()

	if m.cfg.ParallelHealthCheck {
		sem := make(chan struct{}, maxParallelProbes)
		var wg sync.WaitGroup
		for _, b := range backends {
			wg.Add(1)
			sem <- struct{}{}
			go func(b model.DiscoveryBackend) {
				defer wg.Done()
				defer func() { <-sem }()
				m.probeOne(ctx, b)
			}(b)
		}
		wg.Wait()
	} else {
		for _, b := range backends {
			m.probeOne(ctx, b)
		}
	}

	m.publish()
}

func (m *Monitor) probeOne(ctx context.Context, b model.DiscoveryBackend) {
	client, err := m.clients.Get(b)
	var metrics ln.NodeMetrics
	if err == nil {
		metrics, err = client.Metrics(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[b.Address.String()]
	if !ok {
		return
	}
	e.lastProbe = time.Now()

	if err != nil {
		m.logger.Warn("backend probe failed",
			zap.String("address", b.Address.String()),
			zap.Error(err))
		e.failures++
		e.successes = 0
		if e.health != Unhealthy && e.failures >= m.cfg.FailuresToUnhealthy {
			e.health = Unhealthy
			m.logger.Warn("backend unhealthy", zap.String("address", b.Address.String()))
		}
		return
	}

	e.capacityMsat = metrics.InboundMsat
	e.successes++
	e.failures = 0
	if e.health != Healthy && e.successes >= m.cfg.SuccessesToHealthy {
		e.health = Healthy
		m.logger.Info("backend healthy",
			zap.String("address", b.Address.String()),
			zap.Uint64("inboundMsat", metrics.InboundMsat))
	}
}

// publish rebuilds one snapshot per served partition and swaps it in.
func (m *Monitor) publish() {
	partitions := make(map[string][]selector.BackendCapacity, len(m.cfg.Partitions))
	for _, p := range m.cfg.Partitions {
		partitions[p] = nil
	}

	m.mu.Lock()
	for _, e := range m.entries {
		if e.health != Healthy {
			continue
		}
		for _, p := range m.cfg.Partitions {
			if e.backend.InPartition(p) {
				partitions[p] = append(partitions[p], selector.BackendCapacity{
					Backend:      e.backend,
					CapacityMsat: e.capacityMsat,
				})
			}
		}
	}
	m.mu.Unlock()

	m.sel.Publish(partitions)
}

// States returns the current health of every tracked backend, keyed by
// canonical address.
func (m *Monitor) States() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[string]Health, len(m.entries))
	for key, e := range m.entries {
		states[key] = e.health
	}
	return states
}

func implementationEqual(a, b model.BackendImplementation) bool {
	switch {
	case a.ClnGrpc != nil && b.ClnGrpc != nil:
		return *a.ClnGrpc == *b.ClnGrpc
	case a.LndGrpc != nil && b.LndGrpc != nil:
		return *a.LndGrpc == *b.LndGrpc
	default:
		return a.ClnGrpc == nil && b.ClnGrpc == nil && a.LndGrpc == nil && b.LndGrpc == nil
	}
}
