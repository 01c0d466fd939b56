// Package selector picks invoice backends from immutable per-partition
// snapshots. Snapshots are published by the backend pool with an atomic
// swap; requests iterate candidates from the snapshot they started with.
package selector

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/switchgear-ln/switchgear/internal/model"
)

// Policy names accepted in configuration.
const (
	PolicyRoundRobin = "round-robin"
	PolicyRandom     = "random"
	PolicyConsistent = "consistent"
)

// Config selects the policy and its parameters.
type Config struct {
	Policy string
	// MaxIterations bounds the ring walk of the consistent policy.
	MaxIterations int
	// CapacityBias scales the inbound-capacity eligibility threshold; nil
	// disables the filter.
	CapacityBias *float64
}

// BackendCapacity pairs a registration with its last sampled inbound
// capacity.
type BackendCapacity struct {
	Backend      model.DiscoveryBackend
	CapacityMsat uint64
}

// Candidate is one backend yielded for an invoice attempt. Release must be
// called when the attempt finishes; the consistent policy uses the in-flight
// count as its load metric.
type Candidate struct {
	Backend      model.DiscoveryBackend
	CapacityMsat uint64
	release      func()
}

// Release marks the attempt against this candidate as finished.
func (c Candidate) Release() {
	if c.release != nil {
		c.release()
	}
}

type backendState struct {
	backend      model.DiscoveryBackend
	capacityMsat uint64
	inFlight     *atomic.Int64
}

type partitionSnapshot struct {
	// backends are healthy, enabled, weight > 0, sorted by address bytes.
	backends []*backendState
	// expanded holds each backend index repeated weight times.
	expanded []int
	ring     ring
}

// Selector owns the published snapshots plus the cross-snapshot state:
// round-robin cursors and per-backend in-flight counts.
type Selector struct {
	cfg Config

	snap atomic.Pointer[map[string]*partitionSnapshot]

	mu      sync.Mutex
	cursors map[string]*atomic.Uint64
	loads   map[string]*atomic.Int64
}

// New returns a selector with no published snapshot.
func New(cfg Config) *Selector {
	s := &Selector{
		cfg:     cfg,
		cursors: make(map[string]*atomic.Uint64),
		loads:   make(map[string]*atomic.Int64),
	}
	empty := map[string]*partitionSnapshot{}
	s.snap.Store(&empty)
	return s
}

func (s *Selector) cursor(partition string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[partition]
	if !ok {
		c = &atomic.Uint64{}
		s.cursors[partition] = c
	}
	return c
}

func (s *Selector) load(addr string) *atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loads[addr]
	if !ok {
		l = &atomic.Int64{}
		s.loads[addr] = l
	}
	return l
}

// Publish replaces the snapshot set. Each entry must already be filtered to
// healthy backends; the selector drops disabled and zero-weight ones.
func (s *Selector) Publish(partitions map[string][]BackendCapacity) {
	snaps := make(map[string]*partitionSnapshot, len(partitions))
	for partition, entries := range partitions {
		snap := &partitionSnapshot{}
		for _, e := range entries {
			if !e.Backend.Enabled || e.Backend.Weight <= 0 {
				continue
			}
			snap.backends = append(snap.backends, &backendState{
				backend:      e.Backend,
				capacityMsat: e.CapacityMsat,
				inFlight:     s.load(e.Backend.Address.String()),
			})
		}
		sort.Slice(snap.backends, func(i, j int) bool {
			return snap.backends[i].backend.Address.String() < snap.backends[j].backend.Address.String()
		})
		for i, b := range snap.backends {
			for w := 0; w < b.backend.Weight; w++ {
				snap.expanded = append(snap.expanded, i)
			}
		}
		if s.cfg.Policy == PolicyConsistent {
			snap.ring = buildRing(snap.backends)
		}
		snaps[partition] = snap
	}
	s.snap.Store(&snaps)
}

// HasHealthy reports whether any partition currently has a selectable
// backend.
func (s *Selector) HasHealthy() bool {
	for _, snap := range *s.snap.Load() {
		if len(snap.backends) > 0 {
			return true
		}
	}
	return false
}

// Candidates returns the candidate stream for one invoice request. The
// stream is lazy, finite, and never repeats a backend.
func (s *Selector) Candidates(partition string, amountMsat uint64, key []byte) *Candidates {
	snaps := *s.snap.Load()
	snap, ok := snaps[partition]
	if !ok {
		snap = &partitionSnapshot{}
	}

	c := &Candidates{
		sel:        s,
		snap:       snap,
		partition:  partition,
		amountMsat: amountMsat,
		key:        key,
		yielded:    make(map[int]bool),
	}
	c.eligible = c.filterEligible(true)
	if len(c.eligible) == 0 {
		// Capacity never starves a request outright; fall back to every
		// healthy backend.
		c.eligible = c.filterEligible(false)
	}
	return c
}

// Candidates iterates eligible backends in policy order.
type Candidates struct {
	sel        *Selector
	snap       *partitionSnapshot
	partition  string
	amountMsat uint64
	key        []byte

	eligible []int
	yielded  map[int]bool

	randOrder []int
	randDone  bool
	ringPos   int
	ringSteps int
}

func (c *Candidates) filterEligible(applyBias bool) []int {
	bias := c.sel.cfg.CapacityBias
	var eligible []int
	for i, b := range c.snap.backends {
		if applyBias && bias != nil {
			threshold := float64(b.capacityMsat) * (1 + *bias)
			if float64(c.amountMsat) > threshold {
				continue
			}
		}
		eligible = append(eligible, i)
	}
	return eligible
}

func (c *Candidates) isEligible(idx int) bool {
	for _, e := range c.eligible {
		if e == idx {
			return true
		}
	}
	return false
}

// Next yields the next candidate, or false when the stream is exhausted.
func (c *Candidates) Next() (Candidate, bool) {
	if len(c.eligible) == 0 {
		return Candidate{}, false
	}

	var idx = -1
	switch c.sel.cfg.Policy {
	case PolicyRandom:
		idx = c.nextRandom()
	case PolicyConsistent:
		idx = c.nextConsistent()
	default:
		idx = c.nextRoundRobin()
	}
	if idx < 0 {
		return Candidate{}, false
	}

	c.yielded[idx] = true
	b := c.snap.backends[idx]
	b.inFlight.Add(1)
	var once sync.Once
	return Candidate{
		Backend:      b.backend,
		CapacityMsat: b.capacityMsat,
		release: func() {
			once.Do(func() { b.inFlight.Add(-1) })
		},
	}, true
}

// hashKey positions a selection key on the ring.
func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}
