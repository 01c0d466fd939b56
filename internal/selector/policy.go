package selector

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
)

// virtualNodesPerWeightUnit is the ring density of the consistent policy.
const virtualNodesPerWeightUnit = 160

// nextRoundRobin walks the weighted expansion from the shared per-partition
// cursor, skipping ineligible and already-yielded backends.
func (c *Candidates) nextRoundRobin() int {
	if len(c.snap.expanded) == 0 {
		return -1
	}
	cursor := c.sel.cursor(c.partition)
	start := cursor.Add(1) - 1
	for i := 0; i < len(c.snap.expanded); i++ {
		idx := c.snap.expanded[(start+uint64(i))%uint64(len(c.snap.expanded))]
		if c.yielded[idx] || !c.isEligible(idx) {
			continue
		}
		return idx
	}
	return -1
}

// nextRandom lazily draws a weighted order without replacement on first use,
// then yields it.
func (c *Candidates) nextRandom() int {
	if !c.randDone {
		c.randOrder = weightedShuffle(c.snap, c.eligible)
		c.randDone = true
	}
	for len(c.randOrder) > 0 {
		idx := c.randOrder[0]
		c.randOrder = c.randOrder[1:]
		if !c.yielded[idx] {
			return idx
		}
	}
	return -1
}

// weightedShuffle orders the eligible backends by successive weighted draws
// without replacement.
func weightedShuffle(snap *partitionSnapshot, eligible []int) []int {
	remaining := append([]int(nil), eligible...)
	order := make([]int, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0
		for _, idx := range remaining {
			total += snap.backends[idx].backend.Weight
		}
		pick := rand.IntN(total)
		for i, idx := range remaining {
			pick -= snap.backends[idx].backend.Weight
			if pick < 0 {
				order = append(order, idx)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return order
}

// ring is the sorted virtual-node table of the consistent policy.
type ring struct {
	hashes   []uint64
	backends []int
}

func buildRing(backends []*backendState) ring {
	type point struct {
		hash uint64
		idx  int
	}
	var points []point
	for i, b := range backends {
		addr := b.backend.Address.String()
		for v := 0; v < b.backend.Weight*virtualNodesPerWeightUnit; v++ {
			h := fnv.New64a()
			fmt.Fprintf(h, "%s-%d", addr, v)
			points = append(points, point{hash: h.Sum64(), idx: i})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })

	r := ring{
		hashes:   make([]uint64, len(points)),
		backends: make([]int, len(points)),
	}
	for i, p := range points {
		r.hashes[i] = p.hash
		r.backends[i] = p.idx
	}
	return r
}

// nextConsistent walks the ring clockwise from the key position. A backend
// is accepted when its in-flight count does not exceed the minimum in-flight
// count among eligible backends; after the walk budget is spent, the next
// eligible node is accepted regardless of load.
func (c *Candidates) nextConsistent() int {
	r := c.snap.ring
	if len(r.hashes) == 0 {
		return -1
	}
	if c.ringSteps == 0 {
		h := hashKey(c.key)
		c.ringPos = sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	}

	minLoad := c.minEligibleLoad()
	maxIterations := c.sel.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = len(r.hashes)
	}

	var fallback = -1
	for i := 0; i < len(r.hashes); i++ {
		idx := r.backends[c.ringPos%len(r.hashes)]
		c.ringPos++
		c.ringSteps++

		if c.yielded[idx] || !c.isEligible(idx) {
			continue
		}
		if fallback < 0 {
			fallback = idx
		}
		if c.ringSteps > maxIterations {
			return fallback
		}
		if c.snap.backends[idx].inFlight.Load() <= minLoad {
			return idx
		}
	}
	return fallback
}

func (c *Candidates) minEligibleLoad() int64 {
	var minLoad int64 = -1
	for _, idx := range c.eligible {
		if c.yielded[idx] {
			continue
		}
		load := c.snap.backends[idx].inFlight.Load()
		if minLoad < 0 || load < minLoad {
			minLoad = load
		}
	}
	return minLoad
}
