package rotapool

import (
	"math/rand"
	"sort"
)

// jitterCeiling is the upper bound of the uniform noise added to each weight
// before the weighted draw. Without it the fastest endpoint wins almost every
// round, concentrating load and making that one proxy an easy rate-limiting
// target.
const jitterCeiling = 0.2

// lruCandidates is how many of the least-recently-used reliable endpoints
// compete when latency data is incomplete.
const lruCandidates = 3

// selector implements the tiered selection strategy: reliability gate first,
// latency-weighted random draw when every reliable endpoint has a latency
// estimate, least-recently-used blended with reliability otherwise.
type selector struct {
	rng *rand.Rand
}

// Selection strategy labels, reported through metrics.
const (
	strategyLatencyWeighted = "latency_weighted"
	strategyRecencyQuality  = "recency_quality"
	strategyLRUFallback     = "lru_fallback"
)

// selectNext picks the endpoint the next outbound operation should route
// through, or nil when the pool is empty, together with the strategy tier
// that made the pick. Snapshots are taken up front so one decision sees a
// consistent view of every endpoint.
func (s *selector) selectNext(endpoints []*Endpoint) (*Endpoint, string) {
	if len(endpoints) == 0 {
		return nil, ""
	}

	states := make([]endpointState, 0, len(endpoints))
	for _, e := range endpoints {
		states = append(states, e.snapshot())
	}

	reliable := make([]endpointState, 0, len(states))
	for _, st := range states {
		if st.reliable {
			reliable = append(reliable, st)
		}
	}

	// Total outage of healthy endpoints: hand out the globally
	// least-recently-used one so the pool keeps making forward progress,
	// even if that routes through a poor endpoint for a while.
	if len(reliable) == 0 {
		return leastRecentlyUsed(states).ep, strategyLRUFallback
	}

	allTimed := true
	for _, st := range reliable {
		if !st.hasLatency {
			allTimed = false
			break
		}
	}

	if allTimed {
		return s.weightedByLatency(reliable), strategyLatencyWeighted
	}

	return bestOfLeastRecent(reliable), strategyRecencyQuality
}

// leastRecentlyUsed returns the state with the smallest lastUsed timestamp.
// Ties keep the earliest pool position, so repeated calls without an
// intervening outcome are deterministic.
func leastRecentlyUsed(states []endpointState) endpointState {
	best := states[0]
	for _, st := range states[1:] {
		if st.lastUsed.Before(best.lastUsed) {
			best = st
		}
	}
	return best
}

// weightedByLatency draws one endpoint with probability decreasing in its
// latency estimate. Each weight gets independent uniform jitter in
// [0, jitterCeiling) before normalization.
func (s *selector) weightedByLatency(reliable []endpointState) *Endpoint {
	maxLatency := float64(reliable[0].latency)
	for _, st := range reliable[1:] {
		if float64(st.latency) > maxLatency {
			maxLatency = float64(st.latency)
		}
	}
	// Epsilon keeps the slowest endpoint's weight above zero and guards
	// the division when all latencies are equal.
	maxLatency += 1e6 // 1ms in nanoseconds

	weights := make([]float64, len(reliable))
	total := 0.0
	for i, st := range reliable {
		w := (maxLatency - float64(st.latency)) / maxLatency
		w += s.rng.Float64() * jitterCeiling
		weights[i] = w
		total += w
	}

	draw := s.rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw < 0 {
			return reliable[i].ep
		}
	}

	// Floating point slack: the draw landed exactly on the boundary.
	return reliable[len(reliable)-1].ep
}

// bestOfLeastRecent takes the least-recently-used reliable endpoints and,
// from that short list, the one with the highest reliability score. The first
// stage keeps any single endpoint from being hammered; the second prefers the
// most trustworthy of the fresh candidates. Both stages use stable sorts so
// ties fall back to pool order.
func bestOfLeastRecent(reliable []endpointState) *Endpoint {
	candidates := make([]endpointState, len(reliable))
	copy(candidates, reliable)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	if len(candidates) > lruCandidates {
		candidates = candidates[:lruCandidates]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].reliability > candidates[j].reliability
	})

	return candidates[0].ep
}
