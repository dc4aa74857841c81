package rotapool

import "time"

// PoolStats is an aggregate snapshot of the pool.
type PoolStats struct {
	Total      int `json:"total"`
	Reliable   int `json:"reliable"`
	Unreliable int `json:"unreliable"`

	// AvgLatency is the mean latency estimate across endpoints that have
	// one; zero when none do.
	AvgLatency time.Duration `json:"avg_latency_ns"`

	// AvgReliability is the mean reliability score across all endpoints.
	AvgReliability float64 `json:"avg_reliability"`

	// CountryDistribution counts endpoints per known country code.
	CountryDistribution map[string]int `json:"country_distribution"`
}

// Stats returns an aggregate snapshot of the pool's current state.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	stats := PoolStats{
		Total:               len(endpoints),
		CountryDistribution: make(map[string]int),
	}

	var latencySum time.Duration
	latencyCount := 0
	reliabilitySum := 0.0

	for _, endpoint := range endpoints {
		st := endpoint.snapshot()

		if st.reliable {
			stats.Reliable++
		}
		if st.hasLatency {
			latencySum += st.latency
			latencyCount++
		}
		reliabilitySum += st.reliability

		if st.country != "" {
			stats.CountryDistribution[st.country]++
		}
	}

	stats.Unreliable = stats.Total - stats.Reliable

	if latencyCount > 0 {
		stats.AvgLatency = latencySum / time.Duration(latencyCount)
	}
	if stats.Total > 0 {
		stats.AvgReliability = reliabilitySum / float64(stats.Total)
	}

	return stats
}
