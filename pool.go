package rotapool

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Pool owns a set of proxy endpoints, keeps their health statistics current,
// and hands out the best candidate for each outbound operation.
//
// Callers follow a two-call contract: Next before the outbound operation,
// ReportOutcome exactly once after it. Skipping the report does not break
// anything, it just starves that endpoint's statistics of signal.
type Pool struct {
	config Config

	mu        sync.RWMutex
	endpoints []*Endpoint
	closed    bool

	selector  selector
	validator *validator
	metrics   *poolMetrics

	// Background revalidation
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool from the given endpoints. Unless disabled, a non-empty
// pool is validated immediately so selection starts with fresh statistics.
func New(ctx context.Context, endpoints []*Endpoint, config ...Config) (*Pool, error) {
	cfg := mergeWithDefault(config...)

	metrics := newPoolMetrics(cfg.Registerer)

	pool := &Pool{
		config:    cfg,
		endpoints: make([]*Endpoint, 0, len(endpoints)),
		selector:  selector{rng: cfg.rng},
		metrics:   metrics,
		done:      make(chan struct{}),
	}

	pool.validator = &validator{
		prober:     cfg.Prober,
		geo:        cfg.Geo,
		log:        cfg.Logger,
		metrics:    metrics,
		minViable:  cfg.MinEndpoints,
		maxWorkers: cfg.MaxProbeWorkers,
	}

	seen := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		if endpoint == nil {
			return nil, ErrInvalidConfig
		}
		if _, dup := seen[endpoint.ID()]; dup {
			cfg.Logger.Warn("duplicate endpoint dropped", "endpoint", endpoint.ID())
			continue
		}
		seen[endpoint.ID()] = struct{}{}
		pool.endpoints = append(pool.endpoints, endpoint)
	}

	if len(pool.endpoints) > 0 && !cfg.SkipValidationOnCreation {
		pool.Revalidate(ctx)
	}

	pool.updateSizeMetrics()

	if cfg.RevalidateInterval > 0 {
		pool.ticker = time.NewTicker(cfg.RevalidateInterval)
		pool.wg.Add(1)
		go pool.runRevalidation()
	}

	return pool, nil
}

// Next returns the endpoint the next outbound operation should use, or nil
// when the pool is empty or closed.
func (p *Pool) Next() *Endpoint {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil
	}
	// Copy under the lock: Add and Remove mutate the backing array in
	// place, so iterating a shared header after unlock would race.
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	endpoint, strategy := p.selector.selectNext(endpoints)
	if endpoint == nil {
		return nil
	}

	p.metrics.observeSelection(strategy)

	if strategy == strategyLRUFallback {
		p.config.Logger.Warn("no reliable endpoints available, using least recently used",
			"endpoint", endpoint.ID())
	} else {
		p.config.Logger.Debug("selected endpoint",
			"endpoint", endpoint.ID(), "strategy", strategy)
	}

	return endpoint
}

// ReportOutcome feeds the result of one outbound operation back into the
// endpoint's statistics. It returns false, without touching anything, when
// the endpoint is not a member of this pool.
func (p *Pool) ReportOutcome(endpoint *Endpoint, success bool, latency *time.Duration) bool {
	if endpoint == nil {
		return false
	}

	p.mu.RLock()
	member := p.containsLocked(endpoint)
	p.mu.RUnlock()

	if !member {
		return false
	}

	endpoint.RecordOutcome(success, latency)
	p.metrics.observeOutcome(success)
	p.updateSizeMetrics()

	p.config.Logger.Debug("recorded outcome",
		"endpoint", endpoint.ID(), "success", success)

	return true
}

// Add inserts a new endpoint into the rotation. An endpoint whose identity
// (host:port) is already present is rejected. When validate is set, the
// endpoint is probed first and rejected on failure; the probe result is
// folded into its statistics either way.
func (p *Pool) Add(ctx context.Context, endpoint *Endpoint, validate bool) bool {
	if endpoint == nil {
		return false
	}

	p.mu.RLock()
	closed := p.closed
	exists := p.containsLocked(endpoint)
	p.mu.RUnlock()

	if closed || exists {
		if exists {
			p.config.Logger.Warn("endpoint already in pool", "endpoint", endpoint.ID())
		}
		return false
	}

	if validate {
		res := p.validator.probeOne(ctx, endpoint)
		if !res.Success {
			p.config.Logger.Warn("new endpoint failed validation",
				"endpoint", endpoint.ID(), "error", res.Err)
			return false
		}
	}

	p.mu.Lock()
	// Re-check under the write lock: a concurrent Add may have won.
	if p.closed || p.containsLocked(endpoint) {
		p.mu.Unlock()
		return false
	}
	p.endpoints = append(p.endpoints, endpoint)
	p.mu.Unlock()

	p.updateSizeMetrics()
	p.config.Logger.Info("added endpoint to pool",
		"endpoint", endpoint.ID(), "proxy", proxyURLString(endpoint))

	return true
}

// Remove takes the endpoint out of the rotation. Statistics updates go by
// identity, so removal is safe while a caller still holds the endpoint.
func (p *Pool) Remove(endpoint *Endpoint) bool {
	if endpoint == nil {
		return false
	}

	p.mu.Lock()
	idx := -1
	for i, e := range p.endpoints {
		if e.ID() == endpoint.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	p.endpoints = append(p.endpoints[:idx], p.endpoints[idx+1:]...)
	p.mu.Unlock()

	p.updateSizeMetrics()
	p.config.Logger.Info("removed endpoint from pool", "endpoint", endpoint.ID())

	return true
}

// ByCountry returns the most reliable endpoint for the given country code,
// preferring the least recently used among equals. The match is
// case-insensitive; nil means no reliable endpoint for that country.
func (p *Pool) ByCountry(code string) *Endpoint {
	want := normalizeCountry(strings.TrimSpace(code))
	if want == "" {
		return nil
	}

	p.mu.RLock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	var best *endpointState
	for _, endpoint := range endpoints {
		st := endpoint.snapshot()
		if !st.reliable || st.country != want {
			continue
		}
		if best == nil || betterCountryPick(st, *best) {
			s := st
			best = &s
		}
	}

	if best == nil {
		p.config.Logger.Warn("no reliable endpoints for country", "country", want)
		return nil
	}

	return best.ep
}

// betterCountryPick orders by (reliability desc, lastUsed asc).
func betterCountryPick(a, b endpointState) bool {
	if a.reliability != b.reliability {
		return a.reliability > b.reliability
	}
	return a.lastUsed.Before(b.lastUsed)
}

// Revalidate probes every endpoint and applies the results. Safe to call
// concurrently with any other pool operation.
func (p *Pool) Revalidate(ctx context.Context) ValidationReport {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ValidationReport{Degraded: true}
	}
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	report := p.validator.validateAll(ctx, endpoints)
	p.updateSizeMetrics()

	return report
}

// Size returns the current number of endpoints.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Close stops background revalidation. Selection and reporting return
// zero values afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	if p.ticker != nil {
		p.ticker.Stop()
	}
	p.wg.Wait()
}

func (p *Pool) runRevalidation() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.revalidationBudget())
			p.Revalidate(ctx)
			cancel()
		}
	}
}

// revalidationBudget bounds one background pass: every endpoint could in the
// worst case take a full probe timeout, serialized over the worker budget.
func (p *Pool) revalidationBudget() time.Duration {
	size := p.Size()
	workers := p.config.MaxProbeWorkers
	if workers <= 0 {
		workers = maxProbeWorkers
	}
	rounds := (size + workers - 1) / workers
	if rounds < 1 {
		rounds = 1
	}
	return time.Duration(rounds)*p.config.TestTimeout + 5*time.Second
}

// containsLocked reports membership by identity. Callers hold p.mu.
func (p *Pool) containsLocked(endpoint *Endpoint) bool {
	for _, e := range p.endpoints {
		if e.ID() == endpoint.ID() {
			return true
		}
	}
	return false
}

func (p *Pool) updateSizeMetrics() {
	if p.metrics == nil {
		return
	}

	p.mu.RLock()
	total := len(p.endpoints)
	reliable := 0
	for _, e := range p.endpoints {
		if e.IsReliable() {
			reliable++
		}
	}
	p.mu.RUnlock()

	p.metrics.setPoolSize(total, reliable)
}
