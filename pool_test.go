package rotapool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestPool(t *testing.T, prober Prober, endpoints ...*Endpoint) *Pool {
	t.Helper()

	pool, err := New(context.Background(), endpoints, Config{
		Logger: testLogger(),
		Prober: prober,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestNewPoolValidatesOnCreation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	endpoint := mustEndpoint(t, "10.0.0.1", 8080)

	prober := NewMockProber(ctrl)
	prober.EXPECT().
		Probe(gomock.Any(), endpoint).
		Return(ProbeResult{Success: true, Latency: 80 * time.Millisecond}).
		Times(1)

	pool := newTestPool(t, prober, endpoint)

	latency, ok := endpoint.Latency()
	require.True(t, ok)
	assert.Equal(t, 80*time.Millisecond, latency)
	assert.Equal(t, 1, pool.Size())
}

func TestNewPoolSkipsValidationWhenDisabled(t *testing.T) {
	endpoint := mustEndpoint(t, "10.0.0.1", 8080)

	pool, err := New(context.Background(), []*Endpoint{endpoint}, Config{
		Logger:                   testLogger(),
		Prober:                   failAlways(),
		SkipValidationOnCreation: true,
	})
	require.NoError(t, err)
	defer pool.Close()

	assert.True(t, endpoint.LastUsed().IsZero(), "no probe should have run")
}

func TestNewPoolDropsDuplicateEndpoints(t *testing.T) {
	a := mustEndpoint(t, "10.0.0.1", 8080)
	b := mustEndpoint(t, "10.0.0.1", 8080, WithProtocol(ProtocolSOCKS5))

	pool := newTestPool(t, succeedWith(50*time.Millisecond), a, b)
	assert.Equal(t, 1, pool.Size())
}

func TestNextDelegation(t *testing.T) {
	t.Run("empty pool returns nil", func(t *testing.T) {
		pool := newTestPool(t, succeedWith(time.Millisecond))
		assert.Nil(t, pool.Next())
	})

	t.Run("closed pool returns nil", func(t *testing.T) {
		pool := newTestPool(t, succeedWith(time.Millisecond),
			mustEndpoint(t, "10.0.0.1", 8080))
		pool.Close()
		assert.Nil(t, pool.Next())
	})

	t.Run("single endpoint pool returns it", func(t *testing.T) {
		endpoint := mustEndpoint(t, "10.0.0.1", 8080)
		pool := newTestPool(t, succeedWith(time.Millisecond), endpoint)
		assert.Same(t, endpoint, pool.Next())
	})
}

func TestReportOutcome(t *testing.T) {
	t.Run("member endpoint updated", func(t *testing.T) {
		endpoint := mustEndpoint(t, "10.0.0.1", 8080)
		pool := newTestPool(t, succeedWith(time.Millisecond), endpoint)

		ok := pool.ReportOutcome(endpoint, false, nil)
		assert.True(t, ok)
		assert.Equal(t, 1, endpoint.ConsecutiveFailures())
	})

	t.Run("non-member is a no-op", func(t *testing.T) {
		member := mustEndpoint(t, "10.0.0.1", 8080)
		stranger := mustEndpoint(t, "192.168.0.1", 3128)
		pool := newTestPool(t, succeedWith(time.Millisecond), member)

		ok := pool.ReportOutcome(stranger, false, nil)
		assert.False(t, ok)
		assert.Zero(t, stranger.ConsecutiveFailures())
	})

	t.Run("nil endpoint is a no-op", func(t *testing.T) {
		pool := newTestPool(t, succeedWith(time.Millisecond))
		assert.False(t, pool.ReportOutcome(nil, true, nil))
	})
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate identity rejected", func(t *testing.T) {
		endpoint := mustEndpoint(t, "10.0.0.1", 8080)
		pool := newTestPool(t, succeedWith(time.Millisecond), endpoint)

		duplicate := mustEndpoint(t, "10.0.0.1", 8080, WithCountry("de"))
		assert.False(t, pool.Add(ctx, duplicate, false))
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("unvalidated add appends unconditionally", func(t *testing.T) {
		pool := newTestPool(t, failAlways())

		endpoint := mustEndpoint(t, "10.0.0.1", 8080)
		assert.True(t, pool.Add(ctx, endpoint, false))
		assert.Equal(t, 1, pool.Size())
		assert.True(t, endpoint.LastUsed().IsZero(), "no probe should have run")
	})

	t.Run("validated add probes first", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		pool := newTestPool(t, succeedWith(time.Millisecond))

		endpoint := mustEndpoint(t, "10.0.0.1", 8080)

		prober := NewMockProber(ctrl)
		prober.EXPECT().
			Probe(gomock.Any(), endpoint).
			Return(ProbeResult{Success: true, Latency: 60 * time.Millisecond})
		pool.validator.prober = prober

		assert.True(t, pool.Add(ctx, endpoint, true))
		assert.Equal(t, 1, pool.Size())

		latency, ok := endpoint.Latency()
		require.True(t, ok)
		assert.Equal(t, 60*time.Millisecond, latency)
	})

	t.Run("validated add rejects on probe failure", func(t *testing.T) {
		pool := newTestPool(t, failAlways())

		endpoint := mustEndpoint(t, "10.0.0.1", 8080)
		assert.False(t, pool.Add(ctx, endpoint, true))
		assert.Zero(t, pool.Size())

		// The failed probe still counted against the endpoint.
		assert.Equal(t, 1, endpoint.ConsecutiveFailures())
	})
}

func TestRemove(t *testing.T) {
	endpoint := mustEndpoint(t, "10.0.0.1", 8080)
	pool := newTestPool(t, succeedWith(time.Millisecond), endpoint)

	assert.True(t, pool.Remove(endpoint))
	assert.Zero(t, pool.Size())

	assert.False(t, pool.Remove(endpoint), "second removal finds nothing")
	assert.False(t, pool.Remove(nil))
}

func TestByCountry(t *testing.T) {
	us := mustEndpoint(t, "10.0.0.1", 8080, WithCountry("US"))
	de := mustEndpoint(t, "10.0.0.2", 8080, WithCountry("DE"))

	pool := newTestPool(t, succeedWith(50*time.Millisecond), us, de)

	t.Run("case insensitive", func(t *testing.T) {
		assert.Same(t, us, pool.ByCountry("us"))
		assert.Same(t, us, pool.ByCountry("US"))
	})

	t.Run("no match returns nil", func(t *testing.T) {
		assert.Nil(t, pool.ByCountry("JP"))
		assert.Nil(t, pool.ByCountry(""))
	})

	t.Run("unreliable endpoints excluded", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			de.RecordOutcome(false, nil)
		}
		assert.Nil(t, pool.ByCountry("de"))
	})

	t.Run("most reliable wins, least recently used breaks ties", func(t *testing.T) {
		strong := mustEndpoint(t, "10.0.1.1", 8080, WithCountry("FR"))
		weak := mustEndpoint(t, "10.0.1.2", 8080, WithCountry("FR"))

		for i := 0; i < 3; i++ {
			strong.RecordOutcome(true, nil)
		}
		// One failure in the middle leaves weak at 0.79: still reliable,
		// but ranked below strong's perfect score.
		weak.RecordOutcome(true, nil)
		weak.RecordOutcome(false, nil)
		weak.RecordOutcome(true, nil)

		require.True(t, pool.Add(context.Background(), strong, false))
		require.True(t, pool.Add(context.Background(), weak, false))

		assert.Same(t, strong, pool.ByCountry("fr"))
	})
}

func TestStatsAggregate(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		pool := newTestPool(t, succeedWith(time.Millisecond))

		stats := pool.Stats()
		assert.Zero(t, stats.Total)
		assert.Zero(t, stats.AvgLatency)
		assert.Zero(t, stats.AvgReliability)
		assert.Empty(t, stats.CountryDistribution)
	})

	t.Run("validated pool of three", func(t *testing.T) {
		latencies := map[string]time.Duration{
			"10.0.0.1:8080": 50 * time.Millisecond,
			"10.0.0.2:8080": 100 * time.Millisecond,
			"10.0.0.3:8080": 500 * time.Millisecond,
		}
		prober := proberFunc(func(ctx context.Context, endpoint *Endpoint) ProbeResult {
			return ProbeResult{Success: true, Latency: latencies[endpoint.ID()]}
		})

		pool := newTestPool(t, prober,
			mustEndpoint(t, "10.0.0.1", 8080, WithCountry("us")),
			mustEndpoint(t, "10.0.0.2", 8080, WithCountry("us")),
			mustEndpoint(t, "10.0.0.3", 8080, WithCountry("de")),
		)

		stats := pool.Stats()
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 3, stats.Reliable)
		assert.Zero(t, stats.Unreliable)

		// (50 + 100 + 500) / 3 ≈ 216.7ms
		assert.InDelta(t, float64(216667*time.Microsecond), float64(stats.AvgLatency),
			float64(time.Millisecond))

		// One successful probe each: every score initialized to 1.
		assert.InDelta(t, 1.0, stats.AvgReliability, 1e-9)

		assert.Equal(t, map[string]int{"US": 2, "DE": 1}, stats.CountryDistribution)
	})
}

func TestRevalidateReportsDegradedPool(t *testing.T) {
	endpoint := mustEndpoint(t, "10.0.0.1", 8080)

	pool, err := New(context.Background(), []*Endpoint{endpoint}, Config{
		Logger:                   testLogger(),
		Prober:                   failAlways(),
		MinEndpoints:             1,
		SkipValidationOnCreation: true,
	})
	require.NoError(t, err)
	defer pool.Close()

	// Sink the endpoint below the reliability gate.
	for i := 0; i < 3; i++ {
		report := pool.Revalidate(context.Background())
		assert.Equal(t, 1, report.Probed)
		assert.Zero(t, report.Passed)
		assert.Error(t, report.Err)
	}

	report := pool.Revalidate(context.Background())
	assert.True(t, report.Degraded)
	assert.Zero(t, report.Reliable)
	assert.NotEmpty(t, report.ID)
}

func TestBackgroundRevalidation(t *testing.T) {
	var probes atomic.Int32
	prober := proberFunc(func(ctx context.Context, endpoint *Endpoint) ProbeResult {
		probes.Add(1)
		return ProbeResult{Success: true, Latency: time.Millisecond}
	})

	pool, err := New(context.Background(), []*Endpoint{mustEndpoint(t, "10.0.0.1", 8080)}, Config{
		Logger:             testLogger(),
		Prober:             prober,
		RevalidateInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	initial := probes.Load()
	require.GreaterOrEqual(t, initial, int32(1), "creation validates once")

	assert.Eventually(t, func() bool {
		return probes.Load() > initial
	}, time.Second, 5*time.Millisecond, "background loop should revalidate")

	pool.Close()

	// No probes after close.
	settled := probes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, probes.Load())
}

func TestPoolMetricsRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()

	pool, err := New(context.Background(), []*Endpoint{mustEndpoint(t, "10.0.0.1", 8080)}, Config{
		Logger:     testLogger(),
		Prober:     succeedWith(30 * time.Millisecond),
		Registerer: registry,
	})
	require.NoError(t, err)
	defer pool.Close()

	pool.Next()

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}

	assert.True(t, names["rotapool_probes_total"])
	assert.True(t, names["rotapool_probe_duration_seconds"])
	assert.True(t, names["rotapool_selections_total"])
	assert.True(t, names["rotapool_endpoints"])
}
