package rotapool

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Logger interface compatible with slog.Logger
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// Config controls pool construction and validation behaviour.
type Config struct {
	Logger Logger

	// Prober runs liveness checks. Defaults to an HTTP prober against
	// TestURL with TestTimeout per probe.
	Prober Prober

	// TestURL is the health-check target. It must return a JSON body
	// carrying the caller's IP address, e.g. https://httpbin.org/ip.
	TestURL string

	// TestTimeout bounds a single probe, network dial included.
	TestTimeout time.Duration

	// MinEndpoints is the reliable-endpoint count below which validation
	// reports the pool as degraded. Diagnostic only; selection keeps
	// working with whatever is left.
	MinEndpoints int

	// MaxProbeWorkers caps concurrent probes during validation. The
	// effective budget is min(MaxProbeWorkers, pool size).
	MaxProbeWorkers int

	// RevalidateInterval re-runs validation in the background when > 0.
	RevalidateInterval time.Duration

	// SkipValidationOnCreation disables the initial validation pass.
	SkipValidationOnCreation bool

	// Geo resolves an exit IP to a country code so endpoints configured
	// without one get backfilled during validation. Optional.
	Geo GeoResolver

	// Registerer receives the pool's prometheus collectors. Nil disables
	// metrics.
	Registerer prometheus.Registerer

	// rng drives the jittered weighted draw; tests inject a seeded source.
	rng *rand.Rand
}

var configDefault = Config{
	TestURL:         "https://httpbin.org/ip",
	TestTimeout:     10 * time.Second,
	MinEndpoints:    1,
	MaxProbeWorkers: 10,
}

func mergeWithDefault(config ...Config) Config {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.TestURL == "" {
		cfg.TestURL = configDefault.TestURL
	}

	if cfg.TestTimeout == 0 {
		cfg.TestTimeout = configDefault.TestTimeout
	}

	if cfg.MinEndpoints == 0 {
		cfg.MinEndpoints = configDefault.MinEndpoints
	}

	if cfg.MaxProbeWorkers == 0 {
		cfg.MaxProbeWorkers = configDefault.MaxProbeWorkers
	}

	if cfg.Prober == nil {
		cfg.Prober = NewHTTPProber(cfg.TestURL, cfg.TestTimeout, cfg.Logger)
	}

	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return cfg
}
