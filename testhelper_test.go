package rotapool

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEndpoint(t *testing.T, host string, port int, opts ...EndpointOption) *Endpoint {
	t.Helper()

	endpoint, err := NewEndpoint(host, port, opts...)
	if err != nil {
		t.Fatalf("NewEndpoint(%s, %d): %v", host, port, err)
	}
	return endpoint
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

// proberFunc adapts a function to the Prober interface for tests that do not
// need call expectations.
type proberFunc func(ctx context.Context, endpoint *Endpoint) ProbeResult

func (f proberFunc) Probe(ctx context.Context, endpoint *Endpoint) ProbeResult {
	return f(ctx, endpoint)
}

// succeedWith returns a prober that always succeeds with the given latency.
func succeedWith(latency time.Duration) proberFunc {
	return func(ctx context.Context, endpoint *Endpoint) ProbeResult {
		return ProbeResult{Success: true, Latency: latency}
	}
}

// failAlways returns a prober that always fails.
func failAlways() proberFunc {
	return func(ctx context.Context, endpoint *Endpoint) ProbeResult {
		return ProbeResult{Err: &ProbeError{EndpointID: endpoint.ID(), Stage: StageRequest}}
	}
}
