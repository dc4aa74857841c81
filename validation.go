package rotapool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// maxProbeWorkers is the hard ceiling on concurrent probes, regardless of
// configuration. Probing a large pool full-width would hammer the probe
// target and trip its rate limits.
const maxProbeWorkers = 10

// ValidationReport summarizes one validation pass over the pool.
type ValidationReport struct {
	// ID tags the run for log correlation.
	ID string

	StartedAt time.Time
	Duration  time.Duration

	// Probed is the number of endpoints checked.
	Probed int

	// Passed is the number of probes that succeeded.
	Passed int

	// Reliable is the number of endpoints passing the reliability gate
	// after results were applied.
	Reliable int

	// Degraded is set when Reliable fell below the configured minimum.
	// The pool keeps operating; selection quality suffers.
	Degraded bool

	// Err aggregates the individual probe faults, one per failed
	// endpoint. Diagnostic only: a failed probe degrades that endpoint's
	// statistics and nothing else.
	Err error
}

// validator fans probes out across the pool's endpoints with a bounded
// worker budget and folds each result into the endpoint it belongs to.
type validator struct {
	prober     Prober
	geo        GeoResolver
	log        Logger
	metrics    *poolMetrics
	minViable  int
	maxWorkers int
}

// validateAll probes every given endpoint concurrently. Results are applied
// to each endpoint's statistics as soon as its probe finishes; probes do not
// wait on each other. A single probe fault is isolated to its endpoint and
// never aborts the batch.
func (v *validator) validateAll(ctx context.Context, endpoints []*Endpoint) ValidationReport {
	report := ValidationReport{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Probed:    len(endpoints),
	}

	if len(endpoints) == 0 {
		report.Degraded = v.minViable > 0
		return report
	}

	v.log.InfoContext(ctx, "validating endpoints",
		"run_id", report.ID, "count", len(endpoints))

	budget := v.maxWorkers
	if budget <= 0 || budget > maxProbeWorkers {
		budget = maxProbeWorkers
	}
	if len(endpoints) < budget {
		budget = len(endpoints)
	}

	var group errgroup.Group
	group.SetLimit(budget)

	passed := make(chan struct{}, len(endpoints))
	faultCh := make(chan error, len(endpoints))

	for _, endpoint := range endpoints {
		endpoint := endpoint
		group.Go(func() error {
			res := v.probeOne(ctx, endpoint)
			if res.Success {
				passed <- struct{}{}
			} else if res.Err != nil {
				faultCh <- res.Err
			}
			return nil
		})
	}

	_ = group.Wait()
	close(passed)
	close(faultCh)

	var faults *multierror.Error
	for err := range faultCh {
		faults = multierror.Append(faults, err)
	}
	report.Passed = len(passed)
	report.Err = faults.ErrorOrNil()

	for _, endpoint := range endpoints {
		if endpoint.IsReliable() {
			report.Reliable++
		}
	}

	report.Duration = time.Since(report.StartedAt)

	v.log.InfoContext(ctx, "validation completed",
		"run_id", report.ID,
		"passed", report.Passed,
		"reliable", report.Reliable,
		"total", report.Probed,
		"duration", report.Duration)

	if report.Reliable < v.minViable {
		report.Degraded = true
		v.log.WarnContext(ctx, "reliable endpoints below minimum",
			"run_id", report.ID,
			"reliable", report.Reliable,
			"minimum", v.minViable)
	}

	return report
}

// probeOne runs a single probe and applies its result.
func (v *validator) probeOne(ctx context.Context, endpoint *Endpoint) ProbeResult {
	res := v.prober.Probe(ctx, endpoint)

	v.applyResult(ctx, endpoint, res)

	return res
}

// applyResult folds a probe result into the endpoint's statistics, records
// metrics, and backfills a missing country code from the observed exit IP.
func (v *validator) applyResult(ctx context.Context, endpoint *Endpoint, res ProbeResult) {
	if res.Success {
		latency := res.Latency
		endpoint.RecordOutcome(true, &latency)
		v.metrics.observeProbe(endpoint.Protocol, true, res.Latency)
		v.log.DebugContext(ctx, "endpoint is valid",
			"endpoint", endpoint.ID(), "latency", res.Latency)
	} else {
		endpoint.RecordOutcome(false, nil)
		v.metrics.observeProbe(endpoint.Protocol, false, 0)
		v.log.DebugContext(ctx, "endpoint is invalid",
			"endpoint", endpoint.ID(), "error", res.Err)
	}

	if res.Success && endpoint.Country() == "" && res.ExitIP != "" && v.geo != nil {
		if code, err := v.geo.CountryCode(res.ExitIP); err == nil && code != "" {
			endpoint.setCountry(code)
		}
	}
}
