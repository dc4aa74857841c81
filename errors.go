package rotapool

import (
	"errors"
	"fmt"
)

// Sentinel errors for the rotation engine.
var (
	// ErrEmptyHost indicates an endpoint descriptor without a host.
	ErrEmptyHost = errors.New("endpoint host cannot be empty")

	// ErrInvalidPort indicates a port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port number")

	// ErrUnknownProtocol indicates a protocol string that does not map to a
	// supported proxy kind.
	ErrUnknownProtocol = errors.New("unknown proxy protocol")

	// ErrNoEndpoints indicates the pool has no endpoint to hand out.
	ErrNoEndpoints = errors.New("no endpoints available")

	// ErrInvalidConfig indicates the pool configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Probe stages, used to report where in the health check a fault occurred.
const (
	StageDial      = "dial"
	StageRequest   = "request"
	StageStatus    = "status"
	StageTorVerify = "tor-verify"
)

// ProbeError wraps a fault observed while probing a specific endpoint. It is
// only ever folded into statistics and diagnostics; probe faults never
// propagate to callers of the pool.
type ProbeError struct {
	EndpointID string
	Stage      string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return e.EndpointID + ": probe " + e.Stage + ": " + e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: probe %s: unexpected status %d", e.EndpointID, e.Stage, e.StatusCode)
	}
	return e.EndpointID + ": probe " + e.Stage + " failed"
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// IsTemporaryProbeFailure checks if the error is a transient network fault
// (timeout, refused connection) rather than a protocol-level rejection.
func IsTemporaryProbeFailure(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Temporary
	}
	return false
}
