package rotapool

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
)

// Protocol identifies how outbound traffic is tunneled through an endpoint.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolSOCKS4
	ProtocolSOCKS5
	ProtocolTor
	ProtocolResidential
)

// torSocksAddr is the local SOCKS relay a running Tor daemon listens on.
const torSocksAddr = "127.0.0.1:9050"

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolSOCKS4:
		return "socks4"
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolTor:
		return "tor"
	case ProtocolResidential:
		return "residential"
	default:
		return "unknown"
	}
}

// ParseProtocol converts a configuration string into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https":
		return ProtocolHTTP, nil
	case "socks4":
		return ProtocolSOCKS4, nil
	case "socks5":
		return ProtocolSOCKS5, nil
	case "tor":
		return ProtocolTor, nil
	case "residential":
		return ProtocolResidential, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}

// emaWeight is the smoothing factor for latency and reliability averages:
// new = (1-emaWeight)*old + emaWeight*observed.
const emaWeight = 0.3

const maxConsecutiveFailures = 3

// Endpoint is a single proxy target. Identity fields (host, port,
// credentials, protocol, country) are immutable after construction; runtime
// statistics are updated exclusively through RecordOutcome.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	Protocol Protocol

	mu                  sync.Mutex
	country             string
	lastUsed            time.Time
	latency             time.Duration
	hasLatency          bool
	reliability         float64
	hasOutcome          bool
	consecutiveFailures int
}

// NewEndpoint validates the descriptor and returns an endpoint ready to be
// added to a pool. The country code, if given, is normalized to its canonical
// upper-case region form.
func NewEndpoint(host string, port int, opts ...EndpointOption) (*Endpoint, error) {
	if host == "" {
		return nil, ErrEmptyHost
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	e := &Endpoint{
		Host:     host,
		Port:     port,
		Protocol: ProtocolHTTP,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.country = normalizeCountry(e.country)

	return e, nil
}

// EndpointOption customizes optional identity fields at construction.
type EndpointOption func(*Endpoint)

func WithCredentials(username, password string) EndpointOption {
	return func(e *Endpoint) {
		e.Username = username
		e.Password = password
	}
}

func WithProtocol(p Protocol) EndpointOption {
	return func(e *Endpoint) { e.Protocol = p }
}

func WithCountry(code string) EndpointOption {
	return func(e *Endpoint) { e.country = code }
}

// Country returns the endpoint's canonical country code, or "" when unknown.
func (e *Endpoint) Country() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.country
}

// setCountry backfills a country code discovered during validation. A code
// set at construction wins; backfill only fills the gap.
func (e *Endpoint) setCountry(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.country == "" {
		e.country = normalizeCountry(code)
	}
}

// normalizeCountry canonicalizes an ISO 3166-1 code ("us" -> "US"). Codes the
// region table does not know are kept verbatim, upper-cased.
func normalizeCountry(code string) string {
	if code == "" {
		return ""
	}
	if region, err := language.ParseRegion(code); err == nil {
		return region.String()
	}
	return strings.ToUpper(code)
}

// ID returns the identity key for the endpoint. Two endpoints with the same
// host and port are the same pool member regardless of statistics.
func (e *Endpoint) ID() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Protocol, e.ID())
}

// Addr returns the host:port network address of the endpoint itself.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ProxyURL returns the connection URL outbound traffic should be routed
// through. Tor endpoints always resolve to the local SOCKS relay, since the
// Tor daemon only speaks SOCKS on that port.
func (e *Endpoint) ProxyURL() *url.URL {
	var u *url.URL

	switch e.Protocol {
	case ProtocolHTTP, ProtocolResidential:
		u = &url.URL{Scheme: "http", Host: e.Addr()}
	case ProtocolSOCKS4:
		u = &url.URL{Scheme: "socks4", Host: e.Addr()}
	case ProtocolSOCKS5:
		u = &url.URL{Scheme: "socks5", Host: e.Addr()}
	case ProtocolTor:
		return &url.URL{Scheme: "socks5", Host: torSocksAddr}
	default:
		u = &url.URL{Scheme: "http", Host: e.Addr()}
	}

	if e.Username != "" || e.Password != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}

	return u
}

// RecordOutcome folds one observed use of the endpoint into its statistics.
// The very first outcome sets both estimates directly; after that, latency
// and reliability move by an exponential moving average so a single bad
// sample cannot erase a long good history. A nil latency leaves the latency
// estimate untouched.
func (e *Endpoint) RecordOutcome(success bool, latency *time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastUsed = time.Now()

	if latency != nil {
		if !e.hasLatency {
			e.latency = *latency
			e.hasLatency = true
		} else {
			e.latency = time.Duration((1-emaWeight)*float64(e.latency) + emaWeight*float64(*latency))
		}
	}

	observed := 0.0
	if success {
		observed = 1.0
	}

	if !e.hasOutcome {
		e.reliability = observed
		e.hasOutcome = true
	} else {
		e.reliability = (1-emaWeight)*e.reliability + emaWeight*observed
	}

	if success {
		e.consecutiveFailures = 0
	} else {
		e.consecutiveFailures++
	}
}

// IsReliable reports whether the endpoint is eligible for normal selection.
// Untested endpoints (score exactly zero) are provisionally trusted so new
// pool members can compete immediately, but a run of consecutive failures
// excludes an endpoint even while its average is still decaying.
func (e *Endpoint) IsReliable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reliableLocked()
}

func (e *Endpoint) reliableLocked() bool {
	return (e.reliability >= 0.7 || e.reliability == 0.0) && e.consecutiveFailures < maxConsecutiveFailures
}

// Reliability returns the current reliability score in [0,1].
func (e *Endpoint) Reliability() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reliability
}

// Latency returns the current latency estimate; ok is false when no
// successful probe or use has ever reported one.
func (e *Endpoint) Latency() (latency time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latency, e.hasLatency
}

// LastUsed returns the time of the last recorded outcome; the zero time
// means the endpoint has never been used.
func (e *Endpoint) LastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// ConsecutiveFailures returns the current run of failed outcomes.
func (e *Endpoint) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailures
}

// endpointState is a consistent point-in-time copy of an endpoint's
// statistics, taken under the endpoint lock so selection never sees a
// half-applied outcome.
type endpointState struct {
	ep          *Endpoint
	country     string
	lastUsed    time.Time
	latency     time.Duration
	hasLatency  bool
	reliability float64
	reliable    bool
}

func (e *Endpoint) snapshot() endpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return endpointState{
		ep:          e,
		country:     e.country,
		lastUsed:    e.lastUsed,
		latency:     e.latency,
		hasLatency:  e.hasLatency,
		reliability: e.reliability,
		reliable:    e.reliableLocked(),
	}
}
