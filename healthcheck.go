//go:generate go run go.uber.org/mock/mockgen -source=./healthcheck.go -destination=./prober_mock.go -package=rotapool Prober

package rotapool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// torPrecheckTimeout bounds the plain-HTTP handshake used to verify the Tor
// SOCKS listener refuses direct HTTP.
const torPrecheckTimeout = 2 * time.Second

// ProbeResult is the outcome of a single liveness probe.
type ProbeResult struct {
	// Success means the target answered 2xx through the endpoint within
	// the timeout.
	Success bool

	// Latency is the observed round trip. Only meaningful when Success.
	Latency time.Duration

	// ExitIP is the address the probe target saw the request come from,
	// when the response body carried one.
	ExitIP string

	// Err classifies the failure for diagnostics. Never set on success and
	// never propagated past the validation boundary.
	Err error
}

// Prober runs a liveness probe against a single endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint *Endpoint) ProbeResult
}

// HTTPProber probes endpoints by fetching an IP-echo URL through them.
type HTTPProber struct {
	targetURL string
	timeout   time.Duration
	log       Logger

	// torAddr is the SOCKS relay Tor endpoints are verified against and
	// probed through. Both steps must hit the same listener.
	torAddr string
}

// NewHTTPProber creates a prober that fetches targetURL through each
// endpoint with the given per-probe timeout.
func NewHTTPProber(targetURL string, timeout time.Duration, log Logger) *HTTPProber {
	return &HTTPProber{
		targetURL: targetURL,
		timeout:   timeout,
		log:       log,
		torAddr:   torSocksAddr,
	}
}

// probeResponse matches the IP-echo payload of targets such as
// https://httpbin.org/ip ("origin") or https://api.ipify.org?format=json ("ip").
type probeResponse struct {
	Origin string `json:"origin"`
	IP     string `json:"ip"`
}

// Probe issues one request to the target URL through the endpoint. All
// network faults are converted into a failed ProbeResult; nothing escapes as
// an error to the caller.
func (h *HTTPProber) Probe(ctx context.Context, endpoint *Endpoint) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if endpoint.Protocol == ProtocolTor {
		// A healthy Tor daemon exposes a SOCKS listener that actively
		// refuses a plain HTTP handshake. Getting an HTTP response (or
		// a timeout) back means whatever is listening is not Tor. The
		// check targets the relay the probe itself will route through.
		if err := verifyTorListener(ctx, h.torAddr); err != nil {
			h.log.DebugContext(ctx, "tor listener verification failed",
				"endpoint", endpoint.ID(), "error", err)
			return ProbeResult{Err: err}
		}
	}

	client, err := h.clientFor(endpoint)
	if err != nil {
		return ProbeResult{Err: &ProbeError{
			EndpointID: endpoint.ID(),
			Stage:      StageDial,
			Err:        err,
		}}
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.targetURL, nil)
	if err != nil {
		return ProbeResult{Err: &ProbeError{
			EndpointID: endpoint.ID(),
			Stage:      StageRequest,
			Err:        err,
		}}
	}
	req.Header.Set("User-Agent", probeUserAgent)

	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		h.log.DebugContext(ctx, "probe request failed",
			"endpoint", endpoint.ID(), "error", err)
		var netErr net.Error
		return ProbeResult{Err: &ProbeError{
			EndpointID: endpoint.ID(),
			Stage:      StageRequest,
			Temporary:  errors.As(err, &netErr) && netErr.Timeout(),
			Err:        err,
		}}
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{Err: &ProbeError{
			EndpointID: endpoint.ID(),
			Stage:      StageStatus,
			StatusCode: resp.StatusCode,
		}}
	}

	// A 2xx with a body we cannot parse is still a reachable endpoint;
	// only the exit IP is lost.
	var parsed probeResponse
	exitIP := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&parsed); err == nil {
		if parsed.Origin != "" {
			exitIP = firstIPToken(parsed.Origin)
		} else if parsed.IP != "" {
			exitIP = firstIPToken(parsed.IP)
		}
	}

	return ProbeResult{
		Success: true,
		Latency: latency,
		ExitIP:  exitIP,
	}
}

const probeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// clientFor builds an http.Client routing through the endpoint. The protocol
// switch is closed: every Protocol value maps to exactly one transport.
func (h *HTTPProber) clientFor(endpoint *Endpoint) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   h.timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		TLSHandshakeTimeout:   h.timeout,
		ResponseHeaderTimeout: h.timeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}

	switch endpoint.Protocol {
	case ProtocolHTTP, ProtocolResidential:
		transport.Proxy = http.ProxyURL(endpoint.ProxyURL())
		transport.DialContext = dialer.DialContext

	case ProtocolSOCKS5, ProtocolTor:
		var auth *proxy.Auth
		if endpoint.Protocol == ProtocolSOCKS5 && (endpoint.Username != "" || endpoint.Password != "") {
			auth = &proxy.Auth{User: endpoint.Username, Password: endpoint.Password}
		}

		addr := endpoint.Addr()
		if endpoint.Protocol == ProtocolTor {
			addr = h.torAddr
		}

		socksDialer, err := proxy.SOCKS5("tcp", addr, auth, dialer)
		if err != nil {
			return nil, err
		}

		transport.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			if cd, ok := socksDialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, address)
			}
			return socksDialer.Dial(network, address)
		}

	case ProtocolSOCKS4:
		s4 := &socks4Dialer{proxyAddr: endpoint.Addr(), userID: endpoint.Username, dialer: dialer}
		transport.DialContext = s4.DialContext

	default:
		transport.Proxy = http.ProxyURL(endpoint.ProxyURL())
		transport.DialContext = dialer.DialContext
	}

	return &http.Client{Transport: transport}, nil
}

// verifyTorListener confirms the address refuses a direct plain HTTP
// handshake. Refusal (connection reset, EOF, garbled response) is the healthy
// signal; an actual HTTP response or a timeout is a failure.
func verifyTorListener(ctx context.Context, addr string) error {
	precheckCtx, cancel := context.WithTimeout(ctx, torPrecheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(precheckCtx, http.MethodGet, "http://"+addr, nil)
	if err != nil {
		return &ProbeError{EndpointID: addr, Stage: StageTorVerify, Err: err}
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		return &ProbeError{
			EndpointID: addr,
			Stage:      StageTorVerify,
			StatusCode: resp.StatusCode,
			Err:        errors.New("listener answered plain HTTP, not a Tor SOCKS port"),
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProbeError{
			EndpointID: addr,
			Stage:      StageTorVerify,
			Temporary:  true,
			Err:        err,
		}
	}

	// Refused the handshake: Tor is listening.
	return nil
}

// firstIPToken extracts the first address from payloads like "a, b".
func firstIPToken(origin string) string {
	if origin == "" {
		return ""
	}
	parts := strings.Split(origin, ",")
	return strings.TrimSpace(parts[0])
}

// proxyURLString renders the endpoint's connection URL for logs and reports.
func proxyURLString(e *Endpoint) string {
	u := e.ProxyURL()
	if u.User != nil {
		// Strip credentials before logging.
		u = &url.URL{Scheme: u.Scheme, Host: u.Host}
	}
	return u.String()
}
