package rotapool

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpointForServer builds an HTTP endpoint pointed at a test server.
func endpointForServer(t *testing.T, srv *httptest.Server, opts ...EndpointOption) *Endpoint {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return mustEndpoint(t, host, port, opts...)
}

// closedPort returns an address nothing is listening on.
func closedPort(t *testing.T) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestHTTPProberProbe(t *testing.T) {
	t.Run("success through an http proxy", func(t *testing.T) {
		// The test server plays the proxy: an HTTP-proxied request
		// arrives with an absolute request URI and the "proxy" answers
		// for the target itself.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, r.URL.IsAbs(), "proxied request should carry an absolute URI")
			assert.Equal(t, probeUserAgent, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"origin": "203.0.113.9"}`))
		}))
		defer srv.Close()

		prober := NewHTTPProber("http://probe-target.invalid/ip", 5*time.Second, testLogger())
		res := prober.Probe(context.Background(), endpointForServer(t, srv))

		require.NoError(t, res.Err)
		assert.True(t, res.Success)
		assert.Equal(t, "203.0.113.9", res.ExitIP)
		assert.Positive(t, res.Latency)
	})

	t.Run("ip field and comma-separated origins", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ip": "198.51.100.5, 10.0.0.1"}`))
		}))
		defer srv.Close()

		prober := NewHTTPProber("http://probe-target.invalid/ip", 5*time.Second, testLogger())
		res := prober.Probe(context.Background(), endpointForServer(t, srv))

		assert.True(t, res.Success)
		assert.Equal(t, "198.51.100.5", res.ExitIP)
	})

	t.Run("unparseable body is still a pass", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>definitely not json</html>"))
		}))
		defer srv.Close()

		prober := NewHTTPProber("http://probe-target.invalid/ip", 5*time.Second, testLogger())
		res := prober.Probe(context.Background(), endpointForServer(t, srv))

		assert.True(t, res.Success)
		assert.Empty(t, res.ExitIP)
	})

	t.Run("non-2xx status fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		prober := NewHTTPProber("http://probe-target.invalid/ip", 5*time.Second, testLogger())
		res := prober.Probe(context.Background(), endpointForServer(t, srv))

		assert.False(t, res.Success)

		var probeErr *ProbeError
		require.ErrorAs(t, res.Err, &probeErr)
		assert.Equal(t, StageStatus, probeErr.Stage)
		assert.Equal(t, http.StatusServiceUnavailable, probeErr.StatusCode)
	})

	t.Run("unreachable proxy fails at the request stage", func(t *testing.T) {
		host, port := closedPort(t)

		prober := NewHTTPProber("http://probe-target.invalid/ip", time.Second, testLogger())
		res := prober.Probe(context.Background(), mustEndpoint(t, host, port))

		assert.False(t, res.Success)

		var probeErr *ProbeError
		require.ErrorAs(t, res.Err, &probeErr)
		assert.Equal(t, StageRequest, probeErr.Stage)
	})

	t.Run("timeout is classified temporary", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		prober := NewHTTPProber("http://probe-target.invalid/ip", 100*time.Millisecond, testLogger())
		res := prober.Probe(context.Background(), endpointForServer(t, srv))

		assert.False(t, res.Success)
		assert.True(t, IsTemporaryProbeFailure(res.Err))
	})

	t.Run("tor endpoint rejected when the relay speaks http", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		prober := NewHTTPProber("http://probe-target.invalid/ip", 5*time.Second, testLogger())
		prober.torAddr = srv.Listener.Addr().String()

		// The endpoint's own address is irrelevant for Tor: verification
		// and routing both go through the configured relay.
		res := prober.Probe(context.Background(), mustEndpoint(t, "10.0.0.1", 9050, WithProtocol(ProtocolTor)))

		assert.False(t, res.Success)

		var probeErr *ProbeError
		require.ErrorAs(t, res.Err, &probeErr)
		assert.Equal(t, StageTorVerify, probeErr.Stage)
		assert.Equal(t, prober.torAddr, probeErr.EndpointID)
	})
}

func TestNewHTTPProberDefaultTorRelay(t *testing.T) {
	prober := NewHTTPProber("http://probe-target.invalid/ip", time.Second, testLogger())
	assert.Equal(t, torSocksAddr, prober.torAddr)
}

func TestVerifyTorListener(t *testing.T) {
	t.Run("http response means not tor", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		err := verifyTorListener(context.Background(), srv.Listener.Addr().String())

		var probeErr *ProbeError
		require.ErrorAs(t, err, &probeErr)
		assert.Equal(t, StageTorVerify, probeErr.Stage)
		assert.Equal(t, http.StatusOK, probeErr.StatusCode)
	})

	t.Run("refused connection means healthy", func(t *testing.T) {
		host, port := closedPort(t)

		err := verifyTorListener(context.Background(), net.JoinHostPort(host, strconv.Itoa(port)))
		assert.NoError(t, err)
	})
}

func TestFirstIPToken(t *testing.T) {
	assert.Equal(t, "203.0.113.9", firstIPToken("203.0.113.9"))
	assert.Equal(t, "203.0.113.9", firstIPToken("203.0.113.9, 10.1.2.3"))
	assert.Equal(t, "", firstIPToken(""))
}

func TestProxyURLStringStripsCredentials(t *testing.T) {
	endpoint := mustEndpoint(t, "proxy.example.com", 8080, WithCredentials("alice", "s3cret"))

	rendered := proxyURLString(endpoint)
	assert.Equal(t, "http://proxy.example.com:8080", rendered)
	assert.NotContains(t, rendered, "s3cret")
}
