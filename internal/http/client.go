package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/constants"
)

// NewAPIClient returns the proxy-aware client used for control-plane requests.
// Requests through it time out after constants.APIRequestTimeout.
func NewAPIClient(cfg *config.Config) (*nethttp.Client, error) {
	client, err := ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	client.Timeout = constants.APIRequestTimeout
	return client, nil
}

// CreateOptimizedClient creates an HTTP client for presigned part uploads with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Large connection pool so parallel parts of parallel files reuse connections
//   - No overall timeout; transfers are bounded by their context
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (no benefit for already-compressed files)
//
// The cfg parameter provides proxy configuration. If cfg is nil, proxy settings
// are read from environment variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY).
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	var baseClient *nethttp.Client
	var err error

	if cfg != nil {
		// Use ConfigureHTTPClient to get a client with proper proxy settings
		// Part uploads respect the same proxy configuration as API calls
		baseClient, err = ConfigureHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
	} else {
		baseClient = &nethttp.Client{Transport: nethttp.DefaultTransport.(*nethttp.Transport).Clone()}
	}

	// Get the transport from the base client
	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport in a negotiator; tuning is skipped there
		baseClient.Timeout = 0
		return baseClient, nil
	}

	// Connection pooling - 5 files x 5 parts fit comfortably
	tr.MaxIdleConns = 512        // Total idle connections across all hosts
	tr.MaxIdleConnsPerHost = 100 // Idle connections per host (storage endpoints)
	tr.MaxConnsPerHost = 100     // Active + idle connections per host (must be >= MaxIdleConnsPerHost)
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout

	// Timeouts - extended to handle large file transfers
	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout   // Increased for slow networks and high concurrency
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout // For HTTP 100-continue

	// Optimizations
	tr.DisableCompression = true // No benefit for already-compressed files (tar.gz, etc.)
	tr.ForceAttemptHTTP2 = true  // HTTP/2 provides better multiplexing

	// Ensure HTTP/2 is properly configured
	_ = http2.ConfigureTransport(tr)

	// Runtime toggle for HTTP/2 (useful for debugging or compatibility issues)
	// Set DISABLE_HTTP2=true environment variable to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	// Disable HTTP/2 when proxy is active to avoid stream errors
	// Proxies often have issues with HTTP/2 multiplexing, causing mid-transfer failures.
	// Trust config proxy mode first; only check env vars for "system" mode or when no config.
	var proxyActive bool
	if cfg != nil {
		switch cfg.ProxyMode {
		case ProxyModeNone, "":
			proxyActive = false
		case ProxyModeSystem:
			// System mode: check env vars
			proxyActive = os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
				os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
		default:
			// ntlm, basic, etc. - proxy is definitely active
			proxyActive = true
		}
	} else {
		// No config: check env vars
		proxyActive = os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	}

	// Allow power users to force HTTP/2 even through proxy with FORCE_HTTP2=true
	if proxyActive && os.Getenv("FORCE_HTTP2") != "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	// Update the client's transport with our optimized version
	baseClient.Transport = tr
	baseClient.Timeout = 0 // No overall timeout - each operation sets its own timeout

	return baseClient, nil
}
