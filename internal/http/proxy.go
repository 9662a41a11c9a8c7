// Package http builds the proxy-aware HTTP clients used for control-plane
// calls and presigned transfers.
package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/constants"
)

// Proxy modes accepted in the [proxy] section.
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeBasic  = "basic"
	ProxyModeNTLM   = "ntlm"
)

// DefaultProxyPort is used when the config names a proxy host without a port.
const DefaultProxyPort = 8080

// ConfigureHTTPClient returns a client honoring cfg's proxy settings.
// NTLM mode wraps the transport in an NTLM negotiator, so callers must not
// assume Transport is an *http.Transport. The client timeout is
// constants.APIRequestTimeout; transfer clients clear it.
func ConfigureHTTPClient(cfg *config.Config) (*nethttp.Client, error) {
	transport := newBaseTransport()

	mode := strings.ToLower(cfg.ProxyMode)
	switch mode {
	case ProxyModeNone, "":
	case ProxyModeSystem:
		transport.Proxy = nethttp.ProxyFromEnvironment
	case ProxyModeBasic, ProxyModeNTLM:
		if cfg.ProxyHost == "" {
			// An incomplete saved config should not block uploads
			log.Warn().Str("mode", mode).Msg("proxy host is missing, connecting directly")
			mode = ProxyModeNone
			break
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy)
		if cfg.ProxyUser != "" && cfg.ProxyPassword == "" {
			log.Warn().Str("user", cfg.ProxyUser).Msg("proxy password missing, proxy auth disabled until it is set")
		}
	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.ProxyMode)
	}

	client := &nethttp.Client{
		Transport: transport,
		Timeout:   constants.APIRequestTimeout,
	}
	if mode == ProxyModeNTLM {
		client.Transport = ntlmssp.Negotiator{RoundTripper: transport}
	}

	if shouldWarmup(cfg, mode) {
		if err := warmupProxy(client, cfg); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
	}
	return client, nil
}

func newBaseTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // the default of 2 starves parallel parts
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// shouldWarmup reports whether a warmup request is worth making. Authenticated
// modes only warm up once the password is known; it may still be prompted for.
func shouldWarmup(cfg *config.Config, mode string) bool {
	if !cfg.ProxyWarmup {
		return false
	}
	switch mode {
	case ProxyModeSystem:
		return true
	case ProxyModeBasic, ProxyModeNTLM:
		return cfg.ProxyUser != "" && cfg.ProxyPassword != ""
	default:
		return false
	}
}

// buildProxyURL constructs the proxy URL from cfg. Credentials are embedded
// only when both user and password are known; an empty password makes some
// proxies reject the request outright.
func buildProxyURL(cfg *config.Config) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = DefaultProxyPort
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.ProxyHost, fmt.Sprint(port)),
	}
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}
	return proxyURL
}

// warmupProxy sends one GET to the edge store handler so the proxy
// connection and its authentication are established before uploads start.
// Any response below 500 counts as success.
func warmupProxy(client *nethttp.Client, cfg *config.Config) error {
	if cfg.BaseURL == "" {
		return nil
	}
	target := strings.TrimSuffix(cfg.BaseURL, "/") + cfg.APIPath

	ctx, cancel := context.WithTimeout(context.Background(), constants.ProxyWarmupTimeout)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}
	return nil
}

// proxyFuncWithBypass routes every request through proxyURL except hosts
// matching noProxy (comma-separated hosts, *.domain wildcards and CIDRs).
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	resolve := (&httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}).ProxyFunc()

	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := resolve(req.URL)
		if result == nil {
			log.Debug().Str("host", req.URL.Host).Msg("proxy bypass (direct connection)")
		} else {
			log.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("proxied")
		}
		return result, err
	}
}

// NeedsProxyPassword reports whether an authenticated proxy mode has a user
// but no password, so the CLI must prompt for one.
func NeedsProxyPassword(cfg *config.Config) bool {
	switch strings.ToLower(cfg.ProxyMode) {
	case ProxyModeBasic, ProxyModeNTLM:
		return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
	default:
		return false
	}
}
