package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/edgestore-int/internal/config"
	"github.com/rescale/edgestore-int/internal/constants"
	"github.com/rescale/edgestore-int/internal/http"
	"github.com/rescale/edgestore-int/internal/logging"
	"github.com/rescale/edgestore-int/internal/models"
	"github.com/rescale/edgestore-int/internal/ratelimit"
	"github.com/rescale/edgestore-int/internal/retry"
	"github.com/rescale/edgestore-int/internal/uploaderr"
)

// Service endpoints, relative to the API path.
const (
	EndpointRequestUpload     = "request-upload"
	EndpointCompleteMultipart = "complete-multipart-upload"
	EndpointConfirmUpload     = "confirm-upload"
	EndpointDeleteFile        = "delete-file"
	EndpointProxyFile         = "proxy-file"
)

// maxErrorBody caps how much of an error response is kept in a ServiceError.
const maxErrorBody = 4 << 10

// retryLogger implements the retryablehttp.LeveledLogger interface on top of zerolog
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	// Only log errors and warnings, not all info
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Client talks to the edge store handler mounted at {BaseURL}{APIPath}.
type Client struct {
	httpClient  *nethttp.Client
	baseURL     string
	apiPath     string
	development bool
	limiter     *ratelimit.RateLimiter // nil when requests are not rate limited
	logger      *logging.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *nethttp.Client
	logger     *logging.Logger
}

// WithHTTPClient sets the client wrapped by the retry layer instead of the
// proxy-aware client built from the configuration.
func WithHTTPClient(c *nethttp.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// NewClient creates a new API client
func NewClient(cfg *config.Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: set base_url in the config file or %s", ErrEmptyBaseURL, config.EnvBaseURL)
	}

	o := clientOptions{logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	baseClient := o.httpClient
	if baseClient == nil {
		var err error
		baseClient, err = http.NewAPIClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
		}
	}

	// Wrap with retry logic. Retries are off unless api_retries is set:
	// a failed control-plane call is reported to the caller as-is.
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = baseClient
	retryClient.RetryMax = cfg.APIRetries
	retryClient.RetryWaitMin = constants.RetryInitialDelay
	retryClient.RetryWaitMax = constants.RetryMaxDelay
	retryClient.Backoff = backoff
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &retryLogger{logger: o.logger}

	c := &Client{
		httpClient:  retryClient.StandardClient(),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiPath:     normalizeAPIPath(cfg.APIPath),
		development: cfg.IsDevelopment(),
		logger:      o.logger,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = ratelimit.NewRequestLimiter(cfg.RequestsPerSecond)
	}
	return c, nil
}

// backoff honors Retry-After on 429/503 and otherwise uses jittered exponential delays.
func backoff(minWait, maxWait time.Duration, attemptNum int, resp *nethttp.Response) time.Duration {
	if resp != nil && (resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode == nethttp.StatusServiceUnavailable) {
		if d, ok := retryAfter(resp); ok {
			return d
		}
	}
	return retry.Exponential(minWait, maxWait)(attemptNum)
}

func retryAfter(resp *nethttp.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func normalizeAPIPath(p string) string {
	if p == "" {
		p = constants.DefaultAPIPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

// APIPath returns the normalized base path of the service.
func (c *Client) APIPath() string {
	return c.apiPath
}

// endpointURL returns the absolute URL of endpoint.
func (c *Client) endpointURL(endpoint string) string {
	return c.baseURL + c.apiPath + "/" + endpoint
}

// doRequest POSTs body as JSON to endpoint, after waiting for the rate limiter
func (c *Client) doRequest(ctx context.Context, endpoint string, body interface{}) (*nethttp.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter cancelled: %w", err)
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", endpoint, err)
	}

	target := c.endpointURL(endpoint)
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, target, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("API call failed")
		return nil, &uploaderr.TransportError{Op: "request", URL: target, Err: err}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("API call")

	if resp.StatusCode == nethttp.StatusTooManyRequests && c.limiter != nil {
		if d, ok := retryAfter(resp); ok {
			c.limiter.SetCooldown(d)
		} else {
			c.limiter.Drain()
		}
	}

	return resp, nil
}

// call performs doRequest and decodes a 2xx JSON answer into out (when non-nil).
// Any other status becomes a *ServiceError.
func (c *Client) call(ctx context.Context, endpoint string, body, out interface{}) error {
	resp, err := c.doRequest(ctx, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ServiceError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// RequestUpload asks the service for an upload plan.
func (c *Client) RequestUpload(ctx context.Context, req *models.RequestUploadRequest) (*models.RequestUploadResponse, error) {
	var res models.RequestUploadResponse
	if err := c.call(ctx, EndpointRequestUpload, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CompleteMultipartUpload finalizes a multipart session with every part's ETag.
func (c *Client) CompleteMultipartUpload(ctx context.Context, req *models.CompleteMultipartRequest) error {
	return c.call(ctx, EndpointCompleteMultipart, req, nil)
}

// ConfirmUpload marks a temporary file as permanent.
func (c *Client) ConfirmUpload(ctx context.Context, bucketName, fileURL string) (*models.SuccessResponse, error) {
	var res models.SuccessResponse
	err := c.call(ctx, EndpointConfirmUpload, &models.FileURLRequest{URL: fileURL, BucketName: bucketName}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteFile removes an uploaded file.
func (c *Client) DeleteFile(ctx context.Context, bucketName, fileURL string) (*models.SuccessResponse, error) {
	var res models.SuccessResponse
	err := c.call(ctx, EndpointDeleteFile, &models.FileURLRequest{URL: fileURL, BucketName: bucketName}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProxyFileURL returns the same-origin passthrough URL for fileURL:
// {origin}{apiPath}/proxy-file?url=<fileURL>.
func (c *Client) ProxyFileURL(fileURL string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + c.apiPath + "/" + EndpointProxyFile + "?" + url.Values{"url": {fileURL}}.Encode()
	}
	u.Path = c.apiPath + "/" + EndpointProxyFile
	u.RawPath = ""
	u.RawQuery = url.Values{"url": {fileURL}}.Encode()
	u.Fragment = ""
	return u.String()
}

// ResolveURL returns the URL a caller should use to fetch an uploaded asset.
// Protected assets are cookie-gated and cannot be read cross-site from a
// development origin, so in development they are routed through proxy-file.
// Public assets and every URL in production are returned unchanged.
func (c *Client) ResolveURL(fileURL string) string {
	return ResolveURL(fileURL, c.development, c.ProxyFileURL)
}

// ResolveURL applies the development rewrite with an explicit proxy builder.
func ResolveURL(fileURL string, development bool, proxy func(string) string) string {
	if !development || strings.Contains(fileURL, constants.PublicPathMarker) {
		return fileURL
	}
	return proxy(fileURL)
}
