package constants

import (
	"time"
)

// Application identity
const (
	// AppName is the binary and config directory name
	AppName = "edgestore-int"

	// ConfigDirName is the directory under ~/.config holding the config file
	ConfigDirName = "edgestore"

	// ConfigFileName is the INI file inside ConfigDirName
	ConfigFileName = "config"
)

// Service defaults
const (
	// DefaultAPIPath - base path of the edge store handler on the application server
	DefaultAPIPath = "/api/edgestore"

	// EnvironmentProduction and EnvironmentDevelopment select URL rewriting behavior
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"

	// PublicPathMarker - asset URLs containing this segment are publicly servable
	// and never routed through the development proxy
	PublicPathMarker = "/_public/"
)

// Upload concurrency
const (
	// DefaultMaxConcurrentUploads - whole-file uploads admitted at once per uploader
	DefaultMaxConcurrentUploads = 5

	// DefaultMaxParallelParts - multipart parts in flight at once per upload
	DefaultMaxParallelParts = 5

	// DefaultMaxPartRetries - additional attempts for a failed part
	DefaultMaxPartRetries = 10

	// DefaultPartRetryDelay - fixed pause before a part is retried
	DefaultPartRetryDelay = 5 * time.Second

	// TemporaryRetention - unconfirmed temporary uploads are deleted server-side after this
	TemporaryRetention = 24 * time.Hour
)

// Control-plane retry configuration (only used when api_retries > 0)
const (
	// RetryInitialDelay - initial delay before first retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between retries (15s)
	// Exponential backoff with jitter caps at this value
	RetryMaxDelay = 15 * time.Second
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// APIRequestTimeout - overall timeout for a control-plane request (60 seconds)
	// Transfers have no overall timeout; they run until done or cancelled.
	APIRequestTimeout = 60 * time.Second

	// ProxyWarmupTimeout - timeout for the optional proxy warmup request
	ProxyWarmupTimeout = 15 * time.Second
)
