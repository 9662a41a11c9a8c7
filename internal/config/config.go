// Package config provides configuration management for the edge store client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/edgestore-int/internal/constants"
)

// Config holds everything the client needs to reach the edge store service.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\edgestore\config
//   - Unix: ~/.config/edgestore/config
//
// INI format:
//
//	[edgestore]
//	base_url = https://app.example.com
//	api_path = /api/edgestore
//	environment = production
//	max_concurrent_uploads = 5
//	buckets = publicFiles, documents, avatars
//	api_retries = 0
//	requests_per_second = 0
//	log_level = info
//
//	[edgestore.multipart]
//	max_parallel_parts = 5
//	max_part_retries = 10
//	part_retry_delay = 5s
//
//	[proxy]
//	mode = no-proxy
//	host = proxy.corp
//	port = 8080
//	user = alice
//	no_proxy = localhost,.internal
type Config struct {
	// BaseURL is the origin of the application serving the edge store handler
	BaseURL string
	// APIPath is prefixed to every service endpoint
	APIPath string
	// Environment is "production" or "development"
	Environment string

	// MaxConcurrentUploads bounds whole-file uploads per uploader
	MaxConcurrentUploads int

	// Buckets is the static bucket schema
	Buckets []string

	// APIRetries is the number of transport-level retries for control-plane
	// requests. 0 means a failed request-upload, finalize, confirm or delete
	// is reported immediately.
	APIRetries int

	// RequestsPerSecond limits control-plane requests. 0 means unlimited.
	RequestsPerSecond float64

	LogLevel string

	Multipart MultipartConfig

	// Proxy settings
	ProxyMode     string // no-proxy, system, basic, ntlm
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string
	ProxyWarmup   bool
}

// MultipartConfig tunes the part scheduler.
type MultipartConfig struct {
	MaxParallelParts int
	MaxPartRetries   int
	PartRetryDelay   time.Duration
}

// Validation errors
var (
	ErrMissingBaseURL       = errors.New("base_url is required")
	ErrInvalidBaseURL       = errors.New("base_url must start with http:// or https://")
	ErrInvalidAPIPath       = errors.New("api_path must start with /")
	ErrInvalidEnvironment   = errors.New("environment must be production or development")
	ErrInvalidMaxConcurrent = errors.New("max_concurrent_uploads must be at least 1")
	ErrInvalidParallelParts = errors.New("max_parallel_parts must be at least 1")
	ErrInvalidPartRetries   = errors.New("max_part_retries must not be negative")
	ErrInvalidRetryDelay    = errors.New("part_retry_delay must not be negative")
	ErrInvalidAPIRetries    = errors.New("api_retries must not be negative")
	ErrInvalidProxyMode     = errors.New("proxy mode must be no-proxy, system, basic or ntlm")
)

// Environment variable overrides
const (
	EnvBaseURL     = "EDGESTORE_BASE_URL"
	EnvEnvironment = "EDGESTORE_ENV"
)

// DefaultConfigPath returns the default path for the config file.
// - Windows: %USERPROFILE%\.config\edgestore\config
// - Unix: ~/.config/edgestore/config
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", constants.ConfigDirName)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", constants.ConfigDirName)
	}

	return filepath.Join(configDir, constants.ConfigFileName), nil
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		APIPath:              constants.DefaultAPIPath,
		Environment:          constants.EnvironmentProduction,
		MaxConcurrentUploads: constants.DefaultMaxConcurrentUploads,
		LogLevel:             "info",
		Multipart: MultipartConfig{
			MaxParallelParts: constants.DefaultMaxParallelParts,
			MaxPartRetries:   constants.DefaultMaxPartRetries,
			PartRetryDelay:   constants.DefaultPartRetryDelay,
		},
		ProxyMode: "no-proxy",
	}
}

// Load loads configuration from an INI file and applies environment overrides.
// If the file doesn't exist, returns defaults (plus overrides) and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			cfg.ApplyEnv()
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.ApplyEnv()
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Parse [edgestore] section
	es := iniFile.Section("edgestore")
	cfg.BaseURL = es.Key("base_url").String()
	cfg.APIPath = es.Key("api_path").MustString(cfg.APIPath)
	cfg.Environment = es.Key("environment").MustString(cfg.Environment)
	cfg.MaxConcurrentUploads = es.Key("max_concurrent_uploads").MustInt(cfg.MaxConcurrentUploads)
	cfg.Buckets = ParseBuckets(es.Key("buckets").String())
	cfg.APIRetries = es.Key("api_retries").MustInt(0)
	cfg.RequestsPerSecond = es.Key("requests_per_second").MustFloat64(0)
	cfg.LogLevel = es.Key("log_level").MustString(cfg.LogLevel)

	// Parse [edgestore.multipart] section
	mp := iniFile.Section("edgestore.multipart")
	cfg.Multipart.MaxParallelParts = mp.Key("max_parallel_parts").MustInt(cfg.Multipart.MaxParallelParts)
	cfg.Multipart.MaxPartRetries = mp.Key("max_part_retries").MustInt(cfg.Multipart.MaxPartRetries)
	cfg.Multipart.PartRetryDelay = mp.Key("part_retry_delay").MustDuration(cfg.Multipart.PartRetryDelay)

	// Parse [proxy] section
	px := iniFile.Section("proxy")
	cfg.ProxyMode = px.Key("mode").MustString(cfg.ProxyMode)
	cfg.ProxyHost = px.Key("host").String()
	cfg.ProxyPort = px.Key("port").MustInt(0)
	cfg.ProxyUser = px.Key("user").String()
	cfg.ProxyPassword = px.Key("password").String()
	cfg.NoProxy = px.Key("no_proxy").String()
	cfg.ProxyWarmup = px.Key("warmup").MustBool(false)

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides the base URL and environment from the process environment.
func (cfg *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		cfg.Environment = v
	}
}

// Save saves configuration to an INI file.
// Creates parent directories if they don't exist.
// The proxy password is never written.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	es, err := iniFile.NewSection("edgestore")
	if err != nil {
		return fmt.Errorf("failed to create edgestore section: %w", err)
	}
	es.Key("base_url").SetValue(cfg.BaseURL)
	es.Key("api_path").SetValue(cfg.APIPath)
	es.Key("environment").SetValue(cfg.Environment)
	es.Key("max_concurrent_uploads").SetValue(strconv.Itoa(cfg.MaxConcurrentUploads))
	es.Key("buckets").SetValue(strings.Join(cfg.Buckets, ", "))
	es.Key("api_retries").SetValue(strconv.Itoa(cfg.APIRetries))
	es.Key("requests_per_second").SetValue(strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64))
	es.Key("log_level").SetValue(cfg.LogLevel)

	mp, err := iniFile.NewSection("edgestore.multipart")
	if err != nil {
		return fmt.Errorf("failed to create multipart section: %w", err)
	}
	mp.Key("max_parallel_parts").SetValue(strconv.Itoa(cfg.Multipart.MaxParallelParts))
	mp.Key("max_part_retries").SetValue(strconv.Itoa(cfg.Multipart.MaxPartRetries))
	mp.Key("part_retry_delay").SetValue(cfg.Multipart.PartRetryDelay.String())

	px, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	px.Key("mode").SetValue(cfg.ProxyMode)
	px.Key("host").SetValue(cfg.ProxyHost)
	px.Key("port").SetValue(strconv.Itoa(cfg.ProxyPort))
	px.Key("user").SetValue(cfg.ProxyUser)
	px.Key("no_proxy").SetValue(cfg.NoProxy)
	px.Key("warmup").SetValue(strconv.FormatBool(cfg.ProxyWarmup))

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is usable.
// Returns nil if valid, or one of the Err* sentinels.
func (cfg *Config) Validate() error {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return ErrMissingBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return ErrInvalidBaseURL
	}
	if !strings.HasPrefix(cfg.APIPath, "/") {
		return ErrInvalidAPIPath
	}
	switch cfg.Environment {
	case constants.EnvironmentProduction, constants.EnvironmentDevelopment:
	default:
		return ErrInvalidEnvironment
	}
	if cfg.MaxConcurrentUploads < 1 {
		return ErrInvalidMaxConcurrent
	}
	if cfg.Multipart.MaxParallelParts < 1 {
		return ErrInvalidParallelParts
	}
	if cfg.Multipart.MaxPartRetries < 0 {
		return ErrInvalidPartRetries
	}
	if cfg.Multipart.PartRetryDelay < 0 {
		return ErrInvalidRetryDelay
	}
	if cfg.APIRetries < 0 {
		return ErrInvalidAPIRetries
	}
	switch strings.ToLower(cfg.ProxyMode) {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return ErrInvalidProxyMode
	}
	return nil
}

// IsDevelopment reports whether asset URLs should be routed through the proxy-file endpoint.
func (cfg *Config) IsDevelopment() bool {
	return cfg.Environment == constants.EnvironmentDevelopment
}

// HasBucket reports whether name is part of the configured bucket schema.
func (cfg *Config) HasBucket(name string) bool {
	for _, b := range cfg.Buckets {
		if b == name {
			return true
		}
	}
	return false
}

// ParseBuckets splits a comma-separated bucket list, dropping blanks and duplicates.
func ParseBuckets(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// String renders the effective configuration with the proxy password masked.
func (cfg *Config) String() string {
	password := ""
	if cfg.ProxyPassword != "" {
		password = "********"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "base_url               = %s\n", cfg.BaseURL)
	fmt.Fprintf(&b, "api_path               = %s\n", cfg.APIPath)
	fmt.Fprintf(&b, "environment            = %s\n", cfg.Environment)
	fmt.Fprintf(&b, "max_concurrent_uploads = %d\n", cfg.MaxConcurrentUploads)
	fmt.Fprintf(&b, "buckets                = %s\n", strings.Join(cfg.Buckets, ", "))
	fmt.Fprintf(&b, "api_retries            = %d\n", cfg.APIRetries)
	fmt.Fprintf(&b, "requests_per_second    = %g\n", cfg.RequestsPerSecond)
	fmt.Fprintf(&b, "log_level              = %s\n", cfg.LogLevel)
	fmt.Fprintf(&b, "max_parallel_parts     = %d\n", cfg.Multipart.MaxParallelParts)
	fmt.Fprintf(&b, "max_part_retries       = %d\n", cfg.Multipart.MaxPartRetries)
	fmt.Fprintf(&b, "part_retry_delay       = %s\n", cfg.Multipart.PartRetryDelay)
	fmt.Fprintf(&b, "proxy.mode             = %s\n", cfg.ProxyMode)
	fmt.Fprintf(&b, "proxy.host             = %s\n", cfg.ProxyHost)
	fmt.Fprintf(&b, "proxy.port             = %d\n", cfg.ProxyPort)
	fmt.Fprintf(&b, "proxy.user             = %s\n", cfg.ProxyUser)
	fmt.Fprintf(&b, "proxy.password         = %s\n", password)
	fmt.Fprintf(&b, "proxy.no_proxy         = %s\n", cfg.NoProxy)
	return b.String()
}
