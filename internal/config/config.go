// Package config loads the resilient client configuration: the endpoint
// catalogue, the retry/cache/dedup policy and the sidecar server settings.
// Files are YAML with ${ENV} substitution.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Backend        BackendConfig        `yaml:"backend" json:"backend"`
	Storage        StorageConfig        `yaml:"storage" json:"storage"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Dedup          DedupConfig          `yaml:"dedup" json:"dedup"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Endpoints      []EndpointConfig     `yaml:"endpoints" json:"endpoints"`

	// Warnings holds non-fatal issues found while loading.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds sidecar HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// MetricsConfig holds Prometheus endpoint settings. Enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LoggingConfig holds log level and output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // debug, info, warn, error; default: info
	Output     string `yaml:"output" json:"output"`             // stdout, stderr, or file path; default: stdout
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // default: 30
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AuthConfig holds JWT settings for callers of the sidecar.
type AuthConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	JWTSecret   string   `yaml:"jwt_secret" json:"-"`
	Issuer      string   `yaml:"issuer" json:"issuer"`
	Audience    string   `yaml:"audience" json:"audience"`
	Scopes      []string `yaml:"scopes" json:"scopes"`
	// VerbScopes additionally requires call:read for GET calls and
	// call:write for mutations.
	VerbScopes  bool     `yaml:"verb_scopes" json:"verb_scopes"`
	PublicPaths []string `yaml:"public_paths" json:"public_paths"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// BackendConfig describes how remote operations are reached.
type BackendConfig struct {
	BaseURL          string             `yaml:"base_url" json:"base_url"`
	AttemptTimeout   time.Duration      `yaml:"attempt_timeout" json:"attempt_timeout"`
	MaxResponseBytes int64              `yaml:"max_response_bytes" json:"max_response_bytes"`
	MaxIdleConns     int                `yaml:"max_idle_conns" json:"max_idle_conns"`
	IdleTimeout      time.Duration      `yaml:"idle_timeout" json:"idle_timeout"`
	ServiceToken     ServiceTokenConfig `yaml:"service_token" json:"service_token"`
	TLS              ClientTLSConfig    `yaml:"tls" json:"tls"`
}

// ServiceTokenConfig configures the bearer token minted for backend calls.
// Signing is disabled when Secret is empty.
type ServiceTokenConfig struct {
	Secret   string        `yaml:"secret" json:"-"`
	Issuer   string        `yaml:"issuer" json:"issuer"`
	Audience string        `yaml:"audience" json:"audience"`
	Subject  string        `yaml:"subject" json:"subject"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// ClientTLSConfig configures mutual TLS towards the backend.
type ClientTLSConfig struct {
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	ServerName string `yaml:"server_name" json:"server_name"`
}

// Enabled reports whether a client certificate is configured.
func (t ClientTLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// StorageConfig selects the durable store behind the cache.
type StorageConfig struct {
	Driver    string      `yaml:"driver" json:"driver"` // memory, file, redis; default: memory
	Dir       string      `yaml:"dir" json:"dir"`
	KeyPrefix string      `yaml:"key_prefix" json:"key_prefix"`
	Redis     RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds go-redis connection settings.
type RedisConfig struct {
	Addrs    []string      `yaml:"addrs" json:"addrs"`
	Password string        `yaml:"password" json:"-"`
	DB       int           `yaml:"db" json:"db"`
	Expiry   time.Duration `yaml:"expiry" json:"expiry"`
}

// CacheConfig holds cache policy.
type CacheConfig struct {
	DefaultTTL     time.Duration `yaml:"default_ttl" json:"default_ttl"`
	StaleRetention time.Duration `yaml:"stale_retention" json:"stale_retention"` // 0 keeps stale entries forever
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval"`   // 0 disables the sweeper
}

// RetryConfig holds the retry policy.
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
}

// Retries returns the configured retry count (defaults to 3).
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 3
	}
	return *r.MaxRetries
}

// DedupConfig holds call coalescing settings.
type DedupConfig struct {
	Coalesce       *bool         `yaml:"coalesce" json:"coalesce"`
	DebounceWindow time.Duration `yaml:"debounce_window" json:"debounce_window"`
}

// CoalesceEnabled returns whether coalescing is on (defaults to true).
func (d DedupConfig) CoalesceEnabled() bool {
	return d.Coalesce == nil || *d.Coalesce
}

// RateLimitConfig holds outbound token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// CircuitBreakerConfig holds breaker settings applied to every operation.
type CircuitBreakerConfig struct {
	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent"`
}

// EndpointConfig is one row of the logical endpoint catalogue.
type EndpointConfig struct {
	Name         string           `yaml:"name" json:"name"`
	Verb         string           `yaml:"verb" json:"verb,omitempty"`
	Operation    string           `yaml:"operation" json:"operation"`
	TTL          time.Duration    `yaml:"ttl" json:"ttl,omitempty"`
	Cacheable    *bool            `yaml:"cacheable" json:"cacheable,omitempty"`
	Invalidates  []string         `yaml:"invalidates" json:"invalidates,omitempty"`
	Fallback     any              `yaml:"fallback" json:"fallback,omitempty"`
	RateOverride *RateLimitConfig `yaml:"rate_override" json:"rate_override,omitempty"`
}

// FallbackJSON returns the configured fallback payload as JSON.
func (e EndpointConfig) FallbackJSON() (json.RawMessage, bool, error) {
	if e.Fallback == nil {
		return nil, false, nil
	}
	b, err := json.Marshal(e.Fallback)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value. Unset variables
// are left as-is and reported by collectWarnings.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// Load reads, expands, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Long enough for a full retry sequence with default backoff.
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	b := &cfg.Backend
	if b.AttemptTimeout == 0 {
		b.AttemptTimeout = 10 * time.Second
	}
	if b.MaxResponseBytes == 0 {
		b.MaxResponseBytes = 10 << 20
	}
	if b.MaxIdleConns == 0 {
		b.MaxIdleConns = 64
	}
	if b.IdleTimeout == 0 {
		b.IdleTimeout = 90 * time.Second
	}
	if b.ServiceToken.TTL == 0 {
		b.ServiceToken.TTL = 5 * time.Minute
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = "cache:"
	}

	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 5 * time.Minute
	}

	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}

	if cfg.Dedup.DebounceWindow == 0 {
		cfg.Dedup.DebounceWindow = 300 * time.Millisecond
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	cb := &cfg.CircuitBreaker
	if cb.WindowSize == 0 {
		cb.WindowSize = 10
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 0.5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = 2
	}

	for i := range cfg.Endpoints {
		cfg.Endpoints[i].Verb = strings.ToUpper(strings.TrimSpace(cfg.Endpoints[i].Verb))
	}
}

var validVerbs = map[string]bool{
	"":                 true,
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if err := validateBackend(cfg.Backend); err != nil {
		return err
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}

	if cfg.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if cfg.Cache.StaleRetention < 0 {
		return fmt.Errorf("cache.stale_retention must be non-negative")
	}
	if cfg.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache.sweep_interval must be non-negative")
	}

	r := cfg.Retry
	if r.Retries() < 0 || r.Retries() > 10 {
		return fmt.Errorf("retry.max_retries must be between 0 and 10, got %d", r.Retries())
	}
	if r.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("retry.max_delay must not be less than retry.base_delay")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}

	if cfg.Dedup.DebounceWindow < 0 {
		return fmt.Errorf("dedup.debounce_window must be non-negative")
	}

	if err := validateRate("rate_limit", cfg.RateLimit); err != nil {
		return err
	}

	cb := cfg.CircuitBreaker
	if cb.WindowSize < 1 {
		return fmt.Errorf("circuit_breaker.window_size must be positive")
	}
	if cb.FailureThreshold <= 0 || cb.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be between 0 (exclusive) and 1 (inclusive)")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.HalfOpenMax < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max must be positive")
	}
	if cb.SlowThreshold < 0 {
		return fmt.Errorf("circuit_breaker.slow_threshold must be non-negative")
	}
	if cb.MaxConcurrent < 0 {
		return fmt.Errorf("circuit_breaker.max_concurrent must be non-negative")
	}

	return validateEndpoints(cfg.Endpoints)
}

func validateBackend(b BackendConfig) error {
	if b.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.base_url: host is required")
	}
	if b.AttemptTimeout < 0 {
		return fmt.Errorf("backend.attempt_timeout must be positive")
	}
	if b.MaxResponseBytes < 0 {
		return fmt.Errorf("backend.max_response_bytes must be positive")
	}
	if (b.TLS.CertFile == "") != (b.TLS.KeyFile == "") {
		return fmt.Errorf("backend.tls.cert_file and backend.tls.key_file must be set together")
	}
	if b.TLS.Enabled() && u.Scheme != "https" {
		return fmt.Errorf("backend.tls requires an https base_url")
	}
	if b.ServiceToken.TTL < 0 {
		return fmt.Errorf("backend.service_token.ttl must be positive")
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch s.Driver {
	case "memory":
	case "file":
		if s.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file driver")
		}
	case "redis":
		if len(s.Redis.Addrs) == 0 {
			return fmt.Errorf("storage.redis.addrs is required for the redis driver")
		}
		if s.Redis.Expiry < 0 {
			return fmt.Errorf("storage.redis.expiry must be non-negative")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, file, redis; got %q", s.Driver)
	}
	return nil
}

func validateRate(field string, r RateLimitConfig) error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be positive", field)
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("%s.burst_size must be positive", field)
	}
	return nil
}

func validateEndpoints(endpoints []EndpointConfig) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("at least one endpoint must be configured")
	}

	seen := make(map[string]bool)
	for i, e := range endpoints {
		name := strings.Trim(strings.TrimSpace(e.Name), "/")
		if name == "" {
			return fmt.Errorf("endpoints[%d].name is required", i)
		}
		if strings.TrimSpace(e.Operation) == "" {
			return fmt.Errorf("endpoints[%d].operation is required", i)
		}
		if !validVerbs[e.Verb] {
			return fmt.Errorf("endpoints[%d].verb must be one of GET, POST, PUT, PATCH, DELETE; got %q", i, e.Verb)
		}
		if e.TTL < 0 {
			return fmt.Errorf("endpoints[%d].ttl must be non-negative", i)
		}
		key := strings.ReplaceAll(name, "/", ".") + " " + e.Verb
		if seen[key] {
			return fmt.Errorf("duplicate endpoint: %s %s", e.Verb, e.Name)
		}
		seen[key] = true

		if _, _, err := e.FallbackJSON(); err != nil {
			return fmt.Errorf("endpoints[%d].fallback: %w", i, err)
		}
		if e.RateOverride != nil {
			if err := validateRate(fmt.Sprintf("endpoints[%d].rate_override", i), *e.RateOverride); err != nil {
				return err
			}
		}
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if strings.Contains(cfg.Backend.ServiceToken.Secret, "${") {
		warnings = append(warnings, "backend.service_token.secret contains unresolved environment variable")
	}
	if cfg.Storage.Driver == "memory" {
		warnings = append(warnings, "storage.driver is memory: cached responses will not survive a restart")
	}
	if worst := worstCaseCall(cfg); cfg.Server.WriteTimeout > 0 && worst > cfg.Server.WriteTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"server.write_timeout (%s) is shorter than the worst-case retry sequence (%s)",
			cfg.Server.WriteTimeout, worst))
	}
	return warnings
}

// worstCaseCall is the longest a call can take when every attempt times
// out: each attempt's timeout plus the capped backoff between them.
func worstCaseCall(cfg *Config) time.Duration {
	retries := cfg.Retry.Retries()
	total := time.Duration(retries+1) * cfg.Backend.AttemptTimeout
	delay := cfg.Retry.BaseDelay
	for i := 0; i < retries; i++ {
		total += min(delay, cfg.Retry.MaxDelay)
		delay *= 2
	}
	return total
}
