package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Storage types
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Catalog       CatalogConfig
	Policy        PolicyConfig
	Impersonation ImpersonationConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// ActorHeader carries the authenticated user id set by the gateway
	ActorHeader string
}

// StorageConfig selects and configures the backing stores
type StorageConfig struct {
	Type string

	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// CatalogConfig controls snapshot caching and seeding
type CatalogConfig struct {
	CacheSize int
	CacheTTL  time.Duration

	// SeedFile is a YAML catalog applied by "seed"; empty means the built-in catalog
	SeedFile string
	// SeedOnStart applies the catalog when "serve" starts
	SeedOnStart bool
}

// PolicyConfig configures the org admin role set
type PolicyConfig struct {
	// File is watched and reloaded when set
	File string
	// OrgAdminRoles is used when File is empty
	OrgAdminRoles []string
}

// ImpersonationConfig bounds session lifetimes
type ImpersonationConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepSchedule string
}

// AuditConfig configures the decision record pipeline
type AuditConfig struct {
	SpoolKey      string
	DrainInterval time.Duration
	WriteTimeout  time.Duration

	ArchiveBucket  string
	ArchivePrefix  string
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3PathStyle    bool
	S3CreateBucket bool
}

// ArchiveEnabled reports whether a compliance archive bucket is configured
func (a AuditConfig) ArchiveEnabled() bool {
	return a.ArchiveBucket != ""
}

// RateLimitConfig limits administrative requests per actor
type RateLimitConfig struct {
	Enabled bool
	// Distributed keeps buckets in Redis so limits hold across replicas
	Distributed       bool
	RequestsPerWindow int
	WindowDuration    time.Duration
	BurstSize         int
	// FailOpen lets requests through when the limiter backend errors
	FailOpen bool
}

// Limits converts the settings for the middleware package
func (r RateLimitConfig) Limits() *middleware.RateLimitConfig {
	return &middleware.RateLimitConfig{
		RequestsPerWindow: r.RequestsPerWindow,
		WindowDuration:    r.WindowDuration,
		BurstSize:         r.BurstSize,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Catalog:       loadCatalogConfig(),
		Policy:        loadPolicyConfig(),
		Impersonation: loadImpersonationConfig(),
		Audit:         loadAuditConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEKEEPER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEKEEPER_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("GATEKEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEKEEPER_HEALTH_PORT", "9090"),
		ActorHeader:     getEnv("GATEKEEPER_ACTOR_HEADER", middleware.DefaultActorHeader),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:                strings.ToLower(getEnv("GATEKEEPER_STORAGE_TYPE", StorageMemory)),
		PostgresURL:         getEnv("GATEKEEPER_POSTGRES_URL", ""),
		PostgresReplicaURLs: getEnv("GATEKEEPER_POSTGRES_REPLICA_URLS", ""),
		PostgresMaxConns:    getEnvInt("GATEKEEPER_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:    getEnvInt("GATEKEEPER_POSTGRES_MIN_CONNS", 5),
		PostgresTimeout:     getEnvDuration("GATEKEEPER_POSTGRES_TIMEOUT", 5*time.Second),
		RedisURL:            getEnv("GATEKEEPER_REDIS_URL", ""),
		RedisPassword:       getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("GATEKEEPER_REDIS_DB", 0),
		RedisMaxRetries:     getEnvInt("GATEKEEPER_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:       getEnvInt("GATEKEEPER_REDIS_POOL_SIZE", 10),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		CacheSize:   getEnvInt("GATEKEEPER_CATALOG_CACHE_SIZE", 16),
		CacheTTL:    getEnvDuration("GATEKEEPER_CATALOG_CACHE_TTL", 10*time.Minute),
		SeedFile:    getEnv("GATEKEEPER_CATALOG_FILE", ""),
		SeedOnStart: getEnvBool("GATEKEEPER_CATALOG_SEED_ON_START", false),
	}
}

func loadPolicyConfig() PolicyConfig {
	return PolicyConfig{
		File:          getEnv("GATEKEEPER_POLICY_FILE", ""),
		OrgAdminRoles: getEnvList("GATEKEEPER_ORG_ADMIN_ROLES", rbac.DefaultAdminRoleKeys),
	}
}

func loadImpersonationConfig() ImpersonationConfig {
	return ImpersonationConfig{
		DefaultTTL:    getEnvDuration("GATEKEEPER_IMPERSONATION_DEFAULT_TTL", impersonation.DefaultTTL),
		MaxTTL:        getEnvDuration("GATEKEEPER_IMPERSONATION_MAX_TTL", impersonation.DefaultMaxTTL),
		SweepSchedule: getEnv("GATEKEEPER_IMPERSONATION_SWEEP_SCHEDULE", impersonation.DefaultSweepSchedule),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		SpoolKey:       getEnv("GATEKEEPER_AUDIT_SPOOL_KEY", audit.DefaultSpoolKey),
		DrainInterval:  getEnvDuration("GATEKEEPER_AUDIT_DRAIN_INTERVAL", audit.DefaultDrainInterval),
		WriteTimeout:   getEnvDuration("GATEKEEPER_AUDIT_WRITE_TIMEOUT", audit.DefaultWriteTimeout),
		ArchiveBucket:  getEnv("GATEKEEPER_AUDIT_ARCHIVE_BUCKET", ""),
		ArchivePrefix:  getEnv("GATEKEEPER_AUDIT_ARCHIVE_PREFIX", "gatekeeper"),
		S3Endpoint:     getEnv("GATEKEEPER_S3_ENDPOINT", ""),
		S3Region:       getEnv("GATEKEEPER_S3_REGION", "us-east-1"),
		S3AccessKey:    getEnv("GATEKEEPER_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("GATEKEEPER_S3_SECRET_KEY", ""),
		S3PathStyle:    getEnvBool("GATEKEEPER_S3_USE_PATH_STYLE", false),
		S3CreateBucket: getEnvBool("GATEKEEPER_S3_CREATE_BUCKET", false),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	def := middleware.DefaultRateLimitConfig()
	return RateLimitConfig{
		Enabled:           getEnvBool("GATEKEEPER_RATE_LIMIT_ENABLED", true),
		Distributed:       getEnvBool("GATEKEEPER_RATE_LIMIT_DISTRIBUTED", false),
		RequestsPerWindow: getEnvInt("GATEKEEPER_RATE_LIMIT_REQUESTS", def.RequestsPerWindow),
		WindowDuration:    getEnvDuration("GATEKEEPER_RATE_LIMIT_WINDOW", def.WindowDuration),
		BurstSize:         getEnvInt("GATEKEEPER_RATE_LIMIT_BURST", def.BurstSize),
		FailOpen:          getEnvBool("GATEKEEPER_RATE_LIMIT_FAIL_OPEN", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("GATEKEEPER_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("GATEKEEPER_LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEKEEPER_OTEL_SERVICE_NAME", "gatekeeper"),
		OTelServiceVersion: getEnv("GATEKEEPER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEKEEPER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("GATEKEEPER_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if strings.TrimSpace(c.Server.ActorHeader) == "" {
		return fmt.Errorf("actor header is required")
	}

	switch c.Storage.Type {
	case StorageMemory:
		if c.RateLimit.Enabled && c.RateLimit.Distributed {
			return fmt.Errorf("distributed rate limiting requires postgres storage with redis")
		}
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		// the spool is what keeps decisions available through a sink outage
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for postgres storage")
		}
		if c.Storage.PostgresMinConns > c.Storage.PostgresMaxConns {
			return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)",
				c.Storage.PostgresMinConns, c.Storage.PostgresMaxConns)
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Catalog.CacheSize <= 0 {
		return fmt.Errorf("catalog cache size must be positive")
	}
	if c.Policy.File == "" {
		for _, k := range c.Policy.OrgAdminRoles {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("org admin roles must not contain blank entries")
			}
		}
	}

	if c.Impersonation.DefaultTTL <= 0 || c.Impersonation.MaxTTL <= 0 {
		return fmt.Errorf("impersonation TTLs must be positive")
	}
	if c.Impersonation.DefaultTTL > c.Impersonation.MaxTTL {
		return fmt.Errorf("impersonation default TTL %s exceeds max TTL %s",
			c.Impersonation.DefaultTTL, c.Impersonation.MaxTTL)
	}
	if _, err := cron.ParseStandard(c.Impersonation.SweepSchedule); err != nil {
		return fmt.Errorf("invalid impersonation sweep schedule %q: %w", c.Impersonation.SweepSchedule, err)
	}

	if c.Audit.DrainInterval <= 0 {
		return fmt.Errorf("audit drain interval must be positive")
	}
	if c.Audit.ArchiveEnabled() && c.Audit.S3Region == "" {
		return fmt.Errorf("S3 region is required when the audit archive is enabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive")
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, trimming entries. An unset
// variable returns a copy of the default.
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return append([]string(nil), defaultValue...)
	}
	if strings.TrimSpace(value) == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
