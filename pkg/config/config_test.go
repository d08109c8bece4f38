package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.envValue)
			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{"returns true for 'true'", false, "true", true},
		{"returns true for '1'", false, "1", true},
		{"returns false for 'false'", true, "false", false},
		{"returns false for garbage", true, "yes please", false},
		{"returns default when not set", true, "", true},
		{"returns true for 'TRUE' (case insensitive)", false, "TRUE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.envValue)
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers covers the int, float and duration helpers
func TestGetEnvNumbers(t *testing.T) {
	t.Run("int", func(t *testing.T) {
		t.Setenv("TEST_INT", "42")
		assert.Equal(t, 42, getEnvInt("TEST_INT", 7))
		t.Setenv("TEST_INT", "forty-two")
		assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
		t.Setenv("TEST_INT", "")
		assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
	})

	t.Run("float", func(t *testing.T) {
		t.Setenv("TEST_FLOAT", "0.25")
		assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))
		t.Setenv("TEST_FLOAT", "quarter")
		assert.Equal(t, 1.0, getEnvFloat("TEST_FLOAT", 1))
	})

	t.Run("duration", func(t *testing.T) {
		t.Setenv("TEST_DURATION", "90s")
		assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))
		t.Setenv("TEST_DURATION", "90")
		assert.Equal(t, time.Minute, getEnvDuration("TEST_DURATION", time.Minute))
	})
}

func TestGetEnvList(t *testing.T) {
	def := []string{"org.owner", "org.admin"}

	tests := []struct {
		name  string
		set   bool
		value string
		want  []string
	}{
		{name: "unset uses default", want: def},
		{name: "trims entries", set: true, value: " org.owner , org.steward", want: []string{"org.owner", "org.steward"}},
		{name: "blank disables", set: true, value: "  ", want: []string{}},
		{name: "keeps blank entries for validation", set: true, value: "org.owner,,", want: []string{"org.owner", "", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv("TEST_LIST", tt.value)
			}
			got := getEnvList("TEST_LIST", def)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("default is copied", func(t *testing.T) {
		got := getEnvList("TEST_LIST_UNSET", def)
		got[0] = "changed"
		assert.Equal(t, "org.owner", def[0])
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, middleware.DefaultActorHeader, cfg.Server.ActorHeader)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, []string{"org.owner", "org.admin"}, cfg.Policy.OrgAdminRoles)
	assert.Equal(t, time.Hour, cfg.Impersonation.DefaultTTL)
	assert.Equal(t, 8*time.Hour, cfg.Impersonation.MaxTTL)
	assert.Equal(t, impersonation.DefaultSweepSchedule, cfg.Impersonation.SweepSchedule)
	assert.Equal(t, audit.DefaultSpoolKey, cfg.Audit.SpoolKey)
	assert.Equal(t, audit.DefaultDrainInterval, cfg.Audit.DrainInterval)
	assert.False(t, cfg.Audit.ArchiveEnabled())
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	env := map[string]string{
		"GATEKEEPER_PORT":                         "8443",
		"GATEKEEPER_HEALTH_PORT":                  "8444",
		"GATEKEEPER_ACTOR_HEADER":                 "X-Authenticated-User",
		"GATEKEEPER_STORAGE_TYPE":                 "Postgres",
		"GATEKEEPER_POSTGRES_URL":                 "postgres://gk@db/gatekeeper?sslmode=disable",
		"GATEKEEPER_POSTGRES_REPLICA_URLS":        "postgres://r1/gatekeeper,postgres://r2/gatekeeper",
		"GATEKEEPER_POSTGRES_MAX_CONNS":           "40",
		"GATEKEEPER_REDIS_URL":                    "redis://cache:6379/2",
		"GATEKEEPER_CATALOG_CACHE_TTL":            "1m",
		"GATEKEEPER_POLICY_FILE":                  "/etc/gatekeeper/policy.yaml",
		"GATEKEEPER_IMPERSONATION_DEFAULT_TTL":    "15m",
		"GATEKEEPER_IMPERSONATION_MAX_TTL":        "2h",
		"GATEKEEPER_IMPERSONATION_SWEEP_SCHEDULE": "*/5 * * * *",
		"GATEKEEPER_AUDIT_ARCHIVE_BUCKET":         "compliance",
		"GATEKEEPER_S3_USE_PATH_STYLE":            "true",
		"GATEKEEPER_RATE_LIMIT_DISTRIBUTED":       "1",
		"GATEKEEPER_LOG_LEVEL":                    "DEBUG",
		"GATEKEEPER_LOG_FORMAT":                   "text",
		"GATEKEEPER_OTEL_ENABLED":                 "true",
		"GATEKEEPER_OTEL_SAMPLE_RATIO":            "0.1",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "X-Authenticated-User", cfg.Server.ActorHeader)
	assert.Equal(t, StoragePostgres, cfg.Storage.Type)
	assert.Equal(t, 40, cfg.Storage.PostgresMaxConns)
	assert.Len(t, strings.Split(cfg.Storage.PostgresReplicaURLs, ","), 2)
	assert.Equal(t, time.Minute, cfg.Catalog.CacheTTL)
	assert.Equal(t, "/etc/gatekeeper/policy.yaml", cfg.Policy.File)
	assert.Equal(t, 15*time.Minute, cfg.Impersonation.DefaultTTL)
	assert.True(t, cfg.Audit.ArchiveEnabled())
	assert.True(t, cfg.Audit.S3PathStyle)
	assert.True(t, cfg.RateLimit.Distributed)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, 0.1, cfg.Observability.OTelSampleRatio)

	limits := cfg.RateLimit.Limits()
	assert.Equal(t, cfg.RateLimit.RequestsPerWindow, limits.RequestsPerWindow)
	assert.Equal(t, cfg.RateLimit.WindowDuration, limits.WindowDuration)
}

func validConfig() *Config {
	return &Config{
		Server:  loadServerConfig(),
		Storage: StorageConfig{Type: StoragePostgres, PostgresURL: "postgres://db/gk", RedisURL: "redis://cache:6379", PostgresMaxConns: 10, PostgresMinConns: 2},
		Catalog: CatalogConfig{CacheSize: 8, CacheTTL: time.Minute},
		Policy:  PolicyConfig{OrgAdminRoles: []string{"org.owner"}},
		Impersonation: ImpersonationConfig{
			DefaultTTL: time.Hour, MaxTTL: 4 * time.Hour, SweepSchedule: "@every 30s",
		},
		Audit:         AuditConfig{DrainInterval: time.Second, S3Region: "us-east-1"},
		RateLimit:     RateLimitConfig{Enabled: true, RequestsPerWindow: 10, WindowDuration: time.Second},
		Observability: ObservabilityConfig{LogLevel: "info", LogFormat: "json"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port"},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = c.Server.Port }, wantErr: "must be different"},
		{name: "blank actor header", mutate: func(c *Config) { c.Server.ActorHeader = " " }, wantErr: "actor header"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "filesystem" }, wantErr: "invalid storage type"},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.PostgresURL = "" }, wantErr: "postgres URL"},
		{name: "postgres without redis", mutate: func(c *Config) { c.Storage.RedisURL = "" }, wantErr: "redis URL"},
		{name: "pool bounds", mutate: func(c *Config) { c.Storage.PostgresMinConns = 50 }, wantErr: "min conns"},
		{
			name: "distributed limits need redis",
			mutate: func(c *Config) {
				c.Storage = StorageConfig{Type: StorageMemory}
				c.RateLimit.Distributed = true
			},
			wantErr: "distributed rate limiting",
		},
		{name: "cache size", mutate: func(c *Config) { c.Catalog.CacheSize = 0 }, wantErr: "cache size"},
		{name: "blank admin role", mutate: func(c *Config) { c.Policy.OrgAdminRoles = []string{"org.owner", ""} }, wantErr: "blank"},
		{
			name: "policy file takes over admin roles",
			mutate: func(c *Config) {
				c.Policy.File = "/etc/policy.yaml"
				c.Policy.OrgAdminRoles = []string{""}
			},
		},
		{name: "empty admin roles", mutate: func(c *Config) { c.Policy.OrgAdminRoles = []string{} }},
		{name: "zero ttl", mutate: func(c *Config) { c.Impersonation.DefaultTTL = 0 }, wantErr: "must be positive"},
		{name: "default over max", mutate: func(c *Config) { c.Impersonation.DefaultTTL = 5 * time.Hour }, wantErr: "exceeds max TTL"},
		{name: "bad schedule", mutate: func(c *Config) { c.Impersonation.SweepSchedule = "every minute" }, wantErr: "sweep schedule"},
		{name: "drain interval", mutate: func(c *Config) { c.Audit.DrainInterval = 0 }, wantErr: "drain interval"},
		{
			name: "archive without region",
			mutate: func(c *Config) {
				c.Audit.ArchiveBucket = "compliance"
				c.Audit.S3Region = ""
			},
			wantErr: "S3 region",
		},
		{name: "rate limit window", mutate: func(c *Config) { c.RateLimit.WindowDuration = 0 }, wantErr: "rate limit"},
		{
			name: "disabled rate limit skips checks",
			mutate: func(c *Config) {
				c.RateLimit = RateLimitConfig{}
			},
		},
		{name: "log level", mutate: func(c *Config) { c.Observability.LogLevel = "chatty" }, wantErr: "log level"},
		{name: "log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }, wantErr: "log format"},
		{
			name: "otel endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "gatekeeper"
			},
			wantErr: "endpoint",
		},
		{
			name: "otel sample ratio",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = "collector:4317"
				c.Observability.OTelServiceName = "gatekeeper"
				c.Observability.OTelSampleRatio = 2
			},
			wantErr: "sample ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("GATEKEEPER_STORAGE_TYPE", "postgres")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
