// Package config loads runtime configuration from the environment and
// enforces the production safety gates: a core configured with development
// secrets or a weakened crypto profile refuses to start outside development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

// Environment names recognised in VORION_ENV.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// devJWTSecret is the documented development default. Production and staging
// refuse to start with it.
const devJWTSecret = "dev-secret-change-me"

// Config is the full runtime configuration.
type Config struct {
	Environment string
	Port        string
	LogLevel    string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTTTL    time.Duration

	EncryptionEnabled    bool
	EncryptionKey        string
	EncryptionSalt       string
	EncryptionIterations int
	KDFVersion           int

	SigningSeed string // hex Ed25519 seed, empty = ephemeral

	TenantID string

	TelemetryEndpoint string

	AuditRetentionDays    int
	AuditArchiveAfterDays int

	BreakerProfilePath string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present, without overriding real
// environment variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getenv("VORION_ENV", EnvDevelopment),
		Port:        getenv("PORT", "8090"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: getenv("DATABASE_URL",
			"postgres://vorion@localhost:5432/vorion?sslmode=disable"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),

		JWTSecret: getenv("JWT_SECRET", devJWTSecret),
		JWTTTL:    getduration("JWT_TTL", time.Hour),

		EncryptionEnabled:    getenv("ENCRYPTION_ENABLED", "true") == "true",
		EncryptionKey:        os.Getenv("ENCRYPTION_KEY"),
		EncryptionSalt:       os.Getenv("ENCRYPTION_SALT"),
		EncryptionIterations: getint("ENCRYPTION_ITERATIONS", 310_000),
		KDFVersion:           getint("ENCRYPTION_KDF_VERSION", 2),

		SigningSeed: os.Getenv("SIGNING_SEED"),

		TenantID: getenv("TENANT_ID", "default"),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AuditRetentionDays:    getint("AUDIT_RETENTION_DAYS", 365),
		AuditArchiveAfterDays: getint("AUDIT_ARCHIVE_AFTER_DAYS", 90),

		BreakerProfilePath: os.Getenv("BREAKER_PROFILE"),
	}
	return cfg
}

// Production reports whether the config targets production or staging, where
// the safety gates are mandatory.
func (c *Config) Production() bool {
	return c.Environment == EnvProduction || c.Environment == EnvStaging
}

// Validate enforces the startup safety gates. In development everything
// passes; in production and staging the documented refusals apply.
func (c *Config) Validate() error {
	if c.AuditArchiveAfterDays >= c.AuditRetentionDays {
		return apierror.Configuration(
			"audit archive-after (%d d) must be shorter than retention (%d d)",
			c.AuditArchiveAfterDays, c.AuditRetentionDays)
	}
	if !c.Production() {
		return nil
	}
	if c.JWTSecret == devJWTSecret {
		return apierror.Configuration("refusing to start in %s with the development JWT secret", c.Environment)
	}
	if c.KDFVersion < 2 {
		return apierror.Configuration("refusing to start in %s with legacy KDF version %d", c.Environment, c.KDFVersion)
	}
	if c.EncryptionEnabled && (c.EncryptionKey == "" || c.EncryptionSalt == "") {
		return apierror.Configuration("refusing to start in %s with at-rest encryption on but key or salt unset", c.Environment)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are read as seconds.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		return fallback
	}
	return d
}

// String renders the config with secrets redacted, for startup logging.
func (c *Config) String() string {
	redact := func(s string) string {
		if s == "" {
			return "<unset>"
		}
		return "<redacted>"
	}
	return fmt.Sprintf("env=%s port=%s db=%s redis=%s jwt=%s encryption=%t kdf=v%d",
		c.Environment, c.Port, redact(c.DatabaseURL), c.RedisAddr,
		redact(c.JWTSecret), c.EncryptionEnabled, c.KDFVersion)
}
