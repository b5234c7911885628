package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	AuthDevelopment = "development"
	AuthExternal    = "external"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	StoreDriver   string   `mapstructure:"STORE_DRIVER"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	HIPAAEncryptionKey   string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAPreviousKeys    []string `mapstructure:"HIPAA_PREVIOUS_KEYS"`
	ComplianceMode       bool     `mapstructure:"COMPLIANCE_MODE"`
	SensitiveAccessTypes []string `mapstructure:"SENSITIVE_ACCESS_TYPES"`

	RetentionDays     int `mapstructure:"AUDIT_RETENTION_DAYS"`
	ArchiveAfterDays  int `mapstructure:"AUDIT_ARCHIVE_AFTER_DAYS"`
	QueryDefaultLimit int `mapstructure:"QUERY_DEFAULT_LIMIT"`
	QueryMaxLimit     int `mapstructure:"QUERY_MAX_LIMIT"`

	EnlistInTransaction bool          `mapstructure:"AUDIT_ENLIST_TX"`
	FallbackFile        string        `mapstructure:"AUDIT_FALLBACK_FILE"`
	BreakerThreshold    int           `mapstructure:"BREAKER_THRESHOLD"`
	BreakerCooldown     time.Duration `mapstructure:"BREAKER_COOLDOWN"`

	RedisURL           string   `mapstructure:"REDIS_URL"`
	SpoolKey           string   `mapstructure:"SPOOL_KEY"`
	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaSecurityTopic string   `mapstructure:"KAFKA_SECURITY_TOPIC"`

	MetricsEnabled    bool    `mapstructure:"METRICS_ENABLED"`
	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`

	RetentionSweepSchedule string `mapstructure:"RETENTION_SWEEP_SCHEDULE"`
	ArchiveBucket          string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveEndpoint        string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveRegion          string `mapstructure:"ARCHIVE_REGION"`
	ArchiveAccessKeyID     string `mapstructure:"ARCHIVE_ACCESS_KEY_ID"`
	ArchiveSecretAccessKey string `mapstructure:"ARCHIVE_SECRET_ACCESS_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string  `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"STORE_DRIVER", "DEFAULT_TENANT", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "HIPAA_ENCRYPTION_KEY", "HIPAA_PREVIOUS_KEYS", "COMPLIANCE_MODE",
	"SENSITIVE_ACCESS_TYPES", "AUDIT_RETENTION_DAYS", "AUDIT_ARCHIVE_AFTER_DAYS",
	"QUERY_DEFAULT_LIMIT", "QUERY_MAX_LIMIT", "AUDIT_ENLIST_TX", "AUDIT_FALLBACK_FILE",
	"BREAKER_THRESHOLD", "BREAKER_COOLDOWN", "REDIS_URL", "SPOOL_KEY", "KAFKA_BROKERS",
	"KAFKA_SECURITY_TOPIC", "METRICS_ENABLED", "TRACING_ENABLED", "OTLP_ENDPOINT",
	"TRACING_SAMPLE_RATE", "RETENTION_SWEEP_SCHEDULE", "ARCHIVE_BUCKET",
	"ARCHIVE_ENDPOINT", "ARCHIVE_REGION", "ARCHIVE_ACCESS_KEY_ID",
	"ARCHIVE_SECRET_ACCESS_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("COMPLIANCE_MODE", true)
	v.SetDefault("SENSITIVE_ACCESS_TYPES", "view_medical_history,view_clinical_record,view_prescription,view_lab_results,view_imaging,export")
	v.SetDefault("AUDIT_RETENTION_DAYS", 2555)
	v.SetDefault("AUDIT_ARCHIVE_AFTER_DAYS", 1095)
	v.SetDefault("QUERY_DEFAULT_LIMIT", 50)
	v.SetDefault("QUERY_MAX_LIMIT", 500)
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "30s")
	v.SetDefault("SPOOL_KEY", "audit:spool")
	v.SetDefault("KAFKA_SECURITY_TOPIC", "audit.security-events")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
	v.SetDefault("RETENTION_SWEEP_SCHEDULE", "@daily")
	v.SetDefault("ARCHIVE_REGION", "us-east-1")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1MB")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated env values arrive as a single element.
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.HIPAAPreviousKeys = splitList(cfg.HIPAAPreviousKeys)
	cfg.SensitiveAccessTypes = splitList(cfg.SensitiveAccessTypes)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
	}

	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// WarnIfDev logs a banner when development auth is active.
func (c *Config) WarnIfDev(logger zerolog.Logger) {
	if c.ResolvedAuthMode() != AuthDevelopment {
		return
	}
	logger.Warn().
		Str("env", c.Env).
		Msg("development auth is active: every request is treated as an admin; set ENV=production and AUTH_ISSUER before exposing this server")
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments use development auth and everything else validates JWTs from
// AUTH_ISSUER.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthExternal
}

// ArchiveConfigured reports whether an archive bucket is set.
func (c *Config) ArchiveConfigured() bool {
	return c.ArchiveBucket != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	switch mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthExternal:
		if c.AuthIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER must be set when AUTH_MODE is %q (current ENV=%q); "+
					"refusing to start without authentication configuration", AuthExternal, c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthExternal, mode)
	}

	if c.StoreDriver != StoreMemory && c.StoreDriver != StorePostgres {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}
	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		if err := validateKey(c.HIPAAEncryptionKey); err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY %w", err)
		}
	} else if len(c.HIPAAPreviousKeys) > 0 {
		return fmt.Errorf("HIPAA_PREVIOUS_KEYS set without HIPAA_ENCRYPTION_KEY")
	}
	for _, k := range c.HIPAAPreviousKeys {
		if !strings.HasPrefix(k, "v") || !strings.Contains(k, ":") {
			return fmt.Errorf("HIPAA_PREVIOUS_KEYS entries must carry a v<N>: prefix")
		}
		if err := validateKey(k); err != nil {
			return fmt.Errorf("HIPAA_PREVIOUS_KEYS %w", err)
		}
	}

	if c.IsProduction() && !c.ComplianceMode {
		return fmt.Errorf("COMPLIANCE_MODE cannot be disabled in production")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	if c.ArchiveAfterDays < 0 || c.ArchiveAfterDays > c.RetentionDays {
		return fmt.Errorf("AUDIT_ARCHIVE_AFTER_DAYS must be between 0 and AUDIT_RETENTION_DAYS (%d), got %d",
			c.RetentionDays, c.ArchiveAfterDays)
	}
	if c.QueryMaxLimit <= 0 {
		return fmt.Errorf("QUERY_MAX_LIMIT must be positive, got %d", c.QueryMaxLimit)
	}
	if c.QueryDefaultLimit <= 0 || c.QueryDefaultLimit > c.QueryMaxLimit {
		return fmt.Errorf("QUERY_DEFAULT_LIMIT must be between 1 and QUERY_MAX_LIMIT (%d), got %d",
			c.QueryMaxLimit, c.QueryDefaultLimit)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive, got %d", c.BreakerThreshold)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive, got %s", c.BreakerCooldown)
	}

	for _, b := range c.KafkaBrokers {
		if !strings.Contains(b, ":") {
			return fmt.Errorf("KAFKA_BROKERS entry %q must be host:port", b)
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaSecurityTopic == "" {
		return fmt.Errorf("KAFKA_SECURITY_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1, got %v", c.TracingSampleRate)
	}

	if (c.ArchiveAccessKeyID == "") != (c.ArchiveSecretAccessKey == "") {
		return fmt.Errorf("ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY must be set together")
	}
	if !c.ArchiveConfigured() && (c.ArchiveEndpoint != "" || c.ArchiveAccessKeyID != "") {
		return fmt.Errorf("ARCHIVE_BUCKET is required when archive settings are given")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	return nil
}

// validateKey accepts 64 hex characters with an optional "v<N>:" prefix.
func validateKey(value string) error {
	hexKey := value
	if i := strings.IndexByte(value, ':'); i >= 0 {
		hexKey = value[i+1:]
	}
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return nil
}

// Hostname is used as the SIEM client id and the spool consumer name.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "audit-server"
	}
	return h
}
