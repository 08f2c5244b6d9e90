// Package config loads and validates client config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds client configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the base URL of the auth API serving /refresh, /session-cookie and /otp/*. Required.
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// IDPTokenURL is the identity provider's OAuth2 token endpoint. Empty disables the provider refresh path.
	IDPTokenURL string `mapstructure:"IDP_TOKEN_URL"`
	// IDPClientID is the OAuth2 client ID; required when IDPTokenURL is set.
	IDPClientID string `mapstructure:"IDP_CLIENT_ID"`
	// IDPClientSecret is the OAuth2 client secret; empty for public clients.
	IDPClientSecret string `mapstructure:"IDP_CLIENT_SECRET"`
	// JWTPublicKey is the PEM public key (or path to file) used to verify access tokens. Empty means decode only.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the expected iss claim; empty skips the check.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	// StorageDriver is memory, sqlite or postgres (default sqlite).
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	// StoragePath is the SQLite file used by the sqlite driver.
	StoragePath string `mapstructure:"STORAGE_PATH"`
	// DatabaseURL is the Postgres DSN used by the postgres driver.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// StorageNamespace scopes all keys so several apps can share one store.
	StorageNamespace string `mapstructure:"STORAGE_NAMESPACE"`

	// Session timings, as Go durations (e.g. "5m").
	SessionRefreshThreshold     string `mapstructure:"SESSION_REFRESH_THRESHOLD"`
	SessionExpiryBuffer         string `mapstructure:"SESSION_EXPIRY_BUFFER"`
	SessionInactivityTimeout    string `mapstructure:"SESSION_INACTIVITY_TIMEOUT"`
	SessionRefreshRetryInterval string `mapstructure:"SESSION_REFRESH_RETRY_INTERVAL"`
	SessionRefreshLockTTL       string `mapstructure:"SESSION_REFRESH_LOCK_TTL"`
	SessionLogoutRedirectDelay  string `mapstructure:"SESSION_LOGOUT_REDIRECT_DELAY"`

	// OTPResendCooldown is the client-side resend window (default 60s).
	OTPResendCooldown string `mapstructure:"OTP_RESEND_COOLDOWN"`
	// OTPMaxResends caps resends per registration attempt.
	OTPMaxResends int `mapstructure:"OTP_MAX_RESENDS"`
	// OTPSessionTTL is the session lifetime assumed when an OTP-issued token carries no exp claim.
	OTPSessionTTL string `mapstructure:"OTP_SESSION_TTL"`
	// RegistrationTTL is the age after which stored registration progress is read as a fresh start.
	RegistrationTTL string `mapstructure:"REGISTRATION_TTL"`
	// RegistrationCompleteGrace is the delay before completed registration state is removed.
	RegistrationCompleteGrace string `mapstructure:"REGISTRATION_COMPLETE_GRACE"`

	// HTTPTimeout bounds every auth API and identity provider call.
	HTTPTimeout string `mapstructure:"HTTP_TIMEOUT"`

	// Telemetry (optional). OTLP export is enabled when OTLPEndpoint is set.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables the producer.
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for session events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"API_BASE_URL":                   "",
	"IDP_TOKEN_URL":                  "",
	"IDP_CLIENT_ID":                  "",
	"IDP_CLIENT_SECRET":              "",
	"JWT_PUBLIC_KEY":                 "",
	"JWT_ISSUER":                     "",
	"STORAGE_DRIVER":                 StorageSQLite,
	"STORAGE_PATH":                   "session.db",
	"DATABASE_URL":                   "",
	"STORAGE_NAMESPACE":              "default",
	"SESSION_REFRESH_THRESHOLD":      "5m",
	"SESSION_EXPIRY_BUFFER":          "60s",
	"SESSION_INACTIVITY_TIMEOUT":     "30m",
	"SESSION_REFRESH_RETRY_INTERVAL": "60s",
	"SESSION_REFRESH_LOCK_TTL":       "15s",
	"SESSION_LOGOUT_REDIRECT_DELAY":  "2s",
	"OTP_RESEND_COOLDOWN":            "60s",
	"OTP_MAX_RESENDS":                3,
	"OTP_SESSION_TTL":                "1h",
	"REGISTRATION_TTL":               "30m",
	"REGISTRATION_COMPLETE_GRACE":    "5s",
	"HTTP_TIMEOUT":                   "15s",
	"OTEL_EXPORTER_OTLP_ENDPOINT":    "",
	"OTEL_EXPORTER_OTLP_INSECURE":    false,
	"OTEL_SERVICE_NAME":              "coreidpin-session",
	"KAFKA_BROKERS":                  "",
	"TELEMETRY_KAFKA_TOPIC":          "coreidpin-session-events",
	"APP_ENV":                        "",
	"LOG_LEVEL":                      "info",
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("config: API_BASE_URL must be set")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("config: API_BASE_URL must be an absolute http(s) URL")
	}
	if c.IDPTokenURL != "" && c.IDPClientID == "" {
		return errors.New("config: IDP_CLIENT_ID must be set when IDP_TOKEN_URL is set")
	}
	switch c.StorageDriver {
	case StorageMemory:
	case StorageSQLite:
		if c.StoragePath == "" {
			return errors.New("config: STORAGE_PATH must be set for the sqlite driver")
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres driver")
		}
	default:
		return errors.New("config: STORAGE_DRIVER must be memory, sqlite or postgres")
	}
	if c.StorageNamespace == "" {
		return errors.New("config: STORAGE_NAMESPACE must not be empty")
	}
	if c.OTPMaxResends < 0 {
		return errors.New("config: OTP_MAX_RESENDS must not be negative")
	}
	if c.ExpiryBuffer() >= c.RefreshThreshold() {
		return errors.New("config: SESSION_EXPIRY_BUFFER must be shorter than SESSION_REFRESH_THRESHOLD")
	}
	return nil
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// RefreshThreshold returns how long before expiry a refresh is due. Returns 5m if unset or invalid.
func (c *Config) RefreshThreshold() time.Duration {
	return durationOr(c.SessionRefreshThreshold, 5*time.Minute)
}

// ExpiryBuffer returns the margin before expiry at which a token counts as expired. Returns 60s if unset or invalid.
func (c *Config) ExpiryBuffer() time.Duration {
	return durationOr(c.SessionExpiryBuffer, time.Minute)
}

// InactivityTimeout returns 30m if unset or invalid.
func (c *Config) InactivityTimeout() time.Duration {
	return durationOr(c.SessionInactivityTimeout, 30*time.Minute)
}

// RefreshRetryInterval returns 60s if unset or invalid.
func (c *Config) RefreshRetryInterval() time.Duration {
	return durationOr(c.SessionRefreshRetryInterval, time.Minute)
}

// RefreshLockTTL returns 15s if unset or invalid.
func (c *Config) RefreshLockTTL() time.Duration {
	return durationOr(c.SessionRefreshLockTTL, 15*time.Second)
}

// LogoutRedirectDelay returns 2s if unset or invalid.
func (c *Config) LogoutRedirectDelay() time.Duration {
	return durationOr(c.SessionLogoutRedirectDelay, 2*time.Second)
}

// ResendCooldown returns 60s if unset or invalid.
func (c *Config) ResendCooldown() time.Duration {
	return durationOr(c.OTPResendCooldown, time.Minute)
}

// OTPSessionLifetime returns 1h if unset or invalid.
func (c *Config) OTPSessionLifetime() time.Duration {
	return durationOr(c.OTPSessionTTL, time.Hour)
}

// RegistrationExpiry returns 30m if unset or invalid.
func (c *Config) RegistrationExpiry() time.Duration {
	return durationOr(c.RegistrationTTL, 30*time.Minute)
}

// RegistrationGrace returns 5s if unset or invalid.
func (c *Config) RegistrationGrace() time.Duration {
	return durationOr(c.RegistrationCompleteGrace, 5*time.Second)
}

// HTTPClientTimeout returns 15s if unset or invalid.
func (c *Config) HTTPClientTimeout() time.Duration {
	return durationOr(c.HTTPTimeout, 15*time.Second)
}

// ProviderRefreshEnabled reports whether the identity-provider refresh path is configured.
func (c *Config) ProviderRefreshEnabled() bool {
	return c != nil && c.IDPTokenURL != ""
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// A non-empty list enables the event producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SlogLevel maps LogLevel to a slog.Level; unknown values yield info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if c == nil || l.UnmarshalText([]byte(c.LogLevel)) != nil {
		return slog.LevelInfo
	}
	return l
}
