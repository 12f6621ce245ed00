package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/macjediwizard/calmirror/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Provider selects the remote calendar backend.
type Provider string

const (
	ProviderCalDAV Provider = "caldav"
	ProviderGoogle Provider = "google"
)

// Config holds all application configuration.
type Config struct {
	Environment Environment `env:"ENVIRONMENT" envDefault:"production"`
	LogFile     string      `env:"LOG_FILE"`

	Server   ServerConfig   `envPrefix:"SERVER_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Sync     SyncConfig     `envPrefix:"SYNC_"`
	Remote   RemoteConfig   `envPrefix:"REMOTE_"`
	CalDAV   CalDAVConfig   `envPrefix:"CALDAV_"`
	OIDC     OIDCConfig     `envPrefix:"OIDC_"`
	Google   GoogleConfig   `envPrefix:"GOOGLE_"`
	Webhook  WebhookConfig  `envPrefix:"WEBHOOK_"`
}

// ServerConfig holds the local status API configuration.
type ServerConfig struct {
	ListenAddr   string  `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	RateLimitRPS float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateBurst    int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// Origins allowed to make state-changing API requests. Empty allows localhost only.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// DatabaseConfig holds local storage paths.
type DatabaseConfig struct {
	Path      string `env:"PATH" envDefault:"./data/calmirror.db"`
	StatePath string `env:"STATE_PATH" envDefault:"./data/state.db"`
}

// SyncConfig holds scheduler configuration. Intervals are in seconds.
type SyncConfig struct {
	Enabled          bool          `env:"ENABLED" envDefault:"true"`
	Interval         int           `env:"INTERVAL" envDefault:"300"`
	MinInterval      int           `env:"MIN_INTERVAL" envDefault:"30"`
	MaxInterval      int           `env:"MAX_INTERVAL" envDefault:"86400"`
	GuardBand        time.Duration `env:"GUARD_BAND" envDefault:"1s"`
	MaxBackoff       time.Duration `env:"MAX_BACKOFF" envDefault:"1h"`
	Concurrency      int           `env:"CONCURRENCY" envDefault:"4"`
	LogRetentionDays int           `env:"LOG_RETENTION_DAYS" envDefault:"30"`
}

// RemoteConfig bounds calls made to the remote provider.
type RemoteConfig struct {
	Provider Provider      `env:"PROVIDER" envDefault:"caldav"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`
	RPS      float64       `env:"RATE_LIMIT_RPS" envDefault:"5"`
	Burst    int           `env:"RATE_LIMIT_BURST" envDefault:"10"`
}

// CalDAVConfig holds CalDAV server credentials.
type CalDAVConfig struct {
	URL      string `env:"URL"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
}

// OIDCConfig holds the token endpoint configuration used to refresh access tokens.
type OIDCConfig struct {
	Issuer       string   `env:"ISSUER"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	RefreshToken string   `env:"REFRESH_TOKEN"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
}

// GoogleConfig holds Google Calendar configuration.
type GoogleConfig struct {
	CalendarIDs []string `env:"CALENDAR_IDS" envSeparator:"," envDefault:"primary"`
}

// WebhookConfig holds alert webhook configuration.
type WebhookConfig struct {
	URL      string        `env:"URL"`
	Cooldown time.Duration `env:"COOLDOWN" envDefault:"15m"`
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Environment = Environment(strings.ToLower(string(cfg.Environment)))
	cfg.Remote.Provider = Provider(strings.ToLower(string(cfg.Remote.Provider)))

	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	switch c.Remote.Provider {
	case ProviderCalDAV:
		if c.CalDAV.URL == "" {
			missing = append(missing, "CALDAV_URL")
		}
		if !c.UsesOIDC() {
			if c.CalDAV.Username == "" {
				missing = append(missing, "CALDAV_USERNAME")
			}
			if c.CalDAV.Password == "" {
				missing = append(missing, "CALDAV_PASSWORD")
			}
		}
	case ProviderGoogle:
		if c.OIDC.ClientID == "" {
			missing = append(missing, "OIDC_CLIENT_ID")
		}
		if c.OIDC.ClientSecret == "" {
			missing = append(missing, "OIDC_CLIENT_SECRET")
		}
		if c.OIDC.RefreshToken == "" {
			missing = append(missing, "OIDC_REFRESH_TOKEN")
		}
	}

	return missing
}

func (c *Config) validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("%w: ENVIRONMENT must be development or production", ErrInvalidConfig)
	}

	if c.Remote.Provider != ProviderCalDAV && c.Remote.Provider != ProviderGoogle {
		return fmt.Errorf("%w: REMOTE_PROVIDER must be caldav or google", ErrInvalidConfig)
	}

	if c.Sync.MinInterval <= 0 || c.Sync.MaxInterval < c.Sync.MinInterval {
		return fmt.Errorf("%w: SYNC_MIN_INTERVAL/SYNC_MAX_INTERVAL", ErrInvalidConfig)
	}
	if c.Sync.Interval < c.Sync.MinInterval || c.Sync.Interval > c.Sync.MaxInterval {
		return fmt.Errorf("%w: SYNC_INTERVAL must be between %d and %d seconds",
			ErrInvalidConfig, c.Sync.MinInterval, c.Sync.MaxInterval)
	}
	if c.Sync.GuardBand < 0 || c.Sync.GuardBand >= c.SyncInterval() {
		return fmt.Errorf("%w: SYNC_GUARD_BAND must be shorter than the sync interval", ErrInvalidConfig)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("%w: SYNC_CONCURRENCY must be at least 1", ErrInvalidConfig)
	}
	if c.Sync.LogRetentionDays < 1 {
		return fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS must be at least 1", ErrInvalidConfig)
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("%w: REMOTE_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.Remote.RPS <= 0 || c.Remote.Burst < 1 {
		return fmt.Errorf("%w: REMOTE_RATE_LIMIT_RPS/REMOTE_RATE_LIMIT_BURST", ErrInvalidConfig)
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateBurst < 1 {
		return fmt.Errorf("%w: SERVER_RATE_LIMIT_RPS/SERVER_RATE_LIMIT_BURST", ErrInvalidConfig)
	}

	v := validator.New()

	if c.Remote.Provider == ProviderCalDAV {
		if err := v.ValidateURL(c.CalDAV.URL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrInvalidConfig, err)
		}
	}

	if c.OIDC.Issuer != "" {
		if err := v.ValidateURL(c.OIDC.Issuer, true); err != nil {
			return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrInvalidConfig, err)
		}
	}

	if c.Webhook.URL != "" {
		if err := v.ValidateWebhookURL(c.Webhook.URL); err != nil {
			return fmt.Errorf("%w: WEBHOOK_URL: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

// Validate checks that the configured remote endpoints are reachable.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if c.OIDC.Issuer != "" {
		if err := v.ValidateOIDCIssuer(ctx, c.OIDC.Issuer); err != nil {
			return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
		}
	}

	if c.Remote.Provider == ProviderCalDAV {
		if err := v.ValidateCalDAVEndpoint(ctx, c.CalDAV.URL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// UsesOIDC reports whether remote calls are authorized with refreshed OAuth2 tokens.
func (c *Config) UsesOIDC() bool {
	return c.OIDC.RefreshToken != ""
}

// SyncInterval returns the configured sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

// LogRetention returns how long sync logs are kept.
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.Sync.LogRetentionDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
