// Package config loads application configuration from defaults, an optional
// YAML file and ORCH_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: ORCH_DELIVERY__QUEUE_DRIVER=redis.
const EnvPrefix = "ORCH_"

// PathEnv names the variable holding an optional YAML config file path.
const PathEnv = "CONFIG_PATH"

// Queue drivers.
const (
	QueueDriverMemory   = "memory"
	QueueDriverPostgres = "postgres"
	QueueDriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	Security  SecurityConfig  `koanf:"security"`
	OAuth     OAuthConfig     `koanf:"oauth"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Warmup    WarmupConfig    `koanf:"warmup"`
	Redis     RedisConfig     `koanf:"redis"`
	Providers ProvidersConfig `koanf:"providers"`
	Alerts    AlertsConfig    `koanf:"alerts"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret" validate:"required"`
	TokenTTL  time.Duration `koanf:"token_ttl" validate:"gt=0"`
}

// SecurityConfig holds the secret protecting stored tokens.
type SecurityConfig struct {
	EncryptionKey string `koanf:"encryption_key"`
}

// OAuthConfig is the OAuth client used to refresh Gmail tokens.
type OAuthConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	TokenURL     string `koanf:"token_url" validate:"omitempty,url"`
}

// DeliveryConfig tunes paging, dispatch and the work queue.
type DeliveryConfig struct {
	QueueDriver       string        `koanf:"queue_driver" validate:"oneof=memory postgres redis"`
	Workers           int           `koanf:"workers" validate:"min=1"`
	PollInterval      time.Duration `koanf:"poll_interval" validate:"gt=0"`
	FetchSize         int           `koanf:"fetch_size" validate:"min=1"`
	LockTimeout       time.Duration `koanf:"lock_timeout" validate:"gt=0"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gt=0"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
	DefaultBatchSize  int           `koanf:"default_batch_size" validate:"min=1"`
	DefaultPace       int           `koanf:"default_pace_seconds" validate:"min=0"`
	SendTimeout       time.Duration `koanf:"send_timeout" validate:"gt=0"`
	LeaseGrace        time.Duration `koanf:"lease_grace" validate:"gt=0"`
	RefreshMargin     time.Duration `koanf:"refresh_margin" validate:"gte=0"`
	RatePerSecond     float64       `koanf:"rate_per_second" validate:"gte=0"`
	RateBurst         int           `koanf:"rate_burst" validate:"min=1"`
	CredentialTTL     time.Duration `koanf:"credential_cache_ttl" validate:"gt=0"`
}

// WarmupConfig holds the default ramp for new sender identities.
type WarmupConfig struct {
	Base       int     `koanf:"base" validate:"min=0"`
	Multiplier float64 `koanf:"multiplier" validate:"gt=0"`
	Cap        int     `koanf:"cap" validate:"min=0"`
}

// RedisConfig configures the redis queue driver.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"min=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

// ProvidersConfig enables the mail backends.
type ProvidersConfig struct {
	Gmail GmailConfig `koanf:"gmail"`
	SMTP  SMTPConfig  `koanf:"smtp"`
	Brevo BrevoConfig `koanf:"brevo"`
}

// GmailConfig configures the Gmail API sender.
type GmailConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Enabled              bool   `koanf:"enabled"`
	Host                 string `koanf:"host" validate:"required_if=Enabled true"`
	Port                 int    `koanf:"port" validate:"min=0,max=65535"`
	AuthMethod           string `koanf:"auth_method" validate:"omitempty,oneof=xoauth2 plain"`
	InsecureSkipSTARTTLS bool   `koanf:"insecure_skip_starttls"`
}

// BrevoConfig configures the Brevo transactional API sender.
type BrevoConfig struct {
	Enabled bool   `koanf:"enabled"`
	APIURL  string `koanf:"api_url" validate:"omitempty,url"`
}

// AlertsConfig configures the operator webhook posted when a campaign
// completes or halts.
type AlertsConfig struct {
	Enabled    bool          `koanf:"enabled"`
	WebhookURL string        `koanf:"webhook_url" validate:"required_if=Enabled true"`
	Username   string        `koanf:"username"`
	Timeout    time.Duration `koanf:"timeout" validate:"gte=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Delivery: DeliveryConfig{
			QueueDriver:       QueueDriverPostgres,
			Workers:           4,
			PollInterval:      time.Second,
			FetchSize:         50,
			LockTimeout:       2 * time.Minute,
			MaxAttempts:       5,
			InitialBackoff:    time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2,
			DefaultBatchSize:  100,
			DefaultPace:       2,
			SendTimeout:       30 * time.Second,
			LeaseGrace:        5 * time.Minute,
			RefreshMargin:     60 * time.Second,
			RatePerSecond:     5,
			RateBurst:         1,
			CredentialTTL:     5 * time.Minute,
		},
		Warmup: WarmupConfig{
			Base:       10,
			Multiplier: 1.5,
			Cap:        1000,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "campaignrelay",
		},
		Providers: ProvidersConfig{
			Gmail: GmailConfig{Enabled: true},
			SMTP:  SMTPConfig{Port: 587, AuthMethod: "xoauth2"},
		},
		Alerts: AlertsConfig{
			Username: "campaignrelay",
			Timeout:  10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_PATH when set, then environment overrides. The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(PathEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps ORCH_DELIVERY__QUEUE_DRIVER to delivery.queue_driver.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks field constraints and the cross-field requirements that
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("security.encryption_key is required"))
	}
	if c.Providers.Gmail.Enabled && (c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "") {
		errs = append(errs, errors.New("oauth.client_id and oauth.client_secret are required when gmail is enabled"))
	}
	if c.Delivery.QueueDriver == QueueDriverRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis queue driver"))
	}
	if !c.Providers.Gmail.Enabled && !c.Providers.SMTP.Enabled && !c.Providers.Brevo.Enabled {
		errs = append(errs, errors.New("at least one mail provider must be enabled"))
	}
	// Units are claimed one at a time; a claim must outlive credential refresh
	// plus the send itself or the unit is redelivered while still in flight.
	if c.Delivery.LockTimeout < 2*c.Delivery.SendTimeout {
		errs = append(errs, errors.New("delivery.lock_timeout must be at least twice delivery.send_timeout"))
	}
	if c.Delivery.MaxBackoff < c.Delivery.InitialBackoff {
		errs = append(errs, errors.New("delivery.max_backoff must not be less than delivery.initial_backoff"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
