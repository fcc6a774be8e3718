// Package config loads fabric configuration from the environment: a
// flat struct with `env` struct tags.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/cartofabric/fabric/internal/apperr"
)

// Config holds every environment-driven key the process reads at startup.
type Config struct {
	Env string `env:"ENV" envDefault:"development"`

	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL"`

	JWTSecret          string `env:"JWT_SECRET"`
	JWTAlgorithm       string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	JWTExpirationHours int    `env:"JWT_EXPIRATION_HOURS" envDefault:"24"`

	AuthProvider string `env:"AUTH_PROVIDER" envDefault:"local"`

	ClerkSecretKey      string `env:"CLERK_SECRET_KEY"`
	ClerkPublishableKey string `env:"CLERK_PUBLISHABLE_KEY"`
	ClerkWebhookSecret  string `env:"CLERK_WEBHOOK_SECRET"`

	WorkOSAPIKey        string `env:"WORKOS_API_KEY"`
	WorkOSClientID      string `env:"WORKOS_CLIENT_ID"`
	WorkOSWebhookSecret string `env:"WORKOS_WEBHOOK_SECRET"`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	EmailFrom    string `env:"EMAIL_FROM"`

	DiscordBotToken      string `env:"DISCORD_BOT_TOKEN"`
	DiscordClientID      string `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret  string `env:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURI   string `env:"DISCORD_REDIRECT_URI"`

	SlackBotToken      string `env:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string `env:"SLACK_SIGNING_SECRET"`
	SlackAlertChannel  string `env:"SLACK_ALERT_CHANNEL"`

	ApplicationURL string `env:"APPLICATION_URL" envDefault:"http://localhost:5173"`

	HealthServiceURL       string `env:"HEALTH_SERVICE_URL"`
	AuthServiceURL         string `env:"AUTH_SERVICE_URL"`
	MetricsServiceURL      string `env:"METRICS_SERVICE_URL"`
	AssistantServiceURL    string `env:"ASSISTANT_SERVICE_URL"`
	NotificationServiceURL string `env:"NOTIFICATION_SERVICE_URL"`

	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisDB           int    `env:"REDIS_DB" envDefault:"0"`
	RedisCacheEnabled bool   `env:"REDIS_CACHE_ENABLED" envDefault:"true"`

	CORSOrigins        []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	CSRFTrustedOrigins []string `env:"CSRF_TRUSTED_ORIGINS" envSeparator:","`

	InviteExpirationHours           int `env:"INVITE_EXPIRATION_HOURS" envDefault:"72"`
	PasswordResetExpirationMinutes  int `env:"PASSWORD_RESET_EXPIRATION_MINUTES" envDefault:"60"`

	UsageBatchSize            int `env:"USAGE_BATCH_SIZE" envDefault:"10"`
	UsageBatchIntervalSeconds int `env:"USAGE_BATCH_INTERVAL_SECONDS" envDefault:"5"`

	NetworkLimitPerUser        int      `env:"NETWORK_LIMIT_PER_USER" envDefault:"1"`
	NetworkLimitExemptRoles    []string `env:"NETWORK_LIMIT_EXEMPT_ROLES" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	StateDir      string `env:"STATE_DIR" envDefault:"./data"`

	SessionCookieName string `env:"SESSION_COOKIE_NAME" envDefault:"fabric_session"`
	CSRFCookieName    string `env:"CSRF_COOKIE_NAME" envDefault:"fabric_csrf"`
	CookiePath        string `env:"COOKIE_PATH" envDefault:"/"`
	CookieSameSite    string `env:"COOKIE_SAME_SITE" envDefault:"lax"`
}

// defaultPasswordLiteral is the vendor-default password this platform's
// Postgres images ship with; a production DATABASE_URL containing it is a
// misconfiguration.
const defaultPasswordLiteral = "postgres:postgres@"

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether strict validation rules apply.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate fails hard on missing secrets, the vendor-default DB password,
// or wildcard CORS in production.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return apperr.New(apperr.Misconfiguration, "DATABASE_URL is required")
	}
	if strings.Contains(c.DatabaseURL, defaultPasswordLiteral) {
		return apperr.New(apperr.Misconfiguration, "DATABASE_URL must not use the vendor default password")
	}
	if c.IsProduction() {
		if c.JWTSecret == "" {
			return apperr.New(apperr.Misconfiguration, "JWT_SECRET is required in production")
		}
		for _, o := range c.CORSOrigins {
			if o == "*" {
				return apperr.New(apperr.Misconfiguration, "CORS_ORIGINS must not be wildcard in production")
			}
		}
	}
	return nil
}

// Reload applies a subset of overrides at runtime without restarting,
// returning the list of field names that actually changed. Keys are the
// struct's `env` tag names. Only string, int, bool, and []string fields
// are settable this way; unknown keys are ignored.
func (c *Config) Reload(overrides map[string]string) ([]string, error) {
	next := *c
	var changed []string

	val := reflect.ValueOf(&next).Elem()
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		tag = strings.Split(tag, ",")[0]
		raw, present := overrides[tag]
		if !present {
			continue
		}

		field := val.Field(i)
		before := field.Interface()
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Bool:
			field.SetBool(raw == "true" || raw == "1")
		case reflect.Int:
			var n int
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
				return nil, fmt.Errorf("parsing %s=%q: %w", tag, raw, err)
			}
			field.SetInt(int64(n))
		case reflect.Slice:
			sep, ok := t.Field(i).Tag.Lookup("envSeparator")
			if !ok {
				sep = ","
			}
			field.Set(reflect.ValueOf(strings.Split(raw, sep)))
		default:
			continue
		}

		if !reflect.DeepEqual(before, field.Interface()) {
			changed = append(changed, t.Field(i).Name)
		}
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}
	*c = next
	return changed, nil
}
