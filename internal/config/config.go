// Package config loads entitlementd settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Supported payment gateways.
const (
	GatewayStripe = "stripe"
	GatewayToken  = "token"
)

// Config holds all configuration for entitlementd.
type Config struct {
	DataDir            string
	BindAddress        string
	Port               int
	BaseURL            string
	APIKey             string // shared key for service-to-service calls; empty disables the check
	LogLevel           string
	LogFormat          string
	PendingTimeout     time.Duration
	SweepSchedule      string
	SnapshotCacheTTL   time.Duration
	RedisURL           string // optional; enables the distributed tenant lock
	Gateway            string
	StripeAPIKey       string
	StripeWebhook      string
	CallbackToken      string
	PaymentURL         string   // hosted payment page of the token gateway
	CallbackAllowedIPs []string // empty accepts callbacks from any source
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENT_PORT", 8090)
	if err != nil {
		return nil, err
	}
	pendingTimeout, err := envOrDefaultDuration("ENT_PENDING_TIMEOUT", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("ENT_SNAPSHOT_CACHE_TTL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:            envOrDefault("ENT_DATA_DIR", "/data"),
		BindAddress:        envOrDefault("ENT_BIND_ADDRESS", "0.0.0.0"),
		Port:               port,
		BaseURL:            strings.TrimRight(strings.TrimSpace(os.Getenv("ENT_BASE_URL")), "/"),
		APIKey:             strings.TrimSpace(os.Getenv("ENT_API_KEY")),
		LogLevel:           envOrDefault("ENT_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("ENT_LOG_FORMAT", "auto"),
		PendingTimeout:     pendingTimeout,
		SweepSchedule:      envOrDefault("ENT_SWEEP_SCHEDULE", "@hourly"),
		SnapshotCacheTTL:   cacheTTL,
		RedisURL:           strings.TrimSpace(os.Getenv("ENT_REDIS_URL")),
		Gateway:            strings.ToLower(envOrDefault("ENT_GATEWAY", GatewayStripe)),
		StripeAPIKey:       strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhook:      strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		CallbackToken:      strings.TrimSpace(os.Getenv("PAYMENT_CALLBACK_TOKEN")),
		PaymentURL:         strings.TrimSpace(os.Getenv("ENT_PAYMENT_URL")),
		CallbackAllowedIPs: envList("ENT_CALLBACK_ALLOWED_IPS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate entitlementd config: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// CallbackURL is where processors deliver payment callbacks.
func (c *Config) CallbackURL() string {
	return c.BaseURL + "/api/v1/payments/webhook"
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "ENT_BASE_URL")
	}
	switch c.Gateway {
	case GatewayStripe:
		if c.StripeAPIKey == "" {
			missing = append(missing, "STRIPE_API_KEY")
		}
		if c.StripeWebhook == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
	case GatewayToken:
		if c.CallbackToken == "" {
			missing = append(missing, "PAYMENT_CALLBACK_TOKEN")
		}
		if c.PaymentURL == "" {
			missing = append(missing, "ENT_PAYMENT_URL")
		}
	default:
		return fmt.Errorf("ENT_GATEWAY must be %q or %q, got %q", GatewayStripe, GatewayToken, c.Gateway)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.PendingTimeout <= 0 {
		return fmt.Errorf("ENT_PENDING_TIMEOUT must be greater than 0, got %s", c.PendingTimeout)
	}
	if c.SnapshotCacheTTL < 0 {
		return fmt.Errorf("ENT_SNAPSHOT_CACHE_TTL must not be negative, got %s", c.SnapshotCacheTTL)
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("ENT_SWEEP_SCHEDULE is not a valid cron spec: %w", err)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("ENT_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("ENT_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("ENT_BASE_URL must include a host")
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return fmt.Errorf("ENT_REDIS_URL must be a valid URL: %w", err)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
