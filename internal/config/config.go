// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage and messaging (all optional; in-memory / disabled when empty)
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string

	// M-Pesa (Daraja) gateway
	Mpesa MpesaConfig

	// Reservation handling
	ReservationHold          time.Duration
	ReservationSweepInterval time.Duration
}

// MpesaConfig holds push-payment gateway credentials and endpoints.
type MpesaConfig struct {
	Environment    string // "sandbox" or "production"
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	CallbackToken  string // optional secret path segment appended to CallbackURL
	PendingTimeout time.Duration
}

// Defaults
const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultKafkaTopic               = "sales.events"
	DefaultMpesaEnv                 = "sandbox"
	DefaultSandboxURL               = "https://sandbox.safaricom.co.ke"
	DefaultProductionURL            = "https://api.safaricom.co.ke"
	DefaultSandboxShortCode         = "174379"
	DefaultRateLimitRPM             = 120
	DefaultReservationHold          = 72 * time.Hour
	DefaultReservationSweepInterval = 60 * time.Second
	DefaultPendingTimeout           = 3 * time.Minute

	// MinCallbackTokenLength applies whenever real money can arrive.
	MinCallbackTokenLength = 16
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	mpesaEnv := getEnv("MPESA_ENV", DefaultMpesaEnv)
	baseURL := DefaultSandboxURL
	if mpesaEnv == "production" {
		baseURL = DefaultProductionURL
	}

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:  splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Mpesa: MpesaConfig{
			Environment:    mpesaEnv,
			BaseURL:        getEnv("MPESA_BASE_URL", baseURL),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      getEnv("MPESA_SHORTCODE", DefaultSandboxShortCode),
			PassKey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
			CallbackToken:  os.Getenv("MPESA_CALLBACK_TOKEN"),
			PendingTimeout: getEnvDuration("MPESA_PENDING_TIMEOUT", DefaultPendingTimeout),
		},
		ReservationHold:          getEnvDuration("RESERVATION_HOLD", DefaultReservationHold),
		ReservationSweepInterval: getEnvDuration("RESERVATION_SWEEP_INTERVAL", DefaultReservationSweepInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Mpesa.Environment != "sandbox" && c.Mpesa.Environment != "production" {
		return fmt.Errorf("MPESA_ENV must be sandbox or production, got %q", c.Mpesa.Environment)
	}
	if c.ReservationHold <= 0 {
		return fmt.Errorf("RESERVATION_HOLD must be positive")
	}
	if c.ReservationSweepInterval <= 0 {
		return fmt.Errorf("RESERVATION_SWEEP_INTERVAL must be positive")
	}
	if c.Mpesa.PendingTimeout <= 0 {
		return fmt.Errorf("MPESA_PENDING_TIMEOUT must be positive")
	}

	// Sandbox runs can go without credentials; pushes will fail with a gateway error.
	if c.IsProduction() {
		missing := []string{}
		if c.Mpesa.ConsumerKey == "" {
			missing = append(missing, "MPESA_CONSUMER_KEY")
		}
		if c.Mpesa.ConsumerSecret == "" {
			missing = append(missing, "MPESA_CONSUMER_SECRET")
		}
		if c.Mpesa.PassKey == "" {
			missing = append(missing, "MPESA_PASSKEY")
		}
		if c.Mpesa.CallbackURL == "" {
			missing = append(missing, "MPESA_CALLBACK_URL")
		}
		if c.AdminSecret == "" {
			missing = append(missing, "ADMIN_SECRET")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%s required in production", strings.Join(missing, ", "))
		}
		if !strings.HasPrefix(c.Mpesa.CallbackURL, "https://") {
			return fmt.Errorf("MPESA_CALLBACK_URL must be https in production")
		}
	}

	// Callbacks are unsigned; the secret path segment is what ties a
	// callback to this deployment.
	if c.IsProduction() || c.Mpesa.Environment == "production" {
		if len(c.Mpesa.CallbackToken) < MinCallbackTokenLength {
			return fmt.Errorf("MPESA_CALLBACK_TOKEN of at least %d characters required with live M-Pesa", MinCallbackTokenLength)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
