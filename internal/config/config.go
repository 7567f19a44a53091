package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Auth       AuthConfig       `yaml:"auth"`
	Withdrawal WithdrawalConfig `yaml:"withdrawal"`
	Clearing   ClearingConfig   `yaml:"clearing"`
	Stripe     StripeConfig     `yaml:"stripe"`
	PayPal     PayPalConfig     `yaml:"paypal"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type WithdrawalConfig struct {
	MinAmount              string `yaml:"min_amount"` // decimal string, e.g. "10.00"
	MaxAmount              string `yaml:"max_amount"`
	DispatchTimeoutSeconds int    `yaml:"dispatch_timeout_seconds"`
	DispatchRetries        int    `yaml:"dispatch_retries"`
}

// ClearingConfig drives the reconciler's clearing policy: funds sitting in
// payments_clearing longer than Days move to available. Days=0 disables it.
type ClearingConfig struct {
	Days int `yaml:"days"`
}

type StripeConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
	RefreshURL    string `yaml:"refresh_url"`
	ReturnURL     string `yaml:"return_url"`
}

type PayPalConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
	RedirectURI  string `yaml:"redirect_uri"`
	WebhookID    string `yaml:"webhook_id"`
	Environment  string `yaml:"environment"` // sandbox | live
}

// Load reads yaml file. Secrets are overridable from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("STRIPE_API_KEY"); v != "" {
		cfg.Stripe.APIKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_SECRET"); v != "" {
		cfg.PayPal.ClientSecret = v
	}
	return &cfg, nil
}
