package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BonusTier grants a percentage bonus once a purchase reaches its threshold.
// The single highest qualifying tier applies; tiers are non-cumulative.
type BonusTier struct {
	Threshold int64 `yaml:"threshold"`
	Percent   int64 `yaml:"percent"`
}

// CreditConfig bounds credit purchases and reservation behaviour.
type CreditConfig struct {
	MinPurchase     int64         `yaml:"min_purchase"`
	MaxBalance      int64         `yaml:"max_balance"`
	BonusTiers      []BonusTier   `yaml:"bonus_tiers"`
	ReservationTTL  time.Duration `yaml:"reservation_ttl"`
	BalanceCacheTTL time.Duration `yaml:"balance_cache_ttl"`
}

// ProviderConfig carries credentials for one payment rail.
type ProviderConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
	APIKey        string `yaml:"api_key"`
}

// PaymentConfig bounds outbound payments and webhook ingestion.
type PaymentConfig struct {
	MinAmount           int64                     `yaml:"min_amount"`
	MaxAmount           int64                     `yaml:"max_amount"`
	SupportedCurrencies []string                  `yaml:"supported_currencies"`
	Methods             map[string]string         `yaml:"methods"` // method -> provider name
	Providers           map[string]ProviderConfig `yaml:"providers"`
	ProviderTimeout     time.Duration             `yaml:"provider_timeout"`
	InstantTransferTTL  time.Duration             `yaml:"instant_transfer_ttl"`
	RefundWindowDays    int                       `yaml:"refund_window_days"`
}

// DunningConfig controls the billing retry loop.
type DunningConfig struct {
	RetryDelay  time.Duration `yaml:"retry_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WorkerConfig controls the due-queue and outbox workers.
type WorkerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ExporterEndpoint string  `yaml:"exporter_endpoint"`
	ExporterProtocol string  `yaml:"exporter_protocol"`
	SamplingRatio    float64 `yaml:"sampling_ratio"`
}

// Config is the full process configuration, validated eagerly at start.
type Config struct {
	Environment   string        `yaml:"environment"`
	HTTPAddr      string        `yaml:"http_addr"`
	DatabaseDSN   string        `yaml:"database_dsn"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	Credit        CreditConfig  `yaml:"credit"`
	Payment       PaymentConfig `yaml:"payment"`
	Dunning       DunningConfig `yaml:"dunning"`
	Worker        WorkerConfig  `yaml:"worker"`
	Tracing       TracingConfig `yaml:"tracing"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Environment:   "development",
		HTTPAddr:      ":8080",
		SweepSchedule: "0 */5 * * * *",
		Credit: CreditConfig{
			MinPurchase: 100,   // 1.00 credit
			MaxBalance:  100_000_00,
			BonusTiers: []BonusTier{
				{Threshold: 500_00, Percent: 10},
				{Threshold: 1000_00, Percent: 15},
			},
			ReservationTTL:  15 * time.Minute,
			BalanceCacheTTL: 30 * time.Second,
		},
		Payment: PaymentConfig{
			MinAmount:           100,
			MaxAmount:           1_000_000_00,
			SupportedCurrencies: []string{"USD"},
			Methods: map[string]string{
				"instant_transfer": "swiftpay",
				"card":             "cardgate",
			},
			Providers: map[string]ProviderConfig{
				"swiftpay": {WebhookSecret: "swiftpay-dev-secret"},
				"cardgate": {WebhookSecret: "cardgate-dev-secret"},
			},
			ProviderTimeout:    10 * time.Second,
			InstantTransferTTL: 30 * time.Minute,
			RefundWindowDays:   90,
		},
		Dunning: DunningConfig{
			RetryDelay:  24 * time.Hour,
			MaxAttempts: 3,
		},
		Worker: WorkerConfig{
			BatchSize:    50,
			PollInterval: 2 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:       false,
			SamplingRatio: 0.1,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("BILLING_DATABASE_DSN")); v != "" {
		c.DatabaseDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("BILLING_HTTP_ADDR")); v != "" {
		c.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("BILLING_ENVIRONMENT")); v != "" {
		c.Environment = v
	}
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Credit.MinPurchase <= 0 {
		return fmt.Errorf("credit.min_purchase must be positive")
	}
	if c.Credit.MaxBalance <= c.Credit.MinPurchase {
		return fmt.Errorf("credit.max_balance must exceed credit.min_purchase")
	}
	if c.Credit.ReservationTTL <= 0 {
		return fmt.Errorf("credit.reservation_ttl must be positive")
	}
	for _, tier := range c.Credit.BonusTiers {
		if tier.Threshold <= 0 || tier.Percent < 0 {
			return fmt.Errorf("invalid bonus tier {threshold=%d percent=%d}", tier.Threshold, tier.Percent)
		}
	}
	sort.Slice(c.Credit.BonusTiers, func(i, j int) bool {
		return c.Credit.BonusTiers[i].Threshold < c.Credit.BonusTiers[j].Threshold
	})
	if c.Payment.MinAmount <= 0 || c.Payment.MaxAmount <= c.Payment.MinAmount {
		return fmt.Errorf("payment amount bounds are invalid")
	}
	if len(c.Payment.SupportedCurrencies) == 0 {
		return fmt.Errorf("payment.supported_currencies must not be empty")
	}
	if len(c.Payment.Methods) == 0 {
		return fmt.Errorf("payment.methods must not be empty")
	}
	for method, provider := range c.Payment.Methods {
		if _, ok := c.Payment.Providers[provider]; !ok {
			return fmt.Errorf("payment method %q routes to unknown provider %q", method, provider)
		}
	}
	for name, provider := range c.Payment.Providers {
		if strings.TrimSpace(provider.WebhookSecret) == "" {
			return fmt.Errorf("payment provider %q has no webhook secret", name)
		}
	}
	if c.Payment.ProviderTimeout <= 0 {
		return fmt.Errorf("payment.provider_timeout must be positive")
	}
	if c.Payment.RefundWindowDays <= 0 {
		return fmt.Errorf("payment.refund_window_days must be positive")
	}
	if c.Dunning.RetryDelay <= 0 || c.Dunning.MaxAttempts <= 0 {
		return fmt.Errorf("dunning retry settings are invalid")
	}
	if c.Worker.BatchSize <= 0 || c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker settings are invalid")
	}
	return nil
}

// SupportsCurrency reports whether currency is accepted for payments.
func (c *Config) SupportsCurrency(currency string) bool {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, supported := range c.Payment.SupportedCurrencies {
		if strings.ToUpper(supported) == currency {
			return true
		}
	}
	return false
}

// ProviderForMethod resolves a payment method to its provider name.
func (c *Config) ProviderForMethod(method string) (string, bool) {
	provider, ok := c.Payment.Methods[strings.ToLower(strings.TrimSpace(method))]
	return provider, ok
}

// IsProduction reports whether the process runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
