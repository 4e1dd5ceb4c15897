package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"NFTBookCommerce/internal/pricing"
)

type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Stripe struct {
		SecretKey     string  `yaml:"secret_key"`
		WebhookSecret string  `yaml:"webhook_secret"`
		Currency      string  `yaml:"currency"`
		SuccessURL    string  `yaml:"success_url"`
		CancelURL     string  `yaml:"cancel_url"`
		RatePerSecond float64 `yaml:"rate_per_second"`
	} `yaml:"stripe"`
	Pricing struct {
		PlatformFeeRate    string `yaml:"platform_fee_rate"`
		TipFeeRate         string `yaml:"tip_fee_rate"`
		CommissionRate     string `yaml:"commission_rate"`
		ArtFeeRate         string `yaml:"art_fee_rate"`
		PlatformChannel    string `yaml:"platform_channel"`
		WaivedChannel      string `yaml:"waived_channel"`
		MaxCustomPriceDiff int64  `yaml:"max_custom_price_diff"`
	} `yaml:"pricing"`
	Minter struct {
		Endpoint string `yaml:"endpoint"`
		Token    string `yaml:"token"`
	} `yaml:"minter"`
	Chain struct {
		RPCEndpoints         []string `yaml:"rpc_endpoints"`
		Bech32Prefix         string   `yaml:"bech32_prefix"`
		RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
	} `yaml:"chain"`
	Settlement struct {
		ArtFeeWallet string `yaml:"art_fee_wallet"`
	} `yaml:"settlement"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
	} `yaml:"kafka"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
		BatchSize       int   `yaml:"batch_size"`
		MaxAttempts     int   `yaml:"max_attempts"`
		RetryInitialSec int64 `yaml:"retry_initial_seconds"`
		RetryMaxSec     int64 `yaml:"retry_max_seconds"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		return nil, errors.New("stripe config is incomplete")
	}
	if len(cfg.Chain.RPCEndpoints) == 0 {
		return nil, errors.New("chain.rpc_endpoints is required")
	}
	if _, err := cfg.PricingService(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PricingService builds the pricing engine from the configured rates.
func (c *Config) PricingService() (pricing.Service, error) {
	rates := pricing.DefaultRates()
	for _, r := range []struct {
		name string
		raw  string
		out  *decimal.Decimal
	}{
		{"pricing.platform_fee_rate", c.Pricing.PlatformFeeRate, &rates.PlatformFee},
		{"pricing.tip_fee_rate", c.Pricing.TipFeeRate, &rates.TipFee},
		{"pricing.commission_rate", c.Pricing.CommissionRate, &rates.Commission},
		{"pricing.art_fee_rate", c.Pricing.ArtFeeRate, &rates.ArtFee},
	} {
		if r.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(r.raw)
		if err != nil {
			return pricing.Service{}, fmt.Errorf("%s: %w", r.name, err)
		}
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return pricing.Service{}, fmt.Errorf("%s must be within [0, 1]", r.name)
		}
		*r.out = d
	}
	return pricing.Service{
		Rates:           rates,
		PlatformChannel: c.Pricing.PlatformChannel,
		WaivedChannel:   c.Pricing.WaivedChannel,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ServiceName == "" {
		cfg.Server.ServiceName = "nftbook"
	}
	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = "usd"
	}
	if cfg.Pricing.PlatformChannel == "" {
		cfg.Pricing.PlatformChannel = "@likerland"
	}
	if cfg.Pricing.WaivedChannel == "" {
		cfg.Pricing.WaivedChannel = "@likerland_waived"
	}
	if cfg.Pricing.MaxCustomPriceDiff == 0 {
		cfg.Pricing.MaxCustomPriceDiff = 100000
	}
	if cfg.Chain.Bech32Prefix == "" {
		cfg.Chain.Bech32Prefix = "like"
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 2
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 50
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 10
	}
	if cfg.Worker.RetryInitialSec <= 0 {
		cfg.Worker.RetryInitialSec = 5
	}
	if cfg.Worker.RetryMaxSec <= 0 {
		cfg.Worker.RetryMaxSec = 600
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("STRIPE_CURRENCY"); v != "" {
		cfg.Stripe.Currency = v
	}
	if v := os.Getenv("STRIPE_SUCCESS_URL"); v != "" {
		cfg.Stripe.SuccessURL = v
	}
	if v := os.Getenv("STRIPE_CANCEL_URL"); v != "" {
		cfg.Stripe.CancelURL = v
	}
	if v := os.Getenv("STRIPE_RATE_PER_SECOND"); v != "" {
		cfg.Stripe.RatePerSecond = atofOr(cfg.Stripe.RatePerSecond, v)
	}
	if v := os.Getenv("PLATFORM_FEE_RATE"); v != "" {
		cfg.Pricing.PlatformFeeRate = v
	}
	if v := os.Getenv("TIP_FEE_RATE"); v != "" {
		cfg.Pricing.TipFeeRate = v
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		cfg.Pricing.CommissionRate = v
	}
	if v := os.Getenv("ART_FEE_RATE"); v != "" {
		cfg.Pricing.ArtFeeRate = v
	}
	if v := os.Getenv("MAX_CUSTOM_PRICE_DIFF"); v != "" {
		cfg.Pricing.MaxCustomPriceDiff = atoi64Or(cfg.Pricing.MaxCustomPriceDiff, v)
	}
	if v := os.Getenv("MINTER_ENDPOINT"); v != "" {
		cfg.Minter.Endpoint = v
	}
	if v := os.Getenv("MINTER_TOKEN"); v != "" {
		cfg.Minter.Token = v
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("BECH32_PREFIX"); v != "" {
		cfg.Chain.Bech32Prefix = v
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}
	if v := os.Getenv("ART_FEE_WALLET"); v != "" {
		cfg.Settlement.ArtFeeWallet = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.Redis.DB = atoiOr(cfg.Redis.DB, v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
	if v := os.Getenv("WORKER_MAX_ATTEMPTS"); v != "" {
		cfg.Worker.MaxAttempts = atoiOr(cfg.Worker.MaxAttempts, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func atofOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
