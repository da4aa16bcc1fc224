// Package config loads the settlement engine configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/settlement-engine/internal/model"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the runtime configuration of the settlement engine.
type Config struct {
	Port        string           `yaml:"port"`
	DatabaseURL string           `yaml:"database_url"`
	RedisURL    string           `yaml:"redis_url"`
	CacheTTL    Duration         `yaml:"cache_ttl"`
	Auth        AuthConfig       `yaml:"auth"`
	Currencies  []model.Currency `yaml:"currencies"`
	Prices      PricesConfig     `yaml:"prices"`
	Venue       VenueConfig      `yaml:"venue"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Vault       VaultConfig      `yaml:"vault"`
	// Balances seeds the in-process account book at startup.
	Balances []Balance `yaml:"balances"`
}

// AuthConfig controls capability tokens and request throttling.
type AuthConfig struct {
	Secret    string  `yaml:"secret"`
	Issuer    string  `yaml:"issuer"`
	RateLimit float64 `yaml:"rate_per_second"`
	Burst     int     `yaml:"burst"`
}

// PricesConfig declares the price pairs bound at startup.
type PricesConfig struct {
	Pairs []PairConfig `yaml:"pairs"`
}

// PairConfig binds one base/quote pair to a resolver. Type is "static" (Price
// and Decimals) or "median" (Feeds, MinFeeds, MaxAge).
type PairConfig struct {
	Base     string          `yaml:"base"`
	Quote    string          `yaml:"quote"`
	Type     string          `yaml:"type"`
	Price    decimal.Decimal `yaml:"price"`
	Decimals int32           `yaml:"decimals"`
	Feeds    []FeedConfig    `yaml:"feeds"`
	MinFeeds int             `yaml:"min_feeds"`
	MaxAge   Duration        `yaml:"max_age"`
	// Cache serves the pair through the Redis price cache when Redis is set.
	Cache bool `yaml:"cache"`
}

// FeedConfig is one static feed of a median pair.
type FeedConfig struct {
	Name     string          `yaml:"name"`
	Price    decimal.Decimal `yaml:"price"`
	Decimals int32           `yaml:"decimals"`
}

// VenueConfig configures the local conversion venue.
type VenueConfig struct {
	Name     string       `yaml:"name"`
	Account  string       `yaml:"account"`
	Hubs     []string     `yaml:"hubs"`
	QuoteTTL Duration     `yaml:"quote_ttl"`
	SealKey  string       `yaml:"seal_key"`
	Pools    []PoolConfig `yaml:"pools"`
}

// PoolConfig seeds one liquidity pool.
type PoolConfig struct {
	TokenA   string          `yaml:"token_a"`
	TokenB   string          `yaml:"token_b"`
	AmountA  decimal.Decimal `yaml:"amount_a"`
	AmountB  decimal.Decimal `yaml:"amount_b"`
	FeeBps   uint32          `yaml:"fee_bps"`
	Provider string          `yaml:"provider"`
}

// LedgerConfig configures the fund ledger.
type LedgerConfig struct {
	Custody            string `yaml:"custody"`
	WorkingCurrency    string `yaml:"working_currency"`
	DefaultSlippageBps uint32 `yaml:"default_slippage_bps"`
}

// VaultConfig configures the purchase vault.
type VaultConfig struct {
	Treasury             string   `yaml:"treasury"`
	PaymentSink          string   `yaml:"payment_sink"`
	Settlement           string   `yaml:"settlement"`
	Accepted             []string `yaml:"accepted"`
	MaxPriceAge          Duration `yaml:"max_price_age"`
	// Bps bounds left out of the file take their defaults; an explicit 0 is
	// kept and means no tolerance.
	DeviationBps         *uint32 `yaml:"deviation_bps"`
	ExecutionSlippageBps *uint32 `yaml:"execution_slippage_bps"`
}

// Balance is a starting balance for the account book.
type Balance struct {
	Account  string          `yaml:"account"`
	Currency string          `yaml:"currency"`
	Amount   decimal.Decimal `yaml:"amount"`
}

// Load reads configuration from path, applies env overrides and defaults and
// validates the result. An empty path yields the built-in development setup.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		cfg = Config{}
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg, getenv)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv loads the file named by CONFIG_PATH with overrides from the process
// environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv("CONFIG_PATH"), os.Getenv)
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := getenv("AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.CacheTTL.Duration == 0 {
		cfg.CacheTTL.Duration = 30 * time.Second
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "settlement-engine"
	}
	if cfg.Auth.RateLimit == 0 {
		cfg.Auth.RateLimit = 20
	}
	if cfg.Auth.Burst == 0 {
		cfg.Auth.Burst = 40
	}
	for i := range cfg.Prices.Pairs {
		if cfg.Prices.Pairs[i].Type == "" {
			cfg.Prices.Pairs[i].Type = "static"
		}
	}
	if cfg.Venue.Name == "" {
		cfg.Venue.Name = "local"
	}
	if cfg.Venue.Account == "" {
		cfg.Venue.Account = "venue"
	}
	if cfg.Venue.QuoteTTL.Duration == 0 {
		cfg.Venue.QuoteTTL.Duration = 2 * time.Minute
	}
	if cfg.Ledger.Custody == "" {
		cfg.Ledger.Custody = "custody"
	}
	if cfg.Ledger.DefaultSlippageBps == 0 {
		cfg.Ledger.DefaultSlippageBps = 500
	}
	if cfg.Vault.Treasury == "" {
		cfg.Vault.Treasury = "treasury"
	}
	if cfg.Vault.PaymentSink == "" {
		cfg.Vault.PaymentSink = "payments"
	}
	if cfg.Vault.MaxPriceAge.Duration == 0 {
		cfg.Vault.MaxPriceAge.Duration = 5 * time.Minute
	}
	if cfg.Vault.DeviationBps == nil {
		cfg.Vault.DeviationBps = bps(500)
	}
	if cfg.Vault.ExecutionSlippageBps == nil {
		cfg.Vault.ExecutionSlippageBps = bps(100)
	}
}

func bps(v uint32) *uint32 { return &v }

// Validate rejects inconsistent configuration.
func (c Config) Validate() error {
	var errs []error
	known := make(map[model.CurrencyCode]bool, len(c.Currencies))
	for _, cur := range c.Currencies {
		code := cur.Code.Normalize()
		switch {
		case code == "":
			errs = append(errs, errors.New("currency with empty code"))
		case known[code]:
			errs = append(errs, fmt.Errorf("currency %s listed twice", code))
		case cur.Decimals < 0:
			errs = append(errs, fmt.Errorf("currency %s: negative decimals", code))
		}
		known[code] = true
	}
	isKnown := func(s string) bool { return known[model.CurrencyCode(s).Normalize()] }
	checkBps := func(name string, v uint32) {
		if v > model.BpsDenominator {
			errs = append(errs, fmt.Errorf("%s: %d bps exceeds 10000", name, v))
		}
	}

	for _, p := range c.Prices.Pairs {
		name := p.Base + "/" + p.Quote
		if !isKnown(p.Base) {
			errs = append(errs, fmt.Errorf("pair %s: unknown base currency", name))
		}
		if p.Quote == "" || strings.EqualFold(p.Base, p.Quote) {
			errs = append(errs, fmt.Errorf("pair %s: invalid quote asset", name))
		}
		switch p.Type {
		case "static":
			if !p.Price.IsPositive() || p.Decimals < 0 {
				errs = append(errs, fmt.Errorf("pair %s: static price must be positive", name))
			}
		case "median":
			if len(p.Feeds) == 0 || p.MinFeeds > len(p.Feeds) {
				errs = append(errs, fmt.Errorf("pair %s: median needs at least min_feeds feeds", name))
			}
			for _, f := range p.Feeds {
				if !f.Price.IsPositive() || f.Decimals < 0 {
					errs = append(errs, fmt.Errorf("pair %s: feed %s price must be positive", name, f.Name))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("pair %s: unknown resolver type %q", name, p.Type))
		}
	}

	for _, h := range c.Venue.Hubs {
		if !isKnown(h) {
			errs = append(errs, fmt.Errorf("venue hub %s: unknown currency", h))
		}
	}
	if c.Venue.SealKey != "" && len(c.Venue.SealKey) < 32 {
		errs = append(errs, errors.New("venue seal_key must be at least 32 bytes"))
	}
	for _, p := range c.Venue.Pools {
		if !isKnown(p.TokenA) || !isKnown(p.TokenB) {
			errs = append(errs, fmt.Errorf("pool %s/%s: unknown currency", p.TokenA, p.TokenB))
		}
		if !p.AmountA.IsPositive() || !p.AmountB.IsPositive() {
			errs = append(errs, fmt.Errorf("pool %s/%s: reserves must be positive", p.TokenA, p.TokenB))
		}
		if p.Provider == "" {
			errs = append(errs, fmt.Errorf("pool %s/%s: provider required", p.TokenA, p.TokenB))
		}
		checkBps("pool fee", p.FeeBps)
	}

	if !isKnown(c.Ledger.WorkingCurrency) {
		errs = append(errs, fmt.Errorf("ledger working currency %q unknown", c.Ledger.WorkingCurrency))
	}
	checkBps("ledger default slippage", c.Ledger.DefaultSlippageBps)

	if !isKnown(c.Vault.Settlement) {
		errs = append(errs, fmt.Errorf("vault settlement currency %q unknown", c.Vault.Settlement))
	}
	for _, a := range c.Vault.Accepted {
		if !isKnown(a) {
			errs = append(errs, fmt.Errorf("vault accepted currency %q unknown", a))
		}
	}
	if c.Vault.DeviationBps != nil {
		checkBps("vault deviation", *c.Vault.DeviationBps)
	}
	if c.Vault.ExecutionSlippageBps != nil {
		checkBps("vault execution slippage", *c.Vault.ExecutionSlippageBps)
	}

	for _, b := range c.Balances {
		if b.Account == "" || !isKnown(b.Currency) || !b.Amount.IsPositive() {
			errs = append(errs, fmt.Errorf("balance %s %s: invalid", b.Account, b.Currency))
		}
	}
	if c.Auth.RateLimit < 0 || c.Auth.Burst < 0 {
		errs = append(errs, errors.New("auth rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Currency returns the configured currency with code.
func (c Config) Currency(code string) (model.Currency, bool) {
	want := model.CurrencyCode(code).Normalize()
	for _, cur := range c.Currencies {
		if cur.Code.Normalize() == want {
			return model.Currency{Code: want, Decimals: cur.Decimals}, true
		}
	}
	return model.Currency{}, false
}

// Default is the development setup used when no file is given: three
// six-decimal stablecoins priced against USD, pools between them and seeded
// treasury and liquidity balances.
func Default() Config {
	six := func(code model.CurrencyCode) model.Currency { return model.Currency{Code: code, Decimals: 6} }
	units := func(v int64) decimal.Decimal { return decimal.NewFromInt(v).Shift(6) }
	return Config{
		Currencies: []model.Currency{six("USDC"), six("EURC"), six("ZNHB")},
		Prices: PricesConfig{Pairs: []PairConfig{
			{Base: "USDC", Quote: "USD", Type: "static", Price: decimal.NewFromInt(100), Decimals: 2},
			{Base: "EURC", Quote: "USD", Type: "static", Price: decimal.NewFromInt(108), Decimals: 2},
			{Base: "ZNHB", Quote: "USD", Type: "static", Price: decimal.NewFromInt(250), Decimals: 2},
		}},
		Venue: VenueConfig{
			Hubs: []string{"USDC"},
			Pools: []PoolConfig{
				{TokenA: "EURC", TokenB: "USDC", AmountA: units(1_000_000), AmountB: units(1_080_000), FeeBps: 5, Provider: "liquidity"},
				{TokenA: "ZNHB", TokenB: "USDC", AmountA: units(400_000), AmountB: units(1_000_000), FeeBps: 30, Provider: "liquidity"},
			},
		},
		Ledger: LedgerConfig{WorkingCurrency: "USDC"},
		Vault:  VaultConfig{Settlement: "USDC", Accepted: []string{"EURC", "ZNHB"}},
		Balances: []Balance{
			{Account: "liquidity", Currency: "USDC", Amount: units(2_080_000)},
			{Account: "liquidity", Currency: "EURC", Amount: units(1_000_000)},
			{Account: "liquidity", Currency: "ZNHB", Amount: units(400_000)},
			{Account: "treasury", Currency: "USDC", Amount: units(50_000)},
			{Account: "treasury", Currency: "ZNHB", Amount: units(20_000)},
		},
	}
}
