package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Rebalance      RebalanceConfig      `yaml:"rebalance"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	AccessToken       string `yaml:"access_token"`
	SecretKey         string `yaml:"secret_key"`
	PublicBaseURL     string `yaml:"public_base_url"`
	PrivateBaseURL    string `yaml:"private_base_url"`
	PublicTimeoutSec  int64  `yaml:"public_timeout_sec"`
	PrivateTimeoutSec int64  `yaml:"private_timeout_sec"`
}

type ProxyConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	APIKey           string `yaml:"api_key"`
	PrivateRPS       int    `yaml:"private_rps"`
	StreamIntervalMs int64  `yaml:"stream_interval_ms"`
}

type RebalanceConfig struct {
	AccountAURL     string  `yaml:"account_a_url"`
	AccountBURL     string  `yaml:"account_b_url"`
	AccountAPIKey   string  `yaml:"account_api_key"`
	TargetCurrency  string  `yaml:"target_currency"`
	QuoteCurrency   string  `yaml:"quote_currency"`
	MarketBuyAmount Decimal `yaml:"market_buy_amount"`
	// PriceUnit is a pointer so an explicit 0 (round to precision only)
	// survives defaulting.
	PriceUnit          *Decimal `yaml:"price_unit"`
	PricePrecision     int32    `yaml:"price_precision"`
	BuyMarkup          Decimal  `yaml:"buy_markup"`
	SellMarkdown       Decimal  `yaml:"sell_markdown"`
	OrderBookSize      int      `yaml:"order_book_size"`
	UnwindDelayMs      int64    `yaml:"unwind_delay_ms"`
	SkipDelayMs        int64    `yaml:"skip_delay_ms"`
	BalanceCallsPerSec int      `yaml:"balance_calls_per_sec"`
	BookTimeoutSec     int64    `yaml:"book_timeout_sec"`
	BalanceTimeoutSec  int64    `yaml:"balance_timeout_sec"`
	OrderTimeoutSec    int64    `yaml:"order_timeout_sec"`
	CancelTimeoutSec   int64    `yaml:"cancel_timeout_sec"`
	DisplayRefreshMs   int64    `yaml:"display_refresh_ms"`
	BackoffMaxSec      int64    `yaml:"backoff_max_sec"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPlaceFailures  int  `yaml:"max_place_failures"`
	MaxCancelFailures int  `yaml:"max_cancel_failures"`
}

type ObservabilityConfig struct {
	Log                LogConfig      `yaml:"log"`
	Telegram           TelegramConfig `yaml:"telegram"`
	AlertDropReportSec int64          `yaml:"alert_drop_report_sec"`
}

type LogConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// secretsEnv lists the values that may be injected from the environment
// (or a .env file) instead of being written into the YAML file.
type secretsEnv struct {
	AccessToken   string `envconfig:"COINONE_ACCESS_TOKEN"`
	SecretKey     string `envconfig:"COINONE_SECRET_KEY"`
	ProxyAPIKey   string `envconfig:"COINONE_PROXY_API_KEY"`
	TelegramToken string `envconfig:"COINONE_TELEGRAM_BOT_TOKEN"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if err := cfg.applySecrets(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applySecrets() error {
	_ = godotenv.Load()
	var env secretsEnv
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read secrets from environment: %w", err)
	}
	if env.AccessToken != "" {
		c.Exchange.AccessToken = env.AccessToken
	}
	if env.SecretKey != "" {
		c.Exchange.SecretKey = env.SecretKey
	}
	if env.ProxyAPIKey != "" {
		c.Proxy.APIKey = env.ProxyAPIKey
		if c.Rebalance.AccountAPIKey == "" {
			c.Rebalance.AccountAPIKey = env.ProxyAPIKey
		}
	}
	if env.TelegramToken != "" {
		c.Observability.Telegram.BotToken = env.TelegramToken
	}
	return nil
}

func (c *Config) normalize() {
	c.Exchange.AccessToken = strings.TrimSpace(c.Exchange.AccessToken)
	c.Exchange.SecretKey = strings.TrimSpace(c.Exchange.SecretKey)
	c.Exchange.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.PublicBaseURL), "/")
	c.Exchange.PrivateBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.PrivateBaseURL), "/")
	c.Proxy.ListenAddr = strings.TrimSpace(c.Proxy.ListenAddr)
	c.Proxy.APIKey = strings.TrimSpace(c.Proxy.APIKey)
	c.Rebalance.AccountAURL = strings.TrimRight(strings.TrimSpace(c.Rebalance.AccountAURL), "/")
	c.Rebalance.AccountBURL = strings.TrimRight(strings.TrimSpace(c.Rebalance.AccountBURL), "/")
	c.Rebalance.AccountAPIKey = strings.TrimSpace(c.Rebalance.AccountAPIKey)
	c.Rebalance.TargetCurrency = strings.ToUpper(strings.TrimSpace(c.Rebalance.TargetCurrency))
	c.Rebalance.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.Rebalance.QuoteCurrency))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.Format = LogFormat(strings.ToLower(strings.TrimSpace(string(c.Observability.Log.Format))))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Exchange.PublicBaseURL == "" {
		c.Exchange.PublicBaseURL = "https://api.coinone.co.kr/public/v2"
	}
	if c.Exchange.PrivateBaseURL == "" {
		c.Exchange.PrivateBaseURL = "https://api.coinone.co.kr"
	}
	if c.Exchange.PublicTimeoutSec == 0 {
		c.Exchange.PublicTimeoutSec = 10
	}
	if c.Exchange.PrivateTimeoutSec == 0 {
		c.Exchange.PrivateTimeoutSec = 10
	}
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = ":8000"
	}
	if c.Proxy.StreamIntervalMs == 0 {
		c.Proxy.StreamIntervalMs = 1000
	}
	if c.Rebalance.TargetCurrency == "" {
		c.Rebalance.TargetCurrency = "CBK"
	}
	if c.Rebalance.QuoteCurrency == "" {
		c.Rebalance.QuoteCurrency = "KRW"
	}
	if c.Rebalance.MarketBuyAmount.IsZero() {
		c.Rebalance.MarketBuyAmount = NewDecimal("200000")
	}
	if c.Rebalance.PriceUnit == nil {
		unit := NewDecimal("5")
		c.Rebalance.PriceUnit = &unit
	}
	if c.Rebalance.BuyMarkup.IsZero() {
		c.Rebalance.BuyMarkup = NewDecimal("1.01")
	}
	if c.Rebalance.SellMarkdown.IsZero() {
		c.Rebalance.SellMarkdown = NewDecimal("0.99")
	}
	if c.Rebalance.OrderBookSize == 0 {
		c.Rebalance.OrderBookSize = 5
	}
	if c.Rebalance.UnwindDelayMs == 0 {
		c.Rebalance.UnwindDelayMs = 500
	}
	if c.Rebalance.SkipDelayMs == 0 {
		c.Rebalance.SkipDelayMs = 2000
	}
	if c.Rebalance.BalanceCallsPerSec == 0 {
		c.Rebalance.BalanceCallsPerSec = 40
	}
	if c.Rebalance.BookTimeoutSec == 0 {
		c.Rebalance.BookTimeoutSec = 3
	}
	if c.Rebalance.BalanceTimeoutSec == 0 {
		c.Rebalance.BalanceTimeoutSec = 5
	}
	if c.Rebalance.OrderTimeoutSec == 0 {
		c.Rebalance.OrderTimeoutSec = 15
	}
	if c.Rebalance.CancelTimeoutSec == 0 {
		c.Rebalance.CancelTimeoutSec = 8
	}
	if c.Rebalance.DisplayRefreshMs == 0 {
		c.Rebalance.DisplayRefreshMs = 500
	}
	if c.Rebalance.BackoffMaxSec == 0 {
		c.Rebalance.BackoffMaxSec = 30
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = LogFormatText
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.AlertDropReportSec == 0 {
		c.Observability.AlertDropReportSec = 60
	}
}

// Validate checks the settings shared by every binary. Role specific checks
// live in ValidateProxy and ValidateRebalance.
func (c Config) Validate() error {
	switch c.Observability.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log.level must be debug, info, warn, or error")
	}
	if c.Observability.Log.Format != LogFormatText && c.Observability.Log.Format != LogFormatJSON {
		return fmt.Errorf("observability.log.format must be text or json")
	}
	if c.Observability.AlertDropReportSec < 0 || c.Observability.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
	}
	if err := validateURL(c.Exchange.PublicBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange public_base_url %v", err)
	}
	if c.Exchange.PublicTimeoutSec < 1 || c.Exchange.PublicTimeoutSec > 120 {
		return fmt.Errorf("exchange public_timeout_sec must be between 1 and 120")
	}
	return nil
}

func (c Config) ValidateProxy() error {
	if c.Exchange.AccessToken == "" || c.Exchange.SecretKey == "" {
		return fmt.Errorf("exchange access_token/secret_key are required (or COINONE_ACCESS_TOKEN/COINONE_SECRET_KEY)")
	}
	if err := validateURL(c.Exchange.PrivateBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange private_base_url %v", err)
	}
	if c.Exchange.PrivateTimeoutSec < 1 || c.Exchange.PrivateTimeoutSec > 120 {
		return fmt.Errorf("exchange private_timeout_sec must be between 1 and 120")
	}
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("proxy listen_addr is required")
	}
	if c.Proxy.PrivateRPS < 0 {
		return fmt.Errorf("proxy private_rps must be >= 0")
	}
	if c.Proxy.StreamIntervalMs < 100 || c.Proxy.StreamIntervalMs > 60000 {
		return fmt.Errorf("proxy stream_interval_ms must be between 100 and 60000")
	}
	return nil
}

func (c Config) ValidateRebalance() error {
	r := c.Rebalance
	if err := validateURL(r.AccountAURL, "http", "https"); err != nil {
		return fmt.Errorf("rebalance account_a_url %v", err)
	}
	if err := validateURL(r.AccountBURL, "http", "https"); err != nil {
		return fmt.Errorf("rebalance account_b_url %v", err)
	}
	if r.AccountAURL == r.AccountBURL {
		return fmt.Errorf("rebalance account_a_url and account_b_url must differ")
	}
	if !isValidCurrency(r.TargetCurrency) {
		return fmt.Errorf("rebalance target_currency must match [A-Z0-9], length 1..15")
	}
	if !isValidCurrency(r.QuoteCurrency) {
		return fmt.Errorf("rebalance quote_currency must match [A-Z0-9], length 1..15")
	}
	if r.TargetCurrency == r.QuoteCurrency {
		return fmt.Errorf("rebalance target_currency must differ from quote_currency")
	}
	if r.MarketBuyAmount.Sign() <= 0 {
		return fmt.Errorf("rebalance market_buy_amount must be > 0")
	}
	if r.PriceUnit != nil && r.PriceUnit.Sign() < 0 {
		return fmt.Errorf("rebalance price_unit must be >= 0")
	}
	if r.PricePrecision < 0 || r.PricePrecision > 18 {
		return fmt.Errorf("rebalance price_precision must be between 0 and 18")
	}
	if r.BuyMarkup.Cmp(decimal.NewFromInt(1)) <= 0 {
		return fmt.Errorf("rebalance buy_markup must be > 1")
	}
	if r.SellMarkdown.Sign() <= 0 || r.SellMarkdown.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("rebalance sell_markdown must be between 0 and 1 (exclusive)")
	}
	if r.OrderBookSize < 1 || r.OrderBookSize > 15 {
		return fmt.Errorf("rebalance order_book_size must be between 1 and 15")
	}
	if r.UnwindDelayMs < 0 || r.SkipDelayMs < 0 || r.DisplayRefreshMs < 0 {
		return fmt.Errorf("rebalance delays must be >= 0")
	}
	if r.BalanceCallsPerSec < 1 {
		return fmt.Errorf("rebalance balance_calls_per_sec must be >= 1")
	}
	for name, v := range map[string]int64{
		"book_timeout_sec":    r.BookTimeoutSec,
		"balance_timeout_sec": r.BalanceTimeoutSec,
		"order_timeout_sec":   r.OrderTimeoutSec,
		"cancel_timeout_sec":  r.CancelTimeoutSec,
		"backoff_max_sec":     r.BackoffMaxSec,
	} {
		if v < 1 || v > 600 {
			return fmt.Errorf("rebalance %s must be between 1 and 600", name)
		}
	}
	return nil
}

func isValidCurrency(v string) bool {
	if len(v) < 1 || len(v) > 15 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
