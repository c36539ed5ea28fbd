package rebalance

import (
	"time"

	"github.com/shopspring/decimal"

	"coinone-rebalancer/internal/config"
	"coinone-rebalancer/internal/core"
)

// Settings is the resolved, typed view of the rebalance section of the
// config file.
type Settings struct {
	Pair            core.Pair
	MarketBuyAmount decimal.Decimal
	PriceUnit       decimal.Decimal
	PricePrecision  int32
	BuyMarkup       decimal.Decimal
	SellMarkdown    decimal.Decimal
	OrderBookSize   int

	UnwindDelay    time.Duration
	SkipDelay      time.Duration
	BookTimeout    time.Duration
	BalanceTimeout time.Duration
	OrderTimeout   time.Duration
	CancelTimeout  time.Duration
	DisplayRefresh time.Duration
	BackoffMax     time.Duration
}

func SettingsFromConfig(cfg config.RebalanceConfig) Settings {
	unit := decimal.Zero
	if cfg.PriceUnit != nil {
		unit = cfg.PriceUnit.Decimal
	}
	return Settings{
		Pair:            core.NewPair(cfg.QuoteCurrency, cfg.TargetCurrency),
		MarketBuyAmount: cfg.MarketBuyAmount.Decimal,
		PriceUnit:       unit,
		PricePrecision:  cfg.PricePrecision,
		BuyMarkup:       cfg.BuyMarkup.Decimal,
		SellMarkdown:    cfg.SellMarkdown.Decimal,
		OrderBookSize:   cfg.OrderBookSize,
		UnwindDelay:     time.Duration(cfg.UnwindDelayMs) * time.Millisecond,
		SkipDelay:       time.Duration(cfg.SkipDelayMs) * time.Millisecond,
		BookTimeout:     time.Duration(cfg.BookTimeoutSec) * time.Second,
		BalanceTimeout:  time.Duration(cfg.BalanceTimeoutSec) * time.Second,
		OrderTimeout:    time.Duration(cfg.OrderTimeoutSec) * time.Second,
		CancelTimeout:   time.Duration(cfg.CancelTimeoutSec) * time.Second,
		DisplayRefresh:  time.Duration(cfg.DisplayRefreshMs) * time.Millisecond,
		BackoffMax:      time.Duration(cfg.BackoffMaxSec) * time.Second,
	}
}
