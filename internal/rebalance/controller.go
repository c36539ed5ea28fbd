// Package rebalance moves one asset between two exchange accounts by
// crossing mirrored orders at a price inside the current book.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"coinone-rebalancer/internal/alert"
	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange/coinone"
	"coinone-rebalancer/internal/logging"
	"coinone-rebalancer/internal/ratelimit"
	"coinone-rebalancer/internal/safety"
)

// Account is one side of the transfer. safety.GuardedAccount and
// proxy.Client both satisfy it.
type Account = safety.Account

type BookSource interface {
	OrderBook(ctx context.Context, pair core.Pair, q coinone.OrderBookQuery) (core.OrderBook, error)
}

type Outcome int

const (
	// OutcomePlaced: mirrored limit orders were submitted.
	OutcomePlaced Outcome = iota
	// OutcomeMarketBuy: neither account held the asset, B bought at market.
	OutcomeMarketBuy
	// OutcomeSkipped: the computed price fell outside the book.
	OutcomeSkipped
	// OutcomeBackoff: the order book read was rate limited.
	OutcomeBackoff
)

func (o Outcome) String() string {
	switch o {
	case OutcomePlaced:
		return "placed"
	case OutcomeMarketBuy:
		return "market_buy"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeBackoff:
		return "backoff"
	}
	return "unknown"
}

// Leg is one order submitted during an iteration. ID is empty when the
// placement failed.
type Leg struct {
	Account string
	Order   core.OrderRequest
	ID      string
	Err     error

	acct Account
}

type Iteration struct {
	Outcome Outcome
	HeldA   decimal.Decimal
	HeldB   decimal.Decimal
	Quote   core.Quote
	// Price is the quantized limit price; zero for a market buy.
	Price decimal.Decimal
	Legs  []Leg
}

type Controller struct {
	A        Account
	B        Account
	Book     BookSource
	Settings Settings
	// Limiter paces balance reads across both accounts. Nil disables pacing.
	Limiter *ratelimit.Window
	Alerts  alert.Alerter
	Logger  *slog.Logger
	// Sleep pauses between iterations; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type plannedLeg struct {
	account Account
	order   core.OrderRequest
}

// Run repeats Step until ctx is cancelled or an iteration fails. A
// cancelled context is a clean stop and returns nil.
func (c *Controller) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if c.Settings.BackoffMax > 0 {
		bo.MaxInterval = c.Settings.BackoffMax
	}
	logger := c.logger()
	logger.Info("rebalance_started",
		slog.String("pair", c.Settings.Pair.String()),
		slog.String("account_a", c.A.Name()),
		slog.String("account_b", c.B.Name()),
	)

	for {
		if ctx.Err() != nil {
			logger.Info("rebalance_stopped", slog.String("reason", "context_done"))
			return nil
		}
		it, err := c.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("rebalance_stopped", slog.String("reason", "context_done"))
				return nil
			}
			logger.Error("rebalance_stopped", logging.Err(err))
			c.alert("rebalance_stopped", map[string]string{"reason": err.Error()})
			return err
		}

		var wait time.Duration
		switch it.Outcome {
		case OutcomeBackoff:
			wait = bo.NextBackOff()
			if wait == backoff.Stop {
				wait = bo.MaxInterval
			}
			logger.Warn("rebalance_backoff", slog.Duration("wait", wait))
		case OutcomeSkipped:
			bo.Reset()
			wait = c.Settings.SkipDelay
		default:
			bo.Reset()
		}
		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				logger.Info("rebalance_stopped", slog.String("reason", "context_done"))
				return nil
			}
		}
	}
}

// Step runs a single iteration. Orders it places are cancelled before it
// returns, including when ctx is cancelled part way through.
func (c *Controller) Step(ctx context.Context) (Iteration, error) {
	s := c.Settings
	logger := c.logger()
	var it Iteration

	balA := c.balances(ctx, c.A)
	balB := c.balances(ctx, c.B)
	it.HeldA = balA.Get(s.Pair.Target)
	it.HeldB = balB.Get(s.Pair.Target)
	logger.Info("balances",
		slog.String("currency", s.Pair.Target),
		slog.String("account_a", it.HeldA.String()),
		slog.String("account_b", it.HeldB.String()),
	)

	quote, err := c.bestBidAsk(ctx)
	if err != nil {
		if errors.Is(err, core.ErrRateLimited) {
			logger.Warn("order_book_rate_limited", logging.Err(err))
			it.Outcome = OutcomeBackoff
			return it, nil
		}
		return it, fmt.Errorf("fetch order book %s: %w", s.Pair, err)
	}
	it.Quote = quote
	logger.Info("order_book",
		slog.String("pair", s.Pair.String()),
		slog.String("bid", quote.Bid.String()),
		slog.String("ask", quote.Ask.String()),
	)

	legs, err := c.plan(&it)
	if err != nil {
		return it, err
	}
	if it.Outcome == OutcomeSkipped {
		return it, nil
	}

	for _, pl := range legs {
		leg := c.place(ctx, pl)
		it.Legs = append(it.Legs, leg)
	}

	stopErr := c.unwind(ctx, it.Legs)
	for _, leg := range it.Legs {
		if errors.Is(leg.Err, safety.ErrCircuitOpen) {
			stopErr = errors.Join(stopErr, leg.Err)
			break
		}
	}
	if stopErr != nil {
		return it, stopErr
	}
	if err := ctx.Err(); err != nil {
		return it, err
	}
	return it, nil
}

// plan picks the direction and builds the orders, buy leg first. It marks
// the iteration skipped when the price would cross the book.
func (c *Controller) plan(it *Iteration) ([]plannedLeg, error) {
	s := c.Settings
	var (
		ref           decimal.Decimal
		qty           decimal.Decimal
		buyer, seller Account
	)
	switch {
	case it.HeldB.GreaterThan(it.HeldA), it.HeldA.Equal(it.HeldB) && it.HeldA.Sign() > 0:
		ref = it.Quote.Bid.Mul(s.BuyMarkup)
		qty = it.HeldB
		buyer, seller = c.A, c.B
	case it.HeldA.GreaterThan(it.HeldB):
		ref = it.Quote.Ask.Mul(s.SellMarkdown)
		qty = it.HeldA
		buyer, seller = c.B, c.A
	default:
		order, err := core.NewMarketBuy(s.Pair, s.MarketBuyAmount)
		if err != nil {
			return nil, fmt.Errorf("build market buy: %w", err)
		}
		it.Outcome = OutcomeMarketBuy
		return []plannedLeg{{account: c.B, order: order}}, nil
	}

	price := core.Quantize(ref, s.PriceUnit, s.PricePrecision)
	it.Price = price
	if !it.Quote.WithinBook(ref) || !it.Quote.WithinBook(price) {
		c.logger().Warn("price_outside_book",
			slog.String("reference", ref.String()),
			slog.String("price", price.String()),
			slog.String("bid", it.Quote.Bid.String()),
			slog.String("ask", it.Quote.Ask.String()),
		)
		it.Outcome = OutcomeSkipped
		return nil, nil
	}

	buy, err := core.NewLimitOrder(s.Pair, core.Buy, price, qty, false)
	if err != nil {
		return nil, fmt.Errorf("build buy leg: %w", err)
	}
	sell, err := core.NewLimitOrder(s.Pair, core.Sell, price, qty, false)
	if err != nil {
		return nil, fmt.Errorf("build sell leg: %w", err)
	}
	it.Outcome = OutcomePlaced
	return []plannedLeg{{account: buyer, order: buy}, {account: seller, order: sell}}, nil
}

func (c *Controller) place(ctx context.Context, pl plannedLeg) Leg {
	leg := Leg{Account: pl.account.Name(), Order: pl.order, acct: pl.account}
	callCtx, cancel := withTimeout(ctx, c.Settings.OrderTimeout)
	defer cancel()
	id, err := pl.account.PlaceOrder(callCtx, pl.order)
	base := pl.order.Base()
	if err != nil {
		leg.Err = err
		c.logger().Error("order_failed",
			slog.String("account", leg.Account),
			slog.String("side", string(base.Side)),
			slog.String("type", string(pl.order.Type())),
			logging.Err(err),
		)
		return leg
	}
	leg.ID = id
	c.logger().Info("order_placed",
		slog.String("account", leg.Account),
		slog.String("side", string(base.Side)),
		slog.String("type", string(pl.order.Type())),
		slog.String("order_id", id),
	)
	return leg
}

// unwind cancels every open order on the accounts that accepted a leg. It
// keeps going after ctx is cancelled.
func (c *Controller) unwind(ctx context.Context, legs []Leg) error {
	placed := legs[:0:0]
	for _, leg := range legs {
		if leg.ID != "" {
			placed = append(placed, leg)
		}
	}
	if len(placed) == 0 {
		return nil
	}
	bg := context.WithoutCancel(ctx)
	if c.Settings.UnwindDelay > 0 {
		_ = c.sleep(bg, c.Settings.UnwindDelay)
	}

	var stopErr error
	for _, leg := range placed {
		callCtx, cancel := withTimeout(bg, c.Settings.CancelTimeout)
		err := leg.acct.CancelAll(callCtx, c.Settings.Pair)
		cancel()
		if err != nil {
			c.logger().Error("unwind_failed", slog.String("account", leg.Account), logging.Err(err))
			c.alert("unwind_failed", map[string]string{
				"account": leg.Account,
				"error":   err.Error(),
			})
			if errors.Is(err, safety.ErrCircuitOpen) {
				stopErr = err
			}
			continue
		}
		c.logger().Info("orders_cancelled", slog.String("account", leg.Account))
	}
	return stopErr
}

// balances never fails: an unreachable account reads as holding nothing.
func (c *Controller) balances(ctx context.Context, acct Account) core.Balances {
	return fetchBalances(ctx, acct, c.Limiter, c.Settings.BalanceTimeout, c.logger())
}

func fetchBalances(ctx context.Context, acct Account, limiter *ratelimit.Window, timeout time.Duration, logger *slog.Logger) core.Balances {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return core.Balances{}
		}
	}
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	bal, err := acct.Balances(callCtx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("balance_fetch_failed", slog.String("account", acct.Name()), logging.Err(err))
		}
		return core.Balances{}
	}
	return bal
}

func (c *Controller) bestBidAsk(ctx context.Context) (core.Quote, error) {
	callCtx, cancel := withTimeout(ctx, c.Settings.BookTimeout)
	defer cancel()
	book, err := c.Book.OrderBook(callCtx, c.Settings.Pair, coinone.OrderBookQuery{Size: c.Settings.OrderBookSize})
	if err != nil {
		return core.Quote{}, err
	}
	return book.BestBidAsk()
}

func (c *Controller) alert(event string, fields map[string]string) {
	if c.Alerts == nil {
		return
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["pair"] = c.Settings.Pair.String()
	c.Alerts.Important(event, fields)
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
