package rebalance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinone-rebalancer/internal/config"
	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange/coinone"
	"coinone-rebalancer/internal/logging"
	"coinone-rebalancer/internal/safety"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeAccount struct {
	name     string
	log      *callLog
	balances core.Balances
	balErr   error
	placeErr error

	mu      sync.Mutex
	orders  []core.OrderRequest
	cancels int
}

func (f *fakeAccount) Name() string { return f.name }

func (f *fakeAccount) Balances(ctx context.Context) (core.Balances, error) {
	if f.balErr != nil {
		return nil, f.balErr
	}
	return f.balances, nil
}

func (f *fakeAccount) PlaceOrder(ctx context.Context, order core.OrderRequest) (string, error) {
	f.log.add(f.name + ":" + string(order.Base().Side))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return f.name + "-order", nil
}

func (f *fakeAccount) CancelAll(ctx context.Context, pair core.Pair) error {
	f.log.add(f.name + ":cancel")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

type fakeBook struct {
	bid, ask string
	err      error
	calls    int
}

func (b *fakeBook) OrderBook(ctx context.Context, pair core.Pair, q coinone.OrderBookQuery) (core.OrderBook, error) {
	b.calls++
	if b.err != nil {
		return core.OrderBook{}, b.err
	}
	return core.OrderBook{
		Pair: pair,
		Bids: []core.Level{{Price: decimal.RequireFromString(b.bid), Qty: decimal.NewFromInt(1)}},
		Asks: []core.Level{{Price: decimal.RequireFromString(b.ask), Qty: decimal.NewFromInt(1)}},
	}, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *alertRecorder) Important(event string, fields map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func testSettings() Settings {
	unit := config.NewDecimal("5")
	return SettingsFromConfig(config.RebalanceConfig{
		TargetCurrency:  "CBK",
		QuoteCurrency:   "KRW",
		MarketBuyAmount: config.NewDecimal("200000"),
		PriceUnit:       &unit,
		PricePrecision:  0,
		BuyMarkup:       config.NewDecimal("1.01"),
		SellMarkdown:    config.NewDecimal("0.99"),
		OrderBookSize:   5,
		UnwindDelayMs:   500,
		SkipDelayMs:     2000,
	})
}

type harness struct {
	log    *callLog
	a, b   *fakeAccount
	book   *fakeBook
	alerts *alertRecorder
	sleeps []time.Duration
	c      *Controller
}

func newHarness(heldA, heldB string, bid, ask string) *harness {
	h := &harness{log: &callLog{}, book: &fakeBook{bid: bid, ask: ask}, alerts: &alertRecorder{}}
	h.a = &fakeAccount{name: "A", log: h.log, balances: balancesOf(heldA)}
	h.b = &fakeAccount{name: "B", log: h.log, balances: balancesOf(heldB)}
	h.c = &Controller{
		A:        h.a,
		B:        h.b,
		Book:     h.book,
		Settings: testSettings(),
		Alerts:   h.alerts,
		Logger:   logging.Discard(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	}
	return h
}

func balancesOf(amount string) core.Balances {
	d := decimal.RequireFromString(amount)
	if d.Sign() <= 0 {
		return core.Balances{"KRW": decimal.NewFromInt(1000000)}
	}
	return core.Balances{"CBK": d, "KRW": decimal.NewFromInt(1000000)}
}

func limitOf(t *testing.T, o core.OrderRequest) core.LimitOrder {
	t.Helper()
	lo, ok := o.(core.LimitOrder)
	if !ok {
		t.Fatalf("order type = %T, want core.LimitOrder", o)
	}
	return lo
}

func TestStepMovesHoldingsFromBToA(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if it.Outcome != OutcomePlaced {
		t.Fatalf("Outcome = %v, want placed", it.Outcome)
	}
	if !it.Price.Equal(decimal.NewFromInt(1010)) {
		t.Fatalf("Price = %s, want 1010", it.Price)
	}

	want := []string{"A:BUY", "B:SELL", "A:cancel", "B:cancel"}
	got := h.log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}

	buy := limitOf(t, h.a.orders[0])
	sell := limitOf(t, h.b.orders[0])
	for _, o := range []core.LimitOrder{buy, sell} {
		if !o.Price.Equal(decimal.NewFromInt(1010)) || !o.Qty.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("order = %+v, want price 1010 qty 10", o)
		}
		if o.Pair != core.NewPair("KRW", "CBK") {
			t.Fatalf("order pair = %v", o.Pair)
		}
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 500*time.Millisecond {
		t.Fatalf("sleeps = %v, want one unwind delay", h.sleeps)
	}
}

func TestStepSkipsWhenPriceCrossesAsk(t *testing.T) {
	// 100 * 1.05 = 105 > ask 102
	h := newHarness("0", "3", "100", "102")
	h.c.Settings.BuyMarkup = decimal.RequireFromString("1.05")
	h.c.Settings.PriceUnit = decimal.NewFromInt(1)

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if it.Outcome != OutcomeSkipped {
		t.Fatalf("Outcome = %v, want skipped", it.Outcome)
	}
	if calls := h.log.snapshot(); len(calls) != 0 {
		t.Fatalf("calls = %v, want none", calls)
	}
}

func TestStepSkipsWhenQuantizedPriceCrossesAsk(t *testing.T) {
	// raw 1008 is inside the book, but rounds to 1010 with unit 10
	h := newHarness("0", "3", "1000", "1008")
	h.c.Settings.BuyMarkup = decimal.RequireFromString("1.008")
	h.c.Settings.PriceUnit = decimal.NewFromInt(10)

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if it.Outcome != OutcomeSkipped {
		t.Fatalf("Outcome = %v, want skipped", it.Outcome)
	}
}

func TestStepZeroPriceUnitRoundsToPrecisionOnly(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	zero := config.NewDecimal("0")
	cfg := config.RebalanceConfig{
		TargetCurrency: "CBK", QuoteCurrency: "KRW",
		MarketBuyAmount: config.NewDecimal("200000"),
		PriceUnit:       &zero,
		PricePrecision:  1,
		BuyMarkup:       config.NewDecimal("1.0043"),
		SellMarkdown:    config.NewDecimal("0.99"),
		OrderBookSize:   5,
	}
	h.c.Settings = SettingsFromConfig(cfg)

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	// 1000 * 1.0043 = 1004.3, no unit rounding
	if !it.Price.Equal(decimal.RequireFromString("1004.3")) {
		t.Fatalf("Price = %s, want 1004.3", it.Price)
	}
}

func TestStepMovesHoldingsFromAToB(t *testing.T) {
	h := newHarness("4", "1", "990", "1010")

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	// 1010 * 0.99 = 999.9 -> 1000
	if !it.Price.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("Price = %s, want 1000", it.Price)
	}
	got := h.log.snapshot()
	if len(got) < 2 || got[0] != "B:BUY" || got[1] != "A:SELL" {
		t.Fatalf("calls = %v, want B:BUY then A:SELL", got)
	}
	if q := limitOf(t, h.b.orders[0]).Qty; !q.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("qty = %s, want 4", q)
	}
}

func TestStepTieSellsFromB(t *testing.T) {
	h := newHarness("2", "2", "1000", "1010")

	if _, err := h.c.Step(context.Background()); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	got := h.log.snapshot()
	if len(got) < 2 || got[0] != "A:BUY" || got[1] != "B:SELL" {
		t.Fatalf("calls = %v, want A:BUY then B:SELL", got)
	}
}

func TestStepMarketBuysWhenNeitherHolds(t *testing.T) {
	h := newHarness("0", "0", "1000", "1010")

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if it.Outcome != OutcomeMarketBuy {
		t.Fatalf("Outcome = %v, want market_buy", it.Outcome)
	}
	if len(h.a.orders) != 0 || len(h.b.orders) != 1 {
		t.Fatalf("orders A=%d B=%d, want 0 and 1", len(h.a.orders), len(h.b.orders))
	}
	mo, ok := h.b.orders[0].(core.MarketOrder)
	if !ok {
		t.Fatalf("order type = %T, want core.MarketOrder", h.b.orders[0])
	}
	if mo.Side != core.Buy || !mo.Amount.Equal(decimal.NewFromInt(200000)) {
		t.Fatalf("market order = %+v", mo)
	}
	if h.a.cancels != 0 || h.b.cancels != 1 {
		t.Fatalf("cancels A=%d B=%d, want 0 and 1", h.a.cancels, h.b.cancels)
	}
}

func TestStepFailedLegIsNotCancelled(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	h.a.placeErr = errors.New("rejected")

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if len(it.Legs) != 2 || it.Legs[0].ID != "" || it.Legs[1].ID != "B-order" {
		t.Fatalf("legs = %+v", it.Legs)
	}
	if h.a.cancels != 0 || h.b.cancels != 1 {
		t.Fatalf("cancels A=%d B=%d, want 0 and 1", h.a.cancels, h.b.cancels)
	}
}

func TestStepTreatsBalanceFailureAsEmpty(t *testing.T) {
	h := newHarness("5", "10", "1000", "1010")
	h.a.balErr = errors.New("unreachable")

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !it.HeldA.IsZero() || !it.HeldB.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("held = %s/%s, want 0/10", it.HeldA, it.HeldB)
	}
}

func TestStepBacksOffWhenBookRateLimited(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	h.book.err = errors.Join(&coinone.APIError{Code: coinone.CodeRateLimited, Msg: "too many requests"}, core.ErrRateLimited)

	it, err := h.c.Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if it.Outcome != OutcomeBackoff {
		t.Fatalf("Outcome = %v, want backoff", it.Outcome)
	}
	if len(h.log.snapshot()) != 0 {
		t.Fatalf("orders placed while backing off: %v", h.log.snapshot())
	}
}

func TestRunStopsOnBookFailure(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	h.book.err = core.ErrEmptyBook

	err := h.c.Run(context.Background())
	if !errors.Is(err, core.ErrEmptyBook) {
		t.Fatalf("Run() error = %v, want ErrEmptyBook", err)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0] != "rebalance_stopped" {
		t.Fatalf("alerts = %v", h.alerts.events)
	}
}

func TestRunStopsOnBlockedAccessWithDomainCode(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	h.book.err = coinone.CheckResponse(200, []byte(`{"result":"error","error_code":"107","error_msg":"Blocked user access."}`))

	err := h.c.Run(context.Background())
	if !errors.Is(err, core.ErrInvalidParameter) {
		t.Fatalf("Run() error = %v, want ErrInvalidParameter", err)
	}
	if h.book.calls != 1 || len(h.sleeps) != 0 {
		t.Fatalf("book calls = %d sleeps = %v, want one call and no backoff", h.book.calls, h.sleeps)
	}
}

func TestRunRetriesAfterRateLimit(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	h.book.err = core.ErrRateLimited
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.c.Sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		if len(h.sleeps) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	if err := h.c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil on cancel", err)
	}
	if h.book.calls != 3 {
		t.Fatalf("book calls = %d, want 3", h.book.calls)
	}
	for _, d := range h.sleeps {
		if d <= 0 {
			t.Fatalf("backoff wait = %v", d)
		}
	}
}

func TestRunSleepsSkipDelay(t *testing.T) {
	h := newHarness("0", "3", "100", "102")
	h.c.Settings.BuyMarkup = decimal.RequireFromString("1.05")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.c.Sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		cancel()
		return ctx.Err()
	}

	if err := h.c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 2*time.Second {
		t.Fatalf("sleeps = %v, want [2s]", h.sleeps)
	}
}

func TestRunStopsWhenBreakerTrips(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	h.b.placeErr = errors.New("rejected")
	breaker := safety.NewBreaker(config.CircuitBreakerConfig{Enabled: true, MaxPlaceFailures: 1, MaxCancelFailures: 5}, logging.Discard())
	h.c.A = safety.NewGuardedAccount(h.a, breaker)
	h.c.B = safety.NewGuardedAccount(h.b, breaker)

	err := h.c.Run(context.Background())
	if !errors.Is(err, safety.ErrCircuitOpen) {
		t.Fatalf("Run() error = %v, want ErrCircuitOpen", err)
	}
	if h.a.cancels != 1 {
		t.Fatalf("A cancels = %d, want the accepted leg unwound", h.a.cancels)
	}
}

func TestStepUnwindsAfterCancellation(t *testing.T) {
	h := newHarness("0", "10", "1000", "1010")
	ctx, cancel := context.WithCancel(context.Background())
	h.a.placeErr = nil
	h.c.A = cancelOnPlace{Account: h.a, cancel: cancel}

	_, err := h.c.Step(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Step() error = %v, want context.Canceled", err)
	}
	if h.a.cancels != 1 {
		t.Fatalf("A cancels = %d, want 1", h.a.cancels)
	}
}

type cancelOnPlace struct {
	Account
	cancel context.CancelFunc
}

func (c cancelOnPlace) PlaceOrder(ctx context.Context, order core.OrderRequest) (string, error) {
	id, err := c.Account.PlaceOrder(ctx, order)
	c.cancel()
	return id, err
}
