// Package safety stops the rebalancer from hammering an account whose
// order calls keep failing.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"coinone-rebalancer/internal/alert"
	"coinone-rebalancer/internal/config"
	"coinone-rebalancer/internal/core"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	actionPlace  = "place order"
	actionCancel = "cancel all"
)

type circuit struct {
	maxFailures int
	failures    int
	open        bool
	openedAt    time.Time
	openErr     error
}

// Breaker counts consecutive failures per action. Once a circuit opens it
// stays open for the life of the process.
type Breaker struct {
	enabled bool

	mu     sync.Mutex
	place  circuit
	cancel circuit

	alerter alert.Alerter
	logger  *slog.Logger
}

func NewBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		enabled: cfg.Enabled,
		place:   circuit{maxFailures: cfg.MaxPlaceFailures},
		cancel:  circuit{maxFailures: cfg.MaxCancelFailures},
		logger:  logger,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.cancel)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionPlace, &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionCancel, &b.cancel, err)
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.open {
		return c.openErr
	}
	return nil
}

func (b *Breaker) record(action string, c *circuit, err error) error {
	if !b.enabled || c.maxFailures < 1 {
		return nil
	}
	// shutdown is not an exchange failure
	if errors.Is(err, context.Canceled) {
		return nil
	}

	b.mu.Lock()
	if c.open {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}
	if err == nil {
		prev := c.failures
		c.failures = 0
		alerter := b.alerter
		b.mu.Unlock()
		if prev > 0 {
			b.logger.Info("circuit_breaker_recovered", slog.String("action", action), slog.Int("previous_consecutive_failures", prev))
			if alerter != nil && prev >= c.maxFailures-1 {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        action,
					"previous_consecutive_failures": strconv.Itoa(prev),
				})
			}
		}
		return nil
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	alerter := b.alerter
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 {
			b.logger.Warn("circuit_breaker_near_trip",
				slog.String("action", action),
				slog.Int("consecutive_failures", failures),
				slog.Int("threshold", limit),
				slog.String("last_error", err.Error()),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               action,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	c.open = true
	c.openedAt = time.Now().UTC()
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v", ErrCircuitOpen, action, failures, err)
	openErr := c.openErr
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		slog.String("action", action),
		slog.Int("consecutive_failures", failures),
		slog.Int("threshold", limit),
		slog.String("last_error", err.Error()),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               action,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

// Account is one exchange account as the rebalancer drives it.
type Account interface {
	Name() string
	Balances(ctx context.Context) (core.Balances, error)
	PlaceOrder(ctx context.Context, order core.OrderRequest) (string, error)
	CancelAll(ctx context.Context, pair core.Pair) error
}

// GuardedAccount routes order placement and cancellation through a Breaker.
// Balance reads are never blocked.
type GuardedAccount struct {
	inner   Account
	breaker *Breaker
}

func NewGuardedAccount(inner Account, breaker *Breaker) *GuardedAccount {
	return &GuardedAccount{inner: inner, breaker: breaker}
}

func (a *GuardedAccount) Name() string { return a.inner.Name() }

func (a *GuardedAccount) Balances(ctx context.Context) (core.Balances, error) {
	return a.inner.Balances(ctx)
}

func (a *GuardedAccount) PlaceOrder(ctx context.Context, order core.OrderRequest) (string, error) {
	if err := a.breaker.AllowPlace(); err != nil {
		return "", err
	}
	id, err := a.inner.PlaceOrder(ctx, order)
	if trip := a.breaker.RecordPlace(err); trip != nil {
		return id, trip
	}
	return id, err
}

func (a *GuardedAccount) CancelAll(ctx context.Context, pair core.Pair) error {
	if err := a.breaker.AllowCancel(); err != nil {
		return err
	}
	err := a.inner.CancelAll(ctx, pair)
	if trip := a.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}
