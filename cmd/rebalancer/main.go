package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coinone-rebalancer/internal/alert"
	"coinone-rebalancer/internal/config"
	"coinone-rebalancer/internal/exchange/coinone"
	"coinone-rebalancer/internal/logging"
	"coinone-rebalancer/internal/proxy"
	"coinone-rebalancer/internal/ratelimit"
	"coinone-rebalancer/internal/rebalance"
	"coinone-rebalancer/internal/safety"
	"coinone-rebalancer/internal/store"
)

const usage = `usage:
  rebalancer [-config path] rebalance [-symbol CBK]
  rebalancer [-config path] balance`

var errUsage = errors.New(usage)

type command struct {
	configPath string
	name       string
	symbol     string
}

func main() {
	cmd, err := parseCommand(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}
	if err := run(cmd, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseCommand(args []string, stderr io.Writer) (command, error) {
	root := flag.NewFlagSet("rebalancer", flag.ContinueOnError)
	root.SetOutput(stderr)
	var cmd command
	root.StringVar(&cmd.configPath, "config", "config/config.yaml", "config yaml path")
	if err := root.Parse(args); err != nil {
		return command{}, err
	}
	rest := root.Args()
	if len(rest) == 0 {
		return command{}, errUsage
	}
	cmd.name = rest[0]
	switch cmd.name {
	case "rebalance":
		sub := flag.NewFlagSet("rebalance", flag.ContinueOnError)
		sub.SetOutput(stderr)
		sub.StringVar(&cmd.symbol, "symbol", "", "target currency to move (default from config)")
		if err := sub.Parse(rest[1:]); err != nil {
			return command{}, err
		}
		if sub.NArg() > 0 {
			return command{}, fmt.Errorf("unexpected argument %q\n%s", sub.Arg(0), usage)
		}
	case "balance":
		if len(rest) > 1 {
			return command{}, fmt.Errorf("unexpected argument %q\n%s", rest[1], usage)
		}
	default:
		return command{}, fmt.Errorf("unknown command %q\n%s", cmd.name, usage)
	}
	return cmd, nil
}

func run(cmd command, stdout, stderr io.Writer) error {
	cfg, err := config.Load(cmd.configPath)
	if err != nil {
		return err
	}
	if cmd.symbol != "" {
		cfg.Rebalance.TargetCurrency = strings.ToUpper(strings.TrimSpace(cmd.symbol))
	}
	if err := cfg.ValidateRebalance(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Observability.Log.Level, string(cfg.Observability.Log.Format), stderr)
	if err != nil {
		return err
	}
	settings := rebalance.SettingsFromConfig(cfg.Rebalance)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, b := buildAccounts(cfg.Rebalance)
	limiter := ratelimit.NewWindow(cfg.Rebalance.BalanceCallsPerSec, time.Second)

	switch cmd.name {
	case "balance":
		return rebalance.NewDisplay(a, b, limiter, settings, stdout, logger).Run(ctx)
	case "rebalance":
		return runRebalance(ctx, cfg, settings, a, b, limiter, logger)
	}
	return errUsage
}

func runRebalance(ctx context.Context, cfg config.Config, settings rebalance.Settings, a, b *proxy.Client, limiter *ratelimit.Window, logger *slog.Logger) error {
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	lock, err := store.AcquireInstanceLock(cfg.State.Dir, settings.Pair.String(), store.LockOptions{
		Takeover:   lockTakeover,
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("instance_lock_release_failed", logging.Err(err))
		}
	}()

	breaker := safety.NewBreaker(cfg.CircuitBreaker, logger)
	controller := &rebalance.Controller{
		A:        safety.NewGuardedAccount(a, breaker),
		B:        safety.NewGuardedAccount(b, breaker),
		Book:     coinone.NewClient(cfg.Exchange),
		Settings: settings,
		Limiter:  limiter,
		Logger:   logger,
	}
	if alerts := alert.NewFromConfig(cfg.Observability, "rebalancer", settings.Pair.String(), logger); alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("alert_close_failed", logging.Err(err))
			}
		}()
		breaker.SetAlerter(alerts)
		controller.Alerts = alerts
	}
	return controller.Run(ctx)
}

func buildAccounts(cfg config.RebalanceConfig) (*proxy.Client, *proxy.Client) {
	a := proxy.NewClient(proxy.ClientOptions{Name: "A", BaseURL: cfg.AccountAURL, APIKey: cfg.AccountAPIKey})
	b := proxy.NewClient(proxy.ClientOptions{Name: "B", BaseURL: cfg.AccountBURL, APIKey: cfg.AccountAPIKey})
	return a, b
}
