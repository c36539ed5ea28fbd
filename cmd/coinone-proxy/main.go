package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinone-rebalancer/internal/config"
	"coinone-rebalancer/internal/exchange/coinone"
	"coinone-rebalancer/internal/logging"
	"coinone-rebalancer/internal/proxy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateProxy(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Observability.Log.Level, string(cfg.Observability.Log.Format), os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := coinone.NewClient(cfg.Exchange)
	srv := proxy.NewServer(client, client, proxy.Options{
		APIKey:         cfg.Proxy.APIKey,
		PrivateRPS:     cfg.Proxy.PrivateRPS,
		StreamInterval: time.Duration(cfg.Proxy.StreamIntervalMs) * time.Millisecond,
		Logger:         logger,
		Metrics:        proxy.NewMetrics(),
	})
	logger.Info("proxy_config",
		slog.String("listen_addr", cfg.Proxy.ListenAddr),
		slog.Bool("auth", cfg.Proxy.APIKey != ""),
		slog.Int("private_rps", cfg.Proxy.PrivateRPS),
	)
	if err := srv.Run(ctx, cfg.Proxy.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
