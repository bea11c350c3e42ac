package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/config"
	"github.com/shardmesh/redisproxy/internal/coordinator"
	"github.com/shardmesh/redisproxy/internal/logging"
)

func main() {
	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}
	if err := config.LoadDotEnv(".env." + env); err != nil {
		fmt.Printf("warning: failed to load .env file: %v\n", err)
	}
	if config.IsLoaded() {
		fmt.Printf("loaded .env.%s\n", env)
	}

	cfg := config.LoadCoordinatorConfig()
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if len(cfg.ProxyAddresses) == 0 {
		log.Warn("no proxy addresses configured; set REDIS_PROXY_COORDINATOR_PROXIES")
	}

	broker := coordinator.NewStaticBroker(cfg.BrokerFile)
	syncer := coordinator.NewSyncer(broker, func() []string { return cfg.ProxyAddresses },
		time.Duration(cfg.SyncIntervalS)*time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("coordinator starting sync loop", zap.Int("proxies", len(cfg.ProxyAddresses)),
		zap.Int64("interval_s", cfg.SyncIntervalS))
	syncer.Run(ctx)
}
