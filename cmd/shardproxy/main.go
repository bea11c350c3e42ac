package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/backend"
	"github.com/shardmesh/redisproxy/internal/config"
	"github.com/shardmesh/redisproxy/internal/httpadmin"
	"github.com/shardmesh/redisproxy/internal/logging"
	"github.com/shardmesh/redisproxy/internal/session"
	"github.com/shardmesh/redisproxy/internal/topology"
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

	cfg := config.LoadProxyConfig()
	addr := flag.String("addr", cfg.ListenAddr, "client-facing listen address")
	httpAddr := flag.String("http-addr", cfg.HTTPAddr, "debug HTTP listen address, empty disables it")
	flag.Parse()

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	meta := topology.NewMetaMap(func(a string) *backend.Sender {
		return backend.New(a, log, nil)
	}, nil, log)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal("listen failed", zap.String("addr", *addr), zap.Error(err))
	}
	log.Info("shardproxy listening", zap.String("addr", *addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *httpAddr != "" {
		adminSrv := httpadmin.New(meta, log)
		go func() {
			if err := adminSrv.Run(*httpAddr); err != nil {
				log.Warn("http admin server stopped", zap.Error(err))
			}
		}()
		log.Info("debug http admin listening", zap.String("addr", *httpAddr))
	}

	go acceptLoop(ctx, ln, meta, log, cfg.MaxClients)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	cancel()
	ln.Close()
}

func acceptLoop(ctx context.Context, ln net.Listener, meta *topology.MetaMap, log *zap.Logger, maxClients int) {
	sem := make(chan struct{}, maxOrUnbounded(maxClients))
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		select {
		case sem <- struct{}{}:
		default:
			c.Close()
			continue
		}
		go func() {
			defer func() { <-sem }()
			session.New(c, meta, log).Serve(ctx)
		}()
	}
}

func maxOrUnbounded(n int) int {
	if n <= 0 {
		return 1 << 20
	}
	return n
}
