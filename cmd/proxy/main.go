// Command proxy is the taohash mining proxy entrypoint: it loads
// configuration, opens the share log, starts one TCP listener per entry of
// the listeners table plus the dashboard and control HTTP servers, and shuts everything
// down gracefully on SIGINT/SIGTERM. It is grounded on this repo's own
// cmd/stratum/main.go (config loading, graceful shutdown via
// signal.Notify, goroutine-per-listener accept loops) and
// internal/api.Server.Run's shutdown pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/taohash/mining-proxy/internal/dashboard"
	"github.com/taohash/mining-proxy/internal/logging"
	"github.com/taohash/mining-proxy/internal/monitoring"
	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/sessionregistry"
	"github.com/taohash/mining-proxy/internal/sharelog"
	"github.com/taohash/mining-proxy/internal/stats"
	"github.com/taohash/mining-proxy/internal/statspublish"
)

func main() {
	os.Exit(run())
}

// getEnv returns the value of an environment variable, or fallback if unset.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() int {
	configPath := flag.String("config", getEnv("TAOHASH_PROXY_CONFIG", ""), "path to the proxy config file (default: ./config.yaml)")
	env := flag.String("env", getEnv("ENVIRONMENT", "production"), "deployment environment (development|production)")
	flag.Parse()

	holder, err := proxyconfig.NewHolder(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}
	cfg := holder.Get()

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync()

	shareLog, err := sharelog.Open(cfg.ShareLog.Path)
	if err != nil {
		log.Errorw("share log open failed", "err", err)
		return 1
	}
	defer shareLog.Close()

	if *env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := monitoring.New()
	registry := stats.NewRegistry()
	sessions := sessionregistry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("shutdown signal received")
		cancel()
	}()

	var wg sync.WaitGroup

	if cfg.Redis.Enabled {
		publisher := statspublish.New(cfg.Redis, registry, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infow("redis stats publisher started", "addr", cfg.Redis.Addr)
			publisher.Run(ctx)
		}()
	}

	for label, lc := range cfg.Listeners {
		label, lc := label, lc
		ln := sessionregistry.NewListener(lc.Pool, lc.Bind, holder, registry, shareLog, sessions, metrics, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infow("listener started", "label", label, "bind", lc.Bind, "pool", lc.Pool)
			if err := ln.Run(ctx); err != nil {
				log.Errorw("listener stopped with error", "label", label, "err", err)
			}
		}()
	}

	dash := dashboard.New(cfg.Dashboard.Bind, holder, registry, metrics, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infow("dashboard started", "bind", cfg.Dashboard.Bind)
		if err := dash.Run(ctx); err != nil {
			log.Errorw("dashboard server stopped with error", "err", err)
		}
	}()

	control := dashboard.NewControl(cfg.Control.Bind, holder, sessions, metrics, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infow("control endpoint started", "bind", cfg.Control.Bind)
		if err := control.Run(ctx); err != nil {
			log.Errorw("control server stopped with error", "err", err)
		}
	}()

	wg.Wait()
	log.Infow("proxy shut down cleanly")
	return 0
}
