// Package statspublish optionally mirrors the in-process stats registry to
// Redis, so an external dashboard (or a second proxy instance behind a load
// balancer) can read live per-miner stats without querying this process
// directly. It is additive: per SPEC_FULL.md §3, it never gates correctness
// of the in-process dashboard handlers, which always read straight from the
// stats.Registry. Grounded on this repo's own go-redis/v9 client wiring in
// internal/api.Server (a plain *redis.Client held alongside the router) and
// internal/cache's key-namespacing convention.
package statspublish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/stats"
)

const keyPrefix = "proxy:stats:"

// Publisher periodically snapshots the stats registry and writes one JSON
// value per miner to Redis under "proxy:stats:<miner>".
type Publisher struct {
	client   *redis.Client
	registry *stats.Registry
	log      *zap.SugaredLogger
	interval time.Duration
	ttl      time.Duration
}

// New builds a Publisher from the config's Redis section. It does not dial
// immediately; the first command against client establishes the connection
// lazily, matching go-redis's own connection-pool semantics.
func New(cfg proxyconfig.RedisConfig, registry *stats.Registry, log *zap.SugaredLogger) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	return &Publisher{
		client:   client,
		registry: registry,
		log:      log,
		interval: 10 * time.Second,
		ttl:      30 * time.Second,
	}
}

// Run publishes a snapshot every interval until ctx is cancelled. Publish
// failures are logged and do not stop the loop: this is a best-effort
// mirror, never a source of truth for the in-process dashboard.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(ctx)
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) {
	snaps := p.registry.Snapshot()
	pipe := p.client.Pipeline()
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			p.log.Warnw("marshal stats snapshot failed", "miner", snap.Miner, "err", err)
			continue
		}
		pipe.Set(ctx, keyPrefix+snap.Miner, data, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		p.log.Warnw("publish stats snapshot to redis failed", "err", err)
	}
}
