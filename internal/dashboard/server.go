// Package dashboard is the read-only stats/metrics HTTP surface plus the
// local reload control endpoint, registered on a gin.Engine following this
// repo's own internal/api.Server bootstrap (gin.Default(), an http.Server
// with explicit timeouts, graceful Shutdown(ctx)) and
// internal/monitoring.PrometheusClientImpl's registry/promhttp wiring.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taohash/mining-proxy/internal/monitoring"
	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/stats"
)

// Server hosts the read-only dashboard, stats API, and metrics endpoints
// (spec §6's "Dashboard" surface, default :8100). The reload control
// endpoint is a separate, narrower server — see control.go — bound to its
// own local-only address, matching spec §4.6/§6's distinction between the
// public dashboard and the local control port.
type Server struct {
	Router     *gin.Engine
	httpServer *http.Server

	holder    *proxyconfig.Holder
	registry  *stats.Registry
	metrics   *monitoring.Metrics
	log       *zap.SugaredLogger
	startedAt time.Time
}

// New builds the dashboard server bound to addr. In non-development
// environments gin.ReleaseMode should be set by the caller before
// construction, matching internal/api.Server's environment-conditioned mode.
func New(addr string, holder *proxyconfig.Holder, registry *stats.Registry, metrics *monitoring.Metrics, log *zap.SugaredLogger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		Router:    router,
		holder:    holder,
		registry:  registry,
		metrics:   metrics,
		log:       log,
		startedAt: time.Now(),
	}

	router.GET("/", s.handleIndex)
	router.GET("/api/stats", s.handleStats)
	router.GET("/api/pool", s.handlePool)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Run starts serving until the context is cancelled, then gracefully shuts
// down, matching internal/api.Server.Run's signal-driven shutdown shape
// (the signal handling itself lives in cmd/proxy's main, not here).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, indexHTML)
}

type minerStats struct {
	Miner          string  `json:"miner"`
	Worker         string  `json:"worker"`
	Accepted       uint64  `json:"accepted"`
	Rejected       uint64  `json:"rejected"`
	Difficulty     float64 `json:"difficulty"`
	PoolDifficulty float64 `json:"pool_difficulty"`
	Hashrate       float64 `json:"hashrate"`
	PoolType       string  `json:"pool_type"`
	Pool           string  `json:"pool"`
}

func (s *Server) handleStats(c *gin.Context) {
	snaps := s.registry.Snapshot()
	out := make([]minerStats, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, minerStats{
			Miner:          snap.Miner,
			Worker:         snap.Worker,
			Accepted:       snap.Accepted,
			Rejected:       snap.Rejected,
			Difficulty:     snap.Difficulty,
			PoolDifficulty: snap.PoolDifficulty,
			Hashrate:       snap.Hashrate,
			PoolType:       snap.PoolLabel,
			Pool:           snap.Pool,
		})
	}
	if s.metrics != nil {
		s.metrics.SetActiveMiners(len(out))
	}
	c.JSON(http.StatusOK, out)
}

type poolInfo struct {
	Pool      string    `json:"pool"`
	User      string    `json:"user"`
	StartedAt time.Time `json:"connected_at"`
}

func (s *Server) handlePool(c *gin.Context) {
	cfg := s.holder.Get()
	out := make([]poolInfo, 0, len(cfg.Pools))
	for label, p := range cfg.Pools {
		out = append(out, poolInfo{
			Pool:      fmt.Sprintf("%s (%s)", p.Addr(), label),
			User:      p.User,
			StartedAt: s.startedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>taohash mining proxy</title></head>
<body>
<h1>taohash mining proxy</h1>
<p>See <a href="/api/stats">/api/stats</a>, <a href="/api/pool">/api/pool</a>, and <a href="/metrics">/metrics</a>.</p>
</body>
</html>
`
