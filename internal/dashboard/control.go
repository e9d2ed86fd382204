package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taohash/mining-proxy/internal/monitoring"
	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/sessionregistry"
)

// Terminator is the narrow slice of sessionregistry.Registry the control
// endpoint needs, kept as an interface so tests can supply a fake.
type Terminator interface {
	TerminateAll()
}

var _ Terminator = (*sessionregistry.Registry)(nil)

// ControlServer hosts the local-only reload endpoint (spec §4.6/§6, default
// 127.0.0.1:5010). It is deliberately narrower than Server: a compromised or
// misrouted request to the public dashboard port can never trigger a reload.
type ControlServer struct {
	Router     *gin.Engine
	httpServer *http.Server

	holder   *proxyconfig.Holder
	sessions Terminator
	metrics  *monitoring.Metrics
	log      *zap.SugaredLogger
}

// NewControl builds the reload-only control server bound to addr.
func NewControl(addr string, holder *proxyconfig.Holder, sessions Terminator, metrics *monitoring.Metrics, log *zap.SugaredLogger) *ControlServer {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &ControlServer{
		Router:   router,
		holder:   holder,
		sessions: sessions,
		metrics:  metrics,
		log:      log,
	}

	router.POST("/api/reload", s.handleReload)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Run starts serving until ctx is cancelled, then shuts down gracefully.
func (s *ControlServer) Run(ctx context.Context) error {
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

// handleReload implements spec §4.6/§6's reload contract: the on-disk config
// is reloaded and atomically swapped, then termination of active sessions is
// scheduled in the background so the HTTP response is not blocked on it.
func (s *ControlServer) handleReload(c *gin.Context) {
	if _, err := s.holder.Reload(); err != nil {
		s.log.Warnw("config reload failed", "err", err)
		c.String(http.StatusInternalServerError, "reload failed: %v", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ReloadSucceeded()
	}
	s.log.Infow("config reloaded, terminating active sessions")
	go s.sessions.TerminateAll()
	c.String(http.StatusOK, "reloaded")
}
