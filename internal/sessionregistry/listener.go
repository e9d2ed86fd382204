package sessionregistry

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/taohash/mining-proxy/internal/minersession"
	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/sharelog"
	"github.com/taohash/mining-proxy/internal/stats"
)

// Listener is one TCP acceptor bound to a pool label. It resolves that
// label's upstream pool descriptor from the config holder at accept time —
// per spec §4.6, this is the only place upstream selection occurs, so a
// reload's new pool descriptor takes effect for the very next accepted
// connection without needing to restart the listener itself.
type Listener struct {
	label    string
	bind     string
	holder   *proxyconfig.Holder
	registry *stats.Registry
	shareLog *sharelog.Log
	sessions *Registry
	metrics  minersession.Metrics
	log      *zap.SugaredLogger
}

// NewListener creates a listener for label, bound to bind, that routes
// accepted sockets to miner sessions using holder's live pool table.
func NewListener(label, bind string, holder *proxyconfig.Holder, registry *stats.Registry, shareLog *sharelog.Log, sessions *Registry, metrics minersession.Metrics, log *zap.SugaredLogger) *Listener {
	return &Listener{
		label:    label,
		bind:     bind,
		holder:   holder,
		registry: registry,
		shareLog: shareLog,
		sessions: sessions,
		metrics:  metrics,
		log:      log.With("listener", label),
	}
}

// Run accepts connections on bind until ctx is cancelled or the listener
// socket fails. Each accepted connection is handled in its own goroutine, one
// reader/writer pair per miner session.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.bind)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			continue
		}

		cfg := l.holder.Get()
		poolCfg, ok := cfg.Pool(l.label)
		if !ok {
			l.log.Warnw("no pool configured for listener, rejecting connection", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, conn, l.label, poolCfg)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn, poolLabel string, poolCfg proxyconfig.PoolConfig) {
	sessCtx, release := l.sessions.Add(ctx)
	defer release()

	sess := minersession.New(conn, poolLabel, poolCfg, l.registry, l.shareLog, l.metrics, l.log)
	sess.Run(sessCtx)
}
