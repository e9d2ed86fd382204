package statspublish

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/taohash/mining-proxy/internal/logging"
	"github.com/taohash/mining-proxy/internal/proxyconfig"
	"github.com/taohash/mining-proxy/internal/stats"
)

func TestPublisherWritesSnapshotToRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	registry := stats.NewRegistry()
	entry := stats.NewEntry("normal", "stratum.example.com:3333")
	entry.SetWorker("rig1")
	entry.SetDifficulty(8192, 8192)
	registry.Register("rig1@1.2.3.4:1", entry)

	p := New(proxyconfig.RedisConfig{Enabled: true, Addr: mr.Addr(), DB: 0}, registry, logging.Noop())
	p.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return mr.Exists(keyPrefix + "rig1@1.2.3.4:1")
	}, time.Second, 10*time.Millisecond)

	cancel()
}
