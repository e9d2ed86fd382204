// Package sessionregistry is the listener set: one TCP acceptor per
// configured listener, each bound to a pool label at construction, plus the
// live-session bookkeeping a reload needs to terminate in-flight sessions in
// the background. It generalizes this repo's own sharded
// internal/stratum.ConnectionManager — the proxy's live-miner count is modest
// compared to a full pool's, so a small fixed shard count is used instead of
// the teacher's 64, but the shard-by-hash / atomic-count shape is kept.
package sessionregistry

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// Registry tracks every live miner session's cancel function, sharded by
// session id, so a reload can terminate every active session without
// blocking the caller on a single global lock.
type Registry struct {
	shards [shardCount]*shard
	nextID uint64
	count  int64
}

// New creates an empty session registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{cancels: make(map[uint64]context.CancelFunc)}
	}
	return r
}

func (r *Registry) shardFor(id uint64) *shard {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	h.Write(b[:])
	return r.shards[h.Sum64()%shardCount]
}

// Add derives a cancellable child context from parent, registers its cancel
// func, and returns the child context plus a release function the caller
// must invoke (typically deferred) when the session ends.
func (r *Registry) Add(parent context.Context) (context.Context, func()) {
	id := atomic.AddUint64(&r.nextID, 1)
	ctx, cancel := context.WithCancel(parent)

	sh := r.shardFor(id)
	sh.mu.Lock()
	sh.cancels[id] = cancel
	sh.mu.Unlock()
	atomic.AddInt64(&r.count, 1)

	release := func() {
		sh.mu.Lock()
		delete(sh.cancels, id)
		sh.mu.Unlock()
		atomic.AddInt64(&r.count, -1)
		cancel()
	}
	return ctx, release
}

// Count returns the number of currently tracked sessions.
func (r *Registry) Count() int {
	return int(atomic.LoadInt64(&r.count))
}

// TerminateAll cancels every currently tracked session's context. It returns
// immediately; actual socket teardown happens asynchronously in each
// session's own goroutines, matching the reload endpoint's "returns success
// as soon as the swap is committed" contract.
func (r *Registry) TerminateAll() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(sh.cancels))
		for _, c := range sh.cancels {
			cancels = append(cancels, c)
		}
		sh.mu.Unlock()
		for _, c := range cancels {
			c()
		}
	}
}
