// Package stats is the in-memory per-miner statistics registry: accepted/
// rejected counters, the bounded recent-shares window, and the trailing
// hashrate estimator. It is grounded on this repo's own hashrate.Window
// (rolling cleanup-on-read window with a difficulty-weighted formula),
// generalized to add the spec's minimum-sample-size floor and the
// accepted/rejected/difficulty bookkeeping a dashboard snapshot needs.
package stats

import (
	"sync"
	"time"
)

// Diff1Target is 2^32, the number of hashes represented by difficulty 1.
const Diff1Target = 4294967296.0

// hashrateWindow is the trailing period the estimator is computed over.
const hashrateWindow = 5 * time.Minute

// minSamples is the floor below which the estimator reports 0 rather than a
// statistically meaningless extrapolation.
const minSamples = 10

// recentCapacity bounds the FIFO of recent (timestamp, difficulty) tuples.
const recentCapacity = 100

type shareSample struct {
	at         time.Time
	difficulty float64
}

// Entry is one connected miner's live statistics. Per the spec's ownership
// rule, only the owning miner session mutates an entry; the dashboard reads
// a snapshot copy.
type Entry struct {
	mu sync.RWMutex

	connectedAt    time.Time
	worker         string
	accepted       uint64
	rejected       uint64
	difficulty     float64
	poolDifficulty float64
	poolLabel      string
	poolAddr       string
	recent         []shareSample
}

// NewEntry creates a fresh entry for a newly connected miner.
func NewEntry(poolLabel, poolAddr string) *Entry {
	return &Entry{
		connectedAt: time.Now(),
		poolLabel:   poolLabel,
		poolAddr:    poolAddr,
	}
}

// SetWorker records the worker name declared at authorize time.
func (e *Entry) SetWorker(worker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.worker = worker
}

// SetDifficulty records the effective and pool-requested difficulty
// currently in force for the session.
func (e *Entry) SetDifficulty(effective, pool float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.difficulty = effective
	e.poolDifficulty = pool
}

// RecordShare records a share verdict: bumps the accepted/rejected counter
// and, for accepted shares, adds a sample to the recent-shares window used
// by the hashrate estimator (rejected shares do not count toward hashrate,
// matching the spec's difficulty-adjusted accepted-work formula).
func (e *Entry) RecordShare(at time.Time, difficulty float64, accepted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if accepted {
		e.accepted++
		e.recent = append(e.recent, shareSample{at: at, difficulty: difficulty})
		if len(e.recent) > recentCapacity {
			e.recent = e.recent[len(e.recent)-recentCapacity:]
		}
	} else {
		e.rejected++
	}
}

// Hashrate computes the trailing-5-minute difficulty-adjusted hashrate
// estimate: Σ(difficulty_i) × 2^32 / 300s, floored to 0 below 10 samples in
// the window.
func (e *Entry) Hashrate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hashrateLocked()
}

// hashrateLocked assumes the caller already holds e.mu (for reading or
// writing) and must not itself attempt to acquire it.
func (e *Entry) hashrateLocked() float64 {
	cutoff := time.Now().Add(-hashrateWindow)
	var (
		count int
		total float64
	)
	for _, s := range e.recent {
		if s.at.After(cutoff) {
			count++
			total += s.difficulty
		}
	}
	if count < minSamples {
		return 0
	}
	return (total * Diff1Target) / hashrateWindow.Seconds()
}

// Snapshot is a read-only copy of an entry's fields, safe to hand to the
// dashboard without holding any lock.
type Snapshot struct {
	Miner          string
	Worker         string
	Accepted       uint64
	Rejected       uint64
	Difficulty     float64
	PoolDifficulty float64
	Hashrate       float64
	PoolLabel      string
	Pool           string
	ConnectedAt    time.Time
}

// Snapshot copies out the entry's current fields for miner.
func (e *Entry) Snapshot(miner string) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Miner:          miner,
		Worker:         e.worker,
		Accepted:       e.accepted,
		Rejected:       e.rejected,
		Difficulty:     e.difficulty,
		PoolDifficulty: e.poolDifficulty,
		Hashrate:       e.hashrateLocked(),
		PoolLabel:      e.poolLabel,
		Pool:           e.poolAddr,
		ConnectedAt:    e.connectedAt,
	}
}

// Registry is the shared, process-wide table of live miner entries. It is
// the one piece of global mutable state besides the config holder; every
// session only ever touches the entry it owns.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a new miner entry under key (the miner session uses its
// remote address), replacing any entry already stored under that key.
func (r *Registry) Register(key string, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = entry
}

// Unregister removes a miner's entry when its session ends.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Snapshot returns a point-in-time copy of every connected miner's stats,
// for the dashboard's /api/stats handler.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for key, entry := range r.entries {
		out = append(out, entry.Snapshot(key))
	}
	return out
}

// Count returns the number of currently connected miners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
