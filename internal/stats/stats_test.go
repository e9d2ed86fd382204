package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashrateFloorBelowTenSamples(t *testing.T) {
	e := NewEntry("normal", "stratum.example.com:3333")
	now := time.Now()

	for i := 0; i < 9; i++ {
		e.RecordShare(now, 8192, true)
	}
	assert.Equal(t, float64(0), e.Hashrate())

	e.RecordShare(now, 8192, true)
	assert.Greater(t, e.Hashrate(), float64(0))
}

func TestHashrateFormula(t *testing.T) {
	e := NewEntry("normal", "pool:3333")
	now := time.Now()

	var total float64
	for i := 0; i < 10; i++ {
		e.RecordShare(now, 8192, true)
		total += 8192
	}

	want := (total * Diff1Target) / hashrateWindow.Seconds()
	assert.InDelta(t, want, e.Hashrate(), 1)
}

func TestHashrateExcludesOldSamples(t *testing.T) {
	e := NewEntry("normal", "pool:3333")
	old := time.Now().Add(-10 * time.Minute)

	for i := 0; i < 20; i++ {
		e.RecordShare(old, 8192, true)
	}
	assert.Equal(t, float64(0), e.Hashrate())
}

func TestRecentWindowIsBoundedAndRejectsDontCount(t *testing.T) {
	e := NewEntry("normal", "pool:3333")
	now := time.Now()

	for i := 0; i < 150; i++ {
		e.RecordShare(now, 1, true)
	}
	e.RecordShare(now, 1, false)

	snap := e.Snapshot("m")
	assert.Equal(t, uint64(150), snap.Accepted)
	assert.Equal(t, uint64(1), snap.Rejected)
	assert.LessOrEqual(t, len(e.recent), recentCapacity)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	e1 := NewEntry("normal", "pool:3333")
	e1.SetWorker("x.rig1")
	r.Register("x.rig1@1.2.3.4", e1)

	require.Equal(t, 1, r.Count())
	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "x.rig1", snaps[0].Worker)

	r.Unregister("x.rig1@1.2.3.4")
	assert.Equal(t, 0, r.Count())
}
