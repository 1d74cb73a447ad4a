package mlat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackUntilTracking(t *testing.T, tr *PairTracker, delta float64) {
	t.Helper()
	now := time.Now()
	x := 0.0
	for i := 0; i < 50; i++ {
		now = now.Add(100 * time.Millisecond)
		x += 0.1
		_, err := tr.Observe(x, x+delta, 0, 0, 0, now)
		require.NoError(t, err)
	}
	require.True(t, tr.IsTracking())
}

func TestClockGraphDirectTranslation(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)

	tr := g.PairFor(1, 2, nil)
	trackUntilTracking(t, tr, 5e-6)

	got, _, err := g.Translate(10.0, 1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 10.0+5e-6, got, 1e-6)
}

func TestClockGraphMultiHopComposesBothDirections(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)

	trackUntilTracking(t, g.PairFor(1, 2, nil), 2e-6)
	trackUntilTracking(t, g.PairFor(2, 3, nil), -1e-6)

	forward, _, err := g.Translate(100.0, 1, 3)
	require.NoError(t, err)
	assert.InDelta(t, 100.0+2e-6-1e-6, forward, 1e-6)

	backward, _, err := g.Translate(forward, 3, 1)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, backward, 1e-6)
}

func TestClockGraphNoSyncPathWhenDisconnected(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)
	trackUntilTracking(t, g.PairFor(1, 2, nil), 0)

	_, _, err := g.Translate(0, 1, 99)
	assert.ErrorIs(t, err, ErrNoSyncPath)
}

func TestClockGraphEvictIdleRemovesDeadReceivers(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)
	trackUntilTracking(t, g.PairFor(1, 2, nil), 0)

	live := map[ReceiverID]bool{1: true}
	g.EvictIdle(live, time.Now())

	_, _, err := g.Translate(0, 1, 2)
	assert.ErrorIs(t, err, ErrNoSyncPath)
}

func TestBestAnchorPrefersLowestIDOnTie(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)
	trackUntilTracking(t, g.PairFor(5, 8, nil), 0)

	anchor, err := g.BestAnchor([]ReceiverID{5, 8})
	require.NoError(t, err)
	assert.Equal(t, ReceiverID(5), anchor)
}

func TestBestAnchorPrefersMostConnectedHub(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)
	trackUntilTracking(t, g.PairFor(2, 3, nil), 0)
	trackUntilTracking(t, g.PairFor(2, 4, nil), 0)

	anchor, err := g.BestAnchor([]ReceiverID{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, ReceiverID(2), anchor)
}
