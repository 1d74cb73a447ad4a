package mlat

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairTrackerConvergesToTrueOffset(t *testing.T) {
	cfg := DefaultConfig()
	key := NewPairKey(1, 2)
	tracker := NewPairTracker(key, cfg, nil)

	const trueDelta = 2.5e-6 // 2.5us true clock offset
	const trueRate = 3e-7    // 0.3 ppm drift
	const jitterSigma = 100e-9

	rng := rand.New(rand.NewSource(42))
	now := time.Now()
	tISec := 0.0
	for i := 0; i < 200; i++ {
		now = now.Add(100 * time.Millisecond)
		tISec += 0.1
		jitter := rng.NormFloat64() * jitterSigma
		tJSec := tISec + trueDelta + trueRate*tISec + jitter
		_, err := tracker.Observe(tISec, tJSec, 0, 0, 0, now)
		require.NoError(t, err)
	}

	require.True(t, tracker.IsTracking())

	predicted, variance := tracker.Predict(tISec)
	want := tISec + trueDelta + trueRate*tISec
	sigma := math.Sqrt(variance)
	assert.InDelta(t, want, predicted, 3*sigma+3*jitterSigma)
}

func TestPairTrackerRejectsGeometryContradiction(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewPairTracker(NewPairKey(1, 2), cfg, nil)

	accepted, err := tracker.Observe(0, cfg.GeometryContradiction+10, 0, 0, 0, time.Now())
	assert.False(t, accepted)
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestPairTrackerResetsAfterConsecutiveRejects(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewPairTracker(NewPairKey(1, 2), cfg, nil)

	now := time.Now()
	for i := 0; i < 20; i++ {
		now = now.Add(100 * time.Millisecond)
		_, err := tracker.Observe(float64(i), float64(i), 0, 0, 0, now)
		require.NoError(t, err)
	}
	require.Greater(t, tracker.Count(), 0)

	// a sudden, consistently large outlier run should desync and reset the
	// pair rather than keep growing the reject counter forever.
	for i := 0; i < cfg.MaxConsecutiveReject+2; i++ {
		now = now.Add(100 * time.Millisecond)
		_, _ = tracker.Observe(float64(20+i), float64(20+i)+0.5, 0, 0, 0, now)
	}
	// the reset on the MaxConsecutiveReject-th outlier restores the wide
	// bootstrap prior, so the two observations after it are accepted afresh.
	assert.Equal(t, 2, tracker.Count())
	assert.Equal(t, pairBootstrap, tracker.state)
}

func TestPairKeyCanonicalOrder(t *testing.T) {
	assert.Equal(t, NewPairKey(5, 2), NewPairKey(2, 5))
	k := NewPairKey(9, 3)
	assert.Equal(t, ReceiverID(3), k.I)
	assert.Equal(t, ReceiverID(9), k.J)
}
