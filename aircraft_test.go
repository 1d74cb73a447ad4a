package mlat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAircraftTrackerAcceptsConsistentTrack(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAircraftTracker(cfg)

	icao := ICAO24(0x1)
	now := time.Now()
	pos := ECEF{X: 4e6, Y: 1e6, Z: 4e6}

	accepted := tracker.Update(icao, pos, now)
	assert.True(t, accepted)

	for i := 1; i <= 5; i++ {
		now = now.Add(time.Second)
		pos.X += 200 // ~200 m/s ground speed, consistent with prior velocity estimate
		accepted = tracker.Update(icao, pos, now)
		assert.True(t, accepted)
	}

	recent, ok := tracker.RecentPosition(icao, 10*time.Second)
	require.True(t, ok)
	assert.InDelta(t, pos.X, recent.X, 500)
}

func TestAircraftTrackerGatesWildJump(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAircraftTracker(cfg)

	icao := ICAO24(0x2)
	now := time.Now()
	pos := ECEF{X: 4e6, Y: 1e6, Z: 4e6}
	tracker.Update(icao, pos, now)

	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		pos.X += 200
		tracker.Update(icao, pos, now)
	}

	now = now.Add(time.Second)
	wild := pos
	wild.X += 500000 // a 500km jump in one second is not a plausible aircraft motion
	accepted := tracker.Update(icao, wild, now)
	assert.False(t, accepted)
}

func TestAircraftTrackerSweepsTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	tracker := NewAircraftTracker(cfg)

	icao := ICAO24(0x3)
	now := time.Now()
	tracker.Update(icao, ECEF{X: 1, Y: 2, Z: 3}, now)

	tracker.SweepTimeouts(now.Add(cfg.TrackTimeout + time.Second))
	_, ok := tracker.RecentPosition(icao, time.Hour)
	assert.False(t, ok)
}
