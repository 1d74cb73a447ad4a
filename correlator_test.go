package mlat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator() *Correlator {
	cfg := DefaultConfig()
	return NewCorrelator(cfg, NewClockGraph(cfg), nil)
}

func TestCorrelatorGroupsMatchingPayloadsWithinWindow(t *testing.T) {
	c := newTestCorrelator()
	var ready *Group
	c.OnGroupReady = func(g *Group) { ready = g }

	icao := ICAO24(0xABCDEF)
	payload := make([]byte, 14)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	c.Ingest(Arrival{Receiver: 1, Tick: 100, Message: payload, ICAO: icao, WallTime: start}, 1, 10.0, 1e-12)
	c.Ingest(Arrival{Receiver: 2, Tick: 200, Message: payload, ICAO: icao, WallTime: start}, 1, 10.0+0.0005, 1e-12)
	c.Ingest(Arrival{Receiver: 3, Tick: 300, Message: payload, ICAO: icao, WallTime: start}, 1, 10.0-0.0005, 1e-12)

	c.CloseExpired(start.Add(-time.Second)) // not yet due, grace window still open
	assert.Nil(t, ready)

	c.CloseExpired(start.Add(c.cfg.GroupCloseDelay + time.Millisecond))
	require.NotNil(t, ready)
	assert.Len(t, ready.Members, 3)
}

func TestCorrelatorDiscardsUndersizedGroups(t *testing.T) {
	c := newTestCorrelator()
	var ready, discarded int
	c.OnGroupReady = func(g *Group) { ready++ }

	icao := ICAO24(0x010203)
	payload := []byte{1, 2, 3, 4, 5, 6, 7}
	start := time.Now()
	c.Ingest(Arrival{Receiver: 1, Tick: 1, Message: payload, ICAO: icao, WallTime: start}, 1, 0, 0)

	c.CloseExpired(start.Add(c.cfg.GroupCloseDelay + time.Millisecond))
	assert.Equal(t, 0, ready)
	_ = discarded
}

func TestCorrelatorPayloadMatchExactForLongFrames(t *testing.T) {
	c := newTestCorrelator()
	a := make([]byte, 14)
	b := append([]byte(nil), a...)
	b[0] ^= 0x01
	assert.False(t, c.payloadMatches(a, b))
	assert.True(t, c.payloadMatches(a, a))
}

func TestCorrelatorPayloadMatchToleratesShortFrameNoise(t *testing.T) {
	c := newTestCorrelator()
	c.cfg.HammingTolerance = 2
	a := []byte{0xFF, 0x00, 0x0F, 0xF0, 0x12, 0x34, 0x56}
	b := append([]byte(nil), a...)
	b[0] = 0xFE // single bit flip
	assert.True(t, c.payloadMatches(a, b))
}

func TestCorrelatorDropReceiverFiltersGroupMembership(t *testing.T) {
	c := newTestCorrelator()
	icao := ICAO24(0x1)
	payload := make([]byte, 14)
	start := time.Now()
	c.Ingest(Arrival{Receiver: 1, Tick: 1, Message: payload, ICAO: icao, WallTime: start}, 1, 0, 0)
	c.Ingest(Arrival{Receiver: 2, Tick: 2, Message: payload, ICAO: icao, WallTime: start}, 1, 0, 0)

	c.DropReceiver(2)

	groups := c.groups[icao]
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 1)
	assert.Equal(t, ReceiverID(1), groups[0].Members[0].Receiver)
}
