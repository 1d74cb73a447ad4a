package mlat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionUnwrapsTicksAcrossWrap(t *testing.T) {
	cfg := DefaultConfig()
	info := ReceiverInfo{ID: 1, ClockHz: 12e6, WrapBits: 8} // small wrap for easy testing
	sess := NewSession(info, cfg)

	now := time.Now()
	msg := make([]byte, 14)

	a1, err := sess.OnMessage(250, msg, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), a1.Tick)

	now = now.Add(time.Microsecond)
	a2, err := sess.OnMessage(10, msg, now) // wrapped past 256
	require.NoError(t, err)
	assert.Equal(t, uint64(256+10), a2.Tick)
}

func TestSessionDetectsHardwareResetNotWrap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickWrapGap = 1 * time.Microsecond // ticks/sec scale, tiny gap threshold for the test
	info := ReceiverInfo{ID: 1, ClockHz: 12e6, WrapBits: 48}
	sess := NewSession(info, cfg)

	now := time.Now()
	msg := make([]byte, 14)
	_, err := sess.OnMessage(1_000_000, msg, now)
	require.NoError(t, err)

	now = now.Add(time.Microsecond)
	_, err = sess.OnMessage(500_000, msg, now) // large backward jump, not a plausible wrap
	assert.ErrorIs(t, err, ErrBadTick)
}

func TestSessionRejectsBadMessageLength(t *testing.T) {
	cfg := DefaultConfig()
	info := ReceiverInfo{ID: 1, ClockHz: 12e6, WrapBits: 48}
	sess := NewSession(info, cfg)
	_, err := sess.OnMessage(1, []byte{1, 2, 3}, time.Now())
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestSessionRecentHistoryWrapsAsRingBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLen = 3
	info := ReceiverInfo{ID: 1, ClockHz: 12e6, WrapBits: 48}
	sess := NewSession(info, cfg)

	now := time.Now()
	msg := make([]byte, 14)
	for i := uint64(0); i < 5; i++ {
		_, err := sess.OnMessage(i*10, msg, now)
		require.NoError(t, err)
		now = now.Add(time.Millisecond)
	}

	hist := sess.RecentHistory()
	require.Len(t, hist, 3)
	assert.Equal(t, uint64(20), hist[0].Tick)
	assert.Equal(t, uint64(40), hist[2].Tick)
}

func TestRegistryConnectAndSweepSilent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReceiverSilent = 10 * time.Millisecond
	r := NewRegistry(cfg)

	sess := r.Connect(ECEF{}, 12e6, 48, 50.0)
	_, ok := r.Get(sess.Info.ID)
	require.True(t, ok)

	dropped := r.SweepSilent(time.Now().Add(20 * time.Millisecond))
	assert.Contains(t, dropped, sess.Info.ID)

	_, ok = r.Get(sess.Info.ID)
	assert.False(t, ok)
}
