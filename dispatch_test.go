package mlat

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOutputRecordStableFields(t *testing.T) {
	fix := &FixResult{
		ICAO: 0xABCDEF, Position: ECEF{X: 1, Y: 2, Z: 3},
		Geodetic: Geodetic{LatRad: 0.1, LonRad: 0.2, Alt: 1000},
		ChiSqPerDOF: 1.5, T0: 42.0,
		Receivers:     []ReceiverID{1, 2, 3},
		ResidualBySat: map[ReceiverID]float64{1: 0.001, 2: -0.002, 3: 0.0},
	}
	ticks := map[ReceiverID]uint64{1: 100, 2: 200, 3: 300}

	rec := NewOutputRecord(fix, ticks)
	assert.Equal(t, "abcdef", rec.ICAO)
	assert.Equal(t, 3, rec.NumReceivers)
	require.Len(t, rec.Receivers, 3)
	assert.Equal(t, uint64(100), rec.Receivers[0].Tick)
}

func TestJSONLineDispatcherWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	d := NewJSONLineDispatcher(&buf)

	rec := OutputRecord{ICAO: "abcdef", T0: 1.0}
	require.NoError(t, d.Dispatch(rec))
	require.NoError(t, d.Dispatch(rec))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var decoded OutputRecord
	require.NoError(t, json.Unmarshal(lines[0], &decoded))
	assert.Equal(t, "abcdef", decoded.ICAO)
}

func TestWriteSyncSnapshotIncludesObservedPairs(t *testing.T) {
	cfg := DefaultConfig()
	g := NewClockGraph(cfg)

	tr := g.PairFor(1, 2, nil)
	now := time.Now()
	x := 0.0
	for i := 0; i < 10; i++ {
		now = now.Add(100 * time.Millisecond)
		x += 0.1
		_, err := tr.Observe(x, x, 0, 0, 0, now)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSyncSnapshot(&buf, g))
	assert.Contains(t, buf.String(), "\"1\"")
	assert.Contains(t, buf.String(), "\"2\"")
}
