package mlat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeodeticECEFRoundTrip(t *testing.T) {
	cases := []Geodetic{
		{LatRad: 51.5 * deg2rad, LonRad: -0.12 * deg2rad, Alt: 35.0},
		{LatRad: -33.9 * deg2rad, LonRad: 151.2 * deg2rad, Alt: 11000.0},
		{LatRad: 0, LonRad: 0, Alt: 0},
		{LatRad: 89.9 * deg2rad, LonRad: 179.9 * deg2rad, Alt: 9000.0},
	}
	for _, want := range cases {
		ecef := GeodeticToECEF(want)
		got := ECEFToGeodetic(ecef)
		assert.InDelta(t, want.LatDeg(), got.LatDeg(), 1e-7)
		assert.InDelta(t, want.LonDeg(), got.LonDeg(), 1e-7)
		assert.InDelta(t, want.Alt, got.Alt, 1e-3)
	}
}

func TestRangeSymmetric(t *testing.T) {
	a := ECEF{X: 1000, Y: 2000, Z: 3000}
	b := ECEF{X: -500, Y: 6000, Z: 100}
	require.InDelta(t, a.Range(b), b.Range(a), 1e-9)
}

func TestPropagationDelayMatchesLightspeed(t *testing.T) {
	a := ECEF{X: 0, Y: 0, Z: 0}
	b := ECEF{X: clight, Y: 0, Z: 0}
	assert.InDelta(t, 1.0, PropagationDelay(a, b), 1e-9)
}

func TestEnuBasisOrthonormal(t *testing.T) {
	pos := Geodetic{LatRad: 40 * deg2rad, LonRad: -105 * deg2rad, Alt: 1600}
	basis := enuBasis(pos)
	for i := 0; i < 3; i++ {
		n := math.Sqrt(basis[i].Dot(basis[i]))
		assert.InDelta(t, 1.0, n, 1e-9)
	}
	assert.InDelta(t, 0.0, basis[0].Dot(basis[1]), 1e-9)
	assert.InDelta(t, 0.0, basis[1].Dot(basis[2]), 1e-9)
	assert.InDelta(t, 0.0, basis[0].Dot(basis[2]), 1e-9)
}
