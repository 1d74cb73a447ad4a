/*------------------------------------------------------------------------------
* geo.go : WGS-84 geodesy and propagation-delay helpers
*
* ported from gnssgo/src/common.go's Ecef2Pos/Pos2Ecef/XYZ2Enu: same
* iterative Bowring-style latitude solve and WGS-84 constants, rewritten to
* return values instead of writing through output slices.
*-----------------------------------------------------------------------------*/
package mlat

import "math"

const (
	wgs84A  = 6378137.0             /* earth semimajor axis (WGS84) (m) */
	wgs84F  = 1.0 / 298.257223563   /* earth flattening (WGS84) */
	clight  = 299792458.0           /* speed of light (m/s) */
	deg2rad = math.Pi / 180.0
	rad2deg = 180.0 / math.Pi
)

// ECEF is an earth-centered earth-fixed position or vector in metres.
type ECEF struct {
	X, Y, Z float64
}

// Geodetic is a WGS-84 geodetic position.
type Geodetic struct {
	LatRad, LonRad, Alt float64 /* radians, radians, metres (ellipsoidal) */
}

func (g Geodetic) LatDeg() float64 { return g.LatRad * rad2deg }
func (g Geodetic) LonDeg() float64 { return g.LonRad * rad2deg }

// Sub returns a-b as a vector.
func (a ECEF) Sub(b ECEF) ECEF { return ECEF{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }

// Norm is the euclidean length of the vector.
func (a ECEF) Norm() float64 { return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z) }

// Dot is the inner product of two vectors.
func (a ECEF) Dot(b ECEF) float64 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }

// Range is the straight-line distance between two ECEF points (metres).
func (a ECEF) Range(b ECEF) float64 { return a.Sub(b).Norm() }

// PropagationDelay is the straight-line light-time from transmitter to
// receiver (seconds), used to geometry-correct pair observations (spec
// section 4.2) and to build the TDOA residual model (spec section 4.5).
func PropagationDelay(transmitter, receiver ECEF) float64 {
	return transmitter.Range(receiver) / clight
}

// GeodeticToECEF converts a WGS-84 geodetic position to ECEF, following
// gnssgo's Pos2Ecef.
func GeodeticToECEF(pos Geodetic) ECEF {
	sinp, cosp := math.Sincos(pos.LatRad)
	sinl, cosl := math.Sincos(pos.LonRad)
	e2 := wgs84F * (2.0 - wgs84F)
	v := wgs84A / math.Sqrt(1.0-e2*sinp*sinp)

	return ECEF{
		X: (v + pos.Alt) * cosp * cosl,
		Y: (v + pos.Alt) * cosp * sinl,
		Z: (v*(1.0-e2) + pos.Alt) * sinp,
	}
}

// ECEFToGeodetic converts an ECEF position to WGS-84 geodetic, following
// gnssgo's Ecef2Pos (iterative latitude solve, converges in a handful of
// iterations for any altitude an aircraft can plausibly have).
func ECEFToGeodetic(r ECEF) Geodetic {
	e2 := wgs84F * (2.0 - wgs84F)
	r2 := r.X*r.X + r.Y*r.Y

	var z, zk, sinp, v float64
	v = wgs84A
	z = r.Z
	for math.Abs(z-zk) >= 1e-4 {
		zk = z
		sinp = z / math.Sqrt(r2+z*z)
		v = wgs84A / math.Sqrt(1.0-e2*sinp*sinp)
		z = r.Z + v*e2*sinp
	}

	var pos Geodetic
	switch {
	case r2 > 1e-12:
		pos.LatRad = math.Atan(z / math.Sqrt(r2))
		pos.LonRad = math.Atan2(r.Y, r.X)
	case r.Z > 0:
		pos.LatRad = math.Pi / 2.0
	default:
		pos.LatRad = -math.Pi / 2.0
	}
	pos.Alt = math.Sqrt(r2+z*z) - v
	return pos
}

// enuBasis returns the 3x3 ECEF-to-local-ENU rotation matrix rows at pos,
// following gnssgo's XYZ2Enu. Used to project the fix covariance onto the
// local horizontal plane.
func enuBasis(pos Geodetic) [3]ECEF {
	sinp, cosp := math.Sincos(pos.LatRad)
	sinl, cosl := math.Sincos(pos.LonRad)
	return [3]ECEF{
		{-sinl, cosl, 0},
		{-sinp * cosl, -sinp * sinl, cosp},
		{cosp * cosl, cosp * sinl, sinp},
	}
}
