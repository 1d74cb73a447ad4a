/*------------------------------------------------------------------------------
* aircraft.go : aircraft tracker (spec section 4.6)
*
* a 6-state (position, velocity) constant-velocity Kalman smoother per
* icao24. Same predict/update shape as pairtracker.go's 2-state clock
* filter (itself grounded on gnssgo/src/rtkpos.go), generalized to a
* position/velocity state; used both to supply initial guesses back to the
* solver and to gate fixes inconsistent with recent history.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

type aircraftTrack struct {
	x          *mat.VecDense // [px,py,pz,vx,vy,vz]
	p          *mat.Dense    // 6x6
	lastUpdate time.Time
}

// AircraftTracker smooths successive position fixes per icao24 (spec
// section 4.6).
type AircraftTracker struct {
	mu     sync.Mutex
	tracks map[ICAO24]*aircraftTrack
	cfg    Config
	log    zerolog.Logger
}

// NewAircraftTracker constructs an empty tracker.
func NewAircraftTracker(cfg Config) *AircraftTracker {
	return &AircraftTracker{
		tracks: make(map[ICAO24]*aircraftTrack),
		cfg:    cfg,
		log:    WithComponent("aircraft"),
	}
}

const positionMeasurementVariance = 300.0 * 300.0 // m^2, conservative default until a fix-specific covariance is threaded through

func newTrack(pos ECEF, at time.Time) *aircraftTrack {
	x := mat.NewVecDense(6, []float64{pos.X, pos.Y, pos.Z, 0, 0, 0})
	p := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		p.Set(i, i, 1000.0*1000.0) // position prior, m^2
	}
	for i := 3; i < 6; i++ {
		p.Set(i, i, 300.0*300.0) // velocity prior, (m/s)^2
	}
	return &aircraftTrack{x: x, p: p, lastUpdate: at}
}

// Update feeds one new position fix for icao (spec 4.6). Returns false if
// the fix failed the Mahalanobis gate against recent history (>=5, per
// spec), in which case the fix is not applied: the track is only
// propagated forward to at and its last-update time set to at. The caller
// should treat the fix as unreliable but need not drop it from output.
func (t *AircraftTracker) Update(icao ICAO24, pos ECEF, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[icao]
	if !ok {
		t.tracks[icao] = newTrack(pos, at)
		return true
	}

	dt := at.Sub(tr.lastUpdate).Seconds()
	if dt < 0 {
		dt = 0
	}
	predictCV(tr, dt)

	innovation := mat.NewVecDense(3, []float64{
		pos.X - tr.x.AtVec(0), pos.Y - tr.x.AtVec(1), pos.Z - tr.x.AtVec(2),
	})
	s := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		s.Set(i, i, tr.p.At(i, i)+positionMeasurementVariance)
	}
	var sInv mat.Dense
	if err := sInv.Inverse(s); err != nil {
		t.tracks[icao] = newTrack(pos, at)
		return true
	}
	var tmp mat.VecDense
	tmp.MulVec(&sInv, innovation)
	mahal := math.Sqrt(innovation.AtVec(0)*tmp.AtVec(0) + innovation.AtVec(1)*tmp.AtVec(1) + innovation.AtVec(2)*tmp.AtVec(2))

	if mahal >= t.cfg.TrackMahalanobisGate {
		tr.lastUpdate = at
		return false
	}

	updateCV(tr, innovation)
	tr.lastUpdate = at
	return true
}

func predictCV(tr *aircraftTrack, dt float64) {
	if dt <= 0 {
		return
	}
	for i := 0; i < 3; i++ {
		tr.x.SetVec(i, tr.x.AtVec(i)+tr.x.AtVec(i+3)*dt)
	}

	f := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		f.Set(i, i+3, dt)
	}
	var fp, fpft mat.Dense
	fp.Mul(f, tr.p)
	fpft.Mul(&fp, f.T())
	const qPos, qVel = 5.0, 2.0 // m^2/s, (m/s)^2/s random-walk process noise
	for i := 0; i < 3; i++ {
		fpft.Set(i, i, fpft.At(i, i)+qPos*dt)
		fpft.Set(i+3, i+3, fpft.At(i+3, i+3)+qVel*dt)
	}
	tr.p = &fpft
}

func updateCV(tr *aircraftTrack, innovation *mat.VecDense) {
	// H = [I3, 0]; K = P H' (H P H' + R)^-1 restricted to the 6x3 block.
	s := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		s.Set(i, i, tr.p.At(i, i)+positionMeasurementVariance)
	}
	var sInv mat.Dense
	if err := sInv.Inverse(s); err != nil {
		return
	}

	ph := mat.NewDense(6, 3, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 3; j++ {
			ph.Set(i, j, tr.p.At(i, j))
		}
	}
	var k mat.Dense
	k.Mul(ph, &sInv)

	var dx mat.VecDense
	dx.MulVec(&k, innovation)
	for i := 0; i < 6; i++ {
		tr.x.SetVec(i, tr.x.AtVec(i)+dx.AtVec(i))
	}

	var kh mat.Dense
	kh.Mul(&k, ph.T())
	var newP mat.Dense
	newP.Sub(tr.p, &kh)
	tr.p = &newP
}

// RecentPosition returns icao's smoothed position if it was updated within
// window (spec 4.5 step 1: "the last known position for this icao24 (if
// within 10s)").
func (t *AircraftTracker) RecentPosition(icao ICAO24, window time.Duration) (ECEF, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.tracks[icao]
	if !ok {
		return ECEF{}, false
	}
	if time.Since(tr.lastUpdate) > window {
		return ECEF{}, false
	}
	return ECEF{tr.x.AtVec(0), tr.x.AtVec(1), tr.x.AtVec(2)}, true
}

// SweepTimeouts drops tracks silent for longer than cfg.TrackTimeout (spec
// 4.6: "Time-out after 30s of silence").
func (t *AircraftTracker) SweepTimeouts(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for icao, tr := range t.tracks {
		if now.Sub(tr.lastUpdate) > t.cfg.TrackTimeout {
			delete(t.tracks, icao)
		}
	}
}
