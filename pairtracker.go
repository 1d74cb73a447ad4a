/*------------------------------------------------------------------------------
* pairtracker.go : clock-pair tracker (spec section 4.2)
*
* a 2-state linear Kalman filter (offset, rate) per receiver pair. The
* predict/update shape follows gnssgo/src/rtkpos.go's filter structure
* (propagate P with F/Q, gate the innovation, update state and P), carried
* over from gnssgo's position/velocity baseline state to a clock-offset/
* rate state; the hand-rolled Mat/MatInv of gnssgo/src/common.go is
* replaced by gonum/mat per SPEC_FULL.md's DOMAIN STACK.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// PairKey identifies an unordered receiver pair with the lower id first
// (spec section 3: "Clock pair (i,j) with i<j").
type PairKey struct {
	I, J ReceiverID
}

// NewPairKey builds a canonical PairKey regardless of argument order.
func NewPairKey(a, b ReceiverID) PairKey {
	if a < b {
		return PairKey{a, b}
	}
	return PairKey{b, a}
}

func (k PairKey) String() string { return fmt.Sprintf("%d-%d", k.I, k.J) }

type pairState int

const (
	pairBootstrap pairState = iota
	pairTracking
	pairDesynced
)

const jitterWindow = 32

// PairTracker holds the running Kalman model of (offset, rate) for one
// receiver pair, plus its quality metrics (spec section 3 "Clock pair").
type PairTracker struct {
	Key PairKey

	mu    sync.Mutex
	state pairState

	x *mat.VecDense // [delta (s), rate (dimensionless)]
	p *mat.Dense    // 2x2 covariance

	lastUpdate    time.Time
	count         int
	consecutiveRj int
	bootstrapObs  []time.Time // accepted-observation times while bootstrapping
	innovations   []float64   // recent signed y, for robust jitter (MAD)

	cfg Config
	log zerolog.Logger
	m   *Metrics
}

// NewPairTracker starts a pair in bootstrap with a wide prior, per spec
// section 4.2 "Initial convergence": P[0,0]=1s^2, P[1,1]=1e-6.
func NewPairTracker(key PairKey, cfg Config, m *Metrics) *PairTracker {
	return &PairTracker{
		Key:   key,
		state: pairBootstrap,
		x:     mat.NewVecDense(2, []float64{0, 0}),
		p:     mat.NewDense(2, 2, []float64{1.0, 0, 0, 1e-6}),
		cfg:   cfg,
		log:   WithComponent("pairtracker").With().Str("pair", key.String()).Logger(),
		m:     m,
	}
}

// reset returns the pair to its initial bootstrap prior (spec 4.2: a
// geometry contradiction or N consecutive rejections resets, not
// terminates, the pair).
func (t *PairTracker) reset() {
	t.state = pairBootstrap
	t.x = mat.NewVecDense(2, []float64{0, 0})
	t.p = mat.NewDense(2, 2, []float64{1.0, 0, 0, 1e-6})
	t.count = 0
	t.consecutiveRj = 0
	t.bootstrapObs = nil
	t.innovations = nil
	if t.m != nil {
		t.m.PairReset.WithLabelValues(t.Key.String()).Inc()
	}
	t.log.Debug().Msg("pair reset to bootstrap")
}

// predict propagates (x, P) forward by dt seconds, per spec 4.2:
// delta += rate*dt; P = F P F' + Q(dt). Observe passes the wall-clock
// interval between observations, not an interval on receiver i's clock.
func (t *PairTracker) predict(dt float64) {
	if dt <= 0 {
		return
	}
	delta := t.x.AtVec(0) + t.x.AtVec(1)*dt
	rate := t.x.AtVec(1)
	t.x.SetVec(0, delta)
	t.x.SetVec(1, rate)

	f := mat.NewDense(2, 2, []float64{1, dt, 0, 1})
	var fp, fpft mat.Dense
	fp.Mul(f, t.p)
	fpft.Mul(&fp, f.T())

	qOffset := t.cfg.SigmaOffsetPerSec * t.cfg.SigmaOffsetPerSec * dt
	qRate := t.cfg.SigmaRatePerSec * t.cfg.SigmaRatePerSec * dt
	fpft.Set(0, 0, fpft.At(0, 0)+qOffset)
	fpft.Set(1, 1, fpft.At(1, 1)+qRate)
	t.p = &fpft
}

// Observe ingests one geometry-corrected pair observation (spec 4.2):
//
//	z = (tickJ/fJ - tauJ) - (tickI/fI - tauI)
//
// tISec/tJSec are each receiver's local arrival time in seconds
// (tick/frequency); tauI/tauJ are the propagation delays from the
// ADS-B-decoded transmitter position to each antenna. geomVariance is the
// caller-estimated variance contribution from propagation-delay/geometry
// uncertainty, combined with the configured measurement floor. now is
// wall-clock time, used to compute the predict interval and to bound the
// bootstrap window.
func (t *PairTracker) Observe(tISec, tJSec, tauI, tauJ, geomVariance float64, now time.Time) (accepted bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	z := (tJSec - tauJ) - (tISec - tauI)
	if math.Abs(z) > t.cfg.GeometryContradiction {
		t.reset()
		return false, fmt.Errorf("%w: |z|=%.3fs exceeds geometry contradiction bound", ErrBadMessage, math.Abs(z))
	}

	dt := 0.0
	if !t.lastUpdate.IsZero() {
		dt = now.Sub(t.lastUpdate).Seconds()
		if dt < 0 {
			dt = 0
		}
	}
	t.predict(dt)

	r := geomVariance + t.cfg.MeasurementFloor
	hx := t.x.AtVec(0) // H = [1, 0]
	y := z - hx
	s := t.p.At(0, 0) + r
	if s <= 0 {
		s = r
	}

	if math.Abs(y)/math.Sqrt(s) > t.cfg.OutlierSigma {
		t.consecutiveRj++
		if t.m != nil {
			t.m.PairRejected.WithLabelValues(t.Key.String()).Inc()
		}
		if t.consecutiveRj >= t.cfg.MaxConsecutiveReject {
			t.log.Info().Int("consecutive_rejects", t.consecutiveRj).Msg("pair desynced, resetting")
			t.reset()
		}
		t.lastUpdate = now
		return false, nil
	}

	// Kalman gain K = P H' / S ; H = [1,0] so P H' is P's first column.
	k0 := t.p.At(0, 0) / s
	k1 := t.p.At(1, 0) / s

	t.x.SetVec(0, t.x.AtVec(0)+k0*y)
	t.x.SetVec(1, t.x.AtVec(1)+k1*y)

	// P = (I - K H) P
	var ikh mat.Dense
	ikh.CloneFrom(t.p)
	p00, p01 := t.p.At(0, 0), t.p.At(0, 1)
	ikh.Set(0, 0, t.p.At(0, 0)-k0*p00)
	ikh.Set(0, 1, t.p.At(0, 1)-k0*p01)
	ikh.Set(1, 0, t.p.At(1, 0)-k1*p00)
	ikh.Set(1, 1, t.p.At(1, 1)-k1*p01)
	t.p = &ikh

	t.consecutiveRj = 0
	t.count++
	t.lastUpdate = now
	t.pushJitter(y)
	if t.m != nil {
		t.m.PairAccepted.WithLabelValues(t.Key.String()).Inc()
	}

	if t.state == pairBootstrap {
		t.bootstrapObs = append(t.bootstrapObs, now)
		// drop observations that have aged out of the bootstrap window
		cut := now.Add(-t.cfg.BootstrapWindow)
		i := 0
		for i < len(t.bootstrapObs) && t.bootstrapObs[i].Before(cut) {
			i++
		}
		t.bootstrapObs = t.bootstrapObs[i:]
		if len(t.bootstrapObs) >= t.cfg.BootstrapK {
			t.state = pairTracking
			t.log.Info().Msg("pair converged, now tracking")
		}
	}

	return true, nil
}

// pushJitter appends an accepted (signed) innovation to the rolling
// window used for the robust (MAD) jitter estimate.
func (t *PairTracker) pushJitter(y float64) {
	t.innovations = append(t.innovations, y)
	if len(t.innovations) > jitterWindow {
		t.innovations = t.innovations[len(t.innovations)-jitterWindow:]
	}
}

// median absolute deviation, scaled to be a consistent estimator of sigma
// for normally distributed innovations (factor 1.4826), per spec section 3
// "sigma_jit is a robust (median-based) estimate".
func madSigma(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	med := median(sorted)
	devs := make([]float64, len(sorted))
	for i, v := range sorted {
		devs[i] = math.Abs(v - med)
	}
	sort.Float64s(devs)
	return 1.4826 * median(devs)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Predict returns the best-estimate mapping of a local time on receiver I
// (seconds) into receiver J's frame, and the variance of that mapping,
// without mutating the filter (spec 4.2 "predict(i,j,t_i) -> t_j").
func (t *PairTracker) Predict(tISec float64) (tJSec, variance float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dt := 0.0
	if !t.lastUpdate.IsZero() {
		dt = time.Since(t.lastUpdate).Seconds()
		if dt < 0 {
			dt = 0
		}
	}
	delta := t.x.AtVec(0) + t.x.AtVec(1)*dt
	return tISec + delta, t.p.At(0, 0)
}

// Variance returns the current offset variance, P[0,0].
func (t *PairTracker) Variance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.At(0, 0)
}

// JitterSigma returns the robust (MAD) jitter estimate on accepted
// innovations, used as the clock-graph edge weight (spec 4.3).
func (t *PairTracker) JitterSigma() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return madSigma(t.innovations)
}

// Rate returns the current relative clock rate estimate (dimensionless).
func (t *PairTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.x.AtVec(1)
}

// Count returns the number of accepted observations.
func (t *PairTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// IsTracking reports whether the pair has enough accepted observations to
// be published to the clock graph (spec 3 invariant: min 6 observations,
// and out of bootstrap).
func (t *PairTracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == pairTracking && t.count >= t.cfg.MinObservations
}

// LastUpdate returns the wall time of the last accepted or rejected
// observation, used for pair idle eviction (spec section 5).
func (t *PairTracker) LastUpdate() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUpdate
}

// Idle reports whether the pair has not updated within cfg.PairIdleTimeout.
func (t *PairTracker) Idle(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastUpdate.IsZero() {
		return false
	}
	return now.Sub(t.lastUpdate) > t.cfg.PairIdleTimeout
}
