/*------------------------------------------------------------------------------
* solver.go : MLAT solver (spec section 4.5)
*
* a weighted nonlinear least-squares TDOA fix via Levenberg-Marquardt. The
* normal-equations shape (build J, weight, solve (J'WJ+lambda*D)x=J'Wr,
* invert for covariance) follows gnssgo/src/rtkpos.go and src/pntpos.go's
* weighted least-squares position solve; the hand-rolled LSQ/MatInv of
* gnssgo/src/common.go is replaced by gonum/mat per SPEC_FULL.md's DOMAIN
* STACK (also used for the condition-number geometry-pruning check).
*-----------------------------------------------------------------------------*/
package mlat

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// FixResult is the output record per spec section 6 "Output record".
type FixResult struct {
	ICAO          ICAO24
	Position      ECEF
	Geodetic      Geodetic
	Covariance    [3][3]float64
	ChiSqPerDOF   float64
	T0            float64 // canonical-timebase transmission time, seconds
	WallTime      time.Time
	Receivers     []ReceiverID
	ResidualBySat map[ReceiverID]float64 // seconds, per receiver
	TickBySat     map[ReceiverID]uint64
	Accepted      bool // false if the aircraft tracker's Mahalanobis gate rejected this fix
}

// Solver runs the TDOA nonlinear least-squares fix for closed correlator
// groups (spec section 4.5).
type Solver struct {
	cfg      Config
	tracker  *AircraftTracker
	registry *Registry
	m        *Metrics
	log      zerolog.Logger
}

// NewSolver constructs a solver bound to the receiver registry (for
// positions) and the aircraft tracker (for initial-guess reuse).
func NewSolver(cfg Config, registry *Registry, tracker *AircraftTracker, m *Metrics) *Solver {
	return &Solver{cfg: cfg, tracker: tracker, registry: registry, m: m, log: WithComponent("solver")}
}

type solverReceiver struct {
	id       ReceiverID
	pos      ECEF
	t        float64 // anchor-frame arrival time, seconds
	variance float64
	tick     uint64
}

// Solve computes a position fix for a closed group, or one of the typed
// errors from spec section 7 (PoorGeometry, NotConverged, HighResidual,
// OutOfBounds).
func (s *Solver) Solve(g *Group) (*FixResult, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if s.m != nil {
			s.m.SolverAttempts.WithLabelValues(outcome).Inc()
			s.m.SolverLatency.Observe(time.Since(start).Seconds())
		}
	}()

	recvs := make([]solverReceiver, 0, len(g.Members))
	for _, mem := range g.Members {
		info, ok := s.registry.Get(mem.Receiver)
		if !ok {
			continue
		}
		noiseVar := (info.Info.NoiseFloorNs * 1e-9) * (info.Info.NoiseFloorNs * 1e-9)
		recvs = append(recvs, solverReceiver{
			id: mem.Receiver, pos: info.Info.Position,
			t: mem.AnchorTime, variance: mem.TimeVariance + noiseVar, tick: mem.Tick,
		})
	}
	if len(recvs) < s.cfg.MinGroupReceivers {
		outcome = "poor_geometry"
		return nil, fmt.Errorf("%w: only %d receivers with live registration", ErrPoorGeometry, len(recvs))
	}

	// reference receiver: smallest total variance (spec 4.5 "Eliminate t0
	// by differencing against a chosen reference receiver").
	ref := 0
	for i := range recvs {
		if recvs[i].variance < recvs[ref].variance {
			ref = i
		}
	}

	guess, reused := s.initialGuess(g.ICAO, recvs)

	if !reused {
		if cond := collinearityCondition(recvs, ref); cond > s.cfg.CollinearityCap {
			outcome = "poor_geometry"
			return nil, fmt.Errorf("%w: baseline condition number %.3e", ErrPoorGeometry, cond)
		}
	}

	x := mat.NewVecDense(3, []float64{guess.X, guess.Y, guess.Z})
	lambda := s.cfg.LMInitialLambda
	n := len(recvs) - 1
	altRows := 0
	if g.HasAlt {
		altRows = 1
	}
	rows := n + altRows

	chiSq := math.Inf(1)
	converged := false
	var jacobian *mat.Dense
	var weights []float64

	deadline := start.Add(s.cfg.SolverBudget)

	for iter := 0; iter < s.cfg.LMMaxIterations; iter++ {
		if time.Now().After(deadline) {
			break
		}
		resid, jac, w := s.buildResiduals(x, recvs, ref, g)
		curChiSq := weightedSumSquares(resid, w)

		jtw := weightedJt(jac, w)
		var jtj mat.Dense
		jtj.Mul(jtw, jac)

		var jtr mat.VecDense
		jtr.MulVec(jtw, resid)

		damped := mat.NewDense(3, 3, nil)
		damped.Copy(&jtj)
		for i := 0; i < 3; i++ {
			damped.Set(i, i, damped.At(i, i)*(1+lambda))
		}

		var delta mat.VecDense
		if err := delta.SolveVec(damped, &jtr); err != nil {
			outcome = "not_converged"
			return nil, fmt.Errorf("%w: normal equations singular: %v", ErrNotConverged, err)
		}

		// jac is the Jacobian of the residuals themselves, so the descent
		// step is -delta.
		trial := mat.NewVecDense(3, []float64{
			x.AtVec(0) - delta.AtVec(0),
			x.AtVec(1) - delta.AtVec(1),
			x.AtVec(2) - delta.AtVec(2),
		})
		trialResid, _, trialW := s.buildResiduals(trial, recvs, ref, g)
		trialChiSq := weightedSumSquares(trialResid, trialW)

		if trialChiSq < curChiSq {
			x = trial
			lambda /= s.cfg.LMLambdaDown
			chiSq = trialChiSq
			jacobian = jac
			weights = w
			if vecNorm3(&delta) < s.cfg.LMStepTolerance {
				converged = true
				break
			}
		} else {
			lambda *= s.cfg.LMLambdaUp
			chiSq = curChiSq
			jacobian = jac
			weights = w
		}
	}

	if !converged {
		outcome = "not_converged"
		return nil, fmt.Errorf("%w: step tolerance not reached in %d iterations", ErrNotConverged, s.cfg.LMMaxIterations)
	}

	dof := float64(rows - 3)
	if dof <= 0 {
		dof = 1
	}
	chiSqPerDOF := chiSq / dof
	if chiSqPerDOF > s.cfg.ChiSqThreshold {
		outcome = "high_residual"
		return nil, fmt.Errorf("%w: chi2/dof=%.2f", ErrHighResidual, chiSqPerDOF)
	}

	pos := ECEF{x.AtVec(0), x.AtVec(1), x.AtVec(2)}
	geo := ECEFToGeodetic(pos)
	if !g.HasAlt {
		if math.Abs(geo.Alt) > s.cfg.MaxAltitude || geo.Alt < -1000 {
			outcome = "out_of_bounds"
			return nil, fmt.Errorf("%w: altitude %.0fm out of bounds", ErrOutOfBounds, geo.Alt)
		}
	}

	cov, err := covarianceFromJacobian(jacobian, weights)
	if err != nil {
		outcome = "not_converged"
		return nil, fmt.Errorf("%w: covariance inversion failed: %v", ErrNotConverged, err)
	}

	semiMajor := horizontalSemiMajorAxis(cov, geo)
	if semiMajor > s.cfg.MaxSemiMajorAxis {
		outcome = "high_residual"
		return nil, fmt.Errorf("%w: horizontal semi-major axis %.0fm", ErrHighResidual, semiMajor)
	}

	t0 := recvs[ref].t - PropagationDelay(pos, recvs[ref].pos)

	result := &FixResult{
		ICAO: g.ICAO, Position: pos, Geodetic: geo, ChiSqPerDOF: chiSqPerDOF,
		T0: t0, WallTime: g.CreatedAt, ResidualBySat: make(map[ReceiverID]float64),
		TickBySat: make(map[ReceiverID]uint64),
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			result.Covariance[i][j] = cov.At(i, j)
		}
	}
	for _, r := range recvs {
		result.Receivers = append(result.Receivers, r.id)
		predicted := t0 + PropagationDelay(pos, r.pos)
		result.ResidualBySat[r.id] = r.t - predicted
		result.TickBySat[r.id] = r.tick
	}

	result.Accepted = true
	if s.tracker != nil {
		result.Accepted = s.tracker.Update(g.ICAO, pos, g.CreatedAt)
	}
	return result, nil
}

// initialGuess implements spec 4.5 step 1: reuse the aircraft tracker's
// last position if recent enough, else the point 3000 m above the ellipsoid
// at the latitude/longitude of the receiver centroid (not the ellipsoid
// surface itself).
func (s *Solver) initialGuess(icao ICAO24, recvs []solverReceiver) (ECEF, bool) {
	if s.tracker != nil {
		if pos, ok := s.tracker.RecentPosition(icao, s.cfg.TrackReuseWindow); ok {
			return pos, true
		}
	}
	var sum ECEF
	for _, r := range recvs {
		sum.X += r.pos.X
		sum.Y += r.pos.Y
		sum.Z += r.pos.Z
	}
	n := float64(len(recvs))
	centroid := ECEF{sum.X / n, sum.Y / n, sum.Z / n}
	geo := ECEFToGeodetic(centroid)
	geo.Alt = 3000 // a plausible cruise-ish starting altitude above the ellipsoid
	return GeodeticToECEF(geo), false
}

// buildResiduals evaluates the TDOA residual vector and its analytic
// Jacobian at x (spec 4.5: residual = observed - range-difference/c),
// optionally appending the altitude-equality residual.
func (s *Solver) buildResiduals(x *mat.VecDense, recvs []solverReceiver, ref int, g *Group) (*mat.VecDense, *mat.Dense, []float64) {
	pos := ECEF{x.AtVec(0), x.AtVec(1), x.AtVec(2)}
	rangeRef := pos.Range(recvs[ref].pos)
	gradRef := rangeGradient(pos, recvs[ref].pos, rangeRef)

	n := len(recvs) - 1
	altRows := 0
	if g.HasAlt {
		altRows = 1
	}
	rows := n + altRows

	resid := mat.NewVecDense(rows, nil)
	jac := mat.NewDense(rows, 3, nil)
	weights := make([]float64, rows)

	row := 0
	for i, r := range recvs {
		if i == ref {
			continue
		}
		rangeI := pos.Range(r.pos)
		gradI := rangeGradient(pos, r.pos, rangeI)

		observed := r.t - recvs[ref].t
		predicted := (rangeI - rangeRef) / clight
		resid.SetVec(row, observed-predicted)
		jac.Set(row, 0, -(gradI.X-gradRef.X)/clight)
		jac.Set(row, 1, -(gradI.Y-gradRef.Y)/clight)
		jac.Set(row, 2, -(gradI.Z-gradRef.Z)/clight)
		weights[row] = 1.0 / (r.variance + recvs[ref].variance)
		row++
	}

	if g.HasAlt {
		const eps = 1.0
		h0 := ECEFToGeodetic(pos).Alt
		hx := ECEFToGeodetic(ECEF{pos.X + eps, pos.Y, pos.Z}).Alt
		hy := ECEFToGeodetic(ECEF{pos.X, pos.Y + eps, pos.Z}).Alt
		hz := ECEFToGeodetic(ECEF{pos.X, pos.Y, pos.Z + eps}).Alt
		resid.SetVec(row, g.Altitude-h0)
		jac.Set(row, 0, -(hx-h0)/eps)
		jac.Set(row, 1, -(hy-h0)/eps)
		jac.Set(row, 2, -(hz-h0)/eps)
		weights[row] = 1.0 / s.cfg.AltitudeVariance
	}

	return resid, jac, weights
}

func rangeGradient(x, p ECEF, rng float64) ECEF {
	if rng < 1e-6 {
		return ECEF{}
	}
	return ECEF{(x.X - p.X) / rng, (x.Y - p.Y) / rng, (x.Z - p.Z) / rng}
}

func weightedSumSquares(v *mat.VecDense, w []float64) float64 {
	sum := 0.0
	for i := 0; i < v.Len(); i++ {
		sum += w[i] * v.AtVec(i) * v.AtVec(i)
	}
	return sum
}

func weightedJt(jac *mat.Dense, w []float64) *mat.Dense {
	rows, cols := jac.Dims()
	jt := mat.NewDense(cols, rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			jt.Set(j, i, jac.At(i, j)*w[i])
		}
	}
	return jt
}

func vecNorm3(v *mat.VecDense) float64 {
	return math.Sqrt(v.AtVec(0)*v.AtVec(0) + v.AtVec(1)*v.AtVec(1) + v.AtVec(2)*v.AtVec(2))
}

// covarianceFromJacobian inverts the weighted normal-equations matrix
// (J'WJ)^-1 as the position covariance (spec section 4.5 step 4).
func covarianceFromJacobian(jac *mat.Dense, w []float64) (*mat.Dense, error) {
	jt := weightedJt(jac, w)
	var jtj mat.Dense
	jtj.Mul(jt, jac)

	var cov mat.Dense
	if err := cov.Inverse(&jtj); err != nil {
		return nil, err
	}
	return &cov, nil
}

// horizontalSemiMajorAxis projects the ECEF covariance into the local ENU
// plane at geo and returns the semi-major axis of the horizontal error
// ellipse (spec section 4.5 step 4 acceptance test).
func horizontalSemiMajorAxis(cov *mat.Dense, geo Geodetic) float64 {
	basis := enuBasis(geo)
	var enuCov [2][2]float64
	for i := 0; i < 2; i++ {
		bi := basis[i]
		for j := 0; j < 2; j++ {
			bj := basis[j]
			sum := 0.0
			rowI := []float64{bi.X, bi.Y, bi.Z}
			rowJ := []float64{bj.X, bj.Y, bj.Z}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					sum += rowI[a] * cov.At(a, b) * rowJ[b]
				}
			}
			enuCov[i][j] = sum
		}
	}
	tr := enuCov[0][0] + enuCov[1][1]
	det := enuCov[0][0]*enuCov[1][1] - enuCov[0][1]*enuCov[1][0]
	disc := tr*tr/4 - det
	if disc < 0 {
		disc = 0
	}
	lambdaMax := tr/2 + math.Sqrt(disc)
	if lambdaMax < 0 {
		lambdaMax = 0
	}
	return math.Sqrt(lambdaMax)
}

// collinearityCondition estimates the condition number of the baseline
// design matrix at a point 3000 m above the receiver centroid, used for the
// spec section 4.5 "Geometry pruning" collinearity check before solving.
// Because that matrix stays well conditioned for three receivers on one
// line, the result is also at least 1/sin of the largest angle between the
// first baseline and any other, which is unbounded for parallel baselines.
func collinearityCondition(recvs []solverReceiver, ref int) float64 {
	var centroid ECEF
	for _, r := range recvs {
		centroid.X += r.pos.X
		centroid.Y += r.pos.Y
		centroid.Z += r.pos.Z
	}
	n := float64(len(recvs))
	centroid = ECEF{centroid.X / n, centroid.Y / n, centroid.Z / n}
	geo := ECEFToGeodetic(centroid)
	geo.Alt += 3000
	guess := GeodeticToECEF(geo)

	rangeRef := guess.Range(recvs[ref].pos)
	gradRef := rangeGradient(guess, recvs[ref].pos, rangeRef)

	rows := len(recvs) - 1
	jac := mat.NewDense(rows, 3, nil)
	var base ECEF
	maxSin := 0.0
	row := 0
	for i, r := range recvs {
		if i == ref {
			continue
		}
		rangeI := guess.Range(r.pos)
		gradI := rangeGradient(guess, r.pos, rangeI)
		jac.Set(row, 0, gradI.X-gradRef.X)
		jac.Set(row, 1, gradI.Y-gradRef.Y)
		jac.Set(row, 2, gradI.Z-gradRef.Z)
		b := r.pos.Sub(recvs[ref].pos)
		if row == 0 {
			base = b
		}
		c := ECEF{base.Y*b.Z - base.Z*b.Y, base.Z*b.X - base.X*b.Z, base.X*b.Y - base.Y*b.X}
		maxSin = math.Max(maxSin, c.Norm()/(base.Norm()*b.Norm()))
		row++
	}
	return math.Max(mat.Cond(jac, 2), 1/maxSin)
}
