package mlat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
)

// enuToECEF converts a local east/north/up offset (metres) at a geodetic
// origin into an ECEF point, so synthetic scenario geometry expressed in a
// flat local frame (as spec section 8's scenarios are) lands on real,
// altitude-sane WGS-84 ground instead of near the coordinate origin.
func enuToECEF(origin Geodetic, east, north, up float64) ECEF {
	o := GeodeticToECEF(origin)
	basis := enuBasis(origin)
	return ECEF{
		X: o.X + east*basis[0].X + north*basis[1].X + up*basis[2].X,
		Y: o.Y + east*basis[0].Y + north*basis[1].Y + up*basis[2].Y,
		Z: o.Z + east*basis[0].Z + north*basis[1].Z + up*basis[2].Z,
	}
}

func buildScenarioGroup(t *testing.T, registry *Registry, origin Geodetic, receiverENU [][3]float64, txENU [3]float64) (*Group, ECEF) {
	t.Helper()
	tx := enuToECEF(origin, txENU[0], txENU[1], txENU[2])

	g := &Group{ID: uuid.New(), ICAO: 0x424242, CreatedAt: time.Now()}
	for _, rc := range receiverENU {
		pos := enuToECEF(origin, rc[0], rc[1], rc[2])
		sess := registry.Connect(pos, 12e6, 48, 50.0)
		delay := PropagationDelay(tx, pos)
		g.Members = append(g.Members, GroupMember{
			Receiver: sess.Info.ID, Tick: uint64(delay * 12e6), AnchorTime: delay, TimeVariance: 1e-18,
		})
	}
	return g, tx
}

func TestSolverRecoversScenario1ExactGeometry(t *testing.T) {
	cfg := DefaultConfig()
	registry := NewRegistry(cfg)
	tracker := NewAircraftTracker(cfg)
	solver := NewSolver(cfg, registry, tracker, nil)

	origin := Geodetic{LatRad: 45 * deg2rad, LonRad: -93 * deg2rad, Alt: 250}
	g, tx := buildScenarioGroup(t, registry, origin,
		[][3]float64{{0, 0, 0}, {30000, 0, 0}, {0, 30000, 0}, {15000, 15000, 0}},
		[3]float64{10000, 10000, 3000})

	fix, err := solver.Solve(g)
	require.NoError(t, err)
	assert.Less(t, fix.Position.Range(tx), 50.0)
}

func TestSolverRejectsCollinearReceivers(t *testing.T) {
	cfg := DefaultConfig()
	registry := NewRegistry(cfg)
	tracker := NewAircraftTracker(cfg)
	solver := NewSolver(cfg, registry, tracker, nil)

	origin := Geodetic{LatRad: 45 * deg2rad, LonRad: -93 * deg2rad, Alt: 250}
	g, _ := buildScenarioGroup(t, registry, origin,
		[][3]float64{{0, 0, 0}, {10000, 0, 0}, {20000, 0, 0}},
		[3]float64{5000, 5000, 5000})

	_, err := solver.Solve(g)
	assert.ErrorIs(t, err, ErrPoorGeometry)
}

func TestSolverTooFewLiveReceiversIsPoorGeometry(t *testing.T) {
	cfg := DefaultConfig()
	registry := NewRegistry(cfg)
	solver := NewSolver(cfg, registry, NewAircraftTracker(cfg), nil)

	origin := Geodetic{LatRad: 45 * deg2rad, LonRad: -93 * deg2rad, Alt: 250}
	g, _ := buildScenarioGroup(t, registry, origin,
		[][3]float64{{0, 0, 0}, {30000, 0, 0}},
		[3]float64{10000, 10000, 3000})

	_, err := solver.Solve(g)
	assert.ErrorIs(t, err, ErrPoorGeometry)
}

func TestSolverIdempotentOnOwnOutput(t *testing.T) {
	cfg := DefaultConfig()
	registry := NewRegistry(cfg)
	tracker := NewAircraftTracker(cfg)
	solver := NewSolver(cfg, registry, tracker, nil)

	origin := Geodetic{LatRad: 45 * deg2rad, LonRad: -93 * deg2rad, Alt: 250}
	g, _ := buildScenarioGroup(t, registry, origin,
		[][3]float64{{0, 0, 0}, {30000, 0, 0}, {0, 30000, 0}, {15000, 15000, 0}},
		[3]float64{10000, 10000, 3000})

	first, err := solver.Solve(g)
	require.NoError(t, err)

	g2 := *g
	g2.ID = uuid.New()
	g2.ICAO = g.ICAO
	second, err := solver.Solve(&g2)
	require.NoError(t, err)

	assert.Less(t, first.Position.Range(second.Position), 0.01)
}
