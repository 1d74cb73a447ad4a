/*------------------------------------------------------------------------------
* loop.go : event loop wiring (spec sections 4.1-4.6, 5)
*
* follows the shape of gnssgo/src/rtksvr.go's RtkSvr: one long-lived struct
* owning every receiver stream, a periodic solve/output cycle, and
* dispatch, generalized from a goroutine-per-stream-plus-central-mutex
* design to a single-consumer cooperative loop plus a bounded worker pool
* for the solver, per spec section 5's explicit recommendation.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// arrivalJob is one inbound record, queued by Submit and drained by the
// event loop in submission order per receiver (spec section 5 ordering
// guarantee: "within one receiver session, arrivals are processed strictly
// in reception order").
type arrivalJob struct {
	receiver ReceiverID
	rawTick  uint64
	message  []byte
	wallTime time.Time
}

type df17Sighting struct {
	receiver ReceiverID
	tick     uint64
	wallTime time.Time
	payload  []byte
	pos      ECEF
	nuc      int
}

// nucContainmentRadiusM is the DO-260 NUC_p 95% horizontal containment
// radius, metres, indexed by navigation uncertainty category; index 0 is
// "unknown" and gets the widest radius.
var nucContainmentRadiusM = [...]float64{
	18520, 18520, 7408, 3704, 1852, 926, 555.6, 185.2, 92.6, 30, 10, 3,
}

// geomVarianceFromNUC derives the pair-observation geometry/dilution
// variance (seconds^2) the sync pipeline adds to the measurement floor,
// from the transmitter's self-reported position uncertainty (spec section
// 4.2: R "derived from geometric dilution (propagation-delay uncertainty)
// plus a floor"). A looser NUC (more uncertain reported position) widens
// both propagation delays by up to the containment radius, so the
// differenced delay's variance scales with it.
func geomVarianceFromNUC(nuc int) float64 {
	radius := nucContainmentRadiusM[len(nucContainmentRadiusM)-1]
	if nuc >= 0 && nuc < len(nucContainmentRadiusM) {
		radius = nucContainmentRadiusM[nuc]
	}
	sigma := radius / clight
	return 2 * sigma * sigma
}

// Server owns every live component and runs the cooperative event loop
// (spec section 2 data flow, section 5 concurrency model).
type Server struct {
	cfg        Config
	registry   *Registry
	graph      *ClockGraph
	correlator *Correlator
	solver     *Solver
	tracker    *AircraftTracker
	dispatcher Dispatcher
	decoder    AdsbDecoder
	metrics    *Metrics
	log        zerolog.Logger

	arrivals   chan arrivalJob
	solverJobs chan *Group
	results    chan solverResult

	recentDF17 map[ICAO24][]df17Sighting

	// Cached anchor selection, invalidated whenever the clock graph's
	// generation (or the live receiver count) changes, so BestAnchor's
	// Dijkstra-from-every-candidate scan runs once per churn event instead
	// of once per arrival (spec section 5 bounded per-tick work).
	anchorValid bool
	anchorGen   uint64
	anchorLive  int
	anchor      ReceiverID
}

type solverResult struct {
	fix *FixResult
	err error
}

// NewServer wires every component per SPEC_FULL.md's module map.
func NewServer(cfg Config, decoder AdsbDecoder, dispatcher Dispatcher, m *Metrics) *Server {
	registry := NewRegistry(cfg)
	graph := NewClockGraph(cfg)
	tracker := NewAircraftTracker(cfg)
	correlator := NewCorrelator(cfg, graph, m)
	solver := NewSolver(cfg, registry, tracker, m)

	s := &Server{
		cfg: cfg, registry: registry, graph: graph, correlator: correlator,
		solver: solver, tracker: tracker, dispatcher: dispatcher, decoder: decoder,
		metrics: m, log: WithComponent("server"),
		arrivals:   make(chan arrivalJob, cfg.RateLimitMsgs),
		solverJobs: make(chan *Group, cfg.SolverQueueHighWater),
		results:    make(chan solverResult, cfg.SolverQueueHighWater),
		recentDF17: make(map[ICAO24][]df17Sighting),
	}
	correlator.OnGroupReady = s.enqueueGroup
	return s
}

// Registry exposes the receiver registry for connection handshake code
// (external per spec section 6) to register/deregister sessions.
func (s *Server) Registry() *Registry { return s.registry }

// Submit queues one inbound record for processing; it is the only
// producer-side entry point the external transport layer calls (spec
// section 5 suspension points: "only network I/O and timer waits").
// Returns false if the queue is full (backpressure, spec section 5
// default <=5000 msgs/s per session enforced by the caller's rate limiter).
func (s *Server) Submit(receiver ReceiverID, rawTick uint64, message []byte, wallTime time.Time) bool {
	select {
	case s.arrivals <- arrivalJob{receiver, rawTick, message, wallTime}:
		return true
	default:
		if s.metrics != nil {
			s.metrics.ReceiverDropped.WithLabelValues(receiver.String(), "queue_full").Inc()
		}
		return false
	}
}

// enqueueGroup hands a closed group to the solver worker pool. When the
// queue already holds cfg.SolverQueueHighWater groups, the incoming group
// is the one dropped; pending groups are not compared by receiver count.
func (s *Server) enqueueGroup(g *Group) {
	select {
	case s.solverJobs <- g:
		if s.metrics != nil {
			s.metrics.SolverQueueLength.Set(float64(len(s.solverJobs)))
		}
	default:
		s.log.Warn().Str("group", g.ID.String()).Msg("solver queue full, dropping group")
		if s.metrics != nil {
			s.metrics.SolverAttempts.WithLabelValues("dropped_backpressure").Inc()
		}
	}
}

// runSolverWorkers starts cfg.SolverWorkers goroutines draining
// solverJobs; each fix (or error) is funneled back to results for the main
// loop to dispatch, since ordering between solver outputs is not required
// (spec section 5: "each fix carries its own t0").
func (s *Server) runSolverWorkers(ctx context.Context) {
	for i := 0; i < s.cfg.SolverWorkers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case g, ok := <-s.solverJobs:
					if !ok {
						return
					}
					fix, err := s.solver.Solve(g)
					select {
					case s.results <- solverResult{fix, err}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
}

// Run drives the cooperative event loop until ctx is cancelled: arrivals
// are classified and fanned out synchronously (pair filter updates, graph
// queries, and correlator inserts are all synchronous per spec section 5),
// solver results are dispatched as they complete, and periodic timers
// handle every timeout in spec section 5's table.
func (s *Server) Run(ctx context.Context) {
	s.runSolverWorkers(ctx)

	housekeeping := time.NewTicker(500 * time.Millisecond)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case job := <-s.arrivals:
			s.handleArrival(job)

		case res := <-s.results:
			s.handleSolverResult(res)

		case now := <-housekeeping.C:
			s.correlator.CloseExpired(now)
			s.tracker.SweepTimeouts(now)
			dropped := s.registry.SweepSilent(now)
			for _, id := range dropped {
				s.correlator.DropReceiver(id)
			}
			live := make(map[ReceiverID]bool)
			for _, sess := range s.registry.Live() {
				live[sess.Info.ID] = true
			}
			s.graph.EvictIdle(live, now)
			s.graph.Invalidate()
			s.anchorValid = false
		}
	}
}

// handleArrival implements spec section 4.1's fan-out: unwrap/classify via
// the receiver session, then route DF17s to the sync pipeline and every
// message to the correlator.
func (s *Server) handleArrival(job arrivalJob) {
	sess, ok := s.registry.Get(job.receiver)
	if !ok {
		return
	}

	arrival, err := sess.OnMessage(job.rawTick, job.message, job.wallTime)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ReceiverDropped.WithLabelValues(sess.Info.ID.String(), "bad_tick").Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.ReceiverMessages.WithLabelValues(sess.Info.ID.String()).Inc()
	}

	df, icao, alt, hasAlt := s.decoder.DecodeModeS(arrival.Message)
	arrival.ICAO = icao

	if df == 17 {
		if _, pos, ok := s.decoder.DecodeADSB(arrival.Message); ok {
			s.feedSync(sess, arrival, pos.Position, pos.NUC)
		}
	}
	if hasAlt {
		s.correlator.SetAltitude(icao, alt)
	}

	s.feedCorrelator(sess, arrival)
}

// feedSync implements spec section 4.2's observation construction: pair
// this DF17 sighting against every other receiver's recent sighting of
// the identical payload within the pairing window.
func (s *Server) feedSync(sess *Session, a Arrival, transmitterPos ECEF, nuc int) {
	cutoff := a.WallTime.Add(-s.cfg.PairingWindow)
	sightings := s.recentDF17[a.ICAO]

	kept := sightings[:0]
	for _, prior := range sightings {
		if prior.wallTime.Before(cutoff) {
			continue
		}
		kept = append(kept, prior)
		if prior.receiver == sess.Info.ID {
			continue
		}
		if !bytesEqual(prior.payload, a.Message) {
			continue
		}
		s.observePair(sess.Info.ID, prior.receiver, a, prior, transmitterPos, nuc)
	}

	kept = append(kept, df17Sighting{
		receiver: sess.Info.ID, tick: a.Tick, wallTime: a.WallTime,
		payload: append([]byte(nil), a.Message...), pos: transmitterPos, nuc: nuc,
	})
	s.recentDF17[a.ICAO] = kept
}

func (s *Server) observePair(newRecv, priorRecv ReceiverID, a Arrival, prior df17Sighting, transmitterPos ECEF, nuc int) {
	newSess, ok1 := s.registry.Get(newRecv)
	priorSess, ok2 := s.registry.Get(priorRecv)
	if !ok1 || !ok2 {
		return
	}

	tNew := float64(a.Tick) / newSess.Info.ClockHz
	tPrior := float64(prior.tick) / priorSess.Info.ClockHz
	tauNew := PropagationDelay(transmitterPos, newSess.Info.Position)
	tauPrior := PropagationDelay(transmitterPos, priorSess.Info.Position)
	geomVariance := geomVarianceFromNUC(nuc)
	if prior.nuc < nuc {
		geomVariance = geomVarianceFromNUC(prior.nuc)
	}

	key := NewPairKey(newRecv, priorRecv)
	tracker := s.graph.PairFor(newRecv, priorRecv, s.metrics)

	// Observe's z formula takes (tI, tJ) with I<J by construction of
	// PairKey; swap the (new, prior) pair into that canonical order.
	if newRecv == key.I {
		_, _ = tracker.Observe(tNew, tPrior, tauNew, tauPrior, geomVariance, a.WallTime)
	} else {
		_, _ = tracker.Observe(tPrior, tNew, tauPrior, tauNew, geomVariance, a.WallTime)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// feedCorrelator implements spec section 4.4 step 1: translate the
// arrival into the current anchor's frame and hand it to the correlator.
//
// BestAnchor and Translate both walk the clock graph with Dijkstra; doing
// that on every arrival (up to cfg.RateLimitMsgs/s per receiver) would
// dominate the loop's per-message budget (spec section 5). The anchor is
// cached and only recomputed when the graph's generation or the live
// receiver count has moved since the last pick. Translate relies on
// ClockGraph's own build cache (graph.go), so the graph is rebuilt at most
// once per churn event, but Translate still runs one Dijkstra search from
// the arrival's receiver on every call.
func (s *Server) feedCorrelator(sess *Session, a Arrival) {
	anchor, ok := s.currentAnchor()
	if !ok {
		return
	}

	localSec := float64(a.Tick) / sess.Info.ClockHz
	anchorSec, variance, err := s.graph.Translate(localSec, sess.Info.ID, anchor)
	if err != nil {
		return // no sync path yet; arrival is silently dropped from correlation (spec 4.4/4.1 per-message failure policy)
	}

	s.correlator.Ingest(a, anchor, anchorSec, variance)
}

// currentAnchor returns the cached best anchor, recomputing it only when
// the clock graph has changed (new/evicted pair, housekeeping invalidation)
// or the live receiver set's size has changed since the last pick.
func (s *Server) currentAnchor() (ReceiverID, bool) {
	live := s.registry.Live()
	if len(live) == 0 {
		return 0, false
	}

	gen := s.graph.Generation()
	if s.anchorValid && gen == s.anchorGen && len(live) == s.anchorLive {
		return s.anchor, true
	}

	candidates := make([]ReceiverID, 0, len(live))
	for _, l := range live {
		candidates = append(candidates, l.Info.ID)
	}
	anchor, err := s.graph.BestAnchor(candidates)
	if err != nil {
		return 0, false
	}

	s.anchor, s.anchorGen, s.anchorLive, s.anchorValid = anchor, gen, len(live), true
	return anchor, true
}

// handleSolverResult dispatches every fix the solver returns, including
// fixes the aircraft tracker's gate did not accept (FixResult.Accepted), and
// logs a failed attempt at debug level without retrying it. Failures are
// counted only by the solver's per-outcome metric, not per icao24.
func (s *Server) handleSolverResult(res solverResult) {
	if res.err != nil {
		s.log.Debug().Err(res.err).Msg("solver attempt failed")
		return
	}
	rec := NewOutputRecord(res.fix, res.fix.TickBySat)
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(rec); err != nil {
			s.log.Warn().Err(err).Msg("dispatch failed")
		}
	}
}
