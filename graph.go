/*------------------------------------------------------------------------------
* graph.go : clock graph (spec section 4.3)
*
* gnssgo has no multi-hop clock composition analogue; this is new code
* built on the gonum graph stack (also used elsewhere for exactly this kind
* of weighted-shortest-path problem), replacing a hand-rolled priority
* queue.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// ClockGraph is the undirected weighted graph over live, synced receivers
// described in spec section 4.3: vertices are receivers, edges are pair
// trackers with enough observations and variance below a cutoff, edge
// weight is the pair's squared jitter plus a small per-hop bias.
//
// The gonum graph itself is rebuilt only when the edge set could plausibly
// have changed (a pair created, evicted, or invalidated by the periodic
// housekeeping sweep), not on every Translate/BestAnchor call: spec section
// 5 requires the loop's per-arrival work stay bounded, and rebuilding plus
// a fresh Dijkstra search for a busy receiver set on every one of up to
// RateLimitMsgs arrivals/s would dominate that budget.
type ClockGraph struct {
	mu    sync.RWMutex
	pairs map[PairKey]*PairTracker
	cfg   Config
	log   zerolog.Logger

	generation uint64 // bumped whenever the edge set may have changed

	builtGen uint64
	builtWG  *simple.WeightedUndirectedGraph
	built    map[PairKey]*PairTracker
}

// NewClockGraph constructs an empty clock graph.
func NewClockGraph(cfg Config) *ClockGraph {
	return &ClockGraph{
		pairs: make(map[PairKey]*PairTracker),
		cfg:   cfg,
		log:   WithComponent("graph"),
	}
}

// PairFor returns the tracker for (a,b), creating it in bootstrap state on
// first shared DF17 sighting if it does not yet exist (spec section 3
// lifecycle: "Pair trackers: created on first shared DF17 sighting").
func (g *ClockGraph) PairFor(a, b ReceiverID, m *Metrics) *PairTracker {
	key := NewPairKey(a, b)
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.pairs[key]; ok {
		return t
	}
	t := NewPairTracker(key, g.cfg, m)
	g.pairs[key] = t
	g.generation++
	return t
}

// EvictIdle removes pair trackers idle longer than cfg.PairIdleTimeout, or
// whose receivers are no longer live (spec section 3 lifecycle: "Pair
// trackers: ... destroyed when either receiver dies or no update in 60s").
func (g *ClockGraph) EvictIdle(live map[ReceiverID]bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, t := range g.pairs {
		if t.Idle(now) || !live[key.I] || !live[key.J] {
			delete(g.pairs, key)
			g.generation++
			g.log.Debug().Str("pair", key.String()).Msg("pair evicted")
		}
	}
}

// Invalidate forces the next Translate/BestAnchor call to rebuild the
// cached shortest-path graph, so that pair state that changes without
// adding or removing a tracker (maturing out of bootstrap, jitter
// reestimated) is eventually reflected. The event loop calls this once per
// housekeeping tick (spec section 5), bounding staleness to that interval
// rather than rebuilding per arrival.
func (g *ClockGraph) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation++
}

// Generation returns the current edge-set version, so callers can cache
// derived results (e.g. the correlator's anchor choice) across arrivals.
func (g *ClockGraph) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// buildGraph returns the cached gonum weighted undirected graph of
// currently eligible edges (tracking, within the variance ceiling),
// rebuilding it only if the edge set has changed since the last build
// (spec section 4.3 weight = jitter^2 + a small per-hop bias, biasing
// toward fewer hops among otherwise-similar paths).
func (g *ClockGraph) buildGraph() (*simple.WeightedUndirectedGraph, map[PairKey]*PairTracker) {
	g.mu.RLock()
	if g.builtWG != nil && g.builtGen == g.generation {
		wg, eligible := g.builtWG, g.built
		g.mu.RUnlock()
		return wg, eligible
	}
	g.mu.RUnlock()

	wg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	eligible := make(map[PairKey]*PairTracker)

	g.mu.Lock()
	defer g.mu.Unlock()

	for key, t := range g.pairs {
		if !t.IsTracking() {
			continue
		}
		jitter := t.JitterSigma()
		weight := jitter*jitter + g.cfg.GraphHopBias
		if weight > g.cfg.GraphVarianceCeiling {
			continue
		}
		wg.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(key.I),
			T: simple.Node(key.J),
			W: weight,
		})
		eligible[key] = t
	}

	g.builtWG, g.built, g.builtGen = wg, eligible, g.generation
	return wg, eligible
}

// Translate maps a local timestamp t (seconds, in receiver from's frame)
// into receiver to's frame, composing across intermediate hops via
// Dijkstra shortest path when no direct edge exists (spec section 4.3).
// Returns ErrNoSyncPath if no path exists within the variance ceiling.
func (g *ClockGraph) Translate(t float64, from, to ReceiverID) (float64, float64, error) {
	if from == to {
		return t, 0, nil
	}

	wg, eligible := g.buildGraph()
	shortest := path.DijkstraFrom(simple.Node(from), wg)
	nodes, weight := shortest.To(int64(to))
	if len(nodes) == 0 || math.IsInf(weight, 1) {
		return 0, 0, fmt.Errorf("%w: from=%d to=%d", ErrNoSyncPath, from, to)
	}

	cur := t
	var totalVar float64
	for i := 0; i+1 < len(nodes); i++ {
		a := ReceiverID(nodes[i].ID())
		b := ReceiverID(nodes[i+1].ID())
		key := NewPairKey(a, b)
		tr, ok := eligible[key]
		if !ok {
			return 0, 0, fmt.Errorf("%w: missing edge %s mid-path", ErrNoSyncPath, key)
		}
		// Predict(t) always maps I's frame (lower id) to J's frame
		// (higher id): next = t + delta. Walking the edge the other way
		// (J -> I) applies the same delta in reverse.
		next, v := tr.Predict(cur)
		delta := next - cur
		if a == key.I {
			cur = cur + delta
		} else {
			cur = cur - delta
		}
		totalVar += v
	}

	if totalVar > g.cfg.GraphVarianceCeiling {
		return 0, 0, fmt.Errorf("%w: composed variance %.3e exceeds ceiling", ErrNoSyncPath, totalVar)
	}
	return cur, totalVar, nil
}

// ExpectedVariance returns the composed translation variance between from
// and to without performing a translation.
func (g *ClockGraph) ExpectedVariance(from, to ReceiverID) (float64, error) {
	_, v, err := g.Translate(0, from, to)
	return v, err
}

// BestAnchor picks the receiver currently best-connected in the clock
// graph: lowest sum of edge variances to the rest of candidates. Ties
// break by receiver id (spec section 9 open question), lowest id wins.
func (g *ClockGraph) BestAnchor(candidates []ReceiverID) (ReceiverID, error) {
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w: no candidate receivers", ErrNoSyncPath)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	sorted := append([]ReceiverID(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	wg, _ := g.buildGraph()
	best := sorted[0]
	bestScore := math.Inf(1)
	for _, cand := range sorted {
		if wg.Node(int64(cand)) == nil {
			continue
		}
		shortest := path.DijkstraFrom(simple.Node(cand), wg)
		var score float64
		reachable := 0
		for _, other := range sorted {
			if other == cand {
				continue
			}
			_, w := shortest.To(int64(other))
			if math.IsInf(w, 1) {
				continue
			}
			score += w
			reachable++
		}
		if reachable == 0 {
			continue
		}
		if score < bestScore {
			bestScore = score
			best = cand
		}
	}
	return best, nil
}

// node is a thin alias documenting that ReceiverID values double as gonum
// graph node ids (both fit in int64 without collision).
var _ graph.Node = simple.Node(0)
