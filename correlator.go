/*------------------------------------------------------------------------------
* correlator.go : MLAT correlator (spec section 4.4)
*
* clusters arrivals of the same transmission across receivers, keyed by
* icao24. The keyed-accumulation-with-deadline-closure shape follows
* gnssgo/src/rtcm3.go's epoch buffering (accumulate submessages under a
* key, flush when the epoch is complete or a deadline passes), adapted
* from RTCM epochs to Mode S correlation groups.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GroupMember is one receiver's contribution to a correlation group.
type GroupMember struct {
	Receiver    ReceiverID
	Tick        uint64
	AnchorTime  float64 // arrival time translated into the anchor's frame, seconds
	TimeVariance float64 // variance of that translation
}

// Group is one candidate transmission, gathered across receivers (spec
// section 3 "MLAT group").
type Group struct {
	ID         uuid.UUID
	ICAO       ICAO24
	Anchor     ReceiverID
	AnchorTime float64 // canonical-frame timestamp used for correlation window matching
	Payload    []byte
	Members    []GroupMember
	CreatedAt  time.Time
	Altitude   float64
	HasAlt     bool
}

// Correlator clusters Mode S arrivals into groups by icao24, time-window
// proximity in the anchor's frame, and payload match (spec section 4.4).
type Correlator struct {
	mu     sync.Mutex
	groups map[ICAO24][]*Group

	cfg   Config
	graph *ClockGraph
	m     *Metrics
	log   zerolog.Logger

	// OnGroupReady is invoked (outside the correlator's lock) for every
	// group closed with at least cfg.MinGroupReceivers distinct receivers.
	// The server loop wires this to the solver (spec: "when a group is
	// ready, invokes the solver").
	OnGroupReady func(*Group)
}

// NewCorrelator constructs an empty correlator bound to a clock graph for
// anchor-frame translation.
func NewCorrelator(cfg Config, graph *ClockGraph, m *Metrics) *Correlator {
	return &Correlator{
		groups: make(map[ICAO24][]*Group),
		cfg:    cfg,
		graph:  graph,
		m:      m,
		log:    WithComponent("correlator"),
	}
}

// hammingDistance counts differing bits between equal-length byte slices;
// mismatched lengths are treated as maximally distant (no tolerance).
func hammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return len(a)*8 + len(b)*8
	}
	d := 0
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

// payloadMatches implements spec section 4.4 step 2's match rule: bit-
// exact for long frames; short frames may differ by up to
// cfg.HammingTolerance bits (reception noise).
func (c *Correlator) payloadMatches(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 14 {
		return hammingDistance(a, b) == 0
	}
	return hammingDistance(a, b) <= c.cfg.HammingTolerance
}

// Ingest processes one Mode S arrival already translated into the current
// anchor's frame (anchorTime, seconds) with its translation variance, per
// spec section 4.4 steps 1-3: find a matching open group within the
// correlation window, or start a new one.
func (c *Correlator) Ingest(a Arrival, anchor ReceiverID, anchorTime, variance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	windowSec := c.cfg.CorrelationWindow.Seconds()
	for _, g := range c.groups[a.ICAO] {
		if g.Anchor != anchor {
			continue
		}
		if d := anchorTime - g.AnchorTime; d < -windowSec || d > windowSec {
			continue
		}
		if !c.payloadMatches(g.Payload, a.Message) {
			continue
		}
		for _, existing := range g.Members {
			if existing.Receiver == a.Receiver {
				return // already have this receiver's copy
			}
		}
		g.Members = append(g.Members, GroupMember{
			Receiver: a.Receiver, Tick: a.Tick,
			AnchorTime: anchorTime, TimeVariance: variance,
		})
		return
	}

	c.groups[a.ICAO] = append(c.groups[a.ICAO], &Group{
		ID:         uuid.New(),
		ICAO:       a.ICAO,
		Anchor:     anchor,
		AnchorTime: anchorTime,
		Payload:    append([]byte(nil), a.Message...),
		Members: []GroupMember{{
			Receiver: a.Receiver, Tick: a.Tick,
			AnchorTime: anchorTime, TimeVariance: variance,
		}},
		CreatedAt: a.WallTime,
	})
}

// SetAltitude attaches an accompanying Mode S altitude reply's decoded
// altitude to every open group for icao, if not already set (spec 4.5
// inputs: "optionally an altitude h from an accompanying Mode S altitude
// reply").
func (c *Correlator) SetAltitude(icao ICAO24, altitudeM float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.groups[icao] {
		if !g.HasAlt {
			g.Altitude = altitudeM
			g.HasAlt = true
		}
	}
}

// CloseExpired closes every group whose close delay has elapsed (spec
// section 3 lifecycle: "closed after a short grace window"), invoking
// OnGroupReady for groups with enough receivers and discarding the rest.
func (c *Correlator) CloseExpired(now time.Time) {
	c.mu.Lock()
	var ready, discarded []*Group
	for icao, groups := range c.groups {
		var kept []*Group
		for _, g := range groups {
			if now.Sub(g.CreatedAt) < c.cfg.GroupCloseDelay {
				kept = append(kept, g)
				continue
			}
			if len(g.Members) >= c.cfg.MinGroupReceivers {
				ready = append(ready, g)
			} else {
				discarded = append(discarded, g)
			}
		}
		if len(kept) == 0 {
			delete(c.groups, icao)
		} else {
			c.groups[icao] = kept
		}
	}
	c.mu.Unlock()

	if c.m != nil {
		c.m.GroupsClosed.Add(float64(len(ready)))
		c.m.GroupsDiscarded.Add(float64(len(discarded)))
	}
	for _, g := range ready {
		c.log.Debug().Str("group", g.ID.String()).Int("receivers", len(g.Members)).Msg("group closed")
		if c.OnGroupReady != nil {
			c.OnGroupReady(g)
		}
	}
}

// DropReceiver removes a disconnected receiver's contribution from every
// pending group, leaving groups that still meet the minimum usable (spec
// section 5 cancellation rule: "pending groups lose that receiver's
// contribution but remain usable").
func (c *Correlator) DropReceiver(id ReceiverID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, groups := range c.groups {
		for _, g := range groups {
			filtered := g.Members[:0]
			for _, mem := range g.Members {
				if mem.Receiver != id {
					filtered = append(filtered, mem)
				}
			}
			g.Members = filtered
		}
	}
}
