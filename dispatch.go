/*------------------------------------------------------------------------------
* dispatch.go : output dispatcher (spec sections 4.6, 6)
*
* the Dispatcher interface is the external collaborator boundary spec
* section 1 calls out; the concrete JSON writers follow the "build a
* record, marshal, hand to a stream" shape of gnssgo/src/solution.go's
* OutSols/OutSolStat.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Dispatcher receives accepted position records; it is an external
// collaborator per spec section 1 (per-client output feed formatting is
// out of scope for the core).
type Dispatcher interface {
	Dispatch(rec OutputRecord) error
}

// OutputRecord is the stable-field-order output record spec section 6
// names.
type OutputRecord struct {
	ICAO           string                `json:"icao24"`
	T0             float64               `json:"t0"`
	LatDeg         float64               `json:"lat"`
	LonDeg         float64               `json:"lon"`
	AltM           float64               `json:"alt"`
	Covariance     [3][3]float64         `json:"ecef_covariance"`
	NumReceivers   int                   `json:"num_receivers"`
	Receivers      []OutputReceiverEntry `json:"receivers"`
	ChiSqPerDOF    float64               `json:"chi2_per_dof"`
}

// OutputReceiverEntry is one receiver's contribution line in OutputRecord.
type OutputReceiverEntry struct {
	Receiver ReceiverID `json:"id"`
	Tick     uint64     `json:"tick"`
	Residual float64    `json:"residual_s"`
}

// NewOutputRecord builds the stable-order output record from a solver fix.
func NewOutputRecord(fix *FixResult, ticks map[ReceiverID]uint64) OutputRecord {
	rec := OutputRecord{
		ICAO: fmt.Sprintf("%06x", uint32(fix.ICAO)),
		T0:   fix.T0, LatDeg: fix.Geodetic.LatDeg(), LonDeg: fix.Geodetic.LonDeg(),
		AltM: fix.Geodetic.Alt, Covariance: fix.Covariance,
		NumReceivers: len(fix.Receivers), ChiSqPerDOF: fix.ChiSqPerDOF,
	}
	for _, id := range fix.Receivers {
		rec.Receivers = append(rec.Receivers, OutputReceiverEntry{
			Receiver: id, Tick: ticks[id], Residual: fix.ResidualBySat[id],
		})
	}
	return rec
}

// JSONLineDispatcher writes one JSON object per line to w, the simplest
// concrete feed format (ground station tooling downstream parses the
// feed; formatting variants live outside the core per spec section 1).
type JSONLineDispatcher struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLineDispatcher wraps an io.Writer as a Dispatcher.
func NewJSONLineDispatcher(w io.Writer) *JSONLineDispatcher {
	return &JSONLineDispatcher{w: w}
}

func (d *JSONLineDispatcher) Dispatch(rec OutputRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	enc := json.NewEncoder(d.w)
	return enc.Encode(rec)
}

// PeerSyncStats holds one peer's values for sync.json's per-receiver peer
// map (spec section 6 "Status JSON"); WriteSyncSnapshot writes them as a
// [n_observations, sigma_jit_ns, rate_ppm] array.
type PeerSyncStats struct {
	Observations int     `json:"n_observations"`
	JitterNs     float64 `json:"sigma_jit_ns"`
	RatePPM      float64 `json:"rate_ppm"`
}

// WriteSyncSnapshot renders sync.json: receiver id -> {peers: {peer_id:
// [n_observations, sigma_jit_ns, rate_ppm]}}, a read-only snapshot for
// dashboards (spec section 6).
func WriteSyncSnapshot(w io.Writer, graph *ClockGraph) error {
	graph.mu.RLock()
	type entry struct {
		peers map[ReceiverID]PeerSyncStats
	}
	perReceiver := make(map[ReceiverID]*entry)
	for key, t := range graph.pairs {
		if t.Count() == 0 {
			continue
		}
		stats := PeerSyncStats{Observations: t.Count(), JitterNs: t.JitterSigma() * 1e9, RatePPM: t.Rate() * 1e6}

		if perReceiver[key.I] == nil {
			perReceiver[key.I] = &entry{peers: make(map[ReceiverID]PeerSyncStats)}
		}
		perReceiver[key.I].peers[key.J] = stats

		if perReceiver[key.J] == nil {
			perReceiver[key.J] = &entry{peers: make(map[ReceiverID]PeerSyncStats)}
		}
		perReceiver[key.J].peers[key.I] = stats
	}
	graph.mu.RUnlock()

	out := make(map[string]map[string]map[string][3]float64, len(perReceiver))
	for id, e := range perReceiver {
		peers := make(map[string][3]float64, len(e.peers))
		for peerID, s := range e.peers {
			peers[fmt.Sprintf("%d", peerID)] = [3]float64{float64(s.Observations), s.JitterNs, s.RatePPM}
		}
		out[fmt.Sprintf("%d", id)] = map[string]map[string][3]float64{"peers": peers}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// CoverageBounds is one receiver's bounding box entry in coverage.json
// (spec section 6).
type CoverageBounds struct {
	MinLatDeg float64   `json:"min_lat"`
	MaxLatDeg float64   `json:"max_lat"`
	MinLonDeg float64   `json:"min_lon"`
	MaxLonDeg float64   `json:"max_lon"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteCoverageSnapshot renders coverage.json from per-receiver bounding
// boxes the caller has accumulated; the core does not itself track image
// overlays, which are a dashboard-side concern (spec section 6).
func WriteCoverageSnapshot(w io.Writer, bounds map[ReceiverID]CoverageBounds) error {
	out := make(map[string]CoverageBounds, len(bounds))
	for id, b := range bounds {
		out[fmt.Sprintf("%d", id)] = b
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
