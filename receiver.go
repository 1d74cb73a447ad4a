/*------------------------------------------------------------------------------
* receiver.go : receiver session + registry (spec section 4.1)
*
* the tick-unwrap/reset-on-gap state machine follows the shape of gnssgo's
* raw-stream decoders (src/rcvraw.go): track a running wide counter, detect
* a hardware discontinuity, and resynchronize rather than propagate
* corrupted time. Connection lifecycle (silence timeout, liveness states)
* follows src/stream.go's stream-open/close/timeout handling.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one connected receiver: ECEF position, tick frequency,
// bounded recent-arrival history, and liveness. No numerical computation
// happens here; the session classifies and buffers only (spec 4.1).
type Session struct {
	Info ReceiverInfo

	mu         sync.Mutex
	history    []Arrival // ring buffer, capacity = cfg.HistoryLen
	next       int       // next write index into history
	filled     bool
	liveness   Liveness
	lastSeen   time.Time
	lastRaw    uint64 // last raw (wrapped) tick seen
	lastUnwrap uint64 // last unwrapped tick
	wrapMod    uint64 // 1 << WrapBits
	haveTick   bool

	cfg Config
	log zerolog.Logger
}

// NewSession constructs a receiver session in the connecting state.
func NewSession(info ReceiverInfo, cfg Config) *Session {
	wrapBits := info.WrapBits
	if wrapBits == 0 {
		wrapBits = 48
	}
	return &Session{
		Info:     info,
		history:  make([]Arrival, cfg.HistoryLen),
		liveness: LiveConnecting,
		lastSeen: time.Now(),
		wrapMod:  uint64(1) << wrapBits,
		cfg:      cfg,
		log:      WithComponent("receiver").With().Uint32("receiver", uint32(info.ID)).Logger(),
	}
}

// unwrap folds a wrapped raw hardware tick into the session's monotone u64
// counter. A gap larger than cfg.TickWrapGap (expressed in ticks via the
// receiver's clock) going backward signals a hardware reset, not ordinary
// wraparound, and returns ErrBadTick; the caller resyncs the session.
func (s *Session) unwrap(raw uint64) (uint64, error) {
	raw %= s.wrapMod
	if !s.haveTick {
		s.haveTick = true
		s.lastRaw = raw
		s.lastUnwrap = raw
		return raw, nil
	}

	delta := int64(raw) - int64(s.lastRaw)
	if delta < 0 {
		delta += int64(s.wrapMod)
	}

	wrapGapTicks := s.cfg.TickWrapGap.Seconds() * s.Info.ClockHz
	if float64(delta) > wrapGapTicks && wrapGapTicks > 0 {
		// looks less like a wrap than a hardware reset: only accept it as
		// a wrap if it is close to a full counter period.
		if float64(s.wrapMod)-float64(delta) > wrapGapTicks {
			return 0, fmt.Errorf("%w: delta=%d ticks exceeds wrap gap", ErrBadTick, delta)
		}
	}

	next := s.lastUnwrap + uint64(delta)
	s.lastRaw = raw
	s.lastUnwrap = next
	return next, nil
}

// resync clears unwrap state so the next call to OnMessage starts a fresh
// monotone sequence, used after a BadTick or an idle gap.
func (s *Session) resync() {
	s.haveTick = false
}

// OnMessage ingests one decoded record: unwraps its tick, appends to the
// bounded history, and returns the Arrival for downstream fan-out to the
// sync tracker and MLAT pipelines. Returns ErrBadTick if the hardware
// appears to have reset; the session resyncs and the caller should treat
// the receiver as momentarily desynced rather than drop it outright.
func (s *Session) OnMessage(rawTick uint64, message []byte, wallTime time.Time) (Arrival, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveness == LiveDead {
		return Arrival{}, fmt.Errorf("%w: receiver is dead", ErrBadMessage)
	}

	if s.haveTick && wallTime.Sub(s.lastSeen) > s.cfg.TickWrapGap && s.cfg.TickWrapGap > 0 {
		s.resync()
	}

	tick, err := s.unwrap(rawTick)
	if err != nil {
		s.resync()
		s.log.Debug().Err(err).Msg("bad tick, resyncing")
		return Arrival{}, err
	}

	if len(message) != 7 && len(message) != 14 {
		return Arrival{}, fmt.Errorf("%w: length %d", ErrBadMessage, len(message))
	}

	arrival := Arrival{
		Receiver: s.Info.ID,
		Tick:     tick,
		Message:  message,
		WallTime: wallTime,
	}

	if len(s.history) > 0 {
		s.history[s.next] = arrival
		s.next = (s.next + 1) % len(s.history)
		if s.next == 0 {
			s.filled = true
		}
	}

	s.lastSeen = wallTime
	if s.liveness == LiveConnecting {
		s.liveness = LiveSyncing
	}
	return arrival, nil
}

// SetSynced marks the receiver as having (or no longer having) at least one
// tracking clock-pair edge. The clock graph does not call it, so a session
// stays in the syncing state unless some other caller does.
func (s *Session) SetSynced(synced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveness == LiveDead {
		return
	}
	if synced {
		s.liveness = LiveSynced
	} else if s.liveness == LiveSynced {
		s.liveness = LiveSyncing
	}
}

// Liveness returns the session's current state.
func (s *Session) Liveness() Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveness
}

// IdleSince reports how long it has been since the last message.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// MarkDead flags the session as dead; Registry.Disconnect and
// Registry.SweepSilent call it as they remove the session. A dead session's
// history is left intact for in-flight readers.
func (s *Session) MarkDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveness = LiveDead
}

// RecentHistory returns a snapshot copy of the bounded arrival ring in
// oldest-to-newest order.
func (s *Session) RecentHistory() []Arrival {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.filled {
		out := make([]Arrival, s.next)
		copy(out, s.history[:s.next])
		return out
	}
	out := make([]Arrival, len(s.history))
	copy(out, s.history[s.next:])
	copy(out[len(s.history)-s.next:], s.history[:s.next])
	return out
}

// EpochTicks gives a best-estimate mapping from local receiver wall time
// to local tick, used only for cold-start sanity checks (spec 4.1); it is
// not precise enough for TDOA and must never feed the solver.
func (s *Session) EpochTicks(wall time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveTick {
		return 0
	}
	elapsed := wall.Sub(s.lastSeen).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return s.lastUnwrap + uint64(elapsed*s.Info.ClockHz)
}

// Registry is the arena-of-receivers: stable integer ids, no entity owns
// another (spec section 9).
type Registry struct {
	mu   sync.RWMutex
	byID map[ReceiverID]*Session
	next ReceiverID
	cfg  Config
	log  zerolog.Logger
}

// NewRegistry constructs an empty receiver registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		byID: make(map[ReceiverID]*Session),
		cfg:  cfg,
		log:  WithComponent("registry"),
	}
}

// Connect registers a newly connected receiver and returns its session.
func (r *Registry) Connect(position ECEF, clockHz float64, wrapBits uint8, noiseFloorNs float64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	id := r.next
	info := ReceiverInfo{
		ID: id, Position: position, ClockHz: clockHz,
		WrapBits: wrapBits, NoiseFloorNs: noiseFloorNs,
	}
	s := NewSession(info, r.cfg)
	r.byID[id] = s
	r.log.Info().Uint32("receiver", uint32(id)).Msg("receiver connected")
	return s
}

// Disconnect marks a receiver dead and removes it from the registry.
func (r *Registry) Disconnect(id ReceiverID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		s.MarkDead()
		delete(r.byID, id)
		r.log.Info().Uint32("receiver", uint32(id)).Msg("receiver disconnected")
	}
}

// Get returns the session for id, if still registered.
func (r *Registry) Get(id ReceiverID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Live returns every currently-registered session.
func (r *Registry) Live() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// SweepSilent drops any receiver silent for longer than cfg.ReceiverSilent
// (spec section 5 timeout table), returning the ids dropped.
func (r *Registry) SweepSilent(now time.Time) []ReceiverID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []ReceiverID
	for id, s := range r.byID {
		if s.IdleSince(now) > r.cfg.ReceiverSilent {
			s.MarkDead()
			delete(r.byID, id)
			dropped = append(dropped, id)
			r.log.Info().Uint32("receiver", uint32(id)).Msg("receiver dropped: silence timeout")
		}
	}
	return dropped
}
