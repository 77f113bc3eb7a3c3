package p2p

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"heliochain/observability/logging"
)

// ConnState tracks the lifecycle of a peer connection.
type ConnState int

const (
	StateDialing ConnState = iota + 1
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateBanned
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// validTransitions encodes the monotonic lifecycle: Dialing → Connected →
// Disconnecting → Disconnected, with Connected → Banned as the only shortcut.
// A terminal state may restart the cycle for a fresh connection.
var validTransitions = map[ConnState][]ConnState{
	0:                  {StateDialing, StateConnected},
	StateDialing:       {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateDisconnected, StateBanned},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {StateDialing, StateConnected},
	StateBanned:        {StateDialing, StateConnected, StateDisconnected},
}

func transitionAllowed(from, to ConnState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PeerRecord is the per-peer state owned exclusively by the peer manager.
// Other components refer to peers by identifier only.
type PeerRecord struct {
	ID              PeerID
	Direction       Direction
	State           ConnState
	Score           int
	LastSeen        time.Time
	ProtocolVersion uint64
	Handshaked      bool
	Status          *StatusPayload
	MetaData        *MetaDataPayload

	// counted marks whether this record currently occupies a connection
	// slot, so caps are released exactly once.
	counted bool
}

// PeerManagerConfig carries the admission and backoff policy.
type PeerManagerConfig struct {
	MaxPeers    int
	MaxInbound  int
	MaxOutbound int

	// DialBackoff is the first retry delay after a failed dial; each
	// further failure doubles it up to MaxDialBackoff.
	DialBackoff    time.Duration
	MaxDialBackoff time.Duration

	// SevereViolationThreshold is the number of consecutive malformed
	// payloads from one peer that triggers an immediate ban regardless of
	// score.
	SevereViolationThreshold int

	Reputation ReputationConfig
}

// PeerManager owns connection state, reputation, bans and dial backoff. It
// decides admission and consumes outcome events from the RPC layer and the
// rate limiter.
type PeerManager struct {
	cfg        PeerManagerConfig
	logger     *slog.Logger
	now        func() time.Time
	reputation *ReputationManager
	store      *Peerstore
	metrics    *networkMetrics

	mu            sync.RWMutex
	records       map[PeerID]*PeerRecord
	inboundCount  int
	outboundCount int
	malformed     map[PeerID]int

	dialMu  sync.Mutex
	backoff map[string]dialBackoff
}

// NewPeerManager builds a peer manager. The peerstore is optional; without
// it dial backoff is in-memory only.
func NewPeerManager(cfg PeerManagerConfig, logger *slog.Logger, store *Peerstore) *PeerManager {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 64
	}
	if cfg.MaxInbound <= 0 || cfg.MaxInbound > cfg.MaxPeers {
		cfg.MaxInbound = cfg.MaxPeers
	}
	if cfg.MaxOutbound <= 0 || cfg.MaxOutbound > cfg.MaxPeers {
		cfg.MaxOutbound = cfg.MaxPeers
	}
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = time.Second
	}
	if cfg.MaxDialBackoff <= 0 {
		cfg.MaxDialBackoff = time.Minute
	}
	if cfg.SevereViolationThreshold <= 0 {
		cfg.SevereViolationThreshold = 5
	}
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "peer_manager"))
	}
	return &PeerManager{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		reputation: NewReputationManager(cfg.Reputation),
		store:      store,
		metrics:    newNetworkMetrics(),
		records:    make(map[PeerID]*PeerRecord),
		malformed:  make(map[PeerID]int),
		backoff:    make(map[string]dialBackoff),
	}
}

// Admit decides whether a new connection may be kept. It checks the ban list
// and the per-direction and total caps before any stream exists, and on
// success transitions the peer to Connected.
func (pm *PeerManager) Admit(id PeerID, direction Direction) error {
	now := pm.now()
	if banned, until := pm.reputation.BanInfo(id, now); banned {
		return fmt.Errorf("%w: banned until %s", ErrAdmissionDenied, until.Format(time.RFC3339))
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	rec := pm.records[id]
	if rec != nil && rec.counted {
		return fmt.Errorf("%w: already connected", ErrAdmissionDenied)
	}
	connected := pm.inboundCount + pm.outboundCount
	if connected >= pm.cfg.MaxPeers {
		return fmt.Errorf("%w: peer capacity reached", ErrAdmissionDenied)
	}
	switch direction {
	case DirInbound:
		if pm.inboundCount >= pm.cfg.MaxInbound {
			return fmt.Errorf("%w: inbound capacity reached", ErrAdmissionDenied)
		}
	case DirOutbound:
		if pm.outboundCount >= pm.cfg.MaxOutbound {
			return fmt.Errorf("%w: outbound capacity reached", ErrAdmissionDenied)
		}
	default:
		return fmt.Errorf("%w: unknown direction", ErrAdmissionDenied)
	}

	if rec == nil {
		rec = &PeerRecord{ID: id}
		pm.records[id] = rec
	}
	if !transitionAllowed(rec.State, StateConnected) {
		return fmt.Errorf("%w: peer in state %s", ErrAdmissionDenied, rec.State)
	}
	rec.State = StateConnected
	rec.Direction = direction
	rec.LastSeen = now
	rec.Handshaked = false
	rec.counted = true
	if direction == DirInbound {
		pm.inboundCount++
	} else {
		pm.outboundCount++
	}
	pm.metrics.setPeerCounts(pm.inboundCount, pm.outboundCount)
	return nil
}

// MarkDialing records an outbound dial attempt.
func (pm *PeerManager) MarkDialing(id PeerID) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	rec := pm.records[id]
	if rec == nil {
		rec = &PeerRecord{ID: id}
		pm.records[id] = rec
	}
	if !transitionAllowed(rec.State, StateDialing) {
		return fmt.Errorf("p2p: illegal transition %s -> dialing", rec.State)
	}
	rec.State = StateDialing
	rec.Direction = DirOutbound
	return nil
}

// MarkDisconnecting records that a graceful disconnect has been requested.
func (pm *PeerManager) MarkDisconnecting(id PeerID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	rec := pm.records[id]
	if rec == nil || !transitionAllowed(rec.State, StateDisconnecting) {
		return
	}
	rec.State = StateDisconnecting
}

// MarkDisconnected releases the peer's connection slot. Banned peers keep
// their Banned state so admission keeps rejecting them until expiry.
func (pm *PeerManager) MarkDisconnected(id PeerID) {
	now := pm.now()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	rec := pm.records[id]
	if rec == nil {
		return
	}
	if rec.counted {
		if rec.Direction == DirInbound {
			if pm.inboundCount > 0 {
				pm.inboundCount--
			}
		} else if pm.outboundCount > 0 {
			pm.outboundCount--
		}
		rec.counted = false
	}
	if rec.State != StateBanned && transitionAllowed(rec.State, StateDisconnected) {
		rec.State = StateDisconnected
	}
	rec.Handshaked = false
	rec.LastSeen = now
	delete(pm.malformed, id)
	pm.metrics.setPeerCounts(pm.inboundCount, pm.outboundCount)
	pm.metrics.removePeer(string(id))
}

// Ban bans the peer immediately for a severe violation and returns the
// resulting status. The caller is expected to disconnect the peer.
func (pm *PeerManager) Ban(id PeerID, reason error) ReputationStatus {
	now := pm.now()
	status := pm.reputation.Ban(id, now)
	pm.applyStatus(id, status)
	pm.metrics.recordBan()
	pm.logger.Warn("Peer banned",
		logging.MaskField("peer_id", string(id)),
		slog.Time("until", status.Until),
		slog.Any("error", reason))
	return status
}

// IsBanned reports whether the peer is currently banned.
func (pm *PeerManager) IsBanned(id PeerID) bool {
	return pm.reputation.IsBanned(id, pm.now())
}

// OnValidResponse rewards a well-formed, timely response.
func (pm *PeerManager) OnValidResponse(id PeerID) ReputationStatus {
	pm.resetMalformedStreak(id)
	return pm.adjust(id, timelyResponseDelta)
}

// OnTimeout penalizes a peer-attributable request timeout. Locally caused
// failures must not be reported here.
func (pm *PeerManager) OnTimeout(id PeerID) ReputationStatus {
	pm.metrics.recordTimeout()
	return pm.adjust(id, timeoutPenalty)
}

// OnMalformed penalizes a malformed payload. Consecutive violations above
// the severe threshold ban the peer outright.
func (pm *PeerManager) OnMalformed(id PeerID) ReputationStatus {
	pm.mu.Lock()
	pm.malformed[id]++
	streak := pm.malformed[id]
	pm.mu.Unlock()
	if streak >= pm.cfg.SevereViolationThreshold {
		return pm.Ban(id, fmt.Errorf("%d consecutive malformed payloads", streak))
	}
	return pm.adjust(id, malformedPenalty)
}

// OnRateLimited penalizes a rate-limit rejection. Bursting is punished more
// lightly than protocol violations.
func (pm *PeerManager) OnRateLimited(id PeerID) ReputationStatus {
	return pm.adjust(id, rateLimitPenalty)
}

// OnHandshakeSuccess records the advertised status after a completed status
// exchange and marks the peer usable.
func (pm *PeerManager) OnHandshakeSuccess(id PeerID, status *StatusPayload, version uint64) {
	now := pm.now()
	pm.mu.Lock()
	rec := pm.records[id]
	if rec != nil {
		rec.Handshaked = true
		rec.Status = status
		rec.ProtocolVersion = version
		rec.LastSeen = now
	}
	pm.mu.Unlock()
	pm.resetMalformedStreak(id)
	if pm.store != nil {
		_ = pm.store.RecordSuccess(id, now)
	}
}

// SetMetaData stores the peer's advertised metadata if its sequence number
// is not stale.
func (pm *PeerManager) SetMetaData(id PeerID, md *MetaDataPayload) {
	if md == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	rec := pm.records[id]
	if rec == nil {
		return
	}
	if rec.MetaData != nil && rec.MetaData.SeqNumber >= md.SeqNumber {
		return
	}
	rec.MetaData = md
}

// Touch refreshes the peer's last-seen timestamp.
func (pm *PeerManager) Touch(id PeerID) {
	now := pm.now()
	pm.mu.Lock()
	if rec := pm.records[id]; rec != nil {
		rec.LastSeen = now
	}
	pm.mu.Unlock()
}

// Connected reports whether the peer currently holds a connection slot.
func (pm *PeerManager) Connected(id PeerID) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	rec := pm.records[id]
	return rec != nil && rec.counted && rec.State == StateConnected
}

// Handshaked reports whether the peer is connected and past the handshake.
func (pm *PeerManager) Handshaked(id PeerID) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	rec := pm.records[id]
	return rec != nil && rec.counted && rec.State == StateConnected && rec.Handshaked
}

// State returns the current lifecycle state for a peer.
func (pm *PeerManager) State(id PeerID) ConnState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if rec := pm.records[id]; rec != nil {
		return rec.State
	}
	return 0
}

// Record returns a copy of the peer's record.
func (pm *PeerManager) Record(id PeerID) (PeerRecord, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	rec := pm.records[id]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Counts returns the current total, inbound and outbound connection counts.
func (pm *PeerManager) Counts() (total, inbound, outbound int) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.inboundCount + pm.outboundCount, pm.inboundCount, pm.outboundCount
}

// Snapshot returns every peer record with decayed scores applied, sorted by
// identifier.
func (pm *PeerManager) Snapshot() []PeerRecord {
	now := pm.now()
	statuses := pm.reputation.Snapshot(now)

	pm.mu.RLock()
	out := make([]PeerRecord, 0, len(pm.records))
	for id, rec := range pm.records {
		clone := *rec
		clone.Score = statuses[id].Score
		out = append(out, clone)
	}
	pm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dialBackoff is the in-memory dial schedule for one address: the current
// exponential delay and the earliest next attempt it permits.
type dialBackoff struct {
	delay time.Duration
	until time.Time
}

// NextDialDelay returns how long to wait before dialling the address,
// combining the in-memory backoff with the persisted failure history.
func (pm *PeerManager) NextDialDelay(addr string) time.Duration {
	now := pm.now()
	var wait time.Duration
	if pm.store != nil {
		if next := pm.store.NextDialAt(addr, now); next.After(now) {
			wait = next.Sub(now)
		}
	}
	pm.dialMu.Lock()
	if b := pm.backoff[addr]; b.until.After(now) {
		if rem := b.until.Sub(now); rem > wait {
			wait = rem
		}
	}
	pm.dialMu.Unlock()
	return wait
}

// OnDialFailure doubles the backoff for the address, capped at the
// configured maximum, and returns the next delay.
func (pm *PeerManager) OnDialFailure(addr string, id PeerID) time.Duration {
	now := pm.now()
	pm.dialMu.Lock()
	b := pm.backoff[addr]
	if b.delay == 0 {
		b.delay = pm.cfg.DialBackoff
	} else {
		b.delay *= 2
		if b.delay > pm.cfg.MaxDialBackoff {
			b.delay = pm.cfg.MaxDialBackoff
		}
	}
	b.until = now.Add(b.delay)
	pm.backoff[addr] = b
	pm.dialMu.Unlock()

	if pm.store != nil && id != "" {
		_ = pm.store.RecordFail(id, now)
	}
	return b.delay
}

// OnDialSuccess resets the backoff for the address and refreshes the
// persisted dial metadata.
func (pm *PeerManager) OnDialSuccess(addr string, id PeerID) {
	pm.dialMu.Lock()
	delete(pm.backoff, addr)
	pm.dialMu.Unlock()
	if pm.store != nil && id != "" {
		_ = pm.store.Put(PeerstoreEntry{Addr: addr, PeerID: id, LastSeen: pm.now()})
		_ = pm.store.RecordSuccess(id, pm.now())
	}
}

func (pm *PeerManager) adjust(id PeerID, delta int) ReputationStatus {
	status := pm.reputation.Adjust(id, delta, pm.now())
	pm.applyStatus(id, status)
	return status
}

// applyStatus mirrors the reputation outcome into the peer record and the
// metrics sink, and moves connected peers to Banned when a ban fires. A
// record is created when none exists yet: reputation accrues against peers
// that were never admitted, such as outbound targets that misbehave before
// the connected event lands.
func (pm *PeerManager) applyStatus(id PeerID, status ReputationStatus) {
	pm.mu.Lock()
	rec := pm.records[id]
	if rec == nil {
		rec = &PeerRecord{ID: id}
		pm.records[id] = rec
	}
	rec.Score = status.Score
	rec.LastSeen = pm.now()
	if status.Banned && transitionAllowed(rec.State, StateBanned) {
		rec.State = StateBanned
	}
	pm.mu.Unlock()
	pm.metrics.observePeerScore(string(id), status.Score)
}

func (pm *PeerManager) resetMalformedStreak(id PeerID) {
	pm.mu.Lock()
	delete(pm.malformed, id)
	pm.mu.Unlock()
}
