package p2p

import (
	"math"
	"sync"
	"time"
)

// Score deltas for observed peer behaviour. Malformed payloads outweigh
// timeouts, and timeouts outweigh rate-limit rejections: a peer that does
// not honour the protocol is worse than one that is merely slow or bursty.
const (
	timelyResponseDelta = 1
	rateLimitPenalty    = -2
	timeoutPenalty      = -5
	malformedPenalty    = -10
)

// The score is clamped to [minScore, maxScore]; reaching minScore forces a
// ban.
const (
	minScore = -100
	maxScore = 100
)

// ReputationConfig sets the scoring policy knobs left open by the protocol.
type ReputationConfig struct {
	// BanThreshold is the (negative) score at or below which a peer is
	// banned. Defaults to minScore.
	BanThreshold int
	// BanDuration is the first ban term; repeated bans double it up to
	// MaxBanDuration.
	BanDuration    time.Duration
	MaxBanDuration time.Duration
	// DecayHalfLife is the period over which a score halves toward the
	// neutral baseline.
	DecayHalfLife time.Duration
}

// ReputationStatus is the externally visible state of a peer after an
// adjustment.
type ReputationStatus struct {
	Score    int
	Banned   bool
	Until    time.Time
	BanCount int
}

type reputationRecord struct {
	score      float64
	updatedAt  time.Time
	bannedTill time.Time
	banCount   int
}

// ReputationManager keeps per-peer scores with half-life decay, threshold
// bans, and escalating ban durations. Scores change only through deltas;
// there is no way to overwrite a score outright.
type ReputationManager struct {
	cfg ReputationConfig

	mu      sync.Mutex
	records map[PeerID]*reputationRecord
}

// NewReputationManager returns a reputation tracker with defaulted config.
func NewReputationManager(cfg ReputationConfig) *ReputationManager {
	if cfg.BanThreshold >= 0 || cfg.BanThreshold < minScore {
		cfg.BanThreshold = minScore
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 15 * time.Minute
	}
	if cfg.MaxBanDuration <= 0 {
		cfg.MaxBanDuration = 24 * time.Hour
	}
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = 10 * time.Minute
	}
	return &ReputationManager{cfg: cfg, records: make(map[PeerID]*reputationRecord)}
}

// Adjust applies a signed delta to the peer's score, clamps it, and bans the
// peer when the result crosses the ban threshold.
func (m *ReputationManager) Adjust(id PeerID, delta int, now time.Time) ReputationStatus {
	if m == nil || id == "" {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureRecordLocked(id, now)
	m.applyDecayLocked(rec, now)
	rec.score += float64(delta)
	if rec.score < minScore {
		rec.score = minScore
	}
	if rec.score > maxScore {
		rec.score = maxScore
	}
	rec.updatedAt = now

	if int(math.Round(rec.score)) <= m.cfg.BanThreshold && !rec.bannedTill.After(now) {
		m.banLocked(rec, now)
	}
	return m.statusLocked(rec, now)
}

// Ban bans the peer immediately, regardless of score, with the escalated
// duration. Used for severe violations such as persistent malformed frames.
func (m *ReputationManager) Ban(id PeerID, now time.Time) ReputationStatus {
	if m == nil || id == "" {
		return ReputationStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureRecordLocked(id, now)
	m.applyDecayLocked(rec, now)
	rec.score = minScore
	rec.updatedAt = now
	m.banLocked(rec, now)
	return m.statusLocked(rec, now)
}

// banLocked applies the escalating ban schedule: each ban doubles the
// previous term, capped at MaxBanDuration.
func (m *ReputationManager) banLocked(rec *reputationRecord, now time.Time) {
	rec.banCount++
	duration := m.cfg.BanDuration
	for i := 1; i < rec.banCount; i++ {
		duration *= 2
		if duration >= m.cfg.MaxBanDuration {
			duration = m.cfg.MaxBanDuration
			break
		}
	}
	rec.bannedTill = now.Add(duration)
}

// IsBanned reports whether the peer is banned at the given time. Expired ban
// entries are removed on consultation.
func (m *ReputationManager) IsBanned(id PeerID, now time.Time) bool {
	banned, _ := m.BanInfo(id, now)
	return banned
}

// BanInfo returns whether a peer is banned and the ban expiry.
func (m *ReputationManager) BanInfo(id PeerID, now time.Time) (bool, time.Time) {
	if m == nil {
		return false, time.Time{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil || rec.bannedTill.IsZero() {
		return false, time.Time{}
	}
	if now.After(rec.bannedTill) {
		rec.bannedTill = time.Time{}
		// The ban served its term; decay resumes from a clean slate.
		rec.score = 0
		rec.updatedAt = now
		return false, time.Time{}
	}
	return true, rec.bannedTill
}

// Score returns the rounded score after decay.
func (m *ReputationManager) Score(id PeerID, now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	if rec == nil {
		return 0
	}
	m.applyDecayLocked(rec, now)
	return int(math.Round(rec.score))
}

// Snapshot returns every tracked peer's status with decay applied.
func (m *ReputationManager) Snapshot(now time.Time) map[PeerID]ReputationStatus {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PeerID]ReputationStatus, len(m.records))
	for id, rec := range m.records {
		m.applyDecayLocked(rec, now)
		out[id] = m.statusLocked(rec, now)
	}
	return out
}

// Forget removes the record for a peer. Used when the peer manager evicts
// state it no longer tracks.
func (m *ReputationManager) Forget(id PeerID) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// applyDecayLocked halves the distance to the neutral baseline once per
// half-life. Banned peers do not decay until the ban term is over.
func (m *ReputationManager) applyDecayLocked(rec *reputationRecord, now time.Time) {
	if rec == nil {
		return
	}
	if now.Before(rec.updatedAt) {
		rec.updatedAt = now
		return
	}
	if rec.bannedTill.After(now) {
		return
	}
	elapsed := now.Sub(rec.updatedAt)
	if elapsed <= 0 {
		return
	}
	periods := float64(elapsed) / float64(m.cfg.DecayHalfLife)
	rec.score *= math.Pow(0.5, periods)
	if math.Abs(rec.score) < 1e-6 {
		rec.score = 0
	}
	rec.updatedAt = now
}

func (m *ReputationManager) ensureRecordLocked(id PeerID, now time.Time) *reputationRecord {
	rec := m.records[id]
	if rec == nil {
		rec = &reputationRecord{updatedAt: now}
		m.records[id] = rec
	}
	return rec
}

func (m *ReputationManager) statusLocked(rec *reputationRecord, now time.Time) ReputationStatus {
	status := ReputationStatus{
		Score:    int(math.Round(rec.score)),
		BanCount: rec.banCount,
	}
	if rec.bannedTill.After(now) {
		status.Banned = true
		status.Until = rec.bannedTill
	}
	return status
}
