package p2p

import (
	"testing"
	"time"
)

func TestReputationPenaltyOrdering(t *testing.T) {
	if !(malformedPenalty < timeoutPenalty && timeoutPenalty < rateLimitPenalty) {
		t.Fatalf("malformed must outweigh timeout, timeout must outweigh rate limit")
	}
	if timelyResponseDelta <= 0 {
		t.Fatalf("timely responses must reward")
	}
}

func TestReputationAdjustAndClamp(t *testing.T) {
	m := NewReputationManager(ReputationConfig{BanThreshold: minScore, DecayHalfLife: time.Hour})
	now := time.Now()

	status := m.Adjust("peer-a", timelyResponseDelta, now)
	if status.Score != 1 {
		t.Fatalf("expected score 1, got %d", status.Score)
	}

	for i := 0; i < 300; i++ {
		status = m.Adjust("peer-a", timelyResponseDelta, now)
	}
	if status.Score != maxScore {
		t.Fatalf("score should clamp at %d, got %d", maxScore, status.Score)
	}
}

func TestReputationBanAtThreshold(t *testing.T) {
	m := NewReputationManager(ReputationConfig{
		BanThreshold:  -50,
		BanDuration:   10 * time.Minute,
		DecayHalfLife: time.Hour,
	})
	now := time.Now()

	var status ReputationStatus
	for i := 0; i < 4; i++ {
		status = m.Adjust("peer-a", malformedPenalty, now)
		if status.Banned {
			t.Fatalf("ban fired early at adjustment %d (score %d)", i+1, status.Score)
		}
	}
	status = m.Adjust("peer-a", malformedPenalty, now)
	if !status.Banned {
		t.Fatalf("score %d at threshold should ban", status.Score)
	}
	if !m.IsBanned("peer-a", now) {
		t.Fatalf("IsBanned should agree")
	}
	if m.IsBanned("peer-a", now.Add(11*time.Minute)) {
		t.Fatalf("ban should expire after its term")
	}
	if got := m.Score("peer-a", now.Add(11*time.Minute)); got != 0 {
		t.Fatalf("score should reset to neutral after ban expiry, got %d", got)
	}
}

func TestReputationBanEscalation(t *testing.T) {
	m := NewReputationManager(ReputationConfig{
		BanThreshold:   -10,
		BanDuration:    10 * time.Minute,
		MaxBanDuration: 25 * time.Minute,
		DecayHalfLife:  time.Hour,
	})
	now := time.Now()

	first := m.Ban("peer-a", now)
	if got := first.Until.Sub(now); got != 10*time.Minute {
		t.Fatalf("first ban should last 10m, got %s", got)
	}

	// Second ban after the first expires doubles the term.
	later := now.Add(11 * time.Minute)
	if m.IsBanned("peer-a", later) {
		t.Fatalf("first ban should have expired")
	}
	second := m.Ban("peer-a", later)
	if got := second.Until.Sub(later); got != 20*time.Minute {
		t.Fatalf("second ban should last 20m, got %s", got)
	}

	// Third ban would double to 40m but is capped.
	evenLater := later.Add(21 * time.Minute)
	third := m.Ban("peer-a", evenLater)
	if got := third.Until.Sub(evenLater); got != 25*time.Minute {
		t.Fatalf("third ban should cap at 25m, got %s", got)
	}
	if third.BanCount != 3 {
		t.Fatalf("expected ban count 3, got %d", third.BanCount)
	}
}

func TestReputationDecay(t *testing.T) {
	halfLife := 10 * time.Minute
	m := NewReputationManager(ReputationConfig{BanThreshold: minScore, DecayHalfLife: halfLife})
	now := time.Now()

	m.Adjust("peer-a", -40, now)
	if got := m.Score("peer-a", now.Add(halfLife)); got != -20 {
		t.Fatalf("one half-life should halve the score, got %d", got)
	}
	if got := m.Score("peer-a", now.Add(3*halfLife)); got != -5 {
		t.Fatalf("three half-lives should leave -5, got %d", got)
	}
}

func TestReputationNoDecayWhileBanned(t *testing.T) {
	m := NewReputationManager(ReputationConfig{
		BanThreshold:  -10,
		BanDuration:   time.Hour,
		DecayHalfLife: time.Minute,
	})
	now := time.Now()
	m.Ban("peer-a", now)

	// Half an hour in, still banned: the score must not have decayed up.
	mid := now.Add(30 * time.Minute)
	if !m.IsBanned("peer-a", mid) {
		t.Fatalf("ban should still be active")
	}
	if got := m.Score("peer-a", mid); got != minScore {
		t.Fatalf("banned score must stay pinned, got %d", got)
	}
}

func TestReputationForget(t *testing.T) {
	m := NewReputationManager(ReputationConfig{BanThreshold: minScore})
	now := time.Now()
	m.Adjust("peer-a", -30, now)
	m.Forget("peer-a")
	if got := m.Score("peer-a", now); got != 0 {
		t.Fatalf("forgotten peer should score 0, got %d", got)
	}
}
