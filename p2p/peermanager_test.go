package p2p

import (
	"errors"
	"testing"
	"time"
)

func newTestPeerManager(cfg PeerManagerConfig) *PeerManager {
	return NewPeerManager(cfg, nil, nil)
}

func TestPeerManagerAdmission(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{MaxPeers: 2, MaxInbound: 1, MaxOutbound: 2})

	if err := pm.Admit("in-1", DirInbound); err != nil {
		t.Fatalf("first inbound should be admitted: %v", err)
	}
	if err := pm.Admit("in-2", DirInbound); !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("inbound cap should deny, got %v", err)
	}
	if err := pm.Admit("out-1", DirOutbound); err != nil {
		t.Fatalf("outbound should be admitted: %v", err)
	}
	if err := pm.Admit("out-2", DirOutbound); !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("total cap should deny, got %v", err)
	}
	if err := pm.Admit("in-1", DirInbound); !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("duplicate admission should deny, got %v", err)
	}

	total, inbound, outbound := pm.Counts()
	if total != 2 || inbound != 1 || outbound != 1 {
		t.Fatalf("unexpected counts: total=%d inbound=%d outbound=%d", total, inbound, outbound)
	}
}

func TestPeerManagerDisconnectReleasesSlot(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{MaxPeers: 1, MaxInbound: 1, MaxOutbound: 1})

	if err := pm.Admit("peer-a", DirInbound); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := pm.Admit("peer-b", DirInbound); !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("capacity should deny, got %v", err)
	}

	pm.MarkDisconnecting("peer-a")
	if got := pm.State("peer-a"); got != StateDisconnecting {
		t.Fatalf("expected disconnecting, got %s", got)
	}
	pm.MarkDisconnected("peer-a")
	// Releasing twice must not free a second slot.
	pm.MarkDisconnected("peer-a")

	if got := pm.State("peer-a"); got != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if pm.Connected("peer-a") {
		t.Fatalf("disconnected peer should not count as connected")
	}
	if err := pm.Admit("peer-b", DirInbound); err != nil {
		t.Fatalf("slot should be free again: %v", err)
	}
	total, _, _ := pm.Counts()
	if total != 1 {
		t.Fatalf("expected one connection, got %d", total)
	}
}

func TestPeerManagerLifecycleTransitions(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{})

	if err := pm.MarkDialing("peer-a"); err != nil {
		t.Fatalf("fresh peer may dial: %v", err)
	}
	if err := pm.Admit("peer-a", DirOutbound); err != nil {
		t.Fatalf("dialing -> connected: %v", err)
	}
	if err := pm.MarkDialing("peer-a"); err == nil {
		t.Fatalf("connected -> dialing must be rejected")
	}
	pm.MarkDisconnected("peer-a")
	if err := pm.MarkDialing("peer-a"); err != nil {
		t.Fatalf("disconnected peer may redial: %v", err)
	}
}

func TestPeerManagerHandshakeGate(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{})
	if err := pm.Admit("peer-a", DirInbound); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if pm.Handshaked("peer-a") {
		t.Fatalf("peer must not be handshaked before the status exchange")
	}
	status := &StatusPayload{ForkDigest: "0xabcd", HeadSlot: 42}
	pm.OnHandshakeSuccess("peer-a", status, 1)
	if !pm.Handshaked("peer-a") {
		t.Fatalf("peer should be handshaked")
	}
	rec, ok := pm.Record("peer-a")
	if !ok || rec.Status == nil || rec.Status.HeadSlot != 42 {
		t.Fatalf("status should be recorded: %+v", rec)
	}

	pm.MarkDisconnected("peer-a")
	if pm.Handshaked("peer-a") {
		t.Fatalf("handshake must not survive a disconnect")
	}
}

func TestPeerManagerMetaDataStaleness(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{})
	if err := pm.Admit("peer-a", DirInbound); err != nil {
		t.Fatalf("admit: %v", err)
	}
	pm.SetMetaData("peer-a", &MetaDataPayload{SeqNumber: 5, Attnets: "0xff"})
	pm.SetMetaData("peer-a", &MetaDataPayload{SeqNumber: 3, Attnets: "0x00"})
	rec, _ := pm.Record("peer-a")
	if rec.MetaData == nil || rec.MetaData.SeqNumber != 5 {
		t.Fatalf("stale metadata must not overwrite, got %+v", rec.MetaData)
	}
	pm.SetMetaData("peer-a", &MetaDataPayload{SeqNumber: 6, Attnets: "0x0f"})
	rec, _ = pm.Record("peer-a")
	if rec.MetaData.SeqNumber != 6 {
		t.Fatalf("newer metadata should apply, got %+v", rec.MetaData)
	}
}

func TestPeerManagerSevereViolationBan(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{
		SevereViolationThreshold: 3,
		Reputation: ReputationConfig{
			BanThreshold: -90,
			BanDuration:  10 * time.Minute,
		},
	})
	if err := pm.Admit("peer-a", DirInbound); err != nil {
		t.Fatalf("admit: %v", err)
	}

	pm.OnMalformed("peer-a")
	pm.OnMalformed("peer-a")
	if pm.IsBanned("peer-a") {
		t.Fatalf("ban fired before the streak threshold")
	}
	status := pm.OnMalformed("peer-a")
	if !status.Banned {
		t.Fatalf("three consecutive malformed payloads should ban")
	}
	if got := pm.State("peer-a"); got != StateBanned {
		t.Fatalf("expected banned state, got %s", got)
	}
	if err := pm.Admit("peer-a", DirInbound); !errors.Is(err, ErrAdmissionDenied) {
		t.Fatalf("banned peer must be refused, got %v", err)
	}
}

func TestPeerManagerValidResponseResetsStreak(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{
		SevereViolationThreshold: 3,
		Reputation:               ReputationConfig{BanThreshold: -90},
	})
	if err := pm.Admit("peer-a", DirInbound); err != nil {
		t.Fatalf("admit: %v", err)
	}
	pm.OnMalformed("peer-a")
	pm.OnMalformed("peer-a")
	pm.OnValidResponse("peer-a")
	status := pm.OnMalformed("peer-a")
	if status.Banned {
		t.Fatalf("a valid response in between must reset the malformed streak")
	}
}

func TestPeerManagerPenaltyCreatesRecord(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{})

	pm.OnTimeout("stranger")
	rec, ok := pm.Record("stranger")
	if !ok {
		t.Fatalf("penalizing an unknown peer should create its record")
	}
	if rec.Score >= 0 {
		t.Fatalf("timeout should lower the score, got %d", rec.Score)
	}

	pm.OnMalformed("stranger")
	rec, _ = pm.Record("stranger")
	if rec.Score >= timeoutPenalty {
		t.Fatalf("malformed payload should stack on the timeout, got %d", rec.Score)
	}
}

func TestPeerManagerDialBackoff(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{
		DialBackoff:    time.Second,
		MaxDialBackoff: 5 * time.Second,
	})
	addr := "/ip4/10.0.0.1/tcp/9000"

	if got := pm.NextDialDelay(addr); got != 0 {
		t.Fatalf("fresh address should have no backoff, got %s", got)
	}
	if got := pm.OnDialFailure(addr, ""); got != time.Second {
		t.Fatalf("first failure should back off 1s, got %s", got)
	}
	if got := pm.OnDialFailure(addr, ""); got != 2*time.Second {
		t.Fatalf("second failure should double, got %s", got)
	}
	pm.OnDialFailure(addr, "")
	if got := pm.OnDialFailure(addr, ""); got != 5*time.Second {
		t.Fatalf("backoff should cap at 5s, got %s", got)
	}
	pm.OnDialSuccess(addr, "")
	if got := pm.NextDialDelay(addr); got != 0 {
		t.Fatalf("success should reset backoff, got %s", got)
	}
}

func TestPeerManagerDialBackoffExpires(t *testing.T) {
	pm := newTestPeerManager(PeerManagerConfig{
		DialBackoff:    time.Second,
		MaxDialBackoff: 4 * time.Second,
	})
	now := time.Now()
	pm.now = func() time.Time { return now }
	addr := "/ip4/10.0.0.1/tcp/9000"

	pm.OnDialFailure(addr, "")
	if got := pm.NextDialDelay(addr); got != time.Second {
		t.Fatalf("failed address should wait out the backoff, got %s", got)
	}

	// Once the delay elapses the address is dialable again without a
	// success in between.
	now = now.Add(2 * time.Second)
	if got := pm.NextDialDelay(addr); got != 0 {
		t.Fatalf("elapsed backoff should permit a dial, got %s", got)
	}

	// The next failure still doubles from the previous delay.
	if got := pm.OnDialFailure(addr, ""); got != 2*time.Second {
		t.Fatalf("second failure should double, got %s", got)
	}
}
