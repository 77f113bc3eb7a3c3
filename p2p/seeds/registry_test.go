package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type mockResolver struct {
	records map[string][]string
	err     error
}

func (m *mockResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.records == nil {
		return nil, errors.New("no records")
	}
	if values, ok := m.records[name]; ok {
		return values, nil
	}
	return nil, errors.New("not found")
}

func mustRegistry(t *testing.T, payload interface{}) *Registry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reg, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return reg
}

func signedTXT(t *testing.T, priv ed25519.PrivateKey, domain, peerID, addr string, notBefore, notAfter int64) string {
	t.Helper()
	message := buildSigningMessage(peerID, addr, notBefore, notAfter, domain)
	record := map[string]interface{}{
		"peerId":    peerID,
		"address":   addr,
		"notBefore": notBefore,
		"notAfter":  notAfter,
		"signature": base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message)),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal dns record: %v", err)
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(payload)
}

func TestResolveIncludesStaticAndDnsSeeds(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	txtValue := signedTXT(t, priv, "seeds.example.org",
		"16Uiu2HAmSeed1", "/dns4/seed-1.example.org/tcp/9000",
		now.Add(-time.Minute).Unix(), now.Add(time.Hour).Unix())

	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "seeds.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
		"static": []map[string]interface{}{
			{
				"peerId":  "16Uiu2HAmStatic",
				"address": "/dns4/static.example.org/tcp/9000",
			},
		},
	})

	resolver := &mockResolver{records: map[string][]string{
		"_helioseed.seeds.example.org": {txtValue},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(seeds))
	}
	if seeds[0].Source != "registry.static" {
		t.Fatalf("expected first seed to be static, got %q", seeds[0].Source)
	}
	if seeds[1].Source != "dns:seeds.example.org" {
		t.Fatalf("unexpected source %q", seeds[1].Source)
	}
	if seeds[1].PeerID != "16Uiu2HAmSeed1" {
		t.Fatalf("unexpected peer id %q", seeds[1].PeerID)
	}
}

func TestResolveRejectsBadSignature(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	// Sign with a different key than the authority advertises.
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	txtValue := signedTXT(t, otherPriv, "seeds.example.org",
		"16Uiu2HAmSeed1", "/dns4/seed-1.example.org/tcp/9000", 0, 0)

	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "seeds.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
	})

	resolver := &mockResolver{records: map[string][]string{
		"_helioseed.seeds.example.org": {txtValue},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err == nil {
		t.Fatalf("expected error from forged record")
	}
	if len(seeds) != 0 {
		t.Fatalf("forged seed must not resolve, got %d", len(seeds))
	}
}

func TestResolvePropagatesVerificationErrors(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	// Malformed record missing signature
	record := map[string]interface{}{
		"peerId":  "16Uiu2HAmBad",
		"address": "/dns4/seed-bad.example.org/tcp/9000",
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	txtValue := recordPrefix + base64.StdEncoding.EncodeToString(payload)

	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "faulty.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
		"static": []map[string]interface{}{
			{
				"peerId":  "16Uiu2HAmStatic",
				"address": "/dns4/static.example.org/tcp/9000",
			},
		},
	})

	resolver := &mockResolver{records: map[string][]string{
		"_helioseed.faulty.example.org": {txtValue},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err == nil {
		t.Fatalf("expected error from invalid record")
	}
	if len(seeds) != 1 {
		t.Fatalf("expected only static seed, got %d", len(seeds))
	}
	if seeds[0].Source != "registry.static" {
		t.Fatalf("unexpected source %q", seeds[0].Source)
	}
}

func TestResolveDedupesAcrossSources(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	addr := "/dns4/shared.example.org/tcp/9000"
	txtValue := signedTXT(t, priv, "seeds.example.org", "16Uiu2HAmShared", addr, 0, 0)

	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"authorities": []map[string]interface{}{
			{
				"domain":    "seeds.example.org",
				"algorithm": "ed25519",
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			},
		},
		"static": []map[string]interface{}{
			{
				"peerId":  "16Uiu2HAmShared",
				"address": addr,
			},
		},
	})

	resolver := &mockResolver{records: map[string][]string{
		"_helioseed.seeds.example.org": {txtValue, txtValue},
	}}

	seeds, err := reg.Resolve(context.Background(), now, resolver)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("expected 1 deduplicated seed, got %d", len(seeds))
	}
}

func TestStaticRespectsActivationWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	reg := mustRegistry(t, map[string]interface{}{
		"version": 1,
		"static": []map[string]interface{}{
			{
				"peerId":    "16Uiu2HAmFuture",
				"address":   "/dns4/future.example.org/tcp/9000",
				"notBefore": now.Add(time.Hour).Unix(),
			},
			{
				"peerId":   "16Uiu2HAmExpired",
				"address":  "/dns4/expired.example.org/tcp/9000",
				"notAfter": now.Add(-time.Hour).Unix(),
			},
		},
	})
	seeds := reg.Static(now)
	if len(seeds) != 0 {
		t.Fatalf("expected no active static seeds, got %d", len(seeds))
	}
}

func TestParseValidation(t *testing.T) {
	t.Parallel()
	if _, err := Parse(nil); err == nil {
		t.Fatalf("empty payload must be rejected")
	}
	if _, err := Parse([]byte(`{"version": 2}`)); err == nil {
		t.Fatalf("unsupported version must be rejected")
	}
	if _, err := Parse([]byte(`{"authorities": [{"domain": "x.org", "publicKey": "short"}]}`)); err == nil {
		t.Fatalf("invalid public key must be rejected")
	}
	if _, err := Parse([]byte(`{"static": [{"peerId": "p", "address": "not-a-multiaddr"}]}`)); err != nil {
		t.Fatalf("address validation happens at resolve time, parse failed: %v", err)
	}
}

func TestStaticSkipsInvalidAddresses(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	reg := mustRegistry(t, map[string]interface{}{
		"static": []map[string]interface{}{
			{"peerId": "16Uiu2HAmBadAddr", "address": "not-a-multiaddr"},
			{"peerId": "16Uiu2HAmGood", "address": "/ip4/192.0.2.10/tcp/9000"},
		},
	})
	seeds := reg.Static(now)
	if len(seeds) != 1 {
		t.Fatalf("expected 1 valid seed, got %d", len(seeds))
	}
	if seeds[0].Address != "/ip4/192.0.2.10/tcp/9000" {
		t.Fatalf("unexpected address %q", seeds[0].Address)
	}
}

func TestRefreshIntervalDefault(t *testing.T) {
	t.Parallel()
	reg := mustRegistry(t, map[string]interface{}{"version": 1})
	if got := reg.RefreshInterval(); got != defaultRefreshInterval {
		t.Fatalf("default refresh interval = %s", got)
	}
	reg.RefreshSeconds = 60
	if got := reg.RefreshInterval(); got != time.Minute {
		t.Fatalf("explicit refresh interval = %s", got)
	}
}
