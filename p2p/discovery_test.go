package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"heliochain/p2p/seeds"
)

type staticResolver struct {
	calls   int
	records map[string][]string
	err     error
}

func (r *staticResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.records[name], nil
}

type failingDiscovery struct{}

func (failingDiscovery) Candidates(context.Context) ([]string, error) {
	return nil, errors.New("discovery offline")
}

func TestStaticDiscovery(t *testing.T) {
	d := NewStaticDiscovery([]string{"/ip4/192.0.2.1/tcp/9000", "/ip4/192.0.2.2/tcp/9000"})
	addrs, err := d.Candidates(context.Background())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	// Mutating the result must not affect subsequent calls.
	addrs[0] = "tampered"
	again, _ := d.Candidates(context.Background())
	if again[0] != "/ip4/192.0.2.1/tcp/9000" {
		t.Fatalf("candidate list was mutated: %q", again[0])
	}
}

func TestMultiDiscoveryMergesAndDedupes(t *testing.T) {
	a := NewStaticDiscovery([]string{"/ip4/192.0.2.1/tcp/9000", "/ip4/192.0.2.2/tcp/9000"})
	b := NewStaticDiscovery([]string{"/ip4/192.0.2.2/tcp/9000", "/ip4/192.0.2.3/tcp/9000"})
	d := NewMultiDiscovery(a, b)

	addrs, err := d.Candidates(context.Background())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	want := []string{"/ip4/192.0.2.1/tcp/9000", "/ip4/192.0.2.2/tcp/9000", "/ip4/192.0.2.3/tcp/9000"}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(addrs), len(want))
	}
	for i, addr := range want {
		if addrs[i] != addr {
			t.Fatalf("addrs[%d] = %q, want %q", i, addrs[i], addr)
		}
	}
}

func TestMultiDiscoveryToleratesPartialFailure(t *testing.T) {
	d := NewMultiDiscovery(failingDiscovery{}, NewStaticDiscovery([]string{"/ip4/192.0.2.9/tcp/9000"}))
	addrs, err := d.Candidates(context.Background())
	if err != nil {
		t.Fatalf("one healthy source should suffice: %v", err)
	}
	if len(addrs) != 1 {
		t.Fatalf("got %d addresses, want 1", len(addrs))
	}

	allDown := NewMultiDiscovery(failingDiscovery{}, failingDiscovery{})
	if _, err := allDown.Candidates(context.Background()); err == nil {
		t.Fatalf("all sources failing should surface the error")
	}
}

func TestSeedDiscoveryCachesResolution(t *testing.T) {
	reg, err := seeds.Parse([]byte(`{
		"version": 1,
		"refreshSeconds": 600,
		"static": [{"peerId": "16Uiu2HAmSeed", "address": "/dns4/seed.example.org/tcp/9000"}]
	}`))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	resolver := &staticResolver{}
	d := NewSeedDiscovery(reg, resolver, nil)

	base := time.Unix(1_700_000_000, 0)
	current := base
	d.now = func() time.Time { return current }

	addrs, err := d.Candidates(context.Background())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "/dns4/seed.example.org/tcp/9000" {
		t.Fatalf("unexpected candidates %v", addrs)
	}

	// Within the refresh interval the cached set is served.
	current = base.Add(5 * time.Minute)
	if _, err := d.Candidates(context.Background()); err != nil {
		t.Fatalf("cached candidates: %v", err)
	}
	firstCalls := resolver.calls

	// Past the interval the registry is resolved again.
	current = base.Add(11 * time.Minute)
	if _, err := d.Candidates(context.Background()); err != nil {
		t.Fatalf("refresh candidates: %v", err)
	}
	if resolver.calls < firstCalls {
		t.Fatalf("resolver call count went backwards")
	}
}

func TestSeedDiscoveryFallsBackToLastGoodSet(t *testing.T) {
	reg, err := seeds.Parse([]byte(`{
		"version": 1,
		"refreshSeconds": 1,
		"authorities": [{
			"domain": "seeds.example.org",
			"algorithm": "ed25519",
			"publicKey": "3Zw5PML0vBkB98hnt1gGJf/xTPVu6mUMoNlHF/fe3zU="
		}]
	}`))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	resolver := &staticResolver{err: errors.New("dns down")}
	d := NewSeedDiscovery(reg, resolver, nil)

	base := time.Unix(1_700_000_000, 0)
	current := base
	d.now = func() time.Time { return current }

	// Seed the cache by hand: a previous successful resolution.
	d.cached = []string{"/dns4/old-seed.example.org/tcp/9000"}

	addrs, err := d.Candidates(context.Background())
	if err != nil {
		t.Fatalf("fallback should serve the last good set: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "/dns4/old-seed.example.org/tcp/9000" {
		t.Fatalf("unexpected fallback candidates %v", addrs)
	}
}

func TestSeedDiscoveryNilRegistry(t *testing.T) {
	d := NewSeedDiscovery(nil, nil, nil)
	addrs, err := d.Candidates(context.Background())
	if err != nil || addrs != nil {
		t.Fatalf("nil registry should yield nothing, got %v / %v", addrs, err)
	}
}
