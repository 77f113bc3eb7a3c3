package p2p

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"heliochain/p2p/seeds"
)

// SeedDiscovery adapts the seeds registry to the Discovery interface. DNS
// lookups are cached for the registry's refresh interval so the dial loop
// never waits on DNS more often than necessary.
type SeedDiscovery struct {
	registry *seeds.Registry
	resolver seeds.Resolver
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	cached    []string
	fetchedAt time.Time
}

// NewSeedDiscovery builds a discovery source from a parsed registry. The
// resolver may be nil, in which case the system DNS resolver is used.
func NewSeedDiscovery(registry *seeds.Registry, resolver seeds.Resolver, logger *slog.Logger) *SeedDiscovery {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "discovery"))
	}
	return &SeedDiscovery{
		registry: registry,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Candidates returns the currently known seed addresses, refreshing from DNS
// when the cache has expired. A failed refresh falls back to the last good
// set plus the static entries.
func (d *SeedDiscovery) Candidates(ctx context.Context) ([]string, error) {
	if d.registry == nil {
		return nil, nil
	}
	now := d.now()

	d.mu.Lock()
	if !d.fetchedAt.IsZero() && now.Sub(d.fetchedAt) < d.registry.RefreshInterval() {
		cached := append([]string(nil), d.cached...)
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	resolved, err := d.registry.Resolve(ctx, now, d.resolver)
	if err != nil {
		d.logger.Warn("Seed resolution incomplete", slog.Any("error", err))
	}
	if len(resolved) == 0 && err != nil {
		d.mu.Lock()
		cached := append([]string(nil), d.cached...)
		d.mu.Unlock()
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, err
	}

	addrs := make([]string, 0, len(resolved))
	for _, seed := range resolved {
		addrs = append(addrs, seed.Address)
	}

	d.mu.Lock()
	d.cached = addrs
	d.fetchedAt = now
	cached := append([]string(nil), d.cached...)
	d.mu.Unlock()
	return cached, nil
}

// StaticDiscovery serves a fixed list of addresses, used for explicitly
// configured bootstrap peers.
type StaticDiscovery struct {
	addrs []string
}

// NewStaticDiscovery returns a discovery source over a fixed address list.
func NewStaticDiscovery(addrs []string) *StaticDiscovery {
	return &StaticDiscovery{addrs: append([]string(nil), addrs...)}
}

// Candidates returns the configured addresses.
func (d *StaticDiscovery) Candidates(context.Context) ([]string, error) {
	return append([]string(nil), d.addrs...), nil
}

// MultiDiscovery merges several discovery sources, deduplicating addresses
// in order.
type MultiDiscovery struct {
	sources []Discovery
}

// NewMultiDiscovery combines discovery sources; earlier sources win on
// duplicates.
func NewMultiDiscovery(sources ...Discovery) *MultiDiscovery {
	return &MultiDiscovery{sources: sources}
}

// Candidates queries every source and merges the results. Individual source
// failures are tolerated as long as any source succeeds.
func (d *MultiDiscovery) Candidates(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var merged []string
	var lastErr error
	for _, src := range d.sources {
		addrs, err := src.Candidates(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		for _, addr := range addrs {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			merged = append(merged, addr)
		}
	}
	if len(merged) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return merged, nil
}
