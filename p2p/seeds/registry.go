package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/multiformats/go-multiaddr"
)

const (
	recordPrefix             = "helioseed:v1:"
	defaultLookupPrefix      = "_helioseed."
	defaultRefreshInterval   = 15 * time.Minute
	supportedRegistryVersion = 1
)

var errEmptyRegistry = errors.New("seeds: registry payload must not be empty")

// Registry lists DNS authorities authorised to publish signed seed records,
// plus optional static fallbacks for when the authorities are offline.
type Registry struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority describes a DNS authority able to sign seed records for a zone.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// StaticRecord is a seed entry bundled directly with the registry.
type StaticRecord struct {
	PeerID    string `json:"peerId"`
	Address   string `json:"address"`
	Source    string `json:"source,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// ResolvedSeed is a validated seed entry produced by a DNS authority or the
// static section. Address is a multiaddr, optionally carrying the /p2p/
// component with the peer identity.
type ResolvedSeed struct {
	PeerID    string
	Address   string
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed is currently live.
func (s ResolvedSeed) Active(now time.Time) bool {
	if s.NotBefore > 0 && now.Unix() < s.NotBefore {
		return false
	}
	if s.NotAfter > 0 && now.Unix() > s.NotAfter {
		return false
	}
	return true
}

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Parse builds a Registry from its JSON payload.
func Parse(raw []byte) (*Registry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errEmptyRegistry
	}
	var reg Registry
	if err := json.Unmarshal([]byte(trimmed), &reg); err != nil {
		return nil, fmt.Errorf("seeds: invalid JSON payload: %w", err)
	}
	if reg.Version == 0 {
		reg.Version = supportedRegistryVersion
	}
	if reg.Version != supportedRegistryVersion {
		return nil, fmt.Errorf("seeds: unsupported version %d", reg.Version)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// RefreshInterval returns the cadence for DNS seed polls.
func (r *Registry) RefreshInterval() time.Duration {
	if r == nil || r.RefreshSeconds <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(r.RefreshSeconds) * time.Second
}

// Static returns the static fallback entries that are currently active.
func (r *Registry) Static(now time.Time) []ResolvedSeed {
	if r == nil {
		return nil
	}
	results := make([]ResolvedSeed, 0, len(r.StaticSeeds))
	for _, entry := range r.StaticSeeds {
		seed, err := entry.toSeed()
		if err != nil {
			continue
		}
		if !seed.Active(now) {
			continue
		}
		results = append(results, seed)
	}
	return dedupeSeeds(results)
}

// Resolve queries the configured DNS authorities and returns the validated
// signed seeds together with the static fallback entries.
func (r *Registry) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	if r == nil {
		return nil, nil
	}
	results := r.Static(now)
	if len(r.Authorities) == 0 {
		return results, nil
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}
	var errs []error
	for _, auth := range r.Authorities {
		if !auth.active(now) {
			continue
		}
		seeds, err := auth.resolve(ctx, now, resolver)
		if len(seeds) > 0 {
			results = append(results, seeds...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	results = dedupeSeeds(results)
	if len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

func (r *Registry) validate() error {
	for i := range r.Authorities {
		if err := r.Authorities[i].validate(); err != nil {
			return fmt.Errorf("seeds: authority #%d: %w", i+1, err)
		}
	}
	for i := range r.StaticSeeds {
		if err := r.StaticSeeds[i].validate(); err != nil {
			return fmt.Errorf("seeds: static seed #%d: %w", i+1, err)
		}
	}
	return nil
}

func (a Authority) validate() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("domain must not be empty")
	}
	algo := strings.ToLower(strings.TrimSpace(a.Algorithm))
	if algo != "" && algo != "ed25519" {
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	if _, err := a.decodePublicKey(); err != nil {
		return err
	}
	if a.NotAfter > 0 && a.NotBefore > 0 && a.NotAfter < a.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

func (a Authority) active(now time.Time) bool {
	if a.NotBefore > 0 && now.Unix() < a.NotBefore {
		return false
	}
	if a.NotAfter > 0 && now.Unix() > a.NotAfter {
		return false
	}
	return true
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	name := strings.TrimSpace(a.Lookup)
	if name == "" {
		name = defaultLookupPrefix + strings.TrimSpace(a.Domain)
	}
	txtRecords, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	pubKey, err := a.decodePublicKey()
	if err != nil {
		return nil, err
	}
	seeds := make([]ResolvedSeed, 0, len(txtRecords))
	var errs []error
	for _, record := range txtRecords {
		seed, err := a.parseTXT(record, pubKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if !seed.Active(now) {
			continue
		}
		seeds = append(seeds, seed)
	}
	seeds = dedupeSeeds(seeds)
	if len(errs) > 0 {
		return seeds, errors.Join(errs...)
	}
	return seeds, nil
}

func (a Authority) decodePublicKey() ([]byte, error) {
	trimmed := strings.TrimSpace(a.PublicKey)
	if trimmed == "" {
		return nil, errors.New("publicKey must not be empty")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("publicKey must be %d bytes", ed25519.PublicKeySize)
	}
	return keyBytes, nil
}

func (a Authority) parseTXT(record string, publicKey []byte) (ResolvedSeed, error) {
	trimmed := strings.TrimSpace(record)
	if trimmed == "" {
		return ResolvedSeed{}, errors.New("empty TXT record")
	}
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return ResolvedSeed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	payload := strings.TrimPrefix(trimmed, recordPrefix)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var entry dnsRecord
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return entry.toSeed(strings.TrimSpace(a.Domain), publicKey)
}

func (s StaticRecord) toSeed() (ResolvedSeed, error) {
	if err := s.validate(); err != nil {
		return ResolvedSeed{}, err
	}
	addr, err := normalizeAddress(s.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = "registry.static"
	}
	return ResolvedSeed{
		PeerID:    strings.TrimSpace(s.PeerID),
		Address:   addr,
		Source:    source,
		NotBefore: s.NotBefore,
		NotAfter:  s.NotAfter,
	}, nil
}

func (s StaticRecord) validate() error {
	if strings.TrimSpace(s.PeerID) == "" {
		return errors.New("peerId must not be empty")
	}
	if strings.TrimSpace(s.Address) == "" {
		return errors.New("address must not be empty")
	}
	if s.NotAfter > 0 && s.NotBefore > 0 && s.NotAfter < s.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

type dnsRecord struct {
	PeerID    string `json:"peerId"`
	Address   string `json:"address"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func (d dnsRecord) toSeed(domain string, publicKey []byte) (ResolvedSeed, error) {
	peerID := strings.TrimSpace(d.PeerID)
	if peerID == "" {
		return ResolvedSeed{}, errors.New("peerId must not be empty")
	}
	addr, err := normalizeAddress(d.Address)
	if err != nil {
		return ResolvedSeed{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(d.Signature))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return ResolvedSeed{}, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	message := buildSigningMessage(peerID, addr, d.NotBefore, d.NotAfter, domain)
	if !ed25519.Verify(publicKey, message, sig) {
		return ResolvedSeed{}, errors.New("signature verification failed")
	}
	return ResolvedSeed{
		PeerID:    peerID,
		Address:   addr,
		Source:    "dns:" + domain,
		NotBefore: d.NotBefore,
		NotAfter:  d.NotAfter,
	}, nil
}

// normalizeAddress validates a seed address as a multiaddr and returns its
// canonical form.
func normalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("address must not be empty")
	}
	ma, err := multiaddr.NewMultiaddr(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", trimmed, err)
	}
	return ma.String(), nil
}

func buildSigningMessage(peerID, addr string, notBefore, notAfter int64, domain string) []byte {
	normalizedDomain := strings.ToLower(strings.TrimSpace(domain))
	builder := strings.Builder{}
	builder.Grow(len(peerID) + len(addr) + len(normalizedDomain) + 40)
	builder.WriteString(peerID)
	builder.WriteString("\n")
	builder.WriteString(addr)
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("%d\n%d\n", notBefore, notAfter))
	builder.WriteString(normalizedDomain)
	return []byte(builder.String())
}

func dedupeSeeds(in []ResolvedSeed) []ResolvedSeed {
	if len(in) <= 1 {
		return append([]ResolvedSeed(nil), in...)
	}
	seen := make(map[string]struct{}, len(in))
	result := make([]ResolvedSeed, 0, len(in))
	for _, seed := range in {
		key := seed.PeerID + "@" + seed.Address
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, seed)
	}
	return result
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if n == nil || n.resolver == nil {
		return net.DefaultResolver.LookupTXT(ctx, name)
	}
	return n.resolver.LookupTXT(ctx, name)
}

// DefaultResolver returns a resolver backed by the runtime's default DNS
// implementation. Tests substitute their own.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}
