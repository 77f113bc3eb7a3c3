package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration loaded from TOML.
type Config struct {
	NetworkName    string   `toml:"NetworkName"`
	DataDir        string   `toml:"DataDir"`
	ListenAddrs    []string `toml:"ListenAddrs"`
	MetricsAddress string   `toml:"MetricsAddress"`
	// NodeKeyHex is the hex-encoded secp256k1 identity key. A fresh key is
	// generated and persisted under DataDir when empty.
	NodeKeyHex string `toml:"NodeKeyHex,omitempty"`

	Bootnodes    []string `toml:"Bootnodes"`
	SeedRegistry string   `toml:"SeedRegistry,omitempty"`

	P2P        P2PConfig        `toml:"p2p"`
	Reputation ReputationConfig `toml:"reputation"`
}

// P2PConfig carries connection, rate and timeout policy.
type P2PConfig struct {
	MaxPeers       int `toml:"MaxPeers"`
	MaxInbound     int `toml:"MaxInbound"`
	MaxOutbound    int `toml:"MaxOutbound"`
	TargetOutbound int `toml:"TargetOutbound"`

	HandshakeTimeoutSeconds int `toml:"HandshakeTimeoutSeconds"`
	ChunkTimeoutSeconds     int `toml:"ChunkTimeoutSeconds"`
	PingIntervalSeconds     int `toml:"PingIntervalSeconds"`
	DialIntervalSeconds     int `toml:"DialIntervalSeconds"`

	DialBackoffSeconds    int `toml:"DialBackoffSeconds"`
	MaxDialBackoffSeconds int `toml:"MaxDialBackoffSeconds"`

	// DefaultRate/DefaultBurst apply per (peer, method) unless overridden
	// in MethodRates.
	DefaultRate  float64            `toml:"DefaultRate"`
	DefaultBurst float64            `toml:"DefaultBurst"`
	MethodRates  map[string]float64 `toml:"MethodRates"`
	MethodBursts map[string]float64 `toml:"MethodBursts"`

	GlobalRate             float64 `toml:"GlobalRate"`
	GlobalBurst            int     `toml:"GlobalBurst"`
	MaxConcurrentPerMethod int     `toml:"MaxConcurrentPerMethod"`
}

// ReputationConfig carries the scoring and ban policy.
type ReputationConfig struct {
	BanThreshold             int `toml:"BanThreshold"`
	BanMinutes               int `toml:"BanMinutes"`
	MaxBanMinutes            int `toml:"MaxBanMinutes"`
	DecayHalfLifeMinutes     int `toml:"DecayHalfLifeMinutes"`
	SevereViolationThreshold int `toml:"SevereViolationThreshold"`
}

// Load reads the configuration at path, creating a default file when none
// exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		NetworkName:    "helio-local",
		DataDir:        "./heliod-data",
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/9000"},
		MetricsAddress: "127.0.0.1:9100",
		Bootnodes:      []string{},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "helio-local"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./heliod-data"
	}
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/9000"}
	}
	if c.Bootnodes == nil {
		c.Bootnodes = []string{}
	}

	p := &c.P2P
	if p.MaxPeers <= 0 {
		p.MaxPeers = 64
	}
	if p.MaxInbound <= 0 {
		p.MaxInbound = 40
	}
	if p.MaxOutbound <= 0 {
		p.MaxOutbound = 24
	}
	if p.TargetOutbound <= 0 {
		p.TargetOutbound = 8
	}
	if p.HandshakeTimeoutSeconds <= 0 {
		p.HandshakeTimeoutSeconds = 15
	}
	if p.ChunkTimeoutSeconds <= 0 {
		p.ChunkTimeoutSeconds = 10
	}
	if p.PingIntervalSeconds <= 0 {
		p.PingIntervalSeconds = 30
	}
	if p.DialIntervalSeconds <= 0 {
		p.DialIntervalSeconds = 20
	}
	if p.DialBackoffSeconds <= 0 {
		p.DialBackoffSeconds = 5
	}
	if p.MaxDialBackoffSeconds <= 0 {
		p.MaxDialBackoffSeconds = 600
	}
	if p.DefaultRate <= 0 {
		p.DefaultRate = 5
	}
	if p.DefaultBurst <= 0 {
		p.DefaultBurst = 10
	}
	if p.GlobalRate <= 0 {
		p.GlobalRate = 512
	}
	if p.GlobalBurst <= 0 {
		p.GlobalBurst = 1024
	}
	if p.MaxConcurrentPerMethod <= 0 {
		p.MaxConcurrentPerMethod = 2
	}

	r := &c.Reputation
	if r.BanThreshold == 0 {
		r.BanThreshold = -50
	}
	if r.BanMinutes <= 0 {
		r.BanMinutes = 10
	}
	if r.MaxBanMinutes <= 0 {
		r.MaxBanMinutes = 1440
	}
	if r.DecayHalfLifeMinutes <= 0 {
		r.DecayHalfLifeMinutes = 30
	}
	if r.SevereViolationThreshold <= 0 {
		r.SevereViolationThreshold = 5
	}
}

// HandshakeTimeout returns the handshake window as a duration.
func (p P2PConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutSeconds) * time.Second
}

// ChunkTimeout returns the per-frame progress deadline as a duration.
func (p P2PConfig) ChunkTimeout() time.Duration {
	return time.Duration(p.ChunkTimeoutSeconds) * time.Second
}

// PingInterval returns the keepalive cadence as a duration.
func (p P2PConfig) PingInterval() time.Duration {
	return time.Duration(p.PingIntervalSeconds) * time.Second
}

// DialInterval returns the dial-loop cadence as a duration.
func (p P2PConfig) DialInterval() time.Duration {
	return time.Duration(p.DialIntervalSeconds) * time.Second
}

// DialBackoff returns the initial dial backoff as a duration.
func (p P2PConfig) DialBackoff() time.Duration {
	return time.Duration(p.DialBackoffSeconds) * time.Second
}

// MaxDialBackoff returns the backoff ceiling as a duration.
func (p P2PConfig) MaxDialBackoff() time.Duration {
	return time.Duration(p.MaxDialBackoffSeconds) * time.Second
}

// BanDuration returns the first ban length as a duration.
func (r ReputationConfig) BanDuration() time.Duration {
	return time.Duration(r.BanMinutes) * time.Minute
}

// MaxBanDuration returns the ban length ceiling as a duration.
func (r ReputationConfig) MaxBanDuration() time.Duration {
	return time.Duration(r.MaxBanMinutes) * time.Minute
}

// DecayHalfLife returns the score decay half-life as a duration.
func (r ReputationConfig) DecayHalfLife() time.Duration {
	return time.Duration(r.DecayHalfLifeMinutes) * time.Minute
}
