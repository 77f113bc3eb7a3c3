package config

import (
	"fmt"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// Validate checks internal consistency of the loaded configuration.
func (c *Config) Validate() error {
	for i, addr := range c.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("config: ListenAddrs[%d] %q: %w", i, addr, err)
		}
	}
	for i, addr := range c.Bootnodes {
		if _, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("config: Bootnodes[%d] %q: %w", i, addr, err)
		}
	}

	p := c.P2P
	if p.MaxInbound+p.MaxOutbound < p.MaxPeers {
		return fmt.Errorf("config: MaxInbound+MaxOutbound (%d) must cover MaxPeers (%d)",
			p.MaxInbound+p.MaxOutbound, p.MaxPeers)
	}
	if p.TargetOutbound > p.MaxOutbound {
		return fmt.Errorf("config: TargetOutbound (%d) exceeds MaxOutbound (%d)", p.TargetOutbound, p.MaxOutbound)
	}
	for method, rate := range p.MethodRates {
		if rate <= 0 {
			return fmt.Errorf("config: MethodRates[%s] must be positive", method)
		}
	}
	for method, burst := range p.MethodBursts {
		if burst <= 0 {
			return fmt.Errorf("config: MethodBursts[%s] must be positive", method)
		}
	}

	if c.Reputation.BanThreshold >= 0 {
		return fmt.Errorf("config: BanThreshold must be negative, got %d", c.Reputation.BanThreshold)
	}
	return nil
}
