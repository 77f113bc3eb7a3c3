package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heliochain/chain"
	"heliochain/config"
	"heliochain/observability/logging"
	telemetry "heliochain/observability/otel"
	"heliochain/p2p"
	"heliochain/p2p/libp2ptransport"
	"heliochain/p2p/seeds"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("HELIO_ENV"))
	logger := logging.Setup("heliod", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	telemetryCfg := telemetry.FromEnv("heliod", env)
	telemetryCfg.NetworkName = cfg.NetworkName
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare data directory: %v", err))
	}

	nodeKey, err := loadNodeKey(cfg)
	if err != nil {
		logger.Error("Failed to load node key", slog.Any("error", err))
		os.Exit(1)
	}

	peerstoreDir := filepath.Join(cfg.DataDir, "p2p")
	if err := os.MkdirAll(peerstoreDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed to prepare p2p directory: %v", err))
	}
	peerstore, err := p2p.NewPeerstore(filepath.Join(peerstoreDir, "peerstore"),
		cfg.P2P.DialBackoff(), cfg.P2P.MaxDialBackoff())
	if err != nil {
		panic(fmt.Sprintf("failed to open peerstore: %v", err))
	}
	defer peerstore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := libp2ptransport.New(libp2ptransport.Config{
		ListenAddrs:   cfg.ListenAddrs,
		PrivateKeyHex: nodeKey,
		UserAgent:     "heliod/" + cfg.NetworkName,
	}, logger.With(slog.String("component", "transport")))
	if err != nil {
		logger.Error("Failed to start transport", slog.Any("error", err))
		os.Exit(1)
	}

	gossip, err := libp2ptransport.NewGossip(ctx, transport.Host(),
		[]string{p2p.TopicBlocks, p2p.TopicAttestations},
		logger.With(slog.String("component", "gossip")))
	if err != nil {
		logger.Error("Failed to start gossip", slog.Any("error", err))
		os.Exit(1)
	}
	defer gossip.Close()

	discovery, err := buildDiscovery(cfg, logger)
	if err != nil {
		logger.Error("Failed to configure discovery", slog.Any("error", err))
		os.Exit(1)
	}

	// The fork digest pins the network: peers on a different digest are
	// dropped during the handshake.
	forkDigest := gcrypto.Keccak256Hash([]byte(cfg.NetworkName)).Hex()[:10]
	chainState := chain.New(forkDigest)

	peers := p2p.NewPeerManager(p2p.PeerManagerConfig{
		MaxPeers:                 cfg.P2P.MaxPeers,
		MaxInbound:               cfg.P2P.MaxInbound,
		MaxOutbound:              cfg.P2P.MaxOutbound,
		DialBackoff:              cfg.P2P.DialBackoff(),
		MaxDialBackoff:           cfg.P2P.MaxDialBackoff(),
		SevereViolationThreshold: cfg.Reputation.SevereViolationThreshold,
		Reputation: p2p.ReputationConfig{
			BanThreshold:   cfg.Reputation.BanThreshold,
			BanDuration:    cfg.Reputation.BanDuration(),
			MaxBanDuration: cfg.Reputation.MaxBanDuration(),
			DecayHalfLife:  cfg.Reputation.DecayHalfLife(),
		},
	}, logger.With(slog.String("component", "peers")), peerstore)

	reqresp := p2p.NewReqResp(p2p.ReqRespConfig{
		ChunkTimeout:           cfg.P2P.ChunkTimeout(),
		MaxConcurrentPerMethod: cfg.P2P.MaxConcurrentPerMethod,
		DefaultRateLimit:       p2p.RateLimit{Rate: cfg.P2P.DefaultRate, Burst: cfg.P2P.DefaultBurst},
		MethodRateLimits:       methodLimits(cfg),
		GlobalRate:             cfg.P2P.GlobalRate,
		GlobalBurst:            cfg.P2P.GlobalBurst,
	}, transport, peers, logger.With(slog.String("component", "reqresp")))

	behaviour := p2p.NewBehaviour(p2p.BehaviourConfig{
		HandshakeTimeout: cfg.P2P.HandshakeTimeout(),
		PingInterval:     cfg.P2P.PingInterval(),
		DialInterval:     cfg.P2P.DialInterval(),
		TargetOutbound:   cfg.P2P.TargetOutbound,
	}, transport, gossip, discovery, reqresp, peers, peerstore, chainState,
		logger.With(slog.String("component", "behaviour")))

	behaviour.SetBlockHandler(func(from p2p.PeerID, block *p2p.SignedBeaconBlock) {
		if _, err := chainState.AddBlock(block); err != nil {
			logger.Warn("Discarding gossip block", slog.Any("error", err))
		}
	})

	go behaviour.Run(ctx)

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			shutdownCancel()
		}()
	}

	logger.Info("Node started",
		slog.String("network", cfg.NetworkName),
		slog.String("fork_digest", forkDigest),
		slog.String("peer_id", string(transport.LocalID())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	cancel()
	behaviour.Close()
}

// loadNodeKey returns the configured identity key, falling back to a key
// persisted under DataDir; a fresh key is generated on first start.
func loadNodeKey(cfg *config.Config) (string, error) {
	if strings.TrimSpace(cfg.NodeKeyHex) != "" {
		return strings.TrimSpace(cfg.NodeKeyHex), nil
	}
	keyPath := filepath.Join(cfg.DataDir, "node.key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	key, err := gcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate node key: %w", err)
	}
	encoded := hex.EncodeToString(gcrypto.FromECDSA(key))
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return "", fmt.Errorf("persist node key: %w", err)
	}
	return encoded, nil
}

func buildDiscovery(cfg *config.Config, logger *slog.Logger) (p2p.Discovery, error) {
	sources := []p2p.Discovery{p2p.NewStaticDiscovery(cfg.Bootnodes)}
	if path := strings.TrimSpace(cfg.SeedRegistry); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed registry: %w", err)
		}
		registry, err := seeds.Parse(raw)
		if err != nil {
			return nil, err
		}
		sources = append(sources, p2p.NewSeedDiscovery(registry, nil,
			logger.With(slog.String("component", "discovery"))))
	}
	return p2p.NewMultiDiscovery(sources...), nil
}

func methodLimits(cfg *config.Config) map[p2p.Method]p2p.RateLimit {
	if len(cfg.P2P.MethodRates) == 0 && len(cfg.P2P.MethodBursts) == 0 {
		return nil
	}
	limits := make(map[p2p.Method]p2p.RateLimit)
	for name, r := range cfg.P2P.MethodRates {
		limit := limits[p2p.Method(name)]
		limit.Rate = r
		limits[p2p.Method(name)] = limit
	}
	for name, burst := range cfg.P2P.MethodBursts {
		limit := limits[p2p.Method(name)]
		limit.Burst = burst
		limits[p2p.Method(name)] = limit
	}
	// Fill missing halves from the defaults so a partial override stays sane.
	for method, limit := range limits {
		if limit.Rate <= 0 {
			limit.Rate = cfg.P2P.DefaultRate
		}
		if limit.Burst <= 0 {
			limit.Burst = cfg.P2P.DefaultBurst
		}
		limits[method] = limit
	}
	return limits
}
