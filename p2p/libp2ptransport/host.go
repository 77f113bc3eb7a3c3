// Package libp2ptransport adapts a go-libp2p host to the transport
// collaborator consumed by the p2p package. The core networking layer never
// imports libp2p types directly; everything crosses this boundary as plain
// streams, peer identifiers and events.
package libp2ptransport

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"heliochain/observability/logging"
	"heliochain/p2p"
)

// Config carries the host construction parameters.
type Config struct {
	// ListenAddrs are multiaddrs the host listens on, for example
	// /ip4/0.0.0.0/tcp/9000.
	ListenAddrs []string
	// PrivateKeyHex is a hex-encoded secp256k1 private key. A fresh key is
	// generated when empty.
	PrivateKeyHex string
	UserAgent     string
}

// Transport implements p2p.Transport over a libp2p host with TCP, Noise and
// yamux.
type Transport struct {
	host   host.Host
	logger *slog.Logger
	events chan p2p.TransportEvent

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New constructs the libp2p host and registers a stream handler for every
// supported protocol.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "transport"))
	}
	priv, err := identityKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "heliochain"
	}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.UserAgent(cfg.UserAgent),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Muxer("/yamux/1.0.0", yamux.DefaultTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Ping(false),
		libp2p.Identity(priv),
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	t := &Transport{
		host:   h,
		logger: logger,
		events: make(chan p2p.TransportEvent, 1024),
	}
	for _, pid := range p2p.SupportedProtocols() {
		id := protocol.ID(pid.String())
		spec := pid
		h.SetStreamHandler(id, func(s network.Stream) {
			t.emit(p2p.TransportEvent{
				Kind:      p2p.EventInboundStream,
				Peer:      p2p.PeerID(s.Conn().RemotePeer().String()),
				Direction: p2p.DirInbound,
				Stream:    &rpcStream{s: s, pid: spec},
			})
		})
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			t.emit(p2p.TransportEvent{
				Kind:      p2p.EventPeerConnected,
				Peer:      p2p.PeerID(conn.RemotePeer().String()),
				Direction: direction(conn.Stat().Direction),
			})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			t.emit(p2p.TransportEvent{
				Kind:      p2p.EventPeerDisconnected,
				Peer:      p2p.PeerID(conn.RemotePeer().String()),
				Direction: direction(conn.Stat().Direction),
			})
		},
	})
	logger.Info("Transport listening",
		slog.String("peer_id", h.ID().String()),
		slog.Int("addrs", len(h.Addrs())))
	return t, nil
}

// Host exposes the underlying libp2p host; the gossip adapter is built on it.
func (t *Transport) Host() host.Host {
	return t.host
}

// LocalID returns the local peer identity.
func (t *Transport) LocalID() p2p.PeerID {
	return p2p.PeerID(t.host.ID().String())
}

// Dial connects to a multiaddr carrying a /p2p/ peer identity component and
// returns the remote identity.
func (t *Transport) Dial(ctx context.Context, addr string) (p2p.PeerID, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", fmt.Errorf("address %q missing peer identity: %w", addr, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("connect: %w", err)
	}
	return p2p.PeerID(info.ID.String()), nil
}

// OpenStream opens a fresh stream tagged with the protocol identifier.
func (t *Transport) OpenStream(ctx context.Context, id p2p.PeerID, pid p2p.ProtocolID) (p2p.Stream, error) {
	remote, err := peer.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	s, err := t.host.NewStream(ctx, remote, protocol.ID(pid.String()))
	if err != nil {
		return nil, fmt.Errorf("new stream: %w", err)
	}
	return &rpcStream{s: s, pid: pid}, nil
}

// Events yields connection and inbound stream events until Close.
func (t *Transport) Events() <-chan p2p.TransportEvent {
	return t.events
}

// Disconnect closes every connection to the peer.
func (t *Transport) Disconnect(id p2p.PeerID) error {
	remote, err := peer.Decode(string(id))
	if err != nil {
		return fmt.Errorf("decode peer id: %w", err)
	}
	return t.host.Network().ClosePeer(remote)
}

// Close shuts the host down and ends the event sequence.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.host.Close()
		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
	})
	return err
}

func (t *Transport) emit(ev p2p.TransportEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("Transport event dropped",
			logging.MaskField("peer_id", string(ev.Peer)),
			slog.Int("kind", int(ev.Kind)))
	}
}

func direction(d network.Direction) p2p.Direction {
	if d == network.DirInbound {
		return p2p.DirInbound
	}
	return p2p.DirOutbound
}

// identityKey loads or generates the host's secp256k1 identity. Hex keys are
// interoperable with go-ethereum tooling.
func identityKey(hexKey string) (libp2pcrypto.PrivKey, error) {
	if hexKey == "" {
		priv, _, err := libp2pcrypto.GenerateSecp256k1Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
		return priv, nil
	}
	ecdsaKey, err := gcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	priv, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(gcrypto.FromECDSA(ecdsaKey))
	if err != nil {
		return nil, fmt.Errorf("convert identity key: %w", err)
	}
	return priv, nil
}

// rpcStream adapts a libp2p stream to the p2p.Stream contract.
type rpcStream struct {
	s   network.Stream
	pid p2p.ProtocolID
}

func (r *rpcStream) Read(p []byte) (int, error)  { return r.s.Read(p) }
func (r *rpcStream) Write(p []byte) (int, error) { return r.s.Write(p) }
func (r *rpcStream) Close() error                { return r.s.Close() }
func (r *rpcStream) CloseWrite() error           { return r.s.CloseWrite() }
func (r *rpcStream) Reset() error                { return r.s.Reset() }

func (r *rpcStream) SetReadDeadline(t time.Time) error  { return r.s.SetReadDeadline(t) }
func (r *rpcStream) SetWriteDeadline(t time.Time) error { return r.s.SetWriteDeadline(t) }

func (r *rpcStream) Protocol() p2p.ProtocolID { return r.pid }

func (r *rpcStream) RemotePeer() p2p.PeerID {
	return p2p.PeerID(r.s.Conn().RemotePeer().String())
}
