package p2p

import (
	"context"
	"time"
)

// PeerID is the stable opaque identifier of a remote participant.
type PeerID string

// Direction records which side initiated the underlying connection.
type Direction int

const (
	DirInbound Direction = iota + 1
	DirOutbound
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Stream is one bidirectional, ordered byte channel multiplexed over a peer
// connection, tagged with the protocol it was opened for.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Close closes both directions gracefully.
	Close() error
	// CloseWrite half-closes the stream; the remote observes EOF after
	// draining buffered bytes.
	CloseWrite() error
	// Reset aborts the stream; both sides observe an error.
	Reset() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Protocol() ProtocolID
	RemotePeer() PeerID
}

// EventKind tags the transport event union.
type EventKind int

const (
	EventPeerConnected EventKind = iota + 1
	EventPeerDisconnected
	EventInboundStream
)

// TransportEvent is one entry of the transport's event stream. Stream is set
// only for EventInboundStream.
type TransportEvent struct {
	Kind      EventKind
	Peer      PeerID
	Direction Direction
	Stream    Stream
}

// Transport is the multiplexed-transport substrate this layer is built on.
// Negotiation, encryption and multiplexing live behind this boundary.
type Transport interface {
	LocalID() PeerID
	// Dial connects to the given address and returns the remote identity.
	Dial(ctx context.Context, addr string) (PeerID, error)
	// OpenStream opens a fresh stream to a connected peer, tagged with the
	// protocol identifier.
	OpenStream(ctx context.Context, peer PeerID, pid ProtocolID) (Stream, error)
	// Events yields connection and stream events. The sequence is infinite
	// and not restartable; it ends only when the transport closes.
	Events() <-chan TransportEvent
	Disconnect(peer PeerID) error
	Close() error
}

// GossipMessage is one message received from the gossip collaborator.
type GossipMessage struct {
	Topic string
	Data  []byte
	From  PeerID
}

// Gossip is the publish-subscribe collaborator surface. The epidemic
// broadcast itself is out of scope; this layer only publishes and gates
// which peers are eligible sources.
type Gossip interface {
	Publish(topic string, data []byte) error
	Messages() <-chan GossipMessage
}

// Discovery yields candidate peer addresses. The sequence is restartable:
// every call returns the currently known candidates.
type Discovery interface {
	Candidates(ctx context.Context) ([]string, error)
}
