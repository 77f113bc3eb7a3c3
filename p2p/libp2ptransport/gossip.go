package libp2ptransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"heliochain/p2p"
)

// Gossip implements p2p.Gossip over gossipsub. One subscription pump per
// topic feeds the shared message channel.
type Gossip struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
	msgs   chan p2p.GossipMessage
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	wg     sync.WaitGroup
}

// NewGossip builds a gossipsub router on the host and joins the given topics.
func NewGossip(ctx context.Context, h host.Host, topics []string, logger *slog.Logger) (*Gossip, error) {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "gossip"))
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	g := &Gossip{
		ps:     ps,
		logger: logger,
		msgs:   make(chan p2p.GossipMessage, 256),
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic, len(topics)),
	}
	self := h.ID()
	for _, name := range topics {
		topic, err := ps.Join(name)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("join topic %s: %w", name, err)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe topic %s: %w", name, err)
		}
		g.topics[name] = topic

		g.wg.Add(1)
		go func(name string, sub *pubsub.Subscription) {
			defer g.wg.Done()
			for {
				msg, err := sub.Next(pumpCtx)
				if err != nil {
					return
				}
				if msg.ReceivedFrom == self {
					continue
				}
				select {
				case g.msgs <- p2p.GossipMessage{
					Topic: name,
					Data:  msg.Data,
					From:  p2p.PeerID(msg.ReceivedFrom.String()),
				}:
				case <-pumpCtx.Done():
					return
				}
			}
		}(name, sub)
	}
	return g, nil
}

// Publish broadcasts data on a joined topic.
func (g *Gossip) Publish(topic string, data []byte) error {
	g.mu.Lock()
	t := g.topics[topic]
	g.mu.Unlock()
	if t == nil {
		return fmt.Errorf("gossip: topic %s not joined", topic)
	}
	return t.Publish(context.Background(), data)
}

// Messages yields received gossip until Close.
func (g *Gossip) Messages() <-chan p2p.GossipMessage {
	return g.msgs
}

// Close stops the subscription pumps and releases the topics.
func (g *Gossip) Close() error {
	g.cancel()
	g.wg.Wait()
	g.mu.Lock()
	for _, t := range g.topics {
		_ = t.Close()
	}
	g.topics = map[string]*pubsub.Topic{}
	g.mu.Unlock()
	close(g.msgs)
	return nil
}
