package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"

	"heliochain/observability/logging"
)

// Gossip topics carried by the network. Payloads are snappy-compressed JSON,
// matching the req/resp default encoding.
const (
	TopicBlocks       = "/helio/1/beacon_block/json_snappy"
	TopicAttestations = "/helio/1/beacon_attestation/json_snappy"
)

// ChainProvider supplies the behaviour with chain state: the local status
// advertised during handshakes and the block data served to peers.
type ChainProvider interface {
	Status() StatusPayload
	MetaData() MetaDataPayload
	BlocksByRange(ctx context.Context, req *BlocksByRangeRequest) ([]*SignedBeaconBlock, error)
	BlocksByRoot(ctx context.Context, req *BlocksByRootRequest) ([]*SignedBeaconBlock, error)
}

// BehaviourConfig tunes lifecycle orchestration.
type BehaviourConfig struct {
	// HandshakeTimeout bounds how long a connected peer may remain
	// unhandshaked before it is dropped.
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive cadence towards handshaked peers.
	PingInterval time.Duration
	// DialInterval is how often the dial loop tops up outbound peers.
	DialInterval time.Duration
	// TargetOutbound is the number of outbound connections maintained.
	TargetOutbound int
}

// Behaviour composes the codec, the RPC layer, the rate limiter and the peer
// manager behind a single event loop. It owns peer lifecycle orchestration:
// admission, the status handshake, keepalives, discovery-driven dialing and
// coordinated teardown.
type Behaviour struct {
	cfg       BehaviourConfig
	transport Transport
	gossip    Gossip
	discovery Discovery
	reqresp   *ReqResp
	peers     *PeerManager
	store     *Peerstore
	chain     ChainProvider
	logger    *slog.Logger
	metrics   *networkMetrics

	mu              sync.Mutex
	handshakeTimers map[PeerID]*time.Timer
	onBlock         func(PeerID, *SignedBeaconBlock)
	onAttestation   func(PeerID, *Attestation)

	quit chan struct{}
	done chan struct{}
}

// NewBehaviour wires the collaborators together and registers the inbound
// request handlers. Run must be called to start processing events.
func NewBehaviour(cfg BehaviourConfig, transport Transport, gossip Gossip, discovery Discovery, reqresp *ReqResp, peers *PeerManager, store *Peerstore, chain ChainProvider, logger *slog.Logger) *Behaviour {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = 20 * time.Second
	}
	if cfg.TargetOutbound <= 0 {
		cfg.TargetOutbound = 8
	}
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "behaviour"))
	}
	b := &Behaviour{
		cfg:             cfg,
		transport:       transport,
		gossip:          gossip,
		discovery:       discovery,
		reqresp:         reqresp,
		peers:           peers,
		store:           store,
		chain:           chain,
		logger:          logger,
		metrics:         newNetworkMetrics(),
		handshakeTimers: make(map[PeerID]*time.Timer),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	b.registerHandlers()
	reqresp.SetGate(peers.Connected)
	reqresp.SetBanCallback(b.dropBanned)
	return b
}

// SetBlockHandler installs the sink for blocks received over gossip.
func (b *Behaviour) SetBlockHandler(fn func(PeerID, *SignedBeaconBlock)) {
	b.mu.Lock()
	b.onBlock = fn
	b.mu.Unlock()
}

// SetAttestationHandler installs the sink for attestations received over gossip.
func (b *Behaviour) SetAttestationHandler(fn func(PeerID, *Attestation)) {
	b.mu.Lock()
	b.onAttestation = fn
	b.mu.Unlock()
}

// Run processes transport events, gossip and timers until the context is
// cancelled or Close is called. It blocks; callers run it in its own
// goroutine.
func (b *Behaviour) Run(ctx context.Context) {
	defer close(b.done)

	dialTicker := time.NewTicker(b.cfg.DialInterval)
	defer dialTicker.Stop()
	pingTicker := time.NewTicker(b.cfg.PingInterval)
	defer pingTicker.Stop()

	var gossipCh <-chan GossipMessage
	if b.gossip != nil {
		gossipCh = b.gossip.Messages()
	}

	// Prime the outbound set without waiting for the first tick.
	b.dialCandidates(ctx)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-b.quit:
			b.shutdown()
			return
		case ev, ok := <-b.transport.Events():
			if !ok {
				b.shutdown()
				return
			}
			switch ev.Kind {
			case EventPeerConnected:
				b.handleConnected(ctx, ev.Peer, ev.Direction)
			case EventPeerDisconnected:
				b.handleDisconnected(ev.Peer)
			case EventInboundStream:
				go b.reqresp.HandleStream(ctx, ev.Stream)
			}
		case msg, ok := <-gossipCh:
			if !ok {
				gossipCh = nil
				continue
			}
			b.handleGossip(msg)
		case <-dialTicker.C:
			b.dialCandidates(ctx)
		case <-pingTicker.C:
			b.pingPeers(ctx)
		}
	}
}

// Close stops the event loop and waits for it to drain.
func (b *Behaviour) Close() {
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
	<-b.done
}

// PublishBlock broadcasts a block on the block topic.
func (b *Behaviour) PublishBlock(block *SignedBeaconBlock) error {
	return b.publish(TopicBlocks, block)
}

// PublishAttestation broadcasts an attestation on the attestation topic.
func (b *Behaviour) PublishAttestation(att *Attestation) error {
	return b.publish(TopicAttestations, att)
}

// BlocksByRange fetches up to req.Count blocks from a handshaked peer.
func (b *Behaviour) BlocksByRange(ctx context.Context, peer PeerID, req *BlocksByRangeRequest) ([]*SignedBeaconBlock, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return b.requestBlocks(ctx, peer, MethodBlocksByRange, req, int(req.Count))
}

// BlocksByRoot fetches the blocks matching the requested roots from a
// handshaked peer.
func (b *Behaviour) BlocksByRoot(ctx context.Context, peer PeerID, req *BlocksByRootRequest) ([]*SignedBeaconBlock, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return b.requestBlocks(ctx, peer, MethodBlocksByRoot, req, len(req.Roots))
}

// Ping sends a keepalive and refreshes the peer's metadata when its sequence
// number advanced.
func (b *Behaviour) Ping(ctx context.Context, peer PeerID) error {
	local := b.chain.MetaData()
	resp, err := b.reqresp.Request(ctx, peer, MethodPing, &PingPayload{SeqNumber: local.SeqNumber})
	if err != nil {
		return err
	}
	pong, ok := resp.(*PingPayload)
	if !ok {
		return fmt.Errorf("%w: unexpected ping response type", ErrMalformedPayload)
	}
	if rec, found := b.peers.Record(peer); found {
		if rec.MetaData == nil || pong.SeqNumber > rec.MetaData.SeqNumber {
			go b.refreshMetaData(ctx, peer)
		}
	}
	return nil
}

// Goodbye notifies a peer that the connection is being torn down, then
// disconnects it. Delivery is best effort.
func (b *Behaviour) Goodbye(ctx context.Context, peer PeerID, reason uint64) {
	sendCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	_, _ = b.reqresp.Request(sendCtx, peer, MethodGoodbye, &GoodbyePayload{Reason: reason})
	cancel()
	b.disconnect(peer)
}

func (b *Behaviour) requestBlocks(ctx context.Context, peer PeerID, method Method, req any, capacity int) ([]*SignedBeaconBlock, error) {
	if !b.peers.Handshaked(peer) {
		return nil, ErrPeerDisconnected
	}
	blocks := make([]*SignedBeaconBlock, 0, capacity)
	err := b.reqresp.RequestStream(ctx, peer, method, req, func(chunk any) error {
		block, ok := chunk.(*SignedBeaconBlock)
		if !ok {
			return fmt.Errorf("%w: unexpected chunk type", ErrMalformedPayload)
		}
		blocks = append(blocks, block)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

func (b *Behaviour) registerHandlers() {
	b.reqresp.Handle(MethodStatus, b.handleStatusRequest)
	b.reqresp.Handle(MethodGoodbye, b.handleGoodbyeRequest)
	b.reqresp.Handle(MethodPing, b.handlePingRequest)
	b.reqresp.Handle(MethodMetaData, b.handleMetaDataRequest)
	b.reqresp.Handle(MethodBlocksByRange, b.handleBlocksByRange)
	b.reqresp.Handle(MethodBlocksByRoot, b.handleBlocksByRoot)
}

// handleStatusRequest is the inbound half of the handshake. A matching fork
// digest marks the peer handshaked; a mismatch answers with our status and
// then says goodbye.
func (b *Behaviour) handleStatusRequest(ctx context.Context, from PeerID, req any) ([]any, error) {
	theirs, ok := req.(*StatusPayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected status type", ErrMalformedPayload)
	}
	ours := b.chain.Status()
	if theirs.ForkDigest != ours.ForkDigest {
		b.logger.Info("Peer on different fork",
			logging.MaskField("peer_id", string(from)),
			slog.String("fork_digest", theirs.ForkDigest))
		b.metrics.recordHandshake("fork_mismatch")
		go b.Goodbye(context.Background(), from, GoodbyeIrrelevantFork)
		return []any{&ours}, nil
	}
	b.peers.OnHandshakeSuccess(from, theirs, 1)
	b.cancelHandshakeTimer(from)
	b.metrics.recordHandshake("ok")
	return []any{&ours}, nil
}

func (b *Behaviour) handleGoodbyeRequest(ctx context.Context, from PeerID, req any) ([]any, error) {
	goodbye, ok := req.(*GoodbyePayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected goodbye type", ErrMalformedPayload)
	}
	b.logger.Info("Peer said goodbye",
		logging.MaskField("peer_id", string(from)),
		slog.Uint64("reason", goodbye.Reason))
	go b.disconnect(from)
	return []any{&GoodbyePayload{Reason: goodbye.Reason}}, nil
}

func (b *Behaviour) handlePingRequest(ctx context.Context, from PeerID, req any) ([]any, error) {
	if !b.peers.Handshaked(from) {
		return nil, fmt.Errorf("peer not handshaked")
	}
	ping, ok := req.(*PingPayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected ping type", ErrMalformedPayload)
	}
	if rec, found := b.peers.Record(from); found {
		if rec.MetaData == nil || ping.SeqNumber > rec.MetaData.SeqNumber {
			go b.refreshMetaData(context.Background(), from)
		}
	}
	local := b.chain.MetaData()
	return []any{&PingPayload{SeqNumber: local.SeqNumber}}, nil
}

func (b *Behaviour) handleMetaDataRequest(ctx context.Context, from PeerID, req any) ([]any, error) {
	if !b.peers.Handshaked(from) {
		return nil, fmt.Errorf("peer not handshaked")
	}
	md := b.chain.MetaData()
	return []any{&md}, nil
}

func (b *Behaviour) handleBlocksByRange(ctx context.Context, from PeerID, req any) ([]any, error) {
	if !b.peers.Handshaked(from) {
		return nil, fmt.Errorf("peer not handshaked")
	}
	rangeReq, ok := req.(*BlocksByRangeRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected request type", ErrMalformedPayload)
	}
	blocks, err := b.chain.BlocksByRange(ctx, rangeReq)
	if err != nil {
		return nil, err
	}
	return blockChunks(blocks), nil
}

func (b *Behaviour) handleBlocksByRoot(ctx context.Context, from PeerID, req any) ([]any, error) {
	if !b.peers.Handshaked(from) {
		return nil, fmt.Errorf("peer not handshaked")
	}
	rootReq, ok := req.(*BlocksByRootRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected request type", ErrMalformedPayload)
	}
	blocks, err := b.chain.BlocksByRoot(ctx, rootReq)
	if err != nil {
		return nil, err
	}
	return blockChunks(blocks), nil
}

func blockChunks(blocks []*SignedBeaconBlock) []any {
	chunks := make([]any, len(blocks))
	for i, block := range blocks {
		chunks[i] = block
	}
	return chunks
}

func (b *Behaviour) handleConnected(ctx context.Context, peer PeerID, direction Direction) {
	if err := b.peers.Admit(peer, direction); err != nil {
		b.logger.Info("Connection refused",
			logging.MaskField("peer_id", string(peer)),
			slog.String("direction", direction.String()),
			slog.Any("error", err))
		_ = b.transport.Disconnect(peer)
		return
	}
	if b.store != nil {
		_ = b.store.RecordSuccess(peer, time.Now())
	}
	b.armHandshakeTimer(peer)
	if direction == DirOutbound {
		go b.handshake(ctx, peer)
	}
}

func (b *Behaviour) handleDisconnected(peer PeerID) {
	b.cancelHandshakeTimer(peer)
	b.reqresp.CancelPeer(peer)
	b.peers.MarkDisconnected(peer)
}

// handshake performs the outbound status exchange. Any failure tears the
// connection down; a fork mismatch additionally says goodbye first.
func (b *Behaviour) handshake(ctx context.Context, peer PeerID) {
	if err := b.exchangeStatus(ctx, peer); err != nil {
		b.logger.Info("Handshake failed",
			logging.MaskField("peer_id", string(peer)),
			slog.Any("error", err))
		b.disconnect(peer)
	}
}

func (b *Behaviour) exchangeStatus(ctx context.Context, peer PeerID) error {
	hsCtx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	ours := b.chain.Status()
	resp, err := b.reqresp.Request(hsCtx, peer, MethodStatus, &ours)
	if err != nil {
		b.metrics.recordHandshake("failed")
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	theirs, ok := resp.(*StatusPayload)
	if !ok {
		b.metrics.recordHandshake("failed")
		return fmt.Errorf("%w: unexpected status response type", ErrHandshakeFailed)
	}
	if theirs.ForkDigest != ours.ForkDigest {
		b.metrics.recordHandshake("fork_mismatch")
		b.Goodbye(ctx, peer, GoodbyeIrrelevantFork)
		return fmt.Errorf("%w: fork digest %s does not match local %s",
			ErrHandshakeFailed, theirs.ForkDigest, ours.ForkDigest)
	}
	b.peers.OnHandshakeSuccess(peer, theirs, 1)
	b.cancelHandshakeTimer(peer)
	b.metrics.recordHandshake("ok")
	go b.refreshMetaData(ctx, peer)
	return nil
}

func (b *Behaviour) refreshMetaData(ctx context.Context, peer PeerID) {
	mdCtx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()
	resp, err := b.reqresp.Request(mdCtx, peer, MethodMetaData, nil)
	if err != nil {
		return
	}
	if md, ok := resp.(*MetaDataPayload); ok {
		b.peers.SetMetaData(peer, md)
	}
}

// dialCandidates tops up outbound connections from discovery and the
// peerstore, honouring dial backoff and skipping banned or connected peers.
func (b *Behaviour) dialCandidates(ctx context.Context) {
	_, _, outbound := b.peers.Counts()
	need := b.cfg.TargetOutbound - outbound
	if need <= 0 {
		return
	}

	seen := make(map[string]struct{})
	var candidates []string
	if b.discovery != nil {
		discovered, err := b.discovery.Candidates(ctx)
		if err != nil {
			b.logger.Warn("Peer discovery failed", slog.Any("error", err))
		}
		for _, addr := range discovered {
			if _, dup := seen[addr]; !dup {
				seen[addr] = struct{}{}
				candidates = append(candidates, addr)
			}
		}
	}
	if b.store != nil {
		for _, entry := range b.store.Snapshot() {
			if entry.Addr == "" {
				continue
			}
			if _, dup := seen[entry.Addr]; dup {
				continue
			}
			seen[entry.Addr] = struct{}{}
			candidates = append(candidates, entry.Addr)
		}
	}

	for _, addr := range candidates {
		if need <= 0 {
			return
		}
		if b.store != nil {
			if entry, ok := b.store.Get(addr); ok {
				if entry.PeerID != "" && (b.peers.Connected(entry.PeerID) || b.peers.IsBanned(entry.PeerID)) {
					continue
				}
			}
		}
		if b.peers.NextDialDelay(addr) > 0 {
			continue
		}
		need--
		go b.dial(ctx, addr)
	}
}

func (b *Behaviour) dial(ctx context.Context, addr string) {
	var known PeerID
	if b.store != nil {
		if entry, ok := b.store.Get(addr); ok {
			known = entry.PeerID
		}
	}
	if known != "" {
		if err := b.peers.MarkDialing(known); err != nil {
			return
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	peer, err := b.transport.Dial(dialCtx, addr)
	if err != nil {
		b.logger.Debug("Dial failed",
			logging.MaskField("addr", addr),
			slog.Any("error", err))
		b.peers.OnDialFailure(addr, known)
		if known != "" {
			b.peers.MarkDisconnected(known)
		}
		return
	}
	if b.store != nil {
		_ = b.store.Put(PeerstoreEntry{Addr: addr, PeerID: peer, LastSeen: time.Now()})
	}
	b.peers.OnDialSuccess(addr, peer)
	// The connected event follows from the transport; admission and the
	// handshake run from the event loop.
}

func (b *Behaviour) pingPeers(ctx context.Context) {
	for _, rec := range b.peers.Snapshot() {
		if rec.State != StateConnected || !rec.Handshaked {
			continue
		}
		peer := rec.ID
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
			defer cancel()
			_ = b.Ping(pingCtx, peer)
		}()
	}
}

// handleGossip decodes a topic message from a handshaked peer and forwards
// it to the installed sink. Unknown topics and messages from unhandshaked
// peers are dropped; malformed payloads are penalized.
func (b *Behaviour) handleGossip(msg GossipMessage) {
	if msg.From == b.transport.LocalID() {
		return
	}
	if !b.peers.Handshaked(msg.From) {
		return
	}
	switch msg.Topic {
	case TopicBlocks:
		var block SignedBeaconBlock
		if err := decodeGossipPayload(msg.Data, &block); err != nil {
			b.peers.OnMalformed(msg.From)
			return
		}
		b.mu.Lock()
		sink := b.onBlock
		b.mu.Unlock()
		if sink != nil {
			sink(msg.From, &block)
		}
	case TopicAttestations:
		var att Attestation
		if err := decodeGossipPayload(msg.Data, &att); err != nil {
			b.peers.OnMalformed(msg.From)
			return
		}
		b.mu.Lock()
		sink := b.onAttestation
		b.mu.Unlock()
		if sink != nil {
			sink(msg.From, &att)
		}
	}
}

func (b *Behaviour) publish(topic string, msg any) error {
	if b.gossip == nil {
		return fmt.Errorf("p2p: gossip not configured")
	}
	data, err := encodeGossipPayload(msg)
	if err != nil {
		return err
	}
	return b.gossip.Publish(topic, data)
}

// armHandshakeTimer drops the peer if it has not completed the status
// exchange within the handshake window.
func (b *Behaviour) armHandshakeTimer(peer PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.handshakeTimers[peer]; ok {
		t.Stop()
	}
	b.handshakeTimers[peer] = time.AfterFunc(b.cfg.HandshakeTimeout, func() {
		if b.peers.Handshaked(peer) {
			return
		}
		b.logger.Info("Handshake window expired",
			logging.MaskField("peer_id", string(peer)))
		b.disconnect(peer)
	})
}

func (b *Behaviour) cancelHandshakeTimer(peer PeerID) {
	b.mu.Lock()
	if t, ok := b.handshakeTimers[peer]; ok {
		t.Stop()
		delete(b.handshakeTimers, peer)
	}
	b.mu.Unlock()
}

// disconnect initiates teardown; the transport's disconnected event finishes
// the bookkeeping.
func (b *Behaviour) disconnect(peer PeerID) {
	b.peers.MarkDisconnecting(peer)
	_ = b.transport.Disconnect(peer)
}

// dropBanned runs when a violation pushed a peer over the ban threshold.
func (b *Behaviour) dropBanned(peer PeerID) {
	b.cancelHandshakeTimer(peer)
	b.reqresp.CancelPeer(peer)
	_ = b.transport.Disconnect(peer)
}

// shutdown says goodbye to every connected peer and closes the transport.
func (b *Behaviour) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, rec := range b.peers.Snapshot() {
		if rec.State != StateConnected {
			continue
		}
		peer := rec.ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
			_, _ = b.reqresp.Request(sendCtx, peer, MethodGoodbye, &GoodbyePayload{Reason: GoodbyeClientShutdown})
			sendCancel()
		}()
	}
	wg.Wait()
	_ = b.transport.Close()
}

func encodeGossipPayload(msg any) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode gossip payload: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func decodeGossipPayload(data []byte, out any) error {
	decoded, err := snappy.DecodedLen(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if uint64(decoded) > maxBlockFrameBytes {
		return fmt.Errorf("%w: decompresses to %d bytes, maximum %d", ErrFrameTooLarge, decoded, uint64(maxBlockFrameBytes))
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
