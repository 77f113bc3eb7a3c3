package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"heliochain/observability/logging"
)

// Response result codes; one byte precedes every response chunk so a peer
// receives diagnosable feedback instead of an ambiguous stream abort.
const (
	codeSuccess         byte = 0x00
	codeInvalidRequest  byte = 0x01
	codeServerError     byte = 0x02
	codeRateLimited     byte = 0x03
	codeTooManyRequests byte = 0x04
)

// RequestHandler serves one inbound request. Handlers for single-valued
// methods return exactly one chunk; streamed methods return zero or more.
// Returning an error satisfying IsMalformedPayload marks the request itself
// as invalid; any other error is reported as a server-side failure.
type RequestHandler func(ctx context.Context, from PeerID, req any) ([]any, error)

// ReqRespConfig tunes the request/response layer.
type ReqRespConfig struct {
	// Encoding used for outbound requests.
	Encoding Encoding
	// ChunkTimeout bounds the wait for forward progress: each frame read
	// or written must complete within it.
	ChunkTimeout time.Duration
	// MaxChunks caps the chunk count of a streamed response.
	MaxChunks int
	// MaxConcurrentPerMethod caps simultaneous inbound requests per
	// (peer, method); excess requests are rejected immediately.
	MaxConcurrentPerMethod int

	DefaultRateLimit RateLimit
	MethodRateLimits map[Method]RateLimit

	// GlobalRate/GlobalBurst bound total inbound requests across all
	// peers. Exhaustion is local resource pressure and carries no
	// reputation penalty.
	GlobalRate  float64
	GlobalBurst int
}

// RequestContext tracks one outbound exchange for the lifetime of the
// request. It is destroyed on completion, error, timeout, or peer
// disconnect.
type RequestContext struct {
	ID       string
	Peer     PeerID
	Method   Method
	Encoding Encoding
	IssuedAt time.Time
	Streamed bool
	Chunks   int

	stream    Stream
	cancelled chan struct{}
	once      sync.Once
}

// cancel invalidates the context and aborts its stream, unblocking any
// pending read.
func (rc *RequestContext) cancel() {
	rc.once.Do(func() {
		close(rc.cancelled)
		if rc.stream != nil {
			_ = rc.stream.Reset()
		}
	})
}

func (rc *RequestContext) isCancelled() bool {
	select {
	case <-rc.cancelled:
		return true
	default:
		return false
	}
}

// ReqResp drives request/response exchanges: exactly one exchange per
// stream, outbound requests with per-chunk timeouts and chunk caps, inbound
// dispatch behind the rate limiter and concurrency admission.
type ReqResp struct {
	cfg       ReqRespConfig
	transport Transport
	peers     *PeerManager
	limiter   *methodLimiter
	global    *rate.Limiter
	codecs    map[Encoding]*frameCodec
	logger    *slog.Logger
	metrics   *networkMetrics
	now       func() time.Time

	mu       sync.Mutex
	inflight map[PeerID]map[string]*RequestContext
	active   map[bucketKey]int
	handlers map[Method]RequestHandler
	gate     func(PeerID) bool
	onBanned func(PeerID)
}

// NewReqResp builds the RPC layer over the given transport and peer manager.
func NewReqResp(cfg ReqRespConfig, transport Transport, peers *PeerManager, logger *slog.Logger) *ReqResp {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingSnappyJSON
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = 10 * time.Second
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = maxRequestBlocks
	}
	if cfg.MaxConcurrentPerMethod <= 0 {
		cfg.MaxConcurrentPerMethod = 2
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 512
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = int(cfg.GlobalRate) * 2
	}
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "reqresp"))
	}
	codecs := make(map[Encoding]*frameCodec, 2)
	for _, enc := range []Encoding{EncodingJSON, EncodingSnappyJSON} {
		codec, _ := newFrameCodec(enc)
		codecs[enc] = codec
	}
	return &ReqResp{
		cfg:       cfg,
		transport: transport,
		peers:     peers,
		limiter:   newMethodLimiter(cfg.DefaultRateLimit, cfg.MethodRateLimits),
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		codecs:    codecs,
		logger:    logger,
		metrics:   newNetworkMetrics(),
		now:       time.Now,
		inflight:  make(map[PeerID]map[string]*RequestContext),
		active:    make(map[bucketKey]int),
		handlers:  make(map[Method]RequestHandler),
	}
}

// SetGate installs the connectivity check consulted before any exchange is
// admitted. The network behaviour owns the authoritative answer.
func (r *ReqResp) SetGate(gate func(PeerID) bool) {
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
}

// SetBanCallback installs the hook invoked when an inbound violation pushes
// a peer over the ban threshold.
func (r *ReqResp) SetBanCallback(fn func(PeerID)) {
	r.mu.Lock()
	r.onBanned = fn
	r.mu.Unlock()
}

// Handle registers the handler serving inbound requests for a method.
func (r *ReqResp) Handle(method Method, h RequestHandler) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// Request performs one single-valued exchange and returns the decoded
// response.
func (r *ReqResp) Request(ctx context.Context, peer PeerID, method Method, req any) (any, error) {
	spec, ok := specFor(method)
	if !ok {
		return nil, fmt.Errorf("p2p: unknown method %q", method)
	}
	if spec.streamed {
		return nil, fmt.Errorf("p2p: method %q is streamed", method)
	}
	var out any
	err := r.do(ctx, peer, method, req, func(chunk any) error {
		out = chunk
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestStream performs one streamed exchange, delivering each response
// chunk to onChunk. Returning an error from onChunk interrupts the exchange
// at the chunk boundary.
func (r *ReqResp) RequestStream(ctx context.Context, peer PeerID, method Method, req any, onChunk func(any) error) error {
	spec, ok := specFor(method)
	if !ok {
		return fmt.Errorf("p2p: unknown method %q", method)
	}
	if !spec.streamed {
		return fmt.Errorf("p2p: method %q is single-valued", method)
	}
	return r.do(ctx, peer, method, req, onChunk)
}

func (r *ReqResp) do(ctx context.Context, peer PeerID, method Method, req any, onChunk func(any) error) error {
	spec, _ := specFor(method)
	if !r.admitted(peer) {
		return ErrPeerDisconnected
	}

	rc := &RequestContext{
		ID:        uuid.NewString(),
		Peer:      peer,
		Method:    method,
		Encoding:  r.cfg.Encoding,
		IssuedAt:  r.now(),
		Streamed:  spec.streamed,
		cancelled: make(chan struct{}),
	}
	if err := r.register(rc); err != nil {
		return err
	}
	defer r.unregister(rc)

	pid := ProtocolID{Method: method, Version: 1, Encoding: r.cfg.Encoding}
	stream, err := r.transport.OpenStream(ctx, peer, pid)
	if err != nil {
		// Local failure to obtain a stream; the peer is not penalized.
		r.metrics.recordRequest(method, DirOutbound, "local_error")
		return fmt.Errorf("open stream: %w", err)
	}
	if !r.attachStream(rc, stream) {
		_ = stream.Reset()
		return ErrPeerDisconnected
	}
	defer stream.Close()

	codec := r.codecs[r.cfg.Encoding]
	_ = stream.SetWriteDeadline(r.now().Add(r.cfg.ChunkTimeout))
	var body any = req
	if spec.emptyRequest {
		body = nil
	}
	if err := codec.encode(stream, body); err != nil {
		_ = stream.Reset()
		return r.failOutbound(rc, err)
	}
	if err := stream.CloseWrite(); err != nil {
		_ = stream.Reset()
		return r.failOutbound(rc, err)
	}

	br := bufio.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			_ = stream.Reset()
			return err
		}
		if rc.isCancelled() {
			return ErrPeerDisconnected
		}
		_ = stream.SetReadDeadline(r.now().Add(r.cfg.ChunkTimeout))
		code, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && spec.streamed {
				// Half-close terminates the chunk sequence.
				r.completeOutbound(rc)
				return nil
			}
			if errors.Is(err, io.EOF) {
				return r.failOutbound(rc, fmt.Errorf("%w: missing response", ErrTruncatedFrame))
			}
			return r.failOutbound(rc, err)
		}
		if code != codeSuccess {
			var remote ErrorResponse
			_ = codec.decode(br, maxControlFrameBytes, &remote)
			r.metrics.recordRequest(method, DirOutbound, "remote_error")
			return remoteError(code, remote.Message)
		}
		out := spec.newResponse()
		if err := codec.decode(br, spec.maxResponseBytes, out); err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: missing frame after result code", ErrTruncatedFrame)
			}
			return r.failOutbound(rc, err)
		}
		rc.Chunks++
		if !spec.streamed {
			r.completeOutbound(rc)
			return onChunk(out)
		}
		if err := onChunk(out); err != nil {
			_ = stream.Reset()
			return err
		}
		if rc.Chunks >= r.cfg.MaxChunks {
			return r.failOutbound(rc, fmt.Errorf("%w: response exceeded %d chunks", ErrMalformedPayload, r.cfg.MaxChunks))
		}
	}
}

// HandleStream serves one inbound exchange. The caller owns the goroutine;
// the stream is always closed before returning.
func (r *ReqResp) HandleStream(ctx context.Context, stream Stream) {
	defer stream.Close()

	peer := stream.RemotePeer()
	pid := stream.Protocol()
	spec, ok := specFor(pid.Method)
	if !ok {
		_ = stream.Reset()
		return
	}
	codec := r.codecs[pid.Encoding]
	if codec == nil {
		_ = stream.Reset()
		return
	}
	if !r.admitted(peer) {
		_ = stream.Reset()
		return
	}

	now := r.now()
	if r.global != nil && !r.global.AllowN(now, 1) {
		// Process-wide pressure; reject without penalizing the peer.
		r.writeErrorFrame(stream, codec, codeServerError, "temporarily overloaded")
		r.metrics.recordRequest(pid.Method, DirInbound, "overloaded")
		return
	}
	if !r.limiter.allow(peer, pid.Method, now) {
		status := r.peers.OnRateLimited(peer)
		r.writeErrorFrame(stream, codec, codeRateLimited, "rate limited")
		r.metrics.recordRequest(pid.Method, DirInbound, "rate_limited")
		r.notifyIfBanned(peer, status)
		return
	}
	if !r.acquire(peer, pid.Method) {
		r.writeErrorFrame(stream, codec, codeTooManyRequests, "too many concurrent requests")
		r.metrics.recordRequest(pid.Method, DirInbound, "too_many")
		return
	}
	defer r.release(peer, pid.Method)

	_ = stream.SetReadDeadline(now.Add(r.cfg.ChunkTimeout))
	br := bufio.NewReader(stream)
	var req any
	if !spec.emptyRequest {
		req = spec.newRequest()
	}
	if err := codec.decode(br, spec.maxRequestBytes, req); err != nil {
		r.rejectMalformed(stream, codec, pid.Method, peer, err)
		return
	}
	if v, ok := req.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			r.rejectMalformed(stream, codec, pid.Method, peer, err)
			return
		}
	}

	r.mu.Lock()
	handler := r.handlers[pid.Method]
	r.mu.Unlock()
	if handler == nil {
		r.writeErrorFrame(stream, codec, codeServerError, "method not served")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, r.cfg.ChunkTimeout)
	chunks, err := handler(hctx, peer, req)
	cancel()
	if err != nil {
		if IsMalformedPayload(err) {
			r.rejectMalformed(stream, codec, pid.Method, peer, err)
			return
		}
		r.writeErrorFrame(stream, codec, codeServerError, "internal error")
		r.metrics.recordRequest(pid.Method, DirInbound, "server_error")
		return
	}
	if len(chunks) > r.cfg.MaxChunks {
		chunks = chunks[:r.cfg.MaxChunks]
	}
	for _, chunk := range chunks {
		_ = stream.SetWriteDeadline(r.now().Add(r.cfg.ChunkTimeout))
		if _, err := stream.Write([]byte{codeSuccess}); err != nil {
			_ = stream.Reset()
			return
		}
		if err := codec.encode(stream, chunk); err != nil {
			_ = stream.Reset()
			return
		}
	}
	_ = stream.CloseWrite()
	r.peers.Touch(peer)
	r.metrics.recordRequest(pid.Method, DirInbound, "ok")
}

// CancelPeer invalidates every outstanding request context owned by the
// peer. Awaiting callers observe ErrPeerDisconnected; completion callbacks
// are not invoked. The peer's rate buckets and concurrency slots are
// released.
func (r *ReqResp) CancelPeer(peer PeerID) {
	r.mu.Lock()
	contexts := r.inflight[peer]
	delete(r.inflight, peer)
	for key := range r.active {
		if key.peer == peer {
			delete(r.active, key)
		}
	}
	r.mu.Unlock()

	for _, rc := range contexts {
		rc.cancel()
	}
	r.limiter.evict(peer)
}

// InflightCount returns the number of live request contexts for a peer.
func (r *ReqResp) InflightCount(peer PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight[peer])
}

func (r *ReqResp) admitted(peer PeerID) bool {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	return gate == nil || gate(peer)
}

func (r *ReqResp) register(rc *RequestContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peerContexts := r.inflight[rc.Peer]
	if peerContexts == nil {
		peerContexts = make(map[string]*RequestContext)
		r.inflight[rc.Peer] = peerContexts
	}
	if _, exists := peerContexts[rc.ID]; exists {
		return fmt.Errorf("p2p: request id %s already in flight", rc.ID)
	}
	peerContexts[rc.ID] = rc
	return nil
}

func (r *ReqResp) unregister(rc *RequestContext) {
	r.mu.Lock()
	if peerContexts := r.inflight[rc.Peer]; peerContexts != nil {
		delete(peerContexts, rc.ID)
		if len(peerContexts) == 0 {
			delete(r.inflight, rc.Peer)
		}
	}
	r.mu.Unlock()
}

// attachStream binds the stream to the context unless the context was
// cancelled while the stream was being opened.
func (r *ReqResp) attachStream(rc *RequestContext, stream Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc.isCancelled() {
		return false
	}
	rc.stream = stream
	return true
}

func (r *ReqResp) acquire(peer PeerID, method Method) bool {
	key := bucketKey{peer: peer, method: method}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[key] >= r.cfg.MaxConcurrentPerMethod {
		return false
	}
	r.active[key]++
	return true
}

func (r *ReqResp) release(peer PeerID, method Method) {
	key := bucketKey{peer: peer, method: method}
	r.mu.Lock()
	if r.active[key] > 0 {
		r.active[key]--
	}
	if r.active[key] == 0 {
		delete(r.active, key)
	}
	r.mu.Unlock()
}

func (r *ReqResp) completeOutbound(rc *RequestContext) {
	r.peers.OnValidResponse(rc.Peer)
	r.peers.Touch(rc.Peer)
	r.metrics.recordRequest(rc.Method, DirOutbound, "ok")
}

// failOutbound classifies a terminal outbound error, feeds the peer manager
// when the peer is responsible, and returns the typed failure delivered to
// the caller.
func (r *ReqResp) failOutbound(rc *RequestContext, err error) error {
	if rc.isCancelled() {
		return ErrPeerDisconnected
	}
	switch {
	case isTimeoutErr(err):
		// The peer went silent on a stream it owed progress on.
		status := r.peers.OnTimeout(rc.Peer)
		r.metrics.recordRequest(rc.Method, DirOutbound, "timeout")
		r.notifyIfBanned(rc.Peer, status)
		return fmt.Errorf("%w: %s after %s", ErrRequestTimeout, rc.Method, r.cfg.ChunkTimeout)
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrTruncatedFrame), errors.Is(err, ErrMalformedPayload):
		status := r.peers.OnMalformed(rc.Peer)
		r.metrics.recordRequest(rc.Method, DirOutbound, "malformed")
		r.notifyIfBanned(rc.Peer, status)
		return err
	default:
		r.metrics.recordRequest(rc.Method, DirOutbound, "stream_error")
		return fmt.Errorf("stream failure: %w", err)
	}
}

func (r *ReqResp) rejectMalformed(stream Stream, codec *frameCodec, method Method, peer PeerID, err error) {
	status := r.peers.OnMalformed(peer)
	r.writeErrorFrame(stream, codec, codeInvalidRequest, "invalid request")
	r.metrics.recordRequest(method, DirInbound, "malformed")
	r.logger.Warn("Rejected malformed request",
		logging.MaskField("peer_id", string(peer)),
		slog.String("method", string(method)),
		slog.Any("error", err))
	r.notifyIfBanned(peer, status)
}

func (r *ReqResp) notifyIfBanned(peer PeerID, status ReputationStatus) {
	if !status.Banned {
		return
	}
	r.mu.Lock()
	fn := r.onBanned
	r.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}

func (r *ReqResp) writeErrorFrame(stream Stream, codec *frameCodec, code byte, msg string) {
	_ = stream.SetWriteDeadline(r.now().Add(r.cfg.ChunkTimeout))
	if _, err := stream.Write([]byte{code}); err != nil {
		_ = stream.Reset()
		return
	}
	if err := codec.encode(stream, &ErrorResponse{Message: msg}); err != nil {
		_ = stream.Reset()
		return
	}
	_ = stream.CloseWrite()
}

func remoteError(code byte, msg string) error {
	switch code {
	case codeRateLimited:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case codeTooManyRequests:
		return fmt.Errorf("%w: %s", ErrTooManyRequests, msg)
	case codeInvalidRequest:
		return fmt.Errorf("p2p: remote rejected request: %s", msg)
	default:
		return fmt.Errorf("p2p: remote error: %s", msg)
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
