package p2p

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

var errStreamReset = errors.New("stream reset")

// memBuf is one direction of an in-memory stream pair. Reads honour the
// deadline and abort semantics the RPC layer depends on.
type memBuf struct {
	mu       sync.Mutex
	cond     *sync.Cond
	data     []byte
	eof      bool
	aborted  bool
	deadline time.Time
	timer    *time.Timer
}

func newMemBuf() *memBuf {
	b := &memBuf{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBuf) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.aborted {
			return 0, errStreamReset
		}
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			return n, nil
		}
		if b.eof {
			return 0, io.EOF
		}
		if !b.deadline.IsZero() && !time.Now().Before(b.deadline) {
			return 0, os.ErrDeadlineExceeded
		}
		b.cond.Wait()
	}
}

func (b *memBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted {
		return 0, errStreamReset
	}
	if b.eof {
		return 0, errors.New("write on closed stream")
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *memBuf) closeWrite() {
	b.mu.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *memBuf) abort() {
	b.mu.Lock()
	b.aborted = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *memBuf) setDeadline(t time.Time) {
	b.mu.Lock()
	b.deadline = t
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if !t.IsZero() {
		wait := time.Until(t)
		if wait < 0 {
			wait = 0
		}
		b.timer = time.AfterFunc(wait, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

type memStream struct {
	pid    ProtocolID
	remote PeerID
	in     *memBuf
	out    *memBuf
}

func (s *memStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.out.Write(p) }

func (s *memStream) Close() error {
	s.out.closeWrite()
	return nil
}

func (s *memStream) CloseWrite() error {
	s.out.closeWrite()
	return nil
}

func (s *memStream) Reset() error {
	s.in.abort()
	s.out.abort()
	return nil
}

func (s *memStream) SetReadDeadline(t time.Time) error {
	s.in.setDeadline(t)
	return nil
}

func (s *memStream) SetWriteDeadline(time.Time) error { return nil }
func (s *memStream) Protocol() ProtocolID             { return s.pid }
func (s *memStream) RemotePeer() PeerID               { return s.remote }

// newMemStreamPair returns the two ends of a connected stream: whatever one
// side writes, the other reads.
func newMemStreamPair(pid ProtocolID, a, b PeerID) (*memStream, *memStream) {
	ab := newMemBuf()
	ba := newMemBuf()
	sideA := &memStream{pid: pid, remote: b, in: ba, out: ab}
	sideB := &memStream{pid: pid, remote: a, in: ab, out: ba}
	return sideA, sideB
}

// stubTransport satisfies Transport for RPC tests where only stream opening
// matters.
type stubTransport struct {
	local PeerID
	open  func(ctx context.Context, peer PeerID, pid ProtocolID) (Stream, error)
}

func (t *stubTransport) LocalID() PeerID { return t.local }

func (t *stubTransport) Dial(context.Context, string) (PeerID, error) {
	return "", errors.New("dial not supported")
}

func (t *stubTransport) OpenStream(ctx context.Context, peer PeerID, pid ProtocolID) (Stream, error) {
	if t.open == nil {
		return nil, errors.New("no stream factory")
	}
	return t.open(ctx, peer, pid)
}

func (t *stubTransport) Events() <-chan TransportEvent { return nil }
func (t *stubTransport) Disconnect(PeerID) error       { return nil }
func (t *stubTransport) Close() error                  { return nil }
