package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 30 * time.Minute

	peerstoreKeyPrefix = "peer:"
)

// PeerstoreEntry is the dial metadata persisted per peer: where we reached
// it, how often dialing failed, and when it was last seen. Reputation is
// deliberately not persisted; scores and bans start fresh on restart.
type PeerstoreEntry struct {
	Addr     string    `json:"addr"`
	PeerID   PeerID    `json:"peerId"`
	Fails    int       `json:"fails"`
	LastSeen time.Time `json:"lastSeen"`
}

// Peerstore is a concurrency-safe persistent registry of dial metadata
// backed by LevelDB. It drives the exponential dial backoff across process
// restarts.
type Peerstore struct {
	mu sync.RWMutex

	db *leveldb.DB

	byAddr map[string]*PeerstoreEntry
	byPeer map[PeerID]*PeerstoreEntry

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewPeerstore opens (or creates) a peerstore at the given path.
func NewPeerstore(path string, baseBackoff, maxBackoff time.Duration) (*Peerstore, error) {
	if path == "" {
		return nil, errors.New("peerstore path required")
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}

	store := &Peerstore{
		db:          db,
		byAddr:      make(map[string]*PeerstoreEntry),
		byPeer:      make(map[PeerID]*PeerstoreEntry),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	ps.byAddr = nil
	ps.byPeer = nil
	return err
}

// Put inserts or updates a record keyed by peer id, deduplicating addresses.
func (ps *Peerstore) Put(rec PeerstoreEntry) error {
	if rec.PeerID == "" {
		return errors.New("peer id required")
	}
	rec.Addr = strings.TrimSpace(rec.Addr)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.putLocked(&rec)
}

// Get returns a record by address.
func (ps *Peerstore) Get(addr string) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byAddr[strings.TrimSpace(addr)]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// ByPeerID returns a record by peer identifier.
func (ps *Peerstore) ByPeerID(id PeerID) (PeerstoreEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byPeer[id]
	if rec == nil {
		return PeerstoreEntry{}, false
	}
	return *rec, true
}

// RecordSuccess resets the failure counter after a successful connection.
func (ps *Peerstore) RecordSuccess(id PeerID, now time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byPeer[id]
	if rec == nil {
		return fmt.Errorf("record success: %w", leveldb.ErrNotFound)
	}
	rec.Fails = 0
	rec.LastSeen = now
	return ps.persistLocked(rec)
}

// RecordFail increments the failure counter that feeds dial backoff.
func (ps *Peerstore) RecordFail(id PeerID, now time.Time) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byPeer[id]
	if rec == nil {
		return fmt.Errorf("record fail: %w", leveldb.ErrNotFound)
	}
	rec.Fails++
	rec.LastSeen = now
	return ps.persistLocked(rec)
}

// NextDialAt returns when the address should next be dialled, applying
// exponential backoff to the recorded failure count.
func (ps *Peerstore) NextDialAt(addr string, now time.Time) time.Time {
	ps.mu.RLock()
	rec := ps.byAddr[strings.TrimSpace(addr)]
	if rec == nil {
		ps.mu.RUnlock()
		return now
	}
	snapshot := *rec
	ps.mu.RUnlock()

	if snapshot.Fails <= 0 {
		return now
	}
	factor := time.Duration(1)
	if snapshot.Fails > 1 {
		factor = 1 << uint(snapshot.Fails-1)
	}
	backoff := ps.baseBackoff * factor
	if backoff > ps.maxBackoff || backoff <= 0 {
		backoff = ps.maxBackoff
	}
	next := snapshot.LastSeen.Add(backoff)
	if next.Before(now) {
		return now
	}
	return next
}

// Snapshot returns a copy of every entry.
func (ps *Peerstore) Snapshot() []PeerstoreEntry {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PeerstoreEntry, 0, len(ps.byPeer))
	for _, rec := range ps.byPeer {
		out = append(out, *rec)
	}
	return out
}

func (ps *Peerstore) putLocked(rec *PeerstoreEntry) error {
	existing := ps.byPeer[rec.PeerID]
	if existing != nil {
		if rec.Addr == "" {
			rec.Addr = existing.Addr
		}
		if rec.Fails == 0 {
			rec.Fails = existing.Fails
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = existing.LastSeen
		}
		if existing.Addr != "" && existing.Addr != rec.Addr {
			delete(ps.byAddr, existing.Addr)
		}
	} else if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	clone := *rec
	ps.byPeer[rec.PeerID] = &clone
	if clone.Addr != "" {
		ps.byAddr[clone.Addr] = &clone
	}
	return ps.persistLocked(&clone)
}

func (ps *Peerstore) persistLocked(rec *PeerstoreEntry) error {
	if ps.db == nil {
		return errors.New("peerstore closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte(peerstoreKeyPrefix + string(rec.PeerID))
	return ps.db.Put(key, blob, nil)
}

func (ps *Peerstore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	iter := ps.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, peerstoreKeyPrefix) {
			continue
		}
		var rec PeerstoreEntry
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peerstore entry %s: %w", key, err)
		}
		clone := rec
		ps.byPeer[rec.PeerID] = &clone
		if rec.Addr != "" {
			ps.byAddr[rec.Addr] = &clone
		}
	}
	return iter.Error()
}
