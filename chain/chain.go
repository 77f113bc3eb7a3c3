// Package chain holds the node's view of the beacon chain: the canonical
// block index served over the wire and the status and metadata advertised to
// peers.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gcrypto "github.com/ethereum/go-ethereum/crypto"

	"heliochain/p2p"
)

// BlockRoot computes the canonical root of a block: the keccak-256 hash of
// its canonical JSON encoding, hex-encoded with a 0x prefix.
func BlockRoot(block *p2p.SignedBeaconBlock) (string, error) {
	raw, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("encode block: %w", err)
	}
	return gcrypto.Keccak256Hash(raw).Hex(), nil
}

// Chain is an in-memory chain index. It implements the provider contract the
// networking layer serves blocks and handshake state from.
type Chain struct {
	forkDigest string

	mu       sync.RWMutex
	blocks   map[string]*p2p.SignedBeaconBlock
	bySlot   map[uint64]string
	headSlot uint64
	headRoot string
	finEpoch uint64
	finRoot  string
	seq      uint64
	attnets  string
}

// New builds an empty chain for the given fork digest.
func New(forkDigest string) *Chain {
	return &Chain{
		forkDigest: forkDigest,
		blocks:     make(map[string]*p2p.SignedBeaconBlock),
		bySlot:     make(map[uint64]string),
	}
}

// Status returns the handshake payload advertising the current head and
// finalized checkpoint.
func (c *Chain) Status() p2p.StatusPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return p2p.StatusPayload{
		ForkDigest:     c.forkDigest,
		FinalizedRoot:  c.finRoot,
		FinalizedEpoch: c.finEpoch,
		HeadRoot:       c.headRoot,
		HeadSlot:       c.headSlot,
	}
}

// MetaData returns the subscription metadata with its sequence number.
func (c *Chain) MetaData() p2p.MetaDataPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return p2p.MetaDataPayload{SeqNumber: c.seq, Attnets: c.attnets}
}

// SetAttnets updates the advertised subnets and bumps the metadata sequence
// number.
func (c *Chain) SetAttnets(attnets string) {
	c.mu.Lock()
	if c.attnets != attnets {
		c.attnets = attnets
		c.seq++
	}
	c.mu.Unlock()
}

// AddBlock indexes a block and advances the head when the block is newer.
// It returns the block root.
func (c *Chain) AddBlock(block *p2p.SignedBeaconBlock) (string, error) {
	root, err := BlockRoot(block)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.blocks[root]; dup {
		return root, nil
	}
	c.blocks[root] = block
	c.bySlot[block.Slot] = root
	if block.Slot >= c.headSlot {
		c.headSlot = block.Slot
		c.headRoot = root
	}
	return root, nil
}

// SetFinalized records the finalized checkpoint advertised in the status.
func (c *Chain) SetFinalized(epoch uint64, root string) {
	c.mu.Lock()
	c.finEpoch = epoch
	c.finRoot = root
	c.mu.Unlock()
}

// HasBlock reports whether the root is indexed.
func (c *Chain) HasBlock(root string) bool {
	c.mu.RLock()
	_, ok := c.blocks[root]
	c.mu.RUnlock()
	return ok
}

// BlocksByRange returns the known blocks in [StartSlot, StartSlot+Count*Step)
// at Step intervals, in ascending slot order. Missing slots are skipped.
func (c *Chain) BlocksByRange(ctx context.Context, req *p2p.BlocksByRangeRequest) ([]*p2p.SignedBeaconBlock, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*p2p.SignedBeaconBlock, 0, req.Count)
	slot := req.StartSlot
	for i := uint64(0); i < req.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if root, ok := c.bySlot[slot]; ok {
			out = append(out, c.blocks[root])
		}
		slot += req.Step
	}
	return out, nil
}

// BlocksByRoot returns the known blocks matching the requested roots.
// Unknown roots are skipped.
func (c *Chain) BlocksByRoot(ctx context.Context, req *p2p.BlocksByRootRequest) ([]*p2p.SignedBeaconBlock, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*p2p.SignedBeaconBlock, 0, len(req.Roots))
	for _, root := range req.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if block, ok := c.blocks[root]; ok {
			out = append(out, block)
		}
	}
	return out, nil
}
