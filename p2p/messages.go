package p2p

// StatusPayload is exchanged during the mandatory handshake and advertises
// the sender's view of the chain. Two peers stay connected only when their
// fork digests match.
type StatusPayload struct {
	ForkDigest     string `json:"forkDigest"`
	FinalizedRoot  string `json:"finalizedRoot"`
	FinalizedEpoch uint64 `json:"finalizedEpoch"`
	HeadRoot       string `json:"headRoot"`
	HeadSlot       uint64 `json:"headSlot"`
}

// Goodbye reason codes.
const (
	GoodbyeClientShutdown uint64 = 1
	GoodbyeIrrelevantFork uint64 = 2
	GoodbyeBadScore       uint64 = 3
	GoodbyeTooManyPeers   uint64 = 4
)

// GoodbyePayload announces an imminent disconnect with a reason code.
type GoodbyePayload struct {
	Reason uint64 `json:"reason"`
}

// PingPayload carries the sender's metadata sequence number as a liveness
// probe; a pong echoes the receiver's own sequence number.
type PingPayload struct {
	SeqNumber uint64 `json:"seq"`
}

// MetaDataPayload advertises the sender's subscription metadata. The request
// carries no body; the sequence number increments whenever Attnets changes.
type MetaDataPayload struct {
	SeqNumber uint64 `json:"seq"`
	Attnets   string `json:"attnets"`
}

const (
	maxRequestBlocks = 1024
	maxRequestRoots  = 128
)

// BlocksByRangeRequest asks for count blocks starting at StartSlot, taking
// every Step-th slot.
type BlocksByRangeRequest struct {
	StartSlot uint64 `json:"startSlot"`
	Count     uint64 `json:"count"`
	Step      uint64 `json:"step"`
}

func (r *BlocksByRangeRequest) validate() error {
	if r.Count == 0 || r.Count > maxRequestBlocks {
		return ErrMalformedPayload
	}
	if r.Step == 0 {
		return ErrMalformedPayload
	}
	return nil
}

// BlocksByRootRequest asks for the blocks matching the given roots.
type BlocksByRootRequest struct {
	Roots []string `json:"roots"`
}

func (r *BlocksByRootRequest) validate() error {
	if len(r.Roots) == 0 || len(r.Roots) > maxRequestRoots {
		return ErrMalformedPayload
	}
	return nil
}

// SignedBeaconBlock is the block representation carried by range and root
// responses and by block gossip.
type SignedBeaconBlock struct {
	Slot          uint64 `json:"slot"`
	ProposerIndex uint64 `json:"proposerIndex"`
	ParentRoot    string `json:"parentRoot"`
	StateRoot     string `json:"stateRoot"`
	BodyRoot      string `json:"bodyRoot"`
	Signature     string `json:"signature"`
}

// Attestation is the vote representation carried on the attestation gossip
// topic. Propagation itself belongs to the gossip collaborator; this layer
// only encodes and gates it.
type Attestation struct {
	Slot            uint64 `json:"slot"`
	CommitteeIndex  uint64 `json:"committeeIndex"`
	BeaconBlockRoot string `json:"beaconBlockRoot"`
	SourceEpoch     uint64 `json:"sourceEpoch"`
	TargetEpoch     uint64 `json:"targetEpoch"`
	AggregationBits string `json:"aggregationBits"`
	Signature       string `json:"signature"`
}

// ErrorResponse is the body of an error-response chunk, giving the remote
// peer diagnosable feedback instead of an ambiguous stream abort.
type ErrorResponse struct {
	Message string `json:"message"`
}
