package p2p

import (
	"fmt"
	"strconv"
	"strings"
)

// Method enumerates the request/response protocols spoken on the wire.
type Method string

const (
	MethodStatus        Method = "status"
	MethodGoodbye       Method = "goodbye"
	MethodPing          Method = "ping"
	MethodMetaData      Method = "metadata"
	MethodBlocksByRange Method = "blocks_by_range"
	MethodBlocksByRoot  Method = "blocks_by_root"
)

// Encoding selects the payload codec named in the protocol identifier.
type Encoding string

const (
	EncodingJSON       Encoding = "json"
	EncodingSnappyJSON Encoding = "json_snappy"
)

const protocolPrefix = "/helio/req"

// Per-protocol frame caps. Declared lengths above these are rejected before
// any payload buffer is allocated.
const (
	maxControlFrameBytes = 4 << 10
	maxRequestFrameBytes = 8 << 10
	maxBlockFrameBytes   = 1 << 20
)

// ProtocolID identifies one wire protocol: a method, its version, and the
// payload encoding. The rendered form is
// /helio/req/<method>/<version>/<encoding>.
type ProtocolID struct {
	Method   Method
	Version  uint64
	Encoding Encoding
}

func (p ProtocolID) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", protocolPrefix, p.Method, p.Version, p.Encoding)
}

// ParseProtocolID decodes a rendered protocol identifier string.
func ParseProtocolID(raw string) (ProtocolID, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 6 || parts[0] != "" || "/"+parts[1]+"/"+parts[2] != protocolPrefix {
		return ProtocolID{}, fmt.Errorf("p2p: invalid protocol id %q", raw)
	}
	method := Method(parts[3])
	if _, ok := protocolSpecs[method]; !ok {
		return ProtocolID{}, fmt.Errorf("p2p: unknown method %q", parts[3])
	}
	version, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil || version == 0 {
		return ProtocolID{}, fmt.Errorf("p2p: invalid protocol version %q", parts[4])
	}
	encoding := Encoding(parts[5])
	switch encoding {
	case EncodingJSON, EncodingSnappyJSON:
	default:
		return ProtocolID{}, fmt.Errorf("p2p: unsupported encoding %q", parts[5])
	}
	return ProtocolID{Method: method, Version: version, Encoding: encoding}, nil
}

// protocolSpec captures the static contract of one method: frame caps, the
// response cardinality, and prototype constructors the codec decodes into.
type protocolSpec struct {
	maxRequestBytes  uint64
	maxResponseBytes uint64
	streamed         bool
	emptyRequest     bool
	newRequest       func() any
	newResponse      func() any
}

var protocolSpecs = map[Method]protocolSpec{
	MethodStatus: {
		maxRequestBytes:  maxControlFrameBytes,
		maxResponseBytes: maxControlFrameBytes,
		newRequest:       func() any { return new(StatusPayload) },
		newResponse:      func() any { return new(StatusPayload) },
	},
	MethodGoodbye: {
		maxRequestBytes:  maxControlFrameBytes,
		maxResponseBytes: maxControlFrameBytes,
		newRequest:       func() any { return new(GoodbyePayload) },
		newResponse:      func() any { return new(GoodbyePayload) },
	},
	MethodPing: {
		maxRequestBytes:  maxControlFrameBytes,
		maxResponseBytes: maxControlFrameBytes,
		newRequest:       func() any { return new(PingPayload) },
		newResponse:      func() any { return new(PingPayload) },
	},
	MethodMetaData: {
		maxRequestBytes:  maxControlFrameBytes,
		maxResponseBytes: maxControlFrameBytes,
		emptyRequest:     true,
		newResponse:      func() any { return new(MetaDataPayload) },
	},
	MethodBlocksByRange: {
		maxRequestBytes:  maxRequestFrameBytes,
		maxResponseBytes: maxBlockFrameBytes,
		streamed:         true,
		newRequest:       func() any { return new(BlocksByRangeRequest) },
		newResponse:      func() any { return new(SignedBeaconBlock) },
	},
	MethodBlocksByRoot: {
		maxRequestBytes:  maxRequestFrameBytes,
		maxResponseBytes: maxBlockFrameBytes,
		streamed:         true,
		newRequest:       func() any { return new(BlocksByRootRequest) },
		newResponse:      func() any { return new(SignedBeaconBlock) },
	},
}

func specFor(method Method) (protocolSpec, bool) {
	spec, ok := protocolSpecs[method]
	return spec, ok
}

// SupportedProtocols returns every protocol identifier this node answers,
// in a stable order. The transport registers a stream handler per entry.
func SupportedProtocols() []ProtocolID {
	methods := []Method{
		MethodStatus, MethodGoodbye, MethodPing,
		MethodMetaData, MethodBlocksByRange, MethodBlocksByRoot,
	}
	encodings := []Encoding{EncodingJSON, EncodingSnappyJSON}
	ids := make([]ProtocolID, 0, len(methods)*len(encodings))
	for _, m := range methods {
		for _, e := range encodings {
			ids = append(ids, ProtocolID{Method: m, Version: 1, Encoding: e})
		}
	}
	return ids
}
