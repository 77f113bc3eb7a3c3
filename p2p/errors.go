package p2p

import "errors"

var (
	// Codec layer.
	ErrFrameTooLarge    = errors.New("p2p: frame exceeds protocol maximum")
	ErrTruncatedFrame   = errors.New("p2p: truncated frame")
	ErrMalformedPayload = errors.New("p2p: malformed payload")

	// Handler layer.
	ErrRequestTimeout   = errors.New("p2p: request timed out")
	ErrTooManyRequests  = errors.New("p2p: too many concurrent requests")
	ErrPeerDisconnected = errors.New("p2p: peer disconnected")

	// Limiter and peer-manager layer.
	ErrRateLimited     = errors.New("p2p: rate limited")
	ErrAdmissionDenied = errors.New("p2p: admission denied")
	ErrHandshakeFailed = errors.New("p2p: handshake failed")
)

// IsMalformedPayload reports whether the error originated from a payload the
// codec or a request handler rejected.
func IsMalformedPayload(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}
