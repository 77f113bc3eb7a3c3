package p2p

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// frameCodec reads and writes length-prefixed message frames for one
// encoding. A frame is an unsigned varint payload length followed by exactly
// that many encoded payload bytes. Encoding is deterministic: encoding then
// decoding any valid message yields an equal value.
type frameCodec struct {
	encoding Encoding
}

func newFrameCodec(encoding Encoding) (*frameCodec, error) {
	switch encoding {
	case EncodingJSON, EncodingSnappyJSON:
		return &frameCodec{encoding: encoding}, nil
	default:
		return nil, fmt.Errorf("p2p: unsupported encoding %q", encoding)
	}
}

// encode writes one frame for msg. A nil msg produces a zero-length frame,
// used by methods whose request carries no body.
func (c *frameCodec) encode(w io.Writer, msg any) error {
	var body []byte
	if msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		body = raw
		if c.encoding == EncodingSnappyJSON {
			body = snappy.Encode(nil, raw)
		}
	}
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(body)))
	if _, err := w.Write(prefix[:n]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// decode reads one frame into out. The declared length is validated against
// maxBytes before any payload buffer is allocated. A nil out expects a
// zero-length frame. io.EOF is returned untouched when the stream ends
// cleanly before the first length byte, so callers can detect half-close.
func (c *frameCodec) decode(r *bufio.Reader, maxBytes uint64, out any) error {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("%w: length prefix: %v", ErrTruncatedFrame, err)
	}
	if length > maxBytes {
		return fmt.Errorf("%w: declared %d bytes, maximum %d", ErrFrameTooLarge, length, maxBytes)
	}
	if out == nil {
		if length != 0 {
			return fmt.Errorf("%w: unexpected %d byte body", ErrMalformedPayload, length)
		}
		return nil
	}
	if length == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformedPayload)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	if c.encoding == EncodingSnappyJSON {
		// The cap bounds the decompressed size too; compression must not
		// widen the allocation limit.
		decoded, err := snappy.DecodedLen(body)
		if err != nil {
			return fmt.Errorf("%w: snappy: %v", ErrMalformedPayload, err)
		}
		if uint64(decoded) > maxBytes {
			return fmt.Errorf("%w: decompresses to %d bytes, maximum %d", ErrFrameTooLarge, decoded, maxBytes)
		}
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("%w: snappy: %v", ErrMalformedPayload, err)
		}
		body = raw
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
