package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/stc-ai/stc-swarm/core/sched/common"
)

// ProtocolVersion travels in every envelope.
const ProtocolVersion = "1.0"

// CompressThreshold is the payload size above which link payloads are
// brotli-compressed before hitting the wire.
const CompressThreshold = 1 << 10

// Brotli quality levels. The link leans toward speed, archived result
// payloads toward ratio.
const (
	linkQuality    = 4
	storageQuality = 11
)

// Codec marshals envelope payloads, compressing large ones.
type Codec struct {
	threshold int
	quality   int
}

// NewCodec returns the link codec used for node-to-node envelopes.
func NewCodec() *Codec {
	return &Codec{threshold: CompressThreshold, quality: linkQuality}
}

// NewStorageCodec returns a max-ratio codec for payloads held at rest.
func NewStorageCodec() *Codec {
	return &Codec{threshold: CompressThreshold, quality: storageQuality}
}

// EncodePayload marshals v and returns the wire bytes plus the encoding
// applied. Payloads under the threshold, and payloads brotli cannot
// shrink, travel raw.
func (c *Codec) EncodePayload(v interface{}) ([]byte, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.Pack(raw)
}

// Pack applies the codec's threshold and fallback rules to raw bytes.
func (c *Codec) Pack(raw []byte) ([]byte, string, error) {
	if len(raw) < c.threshold {
		return raw, common.EncodingRaw, nil
	}

	compressed, err := c.Compress(raw)
	if err != nil {
		return nil, "", err
	}
	if len(compressed) >= len(raw) {
		return raw, common.EncodingRaw, nil
	}
	return compressed, common.EncodingBrotli, nil
}

// Unpack reverses Pack.
func (c *Codec) Unpack(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", common.EncodingRaw:
		return data, nil
	case common.EncodingBrotli:
		return c.Decompress(data)
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}

// DecodePayload reverses EncodePayload, returning plain JSON bytes.
func (c *Codec) DecodePayload(data []byte, encoding string) (json.RawMessage, error) {
	return c.Unpack(data, encoding)
}

// Compress runs one brotli pass at the codec's quality level.
func (c *Codec) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, c.quality)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("brotli write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("brotli read failed: %w", err)
	}
	return out, nil
}
