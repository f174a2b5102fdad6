package metadb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum record size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecodedSize is the hard cap during decompression to prevent
	// compression bombs. Metadata records are small.
	MaxDecodedSize = 4 * 1024 * 1024

	frameRaw  = 0x00
	frameZstd = 0x01
)

var (
	// ErrDecompressionBomb is returned when decoded size exceeds MaxDecodedSize.
	ErrDecompressionBomb = errors.New("decoded record exceeds maximum size")

	// ErrBadFrame is returned when a stored record has an unknown frame marker.
	ErrBadFrame = errors.New("unknown record frame marker")
)

// RecordCodec frames Arkiv record payloads for storage, compressing with
// zstd when beneficial. A 1-byte marker distinguishes raw from compressed
// frames. Encoder and decoder are goroutine-safe and reused.
type RecordCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewRecordCodec creates a codec with pooled zstd encoder/decoder.
func NewRecordCodec() (*RecordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &RecordCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *RecordCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode frames data for storage, compressing when it pays off.
func (c *RecordCodec) Encode(data []byte) ([]byte, error) {
	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil || len(data) < CompressionThreshold {
		return frame(frameRaw, data), nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return frame(frameRaw, data), nil
	}
	return frame(frameZstd, compressed), nil
}

// Decode unframes a stored record.
func (c *RecordCodec) Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, ErrBadFrame
	}

	marker, body := framed[0], framed[1:]
	switch marker {
	case frameRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case frameZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		decoded, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing record: %w", err)
		}
		if len(decoded) > MaxDecodedSize {
			return nil, ErrDecompressionBomb
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadFrame, marker)
	}
}

func frame(marker byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = marker
	copy(out[1:], body)
	return out
}
