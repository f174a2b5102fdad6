package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	replayvault "github.com/replaylabs/replay-vault"
)

// Entry files are framed so the payload and its descriptive metadata live in
// a single file and land atomically with one rename:
//
//	magic (4 bytes) | header length (4 bytes, big endian) | JSON header | payload
//
// The header records everything needed to serve or validate the entry without
// consulting the index, which is what makes rebuild-after-index-loss possible.

var entryMagic = []byte("RVE1")

const maxHeaderSize = 1 << 20 // 1MiB

// EntryHeader is the metadata stored in the framed header of each entry file.
type EntryHeader struct {
	Key       replayvault.Key      `json:"key"`
	MimeType  string               `json:"mime_type"`
	SizeBytes int64                `json:"size_bytes"`
	CachedAt  time.Time            `json:"cached_at"`
	TTL       time.Duration        `json:"ttl"`
	Checksum  replayvault.Checksum `json:"checksum"`
}

// ExpiresAt returns the moment the entry becomes stale.
func (h EntryHeader) ExpiresAt() time.Time {
	return h.CachedAt.Add(h.TTL)
}

// Expired reports whether the entry is stale at the given time. An entry
// at exactly its expiry instant is still live, matching the sweep.
func (h EntryHeader) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt())
}

// WriteFramed writes a framed entry (magic, header, payload) to w.
func WriteFramed(w io.Writer, header EntryHeader, payload []byte) error {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling entry header: %w", err)
	}
	if len(headerJSON) > maxHeaderSize {
		return fmt.Errorf("entry header too large: %d bytes", len(headerJSON))
	}

	if _, err := w.Write(entryMagic); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

// FramedBytes returns the full framed encoding of an entry as a byte slice.
func FramedBytes(header EntryHeader, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(payload) + 512)
	if err := WriteFramed(&buf, header, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadHeader reads and decodes the framed header from r, leaving r positioned
// at the start of the payload.
func ReadHeader(r io.Reader) (EntryHeader, error) {
	var header EntryHeader

	magic := make([]byte, len(entryMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return header, fmt.Errorf("reading magic: %w", err)
	}
	if !bytes.Equal(magic, entryMagic) {
		return header, fmt.Errorf("bad entry magic %q", magic)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return header, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return header, fmt.Errorf("entry header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return header, fmt.Errorf("reading header: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, fmt.Errorf("decoding entry header: %w", err)
	}
	return header, nil
}

// ReadFramed reads a full framed entry (header and payload) from r.
func ReadFramed(r io.Reader) (EntryHeader, []byte, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return header, nil, err
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return header, nil, fmt.Errorf("reading payload: %w", err)
	}
	return header, payload, nil
}
