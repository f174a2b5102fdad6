package replayvault

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of a BLAKE3 digest in bytes (256 bits).
const ChecksumSize = 32

// Checksum is a BLAKE3 256-bit digest of a stored payload, recorded at write
// time and recomputed by the integrity verifier to detect corruption.
type Checksum [ChecksumSize]byte

// String returns the hex-encoded representation of the checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// ShortString returns a shortened hex representation for display.
func (c Checksum) ShortString() string {
	return hex.EncodeToString(c[:8])
}

// IsZero returns true if the checksum is all zeros (uninitialized).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != ChecksumSize*2 {
		return fmt.Errorf("invalid checksum length: expected %d hex chars, got %d", ChecksumSize*2, len(text))
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// ParseChecksum parses a hex-encoded checksum string.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return Checksum{}, err
	}
	return c, nil
}

// ChecksumBytes computes the BLAKE3 digest of the given bytes.
func ChecksumBytes(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// ChecksumReader wraps a reader, computing a BLAKE3 digest and counting
// bytes as they are read.
type ChecksumReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewChecksumReader creates a ChecksumReader wrapping r.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, h: blake3.New()}
}

// Read implements io.Reader.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		_, _ = cr.h.Write(p[:n])
		cr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all bytes read so far.
func (cr *ChecksumReader) Sum() Checksum {
	var c Checksum
	cr.h.Sum(c[:0])
	return c
}

// BytesRead returns the number of bytes read so far.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}
