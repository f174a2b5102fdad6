package metadb

import (
	"time"

	replayvault "github.com/replaylabs/replay-vault"
)

// Entry is the index row for a cached payload. It mirrors the sidecar
// metadata framed into the entry file so that stats and eviction queries
// never have to open payloads.
type Entry struct {
	Key       replayvault.Key      `json:"key"`
	MimeType  string               `json:"mime_type"`
	SizeBytes int64                `json:"size_bytes"`
	CachedAt  time.Time            `json:"cached_at"`
	TTL       time.Duration        `json:"ttl"`
	Checksum  replayvault.Checksum `json:"checksum"`
}

// ExpiresAt returns the moment the entry becomes stale, using fallbackTTL
// when the entry carries no TTL of its own.
func (e Entry) ExpiresAt(fallbackTTL time.Duration) time.Time {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	return e.CachedAt.Add(ttl)
}

// Candidate is an eviction candidate with enough context to order it.
type Candidate struct {
	Key        replayvault.Key
	SizeBytes  int64
	CachedAt   time.Time
	LastAccess time.Time // zero if the entry was never read
}

// EffectiveAccess returns the last access time, falling back to the write
// time for entries never touched.
func (c Candidate) EffectiveAccess() time.Time {
	if c.LastAccess.IsZero() {
		return c.CachedAt
	}
	return c.LastAccess
}

// StoredRecord is an Arkiv metadata record as held in the record bucket,
// already decoded from its storage frame.
type StoredRecord struct {
	ID   string
	Data []byte
}
