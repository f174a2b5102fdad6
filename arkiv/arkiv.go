// Package arkiv keeps the local mirror of video metadata whose
// authoritative copy lives in a remote append-style ledger that can forget
// entries. Local records are never deleted on the ledger's behalf; a
// record the remote stops reporting is flipped to expired and retained.
package arkiv

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the remote-derived state of a record.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCacheOnly Status = "cache-only"
	StatusUnknown   Status = "unknown"
)

// ContentStatus is the local byte-cache state of a record, maintained by
// the loading orchestrator independently of remote sync.
type ContentStatus string

const (
	ContentNotCached ContentStatus = "not-cached"
	ContentCached    ContentStatus = "cached"
	ContentStale     ContentStatus = "stale"
)

// RemoteRecord is one entry of a remote snapshot.
type RemoteRecord struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	Owner   string `json:"owner"`
}

// Record is the locally retained metadata for one video.
type Record struct {
	VideoID            string        `json:"video_id"`
	Title              string        `json:"title"`
	Owner              string        `json:"owner"`
	ArkivStatus        Status        `json:"arkiv_status"`
	ContentCacheStatus ContentStatus `json:"content_cache_status"`
	CachedAt           time.Time     `json:"cached_at,omitzero"`
	LastAccessedAt     time.Time     `json:"last_accessed_at,omitzero"`
	LastSyncedAt       time.Time     `json:"last_synced_at,omitzero"`
}

// SyncResult is the outcome of one reconciliation pass.
type SyncResult struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Expired   int `json:"expired"`
}

func marshalRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record %s: %w", rec.VideoID, err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}
