package metadb

import (
	"context"
	"errors"
	"time"

	replayvault "github.com/replaylabs/replay-vault"
)

// ErrNotFound is returned when an entry or record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// DB provides the durable index for the vault: cache entry rows, the
// last-access side table used for LRU eviction, and the Arkiv metadata
// record store.
type DB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Entry index
	GetEntry(ctx context.Context, key replayvault.Key) (*Entry, error)
	PutEntry(ctx context.Context, entry *Entry) error
	DeleteEntry(ctx context.Context, key replayvault.Key) error
	ListEntries(ctx context.Context) ([]Entry, error)
	TotalSize(ctx context.Context) (int64, error)
	CountEntries(ctx context.Context) (int, error)

	// Last-access tracking. The side table is separate from the entry rows
	// so a read never rewrites the entry itself.
	TouchAccess(ctx context.Context, key replayvault.Key) error
	LastAccess(ctx context.Context, key replayvault.Key) (time.Time, error)
	RemoveAccess(ctx context.Context, key replayvault.Key) error
	ClearAccess(ctx context.Context) error
	OldestFirst(ctx context.Context, limit int) ([]Candidate, error)

	// Arkiv metadata records, stored as opaque payloads keyed by video ID.
	GetRecord(ctx context.Context, id string) ([]byte, error)
	PutRecord(ctx context.Context, id string, data []byte) error
	UpdateRecord(ctx context.Context, id string, fn func(data []byte) ([]byte, error)) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context) ([]StoredRecord, error)
}

// New creates a new DB backed by bbolt.
func New() DB {
	return NewBolt()
}
