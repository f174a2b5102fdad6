// Package store implements the durable byte store for decrypted media:
// framed payload files on a storage backend, with a bbolt index carrying
// the sidecar metadata for stats and eviction queries.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	replayvault "github.com/replaylabs/replay-vault"
	"github.com/replaylabs/replay-vault/backend"
	"github.com/replaylabs/replay-vault/errlog"
	"github.com/replaylabs/replay-vault/store/metadb"
	"github.com/replaylabs/replay-vault/telemetry"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("store: entry not found")

	// ErrQuotaExceeded is returned when a write cannot fit within the
	// configured quota even after eviction.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
)

// Config holds byte store settings.
type Config struct {
	// QuotaBytes caps total payload bytes. Zero disables the quota.
	QuotaBytes int64

	// EvictOnQuota lets a failing put ask the eviction engine for space
	// and retry once.
	EvictOnQuota bool

	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
}

// DefaultConfig returns the standard byte store configuration.
func DefaultConfig() Config {
	return Config{
		QuotaBytes:   2 << 30, // 2GiB
		EvictOnQuota: true,
		DefaultTTL:   7 * 24 * time.Hour,
		MinTTL:       time.Hour,
		MaxTTL:       30 * 24 * time.Hour,
	}
}

// PutOptions carries per-entry write options.
type PutOptions struct {
	// TTL overrides the default entry lifetime. Zero means default.
	TTL time.Duration
}

// Evictor frees space on behalf of a quota-constrained write.
// Implemented by the eviction engine and wired in after construction.
type Evictor interface {
	// FreeSpace evicts oldest-first until at least need bytes are freed or
	// candidates run out. Returns the number of entries evicted.
	FreeSpace(ctx context.Context, need int64) (int, error)
}

// StorageEstimate reports quota usage.
type StorageEstimate struct {
	Used    int64   `json:"used"`
	Quota   int64   `json:"quota"`
	Percent float64 `json:"percent"`
}

// ByteStore is the durable request-keyed store for decrypted media.
type ByteStore struct {
	backend backend.Backend
	db      metadb.DB
	errors  *errlog.Log
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	evictor Evictor
}

// Option configures a ByteStore.
type Option func(*ByteStore)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *ByteStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *ByteStore) {
		s.now = now
	}
}

// New creates a byte store over the given backend and index.
func New(b backend.Backend, db metadb.DB, errors *errlog.Log, cfg Config, opts ...Option) *ByteStore {
	s := &ByteStore{
		backend: b,
		db:      db,
		errors:  errors,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEvictor wires in the eviction engine. Called once during assembly;
// the store and the engine reference each other, so this cannot happen in
// the constructor.
func (s *ByteStore) SetEvictor(e Evictor) {
	s.evictor = e
}

// ClampTTL brings a caller-supplied TTL into the configured range. Zero
// maps to the default TTL.
func (s *ByteStore) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < s.cfg.MinTTL {
		ttl = s.cfg.MinTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

// Put durably stores a payload and its sidecar metadata. Either both land
// or neither does: the framed file is renamed into place atomically and
// the index row follows.
//
// On a quota hit the failure is logged; when eviction-on-quota is enabled
// the store frees space oldest-first sized to the payload and retries
// exactly once before surfacing ErrQuotaExceeded.
func (s *ByteStore) Put(ctx context.Context, key replayvault.Key, payload []byte, mimeType string, opts PutOptions) error {
	ttl := s.ClampTTL(opts.TTL)

	if err := s.checkQuota(ctx, key, int64(len(payload))); err != nil {
		s.errors.Record(ctx, errlog.CodeQuotaExceeded,
			fmt.Sprintf("put of %d bytes exceeds quota", len(payload)),
			key.String(), nil)

		if !s.cfg.EvictOnQuota || s.evictor == nil {
			return err
		}

		evicted, evictErr := s.evictor.FreeSpace(ctx, int64(len(payload)))
		if evictErr != nil {
			s.logger.Warn("quota eviction failed", "key", key, "error", evictErr)
			return err
		}
		s.logger.Info("evicted entries to relieve quota", "key", key, "evicted", evicted)

		if err := s.checkQuota(ctx, key, int64(len(payload))); err != nil {
			return err
		}
	}

	entry := metadb.Entry{
		Key:       key,
		MimeType:  mimeType,
		SizeBytes: int64(len(payload)),
		CachedAt:  s.now(),
		TTL:       ttl,
		Checksum:  replayvault.ChecksumBytes(payload),
	}

	header := backend.EntryHeader{
		Key:       entry.Key,
		MimeType:  entry.MimeType,
		SizeBytes: entry.SizeBytes,
		CachedAt:  entry.CachedAt,
		TTL:       entry.TTL,
		Checksum:  entry.Checksum,
	}

	framed, err := backend.FramedBytes(header, payload)
	if err != nil {
		s.errors.Record(ctx, errlog.CodeWriteFailed, err.Error(), key.String(), nil)
		return fmt.Errorf("framing entry: %w", err)
	}

	if err := s.backend.Write(ctx, key.StorageKey(), bytes.NewReader(framed)); err != nil {
		s.errors.Record(ctx, errlog.CodeWriteFailed, err.Error(), key.String(), nil)
		return fmt.Errorf("writing entry: %w", err)
	}

	if err := s.db.PutEntry(ctx, &entry); err != nil {
		s.errors.Record(ctx, errlog.CodeWriteFailed, err.Error(), key.String(), nil)
		return fmt.Errorf("indexing entry: %w", err)
	}

	telemetry.RecordEntryWrite(ctx, entry.SizeBytes)
	s.logger.Debug("stored entry", "key", key, "size", entry.SizeBytes, "ttl", ttl)
	return nil
}

func (s *ByteStore) checkQuota(ctx context.Context, key replayvault.Key, incoming int64) error {
	if s.cfg.QuotaBytes <= 0 {
		return nil
	}

	used, err := s.db.TotalSize(ctx)
	if err != nil {
		return fmt.Errorf("measuring usage: %w", err)
	}

	// an overwrite releases the old payload's bytes
	if existing, err := s.db.GetEntry(ctx, key); err == nil {
		used -= existing.SizeBytes
	}

	if used+incoming > s.cfg.QuotaBytes {
		return ErrQuotaExceeded
	}
	return nil
}

// Get returns the payload and sidecar metadata for a key, or ErrNotFound.
// Malformed on-disk state is logged as read-failed and surfaces as a miss;
// corruption never crosses this boundary as anything but a miss.
//
// The framed file is authoritative: a frame whose index row is missing
// (crash between rename and index write) heals the row on read.
func (s *ByteStore) Get(ctx context.Context, key replayvault.Key) ([]byte, *metadb.Entry, error) {
	rc, err := s.backend.Read(ctx, key.StorageKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			s.healMissingPayload(ctx, key)
			telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
			return nil, nil, ErrNotFound
		}
		s.errors.Record(ctx, errlog.CodeReadFailed, err.Error(), key.String(), nil)
		return nil, nil, fmt.Errorf("reading entry: %w", err)
	}
	defer rc.Close()

	header, payload, err := backend.ReadFramed(rc)
	if err != nil {
		s.errors.Record(ctx, errlog.CodeReadFailed, err.Error(), key.String(), nil)
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, nil, ErrNotFound
	}

	entry := metadb.Entry{
		Key:       header.Key,
		MimeType:  header.MimeType,
		SizeBytes: header.SizeBytes,
		CachedAt:  header.CachedAt,
		TTL:       header.TTL,
		Checksum:  header.Checksum,
	}

	if _, err := s.db.GetEntry(ctx, key); errors.Is(err, metadb.ErrNotFound) {
		if healErr := s.db.PutEntry(ctx, &entry); healErr != nil {
			s.logger.Warn("failed to heal index row", "key", key, "error", healErr)
		} else {
			s.logger.Info("healed missing index row", "key", key)
		}
	}

	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	return payload, &entry, nil
}

// healMissingPayload drops an index row whose payload file is gone.
func (s *ByteStore) healMissingPayload(ctx context.Context, key replayvault.Key) {
	if _, err := s.db.GetEntry(ctx, key); err != nil {
		return
	}
	if err := s.db.DeleteEntry(ctx, key); err != nil {
		s.logger.Warn("failed to drop orphaned index row", "key", key, "error", err)
		return
	}
	s.logger.Info("dropped index row without payload", "key", key)
}

// Has reports whether an entry exists. It consults the index only and
// never opens the payload.
func (s *ByteStore) Has(ctx context.Context, key replayvault.Key) (bool, error) {
	_, err := s.db.GetEntry(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, metadb.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking entry: %w", err)
}

// Delete removes an entry. Returns false when nothing existed; deleting an
// absent key is not an error.
func (s *ByteStore) Delete(ctx context.Context, key replayvault.Key) (bool, error) {
	existed := false

	if _, err := s.db.GetEntry(ctx, key); err == nil {
		existed = true
	}
	exists, err := s.backend.Exists(ctx, key.StorageKey())
	if err != nil {
		return false, fmt.Errorf("checking payload: %w", err)
	}
	existed = existed || exists

	if err := s.backend.Delete(ctx, key.StorageKey()); err != nil {
		return false, fmt.Errorf("deleting payload: %w", err)
	}
	if err := s.db.DeleteEntry(ctx, key); err != nil {
		return false, fmt.Errorf("deleting index row: %w", err)
	}

	return existed, nil
}

// List returns the sidecar metadata for all entries. Keys that do not
// belong to this store's namespace scheme never enter the index, so a
// listing cannot fail on a foreign key.
func (s *ByteStore) List(ctx context.Context) ([]metadb.Entry, error) {
	return s.db.ListEntries(ctx)
}

// Clear removes every entry. A clear on an empty store is a no-op.
func (s *ByteStore) Clear(ctx context.Context) error {
	entries, err := s.db.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	for _, entry := range entries {
		if _, err := s.Delete(ctx, entry.Key); err != nil {
			return fmt.Errorf("clearing %s: %w", entry.Key, err)
		}
	}
	return s.db.ClearAccess(ctx)
}

// TotalSize returns total stored payload bytes.
func (s *ByteStore) TotalSize(ctx context.Context) (int64, error) {
	return s.db.TotalSize(ctx)
}

// Estimate reports quota usage from the index and the configured quota.
func (s *ByteStore) Estimate(ctx context.Context) (StorageEstimate, error) {
	used, err := s.db.TotalSize(ctx)
	if err != nil {
		return StorageEstimate{}, fmt.Errorf("measuring usage: %w", err)
	}

	est := StorageEstimate{Used: used, Quota: s.cfg.QuotaBytes}
	if est.Quota > 0 {
		est.Percent = float64(used) / float64(est.Quota) * 100
	}
	return est, nil
}

// Config returns the store configuration.
func (s *ByteStore) Config() Config {
	return s.cfg
}

// ReadRaw opens the framed entry file for a key without any verification.
// Internal use by the verifier; playback goes through SafeGet.
func (s *ByteStore) ReadRaw(ctx context.Context, key replayvault.Key) (io.ReadCloser, error) {
	rc, err := s.backend.Read(ctx, key.StorageKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rc, nil
}
