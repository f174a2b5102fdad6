package arkiv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/replaylabs/replay-vault/store/metadb"
	"github.com/replaylabs/replay-vault/telemetry"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("arkiv: record not found")

// Reconciler diffs remote snapshots against the local record store and
// maintains per-record status transitions.
type Reconciler struct {
	db     metadb.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a Reconciler over the record store.
func New(db metadb.DB, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync reconciles a remote snapshot against the local set. Remote records
// absent locally are added active; present records with changed derived
// fields are overwritten; unchanged records get their sync timestamp
// refreshed. Local records the remote no longer reports are flipped to
// expired and kept: metadata must survive remote forgetting.
//
// Individual record failures never fail the pass; they are logged and the
// pass degrades to best effort.
func (r *Reconciler) Sync(ctx context.Context, remote []RemoteRecord) (SyncResult, error) {
	locals, err := r.List(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("listing local records: %w", err)
	}

	localByID := make(map[string]Record, len(locals))
	for _, rec := range locals {
		localByID[rec.VideoID] = rec
	}

	var result SyncResult
	now := r.now()
	seen := make(map[string]struct{}, len(remote))

	for _, rr := range remote {
		seen[rr.VideoID] = struct{}{}

		local, ok := localByID[rr.VideoID]
		switch {
		case !ok:
			rec := &Record{
				VideoID:            rr.VideoID,
				Title:              rr.Title,
				Owner:              rr.Owner,
				ArkivStatus:        StatusActive,
				ContentCacheStatus: ContentNotCached,
				LastSyncedAt:       now,
			}
			if err := r.put(ctx, rec); err != nil {
				r.logger.Warn("failed to add record during sync", "video_id", rr.VideoID, "error", err)
				continue
			}
			result.Added++

		case local.Title != rr.Title || local.Owner != rr.Owner || local.ArkivStatus != StatusActive:
			// a record the remote reports again is active, whatever it was
			local.Title = rr.Title
			local.Owner = rr.Owner
			local.ArkivStatus = StatusActive
			local.LastSyncedAt = now
			if err := r.put(ctx, &local); err != nil {
				r.logger.Warn("failed to update record during sync", "video_id", rr.VideoID, "error", err)
				result.Unchanged++
				continue
			}
			result.Updated++

		default:
			local.LastSyncedAt = now
			if err := r.put(ctx, &local); err != nil {
				r.logger.Warn("failed to refresh record during sync", "video_id", rr.VideoID, "error", err)
			}
			result.Unchanged++
		}
	}

	for _, local := range locals {
		if _, ok := seen[local.VideoID]; ok {
			continue
		}
		if local.ArkivStatus != StatusActive {
			continue
		}

		local.ArkivStatus = StatusExpired
		local.LastSyncedAt = now
		if err := r.put(ctx, &local); err != nil {
			r.logger.Warn("failed to expire record during sync", "video_id", local.VideoID, "error", err)
			continue
		}
		result.Expired++
	}

	telemetry.RecordSync(ctx, result.Added, result.Updated, result.Unchanged, result.Expired)
	r.logger.Info("sync complete",
		"remote", len(remote),
		"added", result.Added,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"expired", result.Expired)
	return result, nil
}

func (r *Reconciler) put(ctx context.Context, rec *Record) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return r.db.PutRecord(ctx, rec.VideoID, data)
}

// Get returns the local record for a video.
func (r *Reconciler) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.db.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalRecord(data)
}

// List returns all local records. Undecodable records are skipped.
func (r *Reconciler) List(ctx context.Context) ([]Record, error) {
	stored, err := r.db.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(stored))
	for _, sr := range stored {
		rec, err := unmarshalRecord(sr.Data)
		if err != nil {
			r.logger.Warn("skipping undecodable record", "video_id", sr.ID, "error", err)
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Touch refreshes the metadata access time. This recency is independent
// of the byte store's LRU: reading a record is not reading its bytes.
func (r *Reconciler) Touch(ctx context.Context, id string) error {
	return r.update(ctx, id, func(rec *Record) {
		rec.LastAccessedAt = r.now()
	})
}

// MarkExpired flips a record to expired without a full sync, for callers
// that independently learn the remote has dropped it.
func (r *Reconciler) MarkExpired(ctx context.Context, id string) error {
	return r.update(ctx, id, func(rec *Record) {
		rec.ArkivStatus = StatusExpired
	})
}

// SetContentStatus records the byte-cache state for a video, called by
// the orchestrator after a store write or evict. A video cached without
// any remote metadata gets a cache-only record.
func (r *Reconciler) SetContentStatus(ctx context.Context, id string, status ContentStatus) error {
	return r.db.UpdateRecord(ctx, id, func(data []byte) ([]byte, error) {
		var rec *Record
		if data == nil {
			rec = &Record{
				VideoID:     id,
				ArkivStatus: StatusCacheOnly,
			}
		} else {
			var err error
			rec, err = unmarshalRecord(data)
			if err != nil {
				return nil, err
			}
		}

		rec.ContentCacheStatus = status
		if status == ContentCached {
			rec.CachedAt = r.now()
		}
		return marshalRecord(rec)
	})
}

// update applies fn to an existing record in one transaction.
func (r *Reconciler) update(ctx context.Context, id string, fn func(*Record)) error {
	return r.db.UpdateRecord(ctx, id, func(data []byte) ([]byte, error) {
		if data == nil {
			return nil, ErrNotFound
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		fn(rec)
		return marshalRecord(rec)
	})
}
