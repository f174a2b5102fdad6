package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	replayvault "github.com/replaylabs/replay-vault"
)

// Bolt implements DB using bbolt.
type Bolt struct {
	db     *bbolt.DB
	codec  *RecordCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltOption configures a Bolt instance.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a new Bolt instance with options.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewRecordCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *Bolt) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketAccessByTime,
			bucketAccessByKey,
			bucketRecords,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// GetEntry retrieves an entry index row.
func (b *Bolt) GetEntry(_ context.Context, key replayvault.Key) (*Entry, error) {
	var entry Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(key.String()))
		if val == nil {
			return ErrNotFound
		}

		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutEntry stores an entry index row. It does not touch the access index:
// writing an entry is not reading it.
func (b *Bolt) PutEntry(_ context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return fmt.Errorf("entries bucket not found")
		}
		if err := bucket.Put([]byte(entry.Key.String()), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return nil
	})
}

// DeleteEntry removes an entry row and its access index rows in one
// transaction, so no delete path can leave an orphaned access record.
func (b *Bolt) DeleteEntry(_ context.Context, key replayvault.Key) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		if err := b.removeAccessInTx(tx, key.String()); err != nil {
			return err
		}

		return bucket.Delete([]byte(key.String()))
	})
}

// ListEntries returns all entry rows. Rows that fail to decode are skipped.
func (b *Bolt) ListEntries(_ context.Context) ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				b.logger.Warn("skipping undecodable entry row", "key", string(k), "error", err)
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}

// TotalSize returns the total payload size of all entries.
func (b *Bolt) TotalSize(_ context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // skip invalid rows
			}
			total += entry.SizeBytes
			return nil
		})
	})
	return total, err
}

// CountEntries returns the number of entry rows.
func (b *Bolt) CountEntries(_ context.Context) (int, error) {
	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// TouchAccess records the current time as the last access for a key,
// maintaining both the forward (time-ordered) and reverse indexes.
func (b *Bolt) TouchAccess(_ context.Context, key replayvault.Key) error {
	now := b.now()
	return b.db.Update(func(tx *bbolt.Tx) error {
		forward := tx.Bucket(bucketAccessByTime)
		reverse := tx.Bucket(bucketAccessByKey)
		if forward == nil || reverse == nil {
			return fmt.Errorf("access buckets not found")
		}

		ks := key.String()

		// Delete old forward entry via reverse index lookup (O(1))
		if tsBytes := reverse.Get([]byte(ks)); tsBytes != nil {
			oldKey := makeAccessKey(decodeTimestamp(tsBytes), ks)
			if err := forward.Delete(oldKey); err != nil {
				return fmt.Errorf("deleting old access index: %w", err)
			}
		}

		if err := forward.Put(makeAccessKey(now, ks), []byte(ks)); err != nil {
			return fmt.Errorf("putting access index: %w", err)
		}
		if err := reverse.Put([]byte(ks), encodeTimestamp(now)); err != nil {
			return fmt.Errorf("putting access reverse index: %w", err)
		}
		return nil
	})
}

// LastAccess returns the last access time for a key.
// Returns ErrNotFound if the key was never touched.
func (b *Bolt) LastAccess(_ context.Context, key replayvault.Key) (time.Time, error) {
	var ts time.Time
	err := b.db.View(func(tx *bbolt.Tx) error {
		reverse := tx.Bucket(bucketAccessByKey)
		if reverse == nil {
			return ErrNotFound
		}
		val := reverse.Get([]byte(key.String()))
		if val == nil {
			return ErrNotFound
		}
		ts = decodeTimestamp(val)
		return nil
	})
	return ts, err
}

// RemoveAccess removes the access rows for a key. Removing an untracked
// key is a no-op.
func (b *Bolt) RemoveAccess(_ context.Context, key replayvault.Key) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.removeAccessInTx(tx, key.String())
	})
}

func (b *Bolt) removeAccessInTx(tx *bbolt.Tx, key string) error {
	forward := tx.Bucket(bucketAccessByTime)
	reverse := tx.Bucket(bucketAccessByKey)
	if forward == nil || reverse == nil {
		return nil
	}

	tsBytes := reverse.Get([]byte(key))
	if tsBytes == nil {
		return nil
	}

	if err := forward.Delete(makeAccessKey(decodeTimestamp(tsBytes), key)); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	if err := reverse.Delete([]byte(key)); err != nil {
		return fmt.Errorf("deleting access reverse index: %w", err)
	}
	return nil
}

// ClearAccess drops the entire access side table.
func (b *Bolt) ClearAccess(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAccessByTime, bucketAccessByKey} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// OldestFirst returns up to limit eviction candidates ordered by effective
// access time ascending: last access when the entry has been read, cache
// write time otherwise, ties broken by write time ascending. limit <= 0
// returns all candidates.
//
// Touched entries come from the time-ordered forward index; entries never
// read are collected separately and merged in by write time.
func (b *Bolt) OldestFirst(_ context.Context, limit int) ([]Candidate, error) {
	var touched, untouched []Candidate
	err := b.db.View(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		if entriesBucket == nil {
			return nil
		}
		forward := tx.Bucket(bucketAccessByTime)
		reverse := tx.Bucket(bucketAccessByKey)

		if forward != nil {
			cursor := forward.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				accessTime, _ := parseAccessKey(k)
				row := entriesBucket.Get(v)
				if row == nil {
					continue // stale index row, entry already gone
				}
				var entry Entry
				if err := json.Unmarshal(row, &entry); err != nil {
					continue
				}
				touched = append(touched, Candidate{
					Key:        entry.Key,
					SizeBytes:  entry.SizeBytes,
					CachedAt:   entry.CachedAt,
					LastAccess: accessTime,
				})
			}
		}

		return entriesBucket.ForEach(func(k, v []byte) error {
			if reverse != nil && reverse.Get(k) != nil {
				return nil // already collected via the forward index
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			untouched = append(untouched, Candidate{
				Key:       entry.Key,
				SizeBytes: entry.SizeBytes,
				CachedAt:  entry.CachedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(untouched, func(i, j int) bool {
		return untouched[i].CachedAt.Before(untouched[j].CachedAt)
	})

	candidates := mergeCandidates(touched, untouched)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// mergeCandidates merges two lists already sorted by effective access time
// into one, breaking ties by cache-write time ascending.
func mergeCandidates(a, b []Candidate) []Candidate {
	out := make([]Candidate, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ea, eb := a[i].EffectiveAccess(), b[j].EffectiveAccess()
		switch {
		case ea.Before(eb):
			out = append(out, a[i])
			i++
		case eb.Before(ea):
			out = append(out, b[j])
			j++
		case a[i].CachedAt.Before(b[j].CachedAt):
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// GetRecord retrieves and decodes an Arkiv record payload.
func (b *Bolt) GetRecord(_ context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		decoded, err := b.codec.Decode(val)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", id, err)
		}
		data = decoded
		return nil
	})
	return data, err
}

// PutRecord encodes and stores an Arkiv record payload.
func (b *Bolt) PutRecord(_ context.Context, id string, data []byte) error {
	framed, err := b.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", id, err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return fmt.Errorf("records bucket not found")
		}
		return bucket.Put([]byte(id), framed)
	})
}

// UpdateRecord performs read-modify-write in a single transaction. The
// callback receives the current payload (nil if absent) and returns the
// new payload; returning nil deletes the record. This prevents lost
// updates from concurrent status transitions.
func (b *Bolt) UpdateRecord(_ context.Context, id string, fn func(data []byte) ([]byte, error)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return fmt.Errorf("records bucket not found")
		}

		var current []byte
		if val := bucket.Get([]byte(id)); val != nil {
			decoded, err := b.codec.Decode(val)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", id, err)
			}
			current = decoded
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if next == nil {
			return bucket.Delete([]byte(id))
		}

		framed, err := b.codec.Encode(next)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", id, err)
		}
		return bucket.Put([]byte(id), framed)
	})
}

// DeleteRecord removes an Arkiv record. Reconciliation never calls this;
// it exists for explicit administrative removal only.
func (b *Bolt) DeleteRecord(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
}

// ListRecords returns all Arkiv records, decoded. Undecodable frames are
// skipped rather than failing the listing.
func (b *Bolt) ListRecords(_ context.Context) ([]StoredRecord, error) {
	var records []StoredRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			data, err := b.codec.Decode(v)
			if err != nil {
				b.logger.Warn("skipping undecodable record", "id", string(k), "error", err)
				return nil
			}
			records = append(records, StoredRecord{ID: string(k), Data: data})
			return nil
		})
	})
	return records, err
}

// Compile-time interface check
var _ DB = (*Bolt)(nil)
