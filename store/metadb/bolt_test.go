package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	replayvault "github.com/replaylabs/replay-vault"
)

func newTestDB(t *testing.T, opts ...BoltOption) *Bolt {
	t.Helper()
	opts = append([]BoltOption{WithNoSync(true)}, opts...)
	db := NewBolt(opts...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testKey(t *testing.T, id string) replayvault.Key {
	t.Helper()
	key, err := replayvault.NewKey("replay", "clips", id)
	require.NoError(t, err)
	return key
}

func testEntry(t *testing.T, id string, size int64, cachedAt time.Time) *Entry {
	t.Helper()
	return &Entry{
		Key:       testKey(t, id),
		MimeType:  "video/mp4",
		SizeBytes: size,
		CachedAt:  cachedAt,
		TTL:       24 * time.Hour,
	}
}

func TestEntryRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cachedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := testEntry(t, "vid-1", 2048, cachedAt)
	require.NoError(t, db.PutEntry(ctx, entry))

	got, err := db.GetEntry(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, entry.Key, got.Key)
	assert.Equal(t, "video/mp4", got.MimeType)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.True(t, cachedAt.Equal(got.CachedAt))
	assert.Equal(t, 24*time.Hour, got.TTL)
}

func TestGetEntryNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetEntry(context.Background(), testKey(t, "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEntryClearsAccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	entry := testEntry(t, "vid-1", 100, time.Now())
	require.NoError(t, db.PutEntry(ctx, entry))
	require.NoError(t, db.TouchAccess(ctx, entry.Key))

	_, err := db.LastAccess(ctx, entry.Key)
	require.NoError(t, err)

	require.NoError(t, db.DeleteEntry(ctx, entry.Key))

	_, err = db.GetEntry(ctx, entry.Key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.LastAccess(ctx, entry.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTotalSizeAndCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutEntry(ctx, testEntry(t, "a", 100, time.Now())))
	require.NoError(t, db.PutEntry(ctx, testEntry(t, "b", 250, time.Now())))

	total, err := db.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(350), total)

	count, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTouchAccessUpdatesTimestamp(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	key := testKey(t, "vid-1")
	require.NoError(t, db.TouchAccess(ctx, key))

	got, err := db.LastAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, current.Equal(got))

	current = current.Add(time.Hour)
	require.NoError(t, db.TouchAccess(ctx, key))

	got, err = db.LastAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, current.Equal(got))
}

func TestRemoveAccessIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	key := testKey(t, "vid-1")
	require.NoError(t, db.RemoveAccess(ctx, key))

	require.NoError(t, db.TouchAccess(ctx, key))
	require.NoError(t, db.RemoveAccess(ctx, key))

	_, err := db.LastAccess(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClearAccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.TouchAccess(ctx, testKey(t, "a")))
	require.NoError(t, db.TouchAccess(ctx, testKey(t, "b")))
	require.NoError(t, db.ClearAccess(ctx))

	_, err := db.LastAccess(ctx, testKey(t, "a"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.LastAccess(ctx, testKey(t, "b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOldestFirstOrdering(t *testing.T) {
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	base := current.Add(-10 * time.Hour)

	// never-touched entries order by write time
	require.NoError(t, db.PutEntry(ctx, testEntry(t, "old-write", 10, base)))
	require.NoError(t, db.PutEntry(ctx, testEntry(t, "new-write", 20, base.Add(4*time.Hour))))

	// touched entry: access time wins over its newer write time
	touched := testEntry(t, "touched", 30, base.Add(5*time.Hour))
	require.NoError(t, db.PutEntry(ctx, touched))
	current = base.Add(2 * time.Hour)
	require.NoError(t, db.TouchAccess(ctx, touched.Key))

	candidates, err := db.OldestFirst(ctx, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "old-write", candidates[0].Key.ID)
	assert.Equal(t, "touched", candidates[1].Key.ID)
	assert.Equal(t, "new-write", candidates[2].Key.ID)
}

func TestOldestFirstLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.PutEntry(ctx, testEntry(t, id, 10, base.Add(time.Duration(i)*time.Hour))))
	}

	candidates, err := db.OldestFirst(ctx, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "a", candidates[0].Key.ID)
	assert.Equal(t, "b", candidates[1].Key.ID)
}

func TestOldestFirstSkipsStaleAccessRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// access row without a matching entry row
	require.NoError(t, db.TouchAccess(ctx, testKey(t, "ghost")))
	require.NoError(t, db.PutEntry(ctx, testEntry(t, "real", 10, time.Now())))

	candidates, err := db.OldestFirst(ctx, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "real", candidates[0].Key.ID)
}

func TestRecordRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	data := []byte(`{"video_id":"vid-1","title":"Grand Final"}`)
	require.NoError(t, db.PutRecord(ctx, "vid-1", data))

	got, err := db.GetRecord(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = db.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCompressedRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// repetitive payload above the compression threshold
	data := bytesRepeat([]byte("replay-vault-record "), 300)
	require.NoError(t, db.PutRecord(ctx, "big", data))

	got, err := db.GetRecord(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUpdateRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutRecord(ctx, "vid-1", []byte("v1")))

	err := db.UpdateRecord(ctx, "vid-1", func(data []byte) ([]byte, error) {
		require.Equal(t, []byte("v1"), data)
		return []byte("v2"), nil
	})
	require.NoError(t, err)

	got, err := db.GetRecord(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestUpdateRecordAbsent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.UpdateRecord(ctx, "fresh", func(data []byte) ([]byte, error) {
		require.Nil(t, data)
		return []byte("created"), nil
	})
	require.NoError(t, err)

	got, err := db.GetRecord(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []byte("created"), got)
}

func TestUpdateRecordNilDeletes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutRecord(ctx, "vid-1", []byte("v1")))
	require.NoError(t, db.UpdateRecord(ctx, "vid-1", func([]byte) ([]byte, error) {
		return nil, nil
	}))

	_, err := db.GetRecord(ctx, "vid-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutRecord(ctx, "a", []byte("ra")))
	require.NoError(t, db.PutRecord(ctx, "b", []byte("rb")))

	records, err := db.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string][]byte{}
	for _, r := range records {
		byID[r.ID] = r.Data
	}
	assert.Equal(t, []byte("ra"), byID["a"])
	assert.Equal(t, []byte("rb"), byID["b"])
}

func bytesRepeat(b []byte, count int) []byte {
	out := make([]byte, 0, len(b)*count)
	for range count {
		out = append(out, b...)
	}
	return out
}
