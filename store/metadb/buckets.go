package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // key string -> Entry JSON

	// Last-access index pair. The forward index orders keys by access time
	// for oldest-first scans; the reverse index makes delete O(1).
	bucketAccessByTime = []byte("access_by_time") // timestamp+key -> key
	bucketAccessByKey  = []byte("access_by_key")  // key -> 8-byte timestamp

	bucketRecords = []byte("records") // video id -> framed record payload
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the access_by_time index.
// Format: [8-byte timestamp][key string]
func makeAccessKey(accessTime time.Time, key string) []byte {
	ts := encodeTimestamp(accessTime)
	result := make([]byte, 8+len(key))
	copy(result[:8], ts)
	copy(result[8:], key)
	return result
}

// parseAccessKey extracts the access time and entry key from an
// access_by_time index key.
func parseAccessKey(data []byte) (accessTime time.Time, key string) {
	if len(data) < 9 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
