// Package expiry implements entry lifetime management: TTL sweeps, entry
// count ceilings, storage pressure relief, and emergency largest-first
// eviction, plus the last-access tracking those policies order by.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	replayvault "github.com/replaylabs/replay-vault"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/store/metadb"
	"github.com/replaylabs/replay-vault/telemetry"
)

// Config configures the eviction engine.
type Config struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration

	// MaxEntries caps the number of cached entries.
	MaxEntries int

	// PressureThreshold is the quota usage fraction above which oldest-first
	// cleanup starts.
	PressureThreshold float64

	// CriticalThreshold is the usage fraction above which largest-first
	// emergency cleanup starts.
	CriticalThreshold float64

	// PressureBatch is how many entries a pressure pass evicts between
	// usage re-measurements.
	PressureBatch int

	SweepInterval time.Duration
}

// DefaultConfig returns the standard eviction configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:        7 * 24 * time.Hour,
		MinTTL:            time.Hour,
		MaxTTL:            30 * 24 * time.Hour,
		MaxEntries:        50,
		PressureThreshold: 0.80,
		CriticalThreshold: 0.95,
		PressureBatch:     5,
		SweepInterval:     time.Hour,
	}
}

// Result aggregates one RunAll pass.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	TTLEvicted      int           `json:"ttl_evicted"`
	MaxCountEvicted int           `json:"max_count_evicted"`
	PressureEvicted int           `json:"pressure_evicted"`
	CriticalEvicted int           `json:"critical_evicted"`
	BytesFreed      int64         `json:"bytes_freed"`
}

// Total returns the total entries evicted across strategies.
func (r Result) Total() int {
	return r.TTLEvicted + r.MaxCountEvicted + r.PressureEvicted + r.CriticalEvicted
}

// Engine runs the eviction strategies. All strategies are idempotent and
// safe to run concurrently with reads: a read racing a delete simply
// misses, which is tolerated for an entry that was already a candidate.
type Engine struct {
	store  *store.ByteStore
	db     metadb.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an eviction engine over the given store and index.
func New(s *store.ByteStore, db metadb.DB, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		db:     db,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SweepTTL deletes entries past their expiry: now > cachedAt + (entry TTL
// or the default). Returns the count evicted.
func (e *Engine) SweepTTL(ctx context.Context) (int, error) {
	entries, err := e.db.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing entries: %w", err)
	}

	now := e.now()
	var evicted int
	var freed int64
	for _, entry := range entries {
		if !now.After(entry.ExpiresAt(e.cfg.DefaultTTL)) {
			continue
		}
		if _, err := e.store.Delete(ctx, entry.Key); err != nil {
			e.logger.Warn("ttl sweep delete failed", "key", entry.Key, "error", err)
			continue
		}
		evicted++
		freed += entry.SizeBytes
	}

	telemetry.RecordEviction(ctx, "ttl", evicted, freed)
	return evicted, nil
}

// EnforceMaxEntries evicts entries beyond the configured ceiling,
// oldest-first by last access with write-time fallback.
func (e *Engine) EnforceMaxEntries(ctx context.Context) (int, error) {
	count, err := e.db.CountEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	excess := count - e.cfg.MaxEntries
	if e.cfg.MaxEntries <= 0 || excess <= 0 {
		return 0, nil
	}

	candidates, err := e.db.OldestFirst(ctx, excess)
	if err != nil {
		return 0, fmt.Errorf("listing candidates: %w", err)
	}

	evicted, freed := e.deleteCandidates(ctx, candidates, "max_entries")
	telemetry.RecordEviction(ctx, "max_entries", evicted, freed)
	return evicted, nil
}

// RelievePressure evicts oldest-first in increments while quota usage
// stays above the pressure threshold, re-measuring between batches.
func (e *Engine) RelievePressure(ctx context.Context) (int, error) {
	return e.relieve(ctx, e.cfg.PressureThreshold, "pressure", e.oldestBatch)
}

// CriticalCleanup evicts largest-first while usage stays above the
// critical threshold. Largest-first frees the most space per eviction;
// the goal is emergency headroom, not recency fairness.
func (e *Engine) CriticalCleanup(ctx context.Context) (int, error) {
	return e.relieve(ctx, e.cfg.CriticalThreshold, "critical", e.largestBatch)
}

func (e *Engine) relieve(ctx context.Context, threshold float64, strategy string, nextBatch func(context.Context) ([]metadb.Candidate, error)) (int, error) {
	if threshold <= 0 {
		return 0, nil
	}

	var evicted int
	var freed int64
	for {
		est, err := e.store.Estimate(ctx)
		if err != nil {
			return evicted, fmt.Errorf("measuring usage: %w", err)
		}
		if est.Quota <= 0 || est.Percent <= threshold*100 {
			break
		}

		batch, err := nextBatch(ctx)
		if err != nil {
			return evicted, err
		}
		if len(batch) == 0 {
			break // candidates exhausted, still over threshold
		}

		n, f := e.deleteCandidates(ctx, batch, strategy)
		if n == 0 {
			break
		}
		evicted += n
		freed += f
	}

	telemetry.RecordEviction(ctx, strategy, evicted, freed)
	return evicted, nil
}

func (e *Engine) oldestBatch(ctx context.Context) ([]metadb.Candidate, error) {
	return e.db.OldestFirst(ctx, e.cfg.PressureBatch)
}

func (e *Engine) largestBatch(ctx context.Context) ([]metadb.Candidate, error) {
	candidates, err := e.db.OldestFirst(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].SizeBytes > candidates[j].SizeBytes
	})
	return candidates[:1], nil
}

func (e *Engine) deleteCandidates(ctx context.Context, candidates []metadb.Candidate, strategy string) (int, int64) {
	var evicted int
	var freed int64
	for _, c := range candidates {
		if _, err := e.store.Delete(ctx, c.Key); err != nil {
			e.logger.Warn("eviction delete failed", "key", c.Key, "strategy", strategy, "error", err)
			continue
		}
		evicted++
		freed += c.SizeBytes
	}
	return evicted, freed
}

// FreeSpace evicts oldest-first until at least need bytes are freed or
// candidates run out. This is the quota-relief hook the byte store calls
// on a failing put.
func (e *Engine) FreeSpace(ctx context.Context, need int64) (int, error) {
	candidates, err := e.db.OldestFirst(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("listing candidates: %w", err)
	}

	var evicted int
	var freed int64
	for _, c := range candidates {
		if freed >= need {
			break
		}
		if _, err := e.store.Delete(ctx, c.Key); err != nil {
			e.logger.Warn("quota eviction delete failed", "key", c.Key, "error", err)
			continue
		}
		evicted++
		freed += c.SizeBytes
	}

	telemetry.RecordEviction(ctx, "quota", evicted, freed)
	return evicted, nil
}

// RunAll chains the strategies in priority order: TTL sweep, entry count,
// pressure, critical.
func (e *Engine) RunAll(ctx context.Context) (Result, error) {
	result := Result{StartedAt: e.now()}
	start := time.Now()

	var err error
	if result.TTLEvicted, err = e.SweepTTL(ctx); err != nil {
		return result, err
	}
	if result.MaxCountEvicted, err = e.EnforceMaxEntries(ctx); err != nil {
		return result, err
	}
	if result.PressureEvicted, err = e.RelievePressure(ctx); err != nil {
		return result, err
	}
	if result.CriticalEvicted, err = e.CriticalCleanup(ctx); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	telemetry.RecordSweep(ctx, result.Duration)

	if result.Total() > 0 {
		e.logger.Info("cleanup pass complete",
			"ttl", result.TTLEvicted,
			"max_count", result.MaxCountEvicted,
			"pressure", result.PressureEvicted,
			"critical", result.CriticalEvicted,
			"duration", result.Duration)
	}
	return result, nil
}

// Touch records a cache-hit read for LRU ordering. Called by the
// orchestrator on every hit.
func (e *Engine) Touch(ctx context.Context, key replayvault.Key) error {
	return e.db.TouchAccess(ctx, key)
}

// LastAccessed returns the last recorded access for a key, or a zero time
// if it was never touched.
func (e *Engine) LastAccessed(ctx context.Context, key replayvault.Key) (time.Time, error) {
	ts, err := e.db.LastAccess(ctx, key)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return ts, nil
}

// RemoveFromLRU drops the access row for a key.
func (e *Engine) RemoveFromLRU(ctx context.Context, key replayvault.Key) error {
	return e.db.RemoveAccess(ctx, key)
}

// ClearLRU drops the whole access side table.
func (e *Engine) ClearLRU(ctx context.Context) error {
	return e.db.ClearAccess(ctx)
}

// Compile-time check: the engine serves the store's quota-relief hook.
var _ store.Evictor = (*Engine)(nil)
