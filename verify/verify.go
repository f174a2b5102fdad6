// Package verify validates stored entries against their sidecar metadata
// and provides the sanctioned read path for playback: verify, then serve,
// evicting anything that fails.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	replayvault "github.com/replaylabs/replay-vault"
	"github.com/replaylabs/replay-vault/backend"
	"github.com/replaylabs/replay-vault/errlog"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/store/metadb"
	"github.com/replaylabs/replay-vault/telemetry"
)

// Config holds verification thresholds. The size floor and tolerance
// exist because transport overhead makes exact size agreement too strict;
// both affect false-positive corruption rates, so they are configurable.
type Config struct {
	// MinEntrySize is the smallest payload considered plausible media.
	MinEntrySize int64

	// SizeTolerance is the allowed disagreement between payload length
	// and the sidecar size.
	SizeTolerance int64

	// AcceptedMimePrefixes lists content type prefixes treated as media.
	AcceptedMimePrefixes []string
}

// DefaultConfig returns the standard verification thresholds.
func DefaultConfig() Config {
	return Config{
		MinEntrySize:  1024,
		SizeTolerance: 1024,
		AcceptedMimePrefixes: []string{
			"video/",
			"audio/",
			"application/octet-stream",
		},
	}
}

// Result is the outcome of verifying one entry.
type Result struct {
	Valid   bool              `json:"valid"`
	Code    errlog.Code       `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`

	// Missing marks an entry that is simply absent. SafeGet treats it as
	// a plain miss rather than a verification failure.
	Missing bool `json:"missing,omitempty"`
}

// BatchResult aggregates a VerifyMany run.
type BatchResult struct {
	Total       int               `json:"total"`
	Valid       int               `json:"valid"`
	Invalid     int               `json:"invalid"`
	InvalidKeys []replayvault.Key `json:"invalid_keys,omitempty"`
}

// HealthScore maps the batch outcome to 0-100 with one decimal place.
// An empty batch scores 100.
func (b BatchResult) HealthScore() float64 {
	if b.Total == 0 {
		return 100
	}
	score := float64(b.Valid) / float64(b.Total) * 100
	return float64(int(score*10+0.5)) / 10
}

// Verifier checks stored entries.
type Verifier struct {
	store  *store.ByteStore
	errors *errlog.Log
	cfg    Config
	logger *slog.Logger

	// VerifyMany concurrency bound
	parallelism int
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithParallelism bounds batch verification concurrency.
func WithParallelism(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.parallelism = n
		}
	}
}

// New creates a Verifier over the given store.
func New(s *store.ByteStore, errors *errlog.Log, cfg Config, opts ...Option) *Verifier {
	v := &Verifier{
		store:       s,
		errors:      errors,
		cfg:         cfg,
		logger:      slog.Default(),
		parallelism: 8,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the integrity checks for one entry in order, stopping at the
// first failure: readable, sidecar decodes, accepted mime type, payload
// readable, size floor, size agreement with the sidecar, checksum match.
func (v *Verifier) Verify(ctx context.Context, key replayvault.Key) Result {
	result := v.verify(ctx, key)
	if !result.Valid && !result.Missing {
		telemetry.RecordVerifyFailure(ctx, string(result.Code))
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, key replayvault.Key) Result {
	rc, err := v.store.ReadRaw(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			result := invalid(errlog.CodeReadFailed, "entry not found", nil)
			result.Missing = true
			return result
		}
		return invalid(errlog.CodeReadFailed, fmt.Sprintf("opening entry: %v", err), nil)
	}
	defer rc.Close()

	header, err := backend.ReadHeader(rc)
	if err != nil {
		return invalid(errlog.CodeReadFailed, fmt.Sprintf("unreadable sidecar: %v", err), nil)
	}

	if !v.mimeAccepted(header.MimeType) {
		return invalid(errlog.CodeCorrupted, "unaccepted content type", map[string]string{
			"mime_type": header.MimeType,
		})
	}

	payload, err := io.ReadAll(rc)
	if err != nil {
		return invalid(errlog.CodeCorrupted, fmt.Sprintf("unreadable payload: %v", err), nil)
	}

	size := int64(len(payload))
	if size < v.cfg.MinEntrySize {
		return invalid(errlog.CodeCorrupted, "payload too small", map[string]string{
			"size":  strconv.FormatInt(size, 10),
			"floor": strconv.FormatInt(v.cfg.MinEntrySize, 10),
		})
	}

	diff := size - header.SizeBytes
	if diff < 0 {
		diff = -diff
	}
	if diff > v.cfg.SizeTolerance {
		return invalid(errlog.CodeCorrupted, "size mismatch", map[string]string{
			"sidecar": strconv.FormatInt(header.SizeBytes, 10),
			"actual":  strconv.FormatInt(size, 10),
		})
	}

	if !header.Checksum.IsZero() && replayvault.ChecksumBytes(payload) != header.Checksum {
		return invalid(errlog.CodeIntegrityFailed, "checksum mismatch", map[string]string{
			"expected": header.Checksum.ShortString(),
		})
	}

	return Result{Valid: true}
}

func (v *Verifier) mimeAccepted(mimeType string) bool {
	for _, prefix := range v.cfg.AcceptedMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

func invalid(code errlog.Code, message string, details map[string]string) Result {
	return Result{Code: code, Message: message, Details: details}
}

// SafeGetOptions controls SafeGet behavior.
type SafeGetOptions struct {
	// AutoDelete evicts entries that fail verification.
	AutoDelete bool
}

// DefaultSafeGetOptions enables auto-delete.
func DefaultSafeGetOptions() SafeGetOptions {
	return SafeGetOptions{AutoDelete: true}
}

// SafeGet is the sanctioned playback read path: verify, then read. A
// failing entry is logged with its classification, deleted unless
// AutoDelete is off, and served as a miss.
func (v *Verifier) SafeGet(ctx context.Context, key replayvault.Key, opts SafeGetOptions) ([]byte, *metadb.Entry, error) {
	result := v.Verify(ctx, key)
	if result.Valid {
		return v.store.Get(ctx, key)
	}
	if result.Missing {
		// an absent entry is an ordinary miss, not a cache error
		return nil, nil, store.ErrNotFound
	}

	v.errors.Record(ctx, result.Code, result.Message, key.String(), result.Details)

	if opts.AutoDelete {
		// deleting an absent entry is a no-op, so the miss case needs no
		// special handling
		if existed, err := v.store.Delete(ctx, key); err != nil {
			v.logger.Warn("failed to evict invalid entry", "key", key, "error", err)
		} else if existed {
			v.logger.Info("evicted invalid entry", "key", key, "code", result.Code)
		}
	}

	return nil, nil, store.ErrNotFound
}
