package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	replayvault "github.com/replaylabs/replay-vault"
	"github.com/replaylabs/replay-vault/arkiv"
	"github.com/replaylabs/replay-vault/errlog"
	"github.com/replaylabs/replay-vault/loader"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/telemetry"
	"github.com/replaylabs/replay-vault/verify"
)

// keyFromPath builds a content key from the path wildcards.
func keyFromPath(r *http.Request) (replayvault.Key, error) {
	return replayvault.NewKey(r.PathValue("origin"), r.PathValue("namespace"), r.PathValue("id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleGetContent serves verified cached bytes. Corrupted entries are
// quarantined by SafeGet, so from the client's view they are a miss.
func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	key, err := keyFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, entry, err := s.verifier.SafeGet(r.Context(), key, verify.DefaultSafeGetOptions())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			writeError(w, http.StatusNotFound, "content not found")
			return
		}
		s.logger.Error("content read failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	if err := s.engine.Touch(r.Context(), key); err != nil {
		s.logger.Warn("lru touch failed", "key", key, "error", err)
	}

	contentType := entry.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
	_, _ = w.Write(payload)
}

// handleDeleteContent evicts the entry named by the full path key, via the
// loader so the Arkiv record is also flipped to not-cached.
func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	key, err := keyFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existed, err := s.loader.EvictKey(r.Context(), key)
	if err != nil {
		s.logger.Error("evict failed", "key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "evict failed")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "content not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLoad runs the orchestrator for a JSON-described request.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "load")

	var req loader.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.loader.Load(r.Context(), req)
	if err != nil {
		var le *loader.LoadError
		if errors.As(err, &le) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"category": string(le.Category),
				"stage":    string(le.Stage),
				"message":  le.UserMessage(),
				"error":    le.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result.IsCached {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}
	writeJSON(w, http.StatusOK, result)
}

// statsResponse aggregates store totals, the storage estimate, and cache
// health.
type statsResponse struct {
	Entries     int                   `json:"entries"`
	TotalBytes  int64                 `json:"total_bytes"`
	Storage     store.StorageEstimate `json:"storage"`
	HealthScore float64               `json:"health_score"`
	Invalid     int                   `json:"invalid_entries"`
	ErrorCounts map[errlog.Code]int   `json:"error_counts,omitempty"`
	Loading     loader.Status         `json:"loading"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	ctx := r.Context()

	keys, err := s.store.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.TotalSize(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	estimate, err := s.store.Estimate(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	batch, err := s.verifier.VerifyAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := statsResponse{
		Entries:     len(keys),
		TotalBytes:  total,
		Storage:     estimate,
		HealthScore: batch.HealthScore(),
		Invalid:     batch.Invalid,
	}
	if s.errors != nil {
		resp.ErrorCounts = s.errors.CountsByCode()
	}
	if s.loader != nil {
		resp.Loading = s.loader.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleErrors returns logged cache errors, optionally filtered by
// ?since=RFC3339.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "errors")

	if s.errors == nil {
		writeJSON(w, http.StatusOK, []errlog.Entry{})
		return
	}

	entries := s.errors.All()
	if since := r.URL.Query().Get("since"); since != "" {
		cutoff, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp, want RFC3339")
			return
		}
		entries = s.errors.Since(cutoff)
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCleanup triggers a full eviction pass.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")

	result, err := s.engine.RunAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRecords lists Arkiv metadata records.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "records")

	records, err := s.reconciler.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []arkiv.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleSync reconciles a posted remote snapshot.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	var remote []arkiv.RemoteRecord
	if err := json.NewDecoder(r.Body).Decode(&remote); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.reconciler.Sync(r.Context(), remote)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
