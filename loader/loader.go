// Package loader implements the cache-first loading orchestrator: a
// per-request state machine that serves cached bytes instantly and
// otherwise sequences identifier decryption, fetch, authentication,
// content decryption, and write-through.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	replayvault "github.com/replaylabs/replay-vault"
	"github.com/replaylabs/replay-vault/arkiv"
	"github.com/replaylabs/replay-vault/expiry"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/telemetry"
	"github.com/replaylabs/replay-vault/verify"
)

// Stage is a state of the loading machine.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageCheckingCache  Stage = "checking-cache"
	StageDecryptingCID  Stage = "decrypting-cid"
	StageFetching       Stage = "fetching"
	StageAuthenticating Stage = "authenticating"
	StageDecrypting     Stage = "decrypting"
	StageCaching        Stage = "caching"
	StageReady          Stage = "ready"
	StageError          Stage = "error"
)

// stageProgress gives each stage a monotonically non-decreasing weight for
// UI progress bars.
var stageProgress = map[Stage]int{
	StageIdle:           0,
	StageCheckingCache:  10,
	StageDecryptingCID:  25,
	StageFetching:       55,
	StageAuthenticating: 70,
	StageDecrypting:     85,
	StageCaching:        95,
	StageReady:          100,
	StageError:          0,
}

// Progress returns the stage's progress weight, 0-100.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Collaborator interfaces. All are consumed as opaque functions; their
// timeout policy is their own, the orchestrator only propagates failures
// and cancellation.

// IdentifierDecryptor turns an encrypted content identifier into a usable one.
type IdentifierDecryptor interface {
	DecryptIdentifier(ctx context.Context, encryptedCID string, authParams map[string]string) (string, error)
}

// ContentFetcher retrieves bytes by content identifier.
type ContentFetcher interface {
	FetchByIdentifier(ctx context.Context, cid string) ([]byte, error)
}

// Authenticator produces the key material for content decryption.
type Authenticator interface {
	Authenticate(ctx context.Context, videoID string) ([]byte, error)
}

// ContentDecryptor decrypts fetched cipher bytes.
type ContentDecryptor interface {
	DecryptContent(ctx context.Context, cipher, keyMaterial []byte) ([]byte, error)
}

// Request describes one playback load.
type Request struct {
	VideoID string

	// Identifier resolution chain for encrypted content: a previously
	// cached decrypted identifier wins, else the encrypted one is
	// decrypted, else the plain one is the fallback.
	CachedCID    string
	EncryptedCID string
	PlainCID     string

	Encrypted  bool
	MimeType   string
	TTL        time.Duration
	AuthParams map[string]string
}

// Result is the outcome of a load.
type Result struct {
	RequestID  string          `json:"request_id"`
	ContentKey replayvault.Key `json:"content_key"`
	IsCached   bool            `json:"is_cached"`
	Stage      Stage           `json:"stage"`
	Progress   int             `json:"progress"`
}

// Status is the observable state of the orchestrator.
type Status struct {
	VideoID  string `json:"video_id,omitempty"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Loading  bool   `json:"loading"`
}

// Orchestrator runs cache-first loads. One orchestrator serves one
// playback surface: invoking Load while a different video is in flight
// cancels the prior load, and concurrent loads for the same video
// coalesce into one flight.
type Orchestrator struct {
	verifier *verify.Verifier
	store    *store.ByteStore
	lru      *expiry.Engine
	records  *arkiv.Reconciler

	idDecryptor IdentifierDecryptor
	fetcher     ContentFetcher
	auth        Authenticator
	decryptor   ContentDecryptor

	origin    string
	namespace string
	logger    *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	status   Status
	cancelFn context.CancelFunc
	inflight string // video ID of the current flight
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Deps bundles the engine components the orchestrator drives.
type Deps struct {
	Verifier *verify.Verifier
	Store    *store.ByteStore
	LRU      *expiry.Engine
	Records  *arkiv.Reconciler
}

// Collaborators bundles the external functions the orchestrator calls.
type Collaborators struct {
	IdentifierDecryptor IdentifierDecryptor
	Fetcher             ContentFetcher
	Authenticator       Authenticator
	Decryptor           ContentDecryptor
}

// New creates an orchestrator writing under origin/namespace.
func New(deps Deps, collab Collaborators, origin, namespace string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		verifier:    deps.Verifier,
		store:       deps.Store,
		lru:         deps.LRU,
		records:     deps.Records,
		idDecryptor: collab.IdentifierDecryptor,
		fetcher:     collab.Fetcher,
		auth:        collab.Authenticator,
		decryptor:   collab.Decryptor,
		origin:      origin,
		namespace:   namespace,
		logger:      slog.Default(),
		status:      Status{Stage: StageIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the current observable state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Load runs the state machine for a request. A load for the video already
// in flight joins that flight; a load for a different video cancels the
// prior one first. Retry is re-invoking Load: there is no automatic retry
// loop.
func (o *Orchestrator) Load(ctx context.Context, req Request) (*Result, error) {
	if req.VideoID == "" {
		return nil, fmt.Errorf("video id is required")
	}

	loadCtx := o.beginFlight(ctx, req.VideoID)

	v, err, shared := o.group.Do(req.VideoID, func() (any, error) {
		defer o.endFlight(req.VideoID)
		return o.run(loadCtx, req)
	})
	if shared {
		o.logger.Debug("load coalesced with in-flight request", "video_id", req.VideoID)
	}
	if err != nil {
		telemetry.RecordLoad(ctx, "error")
		return nil, err
	}

	result := v.(*Result)
	if result.IsCached {
		telemetry.RecordLoad(ctx, "hit")
	} else {
		telemetry.RecordLoad(ctx, "miss")
	}
	return result, nil
}

// beginFlight cancels any in-flight load for a different video and
// installs this one as current.
func (o *Orchestrator) beginFlight(ctx context.Context, videoID string) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inflight != "" && o.inflight != videoID && o.cancelFn != nil {
		o.logger.Info("cancelling in-flight load", "video_id", o.inflight, "replaced_by", videoID)
		o.cancelFn()
	}
	if o.inflight == videoID && o.cancelFn != nil {
		// join the existing flight under its own context
		return ctx
	}

	loadCtx, cancel := context.WithCancel(ctx)
	o.inflight = videoID
	o.cancelFn = cancel
	return loadCtx
}

func (o *Orchestrator) endFlight(videoID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == videoID {
		o.inflight = ""
		if o.cancelFn != nil {
			o.cancelFn()
			o.cancelFn = nil
		}
	}
}

// Cancel aborts the in-flight load, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelFn != nil {
		o.cancelFn()
	}
}

func (o *Orchestrator) setStage(videoID string, stage Stage) {
	o.mu.Lock()
	o.status = Status{
		VideoID:  videoID,
		Stage:    stage,
		Progress: stage.Progress(),
		Loading:  stage != StageReady && stage != StageError && stage != StageIdle,
	}
	o.mu.Unlock()
	o.logger.Debug("stage transition", "video_id", videoID, "stage", stage)
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Result, error) {
	requestID := uuid.NewString()
	key, err := replayvault.NewKey(o.origin, o.namespace, req.VideoID)
	if err != nil {
		return nil, fmt.Errorf("building content key: %w", err)
	}

	result := &Result{RequestID: requestID, ContentKey: key}

	fail := func(stage Stage, err error) (*Result, error) {
		o.setStage(req.VideoID, StageError)
		result.Stage = StageError
		return result, classify(stage, err)
	}

	// checking-cache
	stageStart := time.Now()
	o.setStage(req.VideoID, StageCheckingCache)

	payload, _, err := o.verifier.SafeGet(ctx, key, verify.DefaultSafeGetOptions())
	telemetry.RecordLoadStage(ctx, string(StageCheckingCache), time.Since(stageStart))
	if err == nil && payload != nil {
		// The core performance contract: a hit goes straight to ready with
		// zero network or cryptographic calls.
		if err := o.lru.Touch(ctx, key); err != nil {
			o.logger.Warn("lru touch failed", "key", key, "error", err)
		}
		o.setStage(req.VideoID, StageReady)
		result.IsCached = true
		result.Stage = StageReady
		result.Progress = StageReady.Progress()
		return result, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fail(StageCheckingCache, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(StageCheckingCache, err)
	}

	// identifier resolution
	cid := req.PlainCID
	if req.Encrypted {
		cid, err = o.resolveCID(ctx, req)
		if err != nil {
			return fail(StageDecryptingCID, err)
		}
	}
	if cid == "" {
		// The encrypted path only reaches here when identifier decryption
		// yielded nothing. An unencrypted request without an identifier is a
		// plain miss, not a key problem.
		if req.Encrypted {
			return fail(StageDecryptingCID, fmt.Errorf("no content identifier for video %s: decryption key unavailable", req.VideoID))
		}
		return fail(StageFetching, fmt.Errorf("content identifier missing for video %s", req.VideoID))
	}

	// fetching
	stageStart = time.Now()
	o.setStage(req.VideoID, StageFetching)
	data, err := o.fetcher.FetchByIdentifier(ctx, cid)
	telemetry.RecordLoadStage(ctx, string(StageFetching), time.Since(stageStart))
	if err != nil {
		return fail(StageFetching, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(StageFetching, err)
	}

	if req.Encrypted {
		// authenticating
		stageStart = time.Now()
		o.setStage(req.VideoID, StageAuthenticating)
		keyMaterial, err := o.auth.Authenticate(ctx, req.VideoID)
		telemetry.RecordLoadStage(ctx, string(StageAuthenticating), time.Since(stageStart))
		if err != nil {
			return fail(StageAuthenticating, err)
		}
		if err := ctx.Err(); err != nil {
			return fail(StageAuthenticating, err)
		}

		// decrypting
		stageStart = time.Now()
		o.setStage(req.VideoID, StageDecrypting)
		data, err = o.decryptor.DecryptContent(ctx, data, keyMaterial)
		telemetry.RecordLoadStage(ctx, string(StageDecrypting), time.Since(stageStart))
		if err != nil {
			return fail(StageDecrypting, err)
		}
		if err := ctx.Err(); err != nil {
			return fail(StageDecrypting, err)
		}
	}

	// caching. The framed write is atomic, so cancellation observed before
	// this point leaves no partial entry; after it, the write stands.
	stageStart = time.Now()
	o.setStage(req.VideoID, StageCaching)
	if err := o.store.Put(ctx, key, data, req.MimeType, store.PutOptions{TTL: req.TTL}); err != nil {
		return fail(StageCaching, err)
	}
	telemetry.RecordLoadStage(ctx, string(StageCaching), time.Since(stageStart))

	// the remote-status report is non-critical, never fails the load
	if err := o.records.SetContentStatus(ctx, req.VideoID, arkiv.ContentCached); err != nil {
		o.logger.Warn("content status report failed", "video_id", req.VideoID, "error", err)
	}

	o.setStage(req.VideoID, StageReady)
	result.Stage = StageReady
	result.Progress = StageReady.Progress()
	return result, nil
}

// resolveCID works through the identifier chain: cached decrypted
// identifier, then decrypting the encrypted one, then the plain fallback.
func (o *Orchestrator) resolveCID(ctx context.Context, req Request) (string, error) {
	if req.CachedCID != "" {
		return req.CachedCID, nil
	}

	if req.EncryptedCID != "" && o.idDecryptor != nil {
		stageStart := time.Now()
		o.setStage(req.VideoID, StageDecryptingCID)
		cid, err := o.idDecryptor.DecryptIdentifier(ctx, req.EncryptedCID, req.AuthParams)
		telemetry.RecordLoadStage(ctx, string(StageDecryptingCID), time.Since(stageStart))
		if err == nil {
			return cid, nil
		}
		o.logger.Warn("identifier decryption failed", "video_id", req.VideoID, "error", err)
		if req.PlainCID == "" {
			return "", fmt.Errorf("resolving identifier for video %s: decryption key unavailable: %w", req.VideoID, err)
		}
	}

	if req.PlainCID != "" {
		return req.PlainCID, nil
	}
	return "", fmt.Errorf("no content identifier for video %s: decryption key unavailable", req.VideoID)
}

// Evict removes a video's bytes and reports not-cached. A failing report
// is logged, never surfaced: losing the report must not fail the evict.
func (o *Orchestrator) Evict(ctx context.Context, videoID string) (bool, error) {
	key, err := replayvault.NewKey(o.origin, o.namespace, videoID)
	if err != nil {
		return false, fmt.Errorf("building content key: %w", err)
	}
	return o.EvictKey(ctx, key)
}

// EvictKey evicts the exact key named, for callers that carry a full key
// rather than a video ID in this orchestrator's keyspace. The key's ID
// segment is the video ID reported not-cached.
func (o *Orchestrator) EvictKey(ctx context.Context, key replayvault.Key) (bool, error) {
	existed, err := o.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("deleting entry: %w", err)
	}

	if err := o.records.SetContentStatus(ctx, key.ID, arkiv.ContentNotCached); err != nil {
		o.logger.Warn("content status report failed", "video_id", key.ID, "error", err)
	}

	return existed, nil
}
