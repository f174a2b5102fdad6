package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	replayvault "github.com/replaylabs/replay-vault"
	"github.com/replaylabs/replay-vault/arkiv"
	"github.com/replaylabs/replay-vault/backend"
	"github.com/replaylabs/replay-vault/errlog"
	"github.com/replaylabs/replay-vault/expiry"
	"github.com/replaylabs/replay-vault/loader"
	"github.com/replaylabs/replay-vault/store"
	"github.com/replaylabs/replay-vault/store/metadb"
	"github.com/replaylabs/replay-vault/verify"
)

type stubFetcher struct{}

func (stubFetcher) FetchByIdentifier(ctx context.Context, cid string) ([]byte, error) {
	return bytes.Repeat([]byte("frame"), 500), nil
}

type stubAuth struct{}

func (stubAuth) Authenticate(ctx context.Context, videoID string) ([]byte, error) {
	return []byte("key-material"), nil
}

type stubDecryptor struct{}

func (stubDecryptor) DecryptContent(ctx context.Context, cipher, keyMaterial []byte) ([]byte, error) {
	return cipher, nil
}

func (stubDecryptor) DecryptIdentifier(ctx context.Context, encryptedCID string, authParams map[string]string) (string, error) {
	return encryptedCID, nil
}

type testServer struct {
	srv   *httptest.Server
	store *store.ByteStore
	db    metadb.DB
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	dir := t.TempDir()
	fs, err := backend.NewFilesystem(filepath.Join(dir, "data"))
	require.NoError(t, err)

	db := metadb.NewBolt(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	logErrors := errlog.New()
	s := store.New(fs, db, logErrors, store.DefaultConfig())
	engine := expiry.New(s, db, expiry.DefaultConfig())
	s.SetEvictor(engine)
	verifier := verify.New(s, logErrors, verify.DefaultConfig())
	reconciler := arkiv.New(db)

	orch := loader.New(
		loader.Deps{Verifier: verifier, Store: s, LRU: engine, Records: reconciler},
		loader.Collaborators{
			IdentifierDecryptor: stubDecryptor{},
			Fetcher:             stubFetcher{},
			Authenticator:       stubAuth{},
			Decryptor:           stubDecryptor{},
		},
		"replay", "clips",
	)

	server, err := New(cfg, Components{
		Store:      s,
		Verifier:   verifier,
		Engine:     engine,
		Reconciler: reconciler,
		Loader:     orch,
		Errors:     logErrors,
	})
	require.NoError(t, err)

	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &testServer{srv: httpSrv, store: s, db: db}
}

func (ts *testServer) put(t *testing.T, id string, payload []byte) replayvault.Key {
	t.Helper()
	key, err := replayvault.NewKey("replay", "clips", id)
	require.NoError(t, err)
	require.NoError(t, ts.store.Put(context.Background(), key, payload, "video/mp4", store.PutOptions{}))
	return key
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetContent(t *testing.T) {
	ts := newTestServer(t, Config{})
	payload := bytes.Repeat([]byte("frame"), 500)
	ts.put(t, "vid-1", payload)

	resp, err := http.Get(ts.srv.URL + "/v1/content/replay/clips/vid-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())
}

func TestGetContentMiss(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.srv.URL + "/v1/content/replay/clips/absent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteContent(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.put(t, "vid-2", bytes.Repeat([]byte("frame"), 500))

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/v1/content/replay/clips/vid-2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestDeleteContentHonoursPathKey(t *testing.T) {
	ts := newTestServer(t, Config{})

	// One entry outside the loader's keyspace, one inside, same ID.
	foreign, err := replayvault.NewKey("partner", "highlights", "vid-2")
	require.NoError(t, err)
	require.NoError(t, ts.store.Put(context.Background(), foreign, bytes.Repeat([]byte("frame"), 500), "video/mp4", store.PutOptions{}))
	local := ts.put(t, "vid-2", bytes.Repeat([]byte("frame"), 500))

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/v1/content/partner/highlights/vid-2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, _, err = ts.store.Get(context.Background(), foreign)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The entry under the loader's own origin/namespace is untouched.
	_, _, err = ts.store.Get(context.Background(), local)
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	ts := newTestServer(t, Config{})

	body, err := json.Marshal(loader.Request{
		VideoID:  "vid-3",
		PlainCID: "cid-3",
		MimeType: "video/mp4",
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.srv.URL+"/v1/load", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result loader.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, loader.StageReady, result.Stage)
	assert.False(t, result.IsCached)

	// the loaded content is now servable
	resp2, err := http.Get(ts.srv.URL + "/v1/content/replay/clips/vid-3")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestLoadInvalidBody(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.srv.URL+"/v1/load", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.put(t, "vid-4", bytes.Repeat([]byte("frame"), 500))

	resp, err := http.Get(ts.srv.URL + "/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2500), stats.TotalBytes)
	assert.InDelta(t, 100.0, stats.HealthScore, 0.01)
}

func TestErrorsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.srv.URL + "/v1/errors")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.srv.URL + "/v1/errors?since=not-a-time")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestCleanup(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.srv.URL+"/v1/cleanup", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncAndRecords(t *testing.T) {
	ts := newTestServer(t, Config{})

	snapshot := []arkiv.RemoteRecord{
		{VideoID: "vid-5", Title: "First", Owner: "alice"},
		{VideoID: "vid-6", Title: "Second", Owner: "bob"},
	}
	body, err := json.Marshal(snapshot)
	require.NoError(t, err)

	resp, err := http.Post(ts.srv.URL+"/v1/sync", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result arkiv.SyncResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Added)

	resp2, err := http.Get(ts.srv.URL + "/v1/records")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var records []arkiv.Record
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&records))
	assert.Len(t, records, 2)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	resp, err := http.Get(ts.srv.URL + "/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// health stays reachable for probes
	resp2, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestAuthWrongToken(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", "wrong"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
