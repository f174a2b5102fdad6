package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchByIdentifier(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("media-bytes"))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithBearerToken("secret-token"))
	require.NoError(t, err)

	data, err := c.FetchByIdentifier(context.Background(), "bafybeih-42")
	require.NoError(t, err)

	assert.Equal(t, []byte("media-bytes"), data)
	assert.Equal(t, "/content/bafybeih-42", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.FetchByIdentifier(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.FetchByIdentifier(context.Background(), "locked")
	assert.ErrorContains(t, err, "denied access")
}

func TestFetchPayloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithMaxBytes(1024))
	require.NoError(t, err)

	_, err = c.FetchByIdentifier(context.Background(), "huge")
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestFetchDeduplicatesConcurrent(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("shared-bytes"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.FetchByIdentifier(context.Background(), "same-cid")
		}()
	}

	// let the goroutines pile up on the in-flight fetch before releasing it
	assert.Eventually(t, func() bool {
		return hits.Load() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared-bytes"), results[i])
	}
	assert.Equal(t, int64(1), hits.Load(), "concurrent fetches share one round trip")
}

func TestFetchCallerCancellationDoesNotAbortFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		_, _ = w.Write([]byte("late-bytes"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.FetchByIdentifier(ctx, "slow-cid")
		errCh <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// the detached flight is still pending; a patient caller joins it
	uncancelled := make(chan struct{})
	go func() {
		data, err := c.FetchByIdentifier(context.Background(), "slow-cid")
		assert.NoError(t, err)
		assert.Equal(t, []byte("late-bytes"), data)
		close(uncancelled)
	}()

	close(release)
	select {
	case <-uncancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("patient caller never completed")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
