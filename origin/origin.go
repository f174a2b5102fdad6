// Package origin fetches media bytes from the upstream content origin by
// content identifier. Concurrent fetches for the same identifier are
// deduplicated with singleflight so one slow origin round trip serves
// every waiter.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/replaylabs/replay-vault/telemetry"
)

const (
	// DefaultTimeout bounds one origin round trip.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxBytes caps a single fetched payload at 2GiB.
	DefaultMaxBytes = int64(2) << 30
)

// ErrNotFound is returned when the origin has no content for the identifier.
var ErrNotFound = errors.New("content not found at origin")

// Client fetches content from an origin over HTTP.
type Client struct {
	baseURL  string
	token    string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger

	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent to the origin.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithMaxBytes caps the accepted payload size.
func WithMaxBytes(n int64) Option {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates an origin client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("origin base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing origin URL: %w", err)
	}

	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: DefaultMaxBytes,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchByIdentifier retrieves the payload for a content identifier.
// Concurrent calls for the same identifier share one origin round trip;
// the shared fetch runs on a detached context so one caller's
// cancellation does not abort it for the others.
func (c *Client) FetchByIdentifier(ctx context.Context, cid string) ([]byte, error) {
	ch := c.group.DoChan(cid, func() (any, error) {
		data, err := c.fetch(context.WithoutCancel(ctx), cid)
		if err != nil {
			// Let the next caller retry instead of inheriting this failure.
			c.group.Forget(cid)
		}
		return data, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("fetch shared with concurrent caller", "cid", cid)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) fetch(ctx context.Context, cid string) ([]byte, error) {
	fetchURL := fmt.Sprintf("%s/content/%s", c.baseURL, url.PathEscape(cid))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("origin denied access: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("origin returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if resp.ContentLength > c.maxBytes {
		return nil, fmt.Errorf("payload of %d bytes exceeds maximum of %d", resp.ContentLength, c.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("payload exceeds maximum of %d bytes", c.maxBytes)
	}

	c.logger.Debug("fetched content",
		"cid", cid,
		"bytes", len(data),
		"duration", time.Since(start).String(),
	)
	return data, nil
}
