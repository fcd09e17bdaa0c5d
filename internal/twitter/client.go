// Package twitter talks to the X API v2 for posting and to the v1.1
// chunked media upload endpoint. Media upload is a state machine:
// INIT reserves a server-side session, APPEND streams fixed-size chunks
// in strict ascending order, FINALIZE closes the session, and STATUS is
// polled while the platform transcodes. A session that fails at any step
// is abandoned, never resumed.
package twitter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	xerrors "github.com/postwing/xsched/internal/errors"
	"github.com/postwing/xsched/internal/metrics"
	"github.com/postwing/xsched/internal/retry"
	"github.com/postwing/xsched/internal/tokenstore"
)

const maxResponseBytes = 1 << 20 // 1 MiB

// Defaults for MediaConfig fields left zero.
const (
	DefaultChunkSize    = 4 << 20   // 4 MiB per APPEND segment
	DefaultMaxFileBytes = 512 << 20 // hard ceiling before INIT
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWaitTime  = 10 * time.Minute
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies a live access token for a user, refreshing when
// needed. Implemented by oauth.Client.
type TokenSource interface {
	GetValidToken(ctx context.Context, userID string) (*tokenstore.Record, error)
}

// MediaConfig bounds a single media upload.
type MediaConfig struct {
	ChunkSize    int64
	MaxFileBytes int64
	// MaxWaitTime bounds the whole upload including processing polls,
	// measured from before the first INIT.
	MaxWaitTime  time.Duration
	PollInterval time.Duration
}

func (mc MediaConfig) withDefaults() MediaConfig {
	if mc.ChunkSize <= 0 {
		mc.ChunkSize = DefaultChunkSize
	}
	if mc.MaxFileBytes <= 0 {
		mc.MaxFileBytes = DefaultMaxFileBytes
	}
	if mc.MaxWaitTime <= 0 {
		mc.MaxWaitTime = DefaultMaxWaitTime
	}
	if mc.PollInterval <= 0 {
		mc.PollInterval = DefaultPollInterval
	}
	return mc
}

// Config holds the API endpoints and per-call policies.
type Config struct {
	UploadURL string
	PostURL   string
	UserID    string
	Media     MediaConfig
	Retry     retry.Config
	// PostRetry is the tighter policy for post creation, where a retry
	// after an ambiguous failure can publish the same text twice.
	PostRetry retry.Config
}

// Client is an authenticated X API client for a single user.
type Client struct {
	cfg        Config
	tokens     TokenSource
	httpClient HTTPClient
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. Endpoint URLs and retry policies come from
// cfg; tokens are fetched per request so a refresh can happen mid-upload.
func NewClient(cfg Config, tokens TokenSource, logger zerolog.Logger) *Client {
	cfg.Media = cfg.Media.withDefaults()
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With().Str("component", "twitter").Logger(),
		sleep:      sleepContext,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetMetrics attaches a metrics collector.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// roundTrip authorizes and executes one request and returns the response
// body. Transport failures and non-2xx statuses come back as the
// taxonomy's retryable-or-not error types.
func (c *Client) roundTrip(ctx context.Context, req *http.Request) ([]byte, error) {
	tok, err := c.tokens.GetValidToken(ctx, c.cfg.UserID)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &xerrors.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &xerrors.TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.FromResponse(resp.StatusCode, body, resp.Header)
	}
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
