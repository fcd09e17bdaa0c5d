package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	xerrors "github.com/postwing/xsched/internal/errors"
	"github.com/postwing/xsched/internal/metrics"
	"github.com/postwing/xsched/internal/retry"
	"github.com/postwing/xsched/internal/tokenstore"
)

// defaultExpiresIn is assumed when the token endpoint omits expires_in.
const defaultExpiresIn = 7200

const maxResponseBytes = 1 << 20 // 1 MiB

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the OAuth2 client settings for the platform.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthorizeURL string
	TokenURL     string
	UserID       string
}

// Client manages the PKCE authorization-code grant and refresh-token grant
// against the platform's OAuth2 endpoints. It owns no retry policy beyond
// per-call delegation to retry.Do.
type Client struct {
	cfg        Config
	store      tokenstore.Store
	httpClient HTTPClient
	retryCfg   retry.Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	refreshes  singleflight.Group
}

// NewClient creates an OAuth client backed by the given token store.
func NewClient(cfg Config, store tokenstore.Store, retryCfg retry.Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryCfg:   retryCfg,
		logger:     logger.With().Str("component", "oauth").Logger(),
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

// UserID returns the identity new exchange records are stored under.
func (c *Client) UserID() string {
	return c.cfg.UserID
}

// BuildAuthorizationRequest generates a fresh state and PKCE pair and the
// authorize-endpoint URL carrying them. Nothing is persisted here; the
// caller retains state and verifier for the matching callback.
func (c *Client) BuildAuthorizationRequest() (authURL, state, verifier string, err error) {
	pk, err := NewPKCE()
	if err != nil {
		return "", "", "", err
	}
	state, err = NewState()
	if err != nil {
		return "", "", "", err
	}

	u, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil {
		return "", "", "", fmt.Errorf("parsing authorize URL: %w", err)
	}
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {c.cfg.RedirectURI},
		"scope":                 {strings.Join(c.cfg.Scopes, " ")},
		"state":                 {state},
		"code_challenge":        {pk.Challenge},
		"code_challenge_method": {PKCEMethod},
	}
	u.RawQuery = q.Encode()
	return u.String(), state, pk.Verifier, nil
}

// ExchangeCode trades an authorization code and its verifier for a token
// record. Any failure is surfaced as AuthExchangeError with the HTTP status
// and body when one was received.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*tokenstore.Record, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
		"code_verifier": {verifier},
	}
	rec, err := c.postToken(ctx, form)
	if err != nil {
		var he *xerrors.HTTPError
		if errors.As(err, &he) {
			return nil, &xerrors.AuthExchangeError{Status: he.Status, Body: he.Body, Err: err}
		}
		return nil, &xerrors.AuthExchangeError{Err: err}
	}
	rec.UserID = c.cfg.UserID
	c.logger.Info().Str("user_id", rec.UserID).Int64("expires_at", rec.ExpiresAt).Msg("authorization code exchanged")
	return rec, nil
}

// Refresh trades a refresh token for a new token record. An empty
// refreshToken fails immediately without any network call: a record with no
// refresh token is terminally expired and needs re-authorization.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokenstore.Record, error) {
	if refreshToken == "" {
		return nil, &xerrors.AuthRefreshError{Err: xerrors.ErrNoRefreshToken}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
	}
	rec, err := c.postToken(ctx, form)
	if err != nil {
		c.metrics.RecordRefresh("error")
		var he *xerrors.HTTPError
		if errors.As(err, &he) {
			return nil, &xerrors.AuthRefreshError{Status: he.Status, Body: he.Body, Err: err}
		}
		return nil, &xerrors.AuthRefreshError{Err: err}
	}
	c.metrics.RecordRefresh("ok")
	return rec, nil
}

// GetValidToken returns a usable token record for userID, refreshing it
// first when expired. The expiry check reads the clock at call time: tokens
// may sit unused for a whole scheduling interval. A refreshed record is
// persisted best-effort: a store write failure is logged, not returned,
// since the upload must not be blocked by it.
func (c *Client) GetValidToken(ctx context.Context, userID string) (*tokenstore.Record, error) {
	rec, err := c.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, fmt.Errorf("user %q: %w", userID, xerrors.ErrNoToken)
		}
		return nil, fmt.Errorf("reading token for %q: %w", userID, err)
	}

	if !rec.Expired(time.Now()) {
		return rec, nil
	}

	c.logger.Info().
		Str("user_id", userID).
		Bool("has_refresh_token", rec.RefreshToken != "").
		Msg("access token expired, refreshing")

	v, err, _ := c.refreshes.Do(userID, func() (interface{}, error) {
		// A refresh that completed between this caller's read and now must
		// not be redone with its predecessor's rotated refresh token.
		if cur, gerr := c.store.Get(ctx, userID); gerr == nil {
			if !cur.Expired(time.Now()) {
				return cur, nil
			}
			rec = cur
		}
		fresh, err := c.Refresh(ctx, rec.RefreshToken)
		if err != nil {
			return nil, err
		}
		fresh.UserID = userID
		if perr := c.store.Put(ctx, fresh); perr != nil {
			c.logger.Error().Err(perr).Str("user_id", userID).
				Msg("failed to persist refreshed token, continuing with in-memory record")
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenstore.Record), nil
}

// tokenResponse is the token endpoint's success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

func (t tokenResponse) record(now time.Time) *tokenstore.Record {
	expiresIn := t.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	return &tokenstore.Record{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Unix() + expiresIn,
		TokenType:    t.TokenType,
		Scopes:       strings.Fields(t.Scope),
	}
}

// postToken executes one grant POST against the token endpoint, wrapped by
// the shared retry policy. Confidential clients authenticate with HTTP Basic.
func (c *Client) postToken(ctx context.Context, form url.Values) (*tokenstore.Record, error) {
	var rec *tokenstore.Record
	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("creating token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if c.cfg.ClientSecret != "" {
			req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &xerrors.TransportError{Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &xerrors.TransportError{Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return xerrors.FromResponse(resp.StatusCode, body, resp.Header)
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return fmt.Errorf("decoding token response: %w", err)
		}
		rec = tr.record(time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
