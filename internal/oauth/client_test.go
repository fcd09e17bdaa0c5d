package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/postwing/xsched/internal/errors"
	"github.com/postwing/xsched/internal/retry"
	"github.com/postwing/xsched/internal/tokenstore"
)

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
}

func testConfig(tokenURL string) Config {
	return Config{
		ClientID:     "client-1",
		RedirectURI:  "http://127.0.0.1:8787/callback",
		Scopes:       []string{"tweet.read", "tweet.write", "offline.access"},
		AuthorizeURL: "https://social.example/i/oauth2/authorize",
		TokenURL:     tokenURL,
		UserID:       "default",
	}
}

// newTestClient wires a client against an httptest token endpoint and
// returns a hit counter for asserting how many network calls happened.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *tokenstore.MemoryStore, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	store := tokenstore.NewMemoryStore()
	c := NewClient(testConfig(srv.URL), store, fastRetry(), zerolog.Nop())
	return c, store, &hits
}

func writeTokenJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func TestBuildAuthorizationRequest(t *testing.T) {
	c := NewClient(testConfig("https://social.example/oauth2/token"), tokenstore.NewMemoryStore(), fastRetry(), zerolog.Nop())

	authURL, state, verifier, err := c.BuildAuthorizationRequest()
	require.NoError(t, err)
	require.NotEmpty(t, state)
	require.Len(t, verifier, 128)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "social.example", u.Host)
	assert.Equal(t, "/i/oauth2/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:8787/callback", q.Get("redirect_uri"))
	assert.Equal(t, "tweet.read tweet.write offline.access", q.Get("scope"))
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestExchangeCode_Success(t *testing.T) {
	c, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-abc", r.PostForm.Get("code"))
		assert.Equal(t, "http://127.0.0.1:8787/callback", r.PostForm.Get("redirect_uri"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "verifier-xyz", r.PostForm.Get("code_verifier"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		writeTokenJSON(w, `{
			"access_token": "at-1",
			"refresh_token": "rt-1",
			"expires_in": 7200,
			"token_type": "bearer",
			"scope": "tweet.read tweet.write"
		}`)
	})

	before := time.Now().Unix()
	rec, err := c.ExchangeCode(context.Background(), "code-abc", "verifier-xyz")
	require.NoError(t, err)

	assert.Equal(t, "default", rec.UserID)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Equal(t, "bearer", rec.TokenType)
	assert.Equal(t, []string{"tweet.read", "tweet.write"}, rec.Scopes)
	assert.GreaterOrEqual(t, rec.ExpiresAt, before+7200)
	assert.LessOrEqual(t, rec.ExpiresAt, time.Now().Unix()+7200)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits))
}

func TestExchangeCode_DefaultExpiry(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, `{"access_token": "at-1", "token_type": "bearer"}`)
	})

	before := time.Now().Unix()
	rec, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, rec.ExpiresAt, before+defaultExpiresIn)
	assert.Empty(t, rec.RefreshToken)
}

func TestExchangeCode_BasicAuthWhenSecretConfigured(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-1", user)
		assert.Equal(t, "sekrit", pass)
		writeTokenJSON(w, `{"access_token": "at-1", "expires_in": 60}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ClientSecret = "sekrit"
	c := NewClient(cfg, tokenstore.NewMemoryStore(), fastRetry(), zerolog.Nop())

	_, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits))
}

func TestExchangeCode_DeniedIsFatal(t *testing.T) {
	c, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant", "error_description": "code expired"}`))
	})

	_, err := c.ExchangeCode(context.Background(), "stale-code", "verifier")
	require.Error(t, err)

	var exErr *xerrors.AuthExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, http.StatusBadRequest, exErr.Status)
	assert.Contains(t, exErr.Body, "invalid_grant")
	assert.EqualValues(t, 1, atomic.LoadInt64(hits), "a 4xx must not be retried")
}

func TestExchangeCode_RetriesServerError(t *testing.T) {
	var n int64
	c, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&n, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeTokenJSON(w, `{"access_token": "at-1", "expires_in": 60}`)
	})

	rec, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.EqualValues(t, 2, atomic.LoadInt64(hits))
}

func TestRefresh_EmptyTokenNoNetworkCall(t *testing.T) {
	c, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called")
	})

	_, err := c.Refresh(context.Background(), "")
	require.Error(t, err)

	var refErr *xerrors.AuthRefreshError
	require.ErrorAs(t, err, &refErr)
	assert.ErrorIs(t, err, xerrors.ErrNoRefreshToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(hits))
}

func TestRefresh_Success(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))

		writeTokenJSON(w, `{
			"access_token": "at-new",
			"refresh_token": "rt-new",
			"expires_in": 7200,
			"token_type": "bearer"
		}`)
	})

	rec, err := c.Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-new", rec.AccessToken)
	assert.Equal(t, "rt-new", rec.RefreshToken)
}

func TestRefresh_RejectedToken(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	})

	_, err := c.Refresh(context.Background(), "rt-revoked")
	require.Error(t, err)

	var refErr *xerrors.AuthRefreshError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, http.StatusUnauthorized, refErr.Status)
}

func TestGetValidToken_NoRecord(t *testing.T) {
	c, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := c.GetValidToken(context.Background(), "default")
	assert.ErrorIs(t, err, xerrors.ErrNoToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(hits))
}

func TestGetValidToken_ValidSkipsNetwork(t *testing.T) {
	c, store, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called for a live token")
	})
	require.NoError(t, store.Put(context.Background(), &tokenstore.Record{
		UserID:      "default",
		AccessToken: "at-live",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}))

	rec, err := c.GetValidToken(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "at-live", rec.AccessToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(hits))
}

func TestGetValidToken_ExpiredRefreshesAndPersists(t *testing.T) {
	c, store, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
		writeTokenJSON(w, `{
			"access_token": "at-new",
			"refresh_token": "rt-new",
			"expires_in": 7200
		}`)
	})
	require.NoError(t, store.Put(context.Background(), &tokenstore.Record{
		UserID:       "default",
		AccessToken:  "at-stale",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))

	rec, err := c.GetValidToken(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "at-new", rec.AccessToken)
	assert.Equal(t, "default", rec.UserID)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits))

	stored, err := store.Get(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "at-new", stored.AccessToken)
	assert.Equal(t, "rt-new", stored.RefreshToken, "the old record is replaced wholesale")
}

func TestGetValidToken_SecondCallUsesStoredToken(t *testing.T) {
	c, store, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, `{"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 7200}`)
	})
	require.NoError(t, store.Put(context.Background(), &tokenstore.Record{
		UserID:       "default",
		AccessToken:  "at-stale",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))

	_, err := c.GetValidToken(context.Background(), "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(hits))

	rec, err := c.GetValidToken(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "at-new", rec.AccessToken)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits), "the refreshed token must be reused, not refreshed again")
}

func TestGetValidToken_ExpiryBoundaryCountsAsExpired(t *testing.T) {
	c, store, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, `{"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 7200}`)
	})
	require.NoError(t, store.Put(context.Background(), &tokenstore.Record{
		UserID:       "default",
		AccessToken:  "at-boundary",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Unix(),
	}))

	rec, err := c.GetValidToken(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "at-new", rec.AccessToken)
	assert.EqualValues(t, 1, atomic.LoadInt64(hits), "a token expiring exactly now must be refreshed")
}

func TestGetValidToken_NoRefreshTokenIsTerminal(t *testing.T) {
	c, store, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called without a refresh token")
	})
	require.NoError(t, store.Put(context.Background(), &tokenstore.Record{
		UserID:      "default",
		AccessToken: "at-stale",
		ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
	}))

	_, err := c.GetValidToken(context.Background(), "default")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrNoRefreshToken)
	assert.EqualValues(t, 0, atomic.LoadInt64(hits))
}

type failingPutStore struct {
	tokenstore.Store
}

func (f *failingPutStore) Put(ctx context.Context, rec *tokenstore.Record) error {
	return errors.New("disk full")
}

func TestGetValidToken_PersistFailureStillReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, `{"access_token": "at-new", "refresh_token": "rt-new", "expires_in": 7200}`)
	}))
	defer srv.Close()

	mem := tokenstore.NewMemoryStore()
	require.NoError(t, mem.Put(context.Background(), &tokenstore.Record{
		UserID:       "default",
		AccessToken:  "at-stale",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))

	c := NewClient(testConfig(srv.URL), &failingPutStore{Store: mem}, fastRetry(), zerolog.Nop())

	rec, err := c.GetValidToken(context.Background(), "default")
	require.NoError(t, err, "a failed persist must not block the caller")
	assert.Equal(t, "at-new", rec.AccessToken)
}
