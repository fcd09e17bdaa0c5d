// Package tokenstore persists OAuth2 token records keyed by user identity.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested user.
var ErrNotFound = errors.New("token not found")

// Record is one user's OAuth2 credential set. ExpiresAt is absolute epoch
// seconds, computed at save time from the grant's expires_in. A record with
// an empty RefreshToken cannot be refreshed.
type Record struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	TokenType    string
	Scopes       []string
}

// Expired reports whether the record is expired at the given instant.
// A record expiring exactly now is expired.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// Store defines token persistence. Put replaces any existing record for the
// same user wholesale.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, userID string) error
}
