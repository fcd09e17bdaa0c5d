// Package oauth implements the PKCE authorization-code flow and the token
// lifecycle against the platform's OAuth2 endpoints.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PKCEMethod is the only challenge method this client produces.
const PKCEMethod = "S256"

// PKCE holds one authorization attempt's proof-key pair. Single-use: never
// reused across two authorization attempts.
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE generates a fresh verifier/challenge pair. 96 random bytes encode
// to a 128-character verifier, the maximum RFC 7636 permits.
func NewPKCE() (PKCE, error) {
	buf := make([]byte, 96)
	if _, err := rand.Read(buf); err != nil {
		return PKCE{}, fmt.Errorf("generating code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// NewState generates the opaque CSRF token bound to one authorization
// attempt. Callback comparison is exact-match and single-use.
func NewState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
