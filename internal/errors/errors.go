// Package errors defines the tagged error taxonomy shared by every
// network-touching component. Retryability is a closed decision over
// Kind; callers never branch on concrete error types to decide
// whether to retry.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for precondition failures.
var (
	ErrNoToken        = errors.New("no token stored")
	ErrNoRefreshToken = errors.New("refresh token absent")
)

// Kind classifies an error for retry decisions.
type Kind int

const (
	// KindFatal errors are never retried.
	KindFatal Kind = iota
	// KindTransient errors (network failures, 5xx) retry with exponential backoff.
	KindTransient
	// KindRateLimited errors (429) retry after the server's reset hint when present.
	KindRateLimited
)

// HTTPError is a non-2xx response surfaced with its status and body.
// ResetAt carries the rate-limit reset hint on 429 responses, zero otherwise.
type HTTPError struct {
	Status  int
	Body    string
	ResetAt time.Time
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, snippet(e.Body))
}

// Rate-limit reset header names. The platform sends the dashed variant;
// some fronting proxies collapse it.
var resetHeaders = []string{"x-ratelimit-reset", "x-rate-limit-reset"}

// FromResponse converts a non-2xx response into an HTTPError, capturing the
// rate-limit reset hint (epoch seconds) when one is present and parseable.
func FromResponse(status int, body []byte, header http.Header) *HTTPError {
	e := &HTTPError{Status: status, Body: string(body)}
	if status == http.StatusTooManyRequests {
		for _, name := range resetHeaders {
			v := header.Get(name)
			if v == "" {
				continue
			}
			secs, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			e.ResetAt = time.Unix(secs, 0)
			break
		}
	}
	return e
}

// TransportError is a network-level failure (dial, TLS, timeout) where no
// HTTP response was received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RequestExhaustedError reports that the retry budget ran out.
// Err is the last attempt's failure.
type RequestExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RequestExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}
func (e *RequestExhaustedError) Unwrap() error { return e.Err }

// AuthExchangeError reports a failed authorization-code exchange.
// Status and Body are zero when the failure happened below HTTP.
type AuthExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("code exchange failed (status %d): %s", e.Status, snippet(e.Body))
	}
	return fmt.Sprintf("code exchange failed: %v", e.Err)
}
func (e *AuthExchangeError) Unwrap() error { return e.Err }

// AuthRefreshError reports a failed refresh-token grant, including the
// precondition case of a record with no refresh token.
type AuthRefreshError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthRefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token refresh failed (status %d): %s", e.Status, snippet(e.Body))
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}
func (e *AuthRefreshError) Unwrap() error { return e.Err }

// UploadInitError reports a failed INIT phase, including size-ceiling and
// file-access violations detected before the first network call.
type UploadInitError struct {
	Err error
}

func (e *UploadInitError) Error() string { return fmt.Sprintf("media init failed: %v", e.Err) }
func (e *UploadInitError) Unwrap() error { return e.Err }

// UploadAppendError reports a failed chunk APPEND. Remaining chunks were
// not sent; the session is never resumed.
type UploadAppendError struct {
	Segment int
	Err     error
}

func (e *UploadAppendError) Error() string {
	return fmt.Sprintf("media append failed at segment %d: %v", e.Segment, e.Err)
}
func (e *UploadAppendError) Unwrap() error { return e.Err }

// UploadFinalizeError reports a failed FINALIZE or STATUS-poll transport call.
type UploadFinalizeError struct {
	Err error
}

func (e *UploadFinalizeError) Error() string { return fmt.Sprintf("media finalize failed: %v", e.Err) }
func (e *UploadFinalizeError) Unwrap() error { return e.Err }

// UploadTimeoutError reports that the overall upload budget elapsed before
// the platform finished processing.
type UploadTimeoutError struct {
	Waited time.Duration
}

func (e *UploadTimeoutError) Error() string {
	return fmt.Sprintf("media processing did not finish within %s", e.Waited)
}

// ProcessingFailedError reports that the platform rejected the media after
// (or during) its asynchronous processing step.
type ProcessingFailedError struct {
	Code    int
	Name    string
	Message string
}

func (e *ProcessingFailedError) Error() string {
	return fmt.Sprintf("media processing failed: %s (code %d): %s", e.Name, e.Code, e.Message)
}

// Classification maps err onto the retry Kind enum.
func Classification(err error) Kind {
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.Status == http.StatusTooManyRequests:
			return KindRateLimited
		case he.Status >= 500:
			return KindTransient
		default:
			return KindFatal
		}
	}
	var te *TransportError
	if errors.As(err, &te) {
		return KindTransient
	}
	return KindFatal
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return Classification(err) != KindFatal
}

// ResetAt extracts the rate-limit reset hint buried in err, if any.
func ResetAt(err error) (time.Time, bool) {
	var he *HTTPError
	if errors.As(err, &he) && !he.ResetAt.IsZero() {
		return he.ResetAt, true
	}
	return time.Time{}, false
}

const maxSnippet = 200

func snippet(body string) string {
	if len(body) > maxSnippet {
		return body[:maxSnippet] + "..."
	}
	return body
}
