package twitter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SessionState tracks a media upload session through its lifecycle.
type SessionState string

const (
	StateCreated     SessionState = "created"
	StateInitialized SessionState = "initialized"
	StateAppending   SessionState = "appending"
	StateFinalized   SessionState = "finalized"
	StateProcessing  SessionState = "processing"
	StateSucceeded   SessionState = "succeeded"
	StateFailed      SessionState = "failed"
)

// Session is the client-side record of one chunked media upload. A failed
// session is never resumed; callers start over with a new one.
type Session struct {
	MediaID    string
	FilePath   string
	TotalBytes int64
	MediaType  string
	Category   string
	State      SessionState
	StartedAt  time.Time
}

// Processing states reported by the platform.
const (
	ProcessingPending    = "pending"
	ProcessingInProgress = "in_progress"
	ProcessingSucceeded  = "succeeded"
	ProcessingFailed     = "failed"
)

// ProcessingInfo is the platform's async transcoding status, attached to
// FINALIZE and STATUS responses for media that needs processing.
type ProcessingInfo struct {
	State           string           `json:"state"`
	CheckAfterSecs  int64            `json:"check_after_secs"`
	ProgressPercent int              `json:"progress_percent"`
	Error           *ProcessingError `json:"error,omitempty"`
}

// ProcessingError describes why transcoding failed.
type ProcessingError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// mediaResponse is the upload endpoint's body for INIT, FINALIZE and
// STATUS. APPEND returns an empty 2xx.
type mediaResponse struct {
	MediaID          int64           `json:"media_id"`
	MediaIDString    string          `json:"media_id_string"`
	Size             int64           `json:"size"`
	ExpiresAfterSecs int64           `json:"expires_after_secs"`
	ProcessingInfo   *ProcessingInfo `json:"processing_info,omitempty"`
}

// ID prefers the string form of the media id; the numeric form loses
// precision in JSON implementations that read it as a float.
func (r *mediaResponse) ID() string {
	if r.MediaIDString != "" {
		return r.MediaIDString
	}
	if r.MediaID != 0 {
		return strconv.FormatInt(r.MediaID, 10)
	}
	return ""
}

func decodeMedia(body []byte) (*mediaResponse, error) {
	mr := &mediaResponse{}
	if len(body) == 0 {
		return mr, nil
	}
	if err := json.Unmarshal(body, mr); err != nil {
		return nil, fmt.Errorf("decoding media response: %w", err)
	}
	return mr, nil
}
