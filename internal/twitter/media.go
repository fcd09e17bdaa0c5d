package twitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/postwing/xsched/internal/errors"
	"github.com/postwing/xsched/internal/retry"
)

// Upload runs the full chunked upload for the file at path and blocks
// until the media is usable or the session fails. The returned session is
// non-nil either way so callers can inspect its final state. MediaType is
// the file's MIME type and category is the platform media category
// (tweet_image, tweet_gif, tweet_video).
func (c *Client) Upload(ctx context.Context, path, mediaType, category string) (*Session, error) {
	s, err := c.upload(ctx, path, mediaType, category)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordUpload(category, status)
	c.metrics.ObserveUploadDuration(category, time.Since(s.StartedAt).Seconds())
	return s, err
}

func (c *Client) upload(ctx context.Context, path, mediaType, category string) (*Session, error) {
	s := &Session{
		FilePath:  path,
		MediaType: mediaType,
		Category:  category,
		State:     StateCreated,
		StartedAt: time.Now(),
	}
	deadline := s.StartedAt.Add(c.cfg.Media.MaxWaitTime)

	info, err := os.Stat(path)
	if err != nil {
		s.State = StateFailed
		return s, &xerrors.UploadInitError{Err: fmt.Errorf("stat %s: %w", path, err)}
	}
	size := info.Size()
	if size == 0 {
		s.State = StateFailed
		return s, &xerrors.UploadInitError{Err: fmt.Errorf("%s is empty", path)}
	}
	if size > c.cfg.Media.MaxFileBytes {
		s.State = StateFailed
		return s, &xerrors.UploadInitError{Err: fmt.Errorf("%s is %d bytes, limit is %d", path, size, c.cfg.Media.MaxFileBytes)}
	}
	s.TotalBytes = size

	form := url.Values{
		"command":     {"INIT"},
		"total_bytes": {strconv.FormatInt(size, 10)},
		"media_type":  {mediaType},
	}
	if category != "" {
		form.Set("media_category", category)
	}
	mr, err := c.mediaCommand(ctx, form)
	if err != nil {
		s.State = StateFailed
		return s, &xerrors.UploadInitError{Err: err}
	}
	s.MediaID = mr.ID()
	if s.MediaID == "" {
		s.State = StateFailed
		return s, &xerrors.UploadInitError{Err: errors.New("INIT response carries no media id")}
	}
	s.State = StateInitialized
	c.logger.Info().
		Str("media_id", s.MediaID).
		Int64("total_bytes", size).
		Str("category", category).
		Msg("media upload initialized")

	if err := c.appendAll(ctx, s, deadline); err != nil {
		s.State = StateFailed
		return s, err
	}

	mr, err = c.mediaCommand(ctx, url.Values{
		"command":  {"FINALIZE"},
		"media_id": {s.MediaID},
	})
	if err != nil {
		s.State = StateFailed
		return s, &xerrors.UploadFinalizeError{Err: err}
	}
	s.State = StateFinalized

	return s, c.awaitProcessing(ctx, s, deadline, mr.ProcessingInfo)
}

// appendAll streams the file in fixed-size segments, indexed from zero
// with no gaps. Any failed segment abandons the session.
func (c *Client) appendAll(ctx context.Context, s *Session, deadline time.Time) error {
	f, err := os.Open(s.FilePath)
	if err != nil {
		return &xerrors.UploadAppendError{Segment: 0, Err: err}
	}
	defer f.Close()

	s.State = StateAppending
	chunk := make([]byte, c.cfg.Media.ChunkSize)
	for segment := 0; ; segment++ {
		n, rerr := io.ReadFull(f, chunk)
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return &xerrors.UploadAppendError{Segment: segment, Err: rerr}
		}
		if time.Now().After(deadline) {
			return &xerrors.UploadTimeoutError{Waited: time.Since(s.StartedAt)}
		}
		if err := c.appendChunk(ctx, s.MediaID, segment, chunk[:n]); err != nil {
			return &xerrors.UploadAppendError{Segment: segment, Err: err}
		}
		c.logger.Debug().
			Str("media_id", s.MediaID).
			Int("segment", segment).
			Int("bytes", n).
			Msg("segment appended")
		if rerr == io.ErrUnexpectedEOF {
			return nil
		}
	}
}

// awaitProcessing polls STATUS until the platform reports a terminal
// processing state or the session deadline passes. The deadline is
// re-checked between each sleep and the STATUS call that follows it.
func (c *Client) awaitProcessing(ctx context.Context, s *Session, deadline time.Time, info *ProcessingInfo) error {
	for {
		if info == nil || info.State == ProcessingSucceeded {
			s.State = StateSucceeded
			return nil
		}
		switch info.State {
		case ProcessingFailed:
			s.State = StateFailed
			return processingError(info)
		case ProcessingPending, ProcessingInProgress:
		default:
			s.State = StateFailed
			return &xerrors.ProcessingFailedError{Name: "unexpected_state", Message: info.State}
		}
		s.State = StateProcessing

		wait := c.cfg.Media.PollInterval
		if info.CheckAfterSecs > 0 {
			wait = time.Duration(info.CheckAfterSecs) * time.Second
		}
		// Never sleep past the session deadline, whatever the platform suggests.
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		c.logger.Debug().
			Str("media_id", s.MediaID).
			Str("state", info.State).
			Int("progress", info.ProgressPercent).
			Dur("wait", wait).
			Msg("media still processing")

		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				s.State = StateFailed
				return err
			}
		}
		if time.Now().After(deadline) {
			s.State = StateFailed
			return &xerrors.UploadTimeoutError{Waited: time.Since(s.StartedAt)}
		}

		mr, err := c.uploadStatus(ctx, s.MediaID)
		if err != nil {
			var he *xerrors.HTTPError
			if errors.As(err, &he) && he.Status == http.StatusNotFound {
				// STATUS stops resolving once processing completed and
				// the media aged into post-only visibility.
				s.State = StateSucceeded
				return nil
			}
			s.State = StateFailed
			return &xerrors.UploadFinalizeError{Err: err}
		}
		info = mr.ProcessingInfo
	}
}

// mediaCommand POSTs a form-encoded command (INIT, FINALIZE) to the
// upload endpoint under the shared retry policy.
func (c *Client) mediaCommand(ctx context.Context, form url.Values) (*mediaResponse, error) {
	var out *mediaResponse
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("creating media request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		body, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		out, err = decodeMedia(body)
		return err
	})
	return out, err
}

// appendChunk sends one APPEND segment. The multipart body is rebuilt on
// every attempt since a retried request cannot reuse a consumed reader.
func (c *Client) appendChunk(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		body, contentType, err := appendBody(mediaID, segment, chunk)
		if err != nil {
			return fmt.Errorf("building append body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, body)
		if err != nil {
			return fmt.Errorf("creating append request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		_, err = c.roundTrip(ctx, req)
		return err
	})
}

func appendBody(mediaID string, segment int, chunk []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("command", "APPEND"); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("media_id", mediaID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("segment_index", strconv.Itoa(segment)); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("media", "media")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// uploadStatus GETs the processing status for one media id.
func (c *Client) uploadStatus(ctx context.Context, mediaID string) (*mediaResponse, error) {
	q := url.Values{
		"command":  {"STATUS"},
		"media_id": {mediaID},
	}
	var out *mediaResponse
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UploadURL+"?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("creating status request: %w", err)
		}
		body, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		out, err = decodeMedia(body)
		return err
	})
	return out, err
}

func processingError(info *ProcessingInfo) *xerrors.ProcessingFailedError {
	pe := &xerrors.ProcessingFailedError{}
	if info.Error != nil {
		pe.Code = info.Error.Code
		pe.Name = info.Error.Name
		pe.Message = info.Error.Message
	}
	if pe.Name == "" {
		pe.Name = "processing_failed"
	}
	return pe
}
