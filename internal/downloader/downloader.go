// Package downloader stages remote media into local temp files so the
// chunked uploader can stream them with a known size.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	xerrors "github.com/postwing/xsched/internal/errors"
	"github.com/postwing/xsched/internal/retry"
	"github.com/postwing/xsched/internal/validator"
)

// Caps applied when the config leaves them zero. Remote media larger or
// slower than this is not worth a posting slot.
const (
	DefaultMaxBytes = 140 << 20
	DefaultTimeout  = 140 * time.Second
)

// StagePrefix names temp files staged by this package, so the cleanup
// janitor can recognize orphans left by crashed runs.
const StagePrefix = "media-"

// Downloader fetches media over HTTP into temp files.
type Downloader struct {
	httpClient *http.Client
	maxBytes   int64
	dir        string
	retryCfg   retry.Config
	logger     zerolog.Logger
}

// New creates a downloader. dir is where temp files land; empty means the
// system temp directory.
func New(maxBytes int64, timeout time.Duration, dir string, retryCfg retry.Config, logger zerolog.Logger) *Downloader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Downloader{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		dir:        dir,
		retryCfg:   retryCfg,
		logger:     logger.With().Str("component", "downloader").Logger(),
	}
}

// Fetch downloads rawURL to a temp file and returns its path. The caller
// owns the file and removes it when done. The file extension comes from
// the URL path when it names a supported type, else from the response
// Content-Type.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (string, error) {
	var local string
	err := retry.Do(ctx, d.retryCfg, func(ctx context.Context) error {
		p, err := d.fetchOnce(ctx, rawURL)
		if err != nil {
			return err
		}
		local = p
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	d.logger.Info().Str("url", rawURL).Str("path", local).Msg("media staged")
	return local, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", &xerrors.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", xerrors.FromResponse(resp.StatusCode, body, resp.Header)
	}
	if resp.ContentLength > d.maxBytes {
		return "", fmt.Errorf("remote media is %d bytes, limit is %d", resp.ContentLength, d.maxBytes)
	}

	tmp, err := os.CreateTemp(d.dir, StagePrefix+"*"+d.extension(rawURL, resp.Header.Get("Content-Type")))
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, d.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", &xerrors.TransportError{Err: err}
	}
	if n > d.maxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("remote media exceeds the %d byte limit", d.maxBytes)
	}
	if n == 0 {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("remote media at %s is empty", rawURL)
	}
	return tmp.Name(), nil
}

// extension picks a supported media extension for the temp file name.
func (d *Downloader) extension(rawURL, contentType string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	if ext := strings.ToLower(path.Ext(rawURL)); ext != "" {
		if _, _, ok := validator.TypeForExt(ext); ok {
			return ext
		}
	}
	if ext, ok := validator.ExtForContentType(contentType); ok {
		return ext
	}
	return ""
}
