// Package poster ties the pipeline together: pull the next queued item,
// stage its media, upload, publish, and mark the row posted. A post is
// never created while its media upload is unresolved.
package poster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/postwing/xsched/internal/metrics"
	"github.com/postwing/xsched/internal/objectstore"
	"github.com/postwing/xsched/internal/source"
	"github.com/postwing/xsched/internal/twitter"
	"github.com/postwing/xsched/internal/validator"
)

// DefaultMaxPostLength is the platform's post length limit in runes.
const DefaultMaxPostLength = 280

// MediaUploader runs the chunked upload for one file.
type MediaUploader interface {
	Upload(ctx context.Context, path, mediaType, category string) (*twitter.Session, error)
}

// PostCreator publishes a post.
type PostCreator interface {
	CreatePost(ctx context.Context, text string, mediaIDs []string) (string, error)
}

// BlobStore stages media blobs referenced by s3:// URIs.
type BlobStore interface {
	Download(ctx context.Context, uri string) (string, error)
	Delete(ctx context.Context, uri string) error
}

// Fetcher stages media referenced by http(s) URLs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Config bounds a posting run.
type Config struct {
	MaxPostLength int
	MaxFileBytes  int64
}

// Poster runs posting cycles over a source queue.
type Poster struct {
	cfg      Config
	src      source.Source
	uploader MediaUploader
	posts    PostCreator
	blobs    BlobStore
	fetcher  Fetcher
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a poster. Object store and downloader support are optional
// and attached with the setters.
func New(cfg Config, src source.Source, uploader MediaUploader, posts PostCreator, logger zerolog.Logger) *Poster {
	if cfg.MaxPostLength <= 0 {
		cfg.MaxPostLength = DefaultMaxPostLength
	}
	return &Poster{
		cfg:      cfg,
		src:      src,
		uploader: uploader,
		posts:    posts,
		logger:   logger.With().Str("component", "poster").Logger(),
	}
}

// SetBlobStore enables s3:// media references.
func (p *Poster) SetBlobStore(b BlobStore) {
	p.blobs = b
}

// SetFetcher enables http(s) media references.
func (p *Poster) SetFetcher(f Fetcher) {
	p.fetcher = f
}

// SetMetrics attaches a metrics collector.
func (p *Poster) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// RunOnce posts the next pending item. It reports whether a post was
// made; a drained queue is a quiet no-op. The item stays unmarked on any
// failure so the next run retries it.
func (p *Poster) RunOnce(ctx context.Context) (bool, error) {
	it, err := p.src.Next(ctx)
	if errors.Is(err, source.ErrNoPending) {
		p.logger.Debug().Msg("queue is empty")
		p.metrics.SetQueuePending(0)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading source: %w", err)
	}

	text := truncatePost(it.Text, p.cfg.MaxPostLength)

	media, err := p.resolveMedia(ctx, it)
	if err != nil {
		return false, err
	}
	defer media.cleanup(p.logger)

	var mediaIDs []string
	if media.path != "" {
		fi, err := validator.Validate(media.path, p.cfg.MaxFileBytes)
		if err != nil {
			return false, fmt.Errorf("row %d: %w", it.Row, err)
		}
		sess, err := p.uploader.Upload(ctx, media.path, fi.MediaType, fi.Category)
		if err != nil {
			return false, fmt.Errorf("row %d: uploading media: %w", it.Row, err)
		}
		mediaIDs = []string{sess.MediaID}
	}

	postID, err := p.posts.CreatePost(ctx, text, mediaIDs)
	if err != nil {
		return false, fmt.Errorf("row %d: creating post: %w", it.Row, err)
	}

	if err := p.src.MarkPosted(ctx, it, postID); err != nil {
		// The post is live; an unmarked row means the next run would
		// publish it again, so this failure must be loud.
		p.logger.Error().Err(err).Int("row", it.Row).Str("post_id", postID).
			Msg("post created but the row could not be marked posted")
		return true, fmt.Errorf("row %d: post %s created but not marked: %w", it.Row, postID, err)
	}

	if media.uri != "" && p.blobs != nil {
		if err := p.blobs.Delete(ctx, media.uri); err != nil {
			p.logger.Warn().Err(err).Str("uri", media.uri).Msg("failed to drop staged blob")
		}
	}

	p.updatePending(ctx)
	p.logger.Info().Int("row", it.Row).Str("post_id", postID).Int("media_count", len(mediaIDs)).Msg("item posted")
	return true, nil
}

// stagedMedia is a resolved local file plus what to clean up afterwards.
type stagedMedia struct {
	path   string
	staged bool   // temp file owned by this run
	uri    string // object store blob to drop once posted
}

func (m *stagedMedia) cleanup(logger zerolog.Logger) {
	if m.staged && m.path != "" {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", m.path).Msg("failed to remove staged media")
		}
	}
}

// resolveMedia turns an item's media reference into a local file. A local
// path wins over a URL when a row carries both.
func (p *Poster) resolveMedia(ctx context.Context, it *source.Item) (*stagedMedia, error) {
	if it.MediaPath != "" {
		return &stagedMedia{path: it.MediaPath}, nil
	}
	if it.MediaURL == "" {
		return &stagedMedia{}, nil
	}

	switch {
	case objectstore.IsURI(it.MediaURL):
		if p.blobs == nil {
			return nil, fmt.Errorf("row %d references %s but no object store is configured", it.Row, it.MediaURL)
		}
		path, err := p.blobs.Download(ctx, it.MediaURL)
		if err != nil {
			return nil, fmt.Errorf("row %d: staging %s: %w", it.Row, it.MediaURL, err)
		}
		return &stagedMedia{path: path, staged: true, uri: it.MediaURL}, nil

	case strings.HasPrefix(it.MediaURL, "http://"), strings.HasPrefix(it.MediaURL, "https://"):
		if p.fetcher == nil {
			return nil, fmt.Errorf("row %d references a remote URL but downloads are not configured", it.Row)
		}
		path, err := p.fetcher.Fetch(ctx, it.MediaURL)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", it.Row, err)
		}
		return &stagedMedia{path: path, staged: true}, nil

	default:
		return nil, fmt.Errorf("row %d: unsupported media URL %q", it.Row, it.MediaURL)
	}
}

func (p *Poster) updatePending(ctx context.Context) {
	n, err := p.src.PendingCount(ctx)
	if err != nil {
		return
	}
	p.metrics.SetQueuePending(float64(n))
}

// truncatePost trims text to max runes, ending in an ellipsis when it had
// to cut.
func truncatePost(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
