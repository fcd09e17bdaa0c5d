// Package cleanup sweeps orphaned staged media out of the staging
// directory. Staged files are normally removed right after a posting run,
// but a crash between staging and cleanup leaves them behind.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when the config leaves fields zero.
const (
	DefaultMaxAge = 24 * time.Hour
	DefaultEvery  = time.Hour
)

// Config bounds what the janitor touches. Only regular files whose name
// starts with one of Prefixes are candidates; everything else in Dir is
// left alone.
type Config struct {
	Dir      string
	Prefixes []string
	MaxAge   time.Duration
	Every    time.Duration
}

// Janitor periodically removes stale staged files.
type Janitor struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewJanitor creates a janitor over the staging directory.
func NewJanitor(cfg Config, logger zerolog.Logger) *Janitor {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Every <= 0 {
		cfg.Every = DefaultEvery
	}
	return &Janitor{
		cfg:    cfg,
		logger: logger.With().Str("component", "cleanup").Logger(),
		now:    time.Now,
	}
}

// SweepOnce removes staged files older than MaxAge and reports how many
// were removed. Files that vanish mid-sweep are not errors; a concurrent
// posting run may legitimately remove its own staging.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.cfg.MaxAge)
	removed := 0

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}

		if entry.IsDir() || !j.staged(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(j.cfg.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				j.logger.Warn().Err(err).Str("path", path).Msg("failed to remove stale staged file")
			}
			continue
		}

		j.logger.Debug().Str("path", path).Time("mod_time", info.ModTime()).Msg("stale staged file removed")
		removed++
	}

	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("staging directory swept")
	}
	return removed, nil
}

// Run sweeps on a ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (j *Janitor) staged(name string) bool {
	for _, prefix := range j.cfg.Prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
