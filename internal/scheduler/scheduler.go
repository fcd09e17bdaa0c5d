// Package scheduler triggers posting runs on a fixed interval or at
// fixed local times of day.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Job is one posting run. Errors are logged, not fatal: the next tick
// retries from the queue's current state.
type Job func(ctx context.Context) error

// Config selects the trigger mode. Times wins when both are set.
type Config struct {
	Interval   time.Duration
	Times      []string // "HH:MM" in local time
	RunOnStart bool
}

// Scheduler runs a job sequentially on its trigger schedule. Runs never
// overlap; a slow run delays the next tick's work, not the wall clock.
type Scheduler struct {
	cfg    Config
	job    Job
	logger zerolog.Logger
	now    func() time.Time
}

// New validates the schedule and creates a scheduler.
func New(cfg Config, job Job, logger zerolog.Logger) (*Scheduler, error) {
	for _, ts := range cfg.Times {
		if _, _, err := parseClock(ts); err != nil {
			return nil, err
		}
	}
	if len(cfg.Times) == 0 && cfg.Interval <= 0 {
		return nil, errors.New("scheduler: an interval or times of day are required")
	}
	return &Scheduler{
		cfg:    cfg,
		job:    job,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.RunOnStart {
		s.runJob(ctx)
	}
	if len(s.cfg.Times) > 0 {
		s.runAtTimes(ctx)
		return
	}
	s.runInterval(ctx)
}

func (s *Scheduler) runInterval(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.runJob(ctx)
		}
	}
}

func (s *Scheduler) runAtTimes(ctx context.Context) {
	s.logger.Info().Strs("times", s.cfg.Times).Msg("scheduler started")

	for {
		next := s.nextRun(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		s.logger.Debug().Time("next_run", next).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.runJob(ctx)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context) {
	start := s.now()
	if err := s.job(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error().Err(err).Msg("posting run failed")
		return
	}
	s.logger.Debug().Dur("took", s.now().Sub(start)).Msg("posting run finished")
}

// nextRun finds the earliest configured time of day strictly after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	var best time.Time
	for _, ts := range s.cfg.Times {
		hh, mm, err := parseClock(ts)
		if err != nil {
			continue // validated in New
		}
		cand := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if !cand.After(now) {
			cand = time.Date(now.Year(), now.Month(), now.Day()+1, hh, mm, 0, 0, now.Location())
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	return best
}

func parseClock(ts string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(ts))
	if err != nil {
		return 0, 0, fmt.Errorf("parsing schedule time %q: %w", ts, err)
	}
	return t.Hour(), t.Minute(), nil
}
