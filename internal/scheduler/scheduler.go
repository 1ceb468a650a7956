// Package scheduler runs the digest cycle on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled run. Its context ends at the per-run timeout.
type Job func(ctx context.Context) error

type Options struct {
	// Spec is a standard five-field cron expression, a descriptor such as
	// "@hourly" or "@every 30m", or a daily "HH:MM".
	Spec     string
	Timezone string
	Timeout  time.Duration
	Logger   *slog.Logger
}

type Scheduler struct {
	cron    *cron.Cron
	spec    string
	loc     *time.Location
	timeout time.Duration
	log     *slog.Logger
}

func New(opts Options) (*Scheduler, error) {
	loc := time.Local
	if tz := strings.TrimSpace(opts.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: loading timezone %q: %w", tz, err)
		}
		loc = l
	}
	spec, err := normalizeSpec(opts.Spec)
	if err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", opts.Spec, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{cron: c, spec: spec, loc: loc, timeout: opts.Timeout, log: logger}, nil
}

// Run schedules job and blocks until ctx ends. Overlapping runs are skipped.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		runCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		start := time.Now()
		if err := job(runCtx); err != nil {
			s.log.Error("scheduler: run failed", "err", err, "dur", time.Since(start).String())
			return
		}
		s.log.Info("scheduler: run complete", "dur", time.Since(start).String())
	}); err != nil {
		return fmt.Errorf("scheduler: adding cron entry: %w", err)
	}

	s.cron.Start()
	s.log.Info("scheduler: started", "spec", s.spec, "timezone", s.loc.String(), "next", s.Next().Format(time.RFC3339))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Next is the next activation time, zero before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func normalizeSpec(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", fmt.Errorf("scheduler: empty schedule")
	}
	if len(spec) == 5 && spec[2] == ':' {
		hour, minute, err := parseClock(spec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
	return spec, nil
}

func parseClock(t string) (int, int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(t, "%02d:%02d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("scheduler: invalid time %q: must be HH:MM", t)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduler: invalid time %q: hour 0-23, minute 0-59", t)
	}
	return hour, minute, nil
}
