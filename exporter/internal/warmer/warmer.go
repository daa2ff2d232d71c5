// Package warmer refreshes the snapshot cache on a cron schedule so scrapes
// find a warm entry instead of waiting for a collection round.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is run on every tick. It is usually a cache.GetOrRefresh call.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a standard 5-field cron spec ("*/1 * * * *") or a
// descriptor ("@every 30s").
type Scheduler struct {
	spec    string
	job     Job
	timeout time.Duration
	cron    *cron.Cron
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// New validates spec and returns a stopped Scheduler. timeout bounds a single
// run; zero leaves it to the job.
func New(spec string, job Job, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("warmer: invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		spec:    spec,
		job:     job,
		timeout: timeout,
		// A slow run is skipped rather than stacked on top of the next tick.
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With("component", "warmer"),
	}, nil
}

// Start schedules the job and returns. The scheduler stops when ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("warmer: schedule: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("cache warmer started", "schedule", s.spec)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Warn("cache warm failed", "err", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("cache warmed", "duration", time.Since(start))
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("cache warmer stopped")
}

// Running reports whether the scheduler is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run, or the zero time when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
